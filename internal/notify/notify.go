// Package notify renders and delivers recipient notifications over shoutrrr
// service URLs.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"text/template"
	"time"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
)

const (
	TemplateAssignmentNew      = "assignment.new"
	TemplateAssignmentUpdated  = "assignment.updated"
	TemplateAssignmentStatus   = "assignment.status"
	TemplateAssignmentRemoved  = "assignment.removed"
	TemplateCertApproved       = "cert.approved"
	TemplateCertRejected       = "cert.rejected"
	TemplateCertReopened       = "cert.reopened"
	TemplateReviewReturned     = "review.returned"
	TemplateSpotCheckFailed    = "spotcheck.failed"
	defaultNotificationTimeout = 5 * time.Second
)

type msgTemplate struct {
	title string
	body  *template.Template
}

var templates = map[string]msgTemplate{
	TemplateAssignmentNew:     {"New assignment", parse("You were assigned to review {{.project}}")},
	TemplateAssignmentUpdated: {"Assignment updated", parse("Reassigned: {{.project}}")},
	TemplateAssignmentStatus:  {"Assignment updated", parse("{{.project}} is now {{.status}}")},
	TemplateAssignmentRemoved: {"Assignment removed", parse("You were unassigned from {{.project}}")},
	TemplateCertApproved:      {"Ship approved", parse("{{.project}} was approved.{{if .feedback}} {{.feedback}}{{end}}")},
	TemplateCertRejected:      {"Ship rejected", parse("{{.project}} was rejected.{{if .feedback}} {{.feedback}}{{end}}")},
	TemplateCertReopened:      {"Ship re-opened", parse("{{.project}} is back in the review queue")},
	TemplateReviewReturned:    {"Ship returned", parse("{{.project}} was returned for another look: {{.reason}}")},
	TemplateSpotCheckFailed:   {"Spot check failed", parse("Your review of {{.project}} failed a spot check ({{.case}})")},
}

func parse(body string) *template.Template {
	return template.Must(template.New("").Option("missingkey=zero").Parse(body))
}

type Message struct {
	Title string
	Body  string
}

// Render fills a named template.
func Render(name string, vars map[string]string) (Message, error) {
	t, ok := templates[name]
	if !ok {
		return Message{}, fmt.Errorf("unknown notification template %q", name)
	}
	var buf bytes.Buffer
	if err := t.body.Execute(&buf, vars); err != nil {
		return Message{}, err
	}
	return Message{Title: t.title, Body: buf.String()}, nil
}

// Sender delivers one message to one channel URL.
type Sender interface {
	Send(ctx context.Context, url string, msg Message) error
}

// Shoutrrr sends through a shoutrrr service router built per channel URL.
type Shoutrrr struct {
	Timeout time.Duration
}

func (s Shoutrrr) Send(ctx context.Context, url string, msg Message) error {
	sender, err := shoutrrr.CreateSender(url)
	if err != nil {
		return fmt.Errorf("invalid channel url: %w", err)
	}
	sender.Timeout = s.timeout(ctx)
	sender.SetLogger(log.New(io.Discard, "", 0))
	return send(sender, msg)
}

func (s Shoutrrr) timeout(ctx context.Context) time.Duration {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = defaultNotificationTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	return timeout
}

func send(sender *router.ServiceRouter, msg Message) error {
	p := stypes.Params{}
	if msg.Title != "" {
		p.SetTitle(msg.Title)
	}
	var errs []error
	for _, e := range sender.Send(msg.Body, &p) {
		if e != nil {
			errs = append(errs, e)
		}
	}
	return errors.Join(errs...)
}
