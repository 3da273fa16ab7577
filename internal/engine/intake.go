package engine

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"shipyard/internal/domain"
	"shipyard/internal/events"
	"shipyard/internal/repo"
)

// Submission is an inbound certification request from the origin platform.
type Submission struct {
	OriginID       string  `json:"origin_id"`
	SubmitterID    string  `json:"submitter_id"`
	SubmitterName  string  `json:"submitter_name,omitempty"`
	ProjectName    string  `json:"project_name"`
	ProjectType    *string `json:"project_type,omitempty"`
	Description    string  `json:"description"`
	DemoURL        string  `json:"demo_url"`
	RepoURL        string  `json:"repo_url"`
	ReadmeURL      string  `json:"readme_url"`
	DevTimeSeconds int64   `json:"dev_time_seconds,omitempty"`
}

func (s Submission) missing() []string {
	var out []string
	for _, f := range []struct{ name, val string }{
		{"origin_id", s.OriginID},
		{"project_name", s.ProjectName},
		{"submitter_id", s.SubmitterID},
		{"description", s.Description},
		{"demo_url", s.DemoURL},
		{"repo_url", s.RepoURL},
		{"readme_url", s.ReadmeURL},
	} {
		if strings.TrimSpace(f.val) == "" {
			out = append(out, f.name)
		}
	}
	return out
}

// Submit stores a new pending certification. A second submission for an
// origin project that is still pending or already approved is rejected.
func (e Engine) Submit(ctx context.Context, s Submission) (domain.Certification, Transition, error) {
	if missing := s.missing(); len(missing) > 0 {
		return domain.Certification{}, Transition{}, newError(ReasonInvalidInput, map[string]any{"missing": missing},
			"missing required fields: %s", strings.Join(missing, ", "))
	}
	if s.DevTimeSeconds < 0 {
		return domain.Certification{}, Transition{}, invalidInput("dev_time_seconds must not be negative")
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Certification{}, Transition{}, err
	}
	defer tx.Rollback()

	existing, err := e.Repo.ActiveCertificationForOrigin(ctx, tx, s.OriginID)
	if err == nil {
		return domain.Certification{}, Transition{}, newError(ReasonDuplicate,
			map[string]any{"certification_id": existing.ID, "status": existing.Status},
			"origin project %s already has %s certification %d", s.OriginID, existing.Status, existing.ID)
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Certification{}, Transition{}, err
	}

	ts := stamp(e.now())
	c := domain.Certification{
		OriginID:       s.OriginID,
		SubmitterID:    s.SubmitterID,
		SubmitterName:  s.SubmitterName,
		ProjectName:    s.ProjectName,
		ProjectType:    s.ProjectType,
		Description:    s.Description,
		DemoURL:        s.DemoURL,
		RepoURL:        s.RepoURL,
		ReadmeURL:      s.ReadmeURL,
		DevTimeSeconds: s.DevTimeSeconds,
		Status:         domain.StatusPending,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
	if key, ok := NormalizeRepoURL(s.RepoURL); ok {
		c.RepoKey = &key
	}
	id, err := e.Repo.InsertCertification(ctx, tx, c)
	if err != nil {
		return domain.Certification{}, Transition{}, err
	}
	c, err = e.Repo.GetCertification(ctx, tx, id)
	if err != nil {
		return domain.Certification{}, Transition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Certification{}, Transition{}, err
	}
	return c, Transition{
		Kind:          KindSubmitted,
		ActorID:       s.SubmitterID,
		Certification: &c,
		Bust:          []string{BustCerts},
		Audit: []events.Entry{{
			Type:       KindSubmitted,
			EntityKind: "certification",
			EntityID:   strconv.FormatInt(c.ID, 10),
			ActorID:    s.SubmitterID,
			Payload: events.EventPayload{
				"origin_id": c.OriginID,
				"project":   c.ProjectName,
				"dev_time":  c.DevTime(),
			},
		}},
	}, nil
}
