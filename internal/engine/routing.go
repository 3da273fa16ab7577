package engine

import (
	"context"
	"errors"
	"strconv"

	"shipyard/internal/domain"
	"shipyard/internal/engine/auth"
	"shipyard/internal/events"
	"shipyard/internal/notify"
	"shipyard/internal/repo"
)

type RouteInput struct {
	RequesterID string
	CertID      *int64
	Skills      []string
	ProjectName string
	RepoURL     string
	DemoURL     string
	Description string
}

func (e Engine) validSkills(skills []string) ([]string, error) {
	if len(skills) == 0 {
		return nil, invalidInput("at least one skill is required")
	}
	seen := map[string]bool{}
	var out []string
	for _, s := range skills {
		if !e.Config.HasSkill(s) {
			return nil, invalidInput("unknown skill %q", s)
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out, nil
}

func hasAnySkill(u domain.User, required []string) bool {
	for _, have := range u.Skills {
		for _, want := range required {
			if have == want {
				return true
			}
		}
	}
	return false
}

// pickAssignee returns the least loaded candidate. users must be ordered by
// id so ties go to the lowest id.
func pickAssignee(users []domain.User, counts map[string]int) *domain.User {
	var best *domain.User
	for i := range users {
		if best == nil || counts[users[i].ID] < counts[best.ID] {
			best = &users[i]
		}
	}
	return best
}

// Route creates an assignment and gives it to the qualified reviewer with the
// fewest open assignments.
func (e Engine) Route(ctx context.Context, in RouteInput) (domain.Assignment, Transition, error) {
	skills, err := e.validSkills(in.Skills)
	if err != nil {
		return domain.Assignment{}, Transition{}, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Assignment{}, Transition{}, err
	}
	defer tx.Rollback()

	requester, perms, err := e.principal(ctx, tx, in.RequesterID)
	if err != nil {
		return domain.Assignment{}, Transition{}, err
	}
	if !perms.Has(auth.AssignEdit) {
		return domain.Assignment{}, Transition{}, forbidden(auth.AssignEdit)
	}
	if in.CertID != nil {
		c, err := e.Repo.GetCertification(ctx, tx, *in.CertID)
		if err != nil {
			return domain.Assignment{}, Transition{}, lookup(err, "certification", *in.CertID)
		}
		existing, err := e.Repo.AssignmentForCertification(ctx, tx, *in.CertID)
		if err == nil {
			return domain.Assignment{}, Transition{}, newError(ReasonDuplicate, map[string]any{"assignment_id": existing.ID},
				"certification %d already has assignment %d", *in.CertID, existing.ID)
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Assignment{}, Transition{}, err
		}
		if in.ProjectName == "" {
			in.ProjectName = c.ProjectName
		}
		if in.RepoURL == "" {
			in.RepoURL = c.RepoURL
		}
		if in.DemoURL == "" {
			in.DemoURL = c.DemoURL
		}
		if in.Description == "" {
			in.Description = c.Description
		}
	}

	users, err := e.Repo.ListUsers(ctx, tx, true)
	if err != nil {
		return domain.Assignment{}, Transition{}, err
	}
	counts, err := e.Repo.ActiveAssignmentCounts(ctx, tx)
	if err != nil {
		return domain.Assignment{}, Transition{}, err
	}
	var pool []domain.User
	for _, u := range users {
		if u.ID != requester.ID && hasAnySkill(u, skills) {
			pool = append(pool, u)
		}
	}
	if len(pool) == 0 && hasAnySkill(requester, skills) {
		pool = []domain.User{requester}
	}

	ts := stamp(e.now())
	a := domain.Assignment{
		AuthorID:        requester.ID,
		CertificationID: in.CertID,
		RequiredSkills:  skills,
		Status:          domain.AssignmentUnassigned,
		ProjectName:     in.ProjectName,
		RepoURL:         in.RepoURL,
		DemoURL:         in.DemoURL,
		Description:     in.Description,
		CreatedAt:       ts,
		UpdatedAt:       ts,
	}
	if pick := pickAssignee(pool, counts); pick != nil {
		a.AssigneeID = &pick.ID
		a.Status = domain.AssignmentPending
	}
	id, err := e.Repo.InsertAssignment(ctx, tx, a)
	if err != nil {
		return domain.Assignment{}, Transition{}, err
	}
	a.ID = id
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, Transition{}, err
	}

	t := Transition{
		Kind:       KindRouted,
		ActorID:    requester.ID,
		Assignment: &a,
		Bust:       []string{BustAssignments},
		Audit: []events.Entry{{
			Type:       KindRouted,
			EntityKind: "assignment",
			EntityID:   strconv.FormatInt(a.ID, 10),
			ActorID:    requester.ID,
			Payload: events.EventPayload{
				"assignee":         a.AssigneeID,
				"status":           a.Status,
				"skills":           skills,
				"certification_id": a.CertificationID,
			},
		}},
	}
	if a.AssigneeID != nil {
		t.Notices = []Notice{{RecipientID: *a.AssigneeID, Template: notify.TemplateAssignmentNew,
			Vars: map[string]string{"project": a.ProjectName}}}
	}
	return a, t, nil
}

// UpdateAssignmentStatus moves an assignment between pending, in_progress
// and completed. The assignee may do this with assign_edit; anyone else
// needs assign_override.
func (e Engine) UpdateAssignmentStatus(ctx context.Context, id int64, actorID, status string) (domain.Assignment, Transition, error) {
	switch status {
	case domain.AssignmentPending, domain.AssignmentInProgress, domain.AssignmentCompleted:
	default:
		return domain.Assignment{}, Transition{}, invalidInput("invalid assignment status %q", status)
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Assignment{}, Transition{}, err
	}
	defer tx.Rollback()

	_, perms, err := e.principal(ctx, tx, actorID)
	if err != nil {
		return domain.Assignment{}, Transition{}, err
	}
	before, err := e.Repo.GetAssignment(ctx, tx, id)
	if err != nil {
		return domain.Assignment{}, Transition{}, lookup(err, "assignment", id)
	}
	isAssignee := deref(before.AssigneeID) == actorID
	override := false
	switch {
	case isAssignee && perms.Has(auth.AssignEdit):
	case perms.Has(auth.AssignOverride):
		override = !isAssignee
	default:
		return domain.Assignment{}, Transition{}, forbidden(auth.AssignOverride)
	}
	if before.AssigneeID == nil {
		return domain.Assignment{}, Transition{}, invalidInput("assignment %d has no assignee", id)
	}

	after := before
	ts := stamp(e.now())
	after.Status = status
	after.UpdatedAt = ts
	after.CompletedAt = nil
	if status == domain.AssignmentCompleted {
		after.CompletedAt = &ts
	}
	if err := e.Repo.UpdateAssignment(ctx, tx, after); err != nil {
		return domain.Assignment{}, Transition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, Transition{}, err
	}

	t := Transition{
		Kind:       KindAssignStatus,
		ActorID:    actorID,
		Override:   override,
		Assignment: &after,
		Bust:       []string{BustAssignments},
		Audit: []events.Entry{{
			Type:       KindAssignStatus,
			EntityKind: "assignment",
			EntityID:   strconv.FormatInt(id, 10),
			ActorID:    actorID,
			Payload: events.EventPayload{
				"changes":  changes(field{"status", before.Status, after.Status}, field{"completed_at", before.CompletedAt, after.CompletedAt}),
				"override": override,
			},
		}},
	}
	if !isAssignee {
		t.Notices = []Notice{{RecipientID: *after.AssigneeID, Template: notify.TemplateAssignmentStatus,
			Vars: map[string]string{"project": after.ProjectName, "status": status}}}
	}
	return after, t, nil
}

// Reassign hands an assignment to newAssignee, or back to the unassigned
// pool when newAssignee is nil.
func (e Engine) Reassign(ctx context.Context, id int64, actorID string, newAssignee *string) (domain.Assignment, Transition, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Assignment{}, Transition{}, err
	}
	defer tx.Rollback()

	_, perms, err := e.principal(ctx, tx, actorID)
	if err != nil {
		return domain.Assignment{}, Transition{}, err
	}
	if !perms.Has(auth.AssignOverride) {
		return domain.Assignment{}, Transition{}, forbidden(auth.AssignOverride)
	}
	before, err := e.Repo.GetAssignment(ctx, tx, id)
	if err != nil {
		return domain.Assignment{}, Transition{}, lookup(err, "assignment", id)
	}
	if before.Status == domain.AssignmentCompleted {
		return domain.Assignment{}, Transition{}, invalidInput("assignment %d is completed", id)
	}
	if newAssignee != nil {
		u, err := e.Repo.GetUser(ctx, tx, *newAssignee)
		if err != nil {
			return domain.Assignment{}, Transition{}, lookup(err, "user", *newAssignee)
		}
		if !u.Active {
			return domain.Assignment{}, Transition{}, invalidInput("user %s is inactive", u.ID)
		}
	}

	after := before
	after.AssigneeID = newAssignee
	after.Status = domain.AssignmentUnassigned
	if newAssignee != nil {
		after.Status = domain.AssignmentPending
	}
	after.UpdatedAt = stamp(e.now())
	if err := e.Repo.UpdateAssignment(ctx, tx, after); err != nil {
		return domain.Assignment{}, Transition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, Transition{}, err
	}

	t := Transition{
		Kind:       KindReassigned,
		ActorID:    actorID,
		Override:   true,
		Assignment: &after,
		Bust:       []string{BustAssignments},
		Audit: []events.Entry{{
			Type:       KindReassigned,
			EntityKind: "assignment",
			EntityID:   strconv.FormatInt(id, 10),
			ActorID:    actorID,
			Payload: events.EventPayload{
				"changes": changes(field{"assignee_id", before.AssigneeID, after.AssigneeID}, field{"status", before.Status, after.Status}),
			},
		}},
	}
	vars := map[string]string{"project": after.ProjectName}
	if before.AssigneeID != nil && deref(before.AssigneeID) != deref(newAssignee) {
		t.Notices = append(t.Notices, Notice{RecipientID: *before.AssigneeID, Template: notify.TemplateAssignmentRemoved, Vars: vars})
	}
	if newAssignee != nil && deref(before.AssigneeID) != *newAssignee {
		t.Notices = append(t.Notices, Notice{RecipientID: *newAssignee, Template: notify.TemplateAssignmentUpdated, Vars: vars})
	}
	return after, t, nil
}

// ListAssignments lists assignments for actors holding assign_view or
// assign_edit. Reviewers without assign_view only see their own.
func (e Engine) ListAssignments(ctx context.Context, actorID string, f repo.AssignmentFilters) ([]domain.Assignment, error) {
	_, perms, err := e.principal(ctx, nil, actorID)
	if err != nil {
		return nil, err
	}
	switch {
	case perms.Has(auth.AssignView):
	case perms.Has(auth.AssignEdit):
		f.AssigneeID = actorID
	default:
		return nil, forbidden(auth.AssignView)
	}
	return e.Repo.ListAssignments(ctx, f)
}
