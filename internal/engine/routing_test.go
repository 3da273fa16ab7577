package engine_test

import (
	"testing"

	"shipyard/internal/domain"
	"shipyard/internal/engine"
	"shipyard/internal/notify"
	"shipyard/internal/repo"
)

func (env testEnv) route(t *testing.T, in engine.RouteInput) domain.Assignment {
	t.Helper()
	a, _, err := env.Engine.Route(env.Ctx, in)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	return a
}

func TestRoutePicksLeastLoaded(t *testing.T) {
	env := newTestEnv(t)

	// alice and bob both know CLI and are idle: lowest id wins
	first := env.route(t, engine.RouteInput{RequesterID: "cap", Skills: []string{"CLI"}, ProjectName: "one"})
	if first.AssigneeID == nil || *first.AssigneeID != "alice" || first.Status != domain.AssignmentPending {
		t.Fatalf("expected alice on a tie, got %+v", first)
	}

	a, tr, err := env.Engine.Route(env.Ctx, engine.RouteInput{RequesterID: "cap", Skills: []string{"CLI"}, ProjectName: "two"})
	if err != nil {
		t.Fatal(err)
	}
	if *a.AssigneeID != "bob" {
		t.Fatalf("expected bob with fewer open assignments, got %s", *a.AssigneeID)
	}
	if len(tr.Notices) != 1 || tr.Notices[0].RecipientID != "bob" || tr.Notices[0].Template != notify.TemplateAssignmentNew {
		t.Fatalf("unexpected notices: %+v", tr.Notices)
	}

	// a completed assignment no longer counts against alice
	if _, _, err := env.Engine.UpdateAssignmentStatus(env.Ctx, first.ID, "alice", domain.AssignmentCompleted); err != nil {
		t.Fatal(err)
	}
	third := env.route(t, engine.RouteInput{RequesterID: "cap", Skills: []string{"CLI"}, ProjectName: "three"})
	if *third.AssigneeID != "alice" {
		t.Fatalf("expected alice after completing, got %s", *third.AssigneeID)
	}
}

func TestRouteWithoutQualifiedReviewer(t *testing.T) {
	env := newTestEnv(t)
	a, tr, err := env.Engine.Route(env.Ctx, engine.RouteInput{RequesterID: "cap", Skills: []string{"Hardware"}, ProjectName: "robot"})
	if err != nil {
		t.Fatal(err)
	}
	if a.AssigneeID != nil || a.Status != domain.AssignmentUnassigned || len(tr.Notices) != 0 {
		t.Fatalf("expected unassigned assignment, got %+v", a)
	}

	_, _, err = env.Engine.Route(env.Ctx, engine.RouteInput{RequesterID: "cap", Skills: []string{"Juggling"}})
	expectReason(t, err, engine.ReasonInvalidInput)
	_, _, err = env.Engine.Route(env.Ctx, engine.RouteInput{RequesterID: "watcher", Skills: []string{"CLI"}})
	expectReason(t, err, engine.ReasonForbidden)
}

func TestRouteRequesterFallback(t *testing.T) {
	env := newTestEnv(t)
	a := env.route(t, engine.RouteInput{RequesterID: "bob", Skills: []string{"Web App"}, ProjectName: "site"})
	if a.AssigneeID == nil || *a.AssigneeID != "bob" {
		t.Fatalf("expected the requester as the only qualified reviewer, got %+v", a)
	}
}

func TestRouteCertificationOnce(t *testing.T) {
	env := newTestEnv(t)
	c := env.submit(t, "p1", "https://github.com/a/one")
	a := env.route(t, engine.RouteInput{RequesterID: "cap", CertID: &c.ID, Skills: []string{"CLI"}})
	if a.ProjectName != c.ProjectName || a.RepoURL != c.RepoURL {
		t.Fatalf("expected project fields copied from the certification, got %+v", a)
	}
	_, _, err := env.Engine.Route(env.Ctx, engine.RouteInput{RequesterID: "cap", CertID: &c.ID, Skills: []string{"CLI"}})
	expectReason(t, err, engine.ReasonDuplicate)

	missing := int64(999)
	_, _, err = env.Engine.Route(env.Ctx, engine.RouteInput{RequesterID: "cap", CertID: &missing, Skills: []string{"CLI"}})
	expectReason(t, err, engine.ReasonNotFound)
}

func TestAssignmentStatusAndReassign(t *testing.T) {
	env := newTestEnv(t)
	a := env.route(t, engine.RouteInput{RequesterID: "cap", Skills: []string{"CLI"}, ProjectName: "one"})

	_, _, err := env.Engine.UpdateAssignmentStatus(env.Ctx, a.ID, "bob", domain.AssignmentInProgress)
	expectReason(t, err, engine.ReasonForbidden)
	_, _, err = env.Engine.UpdateAssignmentStatus(env.Ctx, a.ID, "alice", "archived")
	expectReason(t, err, engine.ReasonInvalidInput)

	got, tr, err := env.Engine.UpdateAssignmentStatus(env.Ctx, a.ID, "cap", domain.AssignmentInProgress)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.AssignmentInProgress || !tr.Override || len(tr.Notices) != 1 {
		t.Fatalf("unexpected override status change: %+v %+v", got, tr)
	}

	_, _, err = env.Engine.Reassign(env.Ctx, a.ID, "alice", nil)
	expectReason(t, err, engine.ReasonForbidden)
	bob := "bob"
	got, tr, err = env.Engine.Reassign(env.Ctx, a.ID, "cap", &bob)
	if err != nil {
		t.Fatal(err)
	}
	if *got.AssigneeID != "bob" || got.Status != domain.AssignmentPending || len(tr.Notices) != 2 {
		t.Fatalf("unexpected reassignment: %+v %+v", got, tr.Notices)
	}

	mine, err := env.Engine.ListAssignments(env.Ctx, "alice", repo.AssignmentFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 0 {
		t.Fatalf("alice should see only her own assignments, got %d", len(mine))
	}
	all, err := env.Engine.ListAssignments(env.Ctx, "cap", repo.AssignmentFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("captain should see every assignment, got %d", len(all))
	}

	if _, _, err := env.Engine.UpdateAssignmentStatus(env.Ctx, a.ID, "bob", domain.AssignmentCompleted); err != nil {
		t.Fatal(err)
	}
	_, _, err = env.Engine.Reassign(env.Ctx, a.ID, "cap", nil)
	expectReason(t, err, engine.ReasonInvalidInput)
}
