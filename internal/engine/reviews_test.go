package engine_test

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"shipyard/internal/domain"
	"shipyard/internal/effects"
	"shipyard/internal/engine"
	"shipyard/internal/origin"
	"shipyard/internal/repo"
)

type flakyOrigin struct {
	fail    bool
	devlogs []origin.Devlog
}

func (o *flakyOrigin) SyncEnabled() bool                                 { return false }
func (o *flakyOrigin) ActivityEnabled() bool                             { return true }
func (o *flakyOrigin) SyncVerdict(context.Context, origin.Verdict) error { return nil }

func (o *flakyOrigin) FetchActivity(context.Context, string) ([]origin.Devlog, error) {
	if o.fail {
		return nil, errors.New("activity service unavailable")
	}
	return o.devlogs, nil
}

func (env testEnv) dispatcher(o effects.Origin) *effects.Dispatcher {
	return &effects.Dispatcher{
		Origin:  o,
		Store:   env.Engine.Repo,
		Reviews: env.Engine,
		Audit:   env.Engine.Events,
		Cache:   env.Engine.Cache,
	}
}

func TestApprovalSpawnsOneReview(t *testing.T) {
	env := newTestEnv(t)
	o := &flakyOrigin{fail: true, devlogs: []origin.Devlog{
		{ID: 11, Body: "wired the parser\nmore details", DurationSeconds: 5400, CreatedAt: "2024-03-01T10:00:00Z"},
		{ID: 12, Body: "tests", DurationSeconds: 1800},
	}}
	d := env.dispatcher(o)
	c := env.submit(t, "p1", "https://github.com/a/one")
	if _, err := env.Engine.TryClaim(env.Ctx, c.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	tr := env.decide(t, engine.DecideInput{CertID: c.ID, ActorID: "alice", Verdict: domain.StatusApproved})
	if tr.Certification.ClaimantID != nil {
		t.Fatalf("decision should release the claim: %+v", tr.Certification)
	}
	if !tr.SpawnsReview() {
		t.Fatal("approval should spawn a downstream review")
	}

	rep := d.Dispatch(env.Ctx, tr)
	if len(rep.Warnings) != 1 || rep.Warnings[0].Step != effects.StepDownstream {
		t.Fatalf("expected one downstream warning, got %+v", rep.Warnings)
	}
	first, err := env.Engine.Repo.ReviewForCertification(env.Ctx, nil, c.ID)
	if err != nil {
		t.Fatalf("review not spawned after failed activity fetch: %v", err)
	}
	if len(first.Units) != 0 || first.Status != domain.ReviewPending {
		t.Fatalf("unexpected review: %+v", first)
	}

	// a retry of the same effect refreshes the review instead of adding one
	o.fail = false
	rep = d.Dispatch(env.Ctx, tr)
	if len(rep.Warnings) != 0 {
		t.Fatalf("unexpected warnings on retry: %+v", rep.Warnings)
	}
	second, err := env.Engine.Repo.ReviewForCertification(env.Ctx, nil, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID || len(second.Units) != 2 {
		t.Fatalf("expected the same review with two units, got %+v", second)
	}
	if u := second.Units[0]; u.UnitID != "11" || u.Title != "wired the parser" || u.OriginalMinutes != 90 {
		t.Fatalf("unexpected unit: %+v", u)
	}
	st, err := env.Engine.ReviewStats(env.Ctx, "ysws")
	if err != nil {
		t.Fatal(err)
	}
	if st.Pending != 1 {
		t.Fatalf("expected one pending review, got %+v", st)
	}
}

func TestCompleteReviewNeedsEveryUnit(t *testing.T) {
	env := newTestEnv(t)
	c := env.submit(t, "p1", "https://github.com/a/one")
	tr := env.decide(t, engine.DecideInput{CertID: c.ID, ActorID: "alice", Verdict: domain.StatusApproved})
	rv, err := env.Engine.SpawnDownstreamReview(env.Ctx, *tr.Certification, []origin.Devlog{
		{ID: 1, DurationSeconds: 3600}, {ID: 2, DurationSeconds: 600},
	})
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = env.Engine.CompleteDownstreamReview(env.Ctx, rv.ID, "ysws", []engine.UnitInput{{UnitID: "1", Status: domain.UnitApproved}})
	expectReason(t, err, engine.ReasonInvalidInput)
	_, _, err = env.Engine.CompleteDownstreamReview(env.Ctx, rv.ID, "alice", nil)
	expectReason(t, err, engine.ReasonForbidden)

	half := 30
	done, rtr, err := env.Engine.CompleteDownstreamReview(env.Ctx, rv.ID, "ysws", []engine.UnitInput{
		{UnitID: "1", Status: domain.UnitApproved, ApprovedMinutes: &half},
		{UnitID: "2", Status: domain.UnitApproved},
	})
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != domain.ReviewDone || rtr.Audit[0].Payload["approved_minutes"] != 40 {
		t.Fatalf("unexpected completion: %+v %+v", done, rtr.Audit)
	}
	_, _, err = env.Engine.CompleteDownstreamReview(env.Ctx, rv.ID, "ysws", nil)
	expectReason(t, err, engine.ReasonNotPending)
}

func TestReturnReviewReopensCertification(t *testing.T) {
	env := newTestEnv(t)
	c := env.submit(t, "p1", "https://github.com/a/one")
	tr := env.decide(t, engine.DecideInput{CertID: c.ID, ActorID: "alice", Verdict: domain.StatusApproved})
	rv, err := env.Engine.SpawnDownstreamReview(env.Ctx, *tr.Certification, []origin.Devlog{{ID: 5, DurationSeconds: 7200}})
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = env.Engine.ReturnDownstreamReview(env.Ctx, rv.ID, "ysws", " ", nil)
	expectReason(t, err, engine.ReasonInvalidInput)

	returned, rtr, err := env.Engine.ReturnDownstreamReview(env.Ctx, rv.ID, "ysws", "demo is broken",
		[]engine.UnitInput{{UnitID: "5", Status: domain.UnitReturned, Notes: "cannot verify"}})
	if err != nil {
		t.Fatal(err)
	}
	if returned.Status != domain.ReviewReturned || *returned.ReturnReason != "demo is broken" {
		t.Fatalf("unexpected review: %+v", returned)
	}
	if !rtr.SyncsOrigin() || rtr.SpawnsReview() || len(rtr.Audit) != 2 {
		t.Fatalf("unexpected transition: %+v", rtr)
	}
	if len(rtr.Notices) != 1 || rtr.Notices[0].RecipientID != "alice" {
		t.Fatalf("expected the original reviewer to be told: %+v", rtr.Notices)
	}
	got := env.cert(t, c.ID)
	if got.Status != domain.StatusPending || got.ReviewerID != nil || got.CookiesEarned != nil {
		t.Fatalf("certification not re-opened: %+v", got)
	}
	if _, err := env.Engine.GetReview(env.Ctx, "ysws", rv.ID); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.GetReview(env.Ctx, "ysws", rv.ID+1)
	expectReason(t, err, engine.ReasonNotFound)

	events, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{EntityKind: "review", EntityID: strconv.FormatInt(rv.ID, 10)})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) == 0 || events[len(events)-1].Type != "review.spawned" {
		t.Fatalf("expected a review.spawned audit entry, got %+v", events)
	}
}

func TestReapprovalReopensReturnedReview(t *testing.T) {
	env := newTestEnv(t)
	c := env.submit(t, "p1", "https://github.com/a/one")
	tr := env.decide(t, engine.DecideInput{CertID: c.ID, ActorID: "alice", Verdict: domain.StatusApproved})
	activity := []origin.Devlog{{ID: 1, DurationSeconds: 3600}, {ID: 2, DurationSeconds: 600}}
	rv, err := env.Engine.SpawnDownstreamReview(env.Ctx, *tr.Certification, activity)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.ReturnDownstreamReview(env.Ctx, rv.ID, "ysws", "hours look padded",
		[]engine.UnitInput{{UnitID: "1", Status: domain.UnitApproved}}); err != nil {
		t.Fatal(err)
	}

	// refreshing while the certification is back in the queue keeps it returned
	still, _, err := env.Engine.RefreshDownstreamReview(env.Ctx, rv.ID, "ysws", activity)
	if err != nil {
		t.Fatal(err)
	}
	if still.Status != domain.ReviewReturned {
		t.Fatalf("review reopened before re-approval: %+v", still)
	}

	tr = env.decide(t, engine.DecideInput{CertID: c.ID, ActorID: "bob", Verdict: domain.StatusApproved})
	again, err := env.Engine.SpawnDownstreamReview(env.Ctx, *tr.Certification, activity)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != rv.ID || again.Status != domain.ReviewPending || again.ReturnReason != nil || again.ReviewerID != nil {
		t.Fatalf("expected the same review back in pending, got %+v", again)
	}
	if again.Units[0].Status != domain.UnitApproved || again.Units[1].Status != domain.UnitPending {
		t.Fatalf("prior unit decisions lost: %+v", again.Units)
	}

	done, _, err := env.Engine.CompleteDownstreamReview(env.Ctx, rv.ID, "ysws",
		[]engine.UnitInput{{UnitID: "2", Status: domain.UnitApproved}})
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != domain.ReviewDone {
		t.Fatalf("unexpected review: %+v", done)
	}
}
