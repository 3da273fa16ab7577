package engine_test

import (
	"math/rand/v2"
	"strings"
	"testing"

	"shipyard/internal/domain"
	"shipyard/internal/engine"
)

func TestSampleSpotCheckIsUniform(t *testing.T) {
	env := newTestEnv(t)
	r := rand.New(rand.NewPCG(7, 11))
	env.Engine.Rand = r.IntN

	ids := map[int64]int{}
	for _, origin := range []string{"p1", "p2", "p3", "p4"} {
		c := env.submit(t, origin, "https://github.com/a/"+origin)
		env.decide(t, engine.DecideInput{CertID: c.ID, ActorID: "alice", Verdict: domain.StatusApproved})
		ids[c.ID] = 0
	}
	// bob's decisions are not candidates for alice
	c := env.submit(t, "p5", "https://github.com/a/p5")
	env.decide(t, engine.DecideInput{CertID: c.ID, ActorID: "bob", Verdict: domain.StatusRejected})

	const trials = 4000
	for i := 0; i < trials; i++ {
		got, err := env.Engine.SampleSpotCheck(env.Ctx, "hq", "alice")
		if err != nil {
			t.Fatal(err)
		}
		if got == nil {
			t.Fatal("expected a candidate")
		}
		if _, ok := ids[got.ID]; !ok {
			t.Fatalf("sampled certification %d is not alice's", got.ID)
		}
		ids[got.ID]++
	}
	want := trials / len(ids)
	for id, n := range ids {
		if n < want*3/4 || n > want*5/4 {
			t.Fatalf("certification %d sampled %d times, want about %d", id, n, want)
		}
	}

	none, err := env.Engine.SampleSpotCheck(env.Ctx, "hq", "nobody")
	if err != nil || none != nil {
		t.Fatalf("expected no candidate, got %v %v", none, err)
	}
	_, err = env.Engine.SampleSpotCheck(env.Ctx, "alice", "bob")
	expectReason(t, err, engine.ReasonForbidden)
}

func TestSpotCheckOutcomes(t *testing.T) {
	env := newTestEnv(t)
	pass := env.submit(t, "p1", "https://github.com/a/one")
	fail := env.submit(t, "p2", "https://github.com/a/two")
	env.decide(t, engine.DecideInput{CertID: pass.ID, ActorID: "alice", Verdict: domain.StatusApproved})
	env.decide(t, engine.DecideInput{CertID: fail.ID, ActorID: "alice", Verdict: domain.StatusRejected})

	sc, tr, err := env.Engine.DecideSpotCheck(env.Ctx, engine.SpotCheckInput{
		CertID: pass.ID, ReviewerID: "alice", StaffID: "hq", Outcome: domain.StatusApproved,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(sc.CaseID, "PASS-") || sc.Status != domain.CaseResolved || len(tr.Notices) != 0 {
		t.Fatalf("unexpected passing case: %+v", sc)
	}

	sc, tr, err = env.Engine.DecideSpotCheck(env.Ctx, engine.SpotCheckInput{
		CertID: fail.ID, ReviewerID: "alice", StaffID: "hq", Outcome: domain.StatusRejected, Reasoning: "no demo",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(sc.CaseID, "SC-") || len(sc.CaseID) != 11 || sc.Status != domain.CaseUnresolved || !sc.LeaderboardRemoved {
		t.Fatalf("unexpected failing case: %+v", sc)
	}
	if len(tr.Notices) != 1 || tr.Notices[0].RecipientID != "alice" {
		t.Fatalf("expected a notice to the reviewer: %+v", tr.Notices)
	}
	if got := env.cert(t, fail.ID); !got.SpotChecked || !got.SpotRemoved || got.SpotPassed == nil || *got.SpotPassed {
		t.Fatalf("certification not marked: %+v", got)
	}

	_, _, err = env.Engine.DecideSpotCheck(env.Ctx, engine.SpotCheckInput{
		CertID: fail.ID, ReviewerID: "alice", StaffID: "hq", Outcome: domain.StatusApproved,
	})
	expectReason(t, err, engine.ReasonDuplicate)

	st, err := env.Engine.SpotCheckStats(env.Ctx, "hq", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 2 || st.Passed != 1 || st.PassRate != 0.5 {
		t.Fatalf("unexpected stats: %+v", st)
	}

	board, err := env.Engine.Leaderboard(env.Ctx, "watcher", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(board) != 1 || board[0].ReviewerID != "alice" || board[0].Decisions != 1 {
		t.Fatalf("failed spot check should drop out of the leaderboard: %+v", board)
	}

	resolved, _, err := env.Engine.ResolveSpotCheckCase(env.Ctx, sc.CaseID, "hq")
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Status != domain.CaseResolved || resolved.ResolvedBy == nil {
		t.Fatalf("case not resolved: %+v", resolved)
	}
	reopened, _, err := env.Engine.ResolveSpotCheckCase(env.Ctx, sc.CaseID, "hq")
	if err != nil {
		t.Fatal(err)
	}
	if reopened.Status != domain.CaseUnresolved || reopened.ResolvedAt != nil {
		t.Fatalf("case not toggled back: %+v", reopened)
	}
}

func TestSpotCheckRejectsMismatchedReviewer(t *testing.T) {
	env := newTestEnv(t)
	c := env.submit(t, "p1", "https://github.com/a/one")
	_, _, err := env.Engine.DecideSpotCheck(env.Ctx, engine.SpotCheckInput{
		CertID: c.ID, ReviewerID: "alice", StaffID: "hq", Outcome: domain.StatusApproved,
	})
	expectReason(t, err, engine.ReasonInvalidInput)

	env.decide(t, engine.DecideInput{CertID: c.ID, ActorID: "bob", Verdict: domain.StatusApproved})
	_, _, err = env.Engine.DecideSpotCheck(env.Ctx, engine.SpotCheckInput{
		CertID: c.ID, ReviewerID: "alice", StaffID: "hq", Outcome: domain.StatusApproved,
	})
	expectReason(t, err, engine.ReasonInvalidInput)
}

func TestReopenedDecisionCanBeSampledAgain(t *testing.T) {
	env := newTestEnv(t)
	c := env.submit(t, "p1", "https://github.com/a/one")
	env.decide(t, engine.DecideInput{CertID: c.ID, ActorID: "alice", Verdict: domain.StatusApproved})
	if _, _, err := env.Engine.DecideSpotCheck(env.Ctx, engine.SpotCheckInput{
		CertID: c.ID, ReviewerID: "alice", StaffID: "hq", Outcome: domain.StatusRejected, Reasoning: "no demo",
	}); err != nil {
		t.Fatal(err)
	}

	env.decide(t, engine.DecideInput{CertID: c.ID, ActorID: "hq", Verdict: domain.StatusPending})
	got := env.cert(t, c.ID)
	if got.SpotChecked || got.SpotRemoved || got.SpotPassed != nil || got.SpotCheckedBy != nil {
		t.Fatalf("re-open kept the old spot check: %+v", got)
	}

	env.decide(t, engine.DecideInput{CertID: c.ID, ActorID: "bob", Verdict: domain.StatusApproved})
	sample, err := env.Engine.SampleSpotCheck(env.Ctx, "hq", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if sample == nil || sample.ID != c.ID {
		t.Fatalf("expected the re-decided certification as a candidate, got %+v", sample)
	}
	st, err := env.Engine.SpotCheckStats(env.Ctx, "hq", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 1 {
		t.Fatalf("the filed case should survive the re-open: %+v", st)
	}
}
