package engine_test

import (
	"strings"
	"testing"

	"shipyard/internal/engine"
	"shipyard/internal/repo"
)

func TestAPIKeyLifecycle(t *testing.T) {
	env := newTestEnv(t)
	issued, err := env.Engine.IssueAPIKey(env.Ctx, "alice", "alice", "laptop")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(issued.Secret, "sy_") || issued.KeyHash != repo.HashAPIKey(issued.Secret) {
		t.Fatalf("unexpected key: %+v", issued)
	}
	if issued.CreatedAt != "2024-03-04T12:00:00Z" {
		t.Fatalf("key should carry the engine clock, got %s", issued.CreatedAt)
	}
	got, err := env.Engine.Repo.ActiveAPIKeyByHash(env.Ctx, repo.HashAPIKey(issued.Secret))
	if err != nil || got.ActorID != "alice" {
		t.Fatalf("key not resolvable: %+v %v", got, err)
	}

	_, err = env.Engine.IssueAPIKey(env.Ctx, "alice", "bob", "")
	expectReason(t, err, engine.ReasonForbidden)
	_, err = env.Engine.ListAPIKeys(env.Ctx, "alice", "", false)
	expectReason(t, err, engine.ReasonForbidden)
	_, err = env.Engine.IssueAPIKey(env.Ctx, "hq", "nobody", "")
	expectReason(t, err, engine.ReasonNotFound)
	_, err = env.Engine.RevokeAPIKey(env.Ctx, "bob", issued.ID)
	expectReason(t, err, engine.ReasonForbidden)

	revoked, err := env.Engine.RevokeAPIKey(env.Ctx, "hq", issued.ID)
	if err != nil {
		t.Fatal(err)
	}
	if revoked.RevokedAt == nil {
		t.Fatalf("revoked_at not set: %+v", revoked)
	}
	_, err = env.Engine.RevokeAPIKey(env.Ctx, "hq", issued.ID)
	expectReason(t, err, engine.ReasonNotFound)
	if _, err := env.Engine.Repo.ActiveAPIKeyByHash(env.Ctx, repo.HashAPIKey(issued.Secret)); err != repo.ErrNotFound {
		t.Fatalf("revoked key still resolves: %v", err)
	}

	live, err := env.Engine.ListAPIKeys(env.Ctx, "alice", "alice", false)
	if err != nil {
		t.Fatal(err)
	}
	all, err := env.Engine.ListAPIKeys(env.Ctx, "alice", "alice", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 0 || len(all) != 1 || all[0].ID != issued.ID {
		t.Fatalf("unexpected listings: live=%+v all=%+v", live, all)
	}

	evs, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{EntityKind: "api_key", EntityID: issued.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 {
		t.Fatalf("expected issued and revoked events, got %+v", evs)
	}
}
