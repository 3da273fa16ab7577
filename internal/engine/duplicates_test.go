package engine_test

import (
	"testing"

	"shipyard/internal/engine"
)

func TestNormalizeRepoURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"https://github.com/Foo/Bar", "github.com/foo/bar", true},
		{"https://github.com/foo/bar.git", "github.com/foo/bar", true},
		{"http://www.github.com/foo/bar/", "github.com/foo/bar", true},
		{"git@github.com:foo/bar.git", "github.com/foo/bar", true},
		{"  https://gitlab.com/group/sub/repo.git/  ", "gitlab.com/group/sub/repo", true},
		{"github.com", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := engine.NormalizeRepoURL(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("NormalizeRepoURL(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestSweepDuplicatesIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	first := env.submit(t, "p1", "https://github.com/foo/bar")
	dup := env.submit(t, "p2", "git@github.com:Foo/bar.git")
	other := env.submit(t, "p3", "https://github.com/foo/baz")

	res, tr, err := env.Engine.SweepDuplicates(env.Ctx, "system", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Checked != 3 || res.Duplicates != 1 || len(res.Flagged) != 1 || res.Flagged[0] != dup.ID {
		t.Fatalf("unexpected sweep result: %+v", res)
	}
	if len(tr.Audit) != 1 || len(tr.Bust) != 1 {
		t.Fatalf("expected audit and bust on a productive sweep: %+v", tr)
	}
	if got := env.cert(t, dup.ID); got.DuplicateOfID == nil || *got.DuplicateOfID != first.ID {
		t.Fatalf("duplicate not linked to the earliest certification: %+v", got)
	}
	if got := env.cert(t, other.ID); got.DuplicateOfID != nil || got.DuplicatesCheckedAt == nil {
		t.Fatalf("unique repo should be checked but not flagged: %+v", got)
	}

	res, tr, err = env.Engine.SweepDuplicates(env.Ctx, "system", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Checked != 0 || res.Duplicates != 0 || len(tr.Audit) != 0 {
		t.Fatalf("second sweep should be a no-op, got %+v", res)
	}
}

func TestSweepBatchSize(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"p1", "p2", "p3"} {
		env.submit(t, id, "https://github.com/foo/"+id)
	}
	res, _, err := env.Engine.SweepDuplicates(env.Ctx, "system", 2)
	if err != nil {
		t.Fatal(err)
	}
	if res.Checked != 2 {
		t.Fatalf("checked = %d, want 2", res.Checked)
	}
	res, _, _ = env.Engine.SweepDuplicates(env.Ctx, "system", 2)
	if res.Checked != 1 {
		t.Fatalf("checked = %d, want 1", res.Checked)
	}
}
