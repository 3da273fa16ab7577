package effects

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"shipyard/internal/domain"
	"shipyard/internal/engine"
	"shipyard/internal/events"
	"shipyard/internal/notify"
	"shipyard/internal/origin"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeOrigin struct {
	mu        sync.Mutex
	syncErr   error
	fetchErr  error
	block     bool
	synced    []origin.Verdict
	fetched   []string
	devlogs   []origin.Devlog
	syncPanic bool
}

func (f *fakeOrigin) SyncEnabled() bool     { return true }
func (f *fakeOrigin) ActivityEnabled() bool { return true }

func (f *fakeOrigin) SyncVerdict(ctx context.Context, v origin.Verdict) error {
	if f.syncPanic {
		panic("boom")
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, v)
	return f.syncErr
}

func (f *fakeOrigin) FetchActivity(_ context.Context, id string) ([]origin.Devlog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, id)
	return f.devlogs, f.fetchErr
}

type fakeStore struct {
	mu       sync.Mutex
	synced   []int64
	channels map[string][]domain.NotificationChannel
}

func (f *fakeStore) MarkSynced(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, id)
	return nil
}

func (f *fakeStore) ActiveChannels(_ context.Context, id string) ([]domain.NotificationChannel, error) {
	return f.channels[id], nil
}

type fakeSpawner struct {
	mu       sync.Mutex
	spawned  []int64
	activity [][]origin.Devlog
}

func (f *fakeSpawner) SpawnDownstreamReview(_ context.Context, c domain.Certification, a []origin.Devlog) (domain.DownstreamReview, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawned = append(f.spawned, c.ID)
	f.activity = append(f.activity, a)
	return domain.DownstreamReview{CertificationID: c.ID}, nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent map[string]notify.Message
	fail map[string]bool
}

func (f *fakeSender) Send(_ context.Context, url string, msg notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[url] {
		return errors.New("channel gone")
	}
	f.sent[url] = msg
	return nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []events.Entry
}

func (f *fakeAudit) AppendNow(_ context.Context, e events.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

type fakeCache struct {
	mu     sync.Mutex
	busted []string
}

func (f *fakeCache) Bust(_ context.Context, p string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busted = append(f.busted, p)
	return 1, nil
}

type harness struct {
	d       *Dispatcher
	origin  *fakeOrigin
	store   *fakeStore
	spawner *fakeSpawner
	sender  *fakeSender
	audit   *fakeAudit
	cache   *fakeCache
	metrics *Metrics
}

func newHarness(t *testing.T) harness {
	t.Helper()
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	h := harness{
		origin:  &fakeOrigin{},
		store:   &fakeStore{channels: map[string][]domain.NotificationChannel{}},
		spawner: &fakeSpawner{},
		sender:  &fakeSender{sent: map[string]notify.Message{}, fail: map[string]bool{}},
		audit:   &fakeAudit{},
		cache:   &fakeCache{},
		metrics: m,
	}
	h.d = &Dispatcher{
		Origin:  h.origin,
		Store:   h.store,
		Reviews: h.spawner,
		Sender:  h.sender,
		Audit:   h.audit,
		Cache:   h.cache,
		Metrics: m,
		Log:     zap.NewNop(),
		Timeout: time.Second,
	}
	return h
}

func approval() engine.Transition {
	c := domain.Certification{ID: 7, OriginID: "proj-7", SubmitterID: "sub-1", ProjectName: "hexpad", Status: domain.StatusApproved}
	return engine.Transition{
		Kind:          engine.KindApproved,
		ActorID:       "rev-1",
		Certification: &c,
		Bust:          []string{engine.BustCerts},
		Audit:         []events.Entry{{Type: engine.KindApproved, EntityKind: "certification", EntityID: "7", ActorID: "rev-1"}},
		Notices: []engine.Notice{{RecipientID: "sub-1", Template: notify.TemplateCertApproved,
			Vars: map[string]string{"project": "hexpad"}}},
	}
}

func TestDispatchRunsAllSteps(t *testing.T) {
	h := newHarness(t)
	h.origin.devlogs = []origin.Devlog{{ID: 1, DurationSeconds: 600}}
	h.store.channels["sub-1"] = []domain.NotificationChannel{{ID: 1, URL: "generic://hook"}}

	rep := h.d.Dispatch(context.Background(), approval())
	require.Empty(t, rep.Warnings)

	require.Len(t, h.origin.synced, 1)
	require.Equal(t, "proj-7", h.origin.synced[0].ID)
	require.Equal(t, []int64{7}, h.store.synced)
	require.Equal(t, []int64{7}, h.spawner.spawned)
	require.Len(t, h.spawner.activity[0], 1)
	require.Equal(t, "Ship approved", h.sender.sent["generic://hook"].Title)
	require.Len(t, h.audit.entries, 1)
	require.ElementsMatch(t, []string{engine.BustCerts, engine.BustReviews}, h.cache.busted)
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Runs.WithLabelValues(StepSync, outcomeOK)))
}

func TestDispatchIsolatesFailures(t *testing.T) {
	h := newHarness(t)
	h.origin.syncErr = errors.New("origin down")
	h.origin.fetchErr = errors.New("activity down")
	h.store.channels["sub-1"] = []domain.NotificationChannel{{ID: 1, URL: "a://bad"}, {ID: 2, URL: "b://good"}}
	h.sender.fail["a://bad"] = true

	rep := h.d.Dispatch(context.Background(), approval())

	steps := map[string]bool{}
	for _, w := range rep.Warnings {
		steps[w.Step] = true
		require.Equal(t, string(engine.ReasonUpstreamFailure), w.Reason)
	}
	require.True(t, steps[StepSync])
	require.True(t, steps[StepDownstream])
	require.True(t, steps[StepNotify])
	require.False(t, steps[StepAudit])

	// the review is still opened when activity lookup fails
	require.Equal(t, []int64{7}, h.spawner.spawned)
	require.Empty(t, h.spawner.activity[0])
	require.Contains(t, h.sender.sent, "b://good")
	require.Empty(t, h.store.synced)

	var syncFailed bool
	for _, e := range h.audit.entries {
		if e.Type == "origin.sync_failed" {
			syncFailed = true
		}
	}
	require.True(t, syncFailed)
}

func TestDispatchTimeoutAndPanic(t *testing.T) {
	h := newHarness(t)
	h.d.Timeout = 50 * time.Millisecond
	h.origin.block = true

	start := time.Now()
	rep := h.d.Dispatch(context.Background(), approval())
	require.Less(t, time.Since(start), time.Second)
	require.NotEmpty(t, rep.Warnings)

	h.origin.block = false
	h.origin.syncPanic = true
	rep = h.d.Dispatch(context.Background(), approval())
	var found bool
	for _, w := range rep.Warnings {
		if w.Step == StepSync {
			require.Contains(t, w.Message, "panic")
			found = true
		}
	}
	require.True(t, found)
}

func TestDispatchSkipsUnrelatedSteps(t *testing.T) {
	h := newHarness(t)
	a := domain.Assignment{ID: 3, ProjectName: "hexpad"}
	rep := h.d.Dispatch(context.Background(), engine.Transition{
		Kind:       engine.KindRouted,
		Assignment: &a,
		Bust:       []string{engine.BustAssignments},
	})
	require.Empty(t, rep.Warnings)
	require.Empty(t, h.origin.synced)
	require.Empty(t, h.spawner.spawned)
	require.Equal(t, []string{engine.BustAssignments}, h.cache.busted)
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Runs.WithLabelValues(StepSync, outcomeSkipped)))
}
