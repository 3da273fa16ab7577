package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"shipyard/internal/config"
	"shipyard/internal/db"
	"shipyard/internal/domain"
	"shipyard/internal/effects"
	"shipyard/internal/engine"
	"shipyard/internal/migrate"
	"shipyard/internal/origin"
	"shipyard/internal/repo"
)

const (
	testSecret    = "test-secret"
	testIntakeKey = "intake-key"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

// downOrigin accepts nothing: every sync fails.
type downOrigin struct{}

func (downOrigin) SyncEnabled() bool     { return true }
func (downOrigin) ActivityEnabled() bool { return false }
func (downOrigin) SyncVerdict(context.Context, origin.Verdict) error {
	return errors.New("origin unavailable")
}
func (downOrigin) FetchActivity(context.Context, string) ([]origin.Devlog, error) {
	return nil, errors.New("activity disabled")
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default(), zap.NewNop())
	for _, u := range []domain.User{
		{ID: "alice", Username: "alice", Role: "shipwright", Active: true},
		{ID: "bob", Username: "bob", Role: "shipwright", Active: true},
		{ID: "watcher", Username: "watcher", Role: "observer", Active: true},
	} {
		if _, err := e.UpsertUser(ctx, u); err != nil {
			t.Fatalf("seed user %s: %v", u.ID, err)
		}
	}
	reg := prometheus.NewRegistry()
	metrics, err := effects.NewMetrics(reg)
	if err != nil {
		t.Fatalf("effect metrics: %v", err)
	}
	d := &effects.Dispatcher{
		Origin:  downOrigin{},
		Store:   e.Repo,
		Reviews: e,
		Audit:   e.Events,
		Cache:   e.Cache,
		Metrics: metrics,
		Timeout: time.Second,
	}
	handler, err := New(Config{
		Engine:     e,
		Dispatcher: d,
		Origin:     downOrigin{},
		Auth:       AuthConfig{JWTSecret: testSecret, AllowActorHeader: true, IntakeKey: testIntakeKey},
		Registry:   reg,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	s := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(s.Close)
	return s
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func as(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v (%s)", err, string(data))
	}
	return env
}

func submitViaIntake(t *testing.T, srv *testServer, originID string) CertificationResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/intake/submissions", map[string]any{
		"origin_id":    originID,
		"submitter_id": "maker-" + originID,
		"project_name": "Project " + originID,
		"description":  "a thing",
		"demo_url":     "https://demo.example/" + originID,
		"repo_url":     "https://github.com/maker/" + originID,
		"readme_url":   "https://github.com/maker/" + originID + "/README.md",
	}, map[string]string{"X-Intake-Key": testIntakeKey})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("intake status %d: %s", res.StatusCode, string(data))
	}
	var out SubmissionResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal submission: %v", err)
	}
	return out.Certification
}

func TestHealthAndAuthentication(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/intake/submissions", map[string]any{"origin_id": "x"},
		map[string]string{"X-Intake-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad intake key, got %d: %s", res.StatusCode, string(data))
	}

	token, err := SignToken(testSecret, "alice", time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me MeResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "alice" || me.Role != "shipwright" || me.Source != "jwt" {
		t.Fatalf("unexpected principal: %+v", me)
	}

	bad, _ := SignToken("other-secret", "alice", time.Hour)
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + bad})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for foreign token, got %d", res.StatusCode)
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv := newTestServer(t)
	err := srv.Engine.Repo.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID:        "key-1",
		ActorID:   "bob",
		KeyHash:   repo.HashAPIKey("s3cret"),
		CreatedAt: "2024-03-04T12:00:00Z",
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": "s3cret"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me MeResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "bob" || me.Source != "api_key" {
		t.Fatalf("unexpected principal: %+v", me)
	}

	if _, err := srv.Engine.RevokeAPIKey(context.Background(), "bob", "key-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": "s3cret"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key status %d: %s", res.StatusCode, string(data))
	}
}

func TestClaimConflictReturnsHolder(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	cert := submitViaIntake(t, srv, "101")
	claimURL := srv.URL + "/v1/certifications/" + strconv.FormatInt(cert.ID, 10) + "/claim"

	res, data := doJSON(t, client, http.MethodPost, claimURL, nil, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}
	var st engine.ClaimStatus
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal claim: %v", err)
	}
	if !st.Held || st.Holder == nil || *st.Holder != "alice" || st.ExpiresAt == nil {
		t.Fatalf("unexpected claim status: %+v", st)
	}

	res, data = doJSON(t, client, http.MethodPost, claimURL, nil, as("bob"))
	if res.StatusCode != http.StatusLocked {
		t.Fatalf("expected 423, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "locked_by_other" || env.Error.Details["holder"] != "alice" {
		t.Fatalf("unexpected error body: %+v", env)
	}

	// decide on someone else's claim is a plain conflict
	res, data = doJSON(t, client, http.MethodPost, claimURL[:len(claimURL)-len("/claim")]+"/decision",
		map[string]any{"verdict": "approved"}, as("bob"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodDelete, claimURL, nil, as("alice"))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("release status %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodGet, claimURL, nil, as("watcher"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}
	st = engine.ClaimStatus{}
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal claim: %v", err)
	}
	if st.Held {
		t.Fatalf("expected released claim, got %+v", st)
	}
}

func TestDecisionReportsEffectWarnings(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	cert := submitViaIntake(t, srv, "202")
	base := srv.URL + "/v1/certifications/" + strconv.FormatInt(cert.ID, 10)

	res, data := doJSON(t, client, http.MethodPost, base+"/decision", map[string]any{
		"verdict":      "approved",
		"feedback":     "looks good",
		"proof_url":    "https://video.example/202",
		"project_type": "CLI",
	}, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decision status %d: %s", res.StatusCode, string(data))
	}
	var out DecisionResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal decision: %v", err)
	}
	if out.Certification.Status != domain.StatusApproved {
		t.Fatalf("expected approved, got %s", out.Certification.Status)
	}
	var synced bool
	for _, w := range out.Warnings {
		if w.Step == effects.StepSync && w.Reason == string(engine.ReasonUpstreamFailure) {
			synced = true
		}
	}
	if !synced {
		t.Fatalf("expected sync warning, got %+v", out.Warnings)
	}

	res, data = doJSON(t, client, http.MethodGet, base, nil, as("watcher"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}
	var got CertificationResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal certification: %v", err)
	}
	if got.Status != domain.StatusApproved {
		t.Fatalf("decision did not stick: %+v", got.Certification)
	}
}

func TestForbiddenAndNotFoundCodes(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	cert := submitViaIntake(t, srv, "303")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/certifications/"+strconv.FormatInt(cert.ID, 10)+"/decision",
		map[string]any{"verdict": "rejected", "feedback": "no"}, as("watcher"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "forbidden" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/certifications/9999", nil, as("watcher"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "not_found" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events", nil, as("alice"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for audit log, got %d: %s", res.StatusCode, string(data))
	}
}

func TestListCertificationsPaginates(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	for _, id := range []string{"1", "2", "3"} {
		submitViaIntake(t, srv, id)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/certifications?limit=2", nil, as("watcher"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedCertifications
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("unexpected first page: %d items, cursor %q", len(page.Items), page.NextCursor)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/certifications?limit=2&cursor="+page.NextCursor, nil, as("watcher"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	page = paginatedCertifications{}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 1 || page.NextCursor != "" || page.Items[0].OriginID != "3" {
		t.Fatalf("unexpected second page: %+v", page)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	cert := submitViaIntake(t, srv, "404")
	doJSON(t, client, http.MethodPost, srv.URL+"/v1/certifications/"+strconv.FormatInt(cert.ID, 10)+"/claim", nil, as("alice"))

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
	body := string(data)
	for _, want := range []string{
		`shipyard_claim_attempts_total{outcome="acquired"} 1`,
		`shipyard_effect_runs_total`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestIntakeReportsMissingFields(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/intake/submissions",
		map[string]any{"origin_id": "505"}, map[string]string{"X-Intake-Key": testIntakeKey})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "invalid_input" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}

	submitViaIntake(t, srv, "505")
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/intake/submissions", map[string]any{
		"origin_id":    "505",
		"submitter_id": "maker-505",
		"project_name": "Project 505",
		"description":  "a thing",
		"demo_url":     "https://demo.example/505",
		"repo_url":     "https://github.com/maker/505",
		"readme_url":   "https://github.com/maker/505/README.md",
	}, map[string]string{"X-Intake-Key": testIntakeKey})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for a pending duplicate, got %d: %s", res.StatusCode, string(data))
	}
}

func TestOpenAPIDocumentUnderConcurrentRequests(t *testing.T) {
	srv := newTestServer(t)
	const n = 8
	bodies := make([][]byte, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v1/openapi.json")
			if err != nil {
				errs[i] = err
				return
			}
			defer res.Body.Close()
			bodies[i], errs[i] = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("request %d: %v", i, errs[i])
		}
		if !bytes.Equal(bodies[i], bodies[0]) {
			t.Fatalf("request %d served a different document", i)
		}
	}
	var doc map[string]any
	if err := json.Unmarshal(bodies[0], &doc); err != nil {
		t.Fatalf("openapi document is not json: %v", err)
	}
	if _, ok := doc["paths"].(map[string]any)["/v1/certifications/{id}/claim"]; !ok {
		t.Fatalf("claim operation missing from document")
	}
}
