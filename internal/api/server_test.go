package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskpulse/taskpulse/internal/auth"
	"github.com/taskpulse/taskpulse/internal/config"
	"github.com/taskpulse/taskpulse/internal/metrics"
	"github.com/taskpulse/taskpulse/internal/store"
	"github.com/taskpulse/taskpulse/pkg/protocol"
)

const (
	testSessionSecret = "api-session-secret-at-least-32-chars!"
	testWebhookSecret = "api-webhook-secret-at-least-32-chars!"
)

var testNow = time.UnixMilli(1_700_000_000_000)

// recordingBridge captures broadcasts instead of fanning them out.
type recordingBridge struct {
	mu        sync.Mutex
	statuses  []protocol.AgentTaskRealtimeStatus
	delivered int
}

func (b *recordingBridge) Broadcast(st protocol.AgentTaskRealtimeStatus) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses = append(b.statuses, st)
	return b.delivered
}

func (b *recordingBridge) calls() []protocol.AgentTaskRealtimeStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]protocol.AgentTaskRealtimeStatus(nil), b.statuses...)
}

// failingStore fails status writes while fail is set.
type failingStore struct {
	store.Store
	fail atomic.Bool
}

func (f *failingStore) RecordUpdate(ctx context.Context, st *store.TaskStatus, e *store.LogEntry) error {
	if f.fail.Load() {
		return errors.New("disk full")
	}
	return f.Store.RecordUpdate(ctx, st, e)
}

// gatedStore holds writes for the "running" phase until release is closed and
// reports every write it starts on entered.
type gatedStore struct {
	store.Store
	entered chan string
	release chan struct{}
}

func (g *gatedStore) RecordUpdate(ctx context.Context, st *store.TaskStatus, e *store.LogEntry) error {
	g.entered <- st.Phase
	if st.Phase == "running" {
		<-g.release
	}
	return g.Store.RecordUpdate(ctx, st, e)
}

type testServer struct {
	srv    *Server
	store  store.Store
	bridge *recordingBridge
	http   *httptest.Server
}

func testConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`{
		"server": {"addr": ":0", "max_body_bytes": 2048},
		"auth": {"session_secret": "` + testSessionSecret + `", "webhook_secret": "` + testWebhookSecret + `"},
		"storage": {"dsn": ":memory:"}` + extra + `
	}`))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, wrap func(store.Store) store.Store, opts ServerOptions) *testServer {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	var st store.Store = s
	if wrap != nil {
		st = wrap(s)
	}
	bridge := &recordingBridge{delivered: 1}
	if opts.Now == nil {
		opts.Now = func() time.Time { return testNow }
	}
	srv, err := NewServer(st, bridge, nil, cfg, opts, slog.Default())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return &testServer{srv: srv, store: st, bridge: bridge, http: hs}
}

func webhookURL(base, taskID string) string {
	return base + "/api/agent-tasks/" + taskID + "/webhook"
}

func postWebhook(t *testing.T, url string, body []byte, signature string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(auth.SignatureHeader, signature)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func sign(body []byte) string {
	return auth.SignWebhook(body, []byte(testWebhookSecret), testNow)
}

func newTaskID() string { return "task-" + uuid.New().String()[:8] }

func TestWebhookAccepted(t *testing.T) {
	ts := newTestServer(t, testConfig(t, ""), nil, ServerOptions{})
	taskID := newTaskID()
	body := []byte(`{"phase":"running","progress":42,"message":"building"}`)

	resp, out := postWebhook(t, webhookURL(ts.http.URL, taskID), body, sign(body))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d, body %v", resp.StatusCode, out)
	}
	if out["ok"] != true || out["task_id"] != taskID || out["delivered"] != float64(1) {
		t.Errorf("response: %v", out)
	}

	calls := ts.bridge.calls()
	if len(calls) != 1 {
		t.Fatalf("broadcasts: got %d, want 1", len(calls))
	}
	got := calls[0]
	if got.TaskID != taskID || got.Phase != protocol.PhaseRunning || got.Progress != 42 || got.Message != "building" {
		t.Errorf("broadcast status: %+v", got)
	}
	if !got.UpdatedAt.Equal(testNow) {
		t.Errorf("UpdatedAt: got %v, want %v", got.UpdatedAt, testNow)
	}

	stored, err := ts.store.GetTaskStatus(context.Background(), taskID)
	if err != nil || stored == nil {
		t.Fatalf("GetTaskStatus: %v, %v", stored, err)
	}
	if stored.Phase != "running" || stored.Progress != 42 {
		t.Errorf("stored status: %+v", stored)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	ts := newTestServer(t, testConfig(t, ""), nil, ServerOptions{})
	body := []byte(`{"phase":"completed","progress":100}`)

	tests := []struct {
		name      string
		signature string
	}{
		{"missing header", ""},
		{"wrong secret", auth.SignWebhook(body, []byte("not-the-webhook-secret-at-all-32chars"), testNow)},
		{"stale", auth.SignWebhook(body, []byte(testWebhookSecret), testNow.Add(-6*time.Minute))},
		{"future", auth.SignWebhook(body, []byte(testWebhookSecret), testNow.Add(2*time.Minute))},
		{"other body", sign([]byte(`{"phase":"failed"}`))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			taskID := newTaskID()
			resp, out := postWebhook(t, webhookURL(ts.http.URL, taskID), body, tt.signature)
			if resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("status: got %d, want 401 (%v)", resp.StatusCode, out)
			}
			if st, _ := ts.store.GetTaskStatus(context.Background(), taskID); st != nil {
				t.Error("rejected webhook was stored")
			}
		})
	}
	if n := len(ts.bridge.calls()); n != 0 {
		t.Errorf("rejected webhooks were broadcast %d times", n)
	}
}

func TestWebhookRejectsInvalidPayload(t *testing.T) {
	ts := newTestServer(t, testConfig(t, ""), nil, ServerOptions{})

	tests := []struct {
		name string
		body string
	}{
		{"not json", `phase=running`},
		{"missing phase", `{"progress":10}`},
		{"unknown phase", `{"phase":"exploded"}`},
		{"progress too high", `{"phase":"running","progress":150}`},
		{"fractional progress", `{"phase":"running","progress":12.5}`},
		{"message not string", `{"phase":"running","message":7}`},
		{"empty log entry", `{"phase":"running","logEntry":{"level":"info"}}`},
		{"array body", `[{"phase":"running"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := []byte(tt.body)
			resp, out := postWebhook(t, webhookURL(ts.http.URL, newTaskID()), body, sign(body))
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status: got %d, want 400 (%v)", resp.StatusCode, out)
			}
		})
	}

	// Signature is checked before the schema.
	body := []byte(`{"phase":"exploded"}`)
	resp, _ := postWebhook(t, webhookURL(ts.http.URL, newTaskID()), body, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unsigned invalid body: got %d, want 401", resp.StatusCode)
	}

	if n := len(ts.bridge.calls()); n != 0 {
		t.Errorf("invalid webhooks were broadcast %d times", n)
	}
}

func TestWebhookTaskIDMismatch(t *testing.T) {
	ts := newTestServer(t, testConfig(t, ""), nil, ServerOptions{})
	body := []byte(`{"taskId":"someone-else","phase":"running"}`)
	resp, _ := postWebhook(t, webhookURL(ts.http.URL, newTaskID()), body, sign(body))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}

func TestWebhookBodyTooLarge(t *testing.T) {
	ts := newTestServer(t, testConfig(t, ""), nil, ServerOptions{})
	body := []byte(`{"phase":"running","message":"` + strings.Repeat("x", 4096) + `"}`)
	resp, _ := postWebhook(t, webhookURL(ts.http.URL, newTaskID()), body, sign(body))
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status: got %d, want 413", resp.StatusCode)
	}
}

func TestWebhookDuplicateSuppressed(t *testing.T) {
	ts := newTestServer(t, testConfig(t, ""), nil, ServerOptions{})
	taskID := newTaskID()
	body := []byte(`{"phase":"completed","progress":100,"logEntry":"done"}`)
	sig := sign(body)

	resp, _ := postWebhook(t, webhookURL(ts.http.URL, taskID), body, sig)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first delivery: %d", resp.StatusCode)
	}
	resp, out := postWebhook(t, webhookURL(ts.http.URL, taskID), body, sig)
	if resp.StatusCode != http.StatusOK || out["duplicate"] != true {
		t.Fatalf("re-delivery: %d %v", resp.StatusCode, out)
	}

	if n := len(ts.bridge.calls()); n != 1 {
		t.Errorf("broadcasts: got %d, want 1", n)
	}
	entries, err := ts.store.ListLogEntries(context.Background(), taskID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("log entries: got %d, want 1", len(entries))
	}
}

func TestWebhookStoreFailure(t *testing.T) {
	fs := &failingStore{}
	fs.fail.Store(true)
	ts := newTestServer(t, testConfig(t, ""), func(s store.Store) store.Store {
		fs.Store = s
		return fs
	}, ServerOptions{})
	taskID := newTaskID()
	body := []byte(`{"phase":"failed","message":"oom"}`)
	sig := sign(body)

	resp, out := postWebhook(t, webhookURL(ts.http.URL, taskID), body, sig)
	if resp.StatusCode != http.StatusInternalServerError || out["error"] != "store unavailable" {
		t.Fatalf("got %d %v, want 500 store unavailable", resp.StatusCode, out)
	}
	if n := len(ts.bridge.calls()); n != 0 {
		t.Fatalf("broadcast after store failure: %d", n)
	}

	// The agent's retry of the same callback goes through once the store recovers.
	fs.fail.Store(false)
	resp, out = postWebhook(t, webhookURL(ts.http.URL, taskID), body, sig)
	if resp.StatusCode != http.StatusOK || out["duplicate"] == true {
		t.Fatalf("retry: got %d %v", resp.StatusCode, out)
	}
	if n := len(ts.bridge.calls()); n != 1 {
		t.Errorf("broadcasts after retry: got %d, want 1", n)
	}
}

func TestWebhookSameTaskStoredAndBroadcastInOrder(t *testing.T) {
	gs := &gatedStore{entered: make(chan string, 2), release: make(chan struct{})}
	ts := newTestServer(t, testConfig(t, ""), func(s store.Store) store.Store {
		gs.Store = s
		return gs
	}, ServerOptions{})
	taskID := newTaskID()

	codes := make(chan int, 2)
	post := func(body []byte) {
		req, _ := http.NewRequest(http.MethodPost, webhookURL(ts.http.URL, taskID), bytes.NewReader(body))
		req.Header.Set(auth.SignatureHeader, sign(body))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			codes <- 0
			return
		}
		resp.Body.Close()
		codes <- resp.StatusCode
	}

	go post([]byte(`{"phase":"running","progress":50}`))
	if phase := <-gs.entered; phase != "running" {
		t.Fatalf("first write: got %q", phase)
	}
	go post([]byte(`{"phase":"completed","progress":100}`))

	select {
	case phase := <-gs.entered:
		t.Fatalf("second update for the same task reached the store (%q) before the first finished", phase)
	case <-time.After(100 * time.Millisecond):
	}

	close(gs.release)
	for range 2 {
		if code := <-codes; code != http.StatusOK {
			t.Fatalf("webhook status: got %d", code)
		}
	}

	calls := ts.bridge.calls()
	if len(calls) != 2 || calls[0].Phase != "running" || calls[1].Phase != "completed" {
		t.Fatalf("broadcast order: got %+v", calls)
	}
	st, err := ts.store.GetTaskStatus(context.Background(), taskID)
	if err != nil || st == nil || st.Phase != "completed" {
		t.Fatalf("stored status: got %+v, %v", st, err)
	}
}

func TestTaskLocksStripeByTask(t *testing.T) {
	var l taskLocks
	unlock := l.lock("task-a")
	done := make(chan struct{})
	go func() {
		l.lock("task-a")()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("second lock on the same task did not wait")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock not released")
	}
}

func TestWebhookRateLimited(t *testing.T) {
	cfg := testConfig(t, `, "webhook": {"requests_per_second": 0.001, "burst": 2}`)
	ts := newTestServer(t, cfg, nil, ServerOptions{})
	body := []byte(`{"phase":"running"}`)

	var last int
	for i := 0; i < 3; i++ {
		resp, _ := postWebhook(t, webhookURL(ts.http.URL, newTaskID()), body, sign(body))
		last = resp.StatusCode
		if i < 2 && last != http.StatusOK {
			t.Fatalf("request %d: got %d", i, last)
		}
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third request: got %d, want 429", last)
	}
}

func sessionCookie(t *testing.T, ttl time.Duration) *http.Cookie {
	t.Helper()
	token, err := auth.MintSession(auth.SessionClaims{
		Subject:   "user-1",
		ExpiresAt: testNow.Add(ttl).UnixMilli(),
	}, []byte(testSessionSecret))
	if err != nil {
		t.Fatal(err)
	}
	return &http.Cookie{Name: "session", Value: token}
}

func getJSON(t *testing.T, url string, cookie *http.Cookie, bearer string) (int, map[string]any) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestReadAPI(t *testing.T) {
	ts := newTestServer(t, testConfig(t, ""), nil, ServerOptions{})
	taskID := newTaskID()
	for _, b := range []string{
		`{"phase":"running","progress":10,"logEntry":"cloning"}`,
		`{"phase":"running","progress":60,"logEntry":{"level":"warn","message":"slow test"}}`,
	} {
		body := []byte(b)
		if resp, out := postWebhook(t, webhookURL(ts.http.URL, taskID), body, sign(body)); resp.StatusCode != http.StatusOK {
			t.Fatalf("seed webhook: %d %v", resp.StatusCode, out)
		}
	}

	statusURL := ts.http.URL + "/api/agent-tasks/" + taskID + "/status"
	logsURL := ts.http.URL + "/api/agent-tasks/" + taskID + "/logs"

	if code, _ := getJSON(t, statusURL, nil, ""); code != http.StatusUnauthorized {
		t.Errorf("no session: got %d, want 401", code)
	}
	if code, _ := getJSON(t, statusURL, sessionCookie(t, -time.Minute), ""); code != http.StatusUnauthorized {
		t.Errorf("expired session: got %d, want 401", code)
	}

	code, out := getJSON(t, statusURL, sessionCookie(t, time.Hour), "")
	if code != http.StatusOK {
		t.Fatalf("status: got %d %v", code, out)
	}
	if out["taskId"] != taskID || out["phase"] != "running" || out["progress"] != float64(60) {
		t.Errorf("status body: %v", out)
	}

	code, out = getJSON(t, logsURL+"?limit=1", sessionCookie(t, time.Hour), "")
	if code != http.StatusOK {
		t.Fatalf("logs: got %d %v", code, out)
	}
	entries, _ := out["entries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("entries: got %d, want 1", len(entries))
	}
	if e := entries[0].(map[string]any); e["message"] != "slow test" || e["level"] != "warn" {
		t.Errorf("latest entry: %v", e)
	}

	if code, _ := getJSON(t, logsURL+"?limit=abc", sessionCookie(t, time.Hour), ""); code != http.StatusBadRequest {
		t.Errorf("bad limit: got %d, want 400", code)
	}
	if code, _ := getJSON(t, ts.http.URL+"/api/agent-tasks/"+newTaskID()+"/status", sessionCookie(t, time.Hour), ""); code != http.StatusNotFound {
		t.Errorf("unknown task: got %d, want 404", code)
	}
}

func TestReadAPIServiceToken(t *testing.T) {
	tokens := auth.NewHMACTokenValidator("api-service-secret-at-least-32-chars", "")
	ts := newTestServer(t, testConfig(t, ""), nil, ServerOptions{Tokens: tokens})
	token, err := tokens.IssueToken("watch-cli", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	url := ts.http.URL + "/api/agent-tasks/" + newTaskID() + "/logs"

	if code, out := getJSON(t, url, nil, token); code != http.StatusOK {
		t.Errorf("bearer token: got %d %v", code, out)
	}
	if code, _ := getJSON(t, url, nil, "forged"); code != http.StatusUnauthorized {
		t.Errorf("forged token: got %d, want 401", code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	ts := newTestServer(t, testConfig(t, ""), nil, ServerOptions{
		Metrics:        metrics.MustNewMetrics(reg),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Connections:    func() int { return 3 },
	})

	if code, out := getJSON(t, ts.http.URL+"/healthz", nil, ""); code != http.StatusOK || out["status"] != "ok" {
		t.Errorf("healthz: %d %v", code, out)
	}
	code, out := getJSON(t, ts.http.URL+"/readyz", nil, "")
	if code != http.StatusOK || out["status"] != "ready" || out["connections"] != float64(3) {
		t.Errorf("readyz: %d %v", code, out)
	}

	body := []byte(`{"phase":"pending"}`)
	postWebhook(t, webhookURL(ts.http.URL, newTaskID()), body, sign(body))

	resp, err := http.Get(ts.http.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	text, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(text), `taskpulse_webhook_requests_total{result="accepted"} 1`) {
		t.Errorf("metrics output missing accepted counter:\n%s", text)
	}
}
