package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/clinagent/internal/agent"
	"github.com/haasonsaas/clinagent/internal/auth"
	"github.com/haasonsaas/clinagent/internal/jobs"
	"github.com/haasonsaas/clinagent/internal/observability"
	"github.com/haasonsaas/clinagent/internal/sessions"
	"github.com/haasonsaas/clinagent/pkg/models"
)

// scriptedLoop replays a fixed event list and remembers the sessions and
// utterances it was run with.
type scriptedLoop struct {
	events []models.StreamEvent
	block  bool

	mu         sync.Mutex
	sessions   []*models.Session
	utterances []string
}

func (l *scriptedLoop) Run(ctx context.Context, session *models.Session, utterance string) (<-chan models.StreamEvent, error) {
	l.mu.Lock()
	l.sessions = append(l.sessions, session)
	l.utterances = append(l.utterances, utterance)
	l.mu.Unlock()

	ch := make(chan models.StreamEvent)
	go func() {
		defer close(ch)
		if l.block {
			<-ctx.Done()
			return
		}
		for _, ev := range l.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (l *scriptedLoop) lastSession() *models.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.sessions) == 0 {
		return nil
	}
	return l.sessions[len(l.sessions)-1]
}

var answerEvents = []models.StreamEvent{
	models.ToolSelected(models.ToolCall{ID: "c1", Name: "add", Input: json.RawMessage(`{"a":2,"b":3}`)}),
	models.ToolResultEvent("add", "c1", true, int64(5)),
	models.TextFragment("The sum is 5."),
	models.Done(),
}

type fixture struct {
	loop     *scriptedLoop
	store    *sessions.MemoryStore
	runner   *jobs.Runner
	metrics  *observability.Metrics
	registry *prometheus.Registry
	server   *httptest.Server
}

func newFixture(t *testing.T, loop *scriptedLoop, opts ...Option) *fixture {
	t.Helper()
	reg := agent.NewToolRegistry()
	err := reg.Register(agent.ToolDescriptor{
		Name:        "add",
		Description: "Add two integers.",
		Params: map[string]agent.ParamSpec{
			"a": {Type: agent.TypeInteger, Required: true},
			"b": {Type: agent.TypeInteger, Required: true},
		},
	}, func(ctx context.Context, args agent.Args) (any, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	promReg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promReg)
	store := sessions.NewMemoryStore()
	runner := jobs.NewRunner(loop, store, jobs.NewMemoryStore(), jobs.RunnerConfig{Timeout: 5 * time.Second})

	opts = append([]Option{WithMetrics(metrics, promReg)}, opts...)
	srv := New(Config{MetricsPath: DefaultMetricsPath}, loop, reg, store, runner, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = runner.Shutdown(context.Background()) //nolint:errcheck
	})
	return &fixture{loop: loop, store: store, runner: runner, metrics: metrics, registry: promReg, server: ts}
}

func (f *fixture) do(t *testing.T, method, path, body string, header http.Header) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := f.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readFrames(t *testing.T, r io.Reader) []models.StreamEvent {
	t.Helper()
	var events []models.StreamEvent
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			t.Fatalf("unexpected SSE line %q", line)
		}
		var ev models.StreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("decode frame %q: %v", data, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestQueryStreamsEvents(t *testing.T) {
	f := newFixture(t, &scriptedLoop{events: answerEvents})

	resp := f.do(t, http.MethodPost, "/query", `{"query":"What is 2+3?","session_id":"alice"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if got := resp.Header.Get(sessionIDHeader); got != "alice" {
		t.Errorf("%s = %q, want alice", sessionIDHeader, got)
	}
	if resp.Header.Get(requestIDHeader) == "" {
		t.Error("missing request ID header")
	}

	events := readFrames(t, resp.Body)
	if len(events) != len(answerEvents) {
		t.Fatalf("events = %d, want %d", len(events), len(answerEvents))
	}
	for i, ev := range events {
		if ev.Type != answerEvents[i].Type {
			t.Errorf("event %d type = %s, want %s", i, ev.Type, answerEvents[i].Type)
		}
	}
	if events[2].Text != "The sum is 5." {
		t.Errorf("text = %q", events[2].Text)
	}

	session := f.loop.lastSession()
	if session == nil || session.Key != sessions.SessionKey(models.ChannelAPI, "alice") {
		t.Fatalf("session = %+v, want api:alice", session)
	}
}

func TestQueryUnencodableEventEndsWithError(t *testing.T) {
	bad := models.ToolResultEvent("calc", "c1", true, map[string]any{"fn": func() {}})
	f := newFixture(t, &scriptedLoop{events: []models.StreamEvent{bad, models.Done()}})

	resp := f.do(t, http.MethodPost, "/query", `{"query":"hi","session_id":"eve"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	events := readFrames(t, resp.Body)
	if len(events) != 1 {
		t.Fatalf("events = %+v, want a single error frame", events)
	}
	if events[0].Type != models.StreamEventError || events[0].Reason != models.ReasonInternal {
		t.Errorf("frame = %+v, want internal error", events[0])
	}
}

func TestQueryReusesSession(t *testing.T) {
	f := newFixture(t, &scriptedLoop{events: []models.StreamEvent{models.Done()}})

	first := f.do(t, http.MethodPost, "/query", `{"query":"one","session_id":"bob"}`, nil)
	readFrames(t, first.Body)
	id := f.loop.lastSession().ID

	second := f.do(t, http.MethodPost, "/query", `{"query":"two","session_id":"bob"}`, nil)
	readFrames(t, second.Body)
	if got := f.loop.lastSession().ID; got != id {
		t.Errorf("second run session = %s, want %s", got, id)
	}
}

func TestQueryGeneratesSessionID(t *testing.T) {
	f := newFixture(t, &scriptedLoop{events: []models.StreamEvent{models.Done()}})
	resp := f.do(t, http.MethodPost, "/query", `{"query":"hello"}`, nil)
	readFrames(t, resp.Body)
	if resp.Header.Get(sessionIDHeader) == "" {
		t.Error("expected a generated session ID")
	}
}

func TestQueryBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"not json", `query=hi`, "invalid request body"},
		{"blank query", `{"query":"   "}`, "query is required"},
		{"unknown field", `{"query":"hi","model":"x"}`, "invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, &scriptedLoop{})
			for _, path := range []string{"/query", "/query/async"} {
				resp := f.do(t, http.MethodPost, path, tt.body, nil)
				if resp.StatusCode != http.StatusBadRequest {
					t.Errorf("%s status = %d, want 400", path, resp.StatusCode)
				}
				var body errorBody
				if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if !strings.Contains(body.Error, tt.want) {
					t.Errorf("%s error = %q, want %q", path, body.Error, tt.want)
				}
			}
		})
	}
}

func TestAsyncJobLifecycle(t *testing.T) {
	f := newFixture(t, &scriptedLoop{events: answerEvents})

	resp := f.do(t, http.MethodPost, "/query/async", `{"query":"What is 2+3?"}`, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var accepted JobAccepted
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if accepted.JobID == "" || accepted.Status != jobs.StatusQueued {
		t.Fatalf("accepted = %+v", accepted)
	}

	var job jobs.Job
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r := f.do(t, http.MethodGet, "/query/"+accepted.JobID, "", nil)
		if r.StatusCode != http.StatusOK {
			t.Fatalf("GET status = %d", r.StatusCode)
		}
		if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
			t.Fatalf("decode job: %v", err)
		}
		if job.Status.Terminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if job.Status != jobs.StatusSucceeded {
		t.Fatalf("job status = %s, want succeeded", job.Status)
	}
	if job.Answer != "The sum is 5." {
		t.Errorf("answer = %q", job.Answer)
	}
}

func TestJobNotFound(t *testing.T) {
	f := newFixture(t, &scriptedLoop{})
	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		resp := f.do(t, method, "/query/missing", "", nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404", method, resp.StatusCode)
		}
	}
}

func TestCancelJob(t *testing.T) {
	f := newFixture(t, &scriptedLoop{block: true})

	job, err := f.runner.Submit(context.Background(), "", "slow question")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	resp := f.do(t, http.MethodDelete, "/query/"+job.ID, "", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("cancel status = %d, want 202", resp.StatusCode)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := f.runner.Get(context.Background(), job.ID)
		if got != nil && got.Status.Terminal() {
			if got.Reason != jobs.ReasonCancelled {
				t.Errorf("reason = %q, want %q", got.Reason, jobs.ReasonCancelled)
			}
			resp = f.do(t, http.MethodDelete, "/query/"+job.ID, "", nil)
			if resp.StatusCode != http.StatusConflict {
				t.Errorf("second cancel status = %d, want 409", resp.StatusCode)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job did not finish after cancel")
}

func TestResetSession(t *testing.T) {
	f := newFixture(t, &scriptedLoop{})
	ctx := context.Background()
	session, err := f.store.GetOrCreate(ctx, sessions.SessionKey(models.ChannelAPI, "carol"), models.ChannelAPI)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if err := f.store.AppendMessage(ctx, session.ID, &models.Message{Role: models.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}

	resp := f.do(t, http.MethodDelete, "/sessions/carol", "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	history, err := f.store.GetHistory(ctx, session.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != 0 {
		t.Errorf("history = %d messages, want 0", len(history))
	}

	resp = f.do(t, http.MethodDelete, "/sessions/never-used", "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("unknown session status = %d, want 204", resp.StatusCode)
	}
}

func TestTools(t *testing.T) {
	f := newFixture(t, &scriptedLoop{})
	resp := f.do(t, http.MethodGet, "/tools", "", nil)
	var body struct {
		Tools []agent.ToolDescriptor `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Tools) != 1 || body.Tools[0].Name != "add" || !body.Tools[0].Params["a"].Required {
		t.Errorf("tools = %+v", body.Tools)
	}
}

func TestAuth(t *testing.T) {
	service := auth.NewService(auth.Config{APIKeys: []string{"secret-key"}})
	f := newFixture(t, &scriptedLoop{}, WithAuth(service))

	tests := []struct {
		name   string
		path   string
		header http.Header
		want   int
	}{
		{"healthz exempt", "/healthz", nil, http.StatusOK},
		{"metrics exempt", "/metrics", nil, http.StatusOK},
		{"missing key", "/tools", nil, http.StatusUnauthorized},
		{"wrong key", "/tools", http.Header{"X-Api-Key": {"nope"}}, http.StatusUnauthorized},
		{"valid key", "/tools", http.Header{"X-Api-Key": {"secret-key"}}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodGet, tt.path, "", tt.header)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestHTTPMetrics(t *testing.T) {
	f := newFixture(t, &scriptedLoop{})
	f.do(t, http.MethodGet, "/tools", "", nil)
	f.do(t, http.MethodGet, "/query/abc", "", nil)

	if got := testutil.ToFloat64(f.metrics.HTTPRequestCounter.WithLabelValues("GET", "GET /tools", "200")); got != 1 {
		t.Errorf("tools counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(f.metrics.HTTPRequestCounter.WithLabelValues("GET", "GET /query/{job_id}", "404")); got != 1 {
		t.Errorf("job counter = %v, want 1 under the route pattern", got)
	}

	resp := f.do(t, http.MethodGet, "/metrics", "", nil)
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "http_requests_total") {
		t.Error("metrics output missing http request counter")
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, &scriptedLoop{})
	resp := f.do(t, http.MethodGet, "/healthz", "", nil)
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != `{"status":"ok"}` {
		t.Errorf("healthz = %d %s", resp.StatusCode, body)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	loop := &scriptedLoop{block: true}
	store := sessions.NewMemoryStore()
	runner := jobs.NewRunner(loop, store, jobs.NewMemoryStore(), jobs.RunnerConfig{})
	srv := New(Config{ShutdownTimeout: 2 * time.Second}, loop, agent.NewToolRegistry(), store, runner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, listener) }()

	job, err := runner.Submit(context.Background(), "", "pending")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	resp, err := http.Get("http://" + listener.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}

	got, err := runner.Get(context.Background(), job.ID)
	if err != nil || got == nil {
		t.Fatalf("Get() = %v, %v", got, err)
	}
	if got.Status != jobs.StatusFailed || got.Reason != jobs.ReasonShutdown {
		t.Errorf("job = %s/%s, want failed/%s", got.Status, got.Reason, jobs.ReasonShutdown)
	}
}
