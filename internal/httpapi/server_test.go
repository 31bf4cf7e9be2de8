package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentworkforce/relayinbox/internal/backoff"
	"github.com/agentworkforce/relayinbox/internal/inbox"
)

type testEngine struct {
	engine  *inbox.Engine
	sources map[inbox.SourceKind]*inbox.MemorySource
}

func newTestEngine(t *testing.T, run bool, extra ...inbox.Source) *testEngine {
	t.Helper()
	te := &testEngine{sources: map[inbox.SourceKind]*inbox.MemorySource{}}
	var sources []inbox.Source
	overridden := map[inbox.SourceKind]bool{}
	for _, src := range extra {
		overridden[src.Kind()] = true
		sources = append(sources, src)
	}
	for _, kind := range inbox.SourceKinds {
		if overridden[kind] {
			continue
		}
		mem := inbox.NewMemorySource(kind, 0)
		te.sources[kind] = mem
		sources = append(sources, mem)
	}
	engine, err := inbox.NewEngine(context.Background(), inbox.EngineOptions{
		Sources:        sources,
		Backoff:        backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2},
		CommitInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	te.engine = engine
	if !run {
		t.Cleanup(func() { _ = engine.Close() })
		return te
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	waitFor(t, "healthy engine", engine.Healthy)
	return te
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHealthReportsUnavailableUntilSourcesAttach(t *testing.T) {
	idle := newTestEngine(t, false)
	resp := doRequest(t, NewServer(idle.engine), request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ingestion starts, got %d", resp.Code)
	}

	running := newTestEngine(t, true)
	resp = doRequest(t, NewServer(running.engine), request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body.Status != "ok" || len(body.Sources) != 4 {
		t.Fatalf("unexpected health body %+v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	te := newTestEngine(t, true)
	server := NewServer(te.engine)
	postInternalEvent(t, server, "channels", `{"id":"c1","source":"whatsapp","connectionState":"connected"}`, time.Now().UTC())
	waitFor(t, "channel applied", func() bool {
		_, ok := te.engine.Store.GetChannel("c1")
		return ok
	})

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/metrics"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "relayinbox_events_total") {
		t.Fatalf("expected events counter in metrics output, got %s", resp.Body.String())
	}
}

func TestUnknownRoute(t *testing.T) {
	server := NewServer(newTestEngine(t, false).engine)
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/workspaces/ws_1/fs/tree"})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func postInternalEvent(t *testing.T, server http.Handler, source, body string, ts time.Time) *httptest.ResponseRecorder {
	t.Helper()
	timestamp := ts.Format(time.RFC3339)
	return doRawRequest(t, server, rawRequest{
		method: http.MethodPost,
		path:   "/v1/internal/events/" + source,
		headers: map[string]string{
			"X-Correlation-Id":  "corr_" + source,
			"X-Relay-Timestamp": timestamp,
			"X-Relay-Signature": SignInternal("dev-internal-secret", timestamp, []byte(body)),
		},
		body: []byte(body),
	})
}

func TestInternalEventAppendsToMemorySource(t *testing.T) {
	te := newTestEngine(t, false)
	server := NewServer(te.engine)

	resp := postInternalEvent(t, server, "messages", `{"id":"m1","conversationId":"k1","channelId":"c1","direction":"inbound","sentAt":"2026-03-14T09:00:00Z"}`, time.Now().UTC())
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", resp.Code, resp.Body.String())
	}
	var body internalEventResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Source != inbox.SourceMessages || body.Offset != 1 || body.Key != "m1" || body.CorrelationID != "corr_messages" {
		t.Fatalf("unexpected response %+v", body)
	}
	if te.sources[inbox.SourceMessages].Depth() != 1 {
		t.Fatalf("expected one record in the messages log")
	}
}

func TestInternalEventRejections(t *testing.T) {
	fileSource := inbox.NewFileSource(inbox.SourceMetadata, t.TempDir()+"/metadata.jsonl")
	te := newTestEngine(t, false, fileSource)
	server := NewServer(te.engine)
	now := time.Now().UTC()

	cases := []struct {
		name   string
		source string
		body   string
		ts     time.Time
		want   int
		code   string
	}{
		{name: "malformed", source: "messages", body: `{"id":"m1"}`, ts: now, want: http.StatusBadRequest, code: "malformed_event"},
		{name: "unknown source", source: "calls", body: `{}`, ts: now, want: http.StatusNotFound, code: "not_found"},
		{name: "not appendable", source: "metadata", body: `{"subjectType":"conversation","subjectId":"k1","key":"tags","value":"vip","updatedAt":"2026-03-14T09:00:00Z"}`, ts: now, want: http.StatusConflict, code: "source_not_appendable"},
		{name: "stale timestamp", source: "channels", body: `{"id":"c1","source":"sms","connectionState":"connected"}`, ts: now.Add(-time.Hour), want: http.StatusUnauthorized, code: "unauthorized"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postInternalEvent(t, server, tc.source, tc.body, tc.ts)
			if resp.Code != tc.want {
				t.Fatalf("expected %d, got %d (%s)", tc.want, resp.Code, resp.Body.String())
			}
			var body map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode error: %v", err)
			}
			if body["code"] != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, body["code"])
			}
		})
	}
}

func TestInternalEventRejectsReplayAndBadSignature(t *testing.T) {
	server := NewServer(newTestEngine(t, false).engine)
	body := []byte(`{"conversationId":"k1","readAt":"2026-03-14T09:05:00Z"}`)
	timestamp := time.Now().UTC().Format(time.RFC3339)
	headers := map[string]string{
		"X-Correlation-Id":  "corr_1",
		"X-Relay-Timestamp": timestamp,
		"X-Relay-Signature": SignInternal("dev-internal-secret", timestamp, body),
	}
	first := doRawRequest(t, server, rawRequest{method: http.MethodPost, path: "/v1/internal/events/read_receipts", headers: headers, body: body})
	if first.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", first.Code, first.Body.String())
	}
	replay := doRawRequest(t, server, rawRequest{method: http.MethodPost, path: "/v1/internal/events/read_receipts", headers: headers, body: body})
	if replay.Code != http.StatusUnauthorized || !strings.Contains(replay.Body.String(), "replay") {
		t.Fatalf("expected replay rejection, got %d (%s)", replay.Code, replay.Body.String())
	}

	headers["X-Relay-Signature"] = SignInternal("wrong-secret", timestamp, body)
	forged := doRawRequest(t, server, rawRequest{method: http.MethodPost, path: "/v1/internal/events/read_receipts", headers: headers, body: body})
	if forged.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", forged.Code)
	}

	delete(headers, "X-Correlation-Id")
	missing := doRawRequest(t, server, rawRequest{method: http.MethodPost, path: "/v1/internal/events/read_receipts", headers: headers, body: body})
	if missing.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without correlation id, got %d", missing.Code)
	}
}

func TestInternalEventBodyLimit(t *testing.T) {
	te := newTestEngine(t, false)
	server := NewServerWithConfig(te.engine, ServerConfig{MaxBodyBytes: 16})
	resp := postInternalEvent(t, server, "channels", `{"id":"c1","source":"whatsapp","connectionState":"connected"}`, time.Now().UTC())
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.Code)
	}
}

func TestAdminEndpoints(t *testing.T) {
	te := newTestEngine(t, true)
	server := NewServer(te.engine)
	admin := mustTestJWT(t, "dev-secret", "ops", []string{ScopeAdminRead}, nil, time.Now().Add(time.Hour))
	reader := mustTestJWT(t, "dev-secret", "agent", []string{ScopeStreamRead}, nil, time.Now().Add(time.Hour))

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/admin/sources"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.Code)
	}
	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/admin/sources", headers: map[string]string{"Authorization": "Bearer " + reader}})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without admin scope, got %d", resp.Code)
	}

	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/admin/sources", headers: map[string]string{"Authorization": "Bearer " + admin}})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var sources adminSourcesResponse
	if err := json.NewDecoder(resp.Body).Decode(&sources); err != nil {
		t.Fatalf("decode sources: %v", err)
	}
	if !sources.Healthy || len(sources.Sources) != 4 || sources.Sources[0].Backend != "memory" {
		t.Fatalf("unexpected sources %+v", sources)
	}

	te.engine.Registry.Register(noopConn{})
	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/admin/sessions", headers: map[string]string{"Authorization": "Bearer " + admin}})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var sessions adminSessionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if sessions.Counts["connecting"] != 1 || len(sessions.Sessions) != 1 {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
}

func TestAdminRateLimit(t *testing.T) {
	te := newTestEngine(t, false)
	server := NewServerWithConfig(te.engine, ServerConfig{AdminRate: 0.001, AdminBurst: 2})
	token := mustTestJWT(t, "dev-secret", "ops", []string{ScopeAdminRead}, nil, time.Now().Add(time.Hour))
	headers := map[string]string{"Authorization": "Bearer " + token}
	for i := 0; i < 2; i++ {
		if resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/admin/sessions", headers: headers}); resp.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, resp.Code)
		}
	}
	denied := doRequest(t, server, request{method: http.MethodGet, path: "/v1/admin/sessions", headers: headers})
	if denied.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after rate limit exceeded, got %d (%s)", denied.Code, denied.Body.String())
	}
	if denied.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

type noopConn struct{}

func (noopConn) Send(context.Context, []byte) error { return nil }
func (noopConn) Close(string) error                 { return nil }

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

type rawRequest struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func doRawRequest(t *testing.T, server http.Handler, r rawRequest) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustTestJWT(t *testing.T, secret, subject string, scopes, channels []string, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":    subject,
		"scopes": scopes,
		"exp":    exp.Unix(),
		"aud":    tokenAudience,
	}
	if channels != nil {
		claims["channels"] = channels
	}
	return mustSignClaims(t, secret, claims)
}

func mustSignClaims(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return token
}
