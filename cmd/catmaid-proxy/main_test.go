package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Sternrassler/catmaid-client/internal/testutil"
	"github.com/Sternrassler/catmaid-client/pkg/client"
	"github.com/Sternrassler/catmaid-client/pkg/config"
	"github.com/rs/zerolog"
)

func testConfig(t *testing.T, serverURL string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ServerURL = serverURL
	cfg.RateLimit = 0
	cfg.MaxRetries = 0
	cfg.Listen = "127.0.0.1:0"
	return cfg
}

func newTestServer(t *testing.T, cfg config.Config) *server {
	t.Helper()
	s, err := newServer(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newServer() error = %v", err)
	}
	t.Cleanup(s.close)
	return s
}

func serve(h http.Handler, method, target string, body io.Reader) *http.Response {
	req := httptest.NewRequest(method, target, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Result()
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %s", string(body))
	}
}

func TestReadyEndpoint_WithoutRedis(t *testing.T) {
	mock := testutil.NewMockCATMAID()
	defer mock.Close()

	s := newTestServer(t, testConfig(t, mock.URL()))
	resp := serve(s.routes(), "GET", "/ready", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestReadyEndpoint_RedisDown(t *testing.T) {
	mock := testutil.NewMockCATMAID()
	defer mock.Close()

	cfg := testConfig(t, mock.URL())
	cfg.Cache.RedisAddr = "127.0.0.1:1"
	s := newTestServer(t, cfg)

	resp := serve(s.routes(), "GET", "/ready", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	mock := testutil.NewMockCATMAID()
	defer mock.Close()

	s := newTestServer(t, testConfig(t, mock.URL()))
	h := s.routes()
	serve(h, "GET", "/catmaid/1/annotations/", nil)

	resp := serve(h, "GET", "/metrics", nil)
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	bodyStr := string(body)
	if !strings.Contains(bodyStr, "# HELP") || !strings.Contains(bodyStr, "# TYPE") {
		t.Error("Expected Prometheus format metrics output")
	}
	for _, name := range []string{"catmaid_cache_entries", "catmaid_requests_total"} {
		if !strings.Contains(bodyStr, name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}
}

func TestProxyHandler_CachesResponses(t *testing.T) {
	mock := testutil.NewMockCATMAID()
	defer mock.Close()
	mock.SetSkeletonResponse(1, 16, testutil.NewJSONResponse(`[[1,null,3,1.0,2.0,3.0,0.0,5]]`))

	s := newTestServer(t, testConfig(t, mock.URL()))
	h := s.routes()

	for i := 0; i < 3; i++ {
		resp := serve(h, "GET", "/catmaid"+testutil.SkeletonPath(1, 16), nil)
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d, body %s", i, resp.StatusCode, body)
		}
		if string(body) != `[[1,null,3,1.0,2.0,3.0,0.0,5]]` {
			t.Errorf("request %d: body = %s", i, body)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
	}

	if got := mock.GetRequestCount(); got != 1 {
		t.Errorf("upstream requests = %d, want 1", got)
	}
}

func TestProxyHandler_NoCacheHeader(t *testing.T) {
	mock := testutil.NewMockCATMAID()
	defer mock.Close()

	s := newTestServer(t, testConfig(t, mock.URL()))
	h := s.routes()

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/catmaid/1/stack/3/info", nil)
		req.Header.Set("Cache-Control", "no-cache")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
	}

	if got := mock.GetRequestCount(); got != 2 {
		t.Errorf("upstream requests = %d, want 2", got)
	}
}

func TestProxyHandler_PostForm(t *testing.T) {
	mock := testutil.NewMockCATMAID()
	defer mock.Close()
	mock.SetResponse("/1/annotations/query-targets", testutil.NewJSONResponse(`{"entities": []}`))

	s := newTestServer(t, testConfig(t, mock.URL()))
	form := url.Values{"annotated_with[0]": {"42"}, "with_annotations": {"false"}}

	resp := serve(s.routes(), "POST", "/catmaid/1/annotations/query-targets", strings.NewReader(form.Encode()))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := mock.LastForm().Get("annotated_with[0]"); got != "42" {
		t.Errorf("forwarded form annotated_with[0] = %q, want 42", got)
	}
}

func TestProxyHandler_Errors(t *testing.T) {
	mock := testutil.NewMockCATMAID()
	defer mock.Close()
	mock.SetResponse("/1/skeletons/99/compact-detail", testutil.NewNotFoundResponse("No skeleton 99"))
	mock.SetResponse("/1/neurons/5/", testutil.NewErrorPayloadResponse("ValueError", "bad neuron"))
	mock.SetResponse("/1/broken", testutil.NewServerErrorResponse())

	s := newTestServer(t, testConfig(t, mock.URL()))
	h := s.routes()

	tests := []struct {
		name   string
		method string
		target string
		want   int
	}{
		{"upstream not found", "GET", "/catmaid/1/skeletons/99/compact-detail", http.StatusNotFound},
		{"error payload", "GET", "/catmaid/1/neurons/5/", http.StatusUnprocessableEntity},
		{"server error", "GET", "/catmaid/1/broken", http.StatusBadGateway},
		{"missing endpoint", "GET", "/catmaid/", http.StatusNotFound},
		{"method not allowed", "PUT", "/catmaid/1/neurons/5/", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := serve(h, tt.method, tt.target, nil)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			var body map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body["error"] == "" {
				t.Errorf("error body = %v (%v), want {\"error\": ...}", body, err)
			}
		})
	}
}

func TestUpstreamStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"cancelled", fmt.Errorf("%w: deadline", client.ErrContextCancelled), http.StatusGatewayTimeout},
		{"client", &client.APIError{StatusCode: 403, ErrorClass: client.ErrorClassClient}, http.StatusForbidden},
		{"api", &client.APIError{StatusCode: 200, ErrorClass: client.ErrorClassAPI}, http.StatusUnprocessableEntity},
		{"exhausted", fmt.Errorf("%w: %w", client.ErrRetryExhausted, &client.APIError{StatusCode: 503, ErrorClass: client.ErrorClassServer}), http.StatusBadGateway},
		{"network", errors.New("connection refused"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		if got := upstreamStatus(tt.err); got != tt.want {
			t.Errorf("upstreamStatus(%s) = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestCacheEndpoints(t *testing.T) {
	mock := testutil.NewMockCATMAID()
	defer mock.Close()

	cfg := testConfig(t, mock.URL())
	cfg.Cache.Snapshot = filepath.Join(t.TempDir(), "session.cache")
	s := newTestServer(t, cfg)
	h := s.routes()

	serve(h, "GET", "/catmaid/1/a", nil)
	serve(h, "GET", "/catmaid/1/a", nil)
	serve(h, "GET", "/catmaid/1/b", nil)

	var status cacheStatus
	resp := serve(h, "GET", "/cache", nil)
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if status.Entries != 2 || status.Hits != 1 || status.Misses != 2 {
		t.Errorf("stats = %+v, want 2 entries, 1 hit, 2 misses", status)
	}
	if !status.Enabled || status.SizeLimitMB != 128 {
		t.Errorf("stats = %+v, want enabled with 128 MB limit", status)
	}

	if resp := serve(h, "POST", "/cache/save", nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("POST /cache/save status = %d, want 204", resp.StatusCode)
	}
	if _, err := os.Stat(cfg.Cache.Snapshot); err != nil {
		t.Errorf("snapshot not written: %v", err)
	}

	if resp := serve(h, "DELETE", "/cache", nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("DELETE /cache status = %d, want 204", resp.StatusCode)
	}
	if n := s.client.Cache().Len(); n != 0 {
		t.Errorf("entries after DELETE = %d, want 0", n)
	}
}

func TestCacheSave_NoLocation(t *testing.T) {
	mock := testutil.NewMockCATMAID()
	defer mock.Close()

	s := newTestServer(t, testConfig(t, mock.URL()))
	if resp := serve(s.routes(), "POST", "/cache/save", nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestRestore_ServesFromSnapshot(t *testing.T) {
	mock := testutil.NewMockCATMAID()
	defer mock.Close()

	cfg := testConfig(t, mock.URL())
	cfg.Cache.Snapshot = filepath.Join(t.TempDir(), "session.cache")

	first := newTestServer(t, cfg)
	serve(first.routes(), "GET", "/catmaid/1/skeletons/16/compact-detail", nil)
	if err := first.persist(context.Background()); err != nil {
		t.Fatalf("persist() error = %v", err)
	}

	second := newTestServer(t, cfg)
	second.restore(context.Background())
	resp := serve(second.routes(), "GET", "/catmaid/1/skeletons/16/compact-detail", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := mock.GetRequestCount(); got != 1 {
		t.Errorf("upstream requests = %d, want 1", got)
	}
}

func TestRestore_MissingSnapshot(t *testing.T) {
	mock := testutil.NewMockCATMAID()
	defer mock.Close()

	cfg := testConfig(t, mock.URL())
	cfg.Cache.Snapshot = filepath.Join(t.TempDir(), "absent.cache")
	s := newTestServer(t, cfg)

	s.restore(context.Background())
	if n := s.client.Cache().Len(); n != 0 {
		t.Errorf("entries = %d, want 0", n)
	}
}

func TestRun_SavesOnShutdown(t *testing.T) {
	mock := testutil.NewMockCATMAID()
	defer mock.Close()

	cfg := testConfig(t, mock.URL())
	cfg.Cache.Snapshot = filepath.Join(t.TempDir(), "session.cache")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := run(ctx, cfg, zerolog.Nop()); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if _, err := os.Stat(cfg.Cache.Snapshot); err != nil {
		t.Errorf("snapshot not written at shutdown: %v", err)
	}
}
