package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"vidrelay/internal/api"
	"vidrelay/internal/observability/logging"
	"vidrelay/internal/observability/metrics"
	"vidrelay/internal/relay"
	"vidrelay/internal/resolver"
	"vidrelay/internal/storage"
	"vidrelay/web"
)

type noopResolver struct{}

func (noopResolver) Resolve(ctx context.Context, handle string) (resolver.ResolvedFile, error) {
	return resolver.ResolvedFile{URL: "http://127.0.0.1:1/file"}, nil
}

func (noopResolver) Ping(ctx context.Context) error {
	return nil
}

func newTestHandler(t *testing.T) *api.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	templates, err := web.Templates()
	if err != nil {
		t.Fatalf("load templates: %v", err)
	}
	handler, err := api.NewHandler(api.Config{
		Store:     storage.NewMemoryStore(time.Hour),
		Resolver:  noopResolver{},
		Relay:     relay.New(relay.Config{Resolver: noopResolver{}, Logger: logger, Metrics: metrics.New()}),
		Metrics:   metrics.New(),
		Logger:    logger,
		Templates: templates,
		PublicURL: "http://vid.test",
		TTL:       time.Hour,
	})
	if err != nil {
		t.Fatalf("NewHandler error: %v", err)
	}
	return handler
}

func TestNewReturnsErrorWhenHandlerNil(t *testing.T) {
	t.Parallel()

	srv, err := New(nil, Config{})
	if err == nil {
		t.Fatalf("expected error when handler is nil, got server: %#v", srv)
	}
}

func TestServerRoutes(t *testing.T) {
	handler := newTestHandler(t)
	srv, err := New(handler, Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), Metrics: metrics.New()})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	cases := []struct {
		path   string
		status int
	}{
		{"/health", http.StatusOK},
		{"/healthz", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/", http.StatusOK},
		{"/stream/deadbeef", http.StatusNotFound},
		{"/video/deadbeef", http.StatusNotFound},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		rec := httptest.NewRecorder()
		srv.httpServer.Handler.ServeHTTP(rec, req)
		if rec.Code != tc.status {
			t.Fatalf("GET %s: expected %d, got %d", tc.path, tc.status, rec.Code)
		}
	}
}

func TestRequestIDMiddlewareAnnotatesContextAndHeaders(t *testing.T) {
	t.Parallel()

	handler := requestIDMiddlewareWithGenerator(slog.Default(), func() string { return "generated" }, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID, _ := logging.RequestIDFromContext(r.Context())
		if requestID != "incoming" {
			t.Fatalf("expected request id to be preserved, got %q", requestID)
		}
		videoID, _ := logging.VideoIDFromContext(r.Context())
		if videoID != "aabbccdd" {
			t.Fatalf("expected video id \"aabbccdd\", got %q", videoID)
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/stream/aabbccdd", nil)
	req.Header.Set("X-Request-Id", "incoming")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Header().Get("X-Request-Id") != "incoming" {
		t.Fatalf("expected response header to carry request id, got %q", rr.Header().Get("X-Request-Id"))
	}
}

func TestRequestIDMiddlewareGeneratesID(t *testing.T) {
	t.Parallel()

	handler := requestIDMiddlewareWithGenerator(slog.Default(), func() string { return "generated" }, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Header().Get("X-Request-Id") != "generated" {
		t.Fatalf("expected generated request id, got %q", rr.Header().Get("X-Request-Id"))
	}
}

func TestLoggingMiddlewareEmitsRequestMetadata(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{AddSource: false}))

	handlerChain := requestIDMiddlewareWithGenerator(logger, func() string { return "generated-id" }, loggingMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	req := httptest.NewRequest(http.MethodGet, "/video/aabbccdd", nil)
	handlerChain.ServeHTTP(httptest.NewRecorder(), req)

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}

	if payload["request_id"] != "generated-id" {
		t.Fatalf("expected request_id to be propagated, got %v", payload["request_id"])
	}
	if payload["video_id"] != "aabbccdd" {
		t.Fatalf("expected video_id to be propagated, got %v", payload["video_id"])
	}
	if payload["status"] != float64(http.StatusNoContent) {
		t.Fatalf("expected status 204 in log line, got %v", payload["status"])
	}
}

func TestRateLimitMiddlewareThrottles(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1})
	handler := rateLimitMiddleware(rl, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, httptest.NewRequest(http.MethodGet, "/stream/aabbccdd", nil))
	if rec1.Code != http.StatusNoContent {
		t.Fatalf("expected first request to pass, got %d", rec1.Code)
	}

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/stream/aabbccdd", nil))
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be throttled, got %d", rec2.Code)
	}
	if !strings.Contains(rec2.Body.String(), "rate limit") {
		t.Fatalf("expected throttle message, got %q", rec2.Body.String())
	}
}

func TestPathVideoID(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"/stream/aabbccdd":    "aabbccdd",
		"/video/aabbccdd":     "aabbccdd",
		"/api/video/aabbccdd": "aabbccdd",
		"/stream/":            "",
		"/api/videos":         "",
		"/stream/a/b":         "",
		"/":                   "",
	}
	for path, want := range cases {
		if got := pathVideoID(path); got != want {
			t.Fatalf("pathVideoID(%q) = %q, want %q", path, got, want)
		}
	}
}
