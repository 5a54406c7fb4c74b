package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestObserveRequestNormalizesVideoIDs(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest(http.MethodGet, "/stream/aabbccdd", http.StatusOK, 10*time.Millisecond)
	recorder.ObserveRequest(http.MethodGet, "/stream/11223344", http.StatusOK, 20*time.Millisecond)
	recorder.ObserveRequest(http.MethodGet, "/metrics", http.StatusOK, time.Millisecond)

	var sb strings.Builder
	recorder.Write(&sb)
	output := sb.String()

	if !strings.Contains(output, `vidrelay_http_requests_total{method="GET",path="/stream/:id",status="200"} 2`) {
		t.Fatalf("expected both stream requests under one label, got:\n%s", output)
	}
	if !strings.Contains(output, `path="/metrics"`) {
		t.Fatalf("expected /metrics to keep its literal path, got:\n%s", output)
	}
}

func TestRelayGaugeAndOutcomes(t *testing.T) {
	recorder := New()
	recorder.RelayStarted()
	recorder.RelayStarted()
	if got := recorder.ActiveRelays(); got != 2 {
		t.Fatalf("expected 2 active relays, got %d", got)
	}

	recorder.RelayFinished("success", 1000)
	recorder.RelayFinished("Stream_Interrupted", 0)
	if got := recorder.ActiveRelays(); got != 0 {
		t.Fatalf("expected gauge back to 0, got %d", got)
	}
	recorder.RelayFinished("success", 0)
	if got := recorder.ActiveRelays(); got != 0 {
		t.Fatalf("expected gauge to floor at 0, got %d", got)
	}

	outcomes := recorder.RelayOutcomes()
	if outcomes["success"] != 2 || outcomes["stream_interrupted"] != 1 {
		t.Fatalf("unexpected outcomes %v", outcomes)
	}
}

func TestHandlerServesExposition(t *testing.T) {
	recorder := New()
	recorder.ObserveView()
	recorder.ObserveSweep(3)
	recorder.ObserveResolverAttempt("resolve")
	recorder.ObserveResolverFailure("resolve")

	rec := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"vidrelay_views_total 1",
		"vidrelay_sweep_removed_total 3",
		`vidrelay_resolver_attempts_total{operation="resolve"} 1`,
		`vidrelay_resolver_failures_total{operation="resolve"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in exposition, got:\n%s", want, body)
		}
	}
}
