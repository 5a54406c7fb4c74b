package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, relay outcomes, resolver calls, view events, and sweep activity.
// It coordinates concurrent writers via a RWMutex while exposing a
// thread-safe gauge for active relay tracking.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	relayOutcomes    map[string]uint64
	resolverAttempts map[string]uint64
	resolverFailures map[string]uint64
	activeRelays     atomic.Int64
	relayedBytes     atomic.Int64
	viewEvents       atomic.Int64
	sweepRemovals    atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:     make(map[requestLabel]uint64),
		requestDuration:  make(map[requestLabel]time.Duration),
		relayOutcomes:    make(map[string]uint64),
		resolverAttempts: make(map[string]uint64),
		resolverFailures: make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// RelayStarted increments the active relay gauge.
func (r *Recorder) RelayStarted() {
	r.activeRelays.Add(1)
}

// RelayFinished records the relay outcome, decrements the active gauge, and
// accumulates the relayed byte total.
func (r *Recorder) RelayFinished(outcome string, bytes int64) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.relayOutcomes[normalized]++
	r.mu.Unlock()
	if bytes > 0 {
		r.relayedBytes.Add(bytes)
	}
	r.decrementGauge(&r.activeRelays)
}

// ObserveResolverAttempt records a resolver call keyed by operation name.
func (r *Recorder) ObserveResolverAttempt(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.resolverAttempts[op]++
	r.mu.Unlock()
}

// ObserveResolverFailure records a failed resolver call keyed by operation
// name. The caller should also record the attempt separately.
func (r *Recorder) ObserveResolverFailure(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.resolverFailures[op]++
	r.mu.Unlock()
}

// ObserveView counts one watch-page view.
func (r *Recorder) ObserveView() {
	r.viewEvents.Add(1)
}

// ObserveSweep accumulates records removed by sweep passes.
func (r *Recorder) ObserveSweep(removed int) {
	if removed > 0 {
		r.sweepRemovals.Add(int64(removed))
	}
}

// ActiveRelays exposes the current gauge of concurrently running relays.
func (r *Recorder) ActiveRelays() int64 {
	return r.activeRelays.Load()
}

// RelayOutcomes returns a copy of the relay outcome counters for testing and
// reporting purposes.
func (r *Recorder) RelayOutcomes() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	outcomes := make(map[string]uint64, len(r.relayOutcomes))
	for k, v := range r.relayOutcomes {
		outcomes[k] = v
	}
	return outcomes
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.relayOutcomes = make(map[string]uint64)
	r.resolverAttempts = make(map[string]uint64)
	r.resolverFailures = make(map[string]uint64)
	r.activeRelays.Store(0)
	r.relayedBytes.Store(0)
	r.viewEvents.Store(0)
	r.sweepRemovals.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	relayOutcomes := r.sortedRelayOutcomes()
	resolverOperations := r.sortedResolverOperations()

	fmt.Fprintln(w, "# HELP vidrelay_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE vidrelay_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "vidrelay_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP vidrelay_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE vidrelay_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "vidrelay_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP vidrelay_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE vidrelay_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "vidrelay_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP vidrelay_relay_outcomes_total Relay completions by outcome")
	fmt.Fprintln(w, "# TYPE vidrelay_relay_outcomes_total counter")
	for _, outcome := range relayOutcomes {
		fmt.Fprintf(w, "vidrelay_relay_outcomes_total{outcome=\"%s\"} %d\n", outcome, r.relayOutcomes[outcome])
	}

	fmt.Fprintln(w, "# HELP vidrelay_active_relays Current number of in-flight byte relays")
	fmt.Fprintln(w, "# TYPE vidrelay_active_relays gauge")
	fmt.Fprintf(w, "vidrelay_active_relays %d\n", r.activeRelays.Load())

	fmt.Fprintln(w, "# HELP vidrelay_relayed_bytes_total Total bytes relayed to clients")
	fmt.Fprintln(w, "# TYPE vidrelay_relayed_bytes_total counter")
	fmt.Fprintf(w, "vidrelay_relayed_bytes_total %d\n", r.relayedBytes.Load())

	fmt.Fprintln(w, "# HELP vidrelay_resolver_attempts_total Resolver calls attempted by operation")
	fmt.Fprintln(w, "# TYPE vidrelay_resolver_attempts_total counter")
	for _, op := range resolverOperations {
		fmt.Fprintf(w, "vidrelay_resolver_attempts_total{operation=\"%s\"} %d\n", op, r.resolverAttempts[op])
	}

	fmt.Fprintln(w, "# HELP vidrelay_resolver_failures_total Resolver call failures by operation")
	fmt.Fprintln(w, "# TYPE vidrelay_resolver_failures_total counter")
	for _, op := range resolverOperations {
		fmt.Fprintf(w, "vidrelay_resolver_failures_total{operation=\"%s\"} %d\n", op, r.resolverFailures[op])
	}

	fmt.Fprintln(w, "# HELP vidrelay_views_total Watch-page views counted")
	fmt.Fprintln(w, "# TYPE vidrelay_views_total counter")
	fmt.Fprintf(w, "vidrelay_views_total %d\n", r.viewEvents.Load())

	fmt.Fprintln(w, "# HELP vidrelay_sweep_removed_total Records removed by retention sweeps")
	fmt.Fprintln(w, "# TYPE vidrelay_sweep_removed_total counter")
	fmt.Fprintf(w, "vidrelay_sweep_removed_total %d\n", r.sweepRemovals.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedRelayOutcomes() []string {
	outcomes := make([]string, 0, len(r.relayOutcomes))
	for outcome := range r.relayOutcomes {
		outcomes = append(outcomes, outcome)
	}
	sort.Strings(outcomes)
	return outcomes
}

func (r *Recorder) sortedResolverOperations() []string {
	seen := make(map[string]struct{}, len(r.resolverAttempts)+len(r.resolverFailures))
	for op := range r.resolverAttempts {
		seen[op] = struct{}{}
	}
	for op := range r.resolverFailures {
		seen[op] = struct{}{}
	}
	ops := make([]string, 0, len(seen))
	for op := range seen {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		switch segment {
		case "metrics", "healthz":
			return false
		}
		for _, r := range segment {
			isHex := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F') || r == '-'
			if !isHex {
				return false
			}
		}
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ObserveView counts a view on the default recorder.
func ObserveView() {
	defaultRecorder.ObserveView()
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
