// Package relay streams video bytes from the upstream blob host to HTTP
// clients, honoring single byte-range requests without buffering whole files.
package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"vidrelay/internal/models"
	"vidrelay/internal/observability/metrics"
	"vidrelay/internal/resolver"
)

// ErrUpstream marks a failed byte fetch from the blob host after the handle
// resolved. Callers answer with a bad-gateway status.
var ErrUpstream = errors.New("upstream fetch failed")

// ErrBusy is returned when the concurrent relay cap is reached.
var ErrBusy = errors.New("relay capacity exhausted")

const defaultBufferSize = 32 * 1024

// Config wires the relay's collaborators.
type Config struct {
	Resolver      resolver.Resolver
	HTTPClient    *http.Client
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
	MaxConcurrent int64
	BufferSize    int
}

// Relay proxies video bytes between the blob host and clients.
type Relay struct {
	resolver resolver.Resolver
	client   *http.Client
	logger   *slog.Logger
	metrics  *metrics.Recorder
	sem      *semaphore.Weighted
	bufSize  int
}

// New builds a Relay. The HTTP client deliberately has no overall timeout so
// long downloads are bounded by the client connection, not a wall clock.
func New(cfg Config) *Relay {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 64
	}
	bufSize := cfg.BufferSize
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	return &Relay{
		resolver: cfg.Resolver,
		client:   client,
		logger:   logger,
		metrics:  recorder,
		sem:      semaphore.NewWeighted(maxConcurrent),
		bufSize:  bufSize,
	}
}

// ServeVideo resolves the record's handle and streams the requested bytes to
// the client. It writes the 200/206/416 responses itself; a returned error
// means no response has been written yet.
func (rl *Relay) ServeVideo(w http.ResponseWriter, r *http.Request, record models.VideoRecord) error {
	if !rl.sem.TryAcquire(1) {
		return ErrBusy
	}
	defer rl.sem.Release(1)

	ctx := r.Context()
	rl.metrics.ObserveResolverAttempt("resolve")
	resolved, err := rl.resolver.Resolve(ctx, record.UpstreamHandle)
	if err != nil {
		rl.metrics.ObserveResolverFailure("resolve")
		return err
	}

	total := resolved.SizeBytes
	if total <= 0 {
		total = rl.probeSize(r, resolved.URL)
	}
	if total <= 0 {
		total = record.SizeBytes
	}

	var span ByteRange
	ranged := false
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		span, err = ParseRange(rangeHeader, total)
		if err != nil {
			rl.metrics.RelayStarted()
			rl.metrics.RelayFinished("range_not_satisfiable", 0)
			if total > 0 {
				w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", total))
			}
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return nil
		}
		ranged = true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolved.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if ranged {
		req.Header.Set("Range", span.RangeHeader())
	}
	resp, err := rl.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	wantStatus := http.StatusOK
	if ranged {
		wantStatus = http.StatusPartialContent
	}
	if resp.StatusCode != wantStatus {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: unexpected upstream status %s", ErrUpstream, resp.Status)
	}

	header := w.Header()
	header.Set("Content-Type", record.ContentType())
	header.Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", sanitizeFilename(record.DisplayName)))
	header.Set("Accept-Ranges", "bytes")
	if ranged {
		header.Set("Content-Range", span.ContentRange(total))
		header.Set("Content-Length", strconv.FormatInt(span.Length(), 10))
	} else if total > 0 {
		header.Set("Content-Length", strconv.FormatInt(total, 10))
	}

	rl.metrics.RelayStarted()
	status := http.StatusOK
	if ranged {
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)

	buf := make([]byte, rl.bufSize)
	written, err := io.CopyBuffer(w, resp.Body, buf)
	if err != nil {
		// Mid-stream failure: the client dropped or the upstream broke. The
		// status is already on the wire, so only the accounting remains.
		rl.metrics.RelayFinished("stream_interrupted", written)
		rl.logger.Info("relay interrupted",
			"video_id", record.ID,
			"bytes", written,
			"error", err)
		return nil
	}
	rl.metrics.RelayFinished("success", written)
	return nil
}

// probeSize issues a HEAD request for the download URL when the resolver did
// not declare a size.
func (rl *Relay) probeSize(r *http.Request, url string) int64 {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodHead, url, nil)
	if err != nil {
		return 0
	}
	client := rl.client
	probe := *client
	probe.Timeout = 10 * time.Second
	resp, err := probe.Do(req)
	if err != nil {
		return 0
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0
	}
	return resp.ContentLength
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "video.mp4"
	}
	name = strings.NewReplacer("\"", "", "\n", "", "\r", "").Replace(name)
	return name
}
