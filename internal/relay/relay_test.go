package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"vidrelay/internal/models"
	"vidrelay/internal/observability/metrics"
	"vidrelay/internal/resolver"
)

type fakeResolver struct {
	resolved resolver.ResolvedFile
	err      error
}

func (f *fakeResolver) Resolve(ctx context.Context, handle string) (resolver.ResolvedFile, error) {
	if f.err != nil {
		return resolver.ResolvedFile{}, f.err
	}
	return f.resolved, nil
}

func (f *fakeResolver) Ping(ctx context.Context) error {
	return f.err
}

// newUpstream serves content with single-span Range support, the way the blob
// host's download CDN behaves.
func newUpstream(t *testing.T, content []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			w.WriteHeader(http.StatusOK)
			w.Write(content)
			return
		}
		span, err := ParseRange(rangeHeader, int64(len(content)))
		if err != nil {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Range", span.ContentRange(int64(len(content))))
		w.Header().Set("Content-Length", strconv.FormatInt(span.Length(), 10))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[span.Start : span.End+1])
	}))
}

func testContent(n int) []byte {
	content := make([]byte, n)
	for i := range content {
		content[i] = byte(i % 251)
	}
	return content
}

func newTestRelay(res resolver.Resolver) *Relay {
	return New(Config{
		Resolver: res,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:  metrics.New(),
	})
}

func testRecord() models.VideoRecord {
	return models.VideoRecord{
		ID:             "vid12345",
		UpstreamHandle: "handle-1",
		DisplayName:    "clip.mp4",
		SizeBytes:      1000,
	}
}

func TestServeVideoFullBody(t *testing.T) {
	content := testContent(1000)
	upstream := newUpstream(t, content)
	defer upstream.Close()

	rl := newTestRelay(&fakeResolver{resolved: resolver.ResolvedFile{URL: upstream.URL, SizeBytes: 1000}})
	req := httptest.NewRequest(http.MethodGet, "/video/vid12345", nil)
	rec := httptest.NewRecorder()

	if err := rl.ServeVideo(rec, req, testRecord()); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Length"); got != "1000" {
		t.Fatalf("expected Content-Length 1000, got %q", got)
	}
	if got := rec.Header().Get("Accept-Ranges"); got != "bytes" {
		t.Fatalf("expected Accept-Ranges bytes, got %q", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "video/mp4" {
		t.Fatalf("expected default mime type, got %q", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), content) {
		t.Fatalf("body mismatch: got %d bytes", rec.Body.Len())
	}
}

func TestServeVideoPartialContent(t *testing.T) {
	content := testContent(1000)
	upstream := newUpstream(t, content)
	defer upstream.Close()

	rl := newTestRelay(&fakeResolver{resolved: resolver.ResolvedFile{URL: upstream.URL, SizeBytes: 1000}})
	req := httptest.NewRequest(http.MethodGet, "/video/vid12345", nil)
	req.Header.Set("Range", "bytes=0-99")
	rec := httptest.NewRecorder()

	if err := rl.ServeVideo(rec, req, testRecord()); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 0-99/1000" {
		t.Fatalf("expected Content-Range bytes 0-99/1000, got %q", got)
	}
	if got := rec.Header().Get("Content-Length"); got != "100" {
		t.Fatalf("expected Content-Length 100, got %q", got)
	}
	if rec.Body.Len() != 100 {
		t.Fatalf("expected 100 body bytes, got %d", rec.Body.Len())
	}
	if !bytes.Equal(rec.Body.Bytes(), content[:100]) {
		t.Fatal("partial body does not match requested span")
	}
}

func TestServeVideoRangeNotSatisfiable(t *testing.T) {
	upstream := newUpstream(t, testContent(1000))
	defer upstream.Close()

	rl := newTestRelay(&fakeResolver{resolved: resolver.ResolvedFile{URL: upstream.URL, SizeBytes: 1000}})

	for _, header := range []string{"bytes=1000-", "bytes=oops", "bytes=-100"} {
		req := httptest.NewRequest(http.MethodGet, "/video/vid12345", nil)
		req.Header.Set("Range", header)
		rec := httptest.NewRecorder()

		if err := rl.ServeVideo(rec, req, testRecord()); err != nil {
			t.Fatalf("serve failed for %q: %v", header, err)
		}
		if rec.Code != http.StatusRequestedRangeNotSatisfiable {
			t.Fatalf("expected 416 for %q, got %d", header, rec.Code)
		}
		if rec.Body.Len() != 0 {
			t.Fatalf("expected empty body for %q, got %d bytes", header, rec.Body.Len())
		}
		if got := rec.Header().Get("Content-Range"); got != "bytes */1000" {
			t.Fatalf("expected Content-Range bytes */1000 for %q, got %q", header, got)
		}
	}
}

func TestServeVideoRangeWithUnknownSize(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	rl := newTestRelay(&fakeResolver{resolved: resolver.ResolvedFile{URL: upstream.URL}})
	record := testRecord()
	record.SizeBytes = 0

	req := httptest.NewRequest(http.MethodGet, "/video/vid12345", nil)
	req.Header.Set("Range", "bytes=0-99")
	rec := httptest.NewRecorder()

	if err := rl.ServeVideo(rec, req, record); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("expected 416, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected empty body, got %d bytes", rec.Body.Len())
	}
	if got, ok := rec.Header()["Content-Range"]; ok {
		t.Fatalf("expected no Content-Range when the size is unknown, got %q", got)
	}
}

// cancelAfterWriter drops the client after the first relayed chunk, the way a
// browser abandoning a download does.
type cancelAfterWriter struct {
	*httptest.ResponseRecorder
	cancel context.CancelFunc
	once   sync.Once
}

func (w *cancelAfterWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseRecorder.Write(p)
	w.once.Do(w.cancel)
	return n, err
}

func TestServeVideoClientDisconnectReleasesUpstream(t *testing.T) {
	upstreamReleased := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		w.Write(testContent(100))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
		close(upstreamReleased)
	}))
	defer upstream.Close()

	recorder := metrics.New()
	rl := New(Config{
		Resolver: &fakeResolver{resolved: resolver.ResolvedFile{URL: upstream.URL, SizeBytes: 1000}},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:  recorder,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/video/vid12345", nil).WithContext(ctx)
	rec := &cancelAfterWriter{ResponseRecorder: httptest.NewRecorder(), cancel: cancel}

	if err := rl.ServeVideo(rec, req, testRecord()); err != nil {
		t.Fatalf("expected mid-stream interruption to be absorbed, got %v", err)
	}

	select {
	case <-upstreamReleased:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the upstream fetch to be cancelled when the client went away")
	}
	if got := recorder.RelayOutcomes()["stream_interrupted"]; got != 1 {
		t.Fatalf("expected one interrupted relay, got %d", got)
	}
	if got := recorder.ActiveRelays(); got != 0 {
		t.Fatalf("expected the active relay gauge to drain, got %d", got)
	}
}

func TestServeVideoResolverFailure(t *testing.T) {
	rl := newTestRelay(&fakeResolver{err: resolver.ErrUnavailable})
	req := httptest.NewRequest(http.MethodGet, "/video/vid12345", nil)
	rec := httptest.NewRecorder()

	err := rl.ServeVideo(rec, req, testRecord())
	if !errors.Is(err, resolver.ErrUnavailable) {
		t.Fatalf("expected resolver error to propagate, got %v", err)
	}
	if rec.Body.Len() != 0 {
		t.Fatal("expected no response body when resolution fails")
	}
}

func TestServeVideoUpstreamBadStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer upstream.Close()

	rl := newTestRelay(&fakeResolver{resolved: resolver.ResolvedFile{URL: upstream.URL, SizeBytes: 1000}})
	req := httptest.NewRequest(http.MethodGet, "/video/vid12345", nil)
	rec := httptest.NewRecorder()

	err := rl.ServeVideo(rec, req, testRecord())
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}

func TestServeVideoCapacity(t *testing.T) {
	upstream := newUpstream(t, testContent(10))
	defer upstream.Close()

	rl := New(Config{
		Resolver:      &fakeResolver{resolved: resolver.ResolvedFile{URL: upstream.URL, SizeBytes: 10}},
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:       metrics.New(),
		MaxConcurrent: 1,
	})
	// Exhaust the only slot, then expect immediate refusal.
	if !rl.sem.TryAcquire(1) {
		t.Fatal("expected to acquire the only slot")
	}
	defer rl.sem.Release(1)

	req := httptest.NewRequest(http.MethodGet, "/video/vid12345", nil)
	rec := httptest.NewRecorder()
	if err := rl.ServeVideo(rec, req, testRecord()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}
