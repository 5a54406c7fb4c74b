package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config configures the HTTP resolver talking to the blob host's file API.
type Config struct {
	// BaseURL is the file API root, e.g. https://api.telegram.org.
	BaseURL string
	// Token authenticates the bot account that owns the stored files.
	Token string
	// Timeout bounds a single API call.
	Timeout time.Duration
	// MaxAttempts caps resolve attempts per request (including the first).
	MaxAttempts int
	// RetryInterval is the base delay between attempts; attempt n waits n
	// times this interval.
	RetryInterval time.Duration
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// HTTPResolver resolves handles through the getFile endpoint and derives the
// matching download URL. Only the idempotent GET exchange is retried.
type HTTPResolver struct {
	baseURL       string
	token         string
	maxAttempts   int
	retryInterval time.Duration
	client        *http.Client
	logger        *slog.Logger
}

// NewHTTPResolver validates the configuration and builds a resolver.
func NewHTTPResolver(cfg Config) (*HTTPResolver, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("resolver base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse resolver base url: %w", err)
	}
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, fmt.Errorf("resolver token is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	interval := cfg.RetryInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPResolver{
		baseURL:       base,
		token:         token,
		maxAttempts:   attempts,
		retryInterval: interval,
		client:        client,
		logger:        logger,
	}, nil
}

type fileEnvelope struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		FileID   string `json:"file_id"`
		FilePath string `json:"file_path"`
		FileSize int64  `json:"file_size"`
	} `json:"result"`
}

// Resolve exchanges the handle for a download URL, retrying transport errors
// and 5xx answers with linear backoff until the attempt budget runs out.
func (r *HTTPResolver) Resolve(ctx context.Context, handle string) (ResolvedFile, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return ResolvedFile{}, fmt.Errorf("upstream handle is required")
	}

	endpoint := fmt.Sprintf("%s/bot%s/getFile?file_id=%s", r.baseURL, r.token, url.QueryEscape(handle))
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ResolvedFile{}, ctx.Err()
			case <-time.After(time.Duration(attempt-1) * r.retryInterval):
			}
		}
		resolved, retryable, err := r.resolveOnce(ctx, endpoint)
		if err == nil {
			return resolved, nil
		}
		lastErr = err
		if !retryable {
			break
		}
		r.logger.Warn("resolve attempt failed", "attempt", attempt, "error", err)
	}
	return ResolvedFile{}, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (r *HTTPResolver) resolveOnce(ctx context.Context, endpoint string) (ResolvedFile, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ResolvedFile{}, false, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return ResolvedFile{}, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ResolvedFile{}, true, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ResolvedFile{}, false, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	var envelope fileEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return ResolvedFile{}, false, fmt.Errorf("decode file response: %w", err)
	}
	if !envelope.OK || envelope.Result.FilePath == "" {
		detail := envelope.Description
		if detail == "" {
			detail = "file path missing from response"
		}
		return ResolvedFile{}, false, fmt.Errorf("file api refused handle: %s", detail)
	}
	return ResolvedFile{
		URL:       fmt.Sprintf("%s/file/bot%s/%s", r.baseURL, r.token, envelope.Result.FilePath),
		SizeBytes: envelope.Result.FileSize,
	}, false, nil
}

// Ping checks that the file API answers at all. Auth errors still count as
// reachable for health purposes.
func (r *HTTPResolver) Ping(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/bot%s/getMe", r.baseURL, r.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("file api unhealthy: %s", resp.Status)
	}
	return nil
}
