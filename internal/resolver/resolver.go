// Package resolver exchanges opaque upstream handles for time-limited
// download URLs served by the blob host's file API.
package resolver

import (
	"context"
	"errors"
)

// ErrUnavailable is returned once the retry budget for the blob host is
// exhausted or it answered with a non-retryable failure.
var ErrUnavailable = errors.New("upstream resolver unavailable")

// ResolvedFile is the outcome of a successful handle exchange. The URL is
// short-lived and must not be persisted.
type ResolvedFile struct {
	URL       string
	SizeBytes int64
}

// Resolver turns an upstream handle into a fetchable location.
type Resolver interface {
	Resolve(ctx context.Context, handle string) (ResolvedFile, error)
	Ping(ctx context.Context) error
}
