package storage

import (
	"context"
	"errors"
	"time"

	"vidrelay/internal/models"
)

// ErrDuplicateID is returned by Put when a record with the same id already
// exists. The stored record is left untouched.
var ErrDuplicateID = errors.New("video id already exists")

// Stats summarises the store contents for the index page and health endpoint.
type Stats struct {
	Videos int   `json:"totalVideos"`
	Views  int64 `json:"totalViews"`
}

// Repository is the persistence contract shared by the memory, redis, and
// postgres backends. Absence of a record (including records past their TTL)
// is reported through the bool return; errors are reserved for backing-store
// failures so callers can distinguish "gone" from "unavailable".
type Repository interface {
	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
	// Put stores a new record. ErrDuplicateID is returned on id collision.
	Put(record models.VideoRecord) error
	// Get returns the record when present and not expired.
	Get(id string) (models.VideoRecord, bool, error)
	// IncrementViews atomically adds one view and returns the new count.
	IncrementViews(id string) (int64, bool, error)
	// ListByOwner returns the owner's records, most recent first, capped at limit.
	ListByOwner(ownerID string, limit int) ([]models.VideoRecord, error)
	// Delete removes the record. A non-empty ownerID restricts the delete to
	// records owned by that caller.
	Delete(id, ownerID string) (bool, error)
	// Sweep removes every record older than ttl and returns how many went.
	Sweep(ttl time.Duration) (int, error)
	// Stats returns record and view totals.
	Stats() (Stats, error)
}

var _ Repository = (*MemoryStore)(nil)
var _ Repository = (*RedisStore)(nil)
var _ Repository = (*PostgresStore)(nil)
