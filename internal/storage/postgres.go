package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vidrelay/internal/models"
)

// PostgresStore persists records to a Postgres table, allowing multiple
// relay replicas to share the catalogue. Expiry stays lazy: queries filter on
// created_at against the configured TTL, and Sweep deletes what the filter
// hides.
type PostgresStore struct {
	pool *pgxpool.Pool
	ttl  time.Duration
	now  func() time.Time
}

// PostgresOption customises pool behaviour.
type PostgresOption func(*pgxpool.Config)

// WithPoolLimits bounds the connection pool size.
func WithPoolLimits(maxConns, minConns int32) PostgresOption {
	return func(cfg *pgxpool.Config) {
		if maxConns > 0 {
			cfg.MaxConns = maxConns
		}
		if minConns > 0 {
			cfg.MinConns = minConns
		}
	}
}

// WithApplicationName sets the application_name reported to Postgres.
func WithApplicationName(name string) PostgresOption {
	return func(cfg *pgxpool.Config) {
		if name != "" {
			cfg.ConnConfig.RuntimeParams["application_name"] = name
		}
	}
}

const videosSchema = `
CREATE TABLE IF NOT EXISTS videos (
    id              TEXT PRIMARY KEY,
    upstream_handle TEXT NOT NULL,
    display_name    TEXT NOT NULL,
    size_bytes      BIGINT NOT NULL DEFAULT 0,
    mime_type       TEXT NOT NULL DEFAULT '',
    owner_id        TEXT NOT NULL DEFAULT '',
    views           BIGINT NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS videos_owner_created_idx ON videos (owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS videos_created_idx ON videos (created_at);
`

// NewPostgresStore opens a pooled connection and ensures the schema exists.
// Records older than ttl behave as absent; a non-positive ttl disables expiry.
func NewPostgresStore(dsn string, ttl time.Duration, opts ...PostgresOption) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	for _, opt := range opts {
		opt(cfg)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	store := &PostgresStore{pool: pool, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}
	if err := store.migrate(); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.pool.Exec(ctx, videosSchema); err != nil {
		return fmt.Errorf("migrate videos schema: %w", err)
	}
	return nil
}

// Close releases the Postgres connection pool resources.
func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// cutoff returns the oldest creation time still considered live, or the zero
// time when expiry is disabled.
func (s *PostgresStore) cutoff() time.Time {
	if s.ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(-s.ttl)
}

func (s *PostgresStore) Put(record models.VideoRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}
	tag, err := s.pool.Exec(context.Background(), `
INSERT INTO videos (id, upstream_handle, display_name, size_bytes, mime_type, owner_id, views, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING
`, record.ID, record.UpstreamHandle, record.DisplayName, record.SizeBytes, record.MimeType, record.OwnerID, record.ViewCount, record.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("postgres put: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateID
	}
	return nil
}

func (s *PostgresStore) Get(id string) (models.VideoRecord, bool, error) {
	row := s.pool.QueryRow(context.Background(), `
SELECT id, upstream_handle, display_name, size_bytes, mime_type, owner_id, views, created_at
FROM videos
WHERE id = $1 AND ($2::timestamptz IS NULL OR created_at > $2)
`, id, nullableTime(s.cutoff()))
	record, err := scanVideo(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.VideoRecord{}, false, nil
		}
		return models.VideoRecord{}, false, fmt.Errorf("postgres get: %w", err)
	}
	return record, true, nil
}

func (s *PostgresStore) IncrementViews(id string) (int64, bool, error) {
	row := s.pool.QueryRow(context.Background(), `
UPDATE videos
SET views = views + 1
WHERE id = $1 AND ($2::timestamptz IS NULL OR created_at > $2)
RETURNING views
`, id, nullableTime(s.cutoff()))
	var views int64
	if err := row.Scan(&views); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("postgres increment views: %w", err)
	}
	return views, true, nil
}

func (s *PostgresStore) ListByOwner(ownerID string, limit int) ([]models.VideoRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(context.Background(), `
SELECT id, upstream_handle, display_name, size_bytes, mime_type, owner_id, views, created_at
FROM videos
WHERE owner_id = $1 AND ($2::timestamptz IS NULL OR created_at > $2)
ORDER BY created_at DESC
LIMIT $3
`, ownerID, nullableTime(s.cutoff()), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres list by owner: %w", err)
	}
	defer rows.Close()

	records := make([]models.VideoRecord, 0, limit)
	for rows.Next() {
		record, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres list by owner: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres list by owner: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) Delete(id, ownerID string) (bool, error) {
	tag, err := s.pool.Exec(context.Background(), `
DELETE FROM videos
WHERE id = $1
  AND ($2::timestamptz IS NULL OR created_at > $2)
  AND ($3 = '' OR owner_id = $3)
`, id, nullableTime(s.cutoff()), ownerID)
	if err != nil {
		return false, fmt.Errorf("postgres delete: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) Sweep(ttl time.Duration) (int, error) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	if ttl <= 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(context.Background(), `
DELETE FROM videos WHERE created_at <= $1
`, s.now().Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("postgres sweep: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Stats() (Stats, error) {
	row := s.pool.QueryRow(context.Background(), `
SELECT COUNT(*), COALESCE(SUM(views), 0)
FROM videos
WHERE $1::timestamptz IS NULL OR created_at > $1
`, nullableTime(s.cutoff()))
	var stats Stats
	if err := row.Scan(&stats.Videos, &stats.Views); err != nil {
		return Stats{}, fmt.Errorf("postgres stats: %w", err)
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVideo(row rowScanner) (models.VideoRecord, error) {
	var record models.VideoRecord
	err := row.Scan(
		&record.ID,
		&record.UpstreamHandle,
		&record.DisplayName,
		&record.SizeBytes,
		&record.MimeType,
		&record.OwnerID,
		&record.ViewCount,
		&record.CreatedAt,
	)
	if err != nil {
		return models.VideoRecord{}, err
	}
	record.CreatedAt = record.CreatedAt.UTC()
	return record, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
