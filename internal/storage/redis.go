package storage

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"vidrelay/internal/models"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisConfig configures the Redis-backed video store.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	MasterName   string
	KeyPrefix    string
	TTL          time.Duration
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	Logger       *slog.Logger
	TLS          RedisTLSConfig
}

// RedisStore keeps each record in a Redis hash with a native key TTL, plus a
// per-owner sorted-set index scored by creation time. Expired keys vanish on
// their own; Sweep prunes the indexes and acts as a backstop for keys that
// outlived a shortened retention window.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisStore connects to Redis using the provided configuration. The
// caller is responsible for ensuring the Redis instance is reachable.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "vidrelay"
	}
	tlsConfig, err := buildRedisTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	store := &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
		logger: cfg.Logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if store.logger == nil {
		store.logger = slog.Default()
	}
	return store, nil
}

// Close releases the Redis client resources.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) videoKey(id string) string {
	return fmt.Sprintf("%s:video:%s", s.prefix, id)
}

func (s *RedisStore) ownerKey(ownerID string) string {
	return fmt.Sprintf("%s:owner:%s", s.prefix, ownerID)
}

func (s *RedisStore) ownersKey() string {
	return fmt.Sprintf("%s:owners", s.prefix)
}

func (s *RedisStore) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// createScript performs the duplicate guard, the full hash write, the key
// expiry, and the owner index updates in one atomic call. A failure part way
// through can therefore never leave a bare guard key that blocks the id while
// being invisible to Get and Sweep.
var createScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV, 5))
if tonumber(ARGV[2]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if ARGV[3] ~= "" then
  redis.call("ZADD", KEYS[2], ARGV[4], ARGV[1])
  redis.call("SADD", KEYS[3], ARGV[3])
end
return 1
`)

func (s *RedisStore) Put(record models.VideoRecord) error {
	ctx, cancel := s.opCtx()
	defer cancel()

	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}
	keys := []string{s.videoKey(record.ID), s.ownerKey(record.OwnerID), s.ownersKey()}
	args := []interface{}{
		record.ID,
		s.ttl.Milliseconds(),
		record.OwnerID,
		record.CreatedAt.UnixNano(),
		"id", record.ID,
		"handle", record.UpstreamHandle,
		"name", record.DisplayName,
		"size", record.SizeBytes,
		"mime", record.MimeType,
		"owner", record.OwnerID,
		"views", record.ViewCount,
		"created_at", record.CreatedAt.UnixNano(),
	}
	created, err := createScript.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	if created == 0 {
		return ErrDuplicateID
	}
	return nil
}

func (s *RedisStore) Get(id string) (models.VideoRecord, bool, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	fields, err := s.client.HGetAll(ctx, s.videoKey(id)).Result()
	if err != nil {
		return models.VideoRecord{}, false, fmt.Errorf("redis get: %w", err)
	}
	if len(fields) == 0 {
		return models.VideoRecord{}, false, nil
	}
	record := recordFromFields(id, fields)
	if s.ttl > 0 && s.now().Sub(record.CreatedAt) > s.ttl {
		return models.VideoRecord{}, false, nil
	}
	return record, true, nil
}

// incrementScript adds a view only when the record key still exists, so a
// freshly expired key is never resurrected as a stray hash.
var incrementScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
return redis.call("HINCRBY", KEYS[1], "views", 1)
`)

func (s *RedisStore) IncrementViews(id string) (int64, bool, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	result, err := incrementScript.Run(ctx, s.client, []string{s.videoKey(id)}).Int64()
	if err != nil {
		return 0, false, fmt.Errorf("redis increment views: %w", err)
	}
	if result < 0 {
		return 0, false, nil
	}
	return result, true, nil
}

func (s *RedisStore) ListByOwner(ownerID string, limit int) ([]models.VideoRecord, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	if ownerID == "" {
		return nil, nil
	}
	ids, err := s.client.ZRevRange(ctx, s.ownerKey(ownerID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list by owner: %w", err)
	}
	records := make([]models.VideoRecord, 0, len(ids))
	for _, id := range ids {
		if limit > 0 && len(records) >= limit {
			break
		}
		record, ok, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Key expired under the index entry; drop the orphan.
			if err := s.client.ZRem(ctx, s.ownerKey(ownerID), id).Err(); err != nil {
				s.logger.Warn("redis index prune failed", "id", id, "error", err)
			}
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *RedisStore) Delete(id, ownerID string) (bool, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	record, ok, err := s.Get(id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if ownerID != "" && record.OwnerID != ownerID {
		return false, nil
	}
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.videoKey(id))
	if record.OwnerID != "" {
		pipe.ZRem(ctx, s.ownerKey(record.OwnerID), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis delete: %w", err)
	}
	return del.Val() > 0, nil
}

func (s *RedisStore) Sweep(ttl time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if ttl <= 0 {
		ttl = s.ttl
	}
	if ttl <= 0 {
		return 0, nil
	}
	cutoff := strconv.FormatInt(s.now().Add(-ttl).UnixNano(), 10)
	owners, err := s.client.SMembers(ctx, s.ownersKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis sweep: %w", err)
	}
	removed := 0
	for _, owner := range owners {
		indexKey := s.ownerKey(owner)
		stale, err := s.client.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
		if err != nil {
			return removed, fmt.Errorf("redis sweep: %w", err)
		}
		for _, id := range stale {
			deleted, err := s.client.Del(ctx, s.videoKey(id)).Result()
			if err != nil {
				return removed, fmt.Errorf("redis sweep: %w", err)
			}
			removed += int(deleted)
		}
		if len(stale) > 0 {
			if err := s.client.ZRemRangeByScore(ctx, indexKey, "-inf", cutoff).Err(); err != nil {
				return removed, fmt.Errorf("redis sweep: %w", err)
			}
		}
	}
	return removed, nil
}

func (s *RedisStore) Stats() (Stats, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stats := Stats{}
	pattern := fmt.Sprintf("%s:video:*", s.prefix)
	iter := s.client.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		views, err := s.client.HGet(ctx, iter.Val(), "views").Int64()
		if err != nil && err != redis.Nil {
			return Stats{}, fmt.Errorf("redis stats: %w", err)
		}
		stats.Videos++
		stats.Views += views
	}
	if err := iter.Err(); err != nil {
		return Stats{}, fmt.Errorf("redis stats: %w", err)
	}
	return stats, nil
}

func recordFromFields(id string, fields map[string]string) models.VideoRecord {
	record := models.VideoRecord{
		ID:             id,
		UpstreamHandle: fields["handle"],
		DisplayName:    fields["name"],
		MimeType:       fields["mime"],
		OwnerID:        fields["owner"],
	}
	if size, err := strconv.ParseInt(fields["size"], 10, 64); err == nil {
		record.SizeBytes = size
	}
	if views, err := strconv.ParseInt(fields["views"], 10, 64); err == nil {
		record.ViewCount = views
	}
	if createdAt, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		record.CreatedAt = time.Unix(0, createdAt).UTC()
	}
	return record
}

func buildRedisTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		caPath := filepath.Clean(cfg.CAFile)
		pemData, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
