package storage

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"vidrelay/internal/models"
)

const shardCount = 32

type memoryShard struct {
	mu      sync.RWMutex
	records map[string]models.VideoRecord
}

// MemoryStore keeps records in a sharded in-process map. Sharding by id keeps
// view-count writes from serialising reads on a single lock under streaming
// load. Expiry is lazy: reads treat records past the TTL as absent, and Sweep
// reclaims the memory.
type MemoryStore struct {
	ttl    time.Duration
	shards [shardCount]*memoryShard
	now    func() time.Time
}

// NewMemoryStore creates an empty store. Records older than ttl behave as
// absent; a non-positive ttl disables expiry.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	store := &MemoryStore{ttl: ttl, now: func() time.Time { return time.Now().UTC() }}
	for i := range store.shards {
		store.shards[i] = &memoryShard{records: make(map[string]models.VideoRecord)}
	}
	return store
}

func (s *MemoryStore) shardFor(id string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return s.shards[h.Sum32()%shardCount]
}

func (s *MemoryStore) expired(record models.VideoRecord, now time.Time) bool {
	if s.ttl <= 0 {
		return false
	}
	return now.Sub(record.CreatedAt) > s.ttl
}

// Ping always succeeds for the in-process store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Put(record models.VideoRecord) error {
	shard := s.shardFor(record.ID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if existing, ok := shard.records[record.ID]; ok {
		// An expired record under the same id is reclaimable, not a conflict.
		if !s.expired(existing, s.now()) {
			return ErrDuplicateID
		}
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}
	shard.records[record.ID] = record
	return nil
}

func (s *MemoryStore) Get(id string) (models.VideoRecord, bool, error) {
	shard := s.shardFor(id)
	shard.mu.RLock()
	record, ok := shard.records[id]
	shard.mu.RUnlock()
	if !ok || s.expired(record, s.now()) {
		return models.VideoRecord{}, false, nil
	}
	return record, true, nil
}

func (s *MemoryStore) IncrementViews(id string) (int64, bool, error) {
	shard := s.shardFor(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	record, ok := shard.records[id]
	if !ok || s.expired(record, s.now()) {
		return 0, false, nil
	}
	record.ViewCount++
	shard.records[id] = record
	return record.ViewCount, true, nil
}

func (s *MemoryStore) ListByOwner(ownerID string, limit int) ([]models.VideoRecord, error) {
	now := s.now()
	matched := make([]models.VideoRecord, 0)
	for _, shard := range s.shards {
		shard.mu.RLock()
		for _, record := range shard.records {
			if record.OwnerID != ownerID || s.expired(record, now) {
				continue
			}
			matched = append(matched, record)
		}
		shard.mu.RUnlock()
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *MemoryStore) Delete(id, ownerID string) (bool, error) {
	shard := s.shardFor(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	record, ok := shard.records[id]
	if !ok || s.expired(record, s.now()) {
		return false, nil
	}
	if ownerID != "" && record.OwnerID != ownerID {
		return false, nil
	}
	delete(shard.records, id)
	return true, nil
}

func (s *MemoryStore) Sweep(ttl time.Duration) (int, error) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	if ttl <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-ttl)
	removed := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		for id, record := range shard.records {
			if record.CreatedAt.After(cutoff) {
				continue
			}
			delete(shard.records, id)
			removed++
		}
		shard.mu.Unlock()
	}
	return removed, nil
}

func (s *MemoryStore) Stats() (Stats, error) {
	now := s.now()
	stats := Stats{}
	for _, shard := range s.shards {
		shard.mu.RLock()
		for _, record := range shard.records {
			if s.expired(record, now) {
				continue
			}
			stats.Videos++
			stats.Views += record.ViewCount
		}
		shard.mu.RUnlock()
	}
	return stats, nil
}
