package storage

import (
	"context"
	"os"
	"testing"
	"time"
)

// Integration coverage for the Redis backend. Skipped unless a disposable
// instance is provided via VIDRELAY_TEST_REDIS_ADDR.
func TestRedisStoreRoundTrip(t *testing.T) {
	addr := os.Getenv("VIDRELAY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("VIDRELAY_TEST_REDIS_ADDR not set")
	}

	store, err := NewRedisStore(RedisConfig{
		Addr:      addr,
		KeyPrefix: "vidrelay-test",
		TTL:       time.Hour,
	})
	if err != nil {
		t.Fatalf("open redis store: %v", err)
	}
	defer store.Close()

	record := newTestRecord("itest002", "owner-it", time.Now().UTC())
	defer store.Delete(record.ID, "")

	if err := store.Put(record); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := store.Put(record); err != ErrDuplicateID {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}

	// Creation is a single script call, so the key expiry and the owner index
	// must be in place the moment the record is visible.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ttl, err := store.client.TTL(ctx, store.videoKey(record.ID)).Result()
	if err != nil {
		t.Fatalf("ttl lookup failed: %v", err)
	}
	if ttl <= 0 {
		t.Fatalf("expected record key to carry a native TTL, got %s", ttl)
	}
	if _, err := store.client.ZScore(ctx, store.ownerKey(record.OwnerID), record.ID).Result(); err != nil {
		t.Fatalf("expected owner index entry for %s: %v", record.ID, err)
	}

	got, ok, err := store.Get(record.ID)
	if err != nil || !ok {
		t.Fatalf("get failed: ok=%v err=%v", ok, err)
	}
	if got.UpstreamHandle != record.UpstreamHandle || got.OwnerID != record.OwnerID {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	views, ok, err := store.IncrementViews(record.ID)
	if err != nil || !ok {
		t.Fatalf("increment failed: ok=%v err=%v", ok, err)
	}
	if views != 1 {
		t.Fatalf("expected 1 view, got %d", views)
	}

	records, err := store.ListByOwner("owner-it", 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != record.ID {
		t.Fatalf("unexpected owner listing: %+v", records)
	}

	removed, err := store.Delete(record.ID, "owner-it")
	if err != nil || !removed {
		t.Fatalf("delete failed: removed=%v err=%v", removed, err)
	}
}
