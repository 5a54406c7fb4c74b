package storage

import (
	"context"
	"os"
	"testing"
	"time"
)

// Integration coverage for the Postgres backend. Skipped unless a disposable
// database is provided via VIDRELAY_TEST_POSTGRES_DSN.
func TestPostgresStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("VIDRELAY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VIDRELAY_TEST_POSTGRES_DSN not set")
	}

	store, err := NewPostgresStore(dsn, time.Hour)
	if err != nil {
		t.Fatalf("open postgres store: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(ctx)
	}()

	record := newTestRecord("itest001", "owner-it", time.Now().UTC())
	defer store.Delete(record.ID, "")

	if err := store.Put(record); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := store.Put(record); err != ErrDuplicateID {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
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
