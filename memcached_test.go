package sqlsession

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemcachedStore(t *testing.T) {
	// Memcached is often not available in CI/local envs by default.
	// We'll try to write and skip if it fails.
	server := "127.0.0.1:11211"
	store := NewMemcachedStore(time.Minute, server)

	ctx := context.Background()
	key := uuid.NewString()
	want := []byte(`{"color":"blue"}`)

	if err := store.Upsert(ctx, key, want); err != nil {
		t.Skipf("Skipping Memcached test: %v (is memcached running on %s?)", err, server)
	}

	payload, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(payload) != string(want) {
		t.Errorf("payload = %s, want %s", payload, want)
	}

	// Missing key is nil, not an error.
	payload, err = store.Get(ctx, uuid.NewString())
	if err != nil {
		t.Fatalf("Get of missing key failed: %v", err)
	}
	if payload != nil {
		t.Errorf("expected nil for missing key, got %s", payload)
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	payload, err = store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get after delete failed: %v", err)
	}
	if payload != nil {
		t.Error("expected entry to be deleted")
	}

	// Deleting a missing entry is not an error.
	if err := store.Delete(ctx, key); err != nil {
		t.Errorf("Delete of missing entry failed: %v", err)
	}

	// Expiry is TTL-driven; the bounded cleanup pass has nothing to do.
	n, err := store.DeleteOlderThan(ctx, time.Now(), 100)
	if err != nil || n != 0 {
		t.Errorf("DeleteOlderThan = (%d, %v), want (0, nil)", n, err)
	}
}

func TestMemcachedExpiration(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Short TTLs are delta seconds.
	if got := memcachedExpiration(now, time.Minute); got != 60 {
		t.Errorf("expiration = %d, want 60", got)
	}

	// TTLs beyond 30 days must be absolute Unix timestamps.
	long := 40 * 24 * time.Hour
	if got := memcachedExpiration(now, long); got != int32(now.Add(long).Unix()) {
		t.Errorf("expiration = %d, want absolute timestamp %d", got, now.Add(long).Unix())
	}

	if got := memcachedExpiration(now, -time.Minute); got != 0 {
		t.Errorf("expiration = %d, want 0 for negative ttl", got)
	}
}
