package redislock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestLocker(t *testing.T) *Locker {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client, err := NewClient(context.Background(), addr, "", 0)
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return New(client)
}

func TestLocker_TryLock(t *testing.T) {
	l := newTestLocker(t)
	ctx := context.Background()
	key := "test:lock:" + uuid.NewString()

	unlock, ok, err := l.TryLock(ctx, key, time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected lock, got ok=%v err=%v", ok, err)
	}

	if _, ok, err := l.TryLock(ctx, key, time.Minute); err != nil || ok {
		t.Fatalf("expected second TryLock to fail, got ok=%v err=%v", ok, err)
	}

	if err := unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := unlock(ctx); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld on double unlock, got %v", err)
	}

	unlock, ok, err = l.TryLock(ctx, key, time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected lock after release, got ok=%v err=%v", ok, err)
	}
	_ = unlock(ctx)
}

func TestLocker_ExpiredLeaseIsNotReleasedByOldHolder(t *testing.T) {
	l := newTestLocker(t)
	ctx := context.Background()
	key := "test:lock:" + uuid.NewString()

	oldUnlock, ok, err := l.TryLock(ctx, key, 50*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("expected lock, got ok=%v err=%v", ok, err)
	}
	time.Sleep(100 * time.Millisecond)

	newUnlock, ok, err := l.TryLock(ctx, key, time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected lock after expiry, got ok=%v err=%v", ok, err)
	}
	if err := oldUnlock(ctx); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld for stale holder, got %v", err)
	}
	if err := newUnlock(ctx); err != nil {
		t.Fatalf("expected current holder to release, got %v", err)
	}
}
