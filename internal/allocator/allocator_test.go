package allocator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"autopost-engine/internal/faults"
)

func newTestAllocator(t *testing.T) (*Allocator, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, time.Minute), mr
}

func TestAcquireExclusive(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAllocator(t)

	lease, err := a.Acquire(ctx, "acct-1")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if lease.Token == "" {
		t.Fatalf("lease token must not be empty")
	}

	if _, err := a.Acquire(ctx, "acct-1"); !errors.Is(err, faults.ErrResourceBusy) {
		t.Fatalf("second acquire should be busy, got %v", err)
	}

	// A different account is unaffected.
	if _, err := a.Acquire(ctx, "acct-2"); err != nil {
		t.Fatalf("acquire other account: %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAllocator(t)

	lease, err := a.Acquire(ctx, "acct-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := a.Release(ctx, lease); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := a.Release(ctx, lease); err != nil {
		t.Fatalf("double release should be a no-op: %v", err)
	}

	if _, err := a.Acquire(ctx, "acct-1"); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
}

func TestStaleReleaseDoesNotFreeNewLease(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAllocator(t)

	old, _ := a.Acquire(ctx, "acct-1")
	if err := a.Revoke(ctx, "acct-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	fresh, err := a.Acquire(ctx, "acct-1")
	if err != nil {
		t.Fatalf("reacquire after revoke: %v", err)
	}

	// The revoked holder releasing late must not free the fresh lease.
	if err := a.Release(ctx, old); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	held, err := a.Held(ctx, "acct-1")
	if err != nil || !held {
		t.Fatalf("fresh lease should survive stale release, held=%v err=%v", held, err)
	}
	_ = a.Release(ctx, fresh)
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAllocator(t)

	const contenders = 32
	var won atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := a.Acquire(ctx, "acct-1"); err == nil {
				won.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := won.Load(); got != 1 {
		t.Fatalf("expected exactly one winner, got %d", got)
	}
}
