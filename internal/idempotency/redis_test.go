package idempotency

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, time.Minute), mr
}

func TestRedisStoreReserveCommitReplay(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t)

	status, record, err := store.CheckAndReserve(ctx, "id-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != StatusReserved {
		t.Fatalf("expected StatusReserved, got %v", status)
	}
	if record != nil {
		t.Fatal("expected nil record for a fresh identity")
	}

	committed := testRecord("id-1")
	if err := store.Commit(ctx, "id-1", committed); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		status, record, err = store.CheckAndReserve(ctx, "id-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if status != StatusSettled {
			t.Fatalf("expected StatusSettled, got %v", status)
		}
		if record == nil || record.MintTx != committed.MintTx || record.Payer != committed.Payer {
			t.Fatalf("expected the committed record back, got %+v", record)
		}
	}
}

func TestRedisStoreSecondCommitFails(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t)

	store.CheckAndReserve(ctx, "id-1")
	if err := store.Commit(ctx, "id-1", testRecord("id-1")); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if err := store.Commit(ctx, "id-1", testRecord("id-1")); err != ErrAlreadyCommitted {
		t.Fatalf("expected ErrAlreadyCommitted, got %v", err)
	}
}

func TestRedisStoreConcurrentDuplicateRejected(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t)

	status, _, _ := store.CheckAndReserve(ctx, "id-1")
	if status != StatusReserved {
		t.Fatalf("expected StatusReserved, got %v", status)
	}

	status, _, _ = store.CheckAndReserve(ctx, "id-1")
	if status != StatusInFlight {
		t.Fatalf("expected StatusInFlight while reserved, got %v", status)
	}
}

func TestRedisStoreReleaseAllowsRetry(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t)

	store.CheckAndReserve(ctx, "id-1")
	if err := store.Release(ctx, "id-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	status, _, _ := store.CheckAndReserve(ctx, "id-1")
	if status != StatusReserved {
		t.Fatalf("expected StatusReserved after release, got %v", status)
	}
}

func TestRedisStoreReleaseKeepsCommittedRecord(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t)

	store.CheckAndReserve(ctx, "id-1")
	store.Commit(ctx, "id-1", testRecord("id-1"))
	store.Release(ctx, "id-1")

	status, record, _ := store.CheckAndReserve(ctx, "id-1")
	if status != StatusSettled || record == nil {
		t.Fatal("release must never remove a committed record")
	}
}

func TestRedisStoreReservationExpires(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t)

	store.CheckAndReserve(ctx, "id-1")
	mr.FastForward(2 * time.Minute)

	// A crashed holder's reservation must not block the identity forever.
	status, _, _ := store.CheckAndReserve(ctx, "id-1")
	if status != StatusReserved {
		t.Fatalf("expected StatusReserved after TTL expiry, got %v", status)
	}
}

func TestRedisStoreCheckDuringCommitNeverReserves(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t)

	// A racer checking while the reservation holder commits must observe
	// either the reservation or the committed record; a StatusReserved here
	// would let a second settlement through.
	const trials = 200
	const racers = 4

	for trial := 0; trial < trials; trial++ {
		identity := fmt.Sprintf("id-%d", trial)
		status, _, err := store.CheckAndReserve(ctx, identity)
		if err != nil || status != StatusReserved {
			t.Fatalf("setup reservation failed: status=%v err=%v", status, err)
		}

		start := make(chan struct{})
		results := make([]Status, racers)
		var wg sync.WaitGroup

		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				s, _, err := store.CheckAndReserve(ctx, identity)
				if err != nil {
					t.Errorf("racer error: %v", err)
					return
				}
				results[i] = s
			}(i)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if err := store.Commit(ctx, identity, testRecord(identity)); err != nil {
				t.Errorf("commit failed: %v", err)
			}
		}()

		close(start)
		wg.Wait()

		for i, s := range results {
			if s == StatusReserved {
				t.Fatalf("trial %d: racer %d reserved an identity that was being committed", trial, i)
			}
		}
	}
}
