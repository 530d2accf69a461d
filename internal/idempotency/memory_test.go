package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"
)

func testRecord(identity string) *Record {
	return &Record{
		Identity:  identity,
		Payer:     "0x2222222222222222222222222222222222222222",
		MintTx:    "0xmint",
		Amount:    "1000000000000000000",
		Network:   "base-sepolia",
		Timestamp: time.Now().UTC(),
	}
}

func TestMemoryStoreReserveCommitReplay(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

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

	// Replays observe the committed record, stably.
	for i := 0; i < 3; i++ {
		status, record, err = store.CheckAndReserve(ctx, "id-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if status != StatusSettled {
			t.Fatalf("expected StatusSettled, got %v", status)
		}
		if record != committed {
			t.Fatal("expected the committed record to be returned")
		}
	}
}

func TestMemoryStoreSecondCommitFails(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	store.CheckAndReserve(ctx, "id-1")
	if err := store.Commit(ctx, "id-1", testRecord("id-1")); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if err := store.Commit(ctx, "id-1", testRecord("id-1")); err != ErrAlreadyCommitted {
		t.Fatalf("expected ErrAlreadyCommitted, got %v", err)
	}
}

func TestMemoryStoreConcurrentDuplicateRejected(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	status, _, _ := store.CheckAndReserve(ctx, "id-1")
	if status != StatusReserved {
		t.Fatalf("expected StatusReserved, got %v", status)
	}

	status, _, _ = store.CheckAndReserve(ctx, "id-1")
	if status != StatusInFlight {
		t.Fatalf("expected StatusInFlight while reserved, got %v", status)
	}
}

func TestMemoryStoreReleaseAllowsRetry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	store.CheckAndReserve(ctx, "id-1")
	if err := store.Release(ctx, "id-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	status, _, _ := store.CheckAndReserve(ctx, "id-1")
	if status != StatusReserved {
		t.Fatalf("expected StatusReserved after release, got %v", status)
	}
}

func TestMemoryStoreReleaseKeepsCommittedRecord(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	store.CheckAndReserve(ctx, "id-1")
	store.Commit(ctx, "id-1", testRecord("id-1"))
	store.Release(ctx, "id-1")

	status, record, _ := store.CheckAndReserve(ctx, "id-1")
	if status != StatusSettled || record == nil {
		t.Fatal("release must never remove a committed record")
	}
}

func TestMemoryStoreDistinctIdentitiesIndependent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	store.CheckAndReserve(ctx, "id-1")

	status, _, _ := store.CheckAndReserve(ctx, "id-2")
	if status != StatusReserved {
		t.Fatalf("reservation of id-1 must not block id-2, got %v", status)
	}
}

func TestMemoryStoreConcurrentReserveExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	const n = 64
	var wg sync.WaitGroup
	var mu sync.Mutex
	reserved := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, _, err := store.CheckAndReserve(ctx, "id-1")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if status == StatusReserved {
				mu.Lock()
				reserved++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if reserved != 1 {
		t.Fatalf("expected exactly one reservation winner, got %d", reserved)
	}
}
