package vault

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestComputeKeyDeterministic(t *testing.T) {
	a := ComputeKey("tenant", "Acme Corp")
	b := ComputeKey("tenant", "  acme corp ")
	if a != b {
		t.Fatalf("normalized business keys should hash equal: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha256 key, got %q", a)
	}
	if ComputeKey("user", "acme corp") == a {
		t.Fatal("entity type must participate in the key")
	}
}

func TestCreateIfAbsentIdempotent(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	k1, err := s.CreateIfAbsent(ctx, "tenant", "acme", "")
	if err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}
	k2, err := s.CreateIfAbsent(ctx, "tenant", "acme", "")
	if err != nil {
		t.Fatalf("CreateIfAbsent retry: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("keys differ: %s vs %s", k1, k2)
	}
	hubs, err := s.ListHubs(ctx, "tenant", "")
	if err != nil {
		t.Fatalf("ListHubs: %v", err)
	}
	if len(hubs) != 1 {
		t.Fatalf("expected exactly one hub row, got %d", len(hubs))
	}
}

func TestUpsertSnapshotVersioning(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := NewInMemory(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	key, err := s.CreateIfAbsent(ctx, "user", "acme/alice", "tenant-1")
	if err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}

	changed, err := s.UpsertSnapshot(ctx, key, Attributes{"name": "Alice", "active": true})
	if err != nil || !changed {
		t.Fatalf("first upsert should write: changed=%v err=%v", changed, err)
	}
	changed, err = s.UpsertSnapshot(ctx, key, Attributes{"active": true, "name": "Alice"})
	if err != nil {
		t.Fatalf("identical upsert: %v", err)
	}
	if changed {
		t.Fatal("identical attributes must not produce a new row")
	}

	now = now.Add(time.Minute)
	changed, err = s.UpsertSnapshot(ctx, key, Attributes{"name": "Alice B", "active": true})
	if err != nil || !changed {
		t.Fatalf("changed upsert should write: changed=%v err=%v", changed, err)
	}

	history, err := s.History(ctx, key)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(history))
	}
	open := 0
	for _, snap := range history {
		if snap.EndedAt == nil {
			open++
		}
	}
	if open != 1 {
		t.Fatalf("expected exactly one open snapshot, got %d", open)
	}
	if history[0].EndedAt == nil || !history[0].RecordedAt.Before(history[1].RecordedAt) {
		t.Fatal("history must be ordered oldest first with the old row closed")
	}

	current, err := s.CurrentSnapshot(ctx, key)
	if err != nil {
		t.Fatalf("CurrentSnapshot: %v", err)
	}
	if current["name"] != "Alice B" {
		t.Fatalf("unexpected current name: %v", current["name"])
	}
}

func TestUpsertSnapshotUnknownEntity(t *testing.T) {
	s := NewInMemory()
	if _, err := s.UpsertSnapshot(context.Background(), "missing", Attributes{"a": 1}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLinkDedupe(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	k1, _ := s.CreateIfAbsent(ctx, "user", "acme/alice", "tenant-1")
	k2, _ := s.CreateIfAbsent(ctx, "role", "acme/operator", "tenant-1")

	l1, err := s.Link(ctx, "role_assignment", "tenant-1", k1, k2)
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	l2, err := s.Link(ctx, "role_assignment", "tenant-1", k1, k2)
	if err != nil {
		t.Fatalf("Link retry: %v", err)
	}
	if l1 != l2 {
		t.Fatalf("duplicate link produced a new key: %s vs %s", l1, l2)
	}

	links, err := s.LinksWith(ctx, "role_assignment", k1)
	if err != nil {
		t.Fatalf("LinksWith: %v", err)
	}
	if len(links) != 1 {
		t.Fatalf("expected one link, got %d", len(links))
	}
	if links[0].TenantKey != "tenant-1" {
		t.Fatalf("link lost its tenant: %+v", links[0])
	}
}

func TestMutateAtomicCounter(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	key, err := s.CreateIfAbsent(ctx, "user_credential", "acme/alice", "tenant-1")
	if err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Mutate(ctx, key, func(current Attributes) (Attributes, error) {
				count := 0.0
				if current != nil {
					count, _ = current["failed_attempts"].(float64)
				}
				return Attributes{"failed_attempts": count + 1}, nil
			})
			if err != nil {
				t.Errorf("Mutate: %v", err)
			}
		}()
	}
	wg.Wait()

	current, err := s.CurrentSnapshot(ctx, key)
	if err != nil {
		t.Fatalf("CurrentSnapshot: %v", err)
	}
	if got := current["failed_attempts"].(float64); got != 10 {
		t.Fatalf("lost increments: expected 10, got %v", got)
	}
}

func TestMutateNilSkipsWrite(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	key, _ := s.CreateIfAbsent(ctx, "session", "sess-1", "tenant-1")
	if _, err := s.UpsertSnapshot(ctx, key, Attributes{"status": "ACTIVE"}); err != nil {
		t.Fatalf("UpsertSnapshot: %v", err)
	}

	changed, err := s.Mutate(ctx, key, func(Attributes) (Attributes, error) { return nil, nil })
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if changed {
		t.Fatal("nil result must not write")
	}
	history, _ := s.History(ctx, key)
	if len(history) != 1 {
		t.Fatalf("expected a single version, got %d", len(history))
	}
}

func TestConcurrentUpsertsKeepSingleOpenRow(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	key, err := s.CreateIfAbsent(ctx, "session", "sess-1", "tenant-1")
	if err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.UpsertSnapshot(ctx, key, Attributes{"last_activity": fmt.Sprintf("t-%d", i)})
			if err != nil {
				t.Errorf("UpsertSnapshot: %v", err)
			}
		}(i)
	}
	wg.Wait()

	history, err := s.History(ctx, key)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	open := 0
	for _, snap := range history {
		if snap.EndedAt == nil {
			open++
		}
	}
	if open != 1 {
		t.Fatalf("expected exactly one open snapshot after racing writers, got %d", open)
	}
}
