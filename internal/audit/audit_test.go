package audit

import (
	"context"
	"errors"
	"testing"

	"identra.org/internal/vault"
)

func TestRecordPersistsEvent(t *testing.T) {
	store := vault.NewInMemory()
	trail := NewTrail(store)
	ctx := context.Background()

	trail.Record(ctx, Event{
		Operation:    "session.issue",
		ResourceType: "session",
		ResourceID:   "sess-1",
		Actor:        "user-key",
		TenantKey:    "tenant-key",
	})

	hubs, err := store.ListHubs(ctx, "audit_event", "tenant-key")
	if err != nil {
		t.Fatalf("ListHubs: %v", err)
	}
	if len(hubs) != 1 {
		t.Fatalf("expected one audit event, got %d", len(hubs))
	}
	attrs, err := store.CurrentSnapshot(ctx, hubs[0].Key)
	if err != nil {
		t.Fatalf("CurrentSnapshot: %v", err)
	}
	if attrs["operation"] != "session.issue" {
		t.Fatalf("unexpected operation: %v", attrs["operation"])
	}
	if attrs["resource_id"] != "sess-1" {
		t.Fatalf("unexpected resource id: %v", attrs["resource_id"])
	}
}

type failingStore struct {
	vault.Store
}

func (f failingStore) CreateIfAbsent(ctx context.Context, entityType, businessKey, tenantKey string) (string, error) {
	return "", errors.New("disk full")
}

func TestRecordFailureDoesNotPropagate(t *testing.T) {
	trail := NewTrail(failingStore{vault.NewInMemory()})

	// Must not panic or surface the error; the failure is counted instead.
	trail.Record(context.Background(), Event{
		Operation:    "session.issue",
		ResourceType: "session",
		ResourceID:   "sess-1",
	})
}
