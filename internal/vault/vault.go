package vault

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("vault: not found")
	ErrInvalidInput = errors.New("vault: invalid input")
	// ErrConflict reports a lost snapshot race. Implementations retry it
	// internally; callers should never observe it.
	ErrConflict = errors.New("vault: snapshot conflict")
)

// Attributes is one versioned attribute group as stored in a satellite row.
// Values are plain JSON types (string, float64, bool, nil) so that the
// content hash is stable across storage backends.
type Attributes map[string]any

// Hub holds an entity's immutable identity.
type Hub struct {
	EntityType  string    `json:"entity_type"`
	Key         string    `json:"key"`
	BusinessKey string    `json:"business_key"`
	TenantKey   string    `json:"tenant_key,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Snapshot is a versioned attribute record and its validity window. The
// current version has a nil EndedAt; at most one such row exists per entity.
type Snapshot struct {
	EntityKey   string     `json:"entity_key"`
	ContentHash string     `json:"content_hash"`
	Attributes  Attributes `json:"attributes"`
	RecordedAt  time.Time  `json:"recorded_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// Link records an immutable relationship between entities.
type Link struct {
	Key        string    `json:"key"`
	Kind       string    `json:"kind"`
	EntityKeys []string  `json:"entity_keys"`
	TenantKey  string    `json:"tenant_key,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is the hash-addressed, append-only storage primitive shared by every
// entity in the identity subsystem.
type Store interface {
	// CreateIfAbsent inserts the hub row if missing and returns the hash key.
	// Idempotent under retries.
	CreateIfAbsent(ctx context.Context, entityType, businessKey, tenantKey string) (string, error)
	Hub(ctx context.Context, entityKey string) (Hub, error)
	ListHubs(ctx context.Context, entityType, tenantKey string) ([]Hub, error)

	// UpsertSnapshot closes the current snapshot and appends a new one when
	// the content hash changed; no-op otherwise. Reports whether a new row
	// was written.
	UpsertSnapshot(ctx context.Context, entityKey string, attrs Attributes) (bool, error)
	CurrentSnapshot(ctx context.Context, entityKey string) (Attributes, error)
	// Mutate applies fn to the current attributes (nil when none exist yet)
	// and writes the result as the new snapshot, all within one transaction
	// boundary so read-modify-write sequences (counters, monotonic
	// timestamps) stay atomic under concurrent callers. fn may return nil to
	// skip the write.
	Mutate(ctx context.Context, entityKey string, fn func(Attributes) (Attributes, error)) (bool, error)
	// History returns the full version history, oldest first.
	History(ctx context.Context, entityKey string) ([]Snapshot, error)

	// Link inserts an immutable association keyed by a deterministic hash of
	// the participant keys; duplicates are no-ops.
	Link(ctx context.Context, kind, tenantKey string, entityKeys ...string) (string, error)
	// LinksWith returns links of the given kind in which entityKey
	// participates.
	LinksWith(ctx context.Context, kind, entityKey string) ([]Link, error)
}
