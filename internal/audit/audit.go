package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"identra.org/internal/ids"
	"identra.org/internal/obs"
	"identra.org/internal/vault"
)

const entityAuditEvent = "audit_event"

// Event is one immutable audit trail entry.
type Event struct {
	Operation    string         `json:"operation"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Actor        string         `json:"actor"`
	Before       map[string]any `json:"before,omitempty"`
	After        map[string]any `json:"after,omitempty"`
	TenantKey    string         `json:"tenant_key,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

// Recorder accepts audit events. Implementations are best-effort: recording
// never fails the triggering operation.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// Trail persists events as append-only entities in the vault and mirrors each
// one as a structured log line. Write failures are counted for operational
// health monitoring instead of being returned.
type Trail struct {
	store vault.Store
	now   func() time.Time
}

// NewTrail creates a Trail over the shared entity store.
func NewTrail(store vault.Store) *Trail {
	return &Trail{store: store, now: time.Now}
}

var _ Recorder = (*Trail)(nil)

func (t *Trail) Record(ctx context.Context, ev Event) {
	if strings.TrimSpace(ev.Operation) == "" {
		obs.CountAuditWriteFailure()
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = t.now().UTC()
	}
	logLine(ev)

	key, err := t.store.CreateIfAbsent(ctx, entityAuditEvent, ids.New(), ev.TenantKey)
	if err != nil {
		obs.CountAuditWriteFailure()
		return
	}
	attrs, err := eventAttributes(ev)
	if err != nil {
		obs.CountAuditWriteFailure()
		return
	}
	if _, err := t.store.UpsertSnapshot(ctx, key, attrs); err != nil {
		obs.CountAuditWriteFailure()
	}
}

func eventAttributes(ev Event) (vault.Attributes, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var attrs vault.Attributes
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}

func logLine(ev Event) {
	entry := map[string]any{
		"ts":            ev.OccurredAt.Format(time.RFC3339Nano),
		"type":          "audit",
		"operation":     ev.Operation,
		"resource_type": ev.ResourceType,
		"resource_id":   ev.ResourceID,
	}
	if ev.Actor != "" {
		entry["actor"] = ev.Actor
	}
	if ev.TenantKey != "" {
		entry["tenant_key"] = ev.TenantKey
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	obs.Logger().Println(string(data))
}
