package vault

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. Satellite
// transitions are serialized by a single mutex, which trivially preserves the
// one-open-snapshot invariant.
type InMemory struct {
	mu    sync.RWMutex
	now   func() time.Time
	hubs  map[string]Hub         // entity key -> hub
	sats  map[string][]*Snapshot // entity key -> history, oldest first
	links map[string]Link        // link key -> link
}

// MemoryOption configures InMemory.
type MemoryOption func(*InMemory)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) MemoryOption {
	return func(s *InMemory) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewInMemory creates an empty store.
func NewInMemory(opts ...MemoryOption) *InMemory {
	s := &InMemory{
		now:   time.Now,
		hubs:  make(map[string]Hub),
		sats:  make(map[string][]*Snapshot),
		links: make(map[string]Link),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Store = (*InMemory)(nil)

func (s *InMemory) CreateIfAbsent(ctx context.Context, entityType, businessKey, tenantKey string) (string, error) {
	entityType = strings.TrimSpace(entityType)
	if entityType == "" {
		return "", fmt.Errorf("%w: entity type is required", ErrInvalidInput)
	}
	if strings.TrimSpace(businessKey) == "" {
		return "", fmt.Errorf("%w: business key is required", ErrInvalidInput)
	}
	key := ComputeKey(entityType, businessKey)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hubs[key]; ok {
		return key, nil
	}
	s.hubs[key] = Hub{
		EntityType:  entityType,
		Key:         key,
		BusinessKey: NormalizeBusinessKey(businessKey),
		TenantKey:   tenantKey,
		CreatedAt:   s.now().UTC(),
	}
	return key, nil
}

func (s *InMemory) Hub(ctx context.Context, entityKey string) (Hub, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hub, ok := s.hubs[entityKey]
	if !ok {
		return Hub{}, ErrNotFound
	}
	return hub, nil
}

func (s *InMemory) ListHubs(ctx context.Context, entityType, tenantKey string) ([]Hub, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Hub
	for _, hub := range s.hubs {
		if hub.EntityType != entityType {
			continue
		}
		if tenantKey != "" && hub.TenantKey != tenantKey {
			continue
		}
		res = append(res, hub)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].Key < res[j].Key
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

func (s *InMemory) UpsertSnapshot(ctx context.Context, entityKey string, attrs Attributes) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(entityKey, attrs)
}

func (s *InMemory) Mutate(ctx context.Context, entityKey string, fn func(Attributes) (Attributes, error)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hubs[entityKey]; !ok {
		return false, ErrNotFound
	}
	var current Attributes
	if history := s.sats[entityKey]; len(history) > 0 {
		last := history[len(history)-1]
		if last.EndedAt == nil {
			current = copyAttributes(last.Attributes)
		}
	}
	next, err := fn(current)
	if err != nil {
		return false, err
	}
	if next == nil {
		return false, nil
	}
	return s.writeLocked(entityKey, next)
}

// writeLocked performs the close-and-append transition; the caller holds mu.
func (s *InMemory) writeLocked(entityKey string, attrs Attributes) (bool, error) {
	normalized, err := NormalizeAttributes(attrs)
	if err != nil {
		return false, err
	}
	hash, err := ContentHash(normalized)
	if err != nil {
		return false, err
	}
	if _, ok := s.hubs[entityKey]; !ok {
		return false, ErrNotFound
	}
	history := s.sats[entityKey]
	if n := len(history); n > 0 {
		current := history[n-1]
		if current.EndedAt == nil && current.ContentHash == hash {
			return false, nil
		}
		if current.EndedAt == nil {
			ended := s.now().UTC()
			current.EndedAt = &ended
		}
	}
	s.sats[entityKey] = append(history, &Snapshot{
		EntityKey:   entityKey,
		ContentHash: hash,
		Attributes:  normalized,
		RecordedAt:  s.now().UTC(),
	})
	return true, nil
}

func (s *InMemory) CurrentSnapshot(ctx context.Context, entityKey string) (Attributes, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.sats[entityKey]
	if len(history) == 0 {
		return nil, ErrNotFound
	}
	current := history[len(history)-1]
	if current.EndedAt != nil {
		return nil, ErrNotFound
	}
	return copyAttributes(current.Attributes), nil
}

func (s *InMemory) History(ctx context.Context, entityKey string) ([]Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.sats[entityKey]
	if len(history) == 0 {
		if _, ok := s.hubs[entityKey]; !ok {
			return nil, ErrNotFound
		}
		return nil, nil
	}
	out := make([]Snapshot, 0, len(history))
	for _, snap := range history {
		c := *snap
		c.Attributes = copyAttributes(snap.Attributes)
		if snap.EndedAt != nil {
			ended := *snap.EndedAt
			c.EndedAt = &ended
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *InMemory) Link(ctx context.Context, kind, tenantKey string, entityKeys ...string) (string, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return "", fmt.Errorf("%w: link kind is required", ErrInvalidInput)
	}
	if len(entityKeys) < 2 {
		return "", fmt.Errorf("%w: a link needs at least two participants", ErrInvalidInput)
	}
	key := LinkKey(kind, entityKeys...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.links[key]; ok {
		return key, nil
	}
	keys := make([]string, len(entityKeys))
	copy(keys, entityKeys)
	s.links[key] = Link{
		Key:        key,
		Kind:       kind,
		EntityKeys: keys,
		TenantKey:  tenantKey,
		CreatedAt:  s.now().UTC(),
	}
	return key, nil
}

func (s *InMemory) LinksWith(ctx context.Context, kind, entityKey string) ([]Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Link
	for _, link := range s.links {
		if link.Kind != kind {
			continue
		}
		for _, k := range link.EntityKeys {
			if k == entityKey {
				keys := make([]string, len(link.EntityKeys))
				copy(keys, link.EntityKeys)
				link.EntityKeys = keys
				res = append(res, link)
				break
			}
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].Key < res[j].Key
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

func copyAttributes(attrs Attributes) Attributes {
	out := make(Attributes, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
