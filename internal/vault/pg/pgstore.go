package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"identra.org/internal/obs"
	"identra.org/internal/vault"
)

// snapshot races are retried this many times before giving up.
const maxSnapshotRetries = 3

// Store implements vault.Store using PostgreSQL. The "one open snapshot per
// entity" invariant is enforced by locking the hub row inside the transaction
// and backstopped by a partial unique index on (entity_key) where ended_at is
// null.
type Store struct {
	db *sql.DB
}

var _ vault.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing handle (used by tests and cmd wiring).
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) CreateIfAbsent(ctx context.Context, entityType, businessKey, tenantKey string) (string, error) {
	entityType = strings.TrimSpace(entityType)
	if entityType == "" {
		return "", fmt.Errorf("%w: entity type is required", vault.ErrInvalidInput)
	}
	if strings.TrimSpace(businessKey) == "" {
		return "", fmt.Errorf("%w: business key is required", vault.ErrInvalidInput)
	}
	key := vault.ComputeKey(entityType, businessKey)
	_, err := s.db.ExecContext(ctx, `
		insert into entity_hubs(entity_key, entity_type, business_key, tenant_key)
		values ($1,$2,$3,$4) on conflict (entity_key) do nothing
	`, key, entityType, vault.NormalizeBusinessKey(businessKey), tenantKey)
	if err != nil {
		return "", err
	}
	return key, nil
}

func (s *Store) Hub(ctx context.Context, entityKey string) (vault.Hub, error) {
	row := s.db.QueryRowContext(ctx, `
		select entity_key, entity_type, business_key, tenant_key, created_at
		from entity_hubs where entity_key=$1
	`, entityKey)
	var hub vault.Hub
	if err := row.Scan(&hub.Key, &hub.EntityType, &hub.BusinessKey, &hub.TenantKey, &hub.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return vault.Hub{}, vault.ErrNotFound
		}
		return vault.Hub{}, err
	}
	return hub, nil
}

func (s *Store) ListHubs(ctx context.Context, entityType, tenantKey string) ([]vault.Hub, error) {
	rows, err := s.db.QueryContext(ctx, `
		select entity_key, entity_type, business_key, tenant_key, created_at
		from entity_hubs
		where entity_type=$1 and ($2 = '' or tenant_key=$2)
		order by created_at asc, entity_key asc
	`, entityType, tenantKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []vault.Hub
	for rows.Next() {
		var hub vault.Hub
		if err := rows.Scan(&hub.Key, &hub.EntityType, &hub.BusinessKey, &hub.TenantKey, &hub.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, hub)
	}
	return res, rows.Err()
}

func (s *Store) UpsertSnapshot(ctx context.Context, entityKey string, attrs vault.Attributes) (bool, error) {
	return s.Mutate(ctx, entityKey, func(vault.Attributes) (vault.Attributes, error) {
		return attrs, nil
	})
}

func (s *Store) Mutate(ctx context.Context, entityKey string, fn func(vault.Attributes) (vault.Attributes, error)) (bool, error) {
	var lastErr error
	for attempt := 0; attempt < maxSnapshotRetries; attempt++ {
		changed, err := s.mutateOnce(ctx, entityKey, fn)
		if err == nil {
			return changed, nil
		}
		if !isSnapshotConflict(err) {
			return false, err
		}
		obs.CountSnapshotConflict()
		lastErr = err
	}
	return false, fmt.Errorf("%w: %v", vault.ErrConflict, lastErr)
}

func (s *Store) mutateOnce(ctx context.Context, entityKey string, fn func(vault.Attributes) (vault.Attributes, error)) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	// Serialize writers per entity on the hub row.
	var dummy int
	if err := tx.QueryRowContext(ctx,
		`select 1 from entity_hubs where entity_key=$1 for update`, entityKey,
	).Scan(&dummy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, vault.ErrNotFound
		}
		return false, err
	}

	var (
		current     vault.Attributes
		currentHash string
		hasCurrent  bool
		payload     []byte
	)
	err = tx.QueryRowContext(ctx, `
		select content_hash, attributes from entity_snapshots
		where entity_key=$1 and ended_at is null
	`, entityKey).Scan(&currentHash, &payload)
	switch {
	case err == nil:
		hasCurrent = true
		if err := json.Unmarshal(payload, &current); err != nil {
			return false, err
		}
	case errors.Is(err, sql.ErrNoRows):
		// first version
	default:
		return false, err
	}

	next, err := fn(current)
	if err != nil {
		return false, err
	}
	if next == nil {
		return false, nil
	}
	normalized, err := vault.NormalizeAttributes(next)
	if err != nil {
		return false, err
	}
	hash, err := vault.ContentHash(normalized)
	if err != nil {
		return false, err
	}
	if hasCurrent && hash == currentHash {
		return false, nil
	}
	nextPayload, err := json.Marshal(normalized)
	if err != nil {
		return false, err
	}

	if hasCurrent {
		if _, err := tx.ExecContext(ctx, `
			update entity_snapshots set ended_at = now()
			where entity_key=$1 and ended_at is null
		`, entityKey); err != nil {
			return false, err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		insert into entity_snapshots(entity_key, content_hash, attributes)
		values ($1,$2,$3)
	`, entityKey, hash, nextPayload); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) CurrentSnapshot(ctx context.Context, entityKey string) (vault.Attributes, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		select attributes from entity_snapshots
		where entity_key=$1 and ended_at is null
	`, entityKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vault.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var attrs vault.Attributes
	if err := json.Unmarshal(payload, &attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}

func (s *Store) History(ctx context.Context, entityKey string) ([]vault.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		select entity_key, content_hash, attributes, recorded_at, ended_at
		from entity_snapshots
		where entity_key=$1
		order by recorded_at asc
	`, entityKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []vault.Snapshot
	for rows.Next() {
		var (
			snap    vault.Snapshot
			payload []byte
			ended   sql.NullTime
		)
		if err := rows.Scan(&snap.EntityKey, &snap.ContentHash, &payload, &snap.RecordedAt, &ended); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &snap.Attributes); err != nil {
			return nil, err
		}
		if ended.Valid {
			t := ended.Time
			snap.EndedAt = &t
		}
		res = append(res, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(res) == 0 {
		if _, err := s.Hub(ctx, entityKey); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (s *Store) Link(ctx context.Context, kind, tenantKey string, entityKeys ...string) (string, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return "", fmt.Errorf("%w: link kind is required", vault.ErrInvalidInput)
	}
	if len(entityKeys) < 2 {
		return "", fmt.Errorf("%w: a link needs at least two participants", vault.ErrInvalidInput)
	}
	key := vault.LinkKey(kind, entityKeys...)
	participants, err := json.Marshal(entityKeys)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into entity_links(link_key, kind, entity_keys, tenant_key)
		values ($1,$2,$3,$4) on conflict (link_key) do nothing
	`, key, kind, participants, tenantKey)
	if err != nil {
		return "", err
	}
	return key, nil
}

func (s *Store) LinksWith(ctx context.Context, kind, entityKey string) ([]vault.Link, error) {
	rows, err := s.db.QueryContext(ctx, `
		select link_key, kind, entity_keys, tenant_key, created_at
		from entity_links
		where kind=$1 and entity_keys @> to_jsonb($2::text)
		order by created_at asc, link_key asc
	`, kind, entityKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []vault.Link
	for rows.Next() {
		var (
			link         vault.Link
			participants []byte
		)
		if err := rows.Scan(&link.Key, &link.Kind, &participants, &link.TenantKey, &link.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(participants, &link.EntityKeys); err != nil {
			return nil, err
		}
		res = append(res, link)
	}
	return res, rows.Err()
}

// isSnapshotConflict reports whether the error is a lost race on the open-row
// index or a serialization failure, both of which are safe to retry.
func isSnapshotConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" || pgErr.Code == "40001"
	}
	return false
}
