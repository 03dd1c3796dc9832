// Package postgres implements the action store on PostgreSQL for relay deployments.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/offqueue/internal/domain/action"
	"github.com/coachpo/offqueue/internal/domain/actionstore"
)

const component = "postgres store"

// ActionStore persists queued actions in the pending_actions table.
type ActionStore struct {
	pool *pgxpool.Pool
}

// NewActionStore constructs an ActionStore backed by the provided pool. The store
// takes ownership of the pool and closes it on Close.
func NewActionStore(pool *pgxpool.Pool) *ActionStore {
	return &ActionStore{pool: pool}
}

// OpenPool connects a pgx pool and verifies connectivity.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("%s: dsn required", component)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: create pool: %w", component, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: ping: %w", component, err)
	}
	return pool, nil
}

const (
	actionInsertSQL = `
INSERT INTO pending_actions (
    id,
    action_type,
    payload,
    device_fingerprint,
    created_at,
    sync_state
)
VALUES ($1, $2, COALESCE($3::jsonb, '{}'::jsonb), $4, $5, 'pending');
`

	actionListPendingSQL = `
SELECT
    id,
    action_type,
    payload,
    device_fingerprint,
    created_at,
    sync_state,
    synced_at
FROM pending_actions
WHERE sync_state = 'pending'
ORDER BY seq ASC;
`

	actionCountPendingSQL = `
SELECT COUNT(*) FROM pending_actions WHERE sync_state = 'pending';
`

	actionMarkSyncedSQL = `
UPDATE pending_actions
SET sync_state = 'synced',
    synced_at = $2
WHERE id = $1
  AND sync_state = 'pending';
`

	actionPurgeSyncedSQL = `
DELETE FROM pending_actions
WHERE sync_state = 'synced'
  AND synced_at < $1;
`
)

// Append inserts a new pending action.
func (s *ActionStore) Append(ctx context.Context, a action.PendingAction) error {
	if s.pool == nil {
		return fmt.Errorf("%s: nil pool", component)
	}
	if err := actionstore.ValidateForAppend(component, a); err != nil {
		return err
	}
	var payload []byte
	if len(a.Payload) > 0 {
		payload = a.Payload
	}
	_, err := s.pool.Exec(ctx, actionInsertSQL, a.ID, string(a.Type), payload, a.DeviceFingerprint, a.Timestamp)
	if err != nil {
		if isUniqueViolation(err) {
			return actionstore.DuplicateID(component, a.ID)
		}
		return actionstore.Unavailable(component, "append", err)
	}
	return nil
}

// ListPending returns pending actions in insertion order.
func (s *ActionStore) ListPending(ctx context.Context) ([]action.PendingAction, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("%s: nil pool", component)
	}
	rows, err := s.pool.Query(ctx, actionListPendingSQL)
	if err != nil {
		return nil, actionstore.Unavailable(component, "list pending", err)
	}
	defer rows.Close()

	var out []action.PendingAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, actionstore.Unavailable(component, "iterate pending", err)
	}
	return out, nil
}

// CountPending returns the number of pending actions.
func (s *ActionStore) CountPending(ctx context.Context) (int, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("%s: nil pool", component)
	}
	var count int64
	if err := s.pool.QueryRow(ctx, actionCountPendingSQL).Scan(&count); err != nil {
		return 0, actionstore.Unavailable(component, "count pending", err)
	}
	return int(count), nil
}

// MarkSynced flags a pending action as synced. Unknown or already synced ids are ignored.
func (s *ActionStore) MarkSynced(ctx context.Context, id string, at time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("%s: nil pool", component)
	}
	if _, err := s.pool.Exec(ctx, actionMarkSyncedSQL, id, at); err != nil {
		return actionstore.Unavailable(component, "mark synced", err)
	}
	return nil
}

// PurgeSyncedOlderThan deletes synced actions completed before now-age.
func (s *ActionStore) PurgeSyncedOlderThan(ctx context.Context, age time.Duration, now time.Time) (int, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("%s: nil pool", component)
	}
	tag, err := s.pool.Exec(ctx, actionPurgeSyncedSQL, now.Add(-age))
	if err != nil {
		return 0, actionstore.Unavailable(component, "purge synced", err)
	}
	return int(tag.RowsAffected()), nil
}

// Close releases the pool.
func (s *ActionStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (action.PendingAction, error) {
	var (
		a        action.PendingAction
		typ      string
		payload  []byte
		state    string
		syncedAt pgtype.Timestamptz
	)
	if err := row.Scan(&a.ID, &typ, &payload, &a.DeviceFingerprint, &a.Timestamp, &state, &syncedAt); err != nil {
		return action.PendingAction{}, actionstore.Unavailable(component, "scan action", err)
	}
	a.Type = action.Type(typ)
	a.Payload = payload
	a.State = action.SyncState(state)
	if syncedAt.Valid {
		t := syncedAt.Time
		a.SyncedAt = &t
	}
	return a, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

var _ actionstore.Store = (*ActionStore)(nil)
