// Package sqlite implements the durable local action store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/coachpo/offqueue/internal/domain/action"
	"github.com/coachpo/offqueue/internal/domain/actionstore"
	"github.com/coachpo/offqueue/internal/infra/persistence/migrations"
)

const component = "sqlite store"

const (
	insertActionSQL = `
INSERT INTO pending_actions (
    id,
    action_type,
    payload,
    device_fingerprint,
    created_at_ns,
    sync_state
)
VALUES (?, ?, ?, ?, ?, 'pending');
`

	listPendingSQL = `
SELECT
    id,
    action_type,
    payload,
    device_fingerprint,
    created_at_ns,
    sync_state,
    synced_at_ns
FROM pending_actions
WHERE sync_state = 'pending'
ORDER BY seq ASC;
`

	countPendingSQL = `
SELECT COUNT(*) FROM pending_actions WHERE sync_state = 'pending';
`

	markSyncedSQL = `
UPDATE pending_actions
SET sync_state = 'synced',
    synced_at_ns = ?
WHERE id = ?
  AND sync_state = 'pending';
`

	purgeSyncedSQL = `
DELETE FROM pending_actions
WHERE sync_state = 'synced'
  AND synced_at_ns < ?;
`
)

// Store persists actions in a SQLite database file.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path, applies pending migrations, and
// configures the connection for a single writer.
func Open(ctx context.Context, path string, logger *log.Logger) (*Store, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return nil, fmt.Errorf("%s: path required", component)
	}
	if dir := filepath.Dir(clean); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%s: create data directory: %w", component, err)
		}
	}
	if err := migrations.Apply(ctx, migrations.DriverSQLite, clean, "", logger); err != nil {
		return nil, fmt.Errorf("%s: migrate: %w", component, err)
	}

	db, err := sql.Open("sqlite3", clean)
	if err != nil {
		return nil, fmt.Errorf("%s: open database: %w", component, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: connect: %w", component, err)
	}
	// SQLite admits one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("%s: execute %q: %w", component, pragma, err)
		}
	}
	return nil
}

// Append inserts a new pending action.
func (s *Store) Append(ctx context.Context, a action.PendingAction) error {
	if s.db == nil {
		return fmt.Errorf("%s: nil database", component)
	}
	if err := actionstore.ValidateForAppend(component, a); err != nil {
		return err
	}
	payload := a.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx, insertActionSQL,
		a.ID,
		string(a.Type),
		string(payload),
		a.DeviceFingerprint,
		a.Timestamp.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return actionstore.DuplicateID(component, a.ID)
		}
		return actionstore.Unavailable(component, "append", err)
	}
	return nil
}

// ListPending returns every pending action in insertion order.
func (s *Store) ListPending(ctx context.Context) ([]action.PendingAction, error) {
	if s.db == nil {
		return nil, fmt.Errorf("%s: nil database", component)
	}
	rows, err := s.db.QueryContext(ctx, listPendingSQL)
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
func (s *Store) CountPending(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, fmt.Errorf("%s: nil database", component)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, countPendingSQL).Scan(&count); err != nil {
		return 0, actionstore.Unavailable(component, "count pending", err)
	}
	return count, nil
}

// MarkSynced flags a pending action as synced. Unknown or already synced ids are ignored.
func (s *Store) MarkSynced(ctx context.Context, id string, at time.Time) error {
	if s.db == nil {
		return fmt.Errorf("%s: nil database", component)
	}
	if _, err := s.db.ExecContext(ctx, markSyncedSQL, at.UnixNano(), id); err != nil {
		return actionstore.Unavailable(component, "mark synced", err)
	}
	return nil
}

// PurgeSyncedOlderThan deletes synced actions completed before now-age.
func (s *Store) PurgeSyncedOlderThan(ctx context.Context, age time.Duration, now time.Time) (int, error) {
	if s.db == nil {
		return 0, fmt.Errorf("%s: nil database", component)
	}
	res, err := s.db.ExecContext(ctx, purgeSyncedSQL, now.Add(-age).UnixNano())
	if err != nil {
		return 0, actionstore.Unavailable(component, "purge synced", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, actionstore.Unavailable(component, "purge synced", err)
	}
	return int(n), nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (action.PendingAction, error) {
	var (
		a         action.PendingAction
		typ       string
		payload   string
		state     string
		createdNS int64
		syncedNS  sql.NullInt64
	)
	if err := row.Scan(&a.ID, &typ, &payload, &a.DeviceFingerprint, &createdNS, &state, &syncedNS); err != nil {
		return action.PendingAction{}, actionstore.Unavailable(component, "scan action", err)
	}
	a.Type = action.Type(typ)
	a.Payload = []byte(payload)
	a.Timestamp = time.Unix(0, createdNS).UTC()
	a.State = action.SyncState(state)
	if syncedNS.Valid {
		t := time.Unix(0, syncedNS.Int64).UTC()
		a.SyncedAt = &t
	}
	return a, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

var _ actionstore.Store = (*Store)(nil)
