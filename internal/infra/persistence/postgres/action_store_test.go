package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/offqueue/internal/domain/action"
)

func TestActionStoreNilPool(t *testing.T) {
	store := NewActionStore(nil)
	ctx := context.Background()
	a, err := action.New(action.TypeCreditUpdate, map[string]any{"amount": "1"}, "fp", time.Now())
	require.NoError(t, err)

	require.Error(t, store.Append(ctx, a))
	_, err = store.ListPending(ctx)
	require.Error(t, err)
	_, err = store.CountPending(ctx)
	require.Error(t, err)
	require.Error(t, store.MarkSynced(ctx, a.ID, time.Now()))
	_, err = store.PurgeSyncedOlderThan(ctx, time.Hour, time.Now())
	require.Error(t, err)
	require.NoError(t, store.Close())
}

func TestOpenPoolRequiresDSN(t *testing.T) {
	_, err := OpenPool(context.Background(), " ")
	require.Error(t, err)
}

func TestIsUniqueViolation(t *testing.T) {
	dup := &pgconn.PgError{Code: pgerrcode.UniqueViolation}
	require.True(t, isUniqueViolation(fmt.Errorf("insert: %w", dup)))
	require.False(t, isUniqueViolation(&pgconn.PgError{Code: pgerrcode.NotNullViolation}))
	require.False(t, isUniqueViolation(errors.New("boom")))
}

type fakeRow struct {
	values []any
}

func (r fakeRow) Scan(dest ...any) error {
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan: want %d destinations, got %d", len(r.values), len(dest))
	}
	for i, d := range dest {
		switch ptr := d.(type) {
		case *string:
			*ptr = r.values[i].(string)
		case *[]byte:
			*ptr = r.values[i].([]byte)
		case *time.Time:
			*ptr = r.values[i].(time.Time)
		default:
			if scanner, ok := d.(interface{ Scan(any) error }); ok {
				if err := scanner.Scan(r.values[i]); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("unsupported destination %T", d)
		}
	}
	return nil
}

func TestScanActionMapsColumns(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	synced := created.Add(time.Hour)
	row := fakeRow{values: []any{
		"credit_update_1", "credit_update", []byte(`{"amount":"5"}`), "fp", created, "synced", synced,
	}}
	a, err := scanAction(row)
	require.NoError(t, err)
	require.Equal(t, action.TypeCreditUpdate, a.Type)
	require.Equal(t, action.StateSynced, a.State)
	require.Equal(t, created, a.Timestamp)
	require.NotNil(t, a.SyncedAt)
	require.True(t, synced.Equal(*a.SyncedAt))

	pendingRow := fakeRow{values: []any{
		"progress_update_1", "progress_update", []byte(`{}`), "", created, "pending", nil,
	}}
	a, err = scanAction(pendingRow)
	require.NoError(t, err)
	require.Nil(t, a.SyncedAt)
}
