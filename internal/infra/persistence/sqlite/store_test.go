package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/offqueue/internal/domain/action"
	"github.com/coachpo/offqueue/internal/domain/actionstore"
	"github.com/coachpo/offqueue/internal/domain/actionstore/storetest"
)

func openTemp(t *testing.T, path string) *Store {
	t.Helper()
	store, err := Open(context.Background(), path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) actionstore.Store {
		return openTemp(t, filepath.Join(t.TempDir(), "queue.db"))
	})
}

func TestOpenCreatesNestedDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "data", "queue.db")
	store := openTemp(t, path)
	count, err := store.CountPending(context.Background())
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "  ", nil)
	require.Error(t, err)
}

func TestQueueSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	first, err := Open(ctx, path, nil)
	require.NoError(t, err)
	require.NoError(t, first.Append(ctx, storetest.NewAction(t, "one", action.TypeJourneyAttempt, 0)))
	require.NoError(t, first.Append(ctx, storetest.NewAction(t, "two", action.TypeCreditUpdate, time.Second)))
	require.NoError(t, first.MarkSynced(ctx, "one", storetest.Base.Add(time.Minute)))
	require.NoError(t, first.Close())

	second := openTemp(t, path)
	pending, err := second.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "two", pending[0].ID)

	// Sequence continues after reopen.
	require.NoError(t, second.Append(ctx, storetest.NewAction(t, "three", action.TypeProgressUpdate, -time.Hour)))
	pending, err = second.ListPending(ctx)
	require.NoError(t, err)
	require.Equal(t, "three", pending[1].ID)
}

func TestTimestampsKeepNanosecondPrecision(t *testing.T) {
	ctx := context.Background()
	store := openTemp(t, filepath.Join(t.TempDir(), "queue.db"))
	a := storetest.NewAction(t, "precise", action.TypeCreditUpdate, 123456789*time.Nanosecond)
	require.NoError(t, store.Append(ctx, a))

	pending, err := store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.True(t, a.Timestamp.Equal(pending[0].Timestamp))
}

func TestNilDatabase(t *testing.T) {
	var store Store
	_, err := store.ListPending(context.Background())
	require.Error(t, err)
	require.NoError(t, store.Close())
}
