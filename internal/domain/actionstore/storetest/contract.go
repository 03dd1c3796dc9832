// Package storetest provides a behavioural test suite shared by every actionstore.Store implementation.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/offqueue/errs"
	"github.com/coachpo/offqueue/internal/domain/action"
	"github.com/coachpo/offqueue/internal/domain/actionstore"
)

// Factory returns a fresh, empty store for a single subtest.
type Factory func(t *testing.T) actionstore.Store

// Base is the reference instant used by the suite.
var Base = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

// NewAction builds a pending action with a fixed id and creation offset from Base.
func NewAction(t *testing.T, id string, typ action.Type, offset time.Duration) action.PendingAction {
	t.Helper()
	var payload any
	switch typ {
	case action.TypeJourneyAttempt:
		payload = action.JourneyAttempt{JourneyID: "j-" + id, Result: action.JourneyResult{Score: 70, TotalQuestions: 10, CorrectAnswers: 7, Duration: 300}}
	case action.TypeProgressUpdate:
		payload = action.ProgressUpdate{JourneyID: "j-" + id, Stage: "learner", Progress: 50}
	default:
		payload = map[string]any{"amount": "5", "reason": "test"}
	}
	a, err := action.New(typ, payload, "fp-"+id, Base.Add(offset))
	require.NoError(t, err)
	a.ID = id
	return a
}

// Run exercises the Store contract against stores produced by factory.
func Run(t *testing.T, factory Factory) {
	t.Run("ListPendingPreservesInsertionOrder", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		// Insert out of timestamp order: ordering must follow insertion, not creation time.
		require.NoError(t, store.Append(ctx, NewAction(t, "b", action.TypeCreditUpdate, 2*time.Minute)))
		require.NoError(t, store.Append(ctx, NewAction(t, "a", action.TypeJourneyAttempt, time.Minute)))
		require.NoError(t, store.Append(ctx, NewAction(t, "c", action.TypeProgressUpdate, 3*time.Minute)))

		pending, err := store.ListPending(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"b", "a", "c"}, ids(pending))
		for _, p := range pending {
			require.Equal(t, action.StatePending, p.State)
			require.Nil(t, p.SyncedAt)
		}

		again, err := store.ListPending(ctx)
		require.NoError(t, err)
		require.Equal(t, ids(pending), ids(again))

		count, err := store.CountPending(ctx)
		require.NoError(t, err)
		require.Equal(t, 3, count)
	})

	t.Run("AppendRoundTripsFields", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		original := NewAction(t, "rt", action.TypeJourneyAttempt, 0)
		require.NoError(t, store.Append(ctx, original))

		pending, err := store.ListPending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		got := pending[0]
		require.Equal(t, original.ID, got.ID)
		require.Equal(t, original.Type, got.Type)
		require.Equal(t, original.DeviceFingerprint, got.DeviceFingerprint)
		require.True(t, original.Timestamp.Equal(got.Timestamp), "timestamp %v != %v", original.Timestamp, got.Timestamp)
		require.JSONEq(t, string(original.Payload), string(got.Payload))

		attempt, err := got.DecodeJourneyAttempt()
		require.NoError(t, err)
		require.Equal(t, 10, attempt.Result.TotalQuestions)
	})

	t.Run("AppendRejectsInvalidAndDuplicate", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		a := NewAction(t, "dup", action.TypeCreditUpdate, 0)
		require.NoError(t, store.Append(ctx, a))

		err := store.Append(ctx, a)
		require.Error(t, err)
		require.True(t, errs.Is(err, errs.CodeConflict), "got %v", err)

		missingID := a
		missingID.ID = ""
		err = store.Append(ctx, missingID)
		require.True(t, errs.Is(err, errs.CodeInvalid), "got %v", err)

		badType := NewAction(t, "bad", action.TypeCreditUpdate, 0)
		badType.Type = "refund"
		err = store.Append(ctx, badType)
		require.True(t, errs.Is(err, errs.CodeInvalid), "got %v", err)
	})

	t.Run("MarkSyncedIsIdempotent", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		require.NoError(t, store.Append(ctx, NewAction(t, "x", action.TypeCreditUpdate, 0)))
		require.NoError(t, store.Append(ctx, NewAction(t, "y", action.TypeCreditUpdate, time.Second)))

		require.NoError(t, store.MarkSynced(ctx, "x", Base.Add(time.Hour)))
		require.NoError(t, store.MarkSynced(ctx, "x", Base.Add(2*time.Hour)))
		require.NoError(t, store.MarkSynced(ctx, "unknown", Base))

		pending, err := store.ListPending(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"y"}, ids(pending))

		// The first completion instant is kept: a second mark must not extend retention.
		removed, err := store.PurgeSyncedOlderThan(ctx, time.Hour, Base.Add(2*time.Hour+time.Minute))
		require.NoError(t, err)
		require.Equal(t, 1, removed)
	})

	t.Run("PurgeOnlyRemovesOldSyncedEntries", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		week := 7 * 24 * time.Hour
		require.NoError(t, store.Append(ctx, NewAction(t, "old-synced", action.TypeCreditUpdate, 0)))
		require.NoError(t, store.Append(ctx, NewAction(t, "new-synced", action.TypeCreditUpdate, 0)))
		require.NoError(t, store.Append(ctx, NewAction(t, "old-pending", action.TypeCreditUpdate, -30*24*time.Hour)))

		require.NoError(t, store.MarkSynced(ctx, "old-synced", Base))
		require.NoError(t, store.MarkSynced(ctx, "new-synced", Base.Add(6*24*time.Hour)))

		now := Base.Add(week + time.Minute)
		removed, err := store.PurgeSyncedOlderThan(ctx, week, now)
		require.NoError(t, err)
		require.Equal(t, 1, removed)

		pending, err := store.ListPending(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"old-pending"}, ids(pending))

		removed, err = store.PurgeSyncedOlderThan(ctx, week, now)
		require.NoError(t, err)
		require.Zero(t, removed)

		// The surviving synced entry is still known to the store: re-marking is a no-op.
		require.NoError(t, store.MarkSynced(ctx, "new-synced", now))
		removed, err = store.PurgeSyncedOlderThan(ctx, week, Base.Add(6*24*time.Hour+week+time.Minute))
		require.NoError(t, err)
		require.Equal(t, 1, removed)
	})

	t.Run("EmptyStore", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		pending, err := store.ListPending(ctx)
		require.NoError(t, err)
		require.Empty(t, pending)
		count, err := store.CountPending(ctx)
		require.NoError(t, err)
		require.Zero(t, count)
		removed, err := store.PurgeSyncedOlderThan(ctx, time.Hour, Base)
		require.NoError(t, err)
		require.Zero(t, removed)
	})
}

func ids(actions []action.PendingAction) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		out = append(out, a.ID)
	}
	return out
}
