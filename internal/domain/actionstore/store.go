// Package actionstore defines persistence contracts for the offline action queue.
package actionstore

import (
	"context"
	"strings"
	"time"

	"github.com/coachpo/offqueue/errs"
	"github.com/coachpo/offqueue/internal/domain/action"
)

// Store is the durable queue of actions awaiting confirmation.
type Store interface {
	// Append persists a new action with State=pending.
	Append(ctx context.Context, a action.PendingAction) error
	// ListPending returns not-yet-synced actions in insertion order, oldest first.
	ListPending(ctx context.Context) ([]action.PendingAction, error)
	// CountPending returns the number of not-yet-synced actions.
	CountPending(ctx context.Context) (int, error)
	// MarkSynced flags an action as confirmed at the given instant. Unknown or
	// already synced ids are a no-op.
	MarkSynced(ctx context.Context, id string, at time.Time) error
	// PurgeSyncedOlderThan deletes synced actions whose completion is older than
	// age relative to now, returning the number removed. Pending actions are never touched.
	PurgeSyncedOlderThan(ctx context.Context, age time.Duration, now time.Time) (int, error)
	// Close releases underlying resources.
	Close() error
}

// LastSyncStore persists the instant of the last completed sync trigger.
type LastSyncStore interface {
	Load(ctx context.Context) (time.Time, bool, error)
	Save(ctx context.Context, at time.Time) error
}

// ValidateForAppend checks the invariants every Store enforces on Append.
func ValidateForAppend(component string, a action.PendingAction) error {
	if strings.TrimSpace(a.ID) == "" {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("action id required"))
	}
	if !a.Type.Valid() {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("unsupported action type"), errs.WithField("type", string(a.Type)))
	}
	if a.Timestamp.IsZero() {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("action timestamp required"), errs.WithField("id", a.ID))
	}
	return nil
}

// DuplicateID builds the conflict error returned when an id already exists.
func DuplicateID(component, id string) error {
	return errs.New(component, errs.CodeConflict, errs.WithMessage("action id already exists"), errs.WithField("id", id))
}

// Unavailable wraps a driver failure as a store_unavailable error.
func Unavailable(component, op string, err error) error {
	return errs.New(component, errs.CodeStoreUnavailable, errs.WithMessage(op), errs.WithCause(err))
}
