// Package memory provides in-process implementations of the action store contracts.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/coachpo/offqueue/internal/domain/action"
	"github.com/coachpo/offqueue/internal/domain/actionstore"
)

const component = "memory store"

// Store keeps actions in insertion order. It does not survive restarts.
type Store struct {
	mu      sync.RWMutex
	entries []action.PendingAction
	index   map[string]int
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{index: make(map[string]int)}
}

// Append inserts a new pending action.
func (s *Store) Append(_ context.Context, a action.PendingAction) error {
	if err := actionstore.ValidateForAppend(component, a); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.index[a.ID]; exists {
		return actionstore.DuplicateID(component, a.ID)
	}
	a.State = action.StatePending
	a.SyncedAt = nil
	a = clonePayload(a)
	s.index[a.ID] = len(s.entries)
	s.entries = append(s.entries, a)
	return nil
}

// ListPending returns a copy of every pending action, oldest first.
func (s *Store) ListPending(_ context.Context) ([]action.PendingAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]action.PendingAction, 0, len(s.entries))
	for _, entry := range s.entries {
		if !entry.Synced() {
			out = append(out, clonePayload(entry))
		}
	}
	return out, nil
}

// CountPending returns the number of pending actions.
func (s *Store) CountPending(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, entry := range s.entries {
		if !entry.Synced() {
			count++
		}
	}
	return count, nil
}

// MarkSynced flags the action as synced. Unknown or already synced ids are ignored.
func (s *Store) MarkSynced(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.index[id]
	if !ok || s.entries[pos].Synced() {
		return nil
	}
	syncedAt := at
	s.entries[pos].State = action.StateSynced
	s.entries[pos].SyncedAt = &syncedAt
	return nil
}

// PurgeSyncedOlderThan removes synced actions completed before now-age.
func (s *Store) PurgeSyncedOlderThan(_ context.Context, age time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-age)
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	removed := 0
	for _, entry := range s.entries {
		if entry.Synced() && entry.SyncedAt != nil && entry.SyncedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	for i := len(kept); i < len(s.entries); i++ {
		s.entries[i] = action.PendingAction{}
	}
	s.entries = kept
	if removed > 0 {
		s.index = make(map[string]int, len(s.entries))
		for i, entry := range s.entries {
			s.index[entry.ID] = i
		}
	}
	return removed, nil
}

// Get returns a stored action by id regardless of state.
func (s *Store) Get(id string) (action.PendingAction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.index[id]
	if !ok {
		return action.PendingAction{}, false
	}
	return clonePayload(s.entries[pos]), true
}

// clonePayload detaches a's payload and completion time from the stored entry.
func clonePayload(a action.PendingAction) action.PendingAction {
	a.Payload = append([]byte(nil), a.Payload...)
	if a.SyncedAt != nil {
		at := *a.SyncedAt
		a.SyncedAt = &at
	}
	return a
}

// Len returns the number of stored actions regardless of state.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

var _ actionstore.Store = (*Store)(nil)

// LastSyncStore keeps the last sync marker in memory.
type LastSyncStore struct {
	mu  sync.RWMutex
	at  time.Time
	set bool
}

// NewLastSyncStore constructs an empty marker store.
func NewLastSyncStore() *LastSyncStore {
	return &LastSyncStore{}
}

// Load returns the stored marker, if any.
func (l *LastSyncStore) Load(_ context.Context) (time.Time, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.at, l.set, nil
}

// Save replaces the stored marker.
func (l *LastSyncStore) Save(_ context.Context, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.at = at
	l.set = true
	return nil
}

var _ actionstore.LastSyncStore = (*LastSyncStore)(nil)
