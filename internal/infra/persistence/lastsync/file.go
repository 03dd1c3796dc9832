// Package lastsync persists the last sync marker to a JSON file.
package lastsync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/offqueue/internal/domain/actionstore"
)

const component = "last sync file"

type document struct {
	LastSync time.Time `json:"lastSync"`
}

// FileStore keeps the marker in a small JSON document. Writes go to a temporary
// file that replaces the target atomically.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore constructs a marker store at path.
func NewFileStore(path string) (*FileStore, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return nil, fmt.Errorf("%s: path required", component)
	}
	return &FileStore{path: clean}, nil
}

// Path returns the marker file location.
func (f *FileStore) Path() string {
	return f.path
}

// Load reads the marker. A missing file reports ok=false.
func (f *FileStore) Load(_ context.Context) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, actionstore.Unavailable(component, "read marker", err)
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return time.Time{}, false, actionstore.Unavailable(component, "decode marker", err)
	}
	if doc.LastSync.IsZero() {
		return time.Time{}, false, nil
	}
	return doc.LastSync, true, nil
}

// Save replaces the marker.
func (f *FileStore) Save(_ context.Context, at time.Time) error {
	raw, err := json.Marshal(document{LastSync: at})
	if err != nil {
		return fmt.Errorf("%s: encode marker: %w", component, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return actionstore.Unavailable(component, "create directory", err)
	}
	tmp, err := os.CreateTemp(dir, ".last_sync-*.json")
	if err != nil {
		return actionstore.Unavailable(component, "create temp file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return actionstore.Unavailable(component, "write marker", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return actionstore.Unavailable(component, "sync marker", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return actionstore.Unavailable(component, "close marker", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		_ = os.Remove(tmpName)
		return actionstore.Unavailable(component, "replace marker", err)
	}
	return nil
}

var _ actionstore.LastSyncStore = (*FileStore)(nil)
