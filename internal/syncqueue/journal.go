package syncqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// journalState is the on-disk shape of the queue.
type journalState struct {
	Pending []*Entry `json:"pending"`
	Failed  []*Entry `json:"failed"`
}

// persistLocked writes the journal via a temp file and atomic rename.
// Must be called with q.mu held. Journal write failures are logged, not
// returned: losing durability must not block the write path.
func (q *Queue) persistLocked() {
	if q.journal == "" {
		return
	}
	data, err := json.Marshal(journalState{Pending: q.pending, Failed: q.failed})
	if err != nil {
		q.log.WithError(err).Error("Failed to marshal queue journal")
		return
	}
	tmp := q.journal + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		q.log.WithError(err).Error("Failed to write queue journal")
		return
	}
	if err := os.Rename(tmp, q.journal); err != nil {
		q.log.WithError(err).Error("Failed to rename queue journal")
	}
}

// loadJournal restores pending and failed entries from disk. A missing
// journal file is a fresh start, not an error.
func (q *Queue) loadJournal() error {
	if q.journal == "" {
		return nil
	}
	if dir := filepath.Dir(q.journal); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	data, err := os.ReadFile(q.journal)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	var state journalState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("corrupt journal %s: %w", q.journal, err)
	}
	q.pending = state.Pending
	q.failed = state.Failed
	return nil
}
