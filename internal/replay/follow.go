package replay

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Follow renders the existing transcript, then tails the branch's log
// file and renders records as they are appended. It returns when the
// context is cancelled.
func (r *Replayer) Follow(ctx context.Context, sessionID, branchID string) error {
	path := logPath(r.root, sessionID, branchID)

	records, offset, err := loadFrom(path, 0)
	if err != nil {
		return err
	}
	r.header(sessionID, branchID)
	for _, rec := range records {
		r.formatRecord(rec)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			newRecords, newOffset, err := loadFrom(path, offset)
			if err != nil {
				return err
			}
			offset = newOffset
			for _, rec := range newRecords {
				r.formatRecord(rec)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}
