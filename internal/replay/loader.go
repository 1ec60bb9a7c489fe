package replay

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/vinayprograms/aios/internal/event"
)

// logPath returns the on-disk location of one branch's log.
func logPath(root, sessionID, branchID string) string {
	return filepath.Join(root, "kernel", "events", sessionID, branchID+".jsonl")
}

// loadFrom reads records from a branch log starting at a byte offset,
// returning the records and the new offset. Scanning halts at the first
// corrupt or partial line; the offset never moves past valid data.
func loadFrom(path string, offset int64) ([]*event.Record, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, err
	}

	reader := bufio.NewReader(f)
	var records []*event.Record
	for {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			// A partial trailing line is an in-flight append; leave the
			// offset before it.
			return records, offset, nil
		}
		if err != nil {
			return records, offset, err
		}
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			rec, derr := event.DecodeLine(trimmed)
			if derr != nil {
				return records, offset, nil
			}
			records = append(records, rec)
		}
		offset += int64(len(line))
	}
}
