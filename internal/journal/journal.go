// Package journal provides the durable, append-only event log. Records
// are sequenced per (session, branch) by the journal itself, persisted
// as checksummed JSONL, and fanned out to live subscribers.
package journal

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vinayprograms/aios/internal/event"
	"github.com/vinayprograms/aios/internal/logging"
)

var (
	// ErrBranchClosed reports an append to a merged or abandoned branch.
	ErrBranchClosed = errors.New("branch is not open")
	// ErrUnknownBranch reports an operation on a branch the session does not have.
	ErrUnknownBranch = errors.New("unknown branch")
	// ErrUnknownSession reports an operation on a session the journal does not track.
	ErrUnknownSession = errors.New("unknown session")
	// ErrInvalidKind reports an append with a kind outside the closed set.
	ErrInvalidKind = errors.New("invalid event kind")
)

// processStart anchors the monotonic timestamps recorded on events.
var processStart = time.Now()

// Mirror receives a copy of every published record. Mirrors must not
// block; the journal calls them after durability, outside failure paths.
type Mirror interface {
	Publish(rec *event.Record)
}

// Journal is the process-wide event store rooted at
// <root>/kernel/events/<session-id>/<branch-id>.jsonl.
type Journal struct {
	dir string
	log *logging.Logger

	mu       sync.Mutex
	sessions map[string]*sessionLog
	mirrors  []Mirror
}

// Open opens (or creates) a journal under the given workspace root.
func Open(root string) (*Journal, error) {
	dir := filepath.Join(root, "kernel", "events")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	return &Journal{
		dir:      dir,
		log:      logging.Default.WithComponent("journal"),
		sessions: make(map[string]*sessionLog),
	}, nil
}

// AddMirror registers a fan-out mirror (e.g. a NATS bridge).
func (j *Journal) AddMirror(m Mirror) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.mirrors = append(j.mirrors, m)
}

// CreateSession initializes the per-session log with an open main branch.
func (j *Journal) CreateSession(sessionID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, ok := j.sessions[sessionID]; ok {
		return fmt.Errorf("session %s already exists", sessionID)
	}
	sl, err := openSessionLog(filepath.Join(j.dir, sessionID), j.log)
	if err != nil {
		return err
	}
	if _, ok := sl.branches[event.MainBranch]; !ok {
		if err := sl.createBranch(event.MainBranch, "", 0); err != nil {
			return err
		}
	}
	j.sessions[sessionID] = sl
	return nil
}

// OpenSession loads an existing per-session log from disk, rebuilding
// indexes and truncating after the last valid record (crash recovery).
func (j *Journal) OpenSession(sessionID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, ok := j.sessions[sessionID]; ok {
		return nil
	}
	dir := filepath.Join(j.dir, sessionID)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	sl, err := openSessionLog(dir, j.log)
	if err != nil {
		return err
	}
	j.sessions[sessionID] = sl
	return nil
}

// Sessions lists the session IDs present on disk.
func (j *Journal) Sessions() ([]string, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func (j *Journal) session(sessionID string) (*sessionLog, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	sl, ok := j.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return sl, nil
}

// Append assigns the next sequence for (session, branch), persists the
// record durably, and publishes it to live subscribers and mirrors.
// Callers never pick sequences.
func (j *Journal) Append(sessionID, branchID string, kind event.Kind, payload []byte, causation uint64) (*event.Record, error) {
	if !event.Known(kind) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	sl, err := j.session(sessionID)
	if err != nil {
		return nil, err
	}
	bl, err := sl.branch(branchID)
	if err != nil {
		return nil, err
	}

	// Single-writer span: read head -> persist -> advance head -> publish.
	bl.mu.Lock()
	defer bl.mu.Unlock()

	if bl.status != StatusOpen {
		return nil, fmt.Errorf("%w: %s", ErrBranchClosed, branchID)
	}

	rec := &event.Record{
		SessionID:   sessionID,
		BranchID:    branchID,
		Sequence:    bl.head + 1,
		TsWall:      time.Now().UTC().Format(time.RFC3339Nano),
		TsMono:      time.Since(processStart).Nanoseconds(),
		CausationID: causation,
		Kind:        kind,
		Payload:     payload,
	}

	line, err := event.EncodeLine(rec)
	if err != nil {
		return nil, err
	}
	offset, err := bl.persist(line)
	if err != nil {
		return nil, fmt.Errorf("journal append: %w", err)
	}

	bl.offsets = append(bl.offsets, offset)
	bl.head = rec.Sequence
	bl.publish(rec)

	for _, m := range j.snapshotMirrors() {
		m.Publish(rec)
	}
	return rec, nil
}

func (j *Journal) snapshotMirrors() []Mirror {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.mirrors
}

// Read returns a contiguous slice of records starting at fromSequence,
// up to limit records, in ascending sequence order. A start past the
// branch head yields an empty result.
func (j *Journal) Read(sessionID, branchID string, fromSequence uint64, limit int) ([]*event.Record, error) {
	sl, err := j.session(sessionID)
	if err != nil {
		return nil, err
	}
	bl, err := sl.branch(branchID)
	if err != nil {
		return nil, err
	}

	if fromSequence == 0 {
		fromSequence = 1
	}

	bl.mu.Lock()
	head := bl.head
	var offset int64 = -1
	if fromSequence <= head {
		offset = bl.offsets[fromSequence-1]
	}
	bl.mu.Unlock()

	if offset < 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = int(head - fromSequence + 1)
	}
	return bl.readFrom(offset, fromSequence, head, limit)
}

// Head returns the highest assigned sequence for (session, branch).
func (j *Journal) Head(sessionID, branchID string) (uint64, error) {
	sl, err := j.session(sessionID)
	if err != nil {
		return 0, err
	}
	bl, err := sl.branch(branchID)
	if err != nil {
		return 0, err
	}
	bl.mu.Lock()
	defer bl.mu.Unlock()
	return bl.head, nil
}

// sessionLog holds all branches of one session.
type sessionLog struct {
	dir string
	log *logging.Logger

	mu       sync.Mutex
	branches map[string]*branchLog
	registry map[string]*BranchInfo
}

func openSessionLog(dir string, log *logging.Logger) (*sessionLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session journal: %w", err)
	}
	sl := &sessionLog{
		dir:      dir,
		log:      log,
		branches: make(map[string]*branchLog),
		registry: make(map[string]*BranchInfo),
	}
	if err := sl.loadRegistry(); err != nil {
		return nil, err
	}
	for name, info := range sl.registry {
		bl, err := openBranchLog(filepath.Join(dir, name+".jsonl"), info.Status, log)
		if err != nil {
			return nil, err
		}
		sl.branches[name] = bl
	}
	return sl, nil
}

func (sl *sessionLog) branch(branchID string) (*branchLog, error) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	bl, ok := sl.branches[branchID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBranch, branchID)
	}
	return bl, nil
}

// branchLog is the single-writer log for one (session, branch).
type branchLog struct {
	path string
	log  *logging.Logger

	// mu is the writer lock. It spans head read, persist, head advance,
	// and publish, and also guards the subscriber list.
	mu      sync.Mutex
	file    *os.File
	head    uint64
	offsets []int64 // offsets[seq-1] = file offset of that record
	status  string
	subs    []*subscriber
}

func openBranchLog(path, status string, log *logging.Logger) (*branchLog, error) {
	bl := &branchLog{path: path, status: status, log: log}
	if err := bl.scan(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	bl.file = f
	return bl, nil
}

// scan rebuilds the offset index from the log, truncating after the
// last valid record if a corrupt line is found. Corruption never skips.
func (bl *branchLog) scan() error {
	f, err := os.Open(bl.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	var offset, valid int64
	var head uint64
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			rec, derr := event.DecodeLine(bytes.TrimSpace(line))
			if derr != nil || rec.Sequence != head+1 {
				bl.log.Warn("journal scan halted at corrupt record", map[string]interface{}{
					"path":   bl.path,
					"offset": offset,
				})
				return bl.truncate(valid, head)
			}
			bl.offsets = append(bl.offsets, offset)
			head = rec.Sequence
			valid = offset + int64(len(line))
		}
		offset += int64(len(line))
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	bl.head = head
	return nil
}

func (bl *branchLog) truncate(validBytes int64, head uint64) error {
	if err := os.Truncate(bl.path, validBytes); err != nil {
		return fmt.Errorf("journal truncate: %w", err)
	}
	bl.head = head
	return nil
}

// persist appends a line and syncs it to stable storage, returning the
// record's file offset. Callers hold bl.mu.
func (bl *branchLog) persist(line []byte) (int64, error) {
	offset, err := bl.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := bl.file.Write(line); err != nil {
		return 0, err
	}
	if err := bl.file.Sync(); err != nil {
		return 0, err
	}
	return offset, nil
}

// readFrom reads records sequentially from a known offset. The range
// (fromSeq..head) is immutable once assigned, so no lock is held.
func (bl *branchLog) readFrom(offset int64, fromSeq, head uint64, limit int) ([]*event.Record, error) {
	f, err := os.Open(bl.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	reader := bufio.NewReader(f)
	var out []*event.Record
	seq := fromSeq
	for len(out) < limit && seq <= head {
		line, err := reader.ReadBytes('\n')
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			rec, derr := event.DecodeLine(trimmed)
			if derr != nil {
				return out, derr
			}
			out = append(out, rec)
			seq = rec.Sequence + 1
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, err
		}
	}
	return out, nil
}
