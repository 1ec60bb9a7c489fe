package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/vinayprograms/aios/internal/event"
)

// Branch status values. Merged branches become read-only.
const (
	StatusOpen      = "open"
	StatusMerged    = "merged"
	StatusAbandoned = "abandoned"
)

var (
	// ErrForkPoint reports a fork at a sequence beyond the parent head.
	ErrForkPoint = errors.New("fork point beyond parent head")
	// ErrNotDescendant reports a merge whose source does not descend from the target.
	ErrNotDescendant = errors.New("source is not a descendant of target")
)

// BranchInfo describes one named lineage within a session.
type BranchInfo struct {
	Name      string `json:"name"`
	Parent    string `json:"parent,omitempty"`     // empty for main
	ForkPoint uint64 `json:"fork_point,omitempty"` // sequence in the parent's numbering
	Status    string `json:"status"`
}

const registryFile = "branches.json"

func (sl *sessionLog) loadRegistry() error {
	data, err := os.ReadFile(filepath.Join(sl.dir, registryFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, &sl.registry)
}

// flushRegistry persists the branch registry. Callers hold sl.mu.
func (sl *sessionLog) flushRegistry() error {
	data, err := json.MarshalIndent(sl.registry, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(sl.dir, registryFile), data, 0644)
}

// createBranch registers a branch and opens its log file.
func (sl *sessionLog) createBranch(name, parent string, forkPoint uint64) error {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if _, ok := sl.branches[name]; ok {
		return fmt.Errorf("branch %s already exists", name)
	}
	bl, err := openBranchLog(filepath.Join(sl.dir, name+".jsonl"), StatusOpen, sl.log)
	if err != nil {
		return err
	}
	sl.branches[name] = bl
	sl.registry[name] = &BranchInfo{
		Name:      name,
		Parent:    parent,
		ForkPoint: forkPoint,
		Status:    StatusOpen,
	}
	return sl.flushRegistry()
}

// setStatus updates a branch's status in memory and on disk.
func (sl *sessionLog) setStatus(name, status string) error {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	info, ok := sl.registry[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBranch, name)
	}
	info.Status = status

	bl := sl.branches[name]
	bl.mu.Lock()
	bl.status = status
	bl.mu.Unlock()

	return sl.flushRegistry()
}

// isDescendant walks the parent chain from name looking for ancestor.
// Callers hold sl.mu.
func (sl *sessionLog) isDescendant(name, ancestor string) bool {
	for name != "" {
		info, ok := sl.registry[name]
		if !ok {
			return false
		}
		if info.Parent == ancestor {
			return true
		}
		name = info.Parent
	}
	return false
}

// Branches returns the branch registry of a session.
func (j *Journal) Branches(sessionID string) ([]*BranchInfo, error) {
	sl, err := j.session(sessionID)
	if err != nil {
		return nil, err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	var out []*BranchInfo
	for _, info := range sl.registry {
		cp := *info
		out = append(out, &cp)
	}
	return out, nil
}

// BranchInfo returns the registry entry for one branch.
func (j *Journal) BranchInfo(sessionID, branchID string) (*BranchInfo, error) {
	sl, err := j.session(sessionID)
	if err != nil {
		return nil, err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	info, ok := sl.registry[branchID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBranch, branchID)
	}
	cp := *info
	return &cp, nil
}

// Fork creates a new branch whose fork point is atSequence in the
// parent's numbering. The child's own numbering restarts at 1; its
// first event is a fork-carrying Checkpoint.
func (j *Journal) Fork(sessionID, parentBranch string, atSequence uint64, newBranch string) (*event.Record, error) {
	sl, err := j.session(sessionID)
	if err != nil {
		return nil, err
	}

	sl.mu.Lock()
	parent, ok := sl.registry[parentBranch]
	if !ok {
		sl.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownBranch, parentBranch)
	}
	if parent.Status == StatusAbandoned {
		sl.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBranchClosed, parentBranch)
	}
	head := sl.branches[parentBranch].currentHead()
	sl.mu.Unlock()

	if atSequence > head {
		return nil, fmt.Errorf("%w: %d > %d", ErrForkPoint, atSequence, head)
	}
	if err := sl.createBranch(newBranch, parentBranch, atSequence); err != nil {
		return nil, err
	}

	payload := event.Marshal(event.CheckpointPayload{
		CheckpointID: uuid.NewString(),
		Mode:         "",
		BranchHead:   0,
		ForkedFrom:   parentBranch,
		ForkPoint:    atSequence,
	})
	return j.Append(sessionID, newBranch, event.KindCheckpoint, payload, 0)
}

// Merge marks source as merged (read-only) and appends a Checkpoint to
// target referencing the merge. Source must be an open descendant of
// target.
func (j *Journal) Merge(sessionID, sourceBranch, targetBranch string) (*event.Record, error) {
	sl, err := j.session(sessionID)
	if err != nil {
		return nil, err
	}

	sl.mu.Lock()
	source, ok := sl.registry[sourceBranch]
	if !ok {
		sl.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownBranch, sourceBranch)
	}
	if _, ok := sl.registry[targetBranch]; !ok {
		sl.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownBranch, targetBranch)
	}
	if source.Status != StatusOpen {
		sl.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrBranchClosed, sourceBranch, source.Status)
	}
	if !sl.isDescendant(sourceBranch, targetBranch) {
		sl.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", ErrNotDescendant, sourceBranch, targetBranch)
	}
	sourceHead := sl.branches[sourceBranch].currentHead()
	sl.mu.Unlock()

	if err := sl.setStatus(sourceBranch, StatusMerged); err != nil {
		return nil, err
	}

	payload := event.Marshal(event.CheckpointPayload{
		CheckpointID: uuid.NewString(),
		BranchHead:   sourceHead,
		MergedFrom:   sourceBranch,
	})
	return j.Append(sessionID, targetBranch, event.KindCheckpoint, payload, 0)
}

// Abandon marks a branch abandoned; it can no longer be appended to or forked.
func (j *Journal) Abandon(sessionID, branchID string) error {
	sl, err := j.session(sessionID)
	if err != nil {
		return err
	}
	return sl.setStatus(branchID, StatusAbandoned)
}

func (bl *branchLog) currentHead() uint64 {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	return bl.head
}
