package journal

import (
	"errors"
	"testing"

	"github.com/vinayprograms/aios/internal/event"
)

func TestBranch_ForkChildNumberingRestartsAtOne(t *testing.T) {
	j, _ := newJournal(t)
	session := event.NewSessionID()
	j.CreateSession(session)
	for i := 0; i < 10; i++ {
		mustAppend(t, j, session, event.MainBranch, event.KindHeartbeat)
	}

	rec, err := j.Fork(session, event.MainBranch, 10, "alt")
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	if rec.Sequence != 1 {
		t.Errorf("child numbering should restart at 1, got %d", rec.Sequence)
	}
	if rec.Kind != event.KindCheckpoint {
		t.Errorf("first child event should be the fork checkpoint, got %s", rec.Kind)
	}

	var p event.CheckpointPayload
	if err := rec.DecodePayload(&p); err != nil {
		t.Fatalf("decode checkpoint: %v", err)
	}
	if p.ForkedFrom != event.MainBranch || p.ForkPoint != 10 {
		t.Errorf("fork checkpoint should carry the fork point: %+v", p)
	}

	info, err := j.BranchInfo(session, "alt")
	if err != nil {
		t.Fatalf("branch info: %v", err)
	}
	if info.Parent != event.MainBranch || info.ForkPoint != 10 || info.Status != StatusOpen {
		t.Errorf("unexpected registry entry: %+v", info)
	}
}

func TestBranch_ForkBeyondHeadFails(t *testing.T) {
	j, _ := newJournal(t)
	session := event.NewSessionID()
	j.CreateSession(session)
	mustAppend(t, j, session, event.MainBranch, event.KindHeartbeat)

	if _, err := j.Fork(session, event.MainBranch, 5, "alt"); !errors.Is(err, ErrForkPoint) {
		t.Errorf("expected ErrForkPoint, got %v", err)
	}
}

func TestBranch_ForkFromAbandonedFails(t *testing.T) {
	j, _ := newJournal(t)
	session := event.NewSessionID()
	j.CreateSession(session)
	mustAppend(t, j, session, event.MainBranch, event.KindHeartbeat)
	j.Fork(session, event.MainBranch, 1, "dead")
	if err := j.Abandon(session, "dead"); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	if _, err := j.Fork(session, "dead", 1, "child"); !errors.Is(err, ErrBranchClosed) {
		t.Errorf("expected ErrBranchClosed, got %v", err)
	}
}

func TestBranch_Isolation(t *testing.T) {
	j, _ := newJournal(t)
	session := event.NewSessionID()
	j.CreateSession(session)
	for i := 0; i < 10; i++ {
		mustAppend(t, j, session, event.MainBranch, event.KindHeartbeat)
	}
	j.Fork(session, event.MainBranch, 10, "alt")

	// Writes on alt never change what main observers see.
	payload := event.Marshal(event.FileWritePayload{Path: "a.txt", Bytes: 1})
	if _, err := j.Append(session, "alt", event.KindFileWrite, payload, 0); err != nil {
		t.Fatalf("append on alt: %v", err)
	}

	mainRecords, err := j.Read(session, event.MainBranch, 11, 0)
	if err != nil {
		t.Fatalf("read main: %v", err)
	}
	for _, rec := range mainRecords {
		if rec.Kind == event.KindFileWrite {
			t.Error("file write on alt leaked into main")
		}
	}

	altRecords, err := j.Read(session, "alt", 1, 0)
	if err != nil {
		t.Fatalf("read alt: %v", err)
	}
	if len(altRecords) != 2 || altRecords[0].Kind != event.KindCheckpoint {
		t.Errorf("alt should hold fork checkpoint then write, got %d records", len(altRecords))
	}
}

func TestBranch_MergeClosesSourceAndCheckpointsTarget(t *testing.T) {
	j, _ := newJournal(t)
	session := event.NewSessionID()
	j.CreateSession(session)
	mustAppend(t, j, session, event.MainBranch, event.KindHeartbeat)
	j.Fork(session, event.MainBranch, 1, "alt")
	mustAppend(t, j, session, "alt", event.KindHeartbeat)

	rec, err := j.Merge(session, "alt", event.MainBranch)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if rec.BranchID != event.MainBranch || rec.Kind != event.KindCheckpoint {
		t.Errorf("merge should checkpoint the target, got %s on %s", rec.Kind, rec.BranchID)
	}
	var p event.CheckpointPayload
	rec.DecodePayload(&p)
	if p.MergedFrom != "alt" {
		t.Errorf("merge checkpoint should reference the source, got %q", p.MergedFrom)
	}

	// Merged branches become read-only.
	if _, err := j.Append(session, "alt", event.KindHeartbeat, nil, 0); !errors.Is(err, ErrBranchClosed) {
		t.Errorf("expected ErrBranchClosed on merged branch, got %v", err)
	}

	// A second merge of the same source fails.
	if _, err := j.Merge(session, "alt", event.MainBranch); !errors.Is(err, ErrBranchClosed) {
		t.Errorf("expected ErrBranchClosed on re-merge, got %v", err)
	}
}

func TestBranch_MergeRequiresDescendant(t *testing.T) {
	j, _ := newJournal(t)
	session := event.NewSessionID()
	j.CreateSession(session)
	mustAppend(t, j, session, event.MainBranch, event.KindHeartbeat)
	j.Fork(session, event.MainBranch, 1, "a")
	j.Fork(session, event.MainBranch, 1, "b")

	// Siblings do not descend from each other.
	if _, err := j.Merge(session, "a", "b"); !errors.Is(err, ErrNotDescendant) {
		t.Errorf("expected ErrNotDescendant, got %v", err)
	}

	// A grandchild still merges into main.
	mustAppend(t, j, session, "a", event.KindHeartbeat)
	j.Fork(session, "a", 1, "a2")
	if _, err := j.Merge(session, "a2", event.MainBranch); err != nil {
		t.Errorf("grandchild merge into main should succeed: %v", err)
	}
}
