package replay

import (
	"bytes"
	"strings"
	"testing"

	"github.com/vinayprograms/aios/internal/event"
	"github.com/vinayprograms/aios/internal/journal"
)

func seedJournal(t *testing.T, root string) (string, *journal.Journal) {
	t.Helper()
	j, err := journal.Open(root)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	session := event.NewSessionID()
	if err := j.CreateSession(session); err != nil {
		t.Fatalf("create session: %v", err)
	}

	add := func(kind event.Kind, payload []byte) {
		if _, err := j.Append(session, event.MainBranch, kind, payload, 0); err != nil {
			t.Fatalf("append %s: %v", kind, err)
		}
	}
	add(event.KindSessionCreated, nil)
	add(event.KindTickStarted, event.Marshal(event.TickStartedPayload{Tick: 1}))
	add(event.KindToolRequested, event.Marshal(event.ToolRequestedPayload{RunID: "r1", Tool: "fs.write"}))
	add(event.KindToolDispatched, event.Marshal(event.ToolDispatchedPayload{RunID: "r1", Tool: "fs.write"}))
	add(event.KindFileWrite, event.Marshal(event.FileWritePayload{RunID: "r1", Path: "hello.txt", Bytes: 2}))
	add(event.KindToolCompleted, event.Marshal(event.ToolCompletedPayload{RunID: "r1", Tool: "fs.write", DurationMs: 3}))
	add(event.KindModeChanged, event.Marshal(event.ModeChangedPayload{From: "execute", To: "verify", Reason: "side-effect pressure"}))
	add(event.KindToolFailed, event.Marshal(event.ToolFailedPayload{Tool: "shell.exec", Reason: "PolicyDenied"}))
	add(event.KindHeartbeat, event.Marshal(event.HeartbeatPayload{Tick: 1}))
	return session, j
}

func TestRender_Transcript(t *testing.T) {
	root := t.TempDir()
	session, _ := seedJournal(t, root)

	var buf bytes.Buffer
	r := New(root)
	r.SetOutput(&buf)
	if err := r.Render(session, event.MainBranch); err != nil {
		t.Fatalf("render: %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"SESSION " + session,
		"SESSION CREATED",
		"TICK 1",
		"TOOL fs.write",
		"WRITE",
		"hello.txt",
		"MODE execute",
		"verify",
		"PolicyDenied",
		"9 events",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("transcript missing %q", want)
		}
	}
}

func TestRender_MissingBranchFails(t *testing.T) {
	root := t.TempDir()
	session, _ := seedJournal(t, root)

	r := New(root)
	r.SetOutput(&bytes.Buffer{})
	if err := r.Render(session, "nope"); err == nil {
		t.Error("rendering a missing branch should fail")
	}
}

func TestLoadFrom_ResumesAtOffset(t *testing.T) {
	root := t.TempDir()
	session, j := seedJournal(t, root)
	path := logPath(root, session, event.MainBranch)

	first, offset, err := loadFrom(path, 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(first) != 9 {
		t.Fatalf("expected 9 records, got %d", len(first))
	}

	// Appends after the offset are picked up incrementally, like the
	// follow loop does.
	j.Append(session, event.MainBranch, event.KindHeartbeat, nil, 0)
	fresh, _, err := loadFrom(path, offset)
	if err != nil {
		t.Fatalf("incremental load: %v", err)
	}
	if len(fresh) != 1 || fresh[0].Sequence != 10 {
		t.Fatalf("expected only sequence 10, got %+v", fresh)
	}
}
