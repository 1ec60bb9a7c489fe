package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCreateSession_Layout(t *testing.T) {
	w, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	err = w.CreateSession(Manifest{
		SessionID:    "s1",
		CreatedAt:    time.Now().UTC(),
		Capabilities: []string{"fs.read", "shell.exec:echo"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	dir := w.SessionDir("s1")
	for _, path := range []string{
		"manifest.json",
		filepath.Join("state", "thread.md"),
		filepath.Join("state", "plan.yaml"),
		filepath.Join("state", "task_graph.json"),
		"checkpoints",
		filepath.Join("tools", "runs"),
		"memory",
		"artifacts",
	} {
		if _, err := os.Stat(filepath.Join(dir, path)); err != nil {
			t.Errorf("missing layout entry %s: %v", path, err)
		}
	}

	m, err := w.LoadManifest("s1")
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	if len(m.Capabilities) != 2 || m.Capabilities[1] != "shell.exec:echo" {
		t.Errorf("manifest capabilities mismatch: %+v", m.Capabilities)
	}
}

func TestHeartbeat_RoundTrip(t *testing.T) {
	w, _ := Open(t.TempDir())
	w.CreateSession(Manifest{SessionID: "s1", CreatedAt: time.Now()})

	err := w.WriteHeartbeat("s1", Heartbeat{Tick: 7, Mode: "execute", Branch: "main", UpdatedAt: time.Now()})
	if err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	hb, err := w.ReadHeartbeat("s1")
	if err != nil {
		t.Fatalf("read heartbeat: %v", err)
	}
	if hb.Tick != 7 || hb.Branch != "main" {
		t.Errorf("heartbeat mismatch: %+v", hb)
	}
}

func TestPlan_YAMLRoundTrip(t *testing.T) {
	w, _ := Open(t.TempDir())
	w.CreateSession(Manifest{SessionID: "s1", CreatedAt: time.Now()})

	plan := &Plan{
		Goal: "write the report",
		Steps: []PlanStep{
			{ID: "1", Title: "gather sources", Status: "done"},
			{ID: "2", Title: "draft", Status: "active"},
		},
	}
	if err := w.WritePlan("s1", plan); err != nil {
		t.Fatalf("write plan: %v", err)
	}

	got, err := w.ReadPlan("s1")
	if err != nil {
		t.Fatalf("read plan: %v", err)
	}
	if got.Goal != plan.Goal || len(got.Steps) != 2 || got.Steps[1].Status != "active" {
		t.Errorf("plan mismatch: %+v", got)
	}
}

func TestCheckpointAndRunReport_Paths(t *testing.T) {
	w, _ := Open(t.TempDir())
	w.CreateSession(Manifest{SessionID: "s1", CreatedAt: time.Now()})

	err := w.WriteCheckpoint(CheckpointManifest{
		CheckpointID: "ckpt-1",
		SessionID:    "s1",
		Branch:       "main",
		BranchHead:   9,
		Mode:         "execute",
		CreatedAt:    time.Now(),
	})
	if err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}
	if _, err := os.Stat(filepath.Join(w.SessionDir("s1"), "checkpoints", "ckpt-1", "manifest.json")); err != nil {
		t.Errorf("checkpoint manifest missing: %v", err)
	}

	if err := w.WriteRunReport("s1", "run-1", map[string]interface{}{"exit_status": 0}); err != nil {
		t.Fatalf("write run report: %v", err)
	}
	if _, err := os.Stat(filepath.Join(w.SessionDir("s1"), "tools", "runs", "run-1", "report.json")); err != nil {
		t.Errorf("run report missing: %v", err)
	}
}

func TestSessions_Listing(t *testing.T) {
	w, _ := Open(t.TempDir())
	if ids, _ := w.Sessions(); len(ids) != 0 {
		t.Errorf("fresh root should list no sessions, got %v", ids)
	}
	w.CreateSession(Manifest{SessionID: "a", CreatedAt: time.Now()})
	w.CreateSession(Manifest{SessionID: "b", CreatedAt: time.Now()})
	ids, err := w.Sessions()
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("expected 2 sessions, got %v", ids)
	}
}
