// Package workspace owns the on-disk session layout. Paths are part of
// the compatibility contract and must not drift:
//
//	<root>/sessions/<session-id>/manifest.json
//	<root>/sessions/<session-id>/state/{thread.md, plan.yaml, task_graph.json, heartbeat.json}
//	<root>/sessions/<session-id>/checkpoints/<checkpoint-id>/manifest.json
//	<root>/sessions/<session-id>/tools/runs/<tool-run-id>/report.json
//	<root>/sessions/<session-id>/memory/{soul.json, observations.jsonl}
//	<root>/sessions/<session-id>/artifacts/**
//	<root>/kernel/events/<session-id>/<branch-id>.jsonl
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest is the durable record of a session's creation.
type Manifest struct {
	SessionID    string            `json:"session_id"`
	CreatedAt    time.Time         `json:"created_at"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Overrides    map[string]string `json:"overrides,omitempty"` // capability -> allow|approve|deny
}

// Heartbeat is the liveness file under state/.
type Heartbeat struct {
	Tick      uint64    `json:"tick"`
	Mode      string    `json:"mode"`
	Branch    string    `json:"branch"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Plan is the agent's working plan, stored as plan.yaml.
type Plan struct {
	Goal  string     `yaml:"goal,omitempty"`
	Steps []PlanStep `yaml:"steps,omitempty"`
}

// PlanStep is one entry in the plan.
type PlanStep struct {
	ID     string `yaml:"id"`
	Title  string `yaml:"title"`
	Status string `yaml:"status"` // pending, active, done, abandoned
}

// CheckpointManifest is the per-checkpoint pointer record.
type CheckpointManifest struct {
	CheckpointID string    `json:"checkpoint_id"`
	SessionID    string    `json:"session_id"`
	Branch       string    `json:"branch"`
	BranchHead   uint64    `json:"branch_head"`
	Mode         string    `json:"mode"`
	MemoryDigest string    `json:"memory_digest,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Workspace is rooted at a directory owned by exactly one kernel process.
type Workspace struct {
	root string
}

// Open opens (or creates) a workspace root.
func Open(root string) (*Workspace, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	return &Workspace{root: root}, nil
}

// Root returns the workspace root directory.
func (w *Workspace) Root() string { return w.root }

// SessionDir returns the directory owned by one session.
func (w *Workspace) SessionDir(sessionID string) string {
	return filepath.Join(w.root, "sessions", sessionID)
}

// ArtifactsDir is where tool file effects land.
func (w *Workspace) ArtifactsDir(sessionID string) string {
	return filepath.Join(w.SessionDir(sessionID), "artifacts")
}

// MemoryDir holds soul.json and observations.jsonl.
func (w *Workspace) MemoryDir(sessionID string) string {
	return filepath.Join(w.SessionDir(sessionID), "memory")
}

// CreateSession lays out the session directory tree and writes the manifest.
func (w *Workspace) CreateSession(m Manifest) error {
	dir := w.SessionDir(m.SessionID)
	for _, sub := range []string{"state", "checkpoints", filepath.Join("tools", "runs"), "memory", "artifacts"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return fmt.Errorf("failed to create session layout: %w", err)
		}
	}
	if err := writeJSON(filepath.Join(dir, "manifest.json"), m); err != nil {
		return err
	}
	// Seed the state files so observers always find them.
	if err := os.WriteFile(filepath.Join(dir, "state", "thread.md"), []byte("# Thread\n"), 0644); err != nil {
		return err
	}
	if err := w.WritePlan(m.SessionID, &Plan{}); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, "state", "task_graph.json"), map[string]interface{}{"nodes": []interface{}{}})
}

// LoadManifest reads a session's manifest.
func (w *Workspace) LoadManifest(sessionID string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(w.SessionDir(sessionID), "manifest.json"))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Sessions lists session IDs present under the root.
func (w *Workspace) Sessions() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(w.root, "sessions"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
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

// WriteHeartbeat updates state/heartbeat.json.
func (w *Workspace) WriteHeartbeat(sessionID string, hb Heartbeat) error {
	return writeJSON(filepath.Join(w.SessionDir(sessionID), "state", "heartbeat.json"), hb)
}

// ReadHeartbeat reads state/heartbeat.json.
func (w *Workspace) ReadHeartbeat(sessionID string) (*Heartbeat, error) {
	data, err := os.ReadFile(filepath.Join(w.SessionDir(sessionID), "state", "heartbeat.json"))
	if err != nil {
		return nil, err
	}
	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return nil, err
	}
	return &hb, nil
}

// WritePlan writes state/plan.yaml.
func (w *Workspace) WritePlan(sessionID string, p *Plan) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(w.SessionDir(sessionID), "state", "plan.yaml"), data, 0644)
}

// ReadPlan reads state/plan.yaml.
func (w *Workspace) ReadPlan(sessionID string) (*Plan, error) {
	data, err := os.ReadFile(filepath.Join(w.SessionDir(sessionID), "state", "plan.yaml"))
	if err != nil {
		return nil, err
	}
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// WriteCheckpoint writes a checkpoint pointer manifest.
func (w *Workspace) WriteCheckpoint(m CheckpointManifest) error {
	dir := filepath.Join(w.SessionDir(m.SessionID), "checkpoints", m.CheckpointID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, "manifest.json"), m)
}

// WriteRunReport persists a tool run report.
func (w *Workspace) WriteRunReport(sessionID, runID string, report interface{}) error {
	dir := filepath.Join(w.SessionDir(sessionID), "tools", "runs", runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, "report.json"), report)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
