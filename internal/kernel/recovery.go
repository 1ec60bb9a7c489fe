package kernel

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/vinayprograms/aios/internal/event"
	"github.com/vinayprograms/aios/internal/memory"
	"github.com/vinayprograms/aios/internal/policy"
	"github.com/vinayprograms/aios/internal/state"
)

// recoverSessions rebuilds every session found on disk: scan the
// journal, restore state from the last checkpoint, replay forward,
// detect aborted ticks, and reconcile the workspace against the
// journal's file effects.
func (k *Kernel) recoverSessions() error {
	ids, err := k.ws.Sessions()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := k.recoverSession(id); err != nil {
			return err
		}
	}
	return nil
}

func (k *Kernel) recoverSession(id string) error {
	if err := k.journal.OpenSession(id); err != nil {
		return err
	}
	manifest, err := k.ws.LoadManifest(id)
	if err != nil {
		return err
	}
	mem, err := memory.Open(k.ws.MemoryDir(id))
	if err != nil {
		return err
	}

	// The heartbeat file names the branch the session was last on.
	branch := event.MainBranch
	if hb, err := k.ws.ReadHeartbeat(id); err == nil && hb.Branch != "" {
		branch = hb.Branch
	}

	b := k.cfg.Budgets
	s := &Session{
		ID:     id,
		branch: branch,
		mode:   state.ModeExecute,
		budget: state.NewBudget(b.Tokens, b.TimeMs, b.CostUnits, b.ToolCalls, b.ErrorBudget),
		grants: parseGrants(Manifest{Capabilities: manifest.Capabilities, Overrides: manifest.Overrides}),
		memory: mem,
	}

	records, err := k.journal.Read(id, branch, 1, 0)
	if err != nil {
		return err
	}
	aborted := k.replay(s, records)
	k.restoreApprovals(id, branch, records)

	k.mu.Lock()
	k.sessions[id] = s
	k.dispatchers[id] = k.newDispatcher(id)
	k.mu.Unlock()

	if err := k.reconcileWorkspace(id, records); err != nil {
		return err
	}

	if _, err := k.journal.Append(id, branch, event.KindSessionResumed,
		event.Marshal(event.SessionResumedPayload{AbortedTick: aborted, FromTick: s.tick}), 0); err != nil {
		return err
	}
	k.log.WithSession(id).Info("session recovered", map[string]interface{}{
		"aborted_tick": aborted,
		"tick":         s.tick,
	})
	return nil
}

// replay restores session state: find the last checkpoint, apply its
// snapshot, then fold events after it. Returns true when a tick started
// but never reached its heartbeat (mid-tick crash).
func (k *Kernel) replay(s *Session, records []*event.Record) bool {
	lastCkpt := -1
	for i, rec := range records {
		if rec.Kind == event.KindCheckpoint {
			lastCkpt = i
		}
	}

	if lastCkpt >= 0 {
		var p event.CheckpointPayload
		if records[lastCkpt].DecodePayload(&p) == nil {
			s.tick = p.Tick
			if p.Mode != "" {
				s.mode = state.Mode(p.Mode)
			}
			s.vector = state.Vector{
				Progress:           p.State.Progress,
				Uncertainty:        p.State.Uncertainty,
				RiskLevel:          p.State.RiskLevel,
				ErrorStreak:        p.State.ErrorStreak,
				ContextPressure:    p.State.ContextPressure,
				SideEffectPressure: p.State.SideEffectPressure,
				HumanDependency:    p.State.HumanDependency,
			}
			// Fork and merge checkpoints carry no budget snapshot; keep
			// the configured ceilings in that case.
			if p.State.BudgetTimeMs != 0 || p.State.BudgetToolCalls != 0 {
				s.budget = state.NewBudget(p.State.BudgetTokens, p.State.BudgetTimeMs,
					p.State.BudgetCostUnits, p.State.BudgetToolCalls, p.State.BudgetErrorBudget)
			}
		}
	}

	// Fold forward: anything after the checkpoint moves derived state.
	openTick := false
	for _, rec := range records[lastCkpt+1:] {
		switch rec.Kind {
		case event.KindTickStarted:
			openTick = true
			var p event.TickStartedPayload
			if rec.DecodePayload(&p) == nil {
				s.tick = p.Tick
			}
		case event.KindHeartbeat:
			openTick = false
		case event.KindToolCompleted:
			s.vector.ErrorStreak = 0
		case event.KindToolFailed:
			var p event.ToolFailedPayload
			if rec.DecodePayload(&p) == nil && runtimeReason(p.Reason) {
				s.vector.ErrorStreak++
			}
		case event.KindModeChanged:
			var p event.ModeChangedPayload
			if rec.DecodePayload(&p) == nil {
				s.mode = state.Mode(p.To)
			}
		case event.KindSessionSuspended:
			s.suspended = true
		case event.KindSessionResumed:
			s.suspended = false
		}
	}

	// A trailing TickStarted without its Heartbeat means the process
	// died mid-tick. The tick is aborted; the loop retries it under the
	// same tick number. Side effects already journaled stay authoritative.
	if openTick {
		s.mode = state.ModeExecute
		if s.tick > 0 {
			s.tick--
		}
	}
	return openTick
}

// restoreApprovals rebuilds the in-memory approval queue: every
// ApprovalRequired without a matching ApprovalResolved is still pending.
func (k *Kernel) restoreApprovals(sessionID, branch string, records []*event.Record) {
	open := make(map[string]*policy.Ticket)
	for _, rec := range records {
		switch rec.Kind {
		case event.KindApprovalRequired:
			var p event.ApprovalRequiredPayload
			if rec.DecodePayload(&p) == nil {
				open[p.TicketID] = &policy.Ticket{
					ID:                 p.TicketID,
					SessionID:          sessionID,
					BranchID:           branch,
					RequestingSequence: rec.CausationID,
					Capability:         p.Capability,
					Tool:               p.Tool,
					Args:               p.Args,
					Status:             policy.TicketPending,
					CreatedAt:          rec.WallTime(),
				}
			}
		case event.KindApprovalResolved:
			var p event.ApprovalResolvedPayload
			if rec.DecodePayload(&p) == nil {
				delete(open, p.TicketID)
			}
		}
	}
	for _, t := range open {
		k.queue.Restore(t)
	}
}

func runtimeReason(reason string) bool {
	switch reason {
	case event.ReasonPolicyDenied, event.ReasonApprovalExpired, event.ReasonUnknownTool, event.ReasonInvalidIntent:
		return false
	}
	return true
}

// reconcileWorkspace replays the journal's canonical file effects over
// the artifacts tree when divergent. Journal state is authoritative.
func (k *Kernel) reconcileWorkspace(sessionID string, records []*event.Record) error {
	root := k.ws.ArtifactsDir(sessionID)

	// Last effect per path wins.
	type effect struct {
		content []byte
		deleted bool
	}
	effects := make(map[string]*effect)
	for _, rec := range records {
		switch rec.Kind {
		case event.KindFileWrite:
			var p event.FileWritePayload
			if rec.DecodePayload(&p) == nil {
				effects[p.Path] = &effect{content: p.Content}
			}
		case event.KindFileDelete:
			var p event.FileDeletePayload
			if rec.DecodePayload(&p) == nil {
				effects[p.Path] = &effect{deleted: true}
			}
		case event.KindFileRename:
			var p event.FileRenamePayload
			if rec.DecodePayload(&p) == nil {
				if prev, ok := effects[p.From]; ok {
					effects[p.To] = prev
				} else if data, err := os.ReadFile(filepath.Join(root, p.From)); err == nil {
					effects[p.To] = &effect{content: data}
				}
				effects[p.From] = &effect{deleted: true}
			}
		}
	}

	for path, eff := range effects {
		target := filepath.Join(root, path)
		if eff.deleted {
			if _, err := os.Stat(target); err == nil {
				if err := os.Remove(target); err != nil {
					return err
				}
			}
			continue
		}
		current, err := os.ReadFile(target)
		if err == nil && bytes.Equal(current, eff.content) {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(target, eff.content, 0644); err != nil {
			return err
		}
	}
	return nil
}
