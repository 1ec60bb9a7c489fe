package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vinayprograms/aios/internal/event"
	"github.com/vinayprograms/aios/internal/state"
	"github.com/vinayprograms/aios/internal/tools"
	"github.com/vinayprograms/aios/internal/workspace"
)

// TickOutcome summarizes one pass through the state machine.
type TickOutcome struct {
	Tick     uint64
	Mode     state.Mode
	Dispatch *tools.Outcome // nil when no tool ran this tick
}

// Tick advances a session by exactly one pass:
// Sense -> Estimate -> Gate -> Execute -> Commit -> Reflect -> Heartbeat.
// Ticks within a session are strictly serialized.
func (k *Kernel) Tick(ctx context.Context, sessionID string) (*TickOutcome, error) {
	s, err := k.Session(sessionID)
	if err != nil {
		return nil, err
	}
	d, err := k.dispatcher(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.suspended {
		return nil, fmt.Errorf("%w: %s", ErrSessionSuspended, sessionID)
	}

	start := time.Now()
	s.tick++
	tick := s.tick
	branch := s.branch

	ctx, span := k.startTickSpan(ctx, sessionID, tick)
	defer span.End()

	if _, err := k.journal.Append(sessionID, branch, event.KindTickStarted,
		event.Marshal(event.TickStartedPayload{Tick: tick}), 0); err != nil {
		return nil, k.abortTick(s, err)
	}

	// Sense: pending approvals and recent journal activity.
	if err := d.Expire(start); err != nil {
		return nil, k.abortTick(s, err)
	}
	pending := len(k.queue.Pending(sessionID))
	head, err := k.journal.Head(sessionID, branch)
	if err != nil {
		return nil, k.abortTick(s, err)
	}
	recent, err := k.journal.Read(sessionID, branch, senseWindowStart(head), senseWindow)
	if err != nil {
		return nil, k.abortTick(s, err)
	}

	// Estimate: update the vector, then let the controllers pick a mode.
	k.estimate(s, recent, pending)
	if _, err := k.journal.Append(sessionID, branch, event.KindStateEstimated,
		event.Marshal(statePayload(s.vector, s.budget)), 0); err != nil {
		return nil, k.abortTick(s, err)
	}

	sel := state.SelectMode(s.vector, s.budget, k.thresholds(), pending)
	if err := k.transitionMode(s, sel); err != nil {
		return nil, k.abortTick(s, err)
	}
	k.endEstimateSpan(span, string(s.mode), sel.Reason)

	// Gate + Execute + Commit: at most one queued intent per tick. The
	// dispatcher appends every gate decision and effect as events.
	var dispatch *tools.Outcome
	if intent, ok := k.nextIntent(s); ok {
		dispatch, err = d.Dispatch(ctx, intent, s.grants, s.budget)
		if err != nil {
			return nil, k.abortTick(s, err)
		}
		k.applyOutcome(s, dispatch)

		if dispatch.Status == tools.StatusAwaiting {
			// The call is suspended on a human; park in AskHuman now
			// rather than waiting for the next estimate.
			if err := k.transitionMode(s, state.Selection{Mode: state.ModeAskHuman, Reason: "pending approval"}); err != nil {
				return nil, k.abortTick(s, err)
			}
		} else {
			// Reflect: extract an observation from the terminal event.
			if err := k.reflect(s, dispatch); err != nil {
				return nil, k.abortTick(s, err)
			}
		}
	}

	// Heartbeat: checkpoint, then heartbeat, then the liveness file.
	s.budget.ChargeTime(time.Since(start).Milliseconds())
	if err := k.checkpoint(s, tick); err != nil {
		return nil, k.abortTick(s, err)
	}
	if _, err := k.journal.Append(sessionID, s.branch, event.KindHeartbeat,
		event.Marshal(event.HeartbeatPayload{Tick: tick}), 0); err != nil {
		return nil, k.abortTick(s, err)
	}
	s.lastBeat = time.Now()
	if err := k.ws.WriteHeartbeat(sessionID, workspace.Heartbeat{
		Tick:      tick,
		Mode:      string(s.mode),
		Branch:    s.branch,
		UpdatedAt: s.lastBeat,
	}); err != nil {
		k.log.Warn("failed to write heartbeat file", map[string]interface{}{"error": err.Error()})
	}

	return &TickOutcome{Tick: tick, Mode: s.mode, Dispatch: dispatch}, nil
}

// IdleHeartbeat writes a heartbeat without running a tick, for sessions
// that are otherwise quiet. Hosts call it on the configured interval.
func (k *Kernel) IdleHeartbeat(sessionID string) error {
	s, err := k.Session(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if time.Since(s.lastBeat) < k.cfg.HeartbeatInterval() {
		return nil
	}
	if _, err := k.journal.Append(sessionID, s.branch, event.KindHeartbeat,
		event.Marshal(event.HeartbeatPayload{Tick: s.tick, Idle: true}), 0); err != nil {
		return err
	}
	s.lastBeat = time.Now()
	return k.ws.WriteHeartbeat(sessionID, workspace.Heartbeat{
		Tick:      s.tick,
		Mode:      string(s.mode),
		Branch:    s.branch,
		UpdatedAt: s.lastBeat,
	})
}

const senseWindow = 32

func senseWindowStart(head uint64) uint64 {
	if head > senseWindow {
		return head - senseWindow + 1
	}
	return 1
}

// estimate folds sensed activity into the state vector. Derived values
// only: the journal stays authoritative.
func (k *Kernel) estimate(s *Session, recent []*event.Record, pending int) {
	if pending > 0 {
		s.vector.HumanDependency = 1
	} else {
		s.vector.HumanDependency = 0
	}

	var effects, total int
	for _, rec := range recent {
		switch rec.Kind {
		case event.KindFileWrite, event.KindFileDelete, event.KindFileRename:
			effects++
		}
		total++
	}
	if total > 0 {
		s.vector.SideEffectPressure = float64(effects) / float64(total) * 4
	}

	head := uint64(0)
	if len(recent) > 0 {
		head = recent[len(recent)-1].Sequence
	}
	s.vector.ContextPressure = float64(head) / 2000

	s.vector.Clamp()
}

// transitionMode applies a controller selection, recording CircuitTripped
// and ModeChanged, plus a checkpoint when crossing the Recover boundary.
func (k *Kernel) transitionMode(s *Session, sel state.Selection) error {
	if sel.CircuitTripped && s.mode != state.ModeRecover {
		if _, err := k.journal.Append(s.ID, s.branch, event.KindCircuitTripped,
			event.Marshal(event.CircuitTrippedPayload{ErrorStreak: s.vector.ErrorStreak}), 0); err != nil {
			return err
		}
	}

	if sel.Mode == s.mode {
		return nil
	}
	from := s.mode
	s.mode = sel.Mode
	if _, err := k.journal.Append(s.ID, s.branch, event.KindModeChanged,
		event.Marshal(event.ModeChangedPayload{From: string(from), To: string(sel.Mode), Reason: sel.Reason}), 0); err != nil {
		return err
	}
	k.log.WithSession(s.ID).ModeChange(string(from), string(sel.Mode), sel.Reason)

	// Crossing into or out of Recover checkpoints immediately.
	if from == state.ModeRecover || sel.Mode == state.ModeRecover {
		return k.checkpoint(s, s.tick)
	}
	return nil
}

// nextIntent pops the first intent the current mode is allowed to run.
// Verify and Explore only run read-only tools; Recover, AskHuman, and
// Sleep run nothing. A Recover tick clears the streak so the circuit
// can close again.
func (k *Kernel) nextIntent(s *Session) (tools.Request, bool) {
	switch s.mode {
	case state.ModeRecover:
		s.vector.ErrorStreak = 0
		s.vector.RiskLevel = s.vector.RiskLevel / 2
		return tools.Request{}, false
	case state.ModeAskHuman, state.ModeSleep:
		return tools.Request{}, false
	}

	for i, intent := range s.intents {
		if (s.mode == state.ModeVerify || s.mode == state.ModeExplore) && !readOnlyTool(intent.Tool) {
			continue
		}
		s.intents = append(s.intents[:i], s.intents[i+1:]...)
		if intent.BranchID == "" {
			intent.BranchID = s.branch
		}
		return intent, true
	}
	return tools.Request{}, false
}

func readOnlyTool(name string) bool {
	return name == tools.ToolFSRead || name == tools.ToolNetFetch
}

// applyOutcome folds a dispatch outcome back into the vector and budget.
// Policy denials are final but not runtime errors: the streak only moves
// on sandbox failures and successful completions.
func (k *Kernel) applyOutcome(s *Session, outcome *tools.Outcome) {
	switch outcome.Status {
	case tools.StatusCompleted:
		s.vector.ErrorStreak = 0
		s.vector.Progress += 0.05
		s.vector.Uncertainty *= 0.8
	case tools.StatusAwaiting:
		s.vector.HumanDependency = 1
	case tools.StatusFailed:
		if outcome.RuntimeError {
			s.vector.ErrorStreak++
			s.vector.Uncertainty += 0.1
			s.vector.RiskLevel += 0.1
			s.budget.ChargeError()
		}
	}
	s.vector.Clamp()
}

// reflect extracts an observation from a terminal tool event and records
// it with provenance. Recording is idempotent under replay.
func (k *Kernel) reflect(s *Session, outcome *tools.Outcome) error {
	content := outcome.FailReason
	obsKind := "tool_failed"
	if outcome.Status == tools.StatusCompleted {
		obsKind = "tool_completed"
		if outcome.Report != nil {
			content = string(outcome.Report.Stdout)
		}
	}

	fresh, err := s.memory.Record(memoryObservation(s.ID, s.branch, outcome.TerminalSeq, obsKind, content))
	if err != nil {
		return err
	}
	if !fresh {
		return nil
	}
	_, err = k.journal.Append(s.ID, s.branch, event.KindObservationRecorded,
		event.Marshal(event.ObservationRecordedPayload{
			SourceSequence: outcome.TerminalSeq,
			ObsKind:        obsKind,
			Content:        truncateContent(content, 512),
		}), outcome.TerminalSeq)
	return err
}

// checkpoint writes the Checkpoint event and its pointer manifest.
func (k *Kernel) checkpoint(s *Session, tick uint64) error {
	head, err := k.journal.Head(s.ID, s.branch)
	if err != nil {
		return err
	}
	ckptID := uuid.NewString()
	digest := s.memory.Digest()

	if _, err := k.journal.Append(s.ID, s.branch, event.KindCheckpoint,
		event.Marshal(event.CheckpointPayload{
			CheckpointID: ckptID,
			Tick:         tick,
			Mode:         string(s.mode),
			BranchHead:   head,
			MemoryDigest: digest,
			State:        statePayload(s.vector, s.budget),
		}), 0); err != nil {
		return err
	}

	return k.ws.WriteCheckpoint(workspace.CheckpointManifest{
		CheckpointID: ckptID,
		SessionID:    s.ID,
		Branch:       s.branch,
		BranchHead:   head,
		Mode:         string(s.mode),
		MemoryDigest: digest,
		CreatedAt:    time.Now().UTC(),
	})
}

// abortTick handles journal failures, which are fatal to the tick: the
// session transitions to Recover and the error propagates to the host.
func (k *Kernel) abortTick(s *Session, err error) error {
	s.mode = state.ModeRecover
	k.log.WithSession(s.ID).Error("tick aborted", map[string]interface{}{"error": err.Error()})
	return fmt.Errorf("tick aborted: %w", err)
}

func truncateContent(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
