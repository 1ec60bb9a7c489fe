package tools

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/vinayprograms/aios/internal/event"
	"github.com/vinayprograms/aios/internal/journal"
	"github.com/vinayprograms/aios/internal/logging"
	"github.com/vinayprograms/aios/internal/policy"
	"github.com/vinayprograms/aios/internal/sandbox"
	"github.com/vinayprograms/aios/internal/state"
	"github.com/vinayprograms/aios/internal/workspace"
)

// Outcome status values.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusAwaiting  = "awaiting_approval"
)

// Request is one tool call on a (session, branch).
type Request struct {
	SessionID string
	BranchID  string
	Tool      string
	Args      map[string]interface{}
	Causation uint64 // sequence of the event that caused this request
}

// Outcome reports how a dispatch ended. RuntimeError distinguishes
// sandbox failures (which count toward the error streak) from policy
// denials (which do not).
type Outcome struct {
	Status       string
	RunID        string
	TicketID     string
	FailReason   string
	RuntimeError bool
	TerminalSeq  uint64 // sequence of the terminal ToolCompleted/ToolFailed event
	Report       *sandbox.Report
}

// Limits carries the sandbox limits the dispatcher applies to every run.
type Limits struct {
	Timeout   time.Duration
	OutputCap int
	EnvKeys   []string
}

// Dispatcher owns the registry and implements the dispatch algorithm:
// lookup, policy check, approval or deny, budget charge, sandbox
// execute, report. Side-effect events always precede the terminal tool
// event, so replay observers never see a completion without its effects.
type Dispatcher struct {
	registry *Registry
	engine   *policy.Engine
	queue    *policy.Queue
	runner   *sandbox.Runner
	journal  *journal.Journal
	ws       *workspace.Workspace
	limits   Limits
	log      *logging.Logger
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(reg *Registry, eng *policy.Engine, q *policy.Queue, runner *sandbox.Runner, j *journal.Journal, ws *workspace.Workspace, limits Limits) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		engine:   eng,
		queue:    q,
		runner:   runner,
		journal:  j,
		ws:       ws,
		limits:   limits,
		log:      logging.Default.WithComponent("dispatcher"),
	}
}

// Queue exposes the approval queue for host maintenance.
func (d *Dispatcher) Queue() *policy.Queue { return d.queue }

// Dispatch runs one request through the full gate. It appends
// ToolRequested first; every later step is recorded as an event too, so
// observers recover the whole story from the journal alone.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, grants policy.SessionGrants, budget *state.Budget) (*Outcome, error) {
	runID := uuid.NewString()

	requested, err := d.journal.Append(req.SessionID, req.BranchID, event.KindToolRequested,
		event.Marshal(event.ToolRequestedPayload{RunID: runID, Tool: req.Tool, Args: req.Args}), req.Causation)
	if err != nil {
		return nil, err
	}

	// Resolve the tool.
	builtin, ext, err := d.registry.Lookup(req.Tool)
	if err != nil {
		return d.fail(req, runID, requested.Sequence, event.ReasonUnknownTool, err.Error(), false)
	}

	// Build the policy intent.
	var spec sandbox.Spec
	var intent policy.Intent
	if builtin {
		spec, err = builtinSpec(req.Tool, req.Args)
		if err == nil {
			intent = builtinIntent(req.Tool, spec)
		}
	} else {
		intent, err = ext.Intent(req.Args)
	}
	if err != nil {
		return d.fail(req, runID, requested.Sequence, event.ReasonInvalidIntent, err.Error(), false)
	}

	// Policy evaluate.
	capability := d.registry.Capability(req.Tool)
	decision, err := d.engine.Evaluate(grants, capability, intent)
	if err != nil {
		return d.fail(req, runID, requested.Sequence, event.ReasonInvalidIntent, err.Error(), false)
	}
	switch decision.Kind {
	case policy.Deny:
		return d.fail(req, runID, requested.Sequence, event.ReasonPolicyDenied, decision.Reason, false)
	case policy.RequireApproval:
		ticket := d.queue.Submit(req.SessionID, req.BranchID, requested.Sequence, capability, req.Tool, req.Args)
		_, err := d.journal.Append(req.SessionID, req.BranchID, event.KindApprovalRequired,
			event.Marshal(event.ApprovalRequiredPayload{
				TicketID:   ticket.ID,
				Capability: capability,
				Tool:       req.Tool,
				Args:       req.Args,
			}), requested.Sequence)
		if err != nil {
			return nil, err
		}
		return &Outcome{Status: StatusAwaiting, RunID: runID, TicketID: ticket.ID}, nil
	}

	return d.execute(ctx, req, runID, requested.Sequence, builtin, ext, spec, budget)
}

// Resolve resumes a suspended tool call after a human decision. It
// appends ApprovalResolved, then either continues the dispatch from the
// budget step or records the denial.
func (d *Dispatcher) Resolve(ctx context.Context, ticketID string, granted bool, grants policy.SessionGrants, budget *state.Budget) (*Outcome, error) {
	ticket, err := d.queue.Resolve(ticketID, policy.Resolution{Granted: granted})
	if err != nil {
		return nil, err
	}

	_, err = d.journal.Append(ticket.SessionID, ticket.BranchID, event.KindApprovalResolved,
		event.Marshal(event.ApprovalResolvedPayload{TicketID: ticket.ID, Granted: granted}), ticket.RequestingSequence)
	if err != nil {
		return nil, err
	}

	req := Request{
		SessionID: ticket.SessionID,
		BranchID:  ticket.BranchID,
		Tool:      ticket.Tool,
		Args:      ticket.Args,
	}
	runID := uuid.NewString()

	if !granted {
		return d.fail(req, runID, ticket.RequestingSequence, event.ReasonPolicyDenied, "approval denied", false)
	}

	builtin, ext, err := d.registry.Lookup(ticket.Tool)
	if err != nil {
		return d.fail(req, runID, ticket.RequestingSequence, event.ReasonUnknownTool, err.Error(), false)
	}
	var spec sandbox.Spec
	if builtin {
		spec, err = builtinSpec(ticket.Tool, ticket.Args)
		if err != nil {
			return d.fail(req, runID, ticket.RequestingSequence, event.ReasonInvalidIntent, err.Error(), false)
		}
	}
	return d.execute(ctx, req, runID, ticket.RequestingSequence, builtin, ext, spec, budget)
}

// Expire moves overdue tickets to expired and records the failures.
func (d *Dispatcher) Expire(now time.Time) error {
	for _, ticket := range d.queue.Expire(now) {
		_, err := d.journal.Append(ticket.SessionID, ticket.BranchID, event.KindApprovalResolved,
			event.Marshal(event.ApprovalResolvedPayload{TicketID: ticket.ID, Granted: false, Expired: true}), ticket.RequestingSequence)
		if err != nil {
			return err
		}
		req := Request{SessionID: ticket.SessionID, BranchID: ticket.BranchID, Tool: ticket.Tool}
		if _, err := d.fail(req, "", ticket.RequestingSequence, event.ReasonApprovalExpired, "approval expired", false); err != nil {
			return err
		}
	}
	return nil
}

// execute performs the budget charge, dispatch, sandbox run, and commit.
func (d *Dispatcher) execute(ctx context.Context, req Request, runID string, requestedSeq uint64, builtin bool, ext External, spec sandbox.Spec, budget *state.Budget) (*Outcome, error) {
	// Budget: decrement tool calls, then check every dimension.
	budget.ChargeToolCall()
	if budget.Exhausted() {
		return d.fail(req, runID, requestedSeq, event.ReasonBudgetExhausted, "budget exhausted", true)
	}

	if _, err := d.journal.Append(req.SessionID, req.BranchID, event.KindToolDispatched,
		event.Marshal(event.ToolDispatchedPayload{RunID: runID, Tool: req.Tool}), requestedSeq); err != nil {
		return nil, err
	}
	d.log.ToolDispatch(req.Tool, req.BranchID, requestedSeq)

	start := time.Now()
	var report *sandbox.Report
	var runErr error
	if builtin {
		spec.Root = d.ws.SessionDir(req.SessionID)
		spec.Workdir = d.ws.ArtifactsDir(req.SessionID)
		spec.Timeout = d.limits.Timeout
		spec.OutputCap = d.limits.OutputCap
		if spec.Kind == sandbox.KindShellExec && len(spec.EnvKeys) == 0 {
			spec.EnvKeys = d.limits.EnvKeys
		}
		report, runErr = d.runner.Run(ctx, spec)
	} else {
		var out []byte
		out, runErr = ext.Execute(ctx, req.Args)
		report = &sandbox.Report{Stdout: out, DurationMs: time.Since(start).Milliseconds()}
	}
	duration := time.Since(start).Milliseconds()
	d.log.ToolOutcome(req.Tool, duration, runErr)

	if runErr != nil {
		reason := event.ReasonIOFailure
		switch {
		case errors.Is(runErr, sandbox.ErrTimedOut), errors.Is(runErr, sandbox.ErrCancelled):
			// Tool timeouts surface as cancellations.
			reason = event.ReasonCancelled
		case errors.Is(runErr, sandbox.ErrViolation):
			reason = event.ReasonSandboxViolation
		}
		return d.fail(req, runID, requestedSeq, reason, runErr.Error(), true)
	}

	// Canonical side-effect events precede the terminal completion.
	if builtin {
		if err := d.appendSideEffects(req, runID, requestedSeq, spec); err != nil {
			return nil, err
		}
	}

	completed := event.ToolCompletedPayload{
		RunID:       runID,
		Tool:        req.Tool,
		ExitStatus:  report.ExitStatus,
		StdoutBytes: string(report.Stdout),
		StderrBytes: string(report.Stderr),
		DurationMs:  duration,
		Truncated:   report.Truncated,
	}
	terminal, err := d.journal.Append(req.SessionID, req.BranchID, event.KindToolCompleted,
		event.Marshal(completed), requestedSeq)
	if err != nil {
		return nil, err
	}

	if err := d.ws.WriteRunReport(req.SessionID, runID, completed); err != nil {
		d.log.Warn("failed to persist run report", map[string]interface{}{"run_id": runID, "error": err.Error()})
	}

	return &Outcome{Status: StatusCompleted, RunID: runID, TerminalSeq: terminal.Sequence, Report: report}, nil
}

func (d *Dispatcher) appendSideEffects(req Request, runID string, requestedSeq uint64, spec sandbox.Spec) error {
	var kind event.Kind
	var payload []byte
	switch spec.Kind {
	case sandbox.KindFSWrite:
		kind = event.KindFileWrite
		payload = event.Marshal(event.FileWritePayload{
			RunID:   runID,
			Path:    spec.Path,
			Bytes:   int64(len(spec.Content)),
			Content: spec.Content,
		})
	case sandbox.KindFSDelete:
		kind = event.KindFileDelete
		payload = event.Marshal(event.FileDeletePayload{RunID: runID, Path: spec.Path})
	case sandbox.KindFSRename:
		kind = event.KindFileRename
		payload = event.Marshal(event.FileRenamePayload{RunID: runID, From: spec.Path, To: spec.Dest})
	default:
		return nil
	}
	_, err := d.journal.Append(req.SessionID, req.BranchID, kind, payload, requestedSeq)
	return err
}

// fail appends the terminal ToolFailed event with a structured reason.
func (d *Dispatcher) fail(req Request, runID string, causation uint64, reason, detail string, runtimeErr bool) (*Outcome, error) {
	rec, err := d.journal.Append(req.SessionID, req.BranchID, event.KindToolFailed,
		event.Marshal(event.ToolFailedPayload{RunID: runID, Tool: req.Tool, Reason: reason, Detail: detail}), causation)
	if err != nil {
		return nil, err
	}
	return &Outcome{Status: StatusFailed, RunID: runID, FailReason: reason, RuntimeError: runtimeErr, TerminalSeq: rec.Sequence}, nil
}
