package tools

import (
	"context"
	"testing"
	"time"

	"github.com/vinayprograms/aios/internal/event"
	"github.com/vinayprograms/aios/internal/journal"
	"github.com/vinayprograms/aios/internal/policy"
	"github.com/vinayprograms/aios/internal/sandbox"
	"github.com/vinayprograms/aios/internal/state"
	"github.com/vinayprograms/aios/internal/workspace"
)

type fixture struct {
	d       *Dispatcher
	j       *journal.Journal
	session string
	budget  *state.Budget
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()

	ws, err := workspace.Open(root)
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	j, err := journal.Open(root)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}

	session := event.NewSessionID()
	if err := ws.CreateSession(workspace.Manifest{SessionID: session, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("create session dir: %v", err)
	}
	if err := j.CreateSession(session); err != nil {
		t.Fatalf("create session journal: %v", err)
	}

	engine := policy.NewEngine(ws.SessionDir(session), nil)
	d := NewDispatcher(NewRegistry(), engine, policy.NewQueue(time.Hour), sandbox.New(), j, ws, Limits{
		Timeout:   10 * time.Second,
		OutputCap: 1 << 16,
	})
	return &fixture{
		d:       d,
		j:       j,
		session: session,
		budget:  state.NewBudget(100, 100000, 100, 50, 10),
	}
}

func (f *fixture) records(t *testing.T) []*event.Record {
	t.Helper()
	records, err := f.j.Read(f.session, event.MainBranch, 1, 0)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	return records
}

func kinds(records []*event.Record) []event.Kind {
	out := make([]event.Kind, len(records))
	for i, rec := range records {
		out[i] = rec.Kind
	}
	return out
}

func allowAll() policy.SessionGrants {
	return policy.SessionGrants{Granted: []policy.Rule{
		{Capability: policy.CapFSRead},
		{Capability: policy.CapFSWrite},
		{Capability: policy.CapShellExec},
	}}
}

func TestDispatch_WriteOrderInvariant(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.d.Dispatch(context.Background(), Request{
		SessionID: f.session,
		BranchID:  event.MainBranch,
		Tool:      ToolFSWrite,
		Args:      map[string]interface{}{"path": "hello.txt", "bytes": "hi"},
	}, allowAll(), f.budget)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if outcome.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", outcome.Status, outcome.FailReason)
	}

	// ToolRequested, ToolDispatched, side effect, then exactly one terminal.
	got := kinds(f.records(t))
	want := []event.Kind{event.KindToolRequested, event.KindToolDispatched, event.KindFileWrite, event.KindToolCompleted}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event order mismatch at %d: expected %s, got %v", i, want[i], got)
		}
	}
	if outcome.TerminalSeq != 4 {
		t.Errorf("terminal sequence should be 4, got %d", outcome.TerminalSeq)
	}
}

func TestDispatch_ReadBackAndShell(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.d.Dispatch(ctx, Request{SessionID: f.session, BranchID: event.MainBranch, Tool: ToolFSWrite,
		Args: map[string]interface{}{"path": "hello.txt", "bytes": "hi"}}, allowAll(), f.budget)

	outcome, err := f.d.Dispatch(ctx, Request{SessionID: f.session, BranchID: event.MainBranch, Tool: ToolShellExec,
		Args: map[string]interface{}{"argv": []string{"echo", "ok"}}}, allowAll(), f.budget)
	if err != nil || outcome.Status != StatusCompleted {
		t.Fatalf("shell exec failed: %v %+v", err, outcome)
	}

	outcome, err = f.d.Dispatch(ctx, Request{SessionID: f.session, BranchID: event.MainBranch, Tool: ToolFSRead,
		Args: map[string]interface{}{"path": "hello.txt"}}, allowAll(), f.budget)
	if err != nil || outcome.Status != StatusCompleted {
		t.Fatalf("read back failed: %v %+v", err, outcome)
	}
	if string(outcome.Report.Stdout) != "hi" {
		t.Errorf("expected read-back 'hi', got %q", outcome.Report.Stdout)
	}

	// The terminal completion carries the bytes in its payload too.
	records := f.records(t)
	last := records[len(records)-1]
	var p event.ToolCompletedPayload
	last.DecodePayload(&p)
	if p.StdoutBytes != "hi" {
		t.Errorf("completion payload stdout should be 'hi', got %q", p.StdoutBytes)
	}
}

func TestDispatch_UnknownTool(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.d.Dispatch(context.Background(), Request{
		SessionID: f.session, BranchID: event.MainBranch, Tool: "made.up",
	}, allowAll(), f.budget)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if outcome.Status != StatusFailed || outcome.FailReason != event.ReasonUnknownTool {
		t.Errorf("expected UnknownTool failure, got %+v", outcome)
	}

	got := kinds(f.records(t))
	if len(got) != 2 || got[1] != event.KindToolFailed {
		t.Errorf("expected ToolRequested then ToolFailed, got %v", got)
	}
}

func TestDispatch_PolicyDenied(t *testing.T) {
	f := newFixture(t)

	// fs.read only; the write must fail without side effects.
	grants := policy.SessionGrants{Granted: []policy.Rule{{Capability: policy.CapFSRead}}}
	outcome, err := f.d.Dispatch(context.Background(), Request{
		SessionID: f.session, BranchID: event.MainBranch, Tool: ToolFSWrite,
		Args: map[string]interface{}{"path": "x", "bytes": "y"},
	}, grants, f.budget)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if outcome.Status != StatusFailed || outcome.FailReason != event.ReasonPolicyDenied {
		t.Fatalf("expected PolicyDenied, got %+v", outcome)
	}
	if outcome.RuntimeError {
		t.Error("policy denial is not a runtime error")
	}

	for _, rec := range f.records(t) {
		if rec.Kind == event.KindFileWrite {
			t.Error("denied write must not produce a FileWrite event")
		}
	}
}

func TestDispatch_ApprovalFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grants := policy.SessionGrants{Overrides: map[string]policy.Effect{policy.CapShellExec: policy.EffectApprove}}
	outcome, err := f.d.Dispatch(ctx, Request{
		SessionID: f.session, BranchID: event.MainBranch, Tool: ToolShellExec,
		Args: map[string]interface{}{"argv": []string{"echo", "gated"}},
	}, grants, f.budget)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if outcome.Status != StatusAwaiting || outcome.TicketID == "" {
		t.Fatalf("expected awaiting with ticket, got %+v", outcome)
	}

	got := kinds(f.records(t))
	if got[len(got)-1] != event.KindApprovalRequired {
		t.Fatalf("expected ApprovalRequired, got %v", got)
	}

	// Grant: the call resumes and completes.
	resumed, err := f.d.Resolve(ctx, outcome.TicketID, true, grants, f.budget)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resumed.Status != StatusCompleted {
		t.Fatalf("expected completed after grant, got %+v", resumed)
	}

	got = kinds(f.records(t))
	want := []event.Kind{event.KindApprovalResolved, event.KindToolDispatched, event.KindToolCompleted}
	tail := got[len(got)-3:]
	for i := range want {
		if tail[i] != want[i] {
			t.Fatalf("resume tail mismatch: expected %v, got %v", want, tail)
		}
	}
}

func TestDispatch_ApprovalDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grants := policy.SessionGrants{Overrides: map[string]policy.Effect{policy.CapShellExec: policy.EffectApprove}}
	outcome, _ := f.d.Dispatch(ctx, Request{
		SessionID: f.session, BranchID: event.MainBranch, Tool: ToolShellExec,
		Args: map[string]interface{}{"argv": []string{"rm", "-rf", "/tmp/x"}},
	}, grants, f.budget)

	resumed, err := f.d.Resolve(ctx, outcome.TicketID, false, grants, f.budget)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resumed.Status != StatusFailed || resumed.FailReason != event.ReasonPolicyDenied {
		t.Fatalf("expected PolicyDenied after denial, got %+v", resumed)
	}

	records := f.records(t)
	var sawResolved bool
	for _, rec := range records {
		if rec.Kind == event.KindApprovalResolved {
			sawResolved = true
			var p event.ApprovalResolvedPayload
			rec.DecodePayload(&p)
			if p.Granted {
				t.Error("resolution should record granted=false")
			}
		}
		if rec.Kind == event.KindToolDispatched {
			t.Error("denied approval must not dispatch")
		}
	}
	if !sawResolved {
		t.Error("missing ApprovalResolved event")
	}
}

func TestDispatch_BudgetExhausted(t *testing.T) {
	f := newFixture(t)
	// The charge that takes tool_calls to zero exhausts the budget, so a
	// ceiling of 2 admits exactly one completed call.
	budget := state.NewBudget(100, 100000, 100, 2, 10)

	ctx := context.Background()
	first, _ := f.d.Dispatch(ctx, Request{SessionID: f.session, BranchID: event.MainBranch, Tool: ToolFSWrite,
		Args: map[string]interface{}{"path": "a", "bytes": "1"}}, allowAll(), budget)
	if first.Status != StatusCompleted {
		t.Fatalf("first call should fit the budget: %+v", first)
	}

	second, _ := f.d.Dispatch(ctx, Request{SessionID: f.session, BranchID: event.MainBranch, Tool: ToolFSWrite,
		Args: map[string]interface{}{"path": "b", "bytes": "2"}}, allowAll(), budget)
	if second.Status != StatusFailed || second.FailReason != event.ReasonBudgetExhausted {
		t.Fatalf("expected BudgetExhausted, got %+v", second)
	}
}

func TestDispatch_SandboxViolation(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.d.Dispatch(context.Background(), Request{
		SessionID: f.session, BranchID: event.MainBranch, Tool: ToolFSWrite,
		Args: map[string]interface{}{"path": "../../outside.txt", "bytes": "x"},
	}, allowAll(), f.budget)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if outcome.Status != StatusFailed || outcome.FailReason != event.ReasonSandboxViolation {
		t.Fatalf("expected SandboxViolation, got %+v", outcome)
	}
	if !outcome.RuntimeError {
		t.Error("sandbox violations count toward the error streak")
	}
}

func TestDispatch_ExpiredApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grants := policy.SessionGrants{Overrides: map[string]policy.Effect{policy.CapShellExec: policy.EffectApprove}}
	f.d.Dispatch(ctx, Request{SessionID: f.session, BranchID: event.MainBranch, Tool: ToolShellExec,
		Args: map[string]interface{}{"argv": []string{"echo", "late"}}}, grants, f.budget)

	if err := f.d.Expire(time.Now().Add(2 * time.Hour)); err != nil {
		t.Fatalf("expire: %v", err)
	}

	records := f.records(t)
	last := records[len(records)-1]
	if last.Kind != event.KindToolFailed {
		t.Fatalf("expected trailing ToolFailed, got %s", last.Kind)
	}
	var p event.ToolFailedPayload
	last.DecodePayload(&p)
	if p.Reason != event.ReasonApprovalExpired {
		t.Errorf("expected ApprovalExpired, got %s", p.Reason)
	}
}
