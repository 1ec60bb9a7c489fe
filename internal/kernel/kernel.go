// Package kernel drives sessions through the tick state machine and
// exposes the embedding surface hosts consume. It owns the composition
// of journal, policy, sandbox, tools, memory, and workspace.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vinayprograms/aios/internal/config"
	"github.com/vinayprograms/aios/internal/event"
	"github.com/vinayprograms/aios/internal/journal"
	"github.com/vinayprograms/aios/internal/logging"
	"github.com/vinayprograms/aios/internal/memory"
	"github.com/vinayprograms/aios/internal/policy"
	"github.com/vinayprograms/aios/internal/sandbox"
	"github.com/vinayprograms/aios/internal/state"
	"github.com/vinayprograms/aios/internal/tools"
	"github.com/vinayprograms/aios/internal/workspace"
)

var (
	// ErrSessionSuspended reports a tick on a suspended session.
	ErrSessionSuspended = errors.New("session is suspended")
	// ErrUnknownSession reports an operation on a session the kernel does not hold.
	ErrUnknownSession = errors.New("unknown session")
)

// Kernel is the composition root. Sessions are referenced by ID
// everywhere; subcomponents never back-reference the kernel.
type Kernel struct {
	cfg     *config.Config
	ws      *workspace.Workspace
	journal *journal.Journal
	queue   *policy.Queue
	reg     *tools.Registry
	runner  *sandbox.Runner
	log     *logging.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	// dispatchers are per session because policy path canonicalization
	// is rooted at the session workspace.
	dispatchers map[string]*tools.Dispatcher
}

// Open wires a kernel over the configured workspace root and recovers
// any sessions already on disk.
func Open(cfg *config.Config) (*Kernel, error) {
	ws, err := workspace.Open(cfg.Root())
	if err != nil {
		return nil, err
	}
	j, err := journal.Open(cfg.Root())
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		cfg:         cfg,
		ws:          ws,
		journal:     j,
		queue:       policy.NewQueue(cfg.ApprovalTTL()),
		reg:         tools.NewRegistry(),
		runner:      sandbox.New(),
		log:         logging.Default.WithComponent("kernel"),
		sessions:    make(map[string]*Session),
		dispatchers: make(map[string]*tools.Dispatcher),
	}

	if err := k.recoverSessions(); err != nil {
		return nil, err
	}
	return k, nil
}

// Journal exposes the event journal for read-side consumers (replay,
// mirrors). Hosts own no kernel state through it.
func (k *Kernel) Journal() *journal.Journal { return k.journal }

// RegisterTool adds an external tool to the registry.
func (k *Kernel) RegisterTool(t tools.External) { k.reg.Register(t) }

// AddMirror registers a journal mirror (e.g. the NATS bridge).
func (k *Kernel) AddMirror(m journal.Mirror) { k.journal.AddMirror(m) }

// CreateSession creates a session: workspace layout, journal with an
// open main branch, memory store, and the SessionCreated event.
func (k *Kernel) CreateSession(m Manifest) (string, error) {
	id := event.NewSessionID()
	now := time.Now().UTC()

	if err := k.ws.CreateSession(manifestRecord(id, m, now)); err != nil {
		return "", err
	}
	if err := k.journal.CreateSession(id); err != nil {
		return "", err
	}
	mem, err := memory.Open(k.ws.MemoryDir(id))
	if err != nil {
		return "", err
	}
	if mem.Load() == nil {
		if err := mem.SaveSoul(&memory.Soul{SessionID: id, CreatedAt: now}); err != nil {
			return "", err
		}
	}

	budget := m.Budgets
	if budget == nil {
		b := k.cfg.Budgets
		budget = state.NewBudget(b.Tokens, b.TimeMs, b.CostUnits, b.ToolCalls, b.ErrorBudget)
	}

	s := &Session{
		ID:     id,
		branch: event.MainBranch,
		mode:   state.ModeExecute,
		budget: budget,
		grants: parseGrants(m),
		memory: mem,
	}

	k.mu.Lock()
	k.sessions[id] = s
	k.dispatchers[id] = k.newDispatcher(id)
	k.mu.Unlock()

	_, err = k.journal.Append(id, event.MainBranch, event.KindSessionCreated,
		event.Marshal(sessionCreatedPayload(m, k.ws.SessionDir(id))), 0)
	if err != nil {
		return "", err
	}

	k.log.WithSession(id).Info("session created")
	return id, nil
}

func (k *Kernel) newDispatcher(sessionID string) *tools.Dispatcher {
	engine := policy.NewEngine(k.ws.SessionDir(sessionID), k.defaultRules())
	return tools.NewDispatcher(k.reg, engine, k.queue, k.runner, k.journal, k.ws, tools.Limits{
		Timeout:   k.cfg.SandboxTimeout(),
		OutputCap: k.cfg.Sandbox.OutputCap,
		EnvKeys:   k.cfg.Sandbox.EnvWhitelist,
	})
}

// defaultRules translates configured capability defaults into rules.
func (k *Kernel) defaultRules() []policy.Rule {
	var rules []policy.Rule
	for name, eff := range k.cfg.Policy.Defaults {
		rules = append(rules, policy.Rule{Capability: name, Effect: policy.Effect(eff)})
	}
	return rules
}

// thresholds builds the controller thresholds from configuration.
func (k *Kernel) thresholds() state.Thresholds {
	th := state.DefaultThresholds()
	if k.cfg.Kernel.UncertaintyTheta > 0 {
		th.UncertaintyTheta = k.cfg.Kernel.UncertaintyTheta
	}
	if k.cfg.Kernel.ContextTheta > 0 {
		th.ContextTheta = k.cfg.Kernel.ContextTheta
	}
	if k.cfg.Kernel.SideEffectTheta > 0 {
		th.SideEffectTheta = k.cfg.Kernel.SideEffectTheta
	}
	if k.cfg.Kernel.ErrorThreshold > 0 {
		th.ErrorThreshold = k.cfg.Kernel.ErrorThreshold
	}
	return th
}

// Session returns a live session by ID.
func (k *Kernel) Session(id string) (*Session, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s, nil
}

func (k *Kernel) dispatcher(id string) (*tools.Dispatcher, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	d, ok := k.dispatchers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return d, nil
}

// Sessions lists the IDs of live sessions.
func (k *Kernel) Sessions() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	ids := make([]string, 0, len(k.sessions))
	for id := range k.sessions {
		ids = append(ids, id)
	}
	return ids
}

// ReadEvents returns a contiguous event slice from a branch.
func (k *Kernel) ReadEvents(sessionID, branchID string, fromSequence uint64, limit int) ([]*event.Record, error) {
	return k.journal.Read(sessionID, branchID, fromSequence, limit)
}

// SubscribeEvents returns a gap-free stream of a branch's events.
func (k *Kernel) SubscribeEvents(sessionID, branchID string, fromCursor uint64) (*journal.Subscription, error) {
	return k.journal.Subscribe(sessionID, branchID, fromCursor)
}

// ForkBranch creates a branch at the given parent sequence.
func (k *Kernel) ForkBranch(sessionID, parentBranch string, atSequence uint64, newBranch string) (string, error) {
	if _, err := k.Session(sessionID); err != nil {
		return "", err
	}
	if _, err := k.journal.Fork(sessionID, parentBranch, atSequence, newBranch); err != nil {
		return "", err
	}
	return newBranch, nil
}

// MergeBranch merges source into target, closing source.
func (k *Kernel) MergeBranch(sessionID, source, target string) error {
	s, err := k.Session(sessionID)
	if err != nil {
		return err
	}
	if _, err := k.journal.Merge(sessionID, source, target); err != nil {
		return err
	}
	s.mu.Lock()
	if s.branch == source {
		s.branch = target
	}
	s.mu.Unlock()
	return nil
}

// SwitchBranch points the session's tick loop at another open branch.
func (k *Kernel) SwitchBranch(sessionID, branch string) error {
	s, err := k.Session(sessionID)
	if err != nil {
		return err
	}
	info, err := k.journal.BranchInfo(sessionID, branch)
	if err != nil {
		return err
	}
	if info.Status != journal.StatusOpen {
		return fmt.Errorf("%w: %s", journal.ErrBranchClosed, branch)
	}
	s.mu.Lock()
	s.branch = branch
	s.mu.Unlock()
	return nil
}

// ResolveApproval applies a human decision to a pending ticket and
// resumes the suspended tool call.
func (k *Kernel) ResolveApproval(ctx context.Context, ticketID string, granted bool) (*tools.Outcome, error) {
	ticket, err := k.queue.Get(ticketID)
	if err != nil {
		return nil, err
	}
	s, err := k.Session(ticket.SessionID)
	if err != nil {
		return nil, err
	}
	d, err := k.dispatcher(ticket.SessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	outcome, err := d.Resolve(ctx, ticketID, granted, s.grants, s.budget)
	if err != nil {
		return nil, err
	}
	k.applyOutcome(s, outcome)
	return outcome, nil
}

// PendingApprovals lists a session's open tickets.
func (k *Kernel) PendingApprovals(sessionID string) []*policy.Ticket {
	return k.queue.Pending(sessionID)
}

// SuspendSession suspends a session and parks it in Sleep. It takes the
// session lock, so it waits for a running tick to finish; a sandbox run
// already in progress is not cancelled.
func (k *Kernel) SuspendSession(sessionID string) error {
	s, err := k.Session(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suspended {
		return nil
	}
	s.suspended = true
	prior := s.mode
	s.mode = state.ModeSleep

	if _, err := k.journal.Append(sessionID, s.branch, event.KindSessionSuspended, nil, 0); err != nil {
		return err
	}
	if prior != state.ModeSleep {
		_, err = k.journal.Append(sessionID, s.branch, event.KindModeChanged,
			event.Marshal(event.ModeChangedPayload{From: string(prior), To: string(state.ModeSleep), Reason: "suspended"}), 0)
	}
	return err
}

// ResumeSession lifts a suspension.
func (k *Kernel) ResumeSession(sessionID string) error {
	s, err := k.Session(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.suspended {
		return nil
	}
	s.suspended = false
	_, err = k.journal.Append(sessionID, s.branch, event.KindSessionResumed,
		event.Marshal(event.SessionResumedPayload{AbortedTick: false}), 0)
	return err
}

// ChargeBudget applies host-reported token and cost usage.
func (k *Kernel) ChargeBudget(sessionID string, tokens, costUnits int64) error {
	s, err := k.Session(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budget.Charge(tokens, costUnits)
	return nil
}

// ExpireApprovals times out overdue tickets and records the failures.
// The queue is process-wide, so one dispatcher sweep covers every session.
func (k *Kernel) ExpireApprovals(now time.Time) error {
	k.mu.Lock()
	var d *tools.Dispatcher
	for _, v := range k.dispatchers {
		d = v
		break
	}
	k.mu.Unlock()

	if d == nil {
		return nil
	}
	return d.Expire(now)
}
