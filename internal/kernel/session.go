package kernel

import (
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/aios/internal/event"
	"github.com/vinayprograms/aios/internal/memory"
	"github.com/vinayprograms/aios/internal/policy"
	"github.com/vinayprograms/aios/internal/state"
	"github.com/vinayprograms/aios/internal/tools"
	"github.com/vinayprograms/aios/internal/workspace"
)

// Manifest describes a session at creation time.
type Manifest struct {
	// Capabilities are grant expressions: a capability name, optionally
	// scoped after a colon ("fs.write", "shell.exec:echo",
	// "net.egress:example.com:443").
	Capabilities []string
	// Overrides force a disposition per capability: allow, approve, deny.
	Overrides map[string]string
	// Budgets override the configured ceilings when non-nil.
	Budgets *state.Budget
}

// Session is an isolated execution unit: workspace, journal branch,
// state vector, budget, and memory. It is mutated only by its own tick
// loop; ticks are strictly serialized by mu.
type Session struct {
	ID string

	mu        sync.Mutex
	branch    string
	mode      state.Mode
	vector    state.Vector
	budget    *state.Budget
	grants    policy.SessionGrants
	engine    *policy.Engine
	memory    *memory.Store
	tick      uint64
	intents   []tools.Request
	suspended bool
	lastBeat  time.Time
}

// EnqueueIntent queues a tool request for the session's tick loop. The
// branch is explicit on every write; an empty branch targets the
// session's current branch at dispatch time.
func (s *Session) EnqueueIntent(branch, tool string, args map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents = append(s.intents, tools.Request{
		SessionID: s.ID,
		BranchID:  branch,
		Tool:      tool,
		Args:      args,
	})
}

// Branch returns the session's current branch.
func (s *Session) Branch() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.branch
}

// Mode returns the session's current operating mode.
func (s *Session) Mode() state.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Vector returns a copy of the session's state vector.
func (s *Session) Vector() state.Vector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vector
}

// parseGrants translates manifest capability expressions into policy
// rules. Scope text after the first colon is interpreted per capability
// family: a path prefix for fs.*, an argv[0] entry for shell.*, a host
// for net.*.
func parseGrants(m Manifest) policy.SessionGrants {
	grants := policy.SessionGrants{Overrides: make(map[string]policy.Effect)}
	for name, eff := range m.Overrides {
		grants.Overrides[name] = policy.Effect(eff)
	}
	for _, expr := range m.Capabilities {
		name, scopeText, scoped := strings.Cut(expr, ":")
		rule := policy.Rule{Capability: name, Effect: policy.EffectAllow}
		if scoped && scopeText != "" {
			switch {
			case strings.HasPrefix(name, "fs."):
				rule.Scope.PathPrefixes = []string{scopeText}
			case strings.HasPrefix(name, "shell."):
				rule.Scope.Commands = []string{scopeText}
			case strings.HasPrefix(name, "net."):
				rule.Scope.Hosts = []string{scopeText}
			}
		}
		grants.Granted = append(grants.Granted, rule)
	}
	return grants
}

// manifestRecord converts a kernel manifest into the durable form.
func manifestRecord(sessionID string, m Manifest, now time.Time) workspace.Manifest {
	return workspace.Manifest{
		SessionID:    sessionID,
		CreatedAt:    now,
		Capabilities: m.Capabilities,
		Overrides:    m.Overrides,
	}
}

// sessionCreatedPayload builds the first journal event's payload.
func sessionCreatedPayload(m Manifest, dir string) event.SessionCreatedPayload {
	return event.SessionCreatedPayload{
		Capabilities: m.Capabilities,
		Overrides:    m.Overrides,
		Workspace:    dir,
	}
}

// memoryObservation builds the provenance-carrying memory record for a
// terminal tool event.
func memoryObservation(sessionID, branch string, sourceSeq uint64, kind, content string) memory.Observation {
	return memory.Observation{
		SessionID:     sessionID,
		SourceEventID: sourceSeq,
		Branch:        branch,
		ExtractedAt:   time.Now().UTC(),
		Kind:          kind,
		Content:       content,
	}
}

// statePayload snapshots vector and budget for StateEstimated and
// Checkpoint events.
func statePayload(v state.Vector, b *state.Budget) event.StateEstimatedPayload {
	p := event.StateEstimatedPayload{
		Progress:           v.Progress,
		Uncertainty:        v.Uncertainty,
		RiskLevel:          v.RiskLevel,
		ErrorStreak:        v.ErrorStreak,
		ContextPressure:    v.ContextPressure,
		SideEffectPressure: v.SideEffectPressure,
		HumanDependency:    v.HumanDependency,
	}
	if b != nil {
		p.BudgetTokens = b.Tokens
		p.BudgetTimeMs = b.TimeMs
		p.BudgetCostUnits = b.CostUnits
		p.BudgetToolCalls = b.ToolCalls
		p.BudgetErrorBudget = b.ErrorBudget
	}
	return p
}
