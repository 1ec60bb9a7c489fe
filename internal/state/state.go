// Package state holds the agent state vector, the budget ledger, and
// the operating modes the homeostasis controllers select between.
package state

// Mode is the session's operating mode. Exactly one is active.
type Mode string

const (
	ModeExplore  Mode = "explore"
	ModeExecute  Mode = "execute"
	ModeVerify   Mode = "verify"
	ModeRecover  Mode = "recover"
	ModeAskHuman Mode = "ask_human"
	ModeSleep    Mode = "sleep"
)

// conservatism orders modes from least to most conservative. Ties in
// controller selection resolve toward the higher rank.
var conservatism = map[Mode]int{
	ModeExecute:  0,
	ModeExplore:  1,
	ModeVerify:   2,
	ModeSleep:    3,
	ModeRecover:  4,
	ModeAskHuman: 5,
}

// MoreConservative returns the more conservative of two modes.
func MoreConservative(a, b Mode) Mode {
	if conservatism[b] > conservatism[a] {
		return b
	}
	return a
}

// Vector is the numeric agent state. All scalars live in [0,1] except
// ErrorStreak.
type Vector struct {
	Progress           float64 `json:"progress"`
	Uncertainty        float64 `json:"uncertainty"`
	RiskLevel          float64 `json:"risk_level"`
	ErrorStreak        int     `json:"error_streak"`
	ContextPressure    float64 `json:"context_pressure"`
	SideEffectPressure float64 `json:"side_effect_pressure"`
	HumanDependency    float64 `json:"human_dependency"`
}

// Clamp forces every scalar back into [0,1].
func (v *Vector) Clamp() {
	for _, f := range []*float64{&v.Progress, &v.Uncertainty, &v.RiskLevel, &v.ContextPressure, &v.SideEffectPressure, &v.HumanDependency} {
		if *f < 0 {
			*f = 0
		}
		if *f > 1 {
			*f = 1
		}
	}
	if v.ErrorStreak < 0 {
		v.ErrorStreak = 0
	}
}

// Budget counts down from session-configured ceilings. Any dimension at
// or below zero forces Recover.
type Budget struct {
	Tokens      int64 `json:"tokens"`
	TimeMs      int64 `json:"time_ms"`
	CostUnits   int64 `json:"cost_units"`
	ToolCalls   int64 `json:"tool_calls"`
	ErrorBudget int64 `json:"error_budget"`

	ceilings [5]int64
}

// NewBudget creates a ledger with the given ceilings.
func NewBudget(tokens, timeMs, costUnits, toolCalls, errorBudget int64) *Budget {
	return &Budget{
		Tokens:      tokens,
		TimeMs:      timeMs,
		CostUnits:   costUnits,
		ToolCalls:   toolCalls,
		ErrorBudget: errorBudget,
		ceilings:    [5]int64{tokens, timeMs, costUnits, toolCalls, errorBudget},
	}
}

// Exhausted reports whether any dimension has reached zero.
func (b *Budget) Exhausted() bool {
	return b.Tokens <= 0 || b.TimeMs <= 0 || b.CostUnits <= 0 || b.ToolCalls <= 0 || b.ErrorBudget <= 0
}

// LowWater reports whether any dimension is at or below 10% of its
// ceiling. Used to bias mode selection toward Verify.
func (b *Budget) LowWater() bool {
	values := [5]int64{b.Tokens, b.TimeMs, b.CostUnits, b.ToolCalls, b.ErrorBudget}
	for i, ceiling := range b.ceilings {
		if ceiling > 0 && values[i]*10 <= ceiling {
			return true
		}
	}
	return false
}

// ChargeToolCall decrements the tool-call dimension. Returns false if it
// was already exhausted.
func (b *Budget) ChargeToolCall() bool {
	if b.ToolCalls <= 0 {
		return false
	}
	b.ToolCalls--
	return true
}

// ChargeTime decrements the wall-clock dimension.
func (b *Budget) ChargeTime(ms int64) {
	b.TimeMs -= ms
}

// ChargeError decrements the error budget.
func (b *Budget) ChargeError() {
	b.ErrorBudget--
}

// Charge applies host-reported usage (tokens, cost). The kernel has no
// model inside, so these dimensions are host-charged.
func (b *Budget) Charge(tokens, costUnits int64) {
	b.Tokens -= tokens
	b.CostUnits -= costUnits
}
