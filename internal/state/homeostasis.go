package state

// Thresholds configure the homeostasis controllers.
type Thresholds struct {
	UncertaintyTheta float64 // bias toward Explore above this
	ContextTheta     float64 // prefer Explore (compress) above this
	SideEffectTheta  float64 // route through Verify above this
	ErrorThreshold   int     // consecutive failures before the circuit trips
}

// DefaultThresholds returns the documented defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		UncertaintyTheta: 0.6,
		ContextTheta:     0.75,
		SideEffectTheta:  0.7,
		ErrorThreshold:   3,
	}
}

// Selection is the outcome of composing the controllers.
type Selection struct {
	Mode           Mode
	Reason         string
	CircuitTripped bool // the error controller fired this selection
}

// SelectMode composes the homeostasis controllers in strict priority
// order: approvals > budget/circuit > side-effect > context >
// uncertainty > default Execute. Ties resolve toward the more
// conservative mode.
func SelectMode(v Vector, b *Budget, th Thresholds, pendingApprovals int) Selection {
	// Human dependency: any pending approval forces AskHuman.
	if pendingApprovals > 0 {
		return Selection{Mode: ModeAskHuman, Reason: "pending approval"}
	}

	// Budget controller: any exhausted dimension forces Recover.
	if b != nil && b.Exhausted() {
		return Selection{Mode: ModeRecover, Reason: "budget exhausted"}
	}

	// Error controller: streak at the threshold trips the circuit.
	if th.ErrorThreshold > 0 && v.ErrorStreak >= th.ErrorThreshold {
		return Selection{Mode: ModeRecover, Reason: "error streak", CircuitTripped: true}
	}

	// Side-effect controller: verify before further writes.
	if v.SideEffectPressure > th.SideEffectTheta {
		return Selection{Mode: ModeVerify, Reason: "side-effect pressure"}
	}

	// Context controller: summarize/compress over executing.
	if v.ContextPressure > th.ContextTheta {
		return Selection{Mode: ModeExplore, Reason: "context pressure"}
	}

	// Uncertainty controller.
	if v.Uncertainty > th.UncertaintyTheta {
		return Selection{Mode: ModeExplore, Reason: "uncertainty"}
	}

	// Budget low-water biases the default toward Verify.
	if b != nil && b.LowWater() {
		return Selection{Mode: ModeVerify, Reason: "budget low water"}
	}

	return Selection{Mode: ModeExecute, Reason: "default"}
}
