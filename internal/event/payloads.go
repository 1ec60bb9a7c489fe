package event

import "encoding/json"

// SessionCreatedPayload records the manifest the session was created with.
type SessionCreatedPayload struct {
	Capabilities []string          `json:"capabilities,omitempty"`
	Overrides    map[string]string `json:"overrides,omitempty"` // capability -> allow|approve|deny
	Workspace    string            `json:"workspace,omitempty"`
}

// TickStartedPayload marks the beginning of a tick.
type TickStartedPayload struct {
	Tick uint64 `json:"tick"`
}

// ModeChangedPayload records an operating mode transition.
type ModeChangedPayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// StateEstimatedPayload is the state vector snapshot taken in Estimate.
type StateEstimatedPayload struct {
	Progress           float64 `json:"progress"`
	Uncertainty        float64 `json:"uncertainty"`
	RiskLevel          float64 `json:"risk_level"`
	ErrorStreak        int     `json:"error_streak"`
	ContextPressure    float64 `json:"context_pressure"`
	SideEffectPressure float64 `json:"side_effect_pressure"`
	HumanDependency    float64 `json:"human_dependency"`

	BudgetTokens      int64 `json:"budget_tokens"`
	BudgetTimeMs      int64 `json:"budget_time_ms"`
	BudgetCostUnits   int64 `json:"budget_cost_units"`
	BudgetToolCalls   int64 `json:"budget_tool_calls"`
	BudgetErrorBudget int64 `json:"budget_error_budget"`
}

// ToolRequestedPayload records an intent before any gating.
type ToolRequestedPayload struct {
	RunID string                 `json:"run_id"`
	Tool  string                 `json:"tool"`
	Args  map[string]interface{} `json:"args,omitempty"`
}

// ToolDispatchedPayload marks a request entering the sandbox.
type ToolDispatchedPayload struct {
	RunID string `json:"run_id"`
	Tool  string `json:"tool"`
}

// ToolCompletedPayload carries the sandbox report for a successful run.
type ToolCompletedPayload struct {
	RunID       string `json:"run_id"`
	Tool        string `json:"tool"`
	ExitStatus  int    `json:"exit_status"`
	StdoutBytes string `json:"stdout_bytes,omitempty"`
	StderrBytes string `json:"stderr_bytes,omitempty"`
	DurationMs  int64  `json:"duration_ms"`
	Truncated   bool   `json:"truncated,omitempty"`
}

// ToolFailedPayload carries a structured failure reason. Reasons are the
// error taxonomy names so external observers need no side channel.
type ToolFailedPayload struct {
	RunID      string `json:"run_id,omitempty"`
	Tool       string `json:"tool,omitempty"`
	Reason     string `json:"reason"`
	Detail     string `json:"detail,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// Failure reasons recorded in ToolFailed payloads.
const (
	ReasonUnknownTool      = "UnknownTool"
	ReasonPolicyDenied     = "PolicyDenied"
	ReasonApprovalExpired  = "ApprovalExpired"
	ReasonBudgetExhausted  = "BudgetExhausted"
	ReasonTimedOut         = "TimedOut"
	ReasonCancelled        = "Cancelled"
	ReasonSandboxViolation = "SandboxViolation"
	ReasonInvalidIntent    = "InvalidIntent"
	ReasonIOFailure        = "IOFailure"
)

// ApprovalRequiredPayload records an open obligation for a human.
type ApprovalRequiredPayload struct {
	TicketID   string                 `json:"ticket_id"`
	Capability string                 `json:"capability"`
	Tool       string                 `json:"tool"`
	Args       map[string]interface{} `json:"args,omitempty"`
}

// ApprovalResolvedPayload records the human's decision.
type ApprovalResolvedPayload struct {
	TicketID string `json:"ticket_id"`
	Granted  bool   `json:"granted"`
	Expired  bool   `json:"expired,omitempty"`
}

// FileWritePayload is the canonical record of a file mutation.
type FileWritePayload struct {
	RunID string `json:"run_id,omitempty"`
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
	// Content is retained for workspace reconciliation during recovery.
	Content []byte `json:"content,omitempty"`
}

// FileDeletePayload is the canonical record of a file removal.
type FileDeletePayload struct {
	RunID string `json:"run_id,omitempty"`
	Path  string `json:"path"`
}

// FileRenamePayload is the canonical record of a file rename.
type FileRenamePayload struct {
	RunID string `json:"run_id,omitempty"`
	From  string `json:"from"`
	To    string `json:"to"`
}

// ObservationRecordedPayload cites the event an observation was extracted from.
type ObservationRecordedPayload struct {
	SourceSequence uint64 `json:"source_sequence"`
	ObsKind        string `json:"obs_kind"`
	Content        string `json:"content,omitempty"`
}

// CheckpointPayload is a pointer snapshot, not a copy of data: recovery
// replays forward from the event carrying it.
type CheckpointPayload struct {
	CheckpointID string                `json:"checkpoint_id"`
	Tick         uint64                `json:"tick,omitempty"`
	Mode         string                `json:"mode"`
	BranchHead   uint64                `json:"branch_head"`
	MemoryDigest string                `json:"memory_digest,omitempty"`
	State        StateEstimatedPayload `json:"state"`

	// Set on the checkpoint appended to a merge target or at a fork point.
	MergedFrom string `json:"merged_from,omitempty"`
	ForkedFrom string `json:"forked_from,omitempty"`
	ForkPoint  uint64 `json:"fork_point,omitempty"`
}

// HeartbeatPayload marks liveness at the end of a tick or idle interval.
type HeartbeatPayload struct {
	Tick uint64 `json:"tick,omitempty"`
	Idle bool   `json:"idle,omitempty"`
}

// CircuitTrippedPayload records the error controller firing.
type CircuitTrippedPayload struct {
	ErrorStreak int    `json:"error_streak"`
	LastReason  string `json:"last_reason,omitempty"`
}

// SessionResumedPayload records recovery outcome after a restart.
type SessionResumedPayload struct {
	AbortedTick bool   `json:"aborted_tick"`
	FromTick    uint64 `json:"from_tick,omitempty"`
}

// Marshal encodes a payload struct for embedding in a Record. A nil
// payload encodes as empty.
func Marshal(payload interface{}) json.RawMessage {
	if payload == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return data
}
