// Package iml defines the IML protocol v2 data model: plans, actions, and
// their nested configuration blocks. This package is the single source of
// truth for wire shapes and their invariants; it carries no execution logic.
package iml

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// ProtocolVersion is the only protocol version this daemon accepts.
const ProtocolVersion = "2.0"

// Protocol limits.
const (
	PlanIDMaxLen          = 64
	ActionIDMaxLen        = 64
	ModuleIDMaxLen        = 32
	ActionNameMaxLen      = 64
	LabelMaxLen           = 128
	MaxTagLen             = 64
	MaxTagsPerAction      = 16
	MaxPlanDescriptionLen = 500
	MaxActionsPerPlan     = 50

	MinActionTimeoutSeconds     = 1
	MaxActionTimeoutSeconds     = 3600
	DefaultActionTimeoutSeconds = 120

	DefaultRetryMaxAttempts   = 3
	MaxRetryMaxAttempts       = 10
	DefaultRetryDelaySeconds  = 1.0
	MinRetryDelaySeconds      = 0.1
	MaxRetryDelaySeconds      = 300.0
	DefaultRetryBackoffFactor = 2.0
	MinRetryBackoffFactor     = 1.0
	MaxRetryBackoffFactor     = 10.0

	DefaultMemoryTopK             = 5
	MaxMemoryTopK                 = 50
	DefaultPerceptionTimeoutSecs  = 10
	MaxPerceptionTimeoutSeconds   = 120
	MinApprovalTimeoutSeconds     = 10
	MaxApprovalTimeoutSecondsSpec = 3600
)

var (
	planIDRe     = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
	actionIDRe   = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
	moduleIDRe   = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)
	actionNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)
)

// ExecutionMode selects how the scheduler batches independent actions.
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
	ModeReactive   ExecutionMode = "reactive"
)

// PlanMode declares the generation contract the plan was produced under.
//
// "standard" accepts direct probabilistic LLM output. "compiler" requires
// the plan to carry a four-phase reasoning trace with generation_approved
// set; the trace is stored in the audit log, not executed.
type PlanMode string

const (
	PlanModeStandard PlanMode = "standard"
	PlanModeCompiler PlanMode = "compiler"
)

// OnErrorBehavior is the executor's reaction to a failed action.
type OnErrorBehavior string

const (
	OnErrorAbort    OnErrorBehavior = "abort"
	OnErrorContinue OnErrorBehavior = "continue"
	OnErrorRetry    OnErrorBehavior = "retry"
	OnErrorRollback OnErrorBehavior = "rollback"
	OnErrorSkip     OnErrorBehavior = "skip"
)

// PlanStatus is the lifecycle status of a submitted plan.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanRunning   PlanStatus = "running"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
	PlanCancelled PlanStatus = "cancelled"
	PlanPaused    PlanStatus = "paused"
)

// Terminal reports whether the plan status admits no further transitions.
func (s PlanStatus) Terminal() bool {
	switch s {
	case PlanCompleted, PlanFailed, PlanCancelled:
		return true
	}
	return false
}

// ActionStatus is the lifecycle status of a single action within a plan.
type ActionStatus string

const (
	ActionPending          ActionStatus = "pending"
	ActionWaiting          ActionStatus = "waiting"
	ActionRunning          ActionStatus = "running"
	ActionAwaitingApproval ActionStatus = "awaiting_approval"
	ActionCompleted        ActionStatus = "completed"
	ActionFailed           ActionStatus = "failed"
	ActionSkipped          ActionStatus = "skipped"
	ActionRolledBack       ActionStatus = "rolled_back"
)

// Terminal reports whether the action status admits no further transitions.
func (s ActionStatus) Terminal() bool {
	switch s {
	case ActionCompleted, ActionFailed, ActionSkipped, ActionRolledBack:
		return true
	}
	return false
}

// RetryConfig is the retry policy applied when on_error is "retry".
type RetryConfig struct {
	MaxAttempts   int     `json:"max_attempts"`
	DelaySeconds  float64 `json:"delay_seconds"`
	BackoffFactor float64 `json:"backoff_factor"`
	// RetryOn lists error classes that trigger a retry. Empty means any.
	RetryOn []string `json:"retry_on,omitempty"`
}

// DefaultRetryConfig is synthesized when on_error=retry without a retry
// block: 3 attempts, 1s doubling backoff, no class filter.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   DefaultRetryMaxAttempts,
		DelaySeconds:  DefaultRetryDelaySeconds,
		BackoffFactor: DefaultRetryBackoffFactor,
	}
}

// DelayForAttempt returns the delay in seconds before the attempt-th retry
// (1-indexed): delay * factor^(attempt-1).
func (r *RetryConfig) DelayForAttempt(attempt int) float64 {
	d := r.DelaySeconds
	for i := 1; i < attempt; i++ {
		d *= r.BackoffFactor
	}
	return d
}

func (r *RetryConfig) validate(actionID string) error {
	if r.MaxAttempts < 1 || r.MaxAttempts > MaxRetryMaxAttempts {
		return validationf("action %q retry.max_attempts must be 1-%d", actionID, MaxRetryMaxAttempts)
	}
	if r.DelaySeconds < MinRetryDelaySeconds || r.DelaySeconds > MaxRetryDelaySeconds {
		return validationf("action %q retry.delay_seconds must be %.1f-%.0f", actionID, MinRetryDelaySeconds, MaxRetryDelaySeconds)
	}
	if r.BackoffFactor < MinRetryBackoffFactor || r.BackoffFactor > MaxRetryBackoffFactor {
		return validationf("action %q retry.backoff_factor must be %.1f-%.1f", actionID, MinRetryBackoffFactor, MaxRetryBackoffFactor)
	}
	return nil
}

// RollbackConfig names the compensating action to run on rollback.
type RollbackConfig struct {
	// Action is the id of an action within the same plan.
	Action string `json:"action"`
	// Params override the target action's params; template expressions
	// against prior results are allowed.
	Params map[string]any `json:"params,omitempty"`
}

// PerceptionConfig configures screenshot/OCR capture around an action.
type PerceptionConfig struct {
	CaptureBefore  bool   `json:"capture_before"`
	CaptureAfter   bool   `json:"capture_after"`
	OCREnabled     bool   `json:"ocr_enabled"`
	ValidateOutput string `json:"validate_output,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// MemoryConfig declares key-value memory reads and writes for an action.
type MemoryConfig struct {
	// ReadKeys are injected into the template scope before execution.
	ReadKeys []string `json:"read_keys,omitempty"`
	// WriteKey stores the action result under this key after completion.
	WriteKey string `json:"write_key,omitempty"`
	// VectorSearch is a semantic retrieval query; results injected as context.
	VectorSearch string `json:"vector_search,omitempty"`
	TopK         int    `json:"top_k"`
}

// ApprovalConfig customizes how an approval request is presented and what
// happens when it times out.
type ApprovalConfig struct {
	Message              string   `json:"message,omitempty"`
	RiskLevel            string   `json:"risk_level"`
	TimeoutSeconds       int      `json:"timeout_seconds,omitempty"`
	TimeoutBehavior      string   `json:"timeout_behavior"`
	ClarificationOptions []string `json:"clarification_options,omitempty"`
}

func (a *ApprovalConfig) validate(actionID string) error {
	switch a.RiskLevel {
	case "low", "medium", "high", "critical":
	default:
		return validationf("action %q approval.risk_level must be low|medium|high|critical", actionID)
	}
	switch a.TimeoutBehavior {
	case "reject", "skip":
	default:
		return validationf("action %q approval.timeout_behavior must be reject|skip", actionID)
	}
	if a.TimeoutSeconds != 0 &&
		(a.TimeoutSeconds < MinApprovalTimeoutSeconds || a.TimeoutSeconds > MaxApprovalTimeoutSecondsSpec) {
		return validationf("action %q approval.timeout_seconds must be %d-%d", actionID, MinApprovalTimeoutSeconds, MaxApprovalTimeoutSecondsSpec)
	}
	return nil
}

// PlanMetadata is non-functional metadata used for tracing and debugging.
type PlanMetadata struct {
	CreatedBy string         `json:"created_by,omitempty"`
	LLMModel  string         `json:"llm_model,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// CompilerTrace is the structured reasoning trace attached in compiler mode.
// The four phase fields are free-form text; the trace is audited, never run.
type CompilerTrace struct {
	Analysis           string         `json:"analysis,omitempty"`
	Resolution         string         `json:"resolution,omitempty"`
	Validation         string         `json:"validation,omitempty"`
	GenerationApproved bool           `json:"generation_approved"`
	LLMModel           string         `json:"llm_model,omitempty"`
	PromptTokens       int            `json:"prompt_tokens,omitempty"`
	Extra              map[string]any `json:"extra,omitempty"`
}

// Action is a single executable step within a plan.
type Action struct {
	ID     string `json:"id"`
	Module string `json:"module"`
	Action string `json:"action"`
	// Params may contain {{result.id.field}}, {{memory.key}}, and
	// {{env.VAR}} template expressions.
	Params           map[string]any    `json:"params,omitempty"`
	DependsOn        []string          `json:"depends_on,omitempty"`
	OnError          OnErrorBehavior   `json:"on_error"`
	RequiresApproval bool              `json:"requires_approval"`
	Timeout          int               `json:"timeout"`
	Retry            *RetryConfig      `json:"retry,omitempty"`
	Rollback         *RollbackConfig   `json:"rollback,omitempty"`
	Perception       *PerceptionConfig `json:"perception,omitempty"`
	Memory           *MemoryConfig     `json:"memory,omitempty"`
	Approval         *ApprovalConfig   `json:"approval,omitempty"`
	Label            string            `json:"label,omitempty"`
	Tags             []string          `json:"tags,omitempty"`
	// TargetNode routes the action to a remote node; empty means local.
	TargetNode string `json:"target_node,omitempty"`
}

func (a *Action) validate() error {
	if !actionIDRe.MatchString(a.ID) {
		return validationf("action id %q must match [a-zA-Z0-9_-] and be 1-%d chars", a.ID, ActionIDMaxLen)
	}
	if !moduleIDRe.MatchString(a.Module) {
		return validationf("action %q module %q must match [a-z][a-z0-9_]* and be at most %d chars", a.ID, a.Module, ModuleIDMaxLen)
	}
	if !actionNameRe.MatchString(a.Action) {
		return validationf("action %q name %q must match [a-z][a-z0-9_]* and be at most %d chars", a.ID, a.Action, ActionNameMaxLen)
	}
	switch a.OnError {
	case OnErrorAbort, OnErrorContinue, OnErrorRetry, OnErrorRollback, OnErrorSkip:
	default:
		return validationf("action %q on_error %q is not one of abort|continue|retry|rollback|skip", a.ID, a.OnError)
	}
	if a.Timeout < MinActionTimeoutSeconds || a.Timeout > MaxActionTimeoutSeconds {
		return validationf("action %q timeout must be %d-%d seconds", a.ID, MinActionTimeoutSeconds, MaxActionTimeoutSeconds)
	}
	if len(a.Label) > LabelMaxLen {
		return validationf("action %q label exceeds %d chars", a.ID, LabelMaxLen)
	}
	if len(a.Tags) > MaxTagsPerAction {
		return validationf("action %q carries more than %d tags", a.ID, MaxTagsPerAction)
	}
	for _, tag := range a.Tags {
		if len(tag) > MaxTagLen {
			return validationf("action %q tag %q exceeds %d chars", a.ID, tag, MaxTagLen)
		}
	}
	if a.Retry != nil {
		if err := a.Retry.validate(a.ID); err != nil {
			return err
		}
	}
	if a.Memory != nil && (a.Memory.TopK < 1 || a.Memory.TopK > MaxMemoryTopK) {
		return validationf("action %q memory.top_k must be 1-%d", a.ID, MaxMemoryTopK)
	}
	if a.Perception != nil &&
		(a.Perception.TimeoutSeconds < 1 || a.Perception.TimeoutSeconds > MaxPerceptionTimeoutSeconds) {
		return validationf("action %q perception.timeout_seconds must be 1-%d", a.ID, MaxPerceptionTimeoutSeconds)
	}
	if a.Approval != nil {
		if err := a.Approval.validate(a.ID); err != nil {
			return err
		}
	}
	return nil
}

// Plan is the top-level unit submitted to the daemon.
type Plan struct {
	PlanID          string        `json:"plan_id"`
	ProtocolVersion string        `json:"protocol_version"`
	Description     string        `json:"description"`
	SessionID       string        `json:"session_id,omitempty"`
	ExecutionMode   ExecutionMode `json:"execution_mode"`
	PlanMode        PlanMode      `json:"plan_mode"`
	CompilerTrace   *CompilerTrace `json:"compiler_trace,omitempty"`
	Metadata        *PlanMetadata  `json:"metadata,omitempty"`
	// ModuleRequirements maps module ids to semver constraints that must
	// hold against the loaded module versions before execution starts.
	ModuleRequirements map[string]string `json:"module_requirements,omitempty"`
	Actions            []Action          `json:"actions"`
}

// ApplyDefaults fills zero values with protocol defaults. Called by the
// parser after deserialization and before Validate.
func (p *Plan) ApplyDefaults() {
	if p.PlanID == "" {
		p.PlanID = uuid.NewString()
	}
	if p.ProtocolVersion == "" {
		p.ProtocolVersion = ProtocolVersion
	}
	if p.ExecutionMode == "" {
		p.ExecutionMode = ModeSequential
	}
	if p.PlanMode == "" {
		p.PlanMode = PlanModeStandard
	}
	for i := range p.Actions {
		a := &p.Actions[i]
		if a.OnError == "" {
			a.OnError = OnErrorAbort
		}
		if a.Timeout == 0 {
			a.Timeout = DefaultActionTimeoutSeconds
		}
		if a.Params == nil {
			a.Params = map[string]any{}
		}
		if a.OnError == OnErrorRetry && a.Retry == nil {
			a.Retry = DefaultRetryConfig()
		}
		if a.Retry != nil {
			r := a.Retry
			if r.MaxAttempts == 0 {
				r.MaxAttempts = DefaultRetryMaxAttempts
			}
			if r.DelaySeconds == 0 {
				r.DelaySeconds = DefaultRetryDelaySeconds
			}
			if r.BackoffFactor == 0 {
				r.BackoffFactor = DefaultRetryBackoffFactor
			}
		}
		if a.Memory != nil && a.Memory.TopK == 0 {
			a.Memory.TopK = DefaultMemoryTopK
		}
		if a.Perception != nil && a.Perception.TimeoutSeconds == 0 {
			a.Perception.TimeoutSeconds = DefaultPerceptionTimeoutSecs
		}
		if a.Approval != nil {
			if a.Approval.RiskLevel == "" {
				a.Approval.RiskLevel = "medium"
			}
			if a.Approval.TimeoutBehavior == "" {
				a.Approval.TimeoutBehavior = "reject"
			}
		}
	}
}

// Validate enforces every parse-time invariant of the protocol.
func (p *Plan) Validate() error {
	if !planIDRe.MatchString(p.PlanID) {
		return validationf("plan_id %q must match [a-zA-Z0-9_-] and be 1-%d chars", p.PlanID, PlanIDMaxLen)
	}
	if p.ProtocolVersion != ProtocolVersion {
		return validationf("protocol_version %q is not supported; this daemon speaks %s", p.ProtocolVersion, ProtocolVersion)
	}
	if len(p.Description) > MaxPlanDescriptionLen {
		return validationf("description exceeds %d chars", MaxPlanDescriptionLen)
	}
	switch p.ExecutionMode {
	case ModeSequential, ModeParallel, ModeReactive:
	default:
		return validationf("execution_mode %q is not one of sequential|parallel|reactive", p.ExecutionMode)
	}
	switch p.PlanMode {
	case PlanModeStandard, PlanModeCompiler:
	default:
		return validationf("plan_mode %q is not one of standard|compiler", p.PlanMode)
	}
	if p.PlanMode == PlanModeCompiler {
		if p.CompilerTrace == nil {
			return validationf("plan_mode=compiler requires a compiler_trace with the 4-phase reasoning output")
		}
		if !p.CompilerTrace.GenerationApproved {
			return validationf("plan_mode=compiler requires compiler_trace.generation_approved=true")
		}
	}
	if len(p.Actions) == 0 {
		return validationf("a plan must contain at least one action")
	}
	if len(p.Actions) > MaxActionsPerPlan {
		return validationf("a plan may contain at most %d actions, got %d", MaxActionsPerPlan, len(p.Actions))
	}

	ids := make(map[string]struct{}, len(p.Actions))
	for i := range p.Actions {
		a := &p.Actions[i]
		if err := a.validate(); err != nil {
			return err
		}
		if _, dup := ids[a.ID]; dup {
			return validationf("duplicate action id %q", a.ID)
		}
		ids[a.ID] = struct{}{}
	}
	for i := range p.Actions {
		a := &p.Actions[i]
		for _, dep := range a.DependsOn {
			if dep == a.ID {
				return validationf("action %q cannot depend on itself", a.ID)
			}
			if _, ok := ids[dep]; !ok {
				return validationf("action %q depends on unknown action %q", a.ID, dep)
			}
		}
		if a.Rollback != nil {
			if _, ok := ids[a.Rollback.Action]; !ok {
				return validationf("action %q rollback targets unknown action %q", a.ID, a.Rollback.Action)
			}
		}
	}
	return nil
}

// GetAction returns the action with the given id, or nil.
func (p *Plan) GetAction(id string) *Action {
	for i := range p.Actions {
		if p.Actions[i].ID == id {
			return &p.Actions[i]
		}
	}
	return nil
}

// ActionIDs returns action ids in declaration order.
func (p *Plan) ActionIDs() []string {
	ids := make([]string, len(p.Actions))
	for i := range p.Actions {
		ids[i] = p.Actions[i].ID
	}
	return ids
}

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}
