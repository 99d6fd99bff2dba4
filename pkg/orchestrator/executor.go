package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/approval"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/audit"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/guard"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/iml"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/module"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/observability"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/scanner"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/state"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/verifier"
)

// defaultMaxResultSize caps a stored action result at 512KiB of JSON.
const defaultMaxResultSize = 512 * 1024

const (
	skipReasonDependency = "Skipped: dependency failed."
	skipReasonAbort      = "Skipped: upstream action failed with abort."
)

// ScanRejectedError is returned when the input scanner pipeline blocks
// a plan before execution.
type ScanRejectedError struct {
	PlanID    string
	RiskScore float64
	Details   string
}

func (e *ScanRejectedError) Error() string {
	return fmt.Sprintf("plan %s rejected by input scanning (risk %.2f): %s", e.PlanID, e.RiskScore, e.Details)
}

func (e *ScanRejectedError) Class() string { return "input_scan_rejected" }

// classifier is implemented by every error the runtime can map to a
// stable classification string.
type classifier interface{ Class() string }

// errorClass maps any dispatch error to a classification string used by
// retry_on filters and the audit trail.
func errorClass(err error) string {
	var c classifier
	if errors.As(err, &c) {
		return c.Class()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return "action_execution_error"
}

// Executor runs one validated plan to a terminal state. It owns the
// per-action runtime: template resolution, permission and sandbox
// checks, the approval gate, rate limiting, dispatch with timeout,
// retries, rollback, and key-value memory.
type Executor struct {
	registry  *module.Registry
	versions  *module.VersionChecker
	guard     *guard.Guard
	limiter   *guard.ActionLimiter
	gate      *approval.Gate
	plans     *state.PlanStore
	kv        *state.KVStore
	auditor   *audit.Logger
	scanner   *scanner.Pipeline
	verifier  *verifier.Verifier
	resources *ResourceManager
	rollback  *RollbackEngine
	metrics   *observability.Provider
	logger    *slog.Logger

	maxResultSize int
	fallbacks     map[string][]string
	clock         func() time.Time
	sleep         func(ctx context.Context, d time.Duration) error
}

// ExecutorConfig wires the executor's collaborators. Scanner, verifier,
// limiter, gate, kv, and auditor may be nil; the corresponding stage is
// then skipped.
type ExecutorConfig struct {
	Registry  *module.Registry
	Guard     *guard.Guard
	Limiter   *guard.ActionLimiter
	Gate      *approval.Gate
	Plans     *state.PlanStore
	KV        *state.KVStore
	Auditor   *audit.Logger
	Scanner   *scanner.Pipeline
	Verifier  *verifier.Verifier
	Resources *ResourceManager
	Metrics   *observability.Provider
	Logger    *slog.Logger

	MaxResultSize int
	// Fallbacks maps a module id to an ordered list of substitutes
	// tried when the primary cannot be loaded.
	Fallbacks map[string][]string
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resources := cfg.Resources
	if resources == nil {
		resources = NewResourceManager(nil)
	}
	maxResult := cfg.MaxResultSize
	if maxResult <= 0 {
		maxResult = defaultMaxResultSize
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.Noop()
	}
	return &Executor{
		registry:      cfg.Registry,
		versions:      module.NewVersionChecker(cfg.Registry),
		guard:         cfg.Guard,
		limiter:       cfg.Limiter,
		gate:          cfg.Gate,
		plans:         cfg.Plans,
		kv:            cfg.KV,
		auditor:       cfg.Auditor,
		scanner:       cfg.Scanner,
		verifier:      cfg.Verifier,
		resources:     resources,
		rollback:      NewRollbackEngine(cfg.Registry, cfg.Auditor, logger),
		metrics:       metrics,
		logger:        logger,
		maxResultSize: maxResult,
		fallbacks:     cfg.Fallbacks,
		clock:         time.Now,
		sleep:         sleepCtx,
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Executor) WithClock(clock func() time.Time) *Executor {
	e.clock = clock
	return e
}

// WithSleep overrides the retry backoff sleeper for deterministic
// testing.
func (e *Executor) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Executor {
	e.sleep = sleep
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run holds the mutable execution context of one plan.
type run struct {
	plan      *iml.Plan
	scheduler *Scheduler
	state     *state.ExecutionState

	mu      sync.Mutex
	results map[string]any
}

func (r *run) snapshotResults() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]any, len(r.results))
	for k, v := range r.results {
		out[k] = v
	}
	return out
}

func (r *run) setResult(actionID string, result any) {
	r.mu.Lock()
	r.results[actionID] = result
	r.mu.Unlock()
}

func (r *run) actionState(actionID string) *state.ActionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Actions[actionID]
}

func (r *run) setStatus(actionID string, status iml.ActionStatus, errMsg string) {
	r.mu.Lock()
	a := r.state.Actions[actionID]
	a.Status = status
	if errMsg != "" {
		a.Error = errMsg
	}
	r.mu.Unlock()
}

// Execute drives the plan to a terminal status. The returned state is
// the final snapshot; the error is non-nil only when the plan was
// blocked before any action ran (version gate, cycle, scanner,
// verifier, persistence).
func (e *Executor) Execute(ctx context.Context, plan *iml.Plan) (*state.ExecutionState, error) {
	if len(plan.ModuleRequirements) > 0 {
		if err := e.versions.AssertCompatible(plan.ModuleRequirements); err != nil {
			return nil, err
		}
	}

	sched, err := NewScheduler(plan)
	if err != nil {
		return nil, err
	}

	if e.guard != nil {
		if err := e.guard.CheckPlan(plan); err != nil {
			return nil, err
		}
	}

	if e.scanner != nil {
		res := e.scanner.ScanPlan(ctx, plan)
		if !res.Allowed {
			details := ""
			for _, sr := range res.ScannerResults {
				if sr.Verdict == scanner.VerdictReject {
					details = sr.Details
					break
				}
			}
			return nil, &ScanRejectedError{PlanID: plan.PlanID, RiskScore: res.MaxRiskScore, Details: details}
		}
	}

	if e.verifier != nil {
		res := e.verifier.VerifyPlan(ctx, plan)
		if !res.IsSafe() {
			return nil, &verifier.SuspiciousIntentError{PlanID: plan.PlanID, Reasoning: res.Reasoning}
		}
	}

	r := &run{
		plan:      plan,
		scheduler: sched,
		state:     state.NewExecutionState(plan),
		results:   make(map[string]any),
	}
	if e.plans != nil {
		if err := e.plans.Create(ctx, r.state); err != nil {
			return nil, err
		}
	}

	e.setPlanStatus(ctx, r, iml.PlanRunning)
	e.metrics.PlanStarted(ctx)
	e.audit(ctx, audit.PlanStarted, plan.PlanID, "", map[string]any{
		"action_count":   len(plan.Actions),
		"execution_mode": string(plan.ExecutionMode),
	})

	e.runWaves(ctx, r)
	e.finish(ctx, r)
	return r.state, nil
}

func (e *Executor) runWaves(ctx context.Context, r *run) {
	waves := r.scheduler.Waves()
	for wi, wave := range waves {
		if ctx.Err() != nil {
			return
		}

		var wg sync.WaitGroup
		for _, id := range wave.ActionIDs {
			st := r.actionState(id)
			if st.Status.Terminal() {
				continue
			}
			if !e.depsSatisfied(r, id) {
				e.skipAction(ctx, r, id, skipReasonDependency)
				continue
			}
			action := r.plan.GetAction(id)
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.runAction(ctx, r, action)
			}()
		}
		wg.Wait()

		// Abort semantics cascade after the wave so parallel siblings
		// finish their own attempts first.
		aborted := false
		for _, id := range wave.ActionIDs {
			st := r.actionState(id)
			if st.Status != iml.ActionFailed {
				continue
			}
			action := r.plan.GetAction(id)
			if action.OnError == iml.OnErrorAbort || action.OnError == iml.OnErrorRollback {
				aborted = true
				for desc := range r.scheduler.Descendants(id) {
					if !r.actionState(desc).Status.Terminal() {
						e.skipAction(ctx, r, desc, skipReasonAbort)
					}
				}
			}
		}
		if !aborted {
			continue
		}
		// Abort stops the plan outright: nothing in later waves starts,
		// dependent on the failure or not.
		for _, later := range waves[wi+1:] {
			for _, id := range later.ActionIDs {
				if !r.actionState(id).Status.Terminal() {
					e.skipAction(ctx, r, id, skipReasonAbort)
				}
			}
		}
		return
	}
}

func (e *Executor) depsSatisfied(r *run, actionID string) bool {
	action := r.plan.GetAction(actionID)
	for _, dep := range action.DependsOn {
		if r.actionState(dep).Status != iml.ActionCompleted {
			return false
		}
	}
	return true
}

func (e *Executor) finish(ctx context.Context, r *run) {
	switch {
	case ctx.Err() != nil:
		e.setPlanStatus(context.WithoutCancel(ctx), r, iml.PlanCancelled)
		e.audit(context.WithoutCancel(ctx), audit.PlanCancelled, r.plan.PlanID, "", e.summary(r))
	case r.state.AnyFailed():
		e.setPlanStatus(ctx, r, iml.PlanFailed)
		e.audit(ctx, audit.PlanFailed, r.plan.PlanID, "", e.summary(r))
	default:
		e.setPlanStatus(ctx, r, iml.PlanCompleted)
		e.audit(ctx, audit.PlanCompleted, r.plan.PlanID, "", e.summary(r))
	}
	e.metrics.PlanFinished(context.WithoutCancel(ctx))
	e.metrics.RecordPlan(context.WithoutCancel(ctx), string(r.state.PlanStatus))
}

func (e *Executor) summary(r *run) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := map[iml.ActionStatus]int{}
	for _, a := range r.state.Actions {
		counts[a.Status]++
	}
	return map[string]any{
		"total":     len(r.state.Actions),
		"completed": counts[iml.ActionCompleted],
		"failed":    counts[iml.ActionFailed],
		"skipped":   counts[iml.ActionSkipped],
	}
}

func (e *Executor) setPlanStatus(ctx context.Context, r *run, status iml.PlanStatus) {
	r.mu.Lock()
	r.state.PlanStatus = status
	r.state.UpdatedAt = e.clock()
	r.mu.Unlock()
	if e.plans != nil {
		if err := e.plans.UpdatePlanStatus(ctx, r.plan.PlanID, status); err != nil {
			e.logger.Error("persist plan status", "plan_id", r.plan.PlanID, "error", err)
		}
	}
}

func (e *Executor) skipAction(ctx context.Context, r *run, actionID, reason string) {
	r.setStatus(actionID, iml.ActionSkipped, reason)
	e.persistAction(ctx, r, actionID, state.ActionUpdate{Status: iml.ActionSkipped, Error: reason})
	e.audit(ctx, audit.ActionSkipped, r.plan.PlanID, actionID, map[string]any{"reason": reason})
}

// runAction is the per-action runtime. Terminal status and persistence
// are handled here; the caller only inspects the resulting state.
func (e *Executor) runAction(ctx context.Context, r *run, action *iml.Action) {
	memory := e.readMemory(ctx, r, action)

	allowEnv := false
	if e.guard != nil {
		allowEnv = e.guard.Profile().AllowEnvTemplates
	}
	resolver := iml.NewTemplateResolver(r.snapshotResults(), memory, allowEnv)
	resolved, err := resolver.Resolve(action.Params)
	if err != nil {
		e.failAction(ctx, r, action, 1, err)
		return
	}

	var approvalMeta map[string]any
	if e.guard != nil {
		err := e.guard.CheckAction(action, r.plan.PlanID)
		var approvalErr *guard.ApprovalRequiredError
		if errors.As(err, &approvalErr) {
			resolved, approvalMeta, err = e.awaitApproval(ctx, r, action, resolver, resolved)
			if err != nil {
				e.failAction(ctx, r, action, 1, err)
				return
			}
			if resolved == nil {
				// Skip decision or timeout with skip behavior.
				return
			}
		} else if err != nil {
			e.failAction(ctx, r, action, 1, err)
			return
		}
		if err := e.guard.CheckSandboxParams(action.Module, action.Action, resolved); err != nil {
			e.failAction(ctx, r, action, 1, err)
			return
		}
	}

	if e.limiter != nil {
		if err := e.limiter.Check(ctx, action.Module, action.Action); err != nil {
			e.audit(ctx, audit.RateLimited, r.plan.PlanID, action.ID, map[string]any{
				"module": action.Module, "action": action.Action,
			})
			e.failAction(ctx, r, action, 1, err)
			return
		}
	}

	maxAttempts := 1
	if action.OnError == iml.OnErrorRetry && action.Retry != nil {
		maxAttempts = action.Retry.MaxAttempts
	}

	started := e.clock()
	var lastErr error
	attemptsMade := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptsMade = attempt
		r.setStatus(action.ID, iml.ActionRunning, "")
		at := attempt
		e.persistAction(ctx, r, action.ID, state.ActionUpdate{Status: iml.ActionRunning, Attempt: &at})
		e.audit(ctx, audit.ActionStarted, r.plan.PlanID, action.ID, map[string]any{
			"module": action.Module, "action": action.Action, "attempt": attempt,
		})

		result, err := e.dispatch(ctx, action, resolved)
		if err == nil {
			result = e.truncateResult(result)
			r.setResult(action.ID, result)
			e.writeMemory(ctx, r, action, result)
			r.setStatus(action.ID, iml.ActionCompleted, "")
			r.mu.Lock()
			r.state.Actions[action.ID].Result = result
			r.state.Actions[action.ID].Attempt = attempt
			r.state.Actions[action.ID].Approval = approvalMeta
			r.mu.Unlock()
			e.persistAction(ctx, r, action.ID, state.ActionUpdate{
				Status: iml.ActionCompleted, Result: result, Attempt: &at, Approval: approvalMeta,
			})
			e.audit(ctx, audit.ActionCompleted, r.plan.PlanID, action.ID, map[string]any{
				"module":      action.Module,
				"action":      action.Action,
				"attempts":    attempt,
				"duration_ms": float64(e.clock().Sub(started).Microseconds()) / 1000.0,
			})
			return
		}

		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < maxAttempts && retryable(action.Retry, errorClass(err)) {
			delay := time.Duration(action.Retry.DelayForAttempt(attempt) * float64(time.Second))
			e.audit(ctx, audit.ActionRetried, r.plan.PlanID, action.ID, map[string]any{
				"attempt": attempt, "error": err.Error(), "class": errorClass(err),
				"delay_seconds": delay.Seconds(),
			})
			if e.sleep(ctx, delay) != nil {
				break
			}
			continue
		}
		break
	}

	e.failAction(ctx, r, action, attemptsMade, lastErr)

	if action.OnError == iml.OnErrorRollback {
		target, ok := e.rollback.Compensate(context.WithoutCancel(ctx), r.plan, action, r.snapshotResults())
		if ok {
			r.setStatus(target, iml.ActionRolledBack, "")
			e.persistAction(ctx, r, target, state.ActionUpdate{Status: iml.ActionRolledBack})
		}
	}
	if action.OnError == iml.OnErrorSkip {
		// The failure is downgraded: the action counts as skipped and
		// dependents proceed only if they tolerate a missing result.
		r.setStatus(action.ID, iml.ActionSkipped, "")
		e.persistAction(ctx, r, action.ID, state.ActionUpdate{Status: iml.ActionSkipped, Error: lastErr.Error()})
	}
}

func retryable(retry *iml.RetryConfig, class string) bool {
	if retry == nil {
		return false
	}
	if len(retry.RetryOn) == 0 {
		return true
	}
	for _, c := range retry.RetryOn {
		if c == class {
			return true
		}
	}
	return false
}

func (e *Executor) failAction(ctx context.Context, r *run, action *iml.Action, attempt int, err error) {
	r.setStatus(action.ID, iml.ActionFailed, err.Error())
	at := attempt
	e.persistAction(ctx, r, action.ID, state.ActionUpdate{
		Status: iml.ActionFailed, Error: err.Error(), Attempt: &at,
	})
	e.audit(ctx, audit.ActionFailed, r.plan.PlanID, action.ID, map[string]any{
		"module": action.Module, "action": action.Action,
		"error": err.Error(), "class": errorClass(err), "attempts": attempt,
	})
}

// resolveModule returns the instance serving the action's module id,
// walking the configured fallback chain when the primary cannot be
// loaded. Execution errors never engage fallbacks.
func (e *Executor) resolveModule(moduleID string) (module.Module, string, error) {
	mod, err := e.registry.Get(moduleID)
	if err == nil {
		return mod, moduleID, nil
	}
	var unknown *module.UnknownModuleError
	var load *module.LoadError
	if !errors.As(err, &unknown) && !errors.As(err, &load) {
		return nil, "", err
	}
	for _, alt := range e.fallbacks[moduleID] {
		if m, altErr := e.registry.Get(alt); altErr == nil {
			e.logger.Warn("module fallback engaged", "module", moduleID, "fallback", alt)
			return m, alt, nil
		}
	}
	return nil, "", err
}

// dispatch runs the module call under the action timeout and the
// per-module concurrency cap.
func (e *Executor) dispatch(ctx context.Context, action *iml.Action, params map[string]any) (map[string]any, error) {
	mod, servedBy, err := e.resolveModule(action.Module)
	if err != nil {
		return nil, err
	}

	release, err := e.resources.Acquire(ctx, servedBy)
	if err != nil {
		return nil, err
	}
	defer release()

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(action.Timeout)*time.Second)
	defer cancel()
	spanCtx, done := e.metrics.TrackAction(runCtx, action.Module, action.Action)
	result, err := mod.Execute(spanCtx, action.Action, params)
	if err != nil && runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		err = fmt.Errorf("%s.%s: %w", action.Module, action.Action, context.DeadlineExceeded)
	}
	class := ""
	if err != nil {
		class = errorClass(err)
	}
	done(err, class)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// awaitApproval blocks on the approval gate. It returns the params to
// execute with (possibly modified), decision metadata, and an error for
// reject decisions. A nil params return with nil error means the action
// was skipped.
func (e *Executor) awaitApproval(ctx context.Context, r *run, action *iml.Action, resolver *iml.TemplateResolver, resolved map[string]any) (map[string]any, map[string]any, error) {
	req := approval.Request{
		PlanID:      r.plan.PlanID,
		ActionID:    action.ID,
		Module:      action.Module,
		Action:      action.Action,
		Params:      resolved,
		RiskLevel:   "medium",
		Description: action.Label,
	}
	var timeout time.Duration
	var behavior approval.TimeoutBehavior
	if action.Approval != nil {
		req.RiskLevel = action.Approval.RiskLevel
		if action.Approval.Message != "" {
			req.Description = action.Approval.Message
		}
		timeout = time.Duration(action.Approval.TimeoutSeconds) * time.Second
		behavior = approval.TimeoutBehavior(action.Approval.TimeoutBehavior)
	}

	r.setStatus(action.ID, iml.ActionAwaitingApproval, "")
	e.persistAction(ctx, r, action.ID, state.ActionUpdate{Status: iml.ActionAwaitingApproval})

	e.metrics.ApprovalPending(ctx)
	resp := e.gate.Await(ctx, req, timeout, behavior)
	e.metrics.ApprovalResolved(ctx)
	meta := map[string]any{
		"decision":    string(resp.Decision),
		"approved_by": resp.ApprovedBy,
		"timestamp":   resp.Timestamp.Format(time.RFC3339),
	}

	switch resp.Decision {
	case approval.DecisionApprove, approval.DecisionApproveAlways:
		return resolved, meta, nil
	case approval.DecisionModify:
		modified, err := resolver.Resolve(resp.ModifiedParams)
		if err != nil {
			return nil, nil, err
		}
		return modified, meta, nil
	case approval.DecisionSkip:
		e.skipAction(ctx, r, action.ID, "Skipped: "+orDefault(resp.Reason, "approval skipped"))
		return nil, nil, nil
	default:
		return nil, nil, &guard.ApprovalRejectedError{
			Module: action.Module, Action: action.Action,
			Reason: orDefault(resp.Reason, "approval rejected"),
		}
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func (e *Executor) readMemory(ctx context.Context, r *run, action *iml.Action) map[string]any {
	if e.kv == nil || action.Memory == nil || len(action.Memory.ReadKeys) == 0 {
		return nil
	}
	values, err := e.kv.GetMany(ctx, action.Memory.ReadKeys)
	if err != nil {
		// Missing memory leaves templates unresolved, which surfaces as a
		// template error with a usable message; the read itself only warns.
		e.logger.Warn("memory read failed",
			"plan_id", r.plan.PlanID, "action_id", action.ID, "error", err)
		return nil
	}
	return values
}

func (e *Executor) writeMemory(ctx context.Context, r *run, action *iml.Action, result map[string]any) {
	if e.kv == nil || action.Memory == nil || action.Memory.WriteKey == "" {
		return
	}
	if err := e.kv.Set(ctx, action.Memory.WriteKey, result, r.plan.SessionID, 0); err != nil {
		e.logger.Warn("memory write failed",
			"plan_id", r.plan.PlanID, "action_id", action.ID,
			"key", action.Memory.WriteKey, "error", err)
	}
}

// truncateResult replaces oversized results with a summary so plan
// state rows stay bounded.
func (e *Executor) truncateResult(result map[string]any) map[string]any {
	if result == nil {
		return nil
	}
	data, err := json.Marshal(result)
	if err != nil || len(data) <= e.maxResultSize {
		return result
	}
	return map[string]any{
		"_truncated":     true,
		"_original_size": len(data),
		"_max_size":      e.maxResultSize,
		"data":           string(data[:e.maxResultSize]),
		"warning":        fmt.Sprintf("result truncated from %d to %d bytes", len(data), e.maxResultSize),
	}
}

func (e *Executor) persistAction(ctx context.Context, r *run, actionID string, upd state.ActionUpdate) {
	if e.plans == nil {
		return
	}
	if err := e.plans.UpdateAction(context.WithoutCancel(ctx), r.plan.PlanID, actionID, upd); err != nil {
		e.logger.Error("persist action state",
			"plan_id", r.plan.PlanID, "action_id", actionID, "error", err)
	}
}

func (e *Executor) audit(ctx context.Context, event audit.EventType, planID, actionID string, fields map[string]any) {
	if e.auditor == nil {
		return
	}
	e.auditor.Log(context.WithoutCancel(ctx), event, planID, actionID, fields)
}
