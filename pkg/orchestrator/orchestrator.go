package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/audit"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/iml"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/state"
)

const (
	defaultMaxConcurrentPlans = 5
	defaultSyncPlanTimeout    = 300 * time.Second
	defaultGroupConcurrency   = 10
	defaultGroupTimeout       = 300 * time.Second
)

// TooManyPlansError is returned immediately when the daemon is already
// running its maximum number of concurrent plans. There is no queue;
// the caller retries.
type TooManyPlansError struct {
	Limit int
}

func (e *TooManyPlansError) Error() string {
	return fmt.Sprintf("too many concurrent plans (limit %d)", e.Limit)
}

func (e *TooManyPlansError) Class() string { return "too_many_plans" }

// Options tune the orchestrator facade.
type Options struct {
	// MaxConcurrentPlans caps plans executing at once. Default 5.
	MaxConcurrentPlans int
	// SyncTimeout bounds a synchronous Run call. Default 300s.
	SyncTimeout time.Duration
	// GroupMaxConcurrent caps plans running at once within one group.
	// Default 10.
	GroupMaxConcurrent int
	// GroupTimeout bounds a whole plan group. Default 300s.
	GroupTimeout time.Duration
}

// Orchestrator is the single entry point for plan execution: it holds
// the global concurrency cap, tracks running plans for cancellation,
// and fans out plan groups.
type Orchestrator struct {
	executor *Executor
	plans    *state.PlanStore
	auditor  *audit.Logger
	logger   *slog.Logger

	syncTimeout  time.Duration
	groupWorkers int
	groupTimeout time.Duration

	slots chan struct{}

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func New(executor *Executor, plans *state.PlanStore, auditor *audit.Logger, logger *slog.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxConcurrentPlans <= 0 {
		opts.MaxConcurrentPlans = defaultMaxConcurrentPlans
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = defaultSyncPlanTimeout
	}
	if opts.GroupMaxConcurrent <= 0 {
		opts.GroupMaxConcurrent = defaultGroupConcurrency
	}
	if opts.GroupTimeout <= 0 {
		opts.GroupTimeout = defaultGroupTimeout
	}
	return &Orchestrator{
		executor:     executor,
		plans:        plans,
		auditor:      auditor,
		logger:       logger,
		syncTimeout:  opts.SyncTimeout,
		groupWorkers: opts.GroupMaxConcurrent,
		groupTimeout: opts.GroupTimeout,
		slots:        make(chan struct{}, opts.MaxConcurrentPlans),
		running:      make(map[string]context.CancelFunc),
	}
}

func (o *Orchestrator) acquireSlot() error {
	select {
	case o.slots <- struct{}{}:
		return nil
	default:
		return &TooManyPlansError{Limit: cap(o.slots)}
	}
}

func (o *Orchestrator) track(planID string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.running[planID] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(planID string) {
	o.mu.Lock()
	delete(o.running, planID)
	o.mu.Unlock()
	<-o.slots
}

// Run executes a plan synchronously, bounded by the sync timeout.
func (o *Orchestrator) Run(ctx context.Context, plan *iml.Plan) (*state.ExecutionState, error) {
	if err := o.acquireSlot(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, o.syncTimeout)
	o.track(plan.PlanID, cancel)
	defer func() {
		cancel()
		o.untrack(plan.PlanID)
	}()

	o.auditSubmitted(runCtx, plan)
	return o.executor.Execute(runCtx, plan)
}

// Submit starts a plan in the background and returns its id. The plan
// runs detached from the caller's context; Cancel stops it.
func (o *Orchestrator) Submit(ctx context.Context, plan *iml.Plan) (string, error) {
	if err := o.acquireSlot(); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.track(plan.PlanID, cancel)
	o.auditSubmitted(runCtx, plan)

	go func() {
		defer func() {
			cancel()
			o.untrack(plan.PlanID)
		}()
		if _, err := o.executor.Execute(runCtx, plan); err != nil {
			o.recordRejected(plan, err)
		}
	}()
	return plan.PlanID, nil
}

// recordRejected persists a failed row for plans blocked before any
// action ran, so an async submitter can still query the outcome.
func (o *Orchestrator) recordRejected(plan *iml.Plan, cause error) {
	o.logger.Warn("plan rejected before execution",
		"plan_id", plan.PlanID, "error", cause, "class", errorClass(cause))
	if o.auditor != nil {
		o.auditor.Log(context.Background(), audit.PlanFailed, plan.PlanID, "", map[string]any{
			"error": cause.Error(), "class": errorClass(cause),
		})
	}
	if o.plans == nil {
		return
	}
	ctx := context.Background()
	st := state.NewExecutionState(plan)
	st.PlanStatus = iml.PlanFailed
	if err := o.plans.Create(ctx, st); err != nil {
		o.logger.Error("persist rejected plan", "plan_id", plan.PlanID, "error", err)
		return
	}
	if err := o.plans.UpdatePlanStatus(ctx, plan.PlanID, iml.PlanFailed); err != nil {
		o.logger.Error("persist rejected plan status", "plan_id", plan.PlanID, "error", err)
	}
}

// Cancel stops a running plan. Pending approvals are rejected through
// context cancellation; in-flight module calls finish up to their own
// timeouts. Returns false when the plan is not running.
func (o *Orchestrator) Cancel(planID string) bool {
	o.mu.Lock()
	cancel, ok := o.running[planID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// RunningCount reports how many plans are executing right now.
func (o *Orchestrator) RunningCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.running)
}

// RunningIDs lists the ids of plans executing right now.
func (o *Orchestrator) RunningIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.running))
	for id := range o.running {
		out = append(out, id)
	}
	return out
}

func (o *Orchestrator) auditSubmitted(ctx context.Context, plan *iml.Plan) {
	if o.auditor == nil {
		return
	}
	o.auditor.Log(ctx, audit.PlanSubmitted, plan.PlanID, "", map[string]any{
		"action_count":   len(plan.Actions),
		"execution_mode": string(plan.ExecutionMode),
		"session_id":     plan.SessionID,
	})
}

// PlanGroup is a batch of independent plans executed together.
type PlanGroup struct {
	GroupID        string      `json:"group_id"`
	Plans          []*iml.Plan `json:"plans"`
	MaxConcurrent  int         `json:"max_concurrent,omitempty"`
	TimeoutSeconds int         `json:"timeout_seconds,omitempty"`
}

// GroupStatus is the aggregate outcome of a plan group.
type GroupStatus string

const (
	GroupCompleted      GroupStatus = "completed"
	GroupPartialFailure GroupStatus = "partial_failure"
	GroupFailed         GroupStatus = "failed"
)

// PlanGroupResult holds per-plan outcomes and the aggregate status.
type PlanGroupResult struct {
	GroupID     string                           `json:"group_id"`
	Status      GroupStatus                      `json:"status"`
	PlanResults map[string]*state.ExecutionState `json:"plan_results"`
	Errors      map[string]string                `json:"errors,omitempty"`
	StartedAt   time.Time                        `json:"started_at"`
	FinishedAt  time.Time                        `json:"finished_at"`
	Summary     map[string]int                   `json:"summary"`
}

// RunGroup fans the group's plans out under the group's own concurrency
// cap, separate from the global plan cap. A group timeout fails the
// whole group; plans still running are cancelled.
func (o *Orchestrator) RunGroup(ctx context.Context, group *PlanGroup) *PlanGroupResult {
	workers := group.MaxConcurrent
	if workers <= 0 {
		workers = o.groupWorkers
	}
	timeout := o.groupTimeout
	if group.TimeoutSeconds > 0 {
		timeout = time.Duration(group.TimeoutSeconds) * time.Second
	}

	groupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := &PlanGroupResult{
		GroupID:     group.GroupID,
		PlanResults: make(map[string]*state.ExecutionState, len(group.Plans)),
		Errors:      make(map[string]string),
		StartedAt:   time.Now(),
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = make(chan struct{}, workers)
	)
	for _, plan := range group.Plans {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-groupCtx.Done():
				mu.Lock()
				result.Errors[plan.PlanID] = groupCtx.Err().Error()
				mu.Unlock()
				return
			}

			st, err := o.executor.Execute(groupCtx, plan)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[plan.PlanID] = err.Error()
				return
			}
			result.PlanResults[plan.PlanID] = st
		}()
	}
	wg.Wait()
	result.FinishedAt = time.Now()

	completed, failed := 0, 0
	for _, st := range result.PlanResults {
		if st.PlanStatus == iml.PlanCompleted {
			completed++
		} else {
			failed++
		}
	}
	failed += len(result.Errors)
	result.Summary = map[string]int{
		"total":     len(group.Plans),
		"completed": completed,
		"failed":    failed,
	}

	switch {
	case groupCtx.Err() == context.DeadlineExceeded:
		result.Status = GroupFailed
		result.Errors["_group"] = "group timeout exceeded"
	case failed == 0:
		result.Status = GroupCompleted
	case completed == 0:
		result.Status = GroupFailed
	default:
		result.Status = GroupPartialFailure
	}
	return result
}
