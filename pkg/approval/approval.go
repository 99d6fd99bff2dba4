// Package approval coordinates asynchronous human decisions between the
// executor, which blocks waiting for a verdict, and the API layer, which
// delivers one. Each pending request carries a channel the executor
// receives on and Resolve closes.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/audit"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/state"
)

// Decision is the user's verdict on a pending request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionSkip    Decision = "skip"
	DecisionModify  Decision = "modify"
	// DecisionApproveAlways approves and adds the module.action pair to
	// the session auto-approve list.
	DecisionApproveAlways Decision = "approve_always"
)

// TimeoutBehavior selects the synthetic decision when no human answers
// in time.
type TimeoutBehavior string

const (
	TimeoutReject TimeoutBehavior = "reject"
	TimeoutSkip   TimeoutBehavior = "skip"
)

// Request describes an action awaiting approval.
type Request struct {
	PlanID      string         `json:"plan_id"`
	ActionID    string         `json:"action_id"`
	Module      string         `json:"module"`
	Action      string         `json:"action"`
	Params      map[string]any `json:"params"`
	RiskLevel   string         `json:"risk_level"`
	Description string         `json:"description"`
	Reason      string         `json:"requires_approval_reason"`
	RequestedAt time.Time      `json:"requested_at"`
}

// Response is the decision delivered back to the executor.
type Response struct {
	Decision       Decision       `json:"decision"`
	ModifiedParams map[string]any `json:"modified_params,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	ApprovedBy     string         `json:"approved_by,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

type pendingEntry struct {
	request Request
	done    chan Response
}

// Gate tracks pending approvals, keyed by (plan_id, action_id).
//
// Unlike the executor, which holds one Await per action, the API side
// may poll Pending and Resolve from any goroutine; all state is guarded
// by the mutex.
type Gate struct {
	defaultTimeout  time.Duration
	defaultBehavior TimeoutBehavior
	auditor         *audit.Logger
	grants          *state.GrantStore
	clock           func() time.Time

	mu          sync.Mutex
	pending     map[[2]string]*pendingEntry
	autoApprove map[string]struct{}
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock injects a time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(g *Gate) { g.clock = clock }
}

// WithAuditor records APPROVAL_* events.
func WithAuditor(a *audit.Logger) Option {
	return func(g *Gate) { g.auditor = a }
}

// WithGrants persists approve_always decisions as permission grants.
// Session-scoped grants are cleared when the store reopens, so the
// bypass never silently outlives a restart.
func WithGrants(s *state.GrantStore) Option {
	return func(g *Gate) { g.grants = s }
}

func autoApprovePermission(action string) string {
	return "auto_approve:" + action
}

// NewGate builds a gate with the given defaults. A zero timeout means
// five minutes; an empty behavior means reject.
func NewGate(defaultTimeout time.Duration, defaultBehavior TimeoutBehavior, opts ...Option) *Gate {
	if defaultTimeout <= 0 {
		defaultTimeout = 5 * time.Minute
	}
	if defaultBehavior == "" {
		defaultBehavior = TimeoutReject
	}
	g := &Gate{
		defaultTimeout:  defaultTimeout,
		defaultBehavior: defaultBehavior,
		clock:           time.Now,
		pending:         make(map[[2]string]*pendingEntry),
		autoApprove:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Await blocks until a decision arrives, the timeout expires, or ctx is
// cancelled. A zero timeout uses the gate default; an empty behavior
// uses the gate default. Cancellation yields a reject.
//
// Auto-approved module.action pairs return immediately without entering
// the pending set.
func (g *Gate) Await(ctx context.Context, req Request, timeout time.Duration, behavior TimeoutBehavior) Response {
	if req.RequestedAt.IsZero() {
		req.RequestedAt = g.clock()
	}
	if timeout <= 0 {
		timeout = g.defaultTimeout
	}
	if behavior == "" {
		behavior = g.defaultBehavior
	}

	if g.IsAutoApproved(req.Module, req.Action) {
		return Response{
			Decision:  DecisionApprove,
			Reason:    "auto-approved for this session",
			Timestamp: g.clock(),
		}
	}
	if g.grants != nil {
		if ok, err := g.grants.IsGranted(ctx, autoApprovePermission(req.Action), req.Module); err == nil && ok {
			return Response{
				Decision:  DecisionApprove,
				Reason:    "auto-approved by stored grant",
				Timestamp: g.clock(),
			}
		}
	}

	key := [2]string{req.PlanID, req.ActionID}
	entry := &pendingEntry{request: req, done: make(chan Response, 1)}

	g.mu.Lock()
	g.pending[key] = entry
	g.mu.Unlock()

	g.audit(ctx, audit.ApprovalRequested, req, map[string]any{
		"risk_level": req.RiskLevel,
		"reason":     req.Reason,
	})

	defer func() {
		g.mu.Lock()
		delete(g.pending, key)
		g.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-entry.done:
		g.auditDecision(ctx, req, resp)
		return resp
	case <-timer.C:
		resp := Response{
			Decision:  DecisionReject,
			Reason:    fmt.Sprintf("Approval timed out after %s", timeout),
			Timestamp: g.clock(),
		}
		if behavior == TimeoutSkip {
			resp.Decision = DecisionSkip
		}
		g.audit(ctx, audit.ApprovalTimeout, req, map[string]any{
			"timeout_behavior": string(behavior),
			"timeout":          timeout.String(),
		})
		return resp
	case <-ctx.Done():
		resp := Response{
			Decision:  DecisionReject,
			Reason:    "plan cancelled while awaiting approval",
			Timestamp: g.clock(),
		}
		g.auditDecision(ctx, req, resp)
		return resp
	}
}

// Resolve delivers a decision for a pending request. Returns false when
// no matching request is waiting.
func (g *Gate) Resolve(planID, actionID string, resp Response) bool {
	if resp.Timestamp.IsZero() {
		resp.Timestamp = g.clock()
	}

	g.mu.Lock()
	entry, ok := g.pending[[2]string{planID, actionID}]
	if ok && resp.Decision == DecisionApproveAlways {
		g.autoApprove[entry.request.Module+"."+entry.request.Action] = struct{}{}
	}
	g.mu.Unlock()
	if !ok {
		return false
	}

	if resp.Decision == DecisionApproveAlways && g.grants != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		// Best effort: the in-memory auto-approve set already covers
		// this session even when the write fails.
		_ = g.grants.Put(ctx, state.Grant{
			Permission: autoApprovePermission(entry.request.Action),
			ModuleID:   entry.request.Module,
			GrantedBy:  resp.ApprovedBy,
			Reason:     resp.Reason,
		})
		cancel()
	}

	entry.done <- resp
	return true
}

// Pending lists waiting requests, all of them or one plan's.
func (g *Gate) Pending(planID string) []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Request, 0, len(g.pending))
	for key, entry := range g.pending {
		if planID != "" && key[0] != planID {
			continue
		}
		out = append(out, entry.request)
	}
	return out
}

// PendingCount returns the number of waiting requests.
func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// IsAutoApproved reports whether module.action was approved with
// approve_always this session.
func (g *Gate) IsAutoApproved(module, action string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.autoApprove[module+"."+action]
	return ok
}

// ClearAutoApprovals resets the session auto-approve list.
func (g *Gate) ClearAutoApprovals() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.autoApprove = make(map[string]struct{})
}

func (g *Gate) auditDecision(ctx context.Context, req Request, resp Response) {
	t := audit.ApprovalGranted
	if resp.Decision == DecisionReject || resp.Decision == DecisionSkip {
		t = audit.ApprovalRejected
	}
	g.audit(ctx, t, req, map[string]any{
		"decision":    string(resp.Decision),
		"approved_by": resp.ApprovedBy,
		"reason":      resp.Reason,
	})
}

func (g *Gate) audit(ctx context.Context, t audit.EventType, req Request, fields map[string]any) {
	if g.auditor == nil {
		return
	}
	fields["module"] = req.Module
	fields["action"] = req.Action
	g.auditor.Log(ctx, t, req.PlanID, req.ActionID, fields)
}
