// Package guard is the single permission enforcement point: profile
// allow/deny tables, approval gating, sandbox path restrictions,
// operator CEL policy rules, and per-action rate limits. It runs before
// every dispatch, no exception.
package guard

import "fmt"

// PermissionDeniedError means the active profile disallows the action.
// Not retryable.
type PermissionDeniedError struct {
	Module  string
	Action  string
	Profile string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: action %q is not allowed under profile %q",
		e.Module+"."+e.Action, e.Profile)
}

func (e *PermissionDeniedError) Class() string { return "permission_denied" }

// ApprovalRequiredError means the action needs explicit human approval
// before dispatch.
type ApprovalRequiredError struct {
	PlanID   string
	ActionID string
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("action %q in plan %q requires user approval", e.ActionID, e.PlanID)
}

func (e *ApprovalRequiredError) Class() string { return "approval_required" }

// RateLimitedError means a per-action limit was exceeded. Retryable.
type RateLimitedError struct {
	Key   string
	Limit int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q (%d per minute)", e.Key, e.Limit)
}

func (e *RateLimitedError) Class() string { return "rate_limited" }

// ApprovalRejectedError means the user declined an approval request.
// Not retryable.
type ApprovalRejectedError struct {
	Module string
	Action string
	Reason string
}

func (e *ApprovalRejectedError) Error() string {
	return fmt.Sprintf("approval rejected for %q: %s", e.Module+"."+e.Action, e.Reason)
}

func (e *ApprovalRejectedError) Class() string { return "approval_rejected" }

// PolicyDeniedError means an operator CEL rule rejected the action.
type PolicyDeniedError struct {
	Rule   string
	Module string
	Action string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("policy rule %q denied action %q", e.Rule, e.Module+"."+e.Action)
}

func (e *PolicyDeniedError) Class() string { return "policy_denied" }
