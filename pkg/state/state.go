// Package state persists execution state, cross-session key-value
// memory, and permission grants in a single embedded database. The
// default backend is SQLite in WAL mode; postgres is an opt-in for
// shared deployments.
package state

import (
	"time"

	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/iml"
)

// ActionState is the live status of one action within a plan.
type ActionState struct {
	ActionID   string           `json:"action_id"`
	Status     iml.ActionStatus `json:"status"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Result     any              `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
	Attempt    int              `json:"attempt"`
	Module     string           `json:"module"`
	Action     string           `json:"action"`
	// Approval holds decision metadata when the action went through the
	// approval gate: decision, approved_by, timestamp.
	Approval map[string]any `json:"approval_metadata,omitempty"`
}

// ExecutionState is the in-memory snapshot of a plan's execution.
type ExecutionState struct {
	PlanID     string                  `json:"plan_id"`
	PlanStatus iml.PlanStatus          `json:"plan_status"`
	CreatedAt  time.Time               `json:"created_at"`
	UpdatedAt  time.Time               `json:"updated_at"`
	Actions    map[string]*ActionState `json:"actions"`
}

// NewExecutionState seeds a pending state for every action in the plan.
func NewExecutionState(plan *iml.Plan) *ExecutionState {
	now := time.Now()
	st := &ExecutionState{
		PlanID:     plan.PlanID,
		PlanStatus: iml.PlanPending,
		CreatedAt:  now,
		UpdatedAt:  now,
		Actions:    make(map[string]*ActionState, len(plan.Actions)),
	}
	for i := range plan.Actions {
		a := &plan.Actions[i]
		st.Actions[a.ID] = &ActionState{
			ActionID: a.ID,
			Status:   iml.ActionPending,
			Module:   a.Module,
			Action:   a.Action,
		}
	}
	return st
}

// AllCompleted reports whether every action reached completed or
// skipped.
func (s *ExecutionState) AllCompleted() bool {
	for _, a := range s.Actions {
		if a.Status != iml.ActionCompleted && a.Status != iml.ActionSkipped {
			return false
		}
	}
	return true
}

// AnyFailed reports whether any action failed.
func (s *ExecutionState) AnyFailed() bool {
	for _, a := range s.Actions {
		if a.Status == iml.ActionFailed {
			return true
		}
	}
	return false
}

// PlanSummary is one row of the plan listing.
type PlanSummary struct {
	PlanID    string         `json:"plan_id"`
	Status    iml.PlanStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
