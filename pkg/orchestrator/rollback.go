package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/audit"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/iml"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/module"
)

// maxRollbackDepth bounds compensation chains. Rollback actions never
// trigger their own rollbacks, so the limit is defensive against plans
// wired into long compensation ladders.
const maxRollbackDepth = 5

// RollbackEngine runs compensating actions when a failed action carries
// a rollback block. Compensation is best-effort: failures are logged
// and audited but never propagate into plan status.
type RollbackEngine struct {
	registry *module.Registry
	auditor  *audit.Logger
	logger   *slog.Logger
	timeout  time.Duration
}

func NewRollbackEngine(registry *module.Registry, auditor *audit.Logger, logger *slog.Logger) *RollbackEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &RollbackEngine{
		registry: registry,
		auditor:  auditor,
		logger:   logger,
		timeout:  60 * time.Second,
	}
}

// Compensate runs the rollback target of the failed action. Params are
// the target action's params overlaid with the rollback block's params,
// then template-resolved against results gathered so far. It returns
// the compensated target's id and whether the compensation succeeded,
// so the caller can mark the target rolled back.
func (e *RollbackEngine) Compensate(ctx context.Context, plan *iml.Plan, failed *iml.Action, results map[string]any) (string, bool) {
	return e.compensate(ctx, plan, failed, results, 1)
}

func (e *RollbackEngine) compensate(ctx context.Context, plan *iml.Plan, failed *iml.Action, results map[string]any, depth int) (string, bool) {
	if failed.Rollback == nil {
		return "", false
	}
	if depth > maxRollbackDepth {
		e.logger.Warn("rollback depth limit reached",
			"plan_id", plan.PlanID, "action_id", failed.ID, "depth", depth)
		return "", false
	}

	target := plan.GetAction(failed.Rollback.Action)
	if target == nil {
		// The parser rejects dangling rollback targets, so this only
		// happens when a plan is mutated after validation.
		e.logger.Error("rollback target missing",
			"plan_id", plan.PlanID, "action_id", failed.ID, "target", failed.Rollback.Action)
		return "", false
	}

	params := make(map[string]any, len(target.Params)+len(failed.Rollback.Params))
	for k, v := range target.Params {
		params[k] = v
	}
	for k, v := range failed.Rollback.Params {
		params[k] = v
	}

	resolver := iml.NewTemplateResolver(results, nil, false)
	resolved, err := resolver.Resolve(params)
	if err != nil {
		e.logger.Error("rollback params unresolvable",
			"plan_id", plan.PlanID, "action_id", failed.ID, "target", target.ID, "error", err)
		return "", false
	}

	mod, err := e.registry.Get(target.Module)
	if err != nil {
		e.logger.Error("rollback module unavailable",
			"plan_id", plan.PlanID, "target", target.ID, "error", err)
		return "", false
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	_, execErr := mod.Execute(runCtx, target.Action, resolved)
	if execErr != nil {
		e.logger.Error("rollback action failed",
			"plan_id", plan.PlanID, "action_id", failed.ID, "target", target.ID, "error", execErr)
	}
	if e.auditor != nil {
		fields := map[string]any{
			"rollback_action": target.ID,
			"module":          target.Module,
			"action":          target.Action,
		}
		if execErr != nil {
			fields["error"] = execErr.Error()
		}
		e.auditor.Log(ctx, audit.ActionRolledBack, plan.PlanID, failed.ID, fields)
	}
	return target.ID, execErr == nil
}
