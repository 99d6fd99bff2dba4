package guard

import (
	"path/filepath"
	"strings"

	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/iml"
)

// Parameter keys that carry file paths, across all modules. Any of
// these is validated against the sandbox directories.
var pathParamKeys = []string{
	"path",
	"source",
	"destination",
	"output_path",
	"file_path",
	"archive_path",
	"database",
}

// Guard enforces the active permission profile against plans and
// actions.
//
// The approval list acts as a gated permission that takes precedence
// over profile denials: an admin can require human confirmation for an
// action the profile would otherwise reject outright.
type Guard struct {
	profile            *ProfileConfig
	requireApprovalFor map[string]struct{}
	sandboxPaths       []string
	policy             *PolicyEngine
}

// Option configures a Guard.
type Option func(*Guard)

// WithRequireApproval lists module.action keys that always need human
// approval.
func WithRequireApproval(keys []string) Option {
	return func(g *Guard) {
		for _, k := range keys {
			g.requireApprovalFor[k] = struct{}{}
		}
	}
}

// WithSandboxPaths restricts filesystem access to the given directory
// prefixes.
func WithSandboxPaths(paths []string) Option {
	return func(g *Guard) { g.sandboxPaths = paths }
}

// WithPolicyEngine attaches operator CEL rules.
func WithPolicyEngine(p *PolicyEngine) Option {
	return func(g *Guard) { g.policy = p }
}

// New builds a guard over the given profile.
func New(profile *ProfileConfig, opts ...Option) *Guard {
	g := &Guard{
		profile:            profile,
		requireApprovalFor: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Profile returns the active profile config.
func (g *Guard) Profile() *ProfileConfig { return g.profile }

// CheckPlan verifies plan-level constraints before execution starts:
// the action count limit and a pre-flight permission check of every
// action, so permission errors surface before anything runs.
func (g *Guard) CheckPlan(plan *iml.Plan) error {
	if len(plan.Actions) > g.profile.MaxPlanActions {
		return &PermissionDeniedError{Module: "(plan)", Action: "(plan)", Profile: string(g.profile.Profile)}
	}
	for i := range plan.Actions {
		a := &plan.Actions[i]
		if !g.profile.IsAllowed(a.Module, a.Action) {
			return &PermissionDeniedError{Module: a.Module, Action: a.Action, Profile: string(g.profile.Profile)}
		}
	}
	return nil
}

// CheckAction verifies a single action at dispatch time. It runs again
// here (not just pre-flight) to guard against profile changes
// mid-plan.
//
// The approval check runs first; the unrestricted profile bypasses the
// approval gate and falls through to the allow check.
func (g *Guard) CheckAction(action *iml.Action, planID string) error {
	if g.requiresApproval(action) && !g.profile.AllowApprovalBypass {
		return &ApprovalRequiredError{PlanID: planID, ActionID: action.ID}
	}

	if !g.profile.IsAllowed(action.Module, action.Action) {
		return &PermissionDeniedError{Module: action.Module, Action: action.Action, Profile: string(g.profile.Profile)}
	}

	if g.policy != nil {
		if err := g.policy.Evaluate(action, planID); err != nil {
			return err
		}
	}

	// Pre-flight sandbox check; params still holding {{...}} templates
	// are skipped here and re-checked after resolution.
	return g.checkSandbox(action.Module, action.Action, action.Params, true)
}

// CheckSandboxParams re-checks path params after template resolution,
// when the real paths are known.
func (g *Guard) CheckSandboxParams(module, action string, params map[string]any) error {
	return g.checkSandbox(module, action, params, false)
}

// IsAllowed checks without failing, for UI feature flags.
func (g *Guard) IsAllowed(moduleID, actionName string) bool {
	return g.profile.IsAllowed(moduleID, actionName)
}

// RequiresApproval reports whether the key is on the approval list.
func (g *Guard) RequiresApproval(moduleID, actionName string) bool {
	_, ok := g.requireApprovalFor[moduleID+"."+actionName]
	return ok
}

func (g *Guard) requiresApproval(action *iml.Action) bool {
	if action.RequiresApproval {
		return true
	}
	return g.RequiresApproval(action.Module, action.Action)
}

func (g *Guard) checkSandbox(module, action string, params map[string]any, skipTemplates bool) error {
	if len(g.sandboxPaths) == 0 {
		return nil
	}
	for _, key := range pathParamKeys {
		value, ok := params[key].(string)
		if !ok || value == "" {
			continue
		}
		if strings.Contains(value, "{{") {
			if skipTemplates {
				continue
			}
			// A template surviving resolution is never a valid path.
			return &PermissionDeniedError{Module: module, Action: action, Profile: string(g.profile.Profile)}
		}
		if !g.insideSandbox(value) {
			return &PermissionDeniedError{Module: module, Action: action, Profile: string(g.profile.Profile)}
		}
	}
	return nil
}

func (g *Guard) insideSandbox(p string) bool {
	abs, err := filepath.Abs(p)
	if err != nil {
		return false
	}
	for _, sandbox := range g.sandboxPaths {
		absSandbox, err := filepath.Abs(sandbox)
		if err != nil {
			continue
		}
		if abs == absSandbox || strings.HasPrefix(abs, absSandbox+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
