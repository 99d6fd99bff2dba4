package guard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/iml"
)

func action(module, name string, params map[string]any) *iml.Action {
	return &iml.Action{ID: "a1", Module: module, Action: name, Params: params}
}

func TestProfileTables(t *testing.T) {
	profiles := BuiltinProfiles()

	cases := []struct {
		profile Profile
		module  string
		action  string
		want    bool
	}{
		{ProfileReadonly, "filesystem", "read_file", true},
		{ProfileReadonly, "filesystem", "write_file", false},
		{ProfileReadonly, "system", "run_command", false},
		{ProfileLocalWorker, "filesystem", "write_file", true},
		{ProfileLocalWorker, "system", "run_command", true},
		{ProfileLocalWorker, "filesystem", "delete_file", false},
		{ProfileLocalWorker, "system", "kill_process", false},
		{ProfilePowerUser, "filesystem", "delete_file", true},
		{ProfilePowerUser, "system", "kill_process", true},
		{ProfileUnrestricted, "anything", "at_all", true},
	}
	for _, tc := range cases {
		got := profiles[tc.profile].IsAllowed(tc.module, tc.action)
		assert.Equal(t, tc.want, got, "%s: %s.%s", tc.profile, tc.module, tc.action)
	}
}

func TestProfileDeniedWinsOverAllowed(t *testing.T) {
	cfg := &ProfileConfig{
		Profile:         ProfileLocalWorker,
		AllowedPatterns: []string{"filesystem.*"},
		DeniedPatterns:  []string{"filesystem.delete_*"},
	}
	assert.True(t, cfg.IsAllowed("filesystem", "write_file"))
	assert.False(t, cfg.IsAllowed("filesystem", "delete_file"))
	assert.False(t, cfg.IsAllowed("filesystem", "delete_directory"))
}

func TestProfileByName(t *testing.T) {
	cfg, err := ProfileByName("power_user")
	require.NoError(t, err)
	assert.Equal(t, ProfilePowerUser, cfg.Profile)
	assert.Equal(t, 200, cfg.MaxPlanActions)

	_, err = ProfileByName("root")
	assert.ErrorContains(t, err, `unknown permission profile "root"`)
}

func TestCheckActionDenied(t *testing.T) {
	cfg, _ := ProfileByName("readonly")
	g := New(cfg)

	err := g.CheckAction(action("filesystem", "write_file", nil), "p1")
	var denied *PermissionDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "filesystem", denied.Module)
	assert.Equal(t, "permission_denied", denied.Class())

	assert.NoError(t, g.CheckAction(action("filesystem", "read_file", nil), "p1"))
}

func TestCheckActionApprovalPrecedesProfileDenial(t *testing.T) {
	// The approval list overrides a profile denial: the action is gated
	// on human confirmation rather than rejected outright.
	cfg, _ := ProfileByName("readonly")
	g := New(cfg, WithRequireApproval([]string{"filesystem.delete_file"}))

	err := g.CheckAction(action("filesystem", "delete_file", nil), "p1")
	var approval *ApprovalRequiredError
	require.ErrorAs(t, err, &approval)
	assert.Equal(t, "p1", approval.PlanID)
	assert.Equal(t, "approval_required", approval.Class())
}

func TestCheckActionUnrestrictedBypassesApproval(t *testing.T) {
	cfg, _ := ProfileByName("unrestricted")
	g := New(cfg, WithRequireApproval([]string{"system.run_command"}))

	assert.NoError(t, g.CheckAction(action("system", "run_command", nil), "p1"))
}

func TestCheckActionRequiresApprovalFlag(t *testing.T) {
	cfg, _ := ProfileByName("local_worker")
	g := New(cfg)

	a := action("filesystem", "write_file", nil)
	a.RequiresApproval = true
	var approval *ApprovalRequiredError
	require.ErrorAs(t, g.CheckAction(a, "p1"), &approval)
}

func TestCheckPlanActionCap(t *testing.T) {
	cfg, _ := ProfileByName("readonly")
	g := New(cfg)

	plan := &iml.Plan{PlanID: "p1"}
	for i := 0; i < 21; i++ {
		plan.Actions = append(plan.Actions, iml.Action{
			ID: "a", Module: "filesystem", Action: "read_file",
		})
	}
	var denied *PermissionDeniedError
	require.ErrorAs(t, g.CheckPlan(plan), &denied)
	assert.Equal(t, "(plan)", denied.Module)

	plan.Actions = plan.Actions[:20]
	assert.NoError(t, g.CheckPlan(plan))
}

func TestCheckPlanPreFlightsEveryAction(t *testing.T) {
	cfg, _ := ProfileByName("readonly")
	g := New(cfg)

	plan := &iml.Plan{
		PlanID: "p1",
		Actions: []iml.Action{
			{ID: "a1", Module: "filesystem", Action: "read_file"},
			{ID: "a2", Module: "system", Action: "run_command"},
		},
	}
	var denied *PermissionDeniedError
	require.ErrorAs(t, g.CheckPlan(plan), &denied)
	assert.Equal(t, "run_command", denied.Action)
}

func TestSandboxEnforcement(t *testing.T) {
	cfg, _ := ProfileByName("local_worker")
	g := New(cfg, WithSandboxPaths([]string{"/srv/workspace"}))

	inside := action("filesystem", "write_file", map[string]any{"path": "/srv/workspace/out.txt"})
	assert.NoError(t, g.CheckAction(inside, "p1"))

	outside := action("filesystem", "write_file", map[string]any{"path": "/etc/passwd"})
	var denied *PermissionDeniedError
	require.ErrorAs(t, g.CheckAction(outside, "p1"), &denied)

	// Prefix must respect path boundaries.
	sibling := action("filesystem", "write_file", map[string]any{"path": "/srv/workspace-evil/x"})
	require.ErrorAs(t, g.CheckAction(sibling, "p1"), &denied)

	// Templated paths pass pre-flight and are re-checked after resolution.
	templated := action("filesystem", "write_file", map[string]any{"path": "{{result.a0.path}}"})
	assert.NoError(t, g.CheckAction(templated, "p1"))

	err := g.CheckSandboxParams("filesystem", "write_file",
		map[string]any{"path": "{{result.a0.path}}"})
	require.ErrorAs(t, err, &denied)

	assert.NoError(t, g.CheckSandboxParams("filesystem", "write_file",
		map[string]any{"path": "/srv/workspace/resolved.txt"}))
}

func TestSandboxChecksAllPathParamKeys(t *testing.T) {
	cfg, _ := ProfileByName("local_worker")
	g := New(cfg, WithSandboxPaths([]string{"/srv/workspace"}))

	a := action("filesystem", "copy_file", map[string]any{
		"source":      "/srv/workspace/a.txt",
		"destination": "/tmp/escape.txt",
	})
	var denied *PermissionDeniedError
	require.ErrorAs(t, g.CheckAction(a, "p1"), &denied)
}

func TestPolicyEngineEvaluate(t *testing.T) {
	engine, err := NewPolicyEngine([]string{
		`action.module != "system" || action.action != "kill_process"`,
		`!(action.params.path == "/etc/shadow")`,
	})
	require.NoError(t, err)

	cfg, _ := ProfileByName("power_user")
	g := New(cfg, WithPolicyEngine(engine))

	assert.NoError(t, g.CheckAction(action("filesystem", "read_file",
		map[string]any{"path": "/home/u/notes.txt"}), "p1"))

	err = g.CheckAction(action("system", "kill_process",
		map[string]any{"pid": 42}), "p1")
	var policyErr *PolicyDeniedError
	require.ErrorAs(t, err, &policyErr)
	assert.Equal(t, "policy_denied", policyErr.Class())
	assert.Equal(t, "kill_process", policyErr.Action)

	err = g.CheckAction(action("filesystem", "read_file",
		map[string]any{"path": "/etc/shadow"}), "p1")
	require.ErrorAs(t, err, &policyErr)
}

func TestPolicyEngineFailsClosedOnBadRule(t *testing.T) {
	engine, err := NewPolicyEngine([]string{`this is not CEL (((`})
	require.NoError(t, err)

	err = engine.Evaluate(action("filesystem", "read_file", nil), "p1")
	var policyErr *PolicyDeniedError
	require.ErrorAs(t, err, &policyErr)
}

func TestPolicyEngineSeesPlanID(t *testing.T) {
	engine, err := NewPolicyEngine([]string{`plan_id.startsWith("trusted-")`})
	require.NoError(t, err)

	assert.NoError(t, engine.Evaluate(action("filesystem", "read_file", nil), "trusted-1"))
	var policyErr *PolicyDeniedError
	require.ErrorAs(t, engine.Evaluate(action("filesystem", "read_file", nil), "p1"), &policyErr)
}
