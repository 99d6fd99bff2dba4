package module

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/iml"
)

type fakeModule struct {
	id       string
	version  string
	manifest *Manifest
	snippet  string
}

func (m *fakeModule) ID() string          { return m.id }
func (m *fakeModule) Version() string     { return m.version }
func (m *fakeModule) Manifest() *Manifest { return m.manifest }

func (m *fakeModule) Execute(_ context.Context, action string, params map[string]any) (map[string]any, error) {
	return map[string]any{"action": action, "echo": params}, nil
}

func (m *fakeModule) ContextSnippet() string { return m.snippet }

func newFakeModule(id, version string) *fakeModule {
	return &fakeModule{
		id:      id,
		version: version,
		manifest: &Manifest{
			ID:      id,
			Version: version,
			Actions: []ActionSpec{
				{
					Name: "echo",
					Params: []ParamSpec{
						{Name: "text", Type: "string", Required: true},
						{Name: "upper", Type: "boolean", Default: false},
					},
				},
				{
					Name: "count",
					Params: []ParamSpec{
						{Name: "n", Type: "integer", Required: true},
					},
				},
			},
		},
	}
}

func TestManifestValidateParams(t *testing.T) {
	m := newFakeModule("demo", "1.0.0").Manifest()
	require.NoError(t, m.Compile())

	require.NoError(t, m.ValidateParams("echo", map[string]any{"text": "hi"}))

	err := m.ValidateParams("echo", map[string]any{})
	require.Error(t, err, "missing required param must be rejected")

	err = m.ValidateParams("echo", map[string]any{"text": "hi", "bogus": 1})
	require.Error(t, err, "undeclared params must be rejected")

	err = m.ValidateParams("count", map[string]any{"n": "three"})
	require.Error(t, err, "type mismatch must be rejected")

	require.NoError(t, m.ValidateParams("count", map[string]any{"n": int64(3)}),
		"int64 params from the parser must validate as integers")

	var nf *ActionNotFoundError
	err = m.ValidateParams("ghost", nil)
	require.ErrorAs(t, err, &nf)
}

func TestManifestApplyDefaults(t *testing.T) {
	m := newFakeModule("demo", "1.0.0").Manifest()
	out := m.ApplyDefaults("echo", map[string]any{"text": "hi"})
	assert.Equal(t, false, out["upper"])
	assert.Equal(t, "hi", out["text"])
}

func TestRegistryLazyLoadAndStatus(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("demo", func() (Module, error) {
		return newFakeModule("demo", "1.2.3"), nil
	})
	r.Register("broken", func() (Module, error) {
		return nil, errors.New("boom")
	})

	status := r.Status()
	assert.ElementsMatch(t, []string{"demo", "broken"}, status.Registered)
	assert.Empty(t, status.Loaded)

	m, err := r.Get("demo")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", m.Version())

	var lerr *LoadError
	_, err = r.Get("broken")
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, "module_load_error", lerr.Class())

	// Failure is sticky.
	_, err = r.Get("broken")
	require.ErrorAs(t, err, &lerr)

	var uerr *UnknownModuleError
	_, err = r.Get("ghost")
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, "unknown_module", uerr.Class())

	status = r.Status()
	assert.Equal(t, []string{"demo"}, status.Loaded)
	assert.Contains(t, status.Failed, "broken")
}

func TestRegistryPlatformExclusion(t *testing.T) {
	r := NewRegistry(nil)
	mod := newFakeModule("winonly", "1.0.0")
	mod.manifest.Platforms = []string{"nonexistent_os"}
	require.NoError(t, r.RegisterInstance(mod))

	_, err := r.Get("winonly")
	var uerr *UnknownModuleError
	require.ErrorAs(t, err, &uerr)
	assert.Contains(t, r.Status().PlatformExcluded, "winonly")
}

func TestRegistryContextSnippets(t *testing.T) {
	r := NewRegistry(nil)
	mod := newFakeModule("demo", "1.0.0")
	mod.snippet = "demo module: echoes things"
	require.NoError(t, r.RegisterInstance(mod))

	assert.Equal(t, []string{"demo module: echoes things"}, r.ContextSnippets())
}

func TestValidatePlanParams(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.RegisterInstance(newFakeModule("demo", "1.0.0")))

	plan := &iml.Plan{
		PlanID:          "p1",
		ProtocolVersion: iml.ProtocolVersion,
		Description:     "t",
		ExecutionMode:   iml.ModeSequential,
		PlanMode:        iml.PlanModeStandard,
		Actions: []iml.Action{
			{ID: "a1", Module: "demo", Action: "echo", Params: map[string]any{"text": "hi"},
				OnError: iml.OnErrorAbort, Timeout: 10},
			{ID: "a2", Module: "unknown_mod", Action: "anything", Params: map[string]any{},
				OnError: iml.OnErrorAbort, Timeout: 10},
		},
	}
	require.NoError(t, r.ValidatePlanParams(plan), "unknown modules defer to runtime")

	plan.Actions[0].Params = map[string]any{"text": 42}
	err := r.ValidatePlanParams(plan)
	var verr *iml.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Msg, "a1")
}

func TestVersionChecker(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.RegisterInstance(newFakeModule("filesystem", "1.2.0")))
	c := NewVersionChecker(r)

	report := c.Check(map[string]string{"filesystem": ">=1.0.0"})
	assert.True(t, report.Compatible)

	report = c.Check(map[string]string{"filesystem": ">=2.0.0"})
	require.False(t, report.Compatible)
	assert.Equal(t, "filesystem", report.Violations[0].Module)

	report = c.Check(map[string]string{"browser": ">=0.5.0"})
	require.False(t, report.Compatible)
	assert.Contains(t, report.Violations[0].Reason, "not loaded")

	err := c.AssertCompatible(map[string]string{"filesystem": ">=2.0.0"})
	var vse *VersionError
	require.ErrorAs(t, err, &vse)
	assert.Equal(t, "version_requirement_unmet", vse.Class())

	require.NoError(t, c.AssertCompatible(nil))
}
