package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8787, cfg.Server.Port)
	assert.Equal(t, "local_worker", cfg.Security.Profile)
	assert.Equal(t, "sqlite", cfg.State.Backend)
	assert.Equal(t, 5, cfg.Orchestrator.MaxConcurrentPlans)
	assert.True(t, cfg.Scanner.Enabled)
	assert.True(t, cfg.Verifier.Enabled)
	assert.False(t, cfg.Observability.Enabled)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
security:
  profile: readonly
  sandbox_paths:
    - /srv/workspace
state:
  retention_days: 7
`), 0o600))

	cfg, err := load([]string{path}, nil)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "readonly", cfg.Security.Profile)
	assert.Equal(t, []string{"/srv/workspace"}, cfg.Security.SandboxPaths)
	assert.Equal(t, 7, cfg.State.RetentionDays)
	// Untouched keys keep their defaults.
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
}

func TestLoadMissingFileIsIgnored(t *testing.T) {
	cfg, err := load([]string{"/nonexistent/config.yaml"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 8787, cfg.Server.Port)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o600))

	cfg, err := load([]string{path}, []string{
		"LLMOS_SERVER__PORT=7070",
		"LLMOS_SECURITY__PROFILE=power_user",
		"LLMOS_SCANNER__ENABLED=false",
		"LLMOS_OBSERVABILITY__SAMPLE_RATE=0.25",
		"UNRELATED=ignored",
	})
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "power_user", cfg.Security.Profile)
	assert.False(t, cfg.Scanner.Enabled)
	assert.Equal(t, 0.25, cfg.Observability.SampleRate)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 0 }, "out of range"},
		{"unknown backend", func(c *Config) { c.State.Backend = "mongo" }, "not sqlite or postgres"},
		{"postgres without dsn", func(c *Config) { c.State.Backend = "postgres" }, "requires state.dsn"},
		{"bad approval behavior", func(c *Config) { c.Security.ApprovalBehavior = "retry" }, "not reject or skip"},
		{"inverted thresholds", func(c *Config) { c.Scanner.RejectThreshold = 0.3 }, "below warn_threshold"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
