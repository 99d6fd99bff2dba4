package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProfile(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, "profile_"+name+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestLoadProfileBuiltinWinsOverDir(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "readonly", "name: readonly\nallowed_patterns: ['*.*']\n")

	p, err := LoadProfile(dir, "readonly")
	require.NoError(t, err)
	// Built-in readonly, not the permissive file.
	assert.False(t, p.IsAllowed("filesystem", "write_file"))
}

func TestLoadProfileCustom(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "ci_runner", `
name: ci_runner
allowed_patterns:
  - filesystem.read_file
  - system.run_command
denied_patterns:
  - system.kill_process
max_plan_actions: 10
allow_env_templates: true
`)

	p, err := LoadProfile(dir, "ci_runner")
	require.NoError(t, err)
	assert.Equal(t, "ci_runner", string(p.Profile))
	assert.True(t, p.IsAllowed("system", "run_command"))
	assert.False(t, p.IsAllowed("system", "kill_process"))
	assert.False(t, p.IsAllowed("filesystem", "delete_file"))
	assert.Equal(t, 10, p.MaxPlanActions)
	assert.True(t, p.AllowEnvTemplates)
}

func TestLoadProfileUnknown(t *testing.T) {
	_, err := LoadProfile(t.TempDir(), "ghost")
	require.Error(t, err)

	_, err = LoadProfile("", "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no profiles_dir")
}

func TestLoadProfileEmptyAllowListRejected(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "void", "name: void\n")

	_, err := LoadProfile(dir, "void")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allows nothing")
}

func TestLoadAllProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "alpha", "allowed_patterns: ['filesystem.*']\n")
	writeProfile(t, dir, "beta", "name: beta\nallowed_patterns: ['system.*']\n")

	profiles, err := LoadAllProfiles(dir)
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	// Name falls back to the filename.
	assert.Contains(t, profiles, "alpha")
	assert.Contains(t, profiles, "beta")
	assert.Equal(t, 50, profiles["alpha"].MaxPlanActions)
}
