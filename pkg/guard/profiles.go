package guard

import (
	"fmt"
	"path"
)

// Profile names the four built-in permission levels, least to most
// permissive.
type Profile string

const (
	ProfileReadonly     Profile = "readonly"
	ProfileLocalWorker  Profile = "local_worker"
	ProfilePowerUser    Profile = "power_user"
	ProfileUnrestricted Profile = "unrestricted"
)

// ProfileConfig is the resolved permission table for a profile. Each
// pattern is a module.action glob: "filesystem.*" allows the whole
// module, "*.*" allows everything. Denied patterns win over allowed.
type ProfileConfig struct {
	Profile             Profile
	AllowedPatterns     []string
	DeniedPatterns      []string
	MaxPlanActions      int
	AllowEnvTemplates   bool
	AllowApprovalBypass bool
}

// IsAllowed reports whether module.action is permitted.
func (c *ProfileConfig) IsAllowed(moduleID, actionName string) bool {
	key := moduleID + "." + actionName
	for _, pattern := range c.DeniedPatterns {
		if matched, _ := path.Match(pattern, key); matched {
			return false
		}
	}
	for _, pattern := range c.AllowedPatterns {
		if matched, _ := path.Match(pattern, key); matched {
			return true
		}
	}
	return false
}

var readonlyAllowed = []string{
	"filesystem.read_file",
	"filesystem.list_directory",
	"filesystem.search_files",
	"filesystem.get_file_info",
	"filesystem.compute_checksum",
	"system.list_processes",
	"system.get_process_info",
	"system.get_system_info",
	"system.get_env_var",
}

var localWorkerAllowed = append(append([]string{}, readonlyAllowed...),
	"filesystem.write_file",
	"filesystem.append_file",
	"filesystem.copy_file",
	"filesystem.move_file",
	"filesystem.create_directory",
	"filesystem.create_archive",
	"filesystem.extract_archive",
	"system.run_command",
	"system.set_env_var",
)

var localWorkerDenied = []string{
	"filesystem.delete_file",
	"filesystem.delete_directory",
	"system.kill_process",
}

var powerUserAllowed = append(append([]string{}, localWorkerAllowed...),
	"filesystem.delete_file",
	"filesystem.delete_directory",
	"system.kill_process",
)

// BuiltinProfiles returns the four built-in profile tables.
func BuiltinProfiles() map[Profile]*ProfileConfig {
	return map[Profile]*ProfileConfig{
		ProfileReadonly: {
			Profile:           ProfileReadonly,
			AllowedPatterns:   readonlyAllowed,
			MaxPlanActions:    20,
			AllowEnvTemplates: false,
		},
		ProfileLocalWorker: {
			Profile:           ProfileLocalWorker,
			AllowedPatterns:   localWorkerAllowed,
			DeniedPatterns:    localWorkerDenied,
			MaxPlanActions:    50,
			AllowEnvTemplates: true,
		},
		ProfilePowerUser: {
			Profile:           ProfilePowerUser,
			AllowedPatterns:   powerUserAllowed,
			MaxPlanActions:    200,
			AllowEnvTemplates: true,
		},
		ProfileUnrestricted: {
			Profile:             ProfileUnrestricted,
			AllowedPatterns:     []string{"*.*"},
			MaxPlanActions:      500,
			AllowEnvTemplates:   true,
			AllowApprovalBypass: true,
		},
	}
}

// ProfileByName resolves a profile name to its built-in config.
func ProfileByName(name string) (*ProfileConfig, error) {
	cfg, ok := BuiltinProfiles()[Profile(name)]
	if !ok {
		return nil, fmt.Errorf("unknown permission profile %q", name)
	}
	return cfg, nil
}
