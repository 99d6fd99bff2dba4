package system

import "github.com/mbathe/LLMOS-Bridge-sub001/pkg/module"

// Manifest declares the system action surface. run_command and
// kill_process carry the high-risk policy records the runtime consults.
func (m *Module) Manifest() *module.Manifest {
	return &module.Manifest{
		ID:          moduleID,
		Version:     version,
		Description: "Command execution, process control, environment variables, and system metrics.",
		DeclaredPermissions: []string{
			"system.read",
			"system.execute",
			"system.process_control",
		},
		Actions: []module.ActionSpec{
			{
				Name:        "run_command",
				Description: "Run a command as an argv list. Shell strings are rejected; there is no shell interpretation.",
				Params: []module.ParamSpec{
					{Name: "command", Type: "array", Required: true, Description: "Argv list, e.g. [\"ls\", \"-la\"]."},
					{Name: "working_directory", Type: "string", Description: "Directory to run in."},
					{Name: "timeout", Type: "integer", Default: 60, Description: "Seconds before the command is killed."},
					{Name: "capture_output", Type: "boolean", Default: true},
					{Name: "env", Type: "object", Description: "Extra environment variables for the child."},
				},
				Returns:            "object",
				ReturnsDescription: "{command, return_code, stdout, stderr, success}",
				PermissionRequired: "system.execute",
				RiskLevel:          "high",
				RateLimitPerMinute: 60,
			},
			{
				Name:        "list_processes",
				Description: "List running processes, optionally filtered by name.",
				Params: []module.ParamSpec{
					{Name: "filter_name", Type: "string", Description: "Case-insensitive substring match on process name."},
					{Name: "max_results", Type: "integer", Default: defaultProcessLimit},
				},
				Returns:            "object",
				ReturnsDescription: "{processes, count}",
				PermissionRequired: "system.read",
				RiskLevel:          "low",
			},
			{
				Name:        "get_process_info",
				Description: "Detailed information about one process.",
				Params: []module.ParamSpec{
					{Name: "pid", Type: "integer", Required: true},
				},
				Returns:            "object",
				ReturnsDescription: "{pid, name, username, status, cmdline, create_time, cpu_percent, memory_rss, memory_vms, memory_percent}",
				PermissionRequired: "system.read",
				RiskLevel:          "low",
			},
			{
				Name:        "kill_process",
				Description: "Send SIGTERM or SIGKILL to a process.",
				Params: []module.ParamSpec{
					{Name: "pid", Type: "integer", Required: true},
					{Name: "signal", Type: "string", Default: "SIGTERM", Enum: []any{"SIGTERM", "SIGKILL"}},
				},
				Returns:            "object",
				ReturnsDescription: "{pid, signal, killed}",
				PermissionRequired: "system.process_control",
				RiskLevel:          "high",
				Irreversible:       true,
				RateLimitPerMinute: 30,
			},
			{
				Name:        "get_env_var",
				Description: "Read an environment variable from the daemon's environment.",
				Params: []module.ParamSpec{
					{Name: "name", Type: "string", Required: true},
				},
				Returns:            "object",
				ReturnsDescription: "{name, value, exists}",
				PermissionRequired: "system.read",
				RiskLevel:          "low",
			},
			{
				Name:        "set_env_var",
				Description: "Set an environment variable in the daemon's environment. Child commands inherit it.",
				Params: []module.ParamSpec{
					{Name: "name", Type: "string", Required: true},
					{Name: "value", Type: "string", Required: true},
				},
				Returns:            "object",
				ReturnsDescription: "{name, set}",
				PermissionRequired: "system.execute",
				RiskLevel:          "medium",
			},
			{
				Name:        "get_system_info",
				Description: "OS, CPU, memory, and disk information.",
				Params: []module.ParamSpec{
					{Name: "include", Type: "array", Description: "Categories to include: os, cpu, memory, disk. All when omitted."},
					{Name: "disk_path", Type: "string", Default: "/", Description: "Mount point for the disk category."},
				},
				Returns:            "object",
				ReturnsDescription: "{os?, cpu?, memory?, disk?}",
				PermissionRequired: "system.read",
				RiskLevel:          "low",
			},
		},
	}
}
