// Package system is the built-in process and OS module: command
// execution, process inspection and signalling, environment variables,
// and system metrics. Commands are argv lists and are never passed
// through a shell.
package system

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/module"
)

const (
	moduleID = "system"
	version  = "1.0.0"

	defaultCommandTimeout = 60 * time.Second
	maxOutputBytes        = 1 << 20 // stdout/stderr each truncated past this
	defaultProcessLimit   = 50
)

// Module implements system actions over the host OS.
type Module struct{}

// New returns the system module.
func New() *Module { return &Module{} }

func (m *Module) ID() string      { return moduleID }
func (m *Module) Version() string { return version }

// ContextSnippet contributes to the aggregated system prompt.
func (m *Module) ContextSnippet() string {
	return "## system\n" +
		"Run commands (argv lists, never shell strings), inspect and signal processes, " +
		"read and set environment variables, and query OS/CPU/memory/disk information."
}

// Execute dispatches one named action.
func (m *Module) Execute(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	switch action {
	case "run_command":
		return m.runCommand(ctx, params)
	case "list_processes":
		return m.listProcesses(ctx, params)
	case "get_process_info":
		return m.getProcessInfo(ctx, params)
	case "kill_process":
		return m.killProcess(ctx, params)
	case "get_env_var":
		return m.getEnvVar(params)
	case "set_env_var":
		return m.setEnvVar(params)
	case "get_system_info":
		return m.getSystemInfo(ctx, params)
	default:
		return nil, &module.ActionNotFoundError{Module: moduleID, Action: action}
	}
}

func argvFrom(params map[string]any) ([]string, error) {
	raw, _ := params["command"].([]any)
	if len(raw) == 0 {
		return nil, fmt.Errorf("command must be a non-empty argv list, never a shell string")
	}
	argv := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("command elements must be strings, got %T", v)
		}
		argv = append(argv, s)
	}
	return argv, nil
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func truncate(b []byte) string {
	if len(b) > maxOutputBytes {
		return string(b[:maxOutputBytes]) + "\n[output truncated]"
	}
	return string(b)
}

func (m *Module) runCommand(ctx context.Context, params map[string]any) (map[string]any, error) {
	argv, err := argvFrom(params)
	if err != nil {
		return nil, err
	}

	timeout := defaultCommandTimeout
	if secs := intParam(params, "timeout", 0); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if wd, _ := params["working_directory"].(string); wd != "" {
		cmd.Dir = wd
	}
	if env, _ := params["env"].(map[string]any); len(env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%v", k, v))
		}
	}

	var stdout, stderr bytes.Buffer
	capture := true
	if v, ok := params["capture_output"].(bool); ok {
		capture = v
	}
	if capture {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	runErr := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("command %q timed out after %s", argv[0], timeout)
	}

	returnCode := 0
	if runErr != nil {
		exitErr, ok := runErr.(*exec.ExitError)
		if !ok {
			// Spawn failures (binary not found, permission) are action errors.
			return nil, fmt.Errorf("run %q: %w", argv[0], runErr)
		}
		returnCode = exitErr.ExitCode()
	}
	return map[string]any{
		"command":     strings.Join(argv, " "),
		"return_code": returnCode,
		"stdout":      truncate(stdout.Bytes()),
		"stderr":      truncate(stderr.Bytes()),
		"success":     returnCode == 0,
	}, nil
}

func (m *Module) listProcesses(ctx context.Context, params map[string]any) (map[string]any, error) {
	filter, _ := params["filter_name"].(string)
	limit := intParam(params, "max_results", defaultProcessLimit)

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	var out []map[string]any
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue // races with process exit are expected
		}
		if filter != "" && !strings.Contains(strings.ToLower(name), strings.ToLower(filter)) {
			continue
		}
		entry := map[string]any{"pid": p.Pid, "name": name}
		if user, err := p.UsernameWithContext(ctx); err == nil {
			entry["username"] = user
		}
		if status, err := p.StatusWithContext(ctx); err == nil {
			entry["status"] = strings.Join(status, ",")
		}
		if memPct, err := p.MemoryPercentWithContext(ctx); err == nil {
			entry["memory_percent"] = float64(memPct)
		}
		out = append(out, entry)
		if len(out) >= limit {
			break
		}
	}
	return map[string]any{"processes": out, "count": len(out)}, nil
}

func (m *Module) getProcessInfo(ctx context.Context, params map[string]any) (map[string]any, error) {
	pid := intParam(params, "pid", -1)
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, fmt.Errorf("process %d not found", pid)
	}

	name, err := p.NameWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("process %d: %w", pid, err)
	}
	info := map[string]any{"pid": p.Pid, "name": name}
	if user, err := p.UsernameWithContext(ctx); err == nil {
		info["username"] = user
	}
	if status, err := p.StatusWithContext(ctx); err == nil {
		info["status"] = strings.Join(status, ",")
	}
	if cmdline, err := p.CmdlineWithContext(ctx); err == nil {
		info["cmdline"] = cmdline
	}
	if created, err := p.CreateTimeWithContext(ctx); err == nil {
		info["create_time"] = float64(created) / 1000.0
	}
	if cpuPct, err := p.CPUPercentWithContext(ctx); err == nil {
		info["cpu_percent"] = cpuPct
	}
	if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		info["memory_rss"] = mi.RSS
		info["memory_vms"] = mi.VMS
	}
	if memPct, err := p.MemoryPercentWithContext(ctx); err == nil {
		info["memory_percent"] = float64(memPct)
	}
	return info, nil
}

func (m *Module) killProcess(ctx context.Context, params map[string]any) (map[string]any, error) {
	pid := intParam(params, "pid", -1)
	sig, _ := params["signal"].(string)
	if sig == "" {
		sig = "SIGTERM"
	}

	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, fmt.Errorf("process %d not found", pid)
	}
	switch sig {
	case "SIGTERM":
		err = p.TerminateWithContext(ctx)
	case "SIGKILL":
		err = p.KillWithContext(ctx)
	default:
		return nil, fmt.Errorf("unsupported signal %q (want SIGTERM or SIGKILL)", sig)
	}
	if err != nil {
		return nil, fmt.Errorf("signal %s to pid %d: %w", sig, pid, err)
	}
	return map[string]any{"pid": pid, "signal": sig, "killed": true}, nil
}

func (m *Module) getEnvVar(params map[string]any) (map[string]any, error) {
	name, _ := params["name"].(string)
	value, exists := os.LookupEnv(name)
	return map[string]any{"name": name, "value": value, "exists": exists}, nil
}

// setEnvVar mutates the daemon's own environment; child commands started
// by run_command inherit it.
func (m *Module) setEnvVar(params map[string]any) (map[string]any, error) {
	name, _ := params["name"].(string)
	value, _ := params["value"].(string)
	if err := os.Setenv(name, value); err != nil {
		return nil, fmt.Errorf("set %s: %w", name, err)
	}
	return map[string]any{"name": name, "set": true}, nil
}

func (m *Module) getSystemInfo(ctx context.Context, params map[string]any) (map[string]any, error) {
	include := map[string]bool{}
	if raw, _ := params["include"].([]any); len(raw) > 0 {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				include[s] = true
			}
		}
	} else {
		include = map[string]bool{"os": true, "cpu": true, "memory": true, "disk": true}
	}

	result := map[string]any{}
	if include["os"] {
		entry := map[string]any{
			"goos": runtime.GOOS,
			"arch": runtime.GOARCH,
		}
		if hi, err := host.InfoWithContext(ctx); err == nil {
			entry["hostname"] = hi.Hostname
			entry["platform"] = hi.Platform
			entry["platform_version"] = hi.PlatformVersion
			entry["kernel_version"] = hi.KernelVersion
			entry["uptime_seconds"] = hi.Uptime
		}
		result["os"] = entry
	}
	if include["cpu"] {
		entry := map[string]any{"logical_cores": runtime.NumCPU()}
		if counts, err := cpu.CountsWithContext(ctx, false); err == nil {
			entry["physical_cores"] = counts
		}
		if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
			entry["usage_percent"] = pct[0]
		}
		result["cpu"] = entry
	}
	if include["memory"] {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("memory info: %w", err)
		}
		result["memory"] = map[string]any{
			"total_bytes":     vm.Total,
			"available_bytes": vm.Available,
			"used_bytes":      vm.Used,
			"used_percent":    vm.UsedPercent,
		}
	}
	if include["disk"] {
		path, _ := params["disk_path"].(string)
		if path == "" {
			path = "/"
		}
		du, err := disk.UsageWithContext(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("disk usage for %s: %w", path, err)
		}
		result["disk"] = map[string]any{
			"path":         path,
			"total_bytes":  du.Total,
			"free_bytes":   du.Free,
			"used_bytes":   du.Used,
			"used_percent": du.UsedPercent,
		}
	}
	return result, nil
}
