// Package module defines the contract between the daemon core and the
// action modules it dispatches to: the Module interface, action manifests
// with compiled parameter schemas, the registry, and the plan-level
// version compatibility gate.
package module

import (
	"context"
	"fmt"
)

// Module is implemented by every loadable action module. A module is
// constructed once at daemon start and shared across plans; Execute may be
// called concurrently and thread-safety is the module's responsibility.
type Module interface {
	ID() string
	Version() string
	Manifest() *Manifest
	// Execute runs one named action. Params arrive fully resolved and
	// schema-validated; the returned map is the action result.
	Execute(ctx context.Context, action string, params map[string]any) (map[string]any, error)
}

// ContextProvider is optionally implemented by modules that contribute a
// snippet to the aggregated system prompt served at /context.
type ContextProvider interface {
	ContextSnippet() string
}

// UnknownModuleError reports a dispatch against a module id that is not
// loaded. It fails the action, never the daemon.
type UnknownModuleError struct {
	Module string
}

func (e *UnknownModuleError) Error() string {
	return fmt.Sprintf("module %q is not loaded", e.Module)
}

func (e *UnknownModuleError) Class() string { return "unknown_module" }

// ActionNotFoundError reports a dispatch against an action name the module
// does not declare.
type ActionNotFoundError struct {
	Module string
	Action string
}

func (e *ActionNotFoundError) Error() string {
	return fmt.Sprintf("module %q has no action %q", e.Module, e.Action)
}

func (e *ActionNotFoundError) Class() string { return "action_not_found" }

// LoadError reports a module whose construction failed at startup.
type LoadError struct {
	Module string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("module %q failed to load: %v", e.Module, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

func (e *LoadError) Class() string { return "module_load_error" }

// ExecutionError wraps an error raised by a module during Execute. Subject
// to the action's on_error policy.
type ExecutionError struct {
	Module string
	Action string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s.%s failed: %v", e.Module, e.Action, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func (e *ExecutionError) Class() string { return "action_execution_error" }
