package module

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ParamSpec describes a single action parameter. Specs compile to JSON
// Schema; the daemon enforces them at the dispatch boundary.
type ParamSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // string|integer|number|boolean|object|array|any
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
}

// ActionSpec describes one action exposed by a module, including the
// per-action policy record consulted by the runtime before dispatch.
type ActionSpec struct {
	Name               string      `json:"name"`
	Description        string      `json:"description,omitempty"`
	Params             []ParamSpec `json:"params,omitempty"`
	Returns            string      `json:"returns,omitempty"`
	ReturnsDescription string      `json:"returns_description,omitempty"`
	PermissionRequired string      `json:"permission_required,omitempty"`
	RiskLevel          string      `json:"risk_level,omitempty"`
	Irreversible       bool        `json:"irreversible,omitempty"`
	RateLimitPerMinute int         `json:"rate_limit_per_minute,omitempty"`
	Examples           []map[string]any `json:"examples,omitempty"`
}

// JSONSchema renders the action's param specs as a draft 2020-12 object
// schema. Undeclared params are rejected.
func (a *ActionSpec) JSONSchema() map[string]any {
	properties := map[string]any{}
	var required []string
	for _, p := range a.Params {
		prop := map[string]any{}
		if p.Type != "" && p.Type != "any" {
			prop["type"] = p.Type
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"$schema":              "https://json-schema.org/draft/2020-12/schema",
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Manifest is the self-description a module returns from Manifest().
type Manifest struct {
	ID                  string       `json:"id"`
	Version             string       `json:"version"`
	Description         string       `json:"description,omitempty"`
	Platforms           []string     `json:"platforms,omitempty"` // empty = all
	Actions             []ActionSpec `json:"actions"`
	DeclaredPermissions []string     `json:"declared_permissions,omitempty"`
	Dependencies        []string     `json:"dependencies,omitempty"`

	compiled map[string]*jsonschema.Schema
}

// Action returns the spec for the named action, or nil.
func (m *Manifest) Action(name string) *ActionSpec {
	for i := range m.Actions {
		if m.Actions[i].Name == name {
			return &m.Actions[i]
		}
	}
	return nil
}

// SupportsPlatform reports whether the manifest admits the given GOOS.
func (m *Manifest) SupportsPlatform(goos string) bool {
	if len(m.Platforms) == 0 {
		return true
	}
	for _, p := range m.Platforms {
		if strings.EqualFold(p, goos) {
			return true
		}
	}
	return false
}

// Compile builds the per-action JSON Schema validators. Called once at
// registration; subsequent ValidateParams calls reuse the compiled set.
func (m *Manifest) Compile() error {
	m.compiled = make(map[string]*jsonschema.Schema, len(m.Actions))
	for i := range m.Actions {
		spec := &m.Actions[i]
		raw, err := json.Marshal(spec.JSONSchema())
		if err != nil {
			return fmt.Errorf("marshal schema for %s.%s: %w", m.ID, spec.Name, err)
		}
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("mem://modules/%s/%s.json", m.ID, spec.Name)
		if err := c.AddResource(url, strings.NewReader(string(raw))); err != nil {
			return fmt.Errorf("add schema resource for %s.%s: %w", m.ID, spec.Name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return fmt.Errorf("compile schema for %s.%s: %w", m.ID, spec.Name, err)
		}
		m.compiled[spec.Name] = compiled
	}
	return nil
}

// ValidateParams checks params against the named action's compiled schema.
// Unknown action names are the caller's concern.
func (m *Manifest) ValidateParams(action string, params map[string]any) error {
	if m.compiled == nil {
		if err := m.Compile(); err != nil {
			return err
		}
	}
	sch, ok := m.compiled[action]
	if !ok {
		return &ActionNotFoundError{Module: m.ID, Action: action}
	}
	// Round-trip so the validator sees plain decoded JSON values
	// regardless of how params were produced.
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("params for %s.%s are not JSON-serializable: %w", m.ID, action, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("params for %s.%s rejected: %w", m.ID, action, err)
	}
	return nil
}

// ApplyDefaults returns params with declared defaults filled in for
// missing optional parameters.
func (m *Manifest) ApplyDefaults(action string, params map[string]any) map[string]any {
	spec := m.Action(action)
	if spec == nil {
		return params
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	for _, p := range spec.Params {
		if p.Default == nil {
			continue
		}
		if _, ok := out[p.Name]; !ok {
			out[p.Name] = p.Default
		}
	}
	return out
}
