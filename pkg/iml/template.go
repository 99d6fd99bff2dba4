package iml

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

// Template syntax:
//
//	{{result.<action_id>.<field>}}  output field of a completed action
//	{{result.<action_id>}}          full output map of a completed action
//	{{memory.<key>}}                value from the key-value memory store
//	{{memory.<key>.<field>}}        field of a map-valued memory entry
//	{{env.<VAR>}}                   OS environment variable
var templateRe = regexp.MustCompile(`\{\{(\w+)\.(\w+)(?:\.(\w+))?\}\}`)

const (
	prefixResult = "result"
	prefixMemory = "memory"
	prefixEnv    = "env"
)

// TemplateResolver substitutes template expressions in action params.
// Resolution is single-pass: resolved values are never re-scanned for
// further templates.
type TemplateResolver struct {
	results  map[string]any
	memory   map[string]any
	allowEnv bool
}

// NewTemplateResolver builds a resolver over a snapshot of prior action
// results and memory values. The snapshot is taken at dispatch time, so a
// sibling completing later cannot perturb resolution.
func NewTemplateResolver(results, memory map[string]any, allowEnv bool) *TemplateResolver {
	if results == nil {
		results = map[string]any{}
	}
	if memory == nil {
		memory = map[string]any{}
	}
	return &TemplateResolver{results: results, memory: memory, allowEnv: allowEnv}
}

// Resolve returns a new params map with every template substituted.
func (r *TemplateResolver) Resolve(params map[string]any) (map[string]any, error) {
	out, err := r.resolveValue(params)
	if err != nil {
		return nil, err
	}
	m, _ := out.(map[string]any)
	return m, nil
}

func (r *TemplateResolver) resolveValue(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return r.resolveString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			resolved, err := r.resolveValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			resolved, err := r.resolveValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolveString substitutes templates in one string. A string that is
// exactly one expression keeps the resolved value's type; embedded
// expressions stringify each part.
func (r *TemplateResolver) resolveString(s string) (any, error) {
	matches := templateRe.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return s, nil
	}
	if len(matches) == 1 && matches[0][0] == s {
		return r.resolveExpression(matches[0])
	}
	out := s
	for _, m := range matches {
		resolved, err := r.resolveExpression(m)
		if err != nil {
			return nil, err
		}
		out = strings.ReplaceAll(out, m[0], stringify(resolved))
	}
	return out, nil
}

func (r *TemplateResolver) resolveExpression(m []string) (any, error) {
	original, prefix, ref, field := m[0], m[1], m[2], m[3]
	switch prefix {
	case prefixResult:
		return r.resolveResult(ref, field, original)
	case prefixMemory:
		return r.resolveMemory(ref, field, original)
	case prefixEnv:
		return r.resolveEnv(ref, original)
	default:
		return nil, &TemplateError{
			Expr:   original,
			Reason: fmt.Sprintf("unknown prefix %q; supported: result, memory, env", prefix),
		}
	}
}

func (r *TemplateResolver) resolveResult(actionID, field, original string) (any, error) {
	result, ok := r.results[actionID]
	if !ok {
		return nil, &TemplateError{
			Expr: original,
			Reason: fmt.Sprintf("action %q has not produced a result yet; check that it appears in depends_on",
				actionID),
		}
	}
	if field == "" {
		return result, nil
	}
	m, ok := result.(map[string]any)
	if !ok {
		return nil, &TemplateError{
			Expr:   original,
			Reason: fmt.Sprintf("action %q result is not a map, cannot access field %q", actionID, field),
		}
	}
	v, ok := m[field]
	if !ok {
		return nil, &TemplateError{
			Expr: original,
			Reason: fmt.Sprintf("action %q result has no field %q; available: %v",
				actionID, field, sortedKeys(m)),
		}
	}
	return v, nil
}

func (r *TemplateResolver) resolveMemory(key, field, original string) (any, error) {
	v, ok := r.memory[key]
	if !ok {
		return nil, &TemplateError{
			Expr:   original,
			Reason: fmt.Sprintf("memory key %q not found; available: %v", key, sortedKeys(r.memory)),
		}
	}
	if field == "" {
		return v, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, &TemplateError{
			Expr:   original,
			Reason: fmt.Sprintf("memory key %q is not a map, cannot access field %q", key, field),
		}
	}
	f, ok := m[field]
	if !ok {
		return nil, &TemplateError{
			Expr:   original,
			Reason: fmt.Sprintf("memory key %q has no field %q; available: %v", key, field, sortedKeys(m)),
		}
	}
	return f, nil
}

func (r *TemplateResolver) resolveEnv(name, original string) (any, error) {
	if !r.allowEnv {
		return nil, &TemplateError{
			Expr:   original,
			Reason: "environment variable access is disabled in the current security profile",
		}
	}
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil, &TemplateError{
			Expr:   original,
			Reason: fmt.Sprintf("environment variable %q is not set", name),
		}
	}
	return v, nil
}

// ContainsTemplate reports whether the string holds a template expression.
// Used by the guard to defer sandbox checks until after resolution.
func ContainsTemplate(s string) bool {
	return strings.Contains(s, "{{")
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
