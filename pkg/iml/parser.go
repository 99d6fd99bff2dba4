package iml

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Parser turns raw JSON into a validated Plan. It is stateless and safe
// for concurrent use.
//
// The parser does not run security checks; that is the scanner/verifier
// layer's job. Per-action param schemas are enforced separately by the
// module registry so unknown modules can be deferred to runtime.
type Parser struct{}

// NewParser returns a plan parser.
func NewParser() *Parser { return &Parser{} }

// Parse deserializes, applies protocol defaults, and validates.
func (p *Parser) Parse(raw []byte) (*Plan, error) {
	plan, err := p.decode(raw)
	if err != nil {
		return nil, err
	}
	plan.ApplyDefaults()
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// ParsePartial validates structure only. Used by the dry-run verify
// endpoint, where module schemas may not all be registered.
func (p *Parser) ParsePartial(raw []byte) (*Plan, error) {
	return p.Parse(raw)
}

func (p *Parser) decode(raw []byte) (*Plan, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, &ParseError{Msg: "empty input"}
	}
	if trimmed[0] != '{' {
		return nil, &ParseError{
			Msg: "expected a JSON object at the top level",
			Raw: clip(trimmed, 500),
		}
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var plan Plan
	if err := dec.Decode(&plan); err != nil {
		return nil, &ParseError{
			Msg: fmt.Sprintf("invalid JSON: %v", err),
			Raw: clip(trimmed, 500),
		}
	}
	normalizeNumbers(&plan)
	return &plan, nil
}

// ToJSON serializes a plan back to canonical wire form.
func (p *Parser) ToJSON(plan *Plan) ([]byte, error) {
	return json.Marshal(plan)
}

// normalizeNumbers rewrites json.Number values inside params to float64 or
// int64 so downstream schema validation and templates see plain Go values.
func normalizeNumbers(plan *Plan) {
	for i := range plan.Actions {
		plan.Actions[i].Params = normalizeMap(plan.Actions[i].Params)
		if plan.Actions[i].Rollback != nil {
			plan.Actions[i].Rollback.Params = normalizeMap(plan.Actions[i].Rollback.Params)
		}
	}
	if plan.Metadata != nil {
		plan.Metadata.Context = normalizeMap(plan.Metadata.Context)
	}
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		return normalizeMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}

func clip(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
