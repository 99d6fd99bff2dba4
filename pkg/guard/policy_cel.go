package guard

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/iml"
)

// PolicyEngine evaluates operator-defined CEL rules over action
// attributes. Every rule must evaluate to true for the action to
// proceed; compile and eval errors fail closed.
//
// Rules see two variables:
//
//	action  — {id, module, action, params, requires_approval, timeout}
//	plan_id — string
//
// Example rule: `action.module != "system" || action.action != "run_command"`.
type PolicyEngine struct {
	env   *cel.Env
	rules []string

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewPolicyEngine compiles the environment; rules are compiled lazily
// and cached.
func NewPolicyEngine(rules []string) (*PolicyEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.DynType),
		cel.Variable("plan_id", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &PolicyEngine{
		env:   env,
		rules: rules,
		cache: make(map[string]cel.Program),
	}, nil
}

// Rules returns the configured rule expressions.
func (p *PolicyEngine) Rules() []string { return append([]string(nil), p.rules...) }

// Evaluate runs every rule against the action; the first rule that is
// false or errors denies it.
func (p *PolicyEngine) Evaluate(action *iml.Action, planID string) error {
	if len(p.rules) == 0 {
		return nil
	}
	input := map[string]any{
		"plan_id": planID,
		"action": map[string]any{
			"id":                action.ID,
			"module":            action.Module,
			"action":            action.Action,
			"params":            action.Params,
			"requires_approval": action.RequiresApproval,
			"timeout":           action.Timeout,
		},
	}
	for _, rule := range p.rules {
		allowed, err := p.evaluateExpr(rule, input)
		if err != nil || !allowed {
			return &PolicyDeniedError{Rule: rule, Module: action.Module, Action: action.Action}
		}
	}
	return nil
}

func (p *PolicyEngine) evaluateExpr(expr string, input map[string]any) (bool, error) {
	p.mu.RLock()
	prg, hit := p.cache[expr]
	p.mu.RUnlock()

	if !hit {
		p.mu.Lock()
		if prg, hit = p.cache[expr]; !hit {
			ast, issues := p.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				p.mu.Unlock()
				return false, fmt.Errorf("compile: %w", issues.Err())
			}
			compiled, err := p.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				p.mu.Unlock()
				return false, fmt.Errorf("program: %w", err)
			}
			p.cache[expr] = compiled
			prg = compiled
		}
		p.mu.Unlock()
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule result is not a bool")
	}
	return result, nil
}
