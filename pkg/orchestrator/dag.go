// Package orchestrator drives plans to a terminal state: dependency
// scheduling in waves, per-action runtime with retry and rollback,
// per-module concurrency caps, and the submission facade with the
// global concurrent-plan cap.
package orchestrator

import (
	"fmt"
	"strings"

	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/iml"
)

// DependencyCycleError reports a cycle the parser's per-edge checks
// could not see.
type DependencyCycleError struct {
	ActionIDs []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("dependency cycle involving actions: %s", strings.Join(e.ActionIDs, ", "))
}

func (e *DependencyCycleError) Class() string { return "dependency_cycle" }

// Wave is a batch of action ids whose dependencies are all satisfied
// and that may be dispatched concurrently.
type Wave struct {
	Index     int
	ActionIDs []string
	Final     bool
}

// Scheduler holds the dependency graph of one plan and computes its
// execution waves. In sequential mode each wave holds one action; in
// parallel and reactive modes a wave holds every ready action.
// Within a wave, order is plan declaration order.
type Scheduler struct {
	plan     *iml.Plan
	order    []string            // declaration order
	edges    map[string][]string // dep -> dependents
	inDegree map[string]int
}

// NewScheduler builds the graph and rejects cycles.
func NewScheduler(plan *iml.Plan) (*Scheduler, error) {
	s := &Scheduler{
		plan:     plan,
		order:    plan.ActionIDs(),
		edges:    make(map[string][]string, len(plan.Actions)),
		inDegree: make(map[string]int, len(plan.Actions)),
	}
	for i := range plan.Actions {
		a := &plan.Actions[i]
		s.inDegree[a.ID] += 0
		for _, dep := range a.DependsOn {
			s.edges[dep] = append(s.edges[dep], a.ID)
			s.inDegree[a.ID]++
		}
	}
	if cycle := s.findCycle(); len(cycle) > 0 {
		return nil, &DependencyCycleError{ActionIDs: cycle}
	}
	return s, nil
}

// findCycle runs Kahn's algorithm; whatever cannot be peeled off is on
// or downstream of a cycle.
func (s *Scheduler) findCycle() []string {
	inDeg := make(map[string]int, len(s.inDegree))
	for id, d := range s.inDegree {
		inDeg[id] = d
	}
	remaining := len(inDeg)
	queue := s.zeroInDegree(inDeg)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		remaining--
		delete(inDeg, id)
		for _, next := range s.edges[id] {
			inDeg[next]--
			if inDeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if remaining == 0 {
		return nil
	}
	var cycle []string
	for _, id := range s.order {
		if _, ok := inDeg[id]; ok {
			cycle = append(cycle, id)
		}
	}
	return cycle
}

// Waves returns the execution waves in topological order.
func (s *Scheduler) Waves() []Wave {
	if s.plan.ExecutionMode == iml.ModeSequential {
		return s.sequentialWaves()
	}
	return s.parallelWaves()
}

func (s *Scheduler) sequentialWaves() []Wave {
	order := s.TopologicalOrder()
	waves := make([]Wave, len(order))
	for i, id := range order {
		waves[i] = Wave{Index: i, ActionIDs: []string{id}, Final: i == len(order)-1}
	}
	return waves
}

func (s *Scheduler) parallelWaves() []Wave {
	inDeg := make(map[string]int, len(s.inDegree))
	for id, d := range s.inDegree {
		inDeg[id] = d
	}
	var waves []Wave
	remaining := len(inDeg)
	for remaining > 0 {
		ready := s.zeroInDegree(inDeg)
		remaining -= len(ready)
		waves = append(waves, Wave{
			Index:     len(waves),
			ActionIDs: ready,
			Final:     remaining == 0,
		})
		for _, id := range ready {
			delete(inDeg, id)
			for _, next := range s.edges[id] {
				inDeg[next]--
			}
		}
	}
	return waves
}

// zeroInDegree returns present ids with zero in-degree, in declaration
// order.
func (s *Scheduler) zeroInDegree(inDeg map[string]int) []string {
	var ready []string
	for _, id := range s.order {
		if d, ok := inDeg[id]; ok && d == 0 {
			ready = append(ready, id)
		}
	}
	return ready
}

// TopologicalOrder returns every action id in a valid order, stable by
// declaration.
func (s *Scheduler) TopologicalOrder() []string {
	var out []string
	for _, w := range s.parallelWaves() {
		out = append(out, w.ActionIDs...)
	}
	return out
}

// Descendants returns all transitive dependents of an action.
func (s *Scheduler) Descendants(actionID string) map[string]struct{} {
	out := make(map[string]struct{})
	stack := append([]string(nil), s.edges[actionID]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := out[id]; seen {
			continue
		}
		out[id] = struct{}{}
		stack = append(stack, s.edges[id]...)
	}
	return out
}
