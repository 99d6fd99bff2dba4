package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/iml"
)

func dagPlan(mode iml.ExecutionMode, actions ...iml.Action) *iml.Plan {
	return &iml.Plan{PlanID: "p1", ExecutionMode: mode, Actions: actions}
}

func act(id string, deps ...string) iml.Action {
	return iml.Action{ID: id, Module: "filesystem", Action: "read_file", DependsOn: deps}
}

func TestSchedulerParallelWavesDiamond(t *testing.T) {
	s, err := NewScheduler(dagPlan(iml.ModeParallel,
		act("a"), act("b", "a"), act("c", "a"), act("d", "b", "c")))
	require.NoError(t, err)

	waves := s.Waves()
	require.Len(t, waves, 3)
	assert.Equal(t, []string{"a"}, waves[0].ActionIDs)
	assert.Equal(t, []string{"b", "c"}, waves[1].ActionIDs)
	assert.Equal(t, []string{"d"}, waves[2].ActionIDs)
	assert.False(t, waves[0].Final)
	assert.True(t, waves[2].Final)
}

func TestSchedulerSequentialOneActionPerWave(t *testing.T) {
	s, err := NewScheduler(dagPlan(iml.ModeSequential,
		act("a"), act("b"), act("c", "a")))
	require.NoError(t, err)

	waves := s.Waves()
	require.Len(t, waves, 3)
	for _, w := range waves {
		assert.Len(t, w.ActionIDs, 1)
	}
}

func TestSchedulerDeclarationOrderWithinWave(t *testing.T) {
	s, err := NewScheduler(dagPlan(iml.ModeParallel,
		act("zeta"), act("alpha"), act("mid")))
	require.NoError(t, err)

	waves := s.Waves()
	require.Len(t, waves, 1)
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, waves[0].ActionIDs)
}

func TestSchedulerCycleDetection(t *testing.T) {
	_, err := NewScheduler(dagPlan(iml.ModeParallel,
		act("a", "b"), act("b", "a"), act("c")))

	var cycleErr *DependencyCycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.ElementsMatch(t, []string{"a", "b"}, cycleErr.ActionIDs)
	assert.Equal(t, "dependency_cycle", cycleErr.Class())
}

func TestSchedulerDescendants(t *testing.T) {
	s, err := NewScheduler(dagPlan(iml.ModeParallel,
		act("a"), act("b", "a"), act("c", "b"), act("d", "c"), act("e")))
	require.NoError(t, err)

	desc := s.Descendants("b")
	assert.Len(t, desc, 2)
	assert.Contains(t, desc, "c")
	assert.Contains(t, desc, "d")
	assert.Empty(t, s.Descendants("e"))
}

func TestSchedulerTopologicalOrderRespectsDeps(t *testing.T) {
	s, err := NewScheduler(dagPlan(iml.ModeParallel,
		act("write", "read"), act("read"), act("archive", "write")))
	require.NoError(t, err)

	order := s.TopologicalOrder()
	pos := map[string]int{}
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos["read"], pos["write"])
	assert.Less(t, pos["write"], pos["archive"])
}
