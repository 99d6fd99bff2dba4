package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventTopics(t *testing.T) {
	assert.Equal(t, TopicPlans, PlanCompleted.Topic())
	assert.Equal(t, TopicActions, ActionRetried.Topic())
	assert.Equal(t, TopicSecurity, InputScanRejected.Topic())
	assert.Equal(t, TopicIntent, IntentRejected.Topic())
	assert.Equal(t, TopicPermissions, PermissionDenied.Topic())
	assert.Equal(t, TopicSecurity, RateLimited.Topic())
	assert.Equal(t, TopicSecurity, EventType("SOMETHING_NEW").Topic())
}

func TestLoggerEmitsOnBus(t *testing.T) {
	bus := NewChannelBus(4)
	fixed := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	logger, err := NewLogger(bus, nil, WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)

	logger.Log(context.Background(), PlanStarted, "p1", "", map[string]any{"actions": 3})

	select {
	case got := <-bus.C:
		assert.Equal(t, TopicPlans, got.Topic)
		assert.Equal(t, "PLAN_STARTED", got.Event["type"])
		assert.Equal(t, "p1", got.Event["plan_id"])
		assert.Equal(t, 3, got.Event["actions"])
		assert.Equal(t, fixed.Format(time.RFC3339Nano), got.Event["timestamp"])
	default:
		t.Fatal("no event delivered")
	}
}

func TestLoggerWritesTrailFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewLogger(NullBus{}, nil, WithTrailFile(path))
	require.NoError(t, err)

	logger.Log(context.Background(), ActionCompleted, "p1", "a1", map[string]any{"attempts": 2})
	logger.Log(context.Background(), ActionFailed, "p1", "a2", nil)
	require.NoError(t, logger.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		events = append(events, ev)
	}
	require.Len(t, events, 2)
	assert.Equal(t, ActionCompleted, events[0].Type)
	assert.Equal(t, "a1", events[0].ActionID)
	assert.NotEmpty(t, events[0].ID)
	assert.Equal(t, ActionFailed, events[1].Type)
}

func TestFanoutBus(t *testing.T) {
	a := NewChannelBus(1)
	b := NewChannelBus(1)
	fan := NewFanoutBus(a)
	fan.Add(b)

	fan.Emit(TopicActions, map[string]any{"k": "v"})
	require.Len(t, a.C, 1)
	require.Len(t, b.C, 1)
}

func TestChannelBusDropsWhenFull(t *testing.T) {
	bus := NewChannelBus(1)
	bus.Emit("t", map[string]any{"n": 1})
	bus.Emit("t", map[string]any{"n": 2}) // dropped, not blocked
	require.Len(t, bus.C, 1)
	got := <-bus.C
	assert.Equal(t, 1, got.Event["n"])
}
