// Package audit records security-relevant lifecycle events on a pluggable
// event bus and an append-only JSONL trail.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies one audited occurrence.
type EventType string

const (
	PlanSubmitted EventType = "PLAN_SUBMITTED"
	PlanStarted   EventType = "PLAN_STARTED"
	PlanCompleted EventType = "PLAN_COMPLETED"
	PlanFailed    EventType = "PLAN_FAILED"
	PlanCancelled EventType = "PLAN_CANCELLED"

	ActionStarted    EventType = "ACTION_STARTED"
	ActionCompleted  EventType = "ACTION_COMPLETED"
	ActionFailed     EventType = "ACTION_FAILED"
	ActionRetried    EventType = "ACTION_RETRIED"
	ActionSkipped    EventType = "ACTION_SKIPPED"
	ActionRolledBack EventType = "ACTION_ROLLED_BACK"

	ApprovalRequested EventType = "APPROVAL_REQUESTED"
	ApprovalGranted   EventType = "APPROVAL_GRANTED"
	ApprovalRejected  EventType = "APPROVAL_REJECTED"
	ApprovalTimeout   EventType = "APPROVAL_TIMEOUT"

	InputScanPassed   EventType = "INPUT_SCAN_PASSED"
	InputScanWarned   EventType = "INPUT_SCAN_WARNED"
	InputScanRejected EventType = "INPUT_SCAN_REJECTED"

	IntentVerified      EventType = "INTENT_VERIFIED"
	IntentRejected      EventType = "INTENT_REJECTED"
	IntentVerifierError EventType = "INTENT_VERIFIER_ERROR"

	PermissionDenied  EventType = "PERMISSION_DENIED"
	PermissionGranted EventType = "PERMISSION_GRANTED"
	PermissionRevoked EventType = "PERMISSION_REVOKED"
	RateLimited       EventType = "RATE_LIMITED"
)

// Topics group events for bus consumers.
const (
	TopicPlans       = "llmos.plans"
	TopicActions     = "llmos.actions"
	TopicSecurity    = "llmos.security"
	TopicIntent      = "llmos.intent"
	TopicPermissions = "llmos.permissions"
)

var eventTopics = map[EventType]string{
	PlanSubmitted: TopicPlans,
	PlanStarted:   TopicPlans,
	PlanCompleted: TopicPlans,
	PlanFailed:    TopicPlans,
	PlanCancelled: TopicPlans,

	ActionStarted:    TopicActions,
	ActionCompleted:  TopicActions,
	ActionFailed:     TopicActions,
	ActionRetried:    TopicActions,
	ActionSkipped:    TopicActions,
	ActionRolledBack: TopicActions,

	ApprovalRequested: TopicSecurity,
	ApprovalGranted:   TopicSecurity,
	ApprovalRejected:  TopicSecurity,
	ApprovalTimeout:   TopicSecurity,
	InputScanPassed:   TopicSecurity,
	InputScanWarned:   TopicSecurity,
	InputScanRejected: TopicSecurity,

	IntentVerified:      TopicIntent,
	IntentRejected:      TopicIntent,
	IntentVerifierError: TopicIntent,

	PermissionDenied:  TopicPermissions,
	PermissionGranted: TopicPermissions,
	PermissionRevoked: TopicPermissions,
	RateLimited:       TopicSecurity,
}

// Topic returns the bus topic an event type is published on.
func (t EventType) Topic() string {
	if topic, ok := eventTopics[t]; ok {
		return topic
	}
	return TopicSecurity
}

// Event is one audit record.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	Topic     string         `json:"topic"`
	PlanID    string         `json:"plan_id,omitempty"`
	ActionID  string         `json:"action_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Logger publishes events to the bus and optionally appends them to a
// JSONL trail file.
type Logger struct {
	bus    EventBus
	slog   *slog.Logger
	clock  func() time.Time
	mu     sync.Mutex
	file   *os.File
	path   string
}

// Option configures a Logger.
type Option func(*Logger)

// WithClock injects a time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Logger) { l.clock = clock }
}

// WithTrailFile appends every event as one JSON line to the given path.
func WithTrailFile(path string) Option {
	return func(l *Logger) { l.path = path }
}

// NewLogger builds an audit logger over the given bus.
func NewLogger(bus EventBus, logger *slog.Logger, opts ...Option) (*Logger, error) {
	if bus == nil {
		bus = NullBus{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{bus: bus, slog: logger, clock: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	if l.path != "" {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, err
		}
		l.file = f
	}
	return l, nil
}

// Log records one event. Never fails the caller: bus and file errors are
// logged and swallowed, because audit must not take down execution.
func (l *Logger) Log(ctx context.Context, t EventType, planID, actionID string, fields map[string]any) {
	ev := Event{
		ID:        uuid.NewString(),
		Timestamp: l.clock().UTC(),
		Type:      t,
		Topic:     t.Topic(),
		PlanID:    planID,
		ActionID:  actionID,
		Fields:    fields,
	}
	payload := map[string]any{
		"id":        ev.ID,
		"timestamp": ev.Timestamp.Format(time.RFC3339Nano),
		"type":      string(ev.Type),
		"plan_id":   ev.PlanID,
		"action_id": ev.ActionID,
	}
	for k, v := range fields {
		payload[k] = v
	}
	l.bus.Emit(ev.Topic, payload)

	if l.file != nil {
		line, err := json.Marshal(ev)
		if err == nil {
			l.mu.Lock()
			_, err = l.file.Write(append(line, '\n'))
			l.mu.Unlock()
		}
		if err != nil {
			l.slog.Error("audit trail write failed", "error", err)
		}
	}
}

// TrailPath returns the JSONL trail location, empty if none configured.
func (l *Logger) TrailPath() string { return l.path }

// Close flushes and closes the trail file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
