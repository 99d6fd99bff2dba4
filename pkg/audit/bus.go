package audit

import (
	"log/slog"
	"sync"
)

// EventBus receives every audit event. Implementations must be safe for
// concurrent use and must not block the caller for long.
type EventBus interface {
	Emit(topic string, event map[string]any)
}

// NullBus discards all events.
type NullBus struct{}

func (NullBus) Emit(string, map[string]any) {}

// LogBus writes events to a structured logger.
type LogBus struct {
	Logger *slog.Logger
}

func (b LogBus) Emit(topic string, event map[string]any) {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("audit event", "topic", topic, "event", event)
}

// FanoutBus replicates each event to every child bus.
type FanoutBus struct {
	mu    sync.RWMutex
	buses []EventBus
}

// NewFanoutBus builds a fanout over the given buses.
func NewFanoutBus(buses ...EventBus) *FanoutBus {
	return &FanoutBus{buses: buses}
}

// Add attaches another consumer at runtime.
func (b *FanoutBus) Add(bus EventBus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buses = append(b.buses, bus)
}

func (b *FanoutBus) Emit(topic string, event map[string]any) {
	b.mu.RLock()
	buses := b.buses
	b.mu.RUnlock()
	for _, child := range buses {
		child.Emit(topic, event)
	}
}

// ChannelBus delivers events to a channel, dropping when full. Used by
// tests and by streaming API consumers.
type ChannelBus struct {
	C chan BusEvent
}

// BusEvent is one delivered bus message.
type BusEvent struct {
	Topic string
	Event map[string]any
}

// NewChannelBus builds a bus with the given buffer size.
func NewChannelBus(buffer int) *ChannelBus {
	return &ChannelBus{C: make(chan BusEvent, buffer)}
}

func (b *ChannelBus) Emit(topic string, event map[string]any) {
	select {
	case b.C <- BusEvent{Topic: topic, Event: event}:
	default:
	}
}
