package orchestrator

import (
	"context"
	"sync"
)

const defaultModuleConcurrency = 10

// ResourceManager caps concurrent action dispatches per module so a
// parallel plan cannot saturate a single backend.
type ResourceManager struct {
	mu       sync.Mutex
	limits   map[string]int
	sems     map[string]chan struct{}
	fallback int
}

// NewResourceManager takes per-module limits; modules not listed get
// the default limit of 10. A limit of 0 or less also falls back to the
// default.
func NewResourceManager(limits map[string]int) *ResourceManager {
	m := &ResourceManager{
		limits:   make(map[string]int, len(limits)),
		sems:     make(map[string]chan struct{}),
		fallback: defaultModuleConcurrency,
	}
	for id, n := range limits {
		if n > 0 {
			m.limits[id] = n
		}
	}
	return m
}

func (m *ResourceManager) sem(moduleID string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sems[moduleID]; ok {
		return s
	}
	limit, ok := m.limits[moduleID]
	if !ok {
		limit = m.fallback
	}
	s := make(chan struct{}, limit)
	m.sems[moduleID] = s
	return s
}

// Acquire blocks until a slot for the module is free or the context is
// done. The returned release function must be called exactly once.
func (m *ResourceManager) Acquire(ctx context.Context, moduleID string) (func(), error) {
	s := m.sem(moduleID)
	select {
	case s <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-s }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status reports limit, in-use, and available slots per known module.
func (m *ResourceManager) Status() map[string]map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]map[string]int, len(m.sems))
	for id, s := range m.sems {
		inUse := len(s)
		out[id] = map[string]int{
			"limit":     cap(s),
			"in_use":    inUse,
			"available": cap(s) - inUse,
		}
	}
	return out
}
