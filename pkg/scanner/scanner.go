// Package scanner implements the pre-execution input security layer: a
// pluggable scanner contract, the built-in heuristic scanner, and the
// priority-ordered pipeline that aggregates their verdicts.
package scanner

import (
	"context"
	"sort"
	"sync"
)

// Verdict is the outcome of a single scanner, ordered allow < warn < reject.
type Verdict string

const (
	VerdictAllow  Verdict = "allow"
	VerdictWarn   Verdict = "warn"
	VerdictReject Verdict = "reject"
)

// Result is one scanner's finding.
type Result struct {
	ScannerID       string         `json:"scanner_id"`
	Verdict         Verdict        `json:"verdict"`
	RiskScore       float64        `json:"risk_score"`
	ThreatTypes     []string       `json:"threat_types,omitempty"`
	Details         string         `json:"details,omitempty"`
	MatchedPatterns []string       `json:"matched_patterns,omitempty"`
	ScanDurationMS  float64        `json:"scan_duration_ms"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Context carries plan structure for scanners that want more than raw text.
type Context struct {
	PlanID          string
	PlanDescription string
	ActionCount     int
	ModuleIDs       []string
	SessionID       string
}

// Scanner is the contract every input scanner implements.
//
// Scan receives the serialized plan text; implementations should return a
// warn-classified Result rather than an error for their own internal
// failures, but the pipeline downgrades returned errors to warn anyway.
type Scanner interface {
	ID() string
	// Priority orders execution; lower runs first.
	Priority() int
	Scan(ctx context.Context, text string, sc *Context) (*Result, error)
	Status() map[string]any
}

type registryEntry struct {
	scanner Scanner
	enabled bool
}

// Registry holds the installed scanners with per-scanner enablement.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
}

// NewRegistry returns an empty scanner registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[string]*registryEntry{}}
}

// Register installs a scanner, enabled by default.
func (r *Registry) Register(s Scanner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[s.ID()] = &registryEntry{scanner: s, enabled: true}
}

// SetEnabled toggles one scanner; returns false when unknown.
func (r *Registry) SetEnabled(id string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.enabled = enabled
	return true
}

// ListEnabled returns enabled scanners in priority order.
func (r *Registry) ListEnabled() []Scanner {
	r.mu.Lock()
	out := make([]Scanner, 0, len(r.entries))
	for _, e := range r.entries {
		if e.enabled {
			out = append(out, e.scanner)
		}
	}
	r.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() < out[j].Priority()
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// Status reports every installed scanner for the REST surface.
func (r *Registry) Status() []map[string]any {
	scanners := r.ListEnabled()
	out := make([]map[string]any, 0, len(scanners))
	for _, s := range scanners {
		out = append(out, s.Status())
	}
	return out
}
