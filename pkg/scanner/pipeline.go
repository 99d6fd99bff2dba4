package scanner

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/audit"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/iml"
)

// PipelineResult aggregates every scanner's finding for one plan.
type PipelineResult struct {
	Allowed          bool      `json:"allowed"`
	AggregateVerdict Verdict   `json:"aggregate_verdict"`
	MaxRiskScore     float64   `json:"max_risk_score"`
	ScannerResults   []*Result `json:"scanner_results"`
	ShortCircuited   bool      `json:"short_circuited"`
	TotalDurationMS  float64   `json:"total_duration_ms"`
}

// PipelineOptions tune the pipeline; zero thresholds take the defaults.
type PipelineOptions struct {
	FailFast        bool
	RejectThreshold float64
	WarnThreshold   float64
}

// Pipeline runs enabled scanners in priority order before plan execution.
// A rejecting pipeline stops the plan before the LLM intent verifier runs,
// so cheap pattern checks absorb the cost of obvious injections.
type Pipeline struct {
	registry        *Registry
	auditor         *audit.Logger
	logger          *slog.Logger
	failFast        bool
	rejectThreshold float64
	warnThreshold   float64
	enabled         atomic.Bool
	clock           func() time.Time
}

// NewPipeline builds a pipeline over the scanner registry. The audit
// logger may be nil.
func NewPipeline(registry *Registry, auditor *audit.Logger, logger *slog.Logger, opts PipelineOptions) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RejectThreshold == 0 {
		opts.RejectThreshold = DefaultRejectThreshold
	}
	if opts.WarnThreshold == 0 {
		opts.WarnThreshold = DefaultWarnThreshold
	}
	p := &Pipeline{
		registry:        registry,
		auditor:         auditor,
		logger:          logger,
		failFast:        opts.FailFast,
		rejectThreshold: opts.RejectThreshold,
		warnThreshold:   opts.WarnThreshold,
		clock:           time.Now,
	}
	p.enabled.Store(true)
	return p
}

// SetEnabled toggles the whole pipeline. A disabled pipeline allows
// everything without touching the scanners.
func (p *Pipeline) SetEnabled(enabled bool) { p.enabled.Store(enabled) }

// Enabled reports whether the pipeline is active.
func (p *Pipeline) Enabled() bool { return p.enabled.Load() }

// Registry exposes the underlying scanner registry.
func (p *Pipeline) Registry() *Registry { return p.registry }

// ScanPlan runs every enabled scanner against the serialized plan and
// aggregates their verdicts: max risk wins, any reject rejects, and the
// aggregate also rejects when the max risk crosses the reject threshold.
func (p *Pipeline) ScanPlan(ctx context.Context, plan *iml.Plan) *PipelineResult {
	if !p.enabled.Load() {
		return &PipelineResult{Allowed: true, AggregateVerdict: VerdictAllow}
	}
	scanners := p.registry.ListEnabled()
	if len(scanners) == 0 {
		return &PipelineResult{Allowed: true, AggregateVerdict: VerdictAllow}
	}

	text := serializePlan(plan)
	sc := &Context{
		PlanID:          plan.PlanID,
		PlanDescription: plan.Description,
		ActionCount:     len(plan.Actions),
		ModuleIDs:       planModules(plan),
		SessionID:       plan.SessionID,
	}

	start := p.clock()
	out := &PipelineResult{Allowed: true, AggregateVerdict: VerdictAllow}

	for _, s := range scanners {
		scanStart := p.clock()
		result, err := s.Scan(ctx, text, sc)
		if err != nil {
			// A broken scanner must not block execution outright; it
			// degrades to a warn so the operator sees it in the result.
			p.logger.Error("scanner failed", "scanner_id", s.ID(), "error", err)
			result = &Result{
				ScannerID: s.ID(),
				Verdict:   VerdictWarn,
				RiskScore: 0.0,
				Details:   "scanner error: " + err.Error(),
			}
		}
		if result.ScanDurationMS == 0 {
			result.ScanDurationMS = float64(p.clock().Sub(scanStart).Microseconds()) / 1000.0
		}
		out.ScannerResults = append(out.ScannerResults, result)

		if result.RiskScore > out.MaxRiskScore {
			out.MaxRiskScore = result.RiskScore
		}
		switch {
		case result.Verdict == VerdictReject:
			out.AggregateVerdict = VerdictReject
			out.Allowed = false
		case result.Verdict == VerdictWarn && out.AggregateVerdict != VerdictReject:
			out.AggregateVerdict = VerdictWarn
		}

		if p.failFast && result.Verdict == VerdictReject {
			out.ShortCircuited = true
			p.logger.Warn("scanner pipeline short-circuited",
				"scanner_id", s.ID(), "risk_score", result.RiskScore)
			break
		}
	}

	out.TotalDurationMS = float64(p.clock().Sub(start).Microseconds()) / 1000.0

	if out.MaxRiskScore >= p.rejectThreshold && out.AggregateVerdict != VerdictReject {
		out.AggregateVerdict = VerdictReject
		out.Allowed = false
	}

	p.audit(ctx, plan.PlanID, out)
	return out
}

func (p *Pipeline) audit(ctx context.Context, planID string, result *PipelineResult) {
	if p.auditor == nil {
		return
	}
	event := audit.InputScanPassed
	switch {
	case !result.Allowed:
		event = audit.InputScanRejected
	case result.AggregateVerdict == VerdictWarn:
		event = audit.InputScanWarned
	}
	p.auditor.Log(ctx, event, planID, "", map[string]any{
		"scanner_verdict":     string(result.AggregateVerdict),
		"scanner_risk":        result.MaxRiskScore,
		"scanner_count":       len(result.ScannerResults),
		"scanner_duration_ms": result.TotalDurationMS,
		"short_circuited":     result.ShortCircuited,
	})
}

// Status reports pipeline configuration and scanner state for the REST
// surface.
func (p *Pipeline) Status() map[string]any {
	return map[string]any{
		"enabled":          p.enabled.Load(),
		"fail_fast":        p.failFast,
		"reject_threshold": p.rejectThreshold,
		"warn_threshold":   p.warnThreshold,
		"scanners":         p.registry.Status(),
	}
}

// serializePlan renders the scan input: plan identity, description, and
// each action's id/module/action/params, plus created_by and tags from
// the metadata when present. Scanners see what the plan asks for, not
// internal execution state.
func serializePlan(plan *iml.Plan) string {
	type actionView struct {
		ID     string         `json:"id"`
		Module string         `json:"module"`
		Action string         `json:"action"`
		Params map[string]any `json:"params"`
	}
	actions := make([]actionView, 0, len(plan.Actions))
	for i := range plan.Actions {
		a := &plan.Actions[i]
		actions = append(actions, actionView{ID: a.ID, Module: a.Module, Action: a.Action, Params: a.Params})
	}
	data := map[string]any{
		"plan_id":     plan.PlanID,
		"description": plan.Description,
		"actions":     actions,
	}
	if plan.Metadata != nil {
		data["metadata"] = map[string]any{
			"created_by": plan.Metadata.CreatedBy,
			"tags":       plan.Metadata.Tags,
		}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return plan.Description
	}
	return string(raw)
}

func planModules(plan *iml.Plan) []string {
	seen := map[string]struct{}{}
	for i := range plan.Actions {
		seen[plan.Actions[i].Module] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
