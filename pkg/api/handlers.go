package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/approval"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/iml"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/orchestrator"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/verifier"
)

const maxBodyBytes = 4 << 20 // plans can carry sizeable inline params

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return false
	}
	return true
}

// --- health and modules ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.registry.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.version,
		"modules_loaded": len(report.Loaded),
		"plans_running":  s.orch.RunningCount(),
	})
}

func (s *Server) handleListModules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"modules": s.registry.Manifests(),
		"status":  s.registry.Status(),
	})
}

func (s *Server) handleGetModule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	manifest, ok := s.registry.Manifest(id)
	if !ok {
		WriteNotFound(w, "No module named "+id)
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}

// --- plans ---

// submitPlanRequest is the POST /plans body. The plan is kept raw so
// the parser owns all structural validation.
type submitPlanRequest struct {
	Plan           json.RawMessage `json:"plan"`
	AsyncExecution bool            `json:"async_execution"`
}

func (s *Server) parsePlan(w http.ResponseWriter, r *http.Request, raw json.RawMessage) *iml.Plan {
	if len(raw) == 0 {
		WriteBadRequest(w, "Missing required field: plan")
		return nil
	}
	plan, err := s.parser.Parse(raw)
	if err != nil {
		WriteClassified(w, r, err)
		return nil
	}
	if err := s.registry.ValidatePlanParams(plan); err != nil {
		WriteClassified(w, r, err)
		return nil
	}
	return plan
}

func (s *Server) handleSubmitPlan(w http.ResponseWriter, r *http.Request) {
	var req submitPlanRequest
	if !decodeBody(w, r, &req) {
		return
	}
	plan := s.parsePlan(w, r, req.Plan)
	if plan == nil {
		return
	}
	if subject := CallerFrom(r.Context()); subject != "" {
		s.logger.Info("plan submitted", "plan_id", plan.PlanID, "subject", subject)
	}

	if req.AsyncExecution {
		planID, err := s.orch.Submit(r.Context(), plan)
		if err != nil {
			WriteClassified(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"plan_id": planID,
			"status":  "submitted",
		})
		return
	}

	st, err := s.orch.Run(r.Context(), plan)
	if err != nil {
		WriteClassified(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"plan_id": st.PlanID,
		"status":  st.PlanStatus,
		"actions": st.Actions,
	})
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	status := iml.PlanStatus(r.URL.Query().Get("status"))
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			WriteBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	summaries, err := s.plans.List(r.Context(), status, limit)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": summaries})
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	planID := r.PathValue("id")
	st, err := s.plans.Get(r.Context(), planID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if st == nil {
		WriteNotFound(w, "No plan with id "+planID)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancelPlan(w http.ResponseWriter, r *http.Request) {
	planID := r.PathValue("id")
	if s.orch.Cancel(planID) {
		writeJSON(w, http.StatusOK, map[string]any{
			"plan_id": planID,
			"status":  "cancelling",
		})
		return
	}
	// Not running: distinguish unknown plans from already-terminal ones.
	st, err := s.plans.Get(r.Context(), planID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if st == nil {
		WriteNotFound(w, "No plan with id "+planID)
		return
	}
	WriteConflict(w, "Plan is not running (status "+string(st.PlanStatus)+")")
}

// --- approvals ---

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pending": s.gate.Pending(r.PathValue("id")),
	})
}

type approveRequest struct {
	Decision       string         `json:"decision"`
	Reason         string         `json:"reason,omitempty"`
	ModifiedParams map[string]any `json:"modified_params,omitempty"`
	ApprovedBy     string         `json:"approved_by,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	planID, actionID := r.PathValue("id"), r.PathValue("aid")

	var req approveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	decision := approval.Decision(req.Decision)
	switch decision {
	case approval.DecisionApprove, approval.DecisionReject, approval.DecisionSkip,
		approval.DecisionModify, approval.DecisionApproveAlways:
	default:
		WriteBadRequest(w, "decision must be one of approve, reject, skip, modify, approve_always")
		return
	}
	if decision == approval.DecisionModify && req.ModifiedParams == nil {
		WriteBadRequest(w, "modify decision requires modified_params")
		return
	}

	approvedBy := req.ApprovedBy
	if approvedBy == "" {
		approvedBy = CallerFrom(r.Context())
	}

	ok := s.gate.Resolve(planID, actionID, approval.Response{
		Decision:       decision,
		ModifiedParams: req.ModifiedParams,
		Reason:         req.Reason,
		ApprovedBy:     approvedBy,
		Timestamp:      time.Now().UTC(),
	})
	if !ok {
		WriteNotFound(w, "No pending approval for this action")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"plan_id":   planID,
		"action_id": actionID,
		"decision":  string(decision),
	})
}

// --- plan groups ---

type planGroupRequest struct {
	GroupID        string            `json:"group_id"`
	Plans          []json.RawMessage `json:"plans"`
	MaxConcurrent  int               `json:"max_concurrent,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

func (s *Server) handlePlanGroup(w http.ResponseWriter, r *http.Request) {
	var req planGroupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Plans) == 0 {
		WriteBadRequest(w, "Missing required field: plans")
		return
	}

	group := &orchestrator.PlanGroup{
		GroupID:        req.GroupID,
		MaxConcurrent:  req.MaxConcurrent,
		TimeoutSeconds: req.TimeoutSeconds,
	}
	for _, raw := range req.Plans {
		plan := s.parsePlan(w, r, raw)
		if plan == nil {
			return
		}
		group.Plans = append(group.Plans, plan)
	}

	result := s.orch.RunGroup(r.Context(), group)
	status := http.StatusOK
	if result.Status == orchestrator.GroupFailed {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

// --- context ---

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	snippets := s.registry.ContextSnippets()
	writeJSON(w, http.StatusOK, map[string]any{
		"context":      strings.Join(snippets, "\n\n"),
		"module_count": len(snippets),
	})
}

// --- intent verifier ---

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Plan json.RawMessage `json:"plan"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Plan) == 0 {
		WriteBadRequest(w, "Missing required field: plan")
		return
	}
	// Partial parse: dry-run verification should work before all modules
	// referenced by the plan are installed.
	plan, err := s.parser.ParsePartial(req.Plan)
	if err != nil {
		WriteClassified(w, r, err)
		return
	}
	result := s.verifier.VerifyPlan(r.Context(), plan)
	writeJSON(w, http.StatusOK, map[string]any{
		"plan_id":  plan.PlanID,
		"result":   result,
		"verifier": s.verifier.Status(),
	})
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"categories": s.verifier.Registry().ListAll(),
	})
}

func (s *Server) handleAddCategory(w http.ResponseWriter, r *http.Request) {
	var c verifier.Category
	if !decodeBody(w, r, &c) {
		return
	}
	if c.ID == "" || c.Description == "" {
		WriteBadRequest(w, "Missing required fields: id, description")
		return
	}
	if existing, ok := s.verifier.Registry().Get(c.ID); ok && existing.Builtin {
		WriteForbidden(w, "Built-in categories cannot be replaced")
		return
	}
	c.Builtin = false
	c.Enabled = true
	s.verifier.Registry().Register(c)
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	registry := s.verifier.Registry()
	existing, ok := registry.Get(id)
	if !ok {
		WriteNotFound(w, "No category with id "+id)
		return
	}
	if existing.Builtin {
		// Built-ins can only be disabled, never removed.
		registry.SetEnabled(id, false)
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "disabled": true})
		return
	}
	registry.Unregister(id)
	w.WriteHeader(http.StatusNoContent)
}

// --- scanners ---

func (s *Server) handleScannerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scanners.Status())
}

func (s *Server) handlePatchScanner(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		WriteBadRequest(w, "Missing required field: enabled")
		return
	}
	id := r.PathValue("id")
	if !s.scanners.Registry().SetEnabled(id, *req.Enabled) {
		WriteNotFound(w, "No scanner with id "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": *req.Enabled})
}

// --- memory ---

func (s *Server) handleListMemory(w http.ResponseWriter, r *http.Request) {
	keys, err := s.memory.ListKeys(r.Context(), r.URL.Query().Get("session_id"))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	value, ok, err := s.memory.GetRaw(r.Context(), key)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if !ok {
		WriteNotFound(w, "No memory key "+key)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": value})
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	if err := s.memory.Delete(r.Context(), r.PathValue("key")); err != nil {
		WriteInternal(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
