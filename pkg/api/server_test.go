package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/approval"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/audit"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/guard"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/iml"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/module"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/orchestrator"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/scanner"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/state"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/verifier"
)

// echoModule returns its params as the action result.
type echoModule struct{ id string }

func (m *echoModule) ID() string      { return m.id }
func (m *echoModule) Version() string { return "1.0.0" }
func (m *echoModule) Manifest() *module.Manifest {
	return &module.Manifest{ID: m.id, Version: "1.0.0", Description: "echo module for tests"}
}
func (m *echoModule) ContextSnippet() string {
	return "## " + m.id + "\nEchoes parameters back."
}
func (m *echoModule) Execute(_ context.Context, action string, params map[string]any) (map[string]any, error) {
	out := map[string]any{"action": action}
	for k, v := range params {
		out[k] = v
	}
	return out, nil
}

type apiRig struct {
	server   *Server
	gate     *approval.Gate
	memory   *state.KVStore
	verifier *verifier.Verifier
	scanners *scanner.Pipeline
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()

	db, err := state.OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	plans, err := state.NewPlanStore(db, state.DialectSQLite)
	require.NoError(t, err)
	kv, err := state.NewKVStore(db, state.DialectSQLite)
	require.NoError(t, err)

	registry := module.NewRegistry(nil)
	require.NoError(t, registry.RegisterInstance(&echoModule{id: "store"}))

	auditor, err := audit.NewLogger(audit.NullBus{}, nil)
	require.NoError(t, err)

	gate := approval.NewGate(2*time.Second, approval.TimeoutReject, approval.WithAuditor(auditor))

	categories := verifier.NewCategoryRegistry()
	categories.RegisterBuiltins()
	// Verification disabled: the dry-run endpoint still answers, plans
	// are not blocked.
	vrf := verifier.New(nil, auditor, verifier.NewPromptComposer(categories), nil, verifier.Options{})

	scanners := scanner.NewRegistry()
	scanners.Register(scanner.NewHeuristic(scanner.HeuristicOptions{}))
	pipeline := scanner.NewPipeline(scanners, auditor, nil, scanner.PipelineOptions{})

	g := guard.New(&guard.ProfileConfig{
		Profile:         "test",
		AllowedPatterns: []string{"*.*"},
		MaxPlanActions:  100,
	})

	exec := orchestrator.NewExecutor(orchestrator.ExecutorConfig{
		Registry: registry,
		Guard:    g,
		Gate:     gate,
		Plans:    plans,
		KV:       kv,
		Auditor:  auditor,
		Scanner:  pipeline,
		Verifier: vrf,
	})
	orch := orchestrator.New(exec, plans, auditor, nil, orchestrator.Options{
		SyncTimeout: 5 * time.Second,
	})

	server := NewServer(Options{
		Version:      "2.0.0-test",
		Orchestrator: orch,
		Plans:        plans,
		Memory:       kv,
		Registry:     registry,
		Gate:         gate,
		Verifier:     vrf,
		Scanners:     pipeline,
	})
	return &apiRig{server: server, gate: gate, memory: kv, verifier: vrf, scanners: pipeline}
}

func (r *apiRig) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	r.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func planDoc(planID string, actions ...map[string]any) map[string]any {
	return map[string]any{
		"plan_id": planID,
		"actions": actions,
	}
}

func echoAction(id string, params map[string]any) map[string]any {
	return map[string]any{
		"id":     id,
		"module": "store",
		"action": "put",
		"params": params,
	}
}

func TestHealth(t *testing.T) {
	rig := newAPIRig(t)
	rec := rig.do(t, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "2.0.0-test", body["version"])
	assert.Equal(t, float64(1), body["modules_loaded"])
}

func TestListAndGetModules(t *testing.T) {
	rig := newAPIRig(t)

	rec := rig.do(t, http.MethodGet, "/modules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["modules"], 1)

	rec = rig.do(t, http.MethodGet, "/modules/store", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "store", decode(t, rec)["id"])

	rec = rig.do(t, http.MethodGet, "/modules/ghost", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestSubmitPlanSync(t *testing.T) {
	rig := newAPIRig(t)

	rec := rig.do(t, http.MethodPost, "/plans", map[string]any{
		"plan": planDoc("plan-sync", echoAction("a1", map[string]any{"value": "hello"})),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "plan-sync", body["plan_id"])
	assert.Equal(t, "completed", body["status"])
	actions := body["actions"].(map[string]any)
	a1 := actions["a1"].(map[string]any)
	assert.Equal(t, "completed", a1["status"])

	// Persisted and visible afterwards.
	rec = rig.do(t, http.MethodGet, "/plans/plan-sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", decode(t, rec)["plan_status"])

	rec = rig.do(t, http.MethodGet, "/plans?status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["plans"], 1)
}

func TestSubmitPlanAsync(t *testing.T) {
	rig := newAPIRig(t)

	rec := rig.do(t, http.MethodPost, "/plans", map[string]any{
		"plan":            planDoc("plan-async", echoAction("a1", map[string]any{"n": 1})),
		"async_execution": true,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "submitted", decode(t, rec)["status"])

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec = rig.do(t, http.MethodGet, "/plans/plan-async", nil)
		if rec.Code == http.StatusOK && decode(t, rec)["plan_status"] == "completed" {
			break
		}
		require.True(t, time.Now().Before(deadline), "plan never completed")
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubmitPlanValidationErrors(t *testing.T) {
	rig := newAPIRig(t)

	rec := rig.do(t, http.MethodPost, "/plans", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Wrong top-level shape is a parse error with a stable class.
	rec = rig.do(t, http.MethodPost, "/plans", map[string]any{"plan": []any{}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "parse_error", body["class"])
	assert.Equal(t, "/plans", body["instance"])

	// Structurally invalid plan.
	rec = rig.do(t, http.MethodPost, "/plans", map[string]any{
		"plan": map[string]any{"plan_id": "empty", "actions": []any{}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decode(t, rec)["class"])
}

func TestGetPlanNotFound(t *testing.T) {
	rig := newAPIRig(t)
	rec := rig.do(t, http.MethodGet, "/plans/ghost", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelPlan(t *testing.T) {
	rig := newAPIRig(t)

	rec := rig.do(t, http.MethodDelete, "/plans/ghost", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Terminal plans cannot be cancelled.
	rec = rig.do(t, http.MethodPost, "/plans", map[string]any{
		"plan": planDoc("plan-done", echoAction("a1", nil)),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = rig.do(t, http.MethodPost, "/plans/plan-done/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decode(t, rec)["detail"], "not running")
}

func TestApprovalFlow(t *testing.T) {
	rig := newAPIRig(t)

	action := echoAction("a1", map[string]any{"value": "gated"})
	action["requires_approval"] = true
	rec := rig.do(t, http.MethodPost, "/plans", map[string]any{
		"plan":            planDoc("plan-gated", action),
		"async_execution": true,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	// Wait for the action to reach the gate.
	deadline := time.Now().Add(5 * time.Second)
	for rig.gate.PendingCount() == 0 {
		require.True(t, time.Now().Before(deadline), "approval never requested")
		time.Sleep(5 * time.Millisecond)
	}

	rec = rig.do(t, http.MethodGet, "/plans/plan-gated/pending-approvals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decode(t, rec)["pending"].([]any)
	require.Len(t, pending, 1)
	assert.Equal(t, "a1", pending[0].(map[string]any)["action_id"])

	rec = rig.do(t, http.MethodPost, "/plans/plan-gated/actions/a1/approve", map[string]any{
		"decision":    "approve",
		"approved_by": "operator",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	for {
		rec = rig.do(t, http.MethodGet, "/plans/plan-gated", nil)
		if decode(t, rec)["plan_status"] == "completed" {
			break
		}
		require.True(t, time.Now().Before(deadline), "plan never completed")
		time.Sleep(10 * time.Millisecond)
	}
}

func TestApproveValidation(t *testing.T) {
	rig := newAPIRig(t)

	rec := rig.do(t, http.MethodPost, "/plans/p/actions/a/approve", map[string]any{
		"decision": "maybe",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = rig.do(t, http.MethodPost, "/plans/p/actions/a/approve", map[string]any{
		"decision": "modify",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = rig.do(t, http.MethodPost, "/plans/p/actions/a/approve", map[string]any{
		"decision": "approve",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPlanGroups(t *testing.T) {
	rig := newAPIRig(t)

	rec := rig.do(t, http.MethodPost, "/plan-groups", map[string]any{
		"group_id": "g1",
		"plans": []any{
			planDoc("g1-p1", echoAction("a1", nil)),
			planDoc("g1-p2", echoAction("a1", nil)),
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "completed", body["status"])
	assert.Len(t, body["plan_results"], 2)

	rec = rig.do(t, http.MethodPost, "/plan-groups", map[string]any{"plans": []any{}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestContextEndpoint(t *testing.T) {
	rig := newAPIRig(t)
	rec := rig.do(t, http.MethodGet, "/context", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Contains(t, body["context"], "Echoes parameters back.")
	assert.Equal(t, float64(1), body["module_count"])
}

func TestVerifyDryRun(t *testing.T) {
	rig := newAPIRig(t)

	rec := rig.do(t, http.MethodPost, "/intent-verifier/verify", map[string]any{
		"plan": planDoc("dry-run", echoAction("a1", nil)),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "dry-run", body["plan_id"])
	result := body["result"].(map[string]any)
	assert.Equal(t, "approve", result["verdict"])

	rec = rig.do(t, http.MethodPost, "/intent-verifier/verify", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCategoryCRUD(t *testing.T) {
	rig := newAPIRig(t)

	rec := rig.do(t, http.MethodGet, "/intent-verifier/categories", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	builtins := decode(t, rec)["categories"].([]any)
	require.NotEmpty(t, builtins)
	builtinID := builtins[0].(map[string]any)["id"].(string)

	rec = rig.do(t, http.MethodPost, "/intent-verifier/categories", map[string]any{
		"id":          "crypto_mining",
		"name":        "Crypto mining",
		"description": "Plans that install or run cryptocurrency miners.",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Built-ins cannot be replaced.
	rec = rig.do(t, http.MethodPost, "/intent-verifier/categories", map[string]any{
		"id":          builtinID,
		"description": "overwrite attempt",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	// Custom categories are deleted outright.
	rec = rig.do(t, http.MethodDelete, "/intent-verifier/categories/crypto_mining", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// Built-ins are disabled, not removed.
	rec = rig.do(t, http.MethodDelete, "/intent-verifier/categories/"+builtinID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["disabled"])
	got, ok := rig.verifier.Registry().Get(builtinID)
	require.True(t, ok)
	assert.False(t, got.Enabled)

	rec = rig.do(t, http.MethodDelete, "/intent-verifier/categories/ghost", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScannerEndpoints(t *testing.T) {
	rig := newAPIRig(t)

	rec := rig.do(t, http.MethodGet, "/scanners", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["enabled"])

	rec = rig.do(t, http.MethodPatch, "/scanners/heuristic", map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = rig.do(t, http.MethodPatch, "/scanners/ghost", map[string]any{"enabled": true})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = rig.do(t, http.MethodPatch, "/scanners/heuristic", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMemoryEndpoints(t *testing.T) {
	rig := newAPIRig(t)
	ctx := context.Background()
	require.NoError(t, rig.memory.Set(ctx, "session_token", map[string]any{"token": "abc"}, "s1", 0))

	rec := rig.do(t, http.MethodGet, "/memory?session_id=s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["keys"], 1)

	rec = rig.do(t, http.MethodGet, "/memory/session_token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	value := decode(t, rec)["value"].(map[string]any)
	assert.Equal(t, "abc", value["token"])

	rec = rig.do(t, http.MethodDelete, "/memory/session_token", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = rig.do(t, http.MethodGet, "/memory/session_token", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIdempotentReplay(t *testing.T) {
	rig := newAPIRig(t)
	store := NewIdempotencyStore(time.Minute)
	handler := store.Middleware(rig.server.Handler())

	body := map[string]any{
		"plan": planDoc("plan-idem", echoAction("a1", nil)),
	}
	data, err := json.Marshal(body)
	require.NoError(t, err)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/plans", bytes.NewReader(data))
		req.Header.Set("Idempotency-Key", "retry-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := send()
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())

	second := send()
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get("X-Idempotent-Replay"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
}

func TestWriteClassifiedMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		class  string
	}{
		{&guard.PermissionDeniedError{Module: "filesystem", Action: "delete_file", Profile: "readonly"}, http.StatusForbidden, "permission_denied"},
		{&iml.ParseError{Msg: "bad json"}, http.StatusBadRequest, "parse_error"},
		{&orchestrator.TooManyPlansError{Limit: 5}, http.StatusTooManyRequests, "too_many_plans"},
		{&verifier.SuspiciousIntentError{PlanID: "p", Reasoning: "exfiltration"}, http.StatusUnprocessableEntity, "suspicious_intent"},
		{fmt.Errorf("plain error"), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/plans", nil)
		rec := httptest.NewRecorder()
		WriteClassified(rec, req, tc.err)

		require.Equal(t, tc.status, rec.Code, tc.err.Error())
		assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
		var problem ProblemDetail
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
		assert.Equal(t, tc.class, problem.Class)
		assert.Equal(t, tc.status, problem.Status)
	}
}
