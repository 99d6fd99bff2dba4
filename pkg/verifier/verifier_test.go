package verifier

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/audit"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/iml"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/llm"
)

type scriptedClient struct {
	content string
	err     error
	calls   atomic.Int32
	lastMsg []llm.Message
}

func (c *scriptedClient) Chat(_ context.Context, messages []llm.Message, _ llm.ChatOptions) (*llm.Response, error) {
	c.calls.Add(1)
	c.lastMsg = messages
	if c.err != nil {
		return nil, c.err
	}
	return &llm.Response{Content: c.content, Model: "test-model"}, nil
}

func (c *scriptedClient) Close() error { return nil }

func newTestVerifier(t *testing.T, client llm.Client, opts Options) *Verifier {
	t.Helper()
	reg := NewCategoryRegistry()
	reg.RegisterBuiltins()
	composer := NewPromptComposer(reg)
	opts.Enabled = true
	return New(client, nil, composer, nil, opts)
}

func verifierPlan(desc string) *iml.Plan {
	return &iml.Plan{
		PlanID:      "p1",
		Description: desc,
		Actions: []iml.Action{
			{ID: "a1", Module: "filesystem", Action: "read_file",
				Params: map[string]any{"path": "notes.txt"}},
		},
	}
}

func TestVerifyPlanApprove(t *testing.T) {
	client := &scriptedClient{content: `{"verdict":"approve","risk_level":"low","reasoning":"routine read"}`}
	v := newTestVerifier(t, client, Options{})

	res := v.VerifyPlan(context.Background(), verifierPlan("read a note"))
	assert.Equal(t, VerdictApprove, res.Verdict)
	assert.True(t, res.IsSafe())
	assert.Equal(t, "test-model", res.LLMModel)
	assert.False(t, res.Cached)
}

func TestVerifyPlanRejectWithThreats(t *testing.T) {
	client := &scriptedClient{content: `{
		"verdict": "reject",
		"risk_level": "critical",
		"reasoning": "exfil pattern",
		"threats": [{
			"threat_type": "data_exfiltration",
			"severity": "critical",
			"description": "read credentials then POST",
			"affected_action_ids": ["a1", "a2"],
			"evidence": "{{result.a1.content}} flows into http_request"
		}]
	}`}
	v := newTestVerifier(t, client, Options{})

	res := v.VerifyPlan(context.Background(), verifierPlan("backup my files"))
	assert.Equal(t, VerdictReject, res.Verdict)
	assert.False(t, res.IsSafe())
	require.Len(t, res.Threats, 1)
	assert.Equal(t, ThreatDataExfiltration, res.Threats[0].ThreatType)
	assert.Equal(t, []string{"a1", "a2"}, res.Threats[0].AffectedActionIDs)
}

func TestVerifyPlanMarkdownFences(t *testing.T) {
	client := &scriptedClient{content: "```json\n{\"verdict\":\"warn\",\"risk_level\":\"medium\",\"reasoning\":\"x\"}\n```"}
	v := newTestVerifier(t, client, Options{})

	res := v.VerifyPlan(context.Background(), verifierPlan("fenced"))
	assert.Equal(t, VerdictWarn, res.Verdict)
	assert.Equal(t, "x", res.Reasoning)
}

func TestVerifyPlanUnparseableDowngradesToWarn(t *testing.T) {
	client := &scriptedClient{content: "I think this plan looks fine to me!"}
	v := newTestVerifier(t, client, Options{})

	res := v.VerifyPlan(context.Background(), verifierPlan("chatty model"))
	assert.Equal(t, VerdictWarn, res.Verdict)
	assert.Contains(t, res.Reasoning, "Could not parse verification response")
}

func TestVerifyPlanLLMFailurePermissive(t *testing.T) {
	client := &scriptedClient{err: errors.New("connection refused")}
	v := newTestVerifier(t, client, Options{Strict: false})

	res := v.VerifyPlan(context.Background(), verifierPlan("permissive"))
	assert.Equal(t, VerdictWarn, res.Verdict)
	assert.True(t, res.IsSafe())
	assert.Contains(t, res.Reasoning, "permissive mode")
}

func TestVerifyPlanLLMFailureStrict(t *testing.T) {
	client := &scriptedClient{err: errors.New("connection refused")}
	v := newTestVerifier(t, client, Options{Strict: true})

	res := v.VerifyPlan(context.Background(), verifierPlan("strict"))
	assert.Equal(t, VerdictReject, res.Verdict)
	assert.False(t, res.IsSafe())
	assert.Equal(t, "high", res.RiskLevel)
}

func TestVerifyPlanCacheHitIgnoresPlanID(t *testing.T) {
	client := &scriptedClient{content: `{"verdict":"approve","risk_level":"low","reasoning":"ok"}`}
	v := newTestVerifier(t, client, Options{})

	first := v.VerifyPlan(context.Background(), verifierPlan("same actions"))
	assert.False(t, first.Cached)

	// Same action content under a different plan_id hits the cache.
	again := verifierPlan("same actions")
	again.PlanID = "p2-totally-different"
	second := v.VerifyPlan(context.Background(), again)
	assert.True(t, second.Cached)
	assert.Equal(t, int32(1), client.calls.Load())

	// Different params miss.
	other := verifierPlan("same actions")
	other.Actions[0].Params = map[string]any{"path": "other.txt"}
	third := v.VerifyPlan(context.Background(), other)
	assert.False(t, third.Cached)
	assert.Equal(t, int32(2), client.calls.Load())
}

func TestVerifyPlanCacheTTLExpiry(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	client := &scriptedClient{content: `{"verdict":"approve","risk_level":"low","reasoning":"ok"}`}
	v := newTestVerifier(t, client, Options{
		CacheTTL: 5 * time.Minute,
		Clock:    func() time.Time { return now },
	})

	v.VerifyPlan(context.Background(), verifierPlan("ttl"))
	now = now.Add(6 * time.Minute)
	res := v.VerifyPlan(context.Background(), verifierPlan("ttl"))
	assert.False(t, res.Cached)
	assert.Equal(t, int32(2), client.calls.Load())
}

func TestCategoryMutationClearsCache(t *testing.T) {
	client := &scriptedClient{content: `{"verdict":"approve","risk_level":"low","reasoning":"ok"}`}
	reg := NewCategoryRegistry()
	reg.RegisterBuiltins()
	composer := NewPromptComposer(reg)
	v := New(client, nil, composer, nil, Options{Enabled: true})

	v.VerifyPlan(context.Background(), verifierPlan("invalidate"))
	require.True(t, reg.SetEnabled("resource_abuse", false))

	res := v.VerifyPlan(context.Background(), verifierPlan("invalidate"))
	assert.False(t, res.Cached)
	assert.Equal(t, int32(2), client.calls.Load())
}

func TestVerifierDisabled(t *testing.T) {
	client := &scriptedClient{content: `{"verdict":"reject"}`}
	v := newTestVerifier(t, client, Options{})
	v.SetEnabled(false)

	res := v.VerifyPlan(context.Background(), verifierPlan("disabled"))
	assert.Equal(t, VerdictApprove, res.Verdict)
	assert.Zero(t, client.calls.Load())
}

func TestVerifyPlanAuditEvents(t *testing.T) {
	bus := audit.NewChannelBus(2)
	auditor, err := audit.NewLogger(bus, nil)
	require.NoError(t, err)

	client := &scriptedClient{content: `{"verdict":"reject","risk_level":"critical","reasoning":"bad","threats":[{"threat_type":"prompt_injection"}]}`}
	reg := NewCategoryRegistry()
	reg.RegisterBuiltins()
	v := New(client, auditor, NewPromptComposer(reg), nil, Options{Enabled: true})

	v.VerifyPlan(context.Background(), verifierPlan("audited"))
	got := <-bus.C
	assert.Equal(t, audit.TopicIntent, got.Topic)
	assert.Equal(t, "INTENT_REJECTED", got.Event["type"])
	assert.Equal(t, "reject", got.Event["intent_verdict"])
	assert.Equal(t, []string{"prompt_injection"}, got.Event["intent_threats"])
}

func TestVerifyAction(t *testing.T) {
	client := &scriptedClient{content: `{"verdict":"approve","risk_level":"low","reasoning":"single action ok"}`}
	v := newTestVerifier(t, client, Options{})

	action := &iml.Action{ID: "a1", Module: "system", Action: "get_system_info"}
	res := v.VerifyAction(context.Background(), action, "p1", "check host")
	assert.Equal(t, VerdictApprove, res.Verdict)

	// The user message carries the action context, not the whole plan.
	require.Len(t, client.lastMsg, 2)
	assert.Contains(t, client.lastMsg[1].Content, `"action": "get_system_info"`)
	assert.Contains(t, client.lastMsg[1].Content, "single IML action")
}

func TestComposerIncludesEnabledCategories(t *testing.T) {
	reg := NewCategoryRegistry()
	reg.RegisterBuiltins()
	composer := NewPromptComposer(reg)

	prompt := composer.Compose()
	assert.Contains(t, prompt, "## What You Must Detect")
	assert.Contains(t, prompt, "Prompt Injection in Parameters")
	assert.Contains(t, prompt, "Resource Abuse")
	assert.Contains(t, prompt, "## CRITICAL RULES")

	reg.SetEnabled("resource_abuse", false)
	prompt = composer.Compose()
	assert.NotContains(t, prompt, "Resource Abuse")

	composer.SetCustomSuffix("## Site Rules\nNever touch /srv/payments.")
	assert.Contains(t, composer.Compose(), "/srv/payments")
}

func TestCategoryRegistryCustomCategories(t *testing.T) {
	reg := NewCategoryRegistry()
	reg.RegisterBuiltins()
	require.Len(t, reg.ListEnabled(), 7)

	reg.Register(Category{
		ID: "data_retention", Name: "Data Retention Violations",
		Description: "Detect plans that store personal data beyond retention policies.",
		ThreatType:  ThreatCustom, Enabled: true,
	})
	assert.Len(t, reg.ListAll(), 8)

	got, ok := reg.Get("data_retention")
	require.True(t, ok)
	assert.False(t, got.Builtin)

	assert.True(t, reg.Unregister("data_retention"))
	assert.False(t, reg.Unregister("data_retention"))
	assert.Len(t, reg.ListAll(), 7)
}

func TestVerifierStatus(t *testing.T) {
	client := &scriptedClient{content: `{"verdict":"approve","risk_level":"low","reasoning":"ok"}`}
	v := newTestVerifier(t, client, Options{Model: "gpt-4o-mini"})

	v.VerifyPlan(context.Background(), verifierPlan("status"))
	st := v.Status()
	assert.Equal(t, true, st["enabled"])
	assert.Equal(t, "gpt-4o-mini", st["model"])
	assert.Equal(t, 1, st["cache_entries"])
	assert.Len(t, st["threat_categories"], 7)
}
