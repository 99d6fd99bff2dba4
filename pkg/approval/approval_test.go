package approval

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/audit"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/state"
)

func testRequest() Request {
	return Request{
		PlanID:   "p1",
		ActionID: "a1",
		Module:   "filesystem",
		Action:   "delete_file",
		Params:   map[string]any{"path": "/tmp/x"},
		Reason:   "config_rule",
	}
}

func awaitAsync(g *Gate, ctx context.Context, req Request, timeout time.Duration, behavior TimeoutBehavior) <-chan Response {
	out := make(chan Response, 1)
	go func() { out <- g.Await(ctx, req, timeout, behavior) }()
	return out
}

func waitPending(t *testing.T, g *Gate) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for g.PendingCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("request never became pending")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestGateApprove(t *testing.T) {
	g := NewGate(0, "")
	done := awaitAsync(g, context.Background(), testRequest(), time.Second, "")
	waitPending(t, g)

	require.Len(t, g.Pending("p1"), 1)
	ok := g.Resolve("p1", "a1", Response{Decision: DecisionApprove, ApprovedBy: "alice"})
	assert.True(t, ok)

	resp := <-done
	assert.Equal(t, DecisionApprove, resp.Decision)
	assert.Equal(t, "alice", resp.ApprovedBy)
	assert.Zero(t, g.PendingCount())
}

func TestGateModifyCarriesParams(t *testing.T) {
	g := NewGate(0, "")
	done := awaitAsync(g, context.Background(), testRequest(), time.Second, "")
	waitPending(t, g)

	g.Resolve("p1", "a1", Response{
		Decision:       DecisionModify,
		ModifiedParams: map[string]any{"path": "/tmp/safe"},
	})
	resp := <-done
	assert.Equal(t, DecisionModify, resp.Decision)
	assert.Equal(t, "/tmp/safe", resp.ModifiedParams["path"])
}

func TestGateTimeoutReject(t *testing.T) {
	g := NewGate(0, "")
	resp := g.Await(context.Background(), testRequest(), 10*time.Millisecond, TimeoutReject)
	assert.Equal(t, DecisionReject, resp.Decision)
	assert.Contains(t, resp.Reason, "timed out")
}

func TestGateTimeoutSkip(t *testing.T) {
	g := NewGate(0, "")
	resp := g.Await(context.Background(), testRequest(), 10*time.Millisecond, TimeoutSkip)
	assert.Equal(t, DecisionSkip, resp.Decision)
}

func TestGateCancelledContextRejects(t *testing.T) {
	g := NewGate(0, "")
	ctx, cancel := context.WithCancel(context.Background())
	done := awaitAsync(g, ctx, testRequest(), time.Minute, "")
	waitPending(t, g)

	cancel()
	resp := <-done
	assert.Equal(t, DecisionReject, resp.Decision)
	assert.Contains(t, resp.Reason, "cancelled")
}

func TestGateApproveAlways(t *testing.T) {
	g := NewGate(0, "")
	done := awaitAsync(g, context.Background(), testRequest(), time.Second, "")
	waitPending(t, g)

	g.Resolve("p1", "a1", Response{Decision: DecisionApproveAlways})
	resp := <-done
	assert.Equal(t, DecisionApproveAlways, resp.Decision)
	assert.True(t, g.IsAutoApproved("filesystem", "delete_file"))

	// The next request for the same pair resolves without waiting.
	req2 := testRequest()
	req2.ActionID = "a2"
	resp = g.Await(context.Background(), req2, time.Minute, "")
	assert.Equal(t, DecisionApprove, resp.Decision)
	assert.Contains(t, resp.Reason, "auto-approved")

	g.ClearAutoApprovals()
	assert.False(t, g.IsAutoApproved("filesystem", "delete_file"))
}

func TestGateResolveUnknownRequest(t *testing.T) {
	g := NewGate(0, "")
	assert.False(t, g.Resolve("nope", "nope", Response{Decision: DecisionApprove}))
}

func TestGatePendingFilterByPlan(t *testing.T) {
	g := NewGate(0, "")
	reqA := testRequest()
	reqB := testRequest()
	reqB.PlanID, reqB.ActionID = "p2", "b1"

	doneA := awaitAsync(g, context.Background(), reqA, time.Second, "")
	doneB := awaitAsync(g, context.Background(), reqB, time.Second, "")
	deadline := time.After(2 * time.Second)
	for g.PendingCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("requests never became pending")
		case <-time.After(time.Millisecond):
		}
	}

	assert.Len(t, g.Pending(""), 2)
	assert.Len(t, g.Pending("p2"), 1)
	assert.Equal(t, "b1", g.Pending("p2")[0].ActionID)

	g.Resolve("p1", "a1", Response{Decision: DecisionApprove})
	g.Resolve("p2", "b1", Response{Decision: DecisionApprove})
	<-doneA
	<-doneB
}

func TestGateAuditEvents(t *testing.T) {
	bus := audit.NewChannelBus(4)
	auditor, err := audit.NewLogger(bus, nil)
	require.NoError(t, err)
	g := NewGate(0, "", WithAuditor(auditor))

	done := awaitAsync(g, context.Background(), testRequest(), time.Second, "")
	waitPending(t, g)
	g.Resolve("p1", "a1", Response{Decision: DecisionApprove, ApprovedBy: "bob"})
	<-done

	requested := <-bus.C
	assert.Equal(t, "APPROVAL_REQUESTED", requested.Event["type"])
	assert.Equal(t, "filesystem", requested.Event["module"])

	granted := <-bus.C
	assert.Equal(t, "APPROVAL_GRANTED", granted.Event["type"])
	assert.Equal(t, "bob", granted.Event["approved_by"])
}

func TestGateTimeoutAuditEvent(t *testing.T) {
	bus := audit.NewChannelBus(4)
	auditor, err := audit.NewLogger(bus, nil)
	require.NoError(t, err)
	g := NewGate(0, "", WithAuditor(auditor))

	g.Await(context.Background(), testRequest(), 5*time.Millisecond, TimeoutSkip)

	<-bus.C // APPROVAL_REQUESTED
	timedOut := <-bus.C
	assert.Equal(t, "APPROVAL_TIMEOUT", timedOut.Event["type"])
	assert.Equal(t, "skip", timedOut.Event["timeout_behavior"])
}

func TestGateApproveAlwaysPersistsGrant(t *testing.T) {
	db, err := state.OpenSQLite(filepath.Join(t.TempDir(), "grants.db"))
	require.NoError(t, err)
	defer db.Close()
	grants, err := state.NewGrantStore(db, state.DialectSQLite)
	require.NoError(t, err)

	g := NewGate(0, "", WithGrants(grants))
	done := awaitAsync(g, context.Background(), testRequest(), time.Second, "")
	waitPending(t, g)
	g.Resolve("p1", "a1", Response{Decision: DecisionApproveAlways, ApprovedBy: "alice"})
	<-done

	granted, err := grants.IsGranted(context.Background(), "auto_approve:delete_file", "filesystem")
	require.NoError(t, err)
	assert.True(t, granted)

	// A second gate over the same store honors the grant even though its
	// in-memory auto-approve set is empty.
	g2 := NewGate(0, "", WithGrants(grants))
	req := testRequest()
	req.ActionID = "a2"
	resp := g2.Await(context.Background(), req, time.Minute, "")
	assert.Equal(t, DecisionApprove, resp.Decision)
	assert.Contains(t, resp.Reason, "stored grant")
}
