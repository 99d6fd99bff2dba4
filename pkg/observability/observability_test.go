package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsNoOp(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	// Every helper must be callable without initialized instruments.
	ctx := context.Background()
	p.RecordPlan(ctx, "completed")
	p.PlanStarted(ctx)
	p.PlanFinished(ctx)
	p.ApprovalPending(ctx)
	p.ApprovalResolved(ctx)

	_, done := p.TrackAction(ctx, "filesystem", "read_file")
	done(errors.New("boom"), "timeout")

	require.NoError(t, p.Shutdown(ctx))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "llmos-bridge", cfg.ServiceName)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.Equal(t, 5*time.Second, cfg.BatchTimeout)
}

func TestDisabledProviderTracerFallback(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())
}
