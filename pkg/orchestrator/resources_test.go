package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceManagerLimitsConcurrency(t *testing.T) {
	m := NewResourceManager(map[string]int{"browser": 2})

	r1, err := m.Acquire(context.Background(), "browser")
	require.NoError(t, err)
	r2, err := m.Acquire(context.Background(), "browser")
	require.NoError(t, err)

	// Third acquisition must block until a slot frees up.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "browser")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	r1()
	r3, err := m.Acquire(context.Background(), "browser")
	require.NoError(t, err)
	r3()
	r2()
}

func TestResourceManagerDefaultLimit(t *testing.T) {
	m := NewResourceManager(nil)
	var releases []func()
	for i := 0; i < defaultModuleConcurrency; i++ {
		r, err := m.Acquire(context.Background(), "filesystem")
		require.NoError(t, err)
		releases = append(releases, r)
	}

	st := m.Status()["filesystem"]
	assert.Equal(t, defaultModuleConcurrency, st["limit"])
	assert.Equal(t, defaultModuleConcurrency, st["in_use"])
	assert.Equal(t, 0, st["available"])

	for _, r := range releases {
		r()
	}
	assert.Equal(t, 0, m.Status()["filesystem"]["in_use"])
}

func TestResourceManagerReleaseIdempotent(t *testing.T) {
	m := NewResourceManager(map[string]int{"system": 1})
	release, err := m.Acquire(context.Background(), "system")
	require.NoError(t, err)

	release()
	release() // second call must not free a slot it never held

	st := m.Status()["system"]
	assert.Equal(t, 1, st["available"])
}

func TestResourceManagerIsolatesModules(t *testing.T) {
	m := NewResourceManager(map[string]int{"browser": 1})

	r1, err := m.Acquire(context.Background(), "browser")
	require.NoError(t, err)
	defer r1()

	r2, err := m.Acquire(context.Background(), "filesystem")
	require.NoError(t, err)
	r2()
}
