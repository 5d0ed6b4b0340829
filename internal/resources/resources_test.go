package resources

import (
	"context"
	"testing"

	"github.com/kernel-hypeman-labs/msbhost/internal/config"
	"github.com/kernel-hypeman-labs/msbhost/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, totalMemoryMiB, totalVCPUs, maxSessions int) *Manager {
	t.Helper()
	m, err := New(20000, 20010, totalMemoryMiB, totalVCPUs, maxSessions, nil, nil)
	require.NoError(t, err)
	return m
}

func TestAcquireAndRelease(t *testing.T) {
	m := newTestManager(t, 4096, 4, 5)

	alloc, err := m.Acquire(context.Background(), "sess-1", config.FlavorSmall)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", alloc.SessionID)
	assert.True(t, alloc.Port >= 20000 && alloc.Port < 20010)

	stats := m.Stats()
	assert.Equal(t, 1024, stats.UsedMemoryMiB)
	assert.Equal(t, 1, stats.UsedVCPUs)
	assert.Equal(t, 1, stats.ActiveSessions)

	m.Release(context.Background(), "sess-1")

	stats = m.Stats()
	assert.Equal(t, 0, stats.UsedMemoryMiB)
	assert.Equal(t, 0, stats.UsedVCPUs)
	assert.Equal(t, 0, stats.ActiveSessions)
}

func TestAcquireRejectsDuplicateSession(t *testing.T) {
	m := newTestManager(t, 4096, 4, 5)

	_, err := m.Acquire(context.Background(), "sess-1", config.FlavorSmall)
	require.NoError(t, err)

	_, err = m.Acquire(context.Background(), "sess-1", config.FlavorSmall)
	assert.Error(t, err)
}

func TestAcquireRejectsUnknownFlavor(t *testing.T) {
	m := newTestManager(t, 4096, 4, 5)

	_, err := m.Acquire(context.Background(), "sess-1", config.Flavor("jumbo"))
	assert.ErrorIs(t, err, errs.ErrInvalidFlavor)
}

func TestAcquireEnforcesSessionCap(t *testing.T) {
	m := newTestManager(t, 1<<20, 1<<10, 1)

	_, err := m.Acquire(context.Background(), "sess-1", config.FlavorSmall)
	require.NoError(t, err)

	_, err = m.Acquire(context.Background(), "sess-2", config.FlavorSmall)
	assert.ErrorIs(t, err, errs.ErrResourceLimitExceeded)
}

func TestAcquireEnforcesMemoryBudget(t *testing.T) {
	m := newTestManager(t, 1024, 8, 5)

	_, err := m.Acquire(context.Background(), "sess-1", config.FlavorSmall)
	require.NoError(t, err)

	_, err = m.Acquire(context.Background(), "sess-2", config.FlavorSmall)
	assert.ErrorIs(t, err, errs.ErrResourceLimitExceeded)
}

func TestAcquireEnforcesVCPUBudget(t *testing.T) {
	m := newTestManager(t, 1<<20, 1, 5)

	_, err := m.Acquire(context.Background(), "sess-1", config.FlavorSmall)
	require.NoError(t, err)

	_, err = m.Acquire(context.Background(), "sess-2", config.FlavorSmall)
	assert.ErrorIs(t, err, errs.ErrResourceLimitExceeded)
}

func TestAcquireFailureReservesNothing(t *testing.T) {
	m := newTestManager(t, 1024, 1, 5)

	_, err := m.Acquire(context.Background(), "sess-1", config.FlavorLarge)
	assert.ErrorIs(t, err, errs.ErrResourceLimitExceeded)

	stats := m.Stats()
	assert.Equal(t, 0, stats.UsedMemoryMiB)
	assert.Equal(t, 0, stats.UsedVCPUs)
	assert.Equal(t, 0, stats.ActiveSessions)
}

func TestReleaseUnknownSessionIsNoop(t *testing.T) {
	m := newTestManager(t, 4096, 4, 5)
	assert.NotPanics(t, func() { m.Release(context.Background(), "nonexistent") })
}

func TestLookupAndList(t *testing.T) {
	m := newTestManager(t, 4096, 4, 5)

	_, ok := m.Lookup("sess-1")
	assert.False(t, ok)

	alloc, err := m.Acquire(context.Background(), "sess-1", config.FlavorMedium)
	require.NoError(t, err)

	found, ok := m.Lookup("sess-1")
	assert.True(t, ok)
	assert.Equal(t, alloc, found)

	list := m.List()
	assert.Len(t, list, 1)
	assert.Equal(t, "sess-1", list[0].SessionID)
}
