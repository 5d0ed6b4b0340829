package session

import (
	"context"
	"testing"
	"time"

	"github.com/kernel-hypeman-labs/msbhost/internal/config"
	"github.com/kernel-hypeman-labs/msbhost/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGet(t *testing.T) {
	m := New(5, time.Hour)
	ctx := context.Background()

	s, err := m.Create(ctx, config.TemplatePython, config.FlavorSmall)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, StatusCreating, s.Status)

	fetched, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, fetched.ID)
	assert.Equal(t, config.TemplatePython, fetched.Template)
}

func TestGetUnknownSession(t *testing.T) {
	m := New(5, time.Hour)
	_, err := m.Get(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, errs.ErrSessionNotFound)
}

func TestCreateEnforcesSessionCap(t *testing.T) {
	m := New(1, time.Hour)
	ctx := context.Background()

	_, err := m.Create(ctx, config.TemplatePython, config.FlavorSmall)
	require.NoError(t, err)

	_, err = m.Create(ctx, config.TemplatePython, config.FlavorSmall)
	assert.ErrorIs(t, err, errs.ErrResourceLimitExceeded)
}

func TestTouchUpdatesLastActiveAt(t *testing.T) {
	m := New(5, time.Hour)
	ctx := context.Background()

	s, err := m.Create(ctx, config.TemplatePython, config.FlavorSmall)
	require.NoError(t, err)
	before := s.LastActiveAt

	time.Sleep(time.Millisecond)
	require.NoError(t, m.Touch(ctx, s.ID))

	after, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, after.LastActiveAt.After(before))
}

func TestTouchUnknownSession(t *testing.T) {
	m := New(5, time.Hour)
	err := m.Touch(context.Background(), "nope")
	assert.ErrorIs(t, err, errs.ErrSessionNotFound)
}

func TestUpdateStatusValidTransitions(t *testing.T) {
	m := New(5, time.Hour)
	ctx := context.Background()

	s, err := m.Create(ctx, config.TemplatePython, config.FlavorSmall)
	require.NoError(t, err)

	require.NoError(t, m.UpdateStatus(ctx, s.ID, StatusReady, ""))
	require.NoError(t, m.UpdateStatus(ctx, s.ID, StatusRunning, ""))
	require.NoError(t, m.UpdateStatus(ctx, s.ID, StatusReady, ""))
	require.NoError(t, m.UpdateStatus(ctx, s.ID, StatusStopped, ""))

	fetched, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, fetched.Status)
}

func TestUpdateStatusRejectsInvalidTransition(t *testing.T) {
	m := New(5, time.Hour)
	ctx := context.Background()

	s, err := m.Create(ctx, config.TemplatePython, config.FlavorSmall)
	require.NoError(t, err)
	require.NoError(t, m.UpdateStatus(ctx, s.ID, StatusReady, ""))
	require.NoError(t, m.UpdateStatus(ctx, s.ID, StatusStopped, ""))

	err = m.UpdateStatus(ctx, s.ID, StatusRunning, "")
	assert.ErrorIs(t, err, errs.ErrInvalidSessionState)
}

func TestUpdateStatusRecordsErrorMessage(t *testing.T) {
	m := New(5, time.Hour)
	ctx := context.Background()

	s, err := m.Create(ctx, config.TemplatePython, config.FlavorSmall)
	require.NoError(t, err)
	require.NoError(t, m.UpdateStatus(ctx, s.ID, StatusError, "boom"))

	fetched, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, fetched.Status)
	assert.Equal(t, "boom", fetched.ErrorMessage)
}

func TestUpdateStatusUnknownSession(t *testing.T) {
	m := New(5, time.Hour)
	err := m.UpdateStatus(context.Background(), "nope", StatusReady, "")
	assert.ErrorIs(t, err, errs.ErrSessionNotFound)
}

func TestRemoveIsIdempotent(t *testing.T) {
	m := New(5, time.Hour)
	ctx := context.Background()

	s, err := m.Create(ctx, config.TemplatePython, config.FlavorSmall)
	require.NoError(t, err)

	m.Remove(ctx, s.ID)
	_, err = m.Get(ctx, s.ID)
	assert.ErrorIs(t, err, errs.ErrSessionNotFound)

	assert.NotPanics(t, func() { m.Remove(ctx, s.ID) })
}

func TestList(t *testing.T) {
	m := New(5, time.Hour)
	ctx := context.Background()

	_, err := m.Create(ctx, config.TemplatePython, config.FlavorSmall)
	require.NoError(t, err)
	_, err = m.Create(ctx, config.TemplateNode, config.FlavorMedium)
	require.NoError(t, err)

	all := m.List(ctx)
	assert.Len(t, all, 2)
}

func TestFindExpired(t *testing.T) {
	m := New(5, time.Minute)
	ctx := context.Background()

	s, err := m.Create(ctx, config.TemplatePython, config.FlavorSmall)
	require.NoError(t, err)
	require.NoError(t, m.UpdateStatus(ctx, s.ID, StatusReady, ""))

	stopped, err := m.Create(ctx, config.TemplatePython, config.FlavorSmall)
	require.NoError(t, err)
	require.NoError(t, m.UpdateStatus(ctx, stopped.ID, StatusReady, ""))
	require.NoError(t, m.UpdateStatus(ctx, stopped.ID, StatusStopped, ""))

	future := time.Now().Add(2 * time.Minute)
	expired := m.FindExpired(future)

	assert.Contains(t, expired, s.ID)
	assert.NotContains(t, expired, stopped.ID, "terminal sessions never expire again")
}

func TestFindExpiredRespectsIdleWindow(t *testing.T) {
	m := New(5, time.Hour)
	ctx := context.Background()

	s, err := m.Create(ctx, config.TemplatePython, config.FlavorSmall)
	require.NoError(t, err)
	require.NoError(t, m.UpdateStatus(ctx, s.ID, StatusReady, ""))

	expired := m.FindExpired(time.Now())
	assert.NotContains(t, expired, s.ID)
}

func TestFindExpiredNeverReturnsCreatingSessions(t *testing.T) {
	m := New(5, time.Millisecond)
	ctx := context.Background()

	s, err := m.Create(ctx, config.TemplatePython, config.FlavorSmall)
	require.NoError(t, err)
	require.Equal(t, StatusCreating, s.Status)

	future := time.Now().Add(time.Hour)
	expired := m.FindExpired(future)
	assert.NotContains(t, expired, s.ID, "creating sessions never appear in find_expired regardless of last_accessed")
}

func TestFindExpiredAppliesFixedThresholdToErrorSessions(t *testing.T) {
	m := New(5, time.Hour) // idle timeout is long, error threshold must not use it
	ctx := context.Background()

	s, err := m.Create(ctx, config.TemplatePython, config.FlavorSmall)
	require.NoError(t, err)
	require.NoError(t, m.UpdateStatus(ctx, s.ID, StatusError, "boom"))

	justUnderThreshold := time.Now().Add(errorExpiry - time.Second)
	assert.NotContains(t, m.FindExpired(justUnderThreshold), s.ID)

	pastThreshold := time.Now().Add(errorExpiry + time.Second)
	assert.Contains(t, m.FindExpired(pastThreshold), s.ID, "error sessions expire at a fixed 5 minute threshold regardless of the configured idle timeout")
}
