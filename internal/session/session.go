// Package session implements C8, the session state machine and registry:
// create/get/touch/update-status/stop/remove plus the idle-expiry scan
// cleanup polls, per spec.md §4.8.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kernel-hypeman-labs/msbhost/internal/config"
	"github.com/kernel-hypeman-labs/msbhost/internal/errs"
	"github.com/nrednav/cuid2"
	"github.com/samber/lo"
)

// Status is one of the closed session states of spec.md §3.
type Status string

const (
	StatusCreating Status = "creating"
	StatusReady    Status = "ready"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Session is one sandbox session's tracked state.
type Session struct {
	ID           string
	Template     config.Template
	Flavor       config.Flavor
	Status       Status
	ErrorMessage string
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// errorExpiry is the fixed timeout spec.md §4.7 gives status `error`,
// independent of the manager's configured idle timeout: an errored
// session is swept 5 minutes after its last activity regardless of how
// long ready/running sessions are allowed to sit idle.
const errorExpiry = 5 * time.Minute

// expiryThreshold returns the idle duration after which s counts as
// expired, and whether s can expire at all. `creating` and `stopped`
// never expire per spec.md §4.7/§8; `error` expires at the fixed
// errorExpiry regardless of the manager's configured idle timeout;
// `ready`/`running` expire at the manager's configured idle timeout.
func (s Session) expiryThreshold(idleTimeout time.Duration) (threshold time.Duration, expires bool) {
	switch s.Status {
	case StatusReady, StatusRunning:
		return idleTimeout, true
	case StatusError:
		return errorExpiry, true
	default: // creating, stopped: terminal/transient states that never expire
		return 0, false
	}
}

// Manager is the in-memory session registry. Per-session mutation is
// guarded by a lock obtained from a sync.Map of *sync.RWMutex, the
// teacher's getInstanceLock pattern generalized to sessions; the registry
// map itself is guarded separately so listing never blocks on a single
// session's lock.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	locks sync.Map // map[string]*sync.RWMutex

	maxSessions int
	idleTimeout time.Duration
}

// New returns a Manager enforcing maxSessions concurrently tracked
// sessions and idleTimeout for the ready/running idle-expiry check.
func New(maxSessions int, idleTimeout time.Duration) *Manager {
	return &Manager{
		sessions:    make(map[string]*Session),
		maxSessions: maxSessions,
		idleTimeout: idleTimeout,
	}
}

// IdleTimeout returns the configured ready/running idle-expiry window,
// for diagnostics that need to reason about how close a session is to
// expiring (e.g. a "near timeout" health check) without duplicating the
// manager's configuration.
func (m *Manager) IdleTimeout() time.Duration {
	return m.idleTimeout
}

func (m *Manager) lockFor(id string) *sync.RWMutex {
	lock, _ := m.locks.LoadOrStore(id, &sync.RWMutex{})
	return lock.(*sync.RWMutex)
}

// Create allocates a new session id and registers it in StatusCreating.
// Returns errs.ErrResourceLimitExceeded if the registry is already at
// maxSessions, and errs.ErrUnsupportedTemplate if template is not in
// config.SupportedTemplates. internal/rpcserver calls Create before it
// reserves resources via internal/resources, which applies its own session
// cap; the two caps need not be numerically identical.
func (m *Manager) Create(ctx context.Context, template config.Template, flavor config.Flavor) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.maxSessions {
		return nil, fmt.Errorf("%w: at session cap (%d)", errs.ErrResourceLimitExceeded, m.maxSessions)
	}
	if !config.SupportedTemplates[template] {
		return nil, fmt.Errorf("%w: %q", errs.ErrUnsupportedTemplate, template)
	}

	id := cuid2.Generate()
	now := time.Now()
	s := &Session{
		ID:           id,
		Template:     template,
		Flavor:       flavor,
		Status:       StatusCreating,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	m.sessions[id] = s
	return cloneSession(s), nil
}

// Get returns a copy of the session with id, or errs.ErrSessionNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	lock := m.lockFor(id)
	lock.RLock()
	defer lock.RUnlock()

	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrSessionNotFound, id)
	}
	return cloneSession(s), nil
}

// Touch refreshes LastActiveAt, extending the idle-timeout window; per
// spec.md §4.8, only sessions in StatusReady or StatusRunning can be
// touched meaningfully, but touching any existing session is harmless.
func (m *Manager) Touch(ctx context.Context, id string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", errs.ErrSessionNotFound, id)
	}
	s.LastActiveAt = time.Now()
	return nil
}

// UpdateStatus transitions id to status, recording msg as the error detail
// when status is StatusError. Enforces spec.md §4.8's transition table:
// creating -> ready|error; ready -> running|stopped|error;
// running -> ready|stopped|error; stopped and error are terminal.
func (m *Manager) UpdateStatus(ctx context.Context, id string, status Status, msg string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", errs.ErrSessionNotFound, id)
	}

	if !validTransition(s.Status, status) {
		return fmt.Errorf("%w: %s -> %s", errs.ErrInvalidSessionState, s.Status, status)
	}

	s.Status = status
	if status == StatusError {
		s.ErrorMessage = msg
	}
	if status == StatusReady || status == StatusRunning {
		s.LastActiveAt = time.Now()
	}
	return nil
}

func validTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusCreating:
		return to == StatusReady || to == StatusError
	case StatusReady:
		return to == StatusRunning || to == StatusStopped || to == StatusError
	case StatusRunning:
		return to == StatusReady || to == StatusStopped || to == StatusError
	default: // stopped, error: terminal
		return false
	}
}

// Remove deletes id from the registry unconditionally, used once the
// release pipeline (internal/cleanup) has already torn down the
// underlying sandbox. Removing an unknown id is a no-op.
func (m *Manager) Remove(ctx context.Context, id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	m.locks.Delete(id)
}

// List returns a snapshot copy of every tracked session.
func (m *Manager) List(ctx context.Context) []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *cloneSession(s))
	}
	return out
}

// FindExpired returns the ids of sessions (ready, running or error) whose
// expiry threshold (see expiryThreshold) has elapsed, per spec.md §4.9's
// sweep query. now is passed in rather than
// read internally so the sweep is reproducibly testable.
func (m *Manager) FindExpired(now time.Time) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := lo.Values(m.sessions)
	expired := lo.Filter(all, func(s *Session, _ int) bool {
		threshold, expires := s.expiryThreshold(m.idleTimeout)
		return expires && now.Sub(s.LastActiveAt) > threshold
	})
	return lo.Map(expired, func(s *Session, _ int) string { return s.ID })
}

func cloneSession(s *Session) *Session {
	clone := *s
	return &clone
}
