// Package cleanup implements C9, the two periodic sweep tasks plus the
// graceful/manual cleanup entry points described in spec.md §4.8: an
// ordered per-session release pipeline (sandbox-stop, then
// resource-release, then registry-remove) that tolerates and counts
// per-step errors instead of aborting the sweep.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/kernel-hypeman-labs/msbhost/internal/resources"
	"github.com/kernel-hypeman-labs/msbhost/internal/sandbox"
	"github.com/kernel-hypeman-labs/msbhost/internal/session"
)

const (
	// SessionSweepInterval is how often find_expired runs, per spec.md §4.8.
	SessionSweepInterval = 60 * time.Second
	// ResourceSweepInterval is how often orphaned allocations are checked.
	ResourceSweepInterval = 300 * time.Second
	// OrphanAllocationAge is the hard ceiling past which an allocation with
	// no matching session is considered leaked.
	OrphanAllocationAge = 2 * time.Hour
)

// SandboxHandles resolves a session id to the Handle needed to stop its
// sandbox, so the coordinator doesn't need to track handles itself.
type SandboxHandles interface {
	Lookup(sessionID string) (sandbox.Handle, bool)
}

// Stats aggregates one sweep or shutdown's outcome, per spec.md §4.8's
// CleanupStats.
type Stats struct {
	SessionsFound       int
	SessionsCleanedUp   int
	CleanupErrors       int
	ResidualActiveCount int
	ResidualPortCount   int
}

// Coordinator owns the periodic sweep goroutines.
type Coordinator struct {
	sessions *session.Manager
	res      *resources.Manager
	sandboxes SandboxHandles
	composer *sandbox.Composer
	log      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a Coordinator wiring the session registry, resource
// manager, sandbox composer (for stop), and a handle lookup.
func New(sessions *session.Manager, res *resources.Manager, composer *sandbox.Composer, handles SandboxHandles, log *slog.Logger) *Coordinator {
	return &Coordinator{
		sessions:  sessions,
		res:       res,
		sandboxes: handles,
		composer:  composer,
		log:       log,
	}
}

// Start launches both periodic sweeps as background goroutines. Cancel
// ctx (or call GracefulShutdown) to stop them.
func (c *Coordinator) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		sessionTicker := time.NewTicker(SessionSweepInterval)
		defer sessionTicker.Stop()
		resourceTicker := time.NewTicker(ResourceSweepInterval)
		defer resourceTicker.Stop()

		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-sessionTicker.C:
				c.sessionSweep(sweepCtx)
			case <-resourceTicker.C:
				c.resourceSweep(sweepCtx)
			}
		}
	}()
}

// sessionSweep runs find_expired and releases every expired session
// through the ordered pipeline. Per-session errors are logged and
// counted, never aborting the sweep (spec.md §4.8).
func (c *Coordinator) sessionSweep(ctx context.Context) Stats {
	expired := c.sessions.FindExpired(time.Now())
	stats := Stats{SessionsFound: len(expired)}
	for _, id := range expired {
		if err := c.releaseSession(ctx, id); err != nil {
			stats.CleanupErrors++
			c.log.Warn("session sweep: release failed", "session_id", id, "error", err)
			continue
		}
		stats.SessionsCleanedUp++
	}
	return stats
}

// resourceSweep finds allocations older than OrphanAllocationAge with no
// matching session row and releases them, guarding against allocation
// leaks from a crashed or interrupted release pipeline (spec.md §4.8).
func (c *Coordinator) resourceSweep(ctx context.Context) {
	sessions := c.sessions.List(ctx)
	live := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		live[s.ID] = true
	}

	now := time.Now()
	for _, alloc := range c.res.List() {
		if live[alloc.SessionID] {
			continue
		}
		if now.Sub(alloc.AcquiredAt) < OrphanAllocationAge {
			continue
		}
		c.log.Warn("resource sweep: releasing orphaned allocation", "session_id", alloc.SessionID, "port", alloc.Port)
		c.res.Release(ctx, alloc.SessionID)
	}
}

// releaseSession runs the ordered pipeline for one session: sandbox-stop,
// then resource-release (tolerating "no allocation"), then
// registry-remove. resource release and registry removal are both
// best-effort/idempotent by design and always run even when sandbox-stop
// fails; the stop error is still returned so callers count it in
// CleanupStats.CleanupErrors rather than the pipeline silently reporting
// success (spec.md §4.9).
func (c *Coordinator) releaseSession(ctx context.Context, id string) error {
	var stopErr error
	if h, ok := c.sandboxes.Lookup(id); ok {
		if err := c.composer.Stop(ctx, h); err != nil {
			c.log.Warn("sandbox stop failed, continuing pipeline", "session_id", id, "error", err)
			stopErr = err
		}
	}
	c.res.Release(ctx, id)
	c.sessions.Remove(ctx, id)
	return stopErr
}

// ManualCleanup exposes the session sweep synchronously for diagnostics,
// per spec.md §4.8's manual_cleanup.
func (c *Coordinator) ManualCleanup(ctx context.Context) Stats {
	return c.sessionSweep(ctx)
}

// GracefulShutdown cancels both background sweeps, then runs the release
// pipeline once for every session not already stopped, returning the
// aggregate CleanupStats.
func (c *Coordinator) GracefulShutdown(ctx context.Context) Stats {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}

	all := c.sessions.List(ctx)
	stats := Stats{}
	for _, s := range all {
		if s.Status == session.StatusStopped {
			continue
		}
		stats.SessionsFound++
		if err := c.releaseSession(ctx, s.ID); err != nil {
			stats.CleanupErrors++
			c.log.Warn("graceful shutdown: release failed", "session_id", s.ID, "error", err)
			continue
		}
		stats.SessionsCleanedUp++
	}

	resStats := c.res.Stats()
	stats.ResidualActiveCount = resStats.ActiveSessions
	stats.ResidualPortCount = resStats.AllocatedPorts
	return stats
}
