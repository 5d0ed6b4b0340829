// Package rpcserver implements the JSON-RPC-over-HTTP tool-protocol
// surface of spec.md §6: a fixed-path handler exposing execute_code,
// execute_command, get_sessions, stop_session, and get_volume_path, plus
// the orchestration gluing session lifecycle, resource acquisition,
// sandbox start, and in-guest execution together behind those five
// methods. get_system_health is a sixth, supplemented method (see
// SPEC_FULL.md §5) layered on top without touching the original five.
package rpcserver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kernel-hypeman-labs/msbhost/internal/classify"
	"github.com/kernel-hypeman-labs/msbhost/internal/config"
	"github.com/kernel-hypeman-labs/msbhost/internal/errs"
	"github.com/kernel-hypeman-labs/msbhost/internal/portal"
	"github.com/kernel-hypeman-labs/msbhost/internal/resources"
	"github.com/kernel-hypeman-labs/msbhost/internal/sandbox"
	"github.com/kernel-hypeman-labs/msbhost/internal/session"
)

// HandleRegistry tracks the sandbox.Handle for each session so the
// orchestrator can dial its vsock device and internal/cleanup can stop
// it. It also implements cleanup.SandboxHandles.
type HandleRegistry struct {
	mu      sync.RWMutex
	handles map[string]sandbox.Handle
}

// NewHandleRegistry returns an empty registry.
func NewHandleRegistry() *HandleRegistry {
	return &HandleRegistry{handles: make(map[string]sandbox.Handle)}
}

// Lookup implements cleanup.SandboxHandles.
func (r *HandleRegistry) Lookup(sessionID string) (sandbox.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[sessionID]
	return h, ok
}

func (r *HandleRegistry) set(sessionID string, h sandbox.Handle) {
	r.mu.Lock()
	r.handles[sessionID] = h
	r.mu.Unlock()
}

func (r *HandleRegistry) delete(sessionID string) {
	r.mu.Lock()
	delete(r.handles, sessionID)
	r.mu.Unlock()
}

// Service orchestrates the session/resource/sandbox/portal collaborators
// behind the six RPC methods.
type Service struct {
	cfg       *config.Config
	sessions  *session.Manager
	resources *resources.Manager
	composer  *sandbox.Composer
	handles   *HandleRegistry
	log       *slog.Logger
}

// New wires a Service from its collaborators.
func New(cfg *config.Config, sessions *session.Manager, res *resources.Manager, composer *sandbox.Composer, handles *HandleRegistry, log *slog.Logger) *Service {
	return &Service{cfg: cfg, sessions: sessions, resources: res, composer: composer, handles: handles, log: log}
}

// resolveTemplateFlavor applies the configured defaults when a request
// omits template/flavor, per spec.md §6's configuration surface.
func (s *Service) resolveTemplateFlavor(templateStr, flavorStr *string) (config.Template, config.Flavor, error) {
	template := s.cfg.DefaultTemplate
	if templateStr != nil && *templateStr != "" {
		template = config.Template(*templateStr)
		if !config.SupportedTemplates[template] {
			return "", "", fmt.Errorf("%w: %q", errs.ErrUnsupportedTemplate, template)
		}
	}

	flavor := s.cfg.DefaultFlavor
	if flavorStr != nil && *flavorStr != "" {
		f, err := config.ParseFlavor(*flavorStr)
		if err != nil {
			return "", "", err
		}
		flavor = f
	}
	return template, flavor, nil
}

// getOrCreateSession implements spec.md §4.7's get_or_create: with no id,
// behaves like create-then-get; with an id, requires the session to exist,
// template to match, and status to be neither stopped nor error.
func (s *Service) getOrCreateSession(ctx context.Context, sessionID *string, template config.Template, flavor config.Flavor) (sess *session.Session, created bool, err error) {
	if sessionID == nil || *sessionID == "" {
		sess, err = s.createSession(ctx, template, flavor)
		return sess, true, err
	}

	existing, err := s.sessions.Get(ctx, *sessionID)
	if err != nil {
		return nil, false, err
	}
	if existing.Template != template {
		return nil, false, fmt.Errorf("%w: session %s was created with template %q, not %q", errs.ErrInvalidSessionState, existing.ID, existing.Template, template)
	}
	if existing.Status == session.StatusStopped || existing.Status == session.StatusError {
		return nil, false, fmt.Errorf("%w: session %s is %s", errs.ErrInvalidSessionState, existing.ID, existing.Status)
	}
	return existing, false, nil
}

// createSession registers the session, reserves resources, starts its
// sandbox, and marks it ready, releasing the allocation and removing the
// session if the sandbox fails to start (spec.md §4.9).
func (s *Service) createSession(ctx context.Context, template config.Template, flavor config.Flavor) (*session.Session, error) {
	sess, err := s.sessions.Create(ctx, template, flavor)
	if err != nil {
		return nil, err
	}

	alloc, err := s.resources.Acquire(ctx, sess.ID, flavor)
	if err != nil {
		s.sessions.Remove(ctx, sess.ID)
		return nil, err
	}

	handle, err := s.composer.Create(ctx, sandbox.SessionDescriptor{
		ID:          sess.ID,
		Namespace:   "default",
		SandboxName: sess.ID,
		Template:    template,
		Flavor:      flavor,
	})
	if err != nil {
		s.resources.Release(ctx, sess.ID)
		s.sessions.Remove(ctx, sess.ID)
		return nil, err
	}
	_ = alloc.Port // forwarded port bookkeeping lives in s.resources; nothing further to do with it here

	s.handles.set(sess.ID, handle)
	if err := s.sessions.UpdateStatus(ctx, sess.ID, session.StatusReady, ""); err != nil {
		return nil, err
	}
	return s.sessions.Get(ctx, sess.ID)
}

// endpointFor resolves the portal.Endpoint to reach sess's sandbox.
func (s *Service) endpointFor(sessionID string) (portal.Endpoint, error) {
	handle, ok := s.handles.Lookup(sessionID)
	if !ok {
		return portal.Endpoint{}, fmt.Errorf("%w: no sandbox handle for session %s", errs.ErrSessionCreationFailed, sessionID)
	}
	if vs, ok := handle.(sandbox.VsockSocketPath); ok {
		return portal.Endpoint{SocketPath: vs.VsockPath()}, nil
	}
	return portal.Endpoint{}, fmt.Errorf("%w: sandbox handle for session %s exposes no vsock address", errs.ErrSessionCreationFailed, sessionID)
}

// execExchangeTimeout bounds a single execute_code/execute_command call,
// per spec.md §5's "tool-level execution carries a per-call timeout".
const execExchangeTimeout = 30 * time.Second

// ExecuteCode runs req.Code in (a possibly newly-created) session's
// sandbox. On expiry the session is marked error(timeout) and
// ExecutionTimeout is returned, per spec.md §5.
func (s *Service) ExecuteCode(ctx context.Context, p executeCodeParams) (*ExecutionResponse, *RPCError) {
	return s.execute(ctx, p.Template, p.SessionID, p.Flavor, portal.Request{Kind: "execute_code", Code: p.Code}, false)
}

// ExecuteCommand runs a shell command, returning an exit code in the
// response, per spec.md §6.
func (s *Service) ExecuteCommand(ctx context.Context, p executeCommandParams) (*ExecutionResponse, *RPCError) {
	return s.execute(ctx, p.Template, p.SessionID, p.Flavor, portal.Request{Kind: "execute_command", Command: p.Command, Args: p.Args}, true)
}

func (s *Service) execute(ctx context.Context, templateStr, sessionID, flavorStr *string, req portal.Request, includeExitCode bool) (*ExecutionResponse, *RPCError) {
	template, flavor, err := s.resolveTemplateFlavor(templateStr, flavorStr)
	if err != nil {
		return nil, toRPCError(err)
	}

	sess, created, err := s.getOrCreateSession(ctx, sessionID, template, flavor)
	if err != nil {
		return nil, toRPCError(err)
	}

	if err := s.sessions.Touch(ctx, sess.ID); err != nil {
		return nil, toRPCError(err)
	}
	if err := s.sessions.UpdateStatus(ctx, sess.ID, session.StatusRunning, ""); err != nil {
		return nil, toRPCError(err)
	}

	ep, err := s.endpointFor(sess.ID)
	if err != nil {
		return nil, toRPCError(err)
	}

	execCtx, cancel := context.WithTimeout(ctx, execExchangeTimeout)
	defer cancel()

	start := time.Now()
	resp, err := portal.Run(execCtx, ep, req)
	elapsed := time.Since(start)

	if err != nil {
		if execCtx.Err() != nil {
			_ = s.sessions.UpdateStatus(ctx, sess.ID, session.StatusError, "execution timeout")
			return nil, toRPCError(fmt.Errorf("%w: %v", errs.ErrExecutionTimeout, err))
		}
		_ = s.sessions.UpdateStatus(ctx, sess.ID, session.StatusError, err.Error())
		return nil, toRPCError(fmt.Errorf("%w: %v", errs.ErrSessionCreationFailed, err))
	}

	if err := s.sessions.UpdateStatus(ctx, sess.ID, session.StatusReady, ""); err != nil {
		return nil, toRPCError(err)
	}

	result := classify.Classify(string(template), resp.Stderr, resp.ExitCode)
	if result.Kind != classify.KindNone {
		return nil, classificationToRPCError(result, resp.Stderr)
	}

	out := &ExecutionResponse{
		SessionID:       sess.ID,
		Stdout:          resp.Stdout,
		Stderr:          resp.Stderr,
		ExecutionTimeMs: elapsed.Milliseconds(),
		SessionCreated:  created,
	}
	if includeExitCode {
		out.ExitCode = &resp.ExitCode
	}
	return out, nil
}

// GetSessions implements get_sessions, per spec.md §6/§4.7.
func (s *Service) GetSessions(ctx context.Context, p getSessionsParams) (*SessionListResponse, *RPCError) {
	if p.SessionID != nil && *p.SessionID != "" {
		sess, err := s.sessions.Get(ctx, *p.SessionID)
		if err != nil {
			return nil, toRPCError(err)
		}
		return &SessionListResponse{Sessions: []SessionSummary{summarize(*sess)}}, nil
	}

	all := s.sessions.List(ctx)
	summaries := make([]SessionSummary, len(all))
	for i, sess := range all {
		summaries[i] = summarize(sess)
	}
	return &SessionListResponse{Sessions: summaries}, nil
}

// StopSession implements stop_session: stops the sandbox, releases the
// resource allocation, and transitions the session to stopped, per
// spec.md §4.7's stop contract.
func (s *Service) StopSession(ctx context.Context, p stopSessionParams) (*StopSessionResponse, *RPCError) {
	sess, err := s.sessions.Get(ctx, p.SessionID)
	if err != nil {
		return nil, toRPCError(err)
	}

	if handle, ok := s.handles.Lookup(sess.ID); ok {
		if err := s.composer.Stop(ctx, handle); err != nil {
			s.log.Warn("stop_session: sandbox stop failed, continuing", "session_id", sess.ID, "error", err)
		}
		s.handles.delete(sess.ID)
	}
	s.resources.Release(ctx, sess.ID)

	if err := s.sessions.UpdateStatus(ctx, sess.ID, session.StatusStopped, ""); err != nil {
		return nil, toRPCError(err)
	}
	return &StopSessionResponse{SessionID: sess.ID, Status: string(session.StatusStopped)}, nil
}

// GetVolumePath implements get_volume_path, returning the guest-side
// mount point of the configured shared volume.
func (s *Service) GetVolumePath(ctx context.Context, p getVolumePathParams) (*VolumePathResponse, *RPCError) {
	if p.SessionID != nil && *p.SessionID != "" {
		if _, err := s.sessions.Get(ctx, *p.SessionID); err != nil {
			return nil, toRPCError(err)
		}
	}
	return &VolumePathResponse{Path: s.cfg.SharedVolumeGuestPath}, nil
}

// GetSystemHealth implements get_system_health: a per-status session count
// breakdown plus resource usage, supplemented from the original
// implementation's SystemHealthStats (microsandbox-server/lib/simplified_mcp.rs).
// "Near timeout" mirrors that implementation's 75%-of-idle-timeout
// threshold; "expired" reuses the same find_expired test the session
// sweep itself applies, so this never drifts from what the next sweep
// would actually do.
func (s *Service) GetSystemHealth(ctx context.Context, p getSystemHealthParams) (*SystemHealthResponse, *RPCError) {
	sessions := s.sessions.List(ctx)
	resStats := s.resources.Stats()

	health := &SystemHealthResponse{
		TotalSessions: len(sessions),
		ResourceStats: ResourceStatsSummary{
			UsedMemoryMiB:  resStats.UsedMemoryMiB,
			TotalMemoryMiB: resStats.TotalMemoryMiB,
			UsedVCPUs:      resStats.UsedVCPUs,
			TotalVCPUs:     resStats.TotalVCPUs,
			ActiveSessions: resStats.ActiveSessions,
			MaxSessions:    resStats.MaxSessions,
			AllocatedPorts: resStats.AllocatedPorts,
			AvailablePorts: resStats.AvailablePorts,
		},
	}

	now := time.Now()
	nearTimeoutThreshold := s.sessions.IdleTimeout() * 3 / 4
	expiredIDs := make(map[string]bool)
	for _, id := range s.sessions.FindExpired(now) {
		expiredIDs[id] = true
	}

	for _, sess := range sessions {
		switch sess.Status {
		case session.StatusCreating:
			health.CreatingSessions++
		case session.StatusReady:
			health.ReadySessions++
			health.ActiveSessions++
		case session.StatusRunning:
			health.RunningSessions++
			health.ActiveSessions++
		case session.StatusError:
			health.ErrorSessions++
		case session.StatusStopped:
			health.StoppedSessions++
		}

		if sess.Status != session.StatusStopped && now.Sub(sess.LastActiveAt) > nearTimeoutThreshold {
			health.SessionsNearTimeout++
		}
		if expiredIDs[sess.ID] {
			health.ExpiredSessions++
		}
	}

	return health, nil
}

func summarize(sess session.Session) SessionSummary {
	status := string(sess.Status)
	if sess.Status == session.StatusError && sess.ErrorMessage != "" {
		status = fmt.Sprintf("error: %s", sess.ErrorMessage)
	}
	return SessionSummary{
		ID:            sess.ID,
		Language:      string(sess.Template),
		Flavor:        string(sess.Flavor),
		Status:        status,
		CreatedAt:     sess.CreatedAt.UTC().Format(time.RFC3339),
		LastAccessed:  sess.LastActiveAt.UTC().Format(time.RFC3339),
		UptimeSeconds: int64(time.Since(sess.CreatedAt).Seconds()),
	}
}
