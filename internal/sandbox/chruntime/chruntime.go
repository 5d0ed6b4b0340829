// Package chruntime is a Cloud Hypervisor-backed implementation of
// sandbox.Runtime: it launches a cloud-hypervisor process per session,
// wiring its vsock device to a per-session Unix socket, and tears it down
// on Stop. Grounded on the teacher's Cloud Hypervisor vsock dialer, which
// assumes exactly this socket-path-plus-CONNECT-handshake arrangement.
package chruntime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/kernel-hypeman-labs/msbhost/internal/sandbox"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// handle implements sandbox.Handle for a Cloud Hypervisor process.
type handle struct {
	sessionID  string
	cmd        *exec.Cmd
	vsockPath  string
	apiSocket  string
}

func (h *handle) SessionID() string { return h.sessionID }

// VsockPath returns the Unix socket path internal/portal dials to reach
// this sandbox's vsock device.
func (h *handle) VsockPath() string { return h.vsockPath }

// Runtime launches and tears down cloud-hypervisor processes.
type Runtime struct {
	binaryPath string
	kernelPath string
	rootDir    string // per-session scratch dirs live under here

	mu     sync.Mutex
	active map[string]*handle

	apiDuration    metric.Float64Histogram
	apiErrorsTotal metric.Int64Counter
}

// New returns a Runtime invoking binaryPath (the cloud-hypervisor
// executable) booting kernelPath, with per-session state under rootDir. A
// nil meter disables the VMM call-duration/error instruments.
func New(binaryPath, kernelPath, rootDir string, meter metric.Meter) *Runtime {
	r := &Runtime{
		binaryPath: binaryPath,
		kernelPath: kernelPath,
		rootDir:    rootDir,
		active:     make(map[string]*handle),
	}
	if meter != nil {
		if h, err := meter.Float64Histogram(
			"msbhost_vmm_api_duration_seconds",
			metric.WithDescription("Cloud Hypervisor process start/stop duration"),
			metric.WithUnit("s"),
		); err == nil {
			r.apiDuration = h
		}
		if c, err := meter.Int64Counter(
			"msbhost_vmm_api_errors_total",
			metric.WithDescription("Total Cloud Hypervisor process start/stop errors"),
		); err == nil {
			r.apiErrorsTotal = c
		}
	}
	return r
}

// recordAPICall records duration and, on failure, increments the error
// counter for a VMM lifecycle call. Both instruments tolerate a nil Runtime
// meter (recorded as a no-op).
func (r *Runtime) recordAPICall(ctx context.Context, op string, start time.Time, err error) {
	if r.apiDuration != nil {
		r.apiDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("op", op)))
	}
	if err != nil && r.apiErrorsTotal != nil {
		r.apiErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	}
}

// Start boots a Cloud Hypervisor VM for desc using cfg's vCPU, memory and
// env settings. It attaches no rootfs disk and no virtio-fs device: the
// image and cfg.Volumes are not passed to the VMM. This Runtime covers the
// VMM process lifecycle and the vsock channel that internal/portal and
// internal/sandbox depend on directly.
func (r *Runtime) Start(ctx context.Context, cfg sandbox.SandboxConfig, desc sandbox.SessionDescriptor) (_ sandbox.Handle, err error) {
	start := time.Now()
	defer func() { r.recordAPICall(ctx, "start", start, err) }()

	sessionDir := filepath.Join(r.rootDir, desc.ID)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	vsockPath := filepath.Join(sessionDir, "vsock.sock")
	apiSocket := filepath.Join(sessionDir, "api.sock")

	args := []string{
		"--kernel", r.kernelPath,
		"--cpus", fmt.Sprintf("boot=%d", cfg.VCPUs),
		"--memory", fmt.Sprintf("size=%dM", cfg.MemoryMiB),
		"--vsock", fmt.Sprintf("cid=3,socket=%s", vsockPath),
		"--api-socket", apiSocket,
	}
	for _, env := range cfg.Env {
		args = append(args, "--cmdline", env)
	}

	cmd := exec.CommandContext(ctx, r.binaryPath, args...)
	cmd.Dir = sessionDir
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start cloud-hypervisor: %w", err)
	}

	h := &handle{
		sessionID: desc.ID,
		cmd:       cmd,
		vsockPath: vsockPath,
		apiSocket: apiSocket,
	}

	r.mu.Lock()
	r.active[desc.ID] = h
	r.mu.Unlock()

	return h, nil
}

// Stop terminates the process behind h and cleans up its session
// directory. Idempotent: stopping an id not currently tracked is a no-op,
// since internal/cleanup's ordered pipeline may call Stop for a session
// whose process already exited on its own.
func (r *Runtime) Stop(ctx context.Context, h sandbox.Handle) (err error) {
	start := time.Now()
	defer func() { r.recordAPICall(ctx, "stop", start, err) }()

	r.mu.Lock()
	ch, ok := r.active[h.SessionID()]
	if ok {
		delete(r.active, h.SessionID())
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if ch.cmd.Process != nil {
		if killErr := ch.cmd.Process.Kill(); killErr != nil && !isProcessDone(killErr) {
			return fmt.Errorf("kill cloud-hypervisor process: %w", killErr)
		}
	}
	_ = ch.cmd.Wait()

	return os.RemoveAll(filepath.Dir(ch.vsockPath))
}

func isProcessDone(err error) bool {
	return err != nil && err.Error() == "os: process already finished"
}
