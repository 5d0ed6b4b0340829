// Package sandbox implements C6 (the closed template-to-image mapping)
// and C7 (the sandbox config composer): turning a session descriptor into
// a concrete SandboxConfig and handing it to a Runtime collaborator that
// actually starts the microVM, following the teacher's pattern of keeping
// the hypervisor behind a narrow collaborator interface rather than
// inlining process/VM management into the session manager.
package sandbox

import (
	"context"
	"fmt"

	"github.com/kernel-hypeman-labs/msbhost/internal/config"
	"github.com/kernel-hypeman-labs/msbhost/internal/errs"
)

// templates is the closed C6 mapping from template to its image repository
// path relative to the configured registry domain.
var templates = map[config.Template]string{
	config.TemplatePython: "python",
	config.TemplateNode:   "node",
}

// ResolveImage returns the full image reference for template, qualified
// under registryDomain. Fails fast with errs.ErrUnsupportedTemplate for
// anything outside the closed set, per spec.md §4.6.
func ResolveImage(template config.Template, registryDomain string) (string, error) {
	repo, ok := templates[template]
	if !ok {
		return "", fmt.Errorf("%w: %q", errs.ErrUnsupportedTemplate, template)
	}
	return fmt.Sprintf("%s/%s", registryDomain, repo), nil
}

// VolumeMapping is a single host:guest bind mount.
type VolumeMapping struct {
	HostPath  string
	GuestPath string
}

// SandboxConfig is the fully-resolved launch configuration for one
// session's microVM, per spec.md §4.6.
type SandboxConfig struct {
	ImageRef string
	MemoryMiB int
	VCPUs     int
	Volumes   []VolumeMapping
	Env       []string
}

// SessionDescriptor identifies the session a sandbox is being created for.
type SessionDescriptor struct {
	ID          string
	Namespace   string
	SandboxName string
	Template    config.Template
	Flavor      config.Flavor
}

// Handle is whatever a Runtime implementation needs to address a running
// sandbox afterward (stop it, dial its vsock port). It is opaque to this
// package.
type Handle interface {
	SessionID() string
}

// VsockSocketPath is implemented by Handles that expose their sandbox's
// vsock device as a host-side Unix socket (Cloud Hypervisor's shim,
// concretely internal/sandbox/chruntime's handle). Callers type-assert a
// Handle to this interface to build a portal.Endpoint.
type VsockSocketPath interface {
	VsockPath() string
}

// Runtime is the external sandbox-start/stop primitive (spec.md §4.6's
// "external sandbox-start primitive" collaborator). A concrete
// implementation adapts a specific hypervisor; msbhost ships one backed
// by Cloud Hypervisor (internal/sandbox/chruntime).
type Runtime interface {
	Start(ctx context.Context, cfg SandboxConfig, desc SessionDescriptor) (Handle, error)
	Stop(ctx context.Context, h Handle) error
}

// Acquirer makes sure an image reference is present and extracted before a
// sandbox starts from it, pulling it on a cache miss. Satisfied by
// internal/imagepull.Acquirer; nil means "assume every image is already
// cataloged", useful in tests.
type Acquirer interface {
	EnsureImage(ctx context.Context, ref string) error
}

// Composer builds a SandboxConfig from a SessionDescriptor and drives the
// Runtime to start it.
type Composer struct {
	registryDomain        string
	sharedVolumeHostPath  string
	sharedVolumeGuestPath string
	runtime               Runtime
	acquirer              Acquirer
}

// New returns a Composer reading image/volume defaults from cfg and
// starting sandboxes through runtime. Call WithAcquirer to enable
// on-demand pulling of uncached template images.
func New(cfg *config.Config, runtime Runtime) *Composer {
	return &Composer{
		registryDomain:        cfg.RegistryDomain,
		sharedVolumeHostPath:  cfg.SharedVolumeHostPath,
		sharedVolumeGuestPath: cfg.SharedVolumeGuestPath,
		runtime:               runtime,
	}
}

// WithAcquirer attaches an image acquirer and returns c for chaining.
func (c *Composer) WithAcquirer(a Acquirer) *Composer {
	c.acquirer = a
	return c
}

// simplifiedMCPEnv is set on every sandbox regardless of configuration,
// per spec.md §4.6.
const simplifiedMCPEnv = "MICROSANDBOX_SIMPLIFIED_MCP=true"

// Create resolves desc's template to an image, composes a SandboxConfig
// from the flavor and shared-volume settings, and starts it via the
// Runtime. A Runtime failure is wrapped as errs.ErrSessionCreationFailed,
// per spec.md §4.6's "non-success is propagated as SessionCreationFailed".
func (c *Composer) Create(ctx context.Context, desc SessionDescriptor) (Handle, error) {
	imageRef, err := ResolveImage(desc.Template, c.registryDomain)
	if err != nil {
		return nil, err
	}

	if c.acquirer != nil {
		if err := c.acquirer.EnsureImage(ctx, imageRef); err != nil {
			return nil, err
		}
	}

	spec, ok := config.FlavorSpecs[desc.Flavor]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errs.ErrInvalidFlavor, desc.Flavor)
	}

	cfg := SandboxConfig{
		ImageRef:  imageRef,
		MemoryMiB: spec.MemoryMiB,
		VCPUs:     spec.VCPUs,
		Env:       []string{simplifiedMCPEnv},
	}

	if c.sharedVolumeHostPath != "" {
		cfg.Volumes = append(cfg.Volumes, VolumeMapping{
			HostPath:  c.sharedVolumeHostPath,
			GuestPath: c.sharedVolumeGuestPath,
		})
		cfg.Env = append(cfg.Env, fmt.Sprintf("SHARED_VOLUME_PATH=%s", c.sharedVolumeGuestPath))
	}

	handle, err := c.runtime.Start(ctx, cfg, desc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrSessionCreationFailed, err)
	}
	return handle, nil
}

// Stop tears down h via the Runtime. Errors are returned unwrapped so
// internal/cleanup can log/count them per-session without reclassifying
// every stop failure as a creation failure.
func (c *Composer) Stop(ctx context.Context, h Handle) error {
	return c.runtime.Stop(ctx, h)
}
