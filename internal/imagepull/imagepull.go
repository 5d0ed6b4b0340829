// Package imagepull ties the image catalog to the two acquisition paths
// (internal/registry's remote pull, internal/localdaemon's local-daemon
// export) behind a single on-demand "make sure this image is ready"
// call, so a session creation that references an uncached template image
// triggers a real pull instead of failing outright.
package imagepull

import (
	"context"
	"errors"
	"fmt"

	"github.com/kernel-hypeman-labs/msbhost/internal/catalog"
	"github.com/kernel-hypeman-labs/msbhost/internal/errs"
	"github.com/kernel-hypeman-labs/msbhost/internal/layerstore"
)

// Source pulls ref and records it in the catalog, returning its image id.
// Both internal/registry.Puller and internal/localdaemon.Exporter satisfy
// this structurally.
type Source interface {
	Pull(ctx context.Context, ref string) (imageID string, err error)
}

// Acquirer resolves an image reference to a ready, extracted set of layers,
// pulling it through remote first and falling back to local only if remote
// fails. The reference itself is not inspected: a locally-built image name
// (e.g. one under localhost) also goes to remote first.
type Acquirer struct {
	catalog *catalog.Catalog
	layers  *layerstore.Store
	remote  Source
	local   Source // nil when no local container daemon is available
}

// New builds an Acquirer. local may be nil.
func New(cat *catalog.Catalog, layers *layerstore.Store, remote, local Source) *Acquirer {
	return &Acquirer{catalog: cat, layers: layers, remote: remote, local: local}
}

// EnsureImage is a no-op if ref is already cataloged with every layer
// extracted; otherwise it pulls ref via remote, falling back to local, and
// returns errs.ErrImagePullFailed only once both paths have failed.
func (a *Acquirer) EnsureImage(ctx context.Context, ref string) error {
	present, err := a.catalog.IsImagePresent(ctx, ref, a.layers.IsExtracted)
	if err != nil {
		return fmt.Errorf("check image catalog: %w", err)
	}
	if present {
		return nil
	}

	remoteErr := errors.New("no remote source configured")
	if a.remote != nil {
		if _, remoteErr = a.remote.Pull(ctx, ref); remoteErr == nil {
			return nil
		}
	}

	if a.local != nil {
		_, localErr := a.local.Pull(ctx, ref)
		if localErr == nil {
			return nil
		}
		return fmt.Errorf("%w: remote: %v, local: %v", errs.ErrImagePullFailed, remoteErr, localErr)
	}

	return fmt.Errorf("%w: %v", errs.ErrImagePullFailed, remoteErr)
}
