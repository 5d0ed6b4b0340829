// Package registry implements the remote half of C3's acquisition path:
// fetching a manifest and its layers from a container registry via
// go-containerregistry, persisting layer blobs to a content-addressed blob
// store, extracting each one through internal/layerstore, and recording
// the result in internal/catalog. Grounded on the concurrent
// errgroup-bounded layer-processing shape of a sibling OCI puller in the
// retrieval pack.
package registry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/kernel-hypeman-labs/msbhost/internal/catalog"
	"github.com/kernel-hypeman-labs/msbhost/internal/errs"
	"github.com/kernel-hypeman-labs/msbhost/internal/layerstore"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Puller pulls images from a remote registry.
type Puller struct {
	blobDir  string
	layers   *layerstore.Store
	catalog  *catalog.Catalog
	log      *slog.Logger
	poolSize int
	tracer   trace.Tracer
}

// New returns a Puller that stages layer blobs under blobDir, extracts
// them via layers, and records results in cat. If poolSize <= 0, it
// defaults to runtime.NumCPU(), per the teacher's pull-concurrency default.
// tracer may be nil, in which case Pull runs untraced.
func New(blobDir string, layers *layerstore.Store, cat *catalog.Catalog, log *slog.Logger, poolSize int, tracer trace.Tracer) (*Puller, error) {
	if err := os.MkdirAll(blobDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
	}
	return &Puller{blobDir: blobDir, layers: layers, catalog: cat, log: log, poolSize: poolSize, tracer: tracer}, nil
}

// Pull fetches ref's manifest and config, downloads+extracts every layer
// not already present, and records the image in the catalog. It is safe
// to call repeatedly: already-extracted layers are skipped by
// internal/layerstore's idempotent Extract, and RecordImage upserts.
func (p *Puller) Pull(ctx context.Context, ref string) (imageID string, err error) {
	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "registry.Pull")
		defer span.End()
	}

	parsed, err := name.ParseReference(ref)
	if err != nil {
		return "", fmt.Errorf("%w: invalid reference %q: %v", errs.ErrImagePullFailed, ref, err)
	}

	img, err := remote.Image(parsed,
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
		remote.WithContext(ctx),
		remote.WithPlatform(v1.Platform{OS: runtime.GOOS, Architecture: runtime.GOARCH}),
	)
	if err != nil {
		return "", fmt.Errorf("%w: fetch manifest for %s: %v", errs.ErrImagePullFailed, ref, err)
	}

	manifestBody, err := img.RawManifest()
	if err != nil {
		return "", fmt.Errorf("%w: read manifest: %v", errs.ErrImagePullFailed, err)
	}
	configBody, err := img.RawConfigFile()
	if err != nil {
		return "", fmt.Errorf("%w: read config: %v", errs.ErrImagePullFailed, err)
	}
	manifestDigest, err := img.Digest()
	if err != nil {
		return "", fmt.Errorf("%w: compute manifest digest: %v", errs.ErrImagePullFailed, err)
	}

	ociLayers, err := img.Layers()
	if err != nil {
		return "", fmt.Errorf("%w: list layers: %v", errs.ErrImagePullFailed, err)
	}
	if len(ociLayers) == 0 {
		return "", fmt.Errorf("%w: image %s has no layers", errs.ErrImagePullFailed, ref)
	}

	catalogLayers := make([]catalog.Layer, len(ociLayers))
	digests := make([]string, len(ociLayers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.poolSize)

	for i, l := range ociLayers {
		idx, layer := i, l
		g.Go(func() error {
			cl, err := p.processLayer(gctx, layer)
			if err != nil {
				return fmt.Errorf("layer %d: %w", idx, err)
			}
			catalogLayers[idx] = cl
			digests[idx] = cl.Digest
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrLayerExtractionFailed, err)
	}

	manifest := catalog.Manifest{
		Digest:       manifestDigest.String(),
		Body:         manifestBody,
		ConfigBody:   configBody,
		LayerDigests: digests,
	}

	imageID, err = p.catalog.RecordImage(ctx, ref, manifest, catalogLayers)
	if err != nil {
		return "", fmt.Errorf("%w: record catalog entry: %v", errs.ErrImagePullFailed, err)
	}
	return imageID, nil
}

// processLayer downloads layer's compressed blob to the blob store (if
// not already cached by digest) and extracts it.
func (p *Puller) processLayer(ctx context.Context, layer v1.Layer) (catalog.Layer, error) {
	digest, err := layer.Digest()
	if err != nil {
		return catalog.Layer{}, fmt.Errorf("read digest: %w", err)
	}
	digestStr := digest.String()

	mediaType, err := layer.MediaType()
	if err != nil {
		return catalog.Layer{}, fmt.Errorf("read media type: %w", err)
	}

	blobPath := filepath.Join(p.blobDir, sanitize(digestStr)+".tar.gz")

	size, sizeUnknown, err := ensureBlob(layer, blobPath)
	if err != nil {
		return catalog.Layer{}, fmt.Errorf("stage blob: %w", err)
	}

	if err := p.layers.Extract(p.log, digestStr, blobPath); err != nil {
		return catalog.Layer{}, fmt.Errorf("extract: %w", err)
	}

	return catalog.Layer{
		Digest:      digestStr,
		MediaType:   string(mediaType),
		SizeBytes:   size,
		SizeUnknown: sizeUnknown,
		BlobPath:    blobPath,
	}, nil
}

// ensureBlob writes layer's compressed contents to blobPath unless a file
// is already there (content-addressed, so an existing file is assumed
// correct). Returns the blob's size, or sizeUnknown=true if the remote
// layer declines to report one.
func ensureBlob(layer v1.Layer, blobPath string) (size int64, sizeUnknown bool, err error) {
	if info, statErr := os.Stat(blobPath); statErr == nil && info.Size() > 0 {
		return info.Size(), false, nil
	}

	rc, err := layer.Compressed()
	if err != nil {
		return 0, false, fmt.Errorf("open compressed layer: %w", err)
	}
	defer rc.Close()

	out, err := os.Create(blobPath)
	if err != nil {
		return 0, false, fmt.Errorf("create blob file: %w", err)
	}
	n, copyErr := io.Copy(out, rc)
	closeErr := out.Close()
	if copyErr != nil {
		return 0, false, fmt.Errorf("write blob: %w", copyErr)
	}
	if closeErr != nil {
		return 0, false, fmt.Errorf("close blob: %w", closeErr)
	}

	declared, sizeErr := layer.Size()
	if sizeErr != nil || declared <= 0 {
		return n, true, nil
	}
	return n, false, nil
}

// sanitize keeps a digest's colon form usable as a filename prefix by
// replacing the colon, since not every filesystem the blob store might
// eventually run on tolerates a literal colon the way the extracted-layer
// xattr-bearing directories (internal/layerstore) do.
func sanitize(digest string) string {
	out := make([]byte, 0, len(digest))
	for i := 0; i < len(digest); i++ {
		if digest[i] == ':' {
			out = append(out, '_')
			continue
		}
		out = append(out, digest[i])
	}
	return string(out)
}
