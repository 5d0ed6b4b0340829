package imagepull

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kernel-hypeman-labs/msbhost/internal/catalog"
	"github.com/kernel-hypeman-labs/msbhost/internal/errs"
	"github.com/kernel-hypeman-labs/msbhost/internal/layerstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	calls int
	err   error
}

func (f *fakeSource) Pull(ctx context.Context, ref string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "img_fake", nil
}

func newTestDeps(t *testing.T) (*catalog.Catalog, *layerstore.Store) {
	t.Helper()
	dir := t.TempDir()
	cat, err := catalog.Open(context.Background(), filepath.Join(dir, "oci.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	layers, err := layerstore.New(filepath.Join(dir, "layers"))
	require.NoError(t, err)
	return cat, layers
}

func TestEnsureImagePullsOnCacheMiss(t *testing.T) {
	cat, layers := newTestDeps(t)
	remote := &fakeSource{}

	a := New(cat, layers, remote, nil)
	err := a.EnsureImage(context.Background(), "docker.io/library/alpine:latest")
	require.NoError(t, err)
	assert.Equal(t, 1, remote.calls)
}

func TestEnsureImageSkipsAlreadyCataloged(t *testing.T) {
	cat, layers := newTestDeps(t)
	ctx := context.Background()
	ref := "docker.io/library/alpine:latest"

	manifest := catalog.Manifest{LayerDigests: []string{"sha256:layer1"}}
	_, err := cat.RecordImage(ctx, ref, manifest, []catalog.Layer{{Digest: "sha256:layer1", SizeBytes: 1, BlobPath: "/blobs/layer1"}})
	require.NoError(t, err)
	markExtracted(t, layers, "sha256:layer1")

	remote := &fakeSource{}
	a := New(cat, layers, remote, nil)

	err = a.EnsureImage(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, 0, remote.calls, "an already-cataloged, fully-extracted image must not trigger a pull")
}

func TestEnsureImageFallsBackToLocalOnRemoteFailure(t *testing.T) {
	cat, layers := newTestDeps(t)
	remote := &fakeSource{err: errors.New("registry unreachable")}
	local := &fakeSource{}

	a := New(cat, layers, remote, local)
	err := a.EnsureImage(context.Background(), "docker.io/library/alpine:latest")
	require.NoError(t, err)
	assert.Equal(t, 1, remote.calls)
	assert.Equal(t, 1, local.calls)
}

func TestEnsureImageFailsWhenBothSourcesFail(t *testing.T) {
	cat, layers := newTestDeps(t)
	remote := &fakeSource{err: errors.New("registry unreachable")}
	local := &fakeSource{err: errors.New("no local daemon")}

	a := New(cat, layers, remote, local)
	err := a.EnsureImage(context.Background(), "docker.io/library/alpine:latest")
	assert.ErrorIs(t, err, errs.ErrImagePullFailed)
}

func TestEnsureImageFailsWithNoRemoteAndNoLocal(t *testing.T) {
	cat, layers := newTestDeps(t)
	a := New(cat, layers, nil, nil)
	err := a.EnsureImage(context.Background(), "docker.io/library/alpine:latest")
	assert.ErrorIs(t, err, errs.ErrImagePullFailed)
}

// markExtracted populates digest's extracted directory directly,
// bypassing Extract's tar/gzip handling, so IsExtracted reports true
// without needing a real layer blob.
func markExtracted(t *testing.T, store *layerstore.Store, digest string) {
	t.Helper()
	dir := store.ExtractedDir(digest)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker"), []byte("x"), 0o644))
}
