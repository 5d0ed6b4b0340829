package registry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/kernel-hypeman-labs/msbhost/internal/catalog"
	"github.com/kernel-hypeman-labs/msbhost/internal/layerstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsPoolSizeToNumCPU(t *testing.T) {
	dir := t.TempDir()
	layers, err := layerstore.New(filepath.Join(dir, "layers"))
	require.NoError(t, err)
	cat, err := catalog.Open(context.Background(), filepath.Join(dir, "oci.sqlite"))
	require.NoError(t, err)
	defer cat.Close()

	p, err := New(filepath.Join(dir, "blobs"), layers, cat, slog.Default(), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, runtime.NumCPU(), p.poolSize)
}

func TestSanitizeReplacesColon(t *testing.T) {
	assert.Equal(t, "sha256_abcdef", sanitize("sha256:abcdef"))
	assert.Equal(t, "nocolon", sanitize("nocolon"))
}

// fakeLayer is a minimal v1.Layer stand-in for ensureBlob's tests; only
// the methods ensureBlob actually calls are implemented meaningfully.
type fakeLayer struct {
	v1.Layer
	body        []byte
	size        int64
	sizeErr     error
}

func (f *fakeLayer) Compressed() (io.ReadCloser, error) {
	return io.NopCloser(bytesReader(f.body)), nil
}

func (f *fakeLayer) Size() (int64, error) {
	if f.sizeErr != nil {
		return 0, f.sizeErr
	}
	return f.size, nil
}

type bytesReaderType struct {
	data []byte
	pos  int
}

func bytesReader(b []byte) *bytesReaderType { return &bytesReaderType{data: b} }

func (r *bytesReaderType) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

func TestEnsureBlobWritesNewFile(t *testing.T) {
	dir := t.TempDir()
	blobPath := filepath.Join(dir, "layer.tar.gz")
	layer := &fakeLayer{body: []byte("layer-bytes"), size: 11}

	size, sizeUnknown, err := ensureBlob(layer, blobPath)
	require.NoError(t, err)
	assert.Equal(t, int64(11), size)
	assert.False(t, sizeUnknown)

	content, err := os.ReadFile(blobPath)
	require.NoError(t, err)
	assert.Equal(t, "layer-bytes", string(content))
}

func TestEnsureBlobSkipsExistingNonEmptyFile(t *testing.T) {
	dir := t.TempDir()
	blobPath := filepath.Join(dir, "layer.tar.gz")
	require.NoError(t, os.WriteFile(blobPath, []byte("already here"), 0o644))

	layer := &fakeLayer{body: []byte("would overwrite")}
	size, sizeUnknown, err := ensureBlob(layer, blobPath)
	require.NoError(t, err)
	assert.Equal(t, int64(len("already here")), size)
	assert.False(t, sizeUnknown)

	content, err := os.ReadFile(blobPath)
	require.NoError(t, err)
	assert.Equal(t, "already here", string(content))
}

func TestEnsureBlobMarksSizeUnknownWhenUndeclared(t *testing.T) {
	dir := t.TempDir()
	blobPath := filepath.Join(dir, "layer.tar.gz")
	layer := &fakeLayer{body: []byte("data"), size: -1}

	size, sizeUnknown, err := ensureBlob(layer, blobPath)
	require.NoError(t, err)
	assert.Equal(t, int64(4), size)
	assert.True(t, sizeUnknown)
}
