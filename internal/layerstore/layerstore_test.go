package layerstore

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildLayerBlob writes a minimal gzipped tar containing a directory, a
// regular file inside it, and a symlink to that file.
func buildLayerBlob(t *testing.T, dir string) string {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	entries := []struct {
		hdr  *tar.Header
		body []byte
	}{
		{&tar.Header{Name: "app/", Typeflag: tar.TypeDir, Mode: 0o755}, nil},
		{&tar.Header{Name: "app/main.txt", Typeflag: tar.TypeReg, Mode: 0o644, Size: 5}, []byte("hello")},
		{&tar.Header{Name: "app/link.txt", Typeflag: tar.TypeSymlink, Linkname: "main.txt"}, nil},
	}
	for _, e := range entries {
		require.NoError(t, tw.WriteHeader(e.hdr))
		if e.body != nil {
			_, err := tw.Write(e.body)
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	blobPath := filepath.Join(dir, "layer.tar.gz")
	require.NoError(t, os.WriteFile(blobPath, buf.Bytes(), 0o644))
	return blobPath
}

func TestXattrModeIncludesPOSIXTypeBits(t *testing.T) {
	regular := xattrMode(&tar.Header{Typeflag: tar.TypeReg, Mode: 0o644})
	assert.Equal(t, uint32(0o100644), regular, "regular files must carry S_IFREG, not a bare permission octal")

	dir := xattrMode(&tar.Header{Typeflag: tar.TypeDir, Mode: 0o755})
	assert.Equal(t, uint32(0o040755), dir, "directories must carry real POSIX S_IFDIR (040000), not Go's os.ModeDir bit")

	symlink := xattrMode(&tar.Header{Typeflag: tar.TypeSymlink, Mode: 0o777})
	assert.Equal(t, uint32(0o120777), symlink)

	hardlink := xattrMode(&tar.Header{Typeflag: tar.TypeLink, Mode: 0o644})
	assert.Equal(t, uint32(0o100644), hardlink, "a hardlink entry describes a regular file target")
}

func TestExtractRecordsOverrideStatXattrWithRealTypeBits(t *testing.T) {
	dir := t.TempDir()
	blobPath := buildLayerBlob(t, dir)

	store, err := New(filepath.Join(dir, "layers"))
	require.NoError(t, err)
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	digest := "sha256:xattrcheck"
	require.NoError(t, store.Extract(log, digest, blobPath))

	filePath := filepath.Join(store.ExtractedDir(digest), "app", "main.txt")
	if value, ok := ReadOverrideStat(filePath); ok {
		assert.Equal(t, "0:0:0100644", value, "regular file xattr must encode S_IFREG, not a bare permission octal")
	}

	dirPath := filepath.Join(store.ExtractedDir(digest), "app")
	if value, ok := ReadOverrideStat(dirPath); ok {
		assert.Equal(t, "0:0:040755", value, "directory xattr must encode real POSIX S_IFDIR")
	}
}

func TestExtractUnpacksTree(t *testing.T) {
	dir := t.TempDir()
	blobPath := buildLayerBlob(t, dir)

	store, err := New(filepath.Join(dir, "layers"))
	require.NoError(t, err)

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	digest := "sha256:abc123"

	require.NoError(t, store.Extract(log, digest, blobPath))
	assert.True(t, store.IsExtracted(digest))

	content, err := os.ReadFile(filepath.Join(store.ExtractedDir(digest), "app", "main.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))

	target, err := os.Readlink(filepath.Join(store.ExtractedDir(digest), "app", "link.txt"))
	require.NoError(t, err)
	assert.Equal(t, "main.txt", target)
}

func TestExtractIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	blobPath := buildLayerBlob(t, dir)

	store, err := New(filepath.Join(dir, "layers"))
	require.NoError(t, err)
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	digest := "sha256:idempotent"

	require.NoError(t, store.Extract(log, digest, blobPath))

	// Corrupt the blob path so a second extraction attempt would fail if it
	// actually tried to re-read it; Extract must treat the existing
	// non-empty directory as already-done and skip straight past.
	require.NoError(t, os.WriteFile(blobPath, []byte("not a valid gzip stream"), 0o644))

	assert.NoError(t, store.Extract(log, digest, blobPath))
}

func TestIsExtractedFalseForMissingDigest(t *testing.T) {
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "layers"))
	require.NoError(t, err)
	assert.False(t, store.IsExtracted("sha256:never-extracted"))
}

func TestExtractedDirPreservesColon(t *testing.T) {
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "layers"))
	require.NoError(t, err)

	path := store.ExtractedDir("sha256:deadbeef")
	assert.Contains(t, path, "sha256:deadbeef.extracted")
}
