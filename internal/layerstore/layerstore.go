// Package layerstore implements C1 (the content-addressed directory of
// extracted layer trees) and the §4.3 layer extractor: unpacking a gzipped
// tar blob while preserving the original tar-entry uid/gid/mode in an
// extended attribute, since the on-disk mode must be coerced for the
// extracting process to read the tree back.
package layerstore

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"golang.org/x/sys/unix"
)

// OverrideStatXattr is the extended attribute name recording the original
// tar-entry uid:gid:mode, per spec.md §3.
const OverrideStatXattr = "user.containers.override_stat"

// Store owns <home>/layers/<digest>.extracted/ directories.
type Store struct {
	root string
}

// New returns a Store rooted at dir (created if absent).
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create layer store root: %w", err)
	}
	return &Store{root: dir}, nil
}

// ExtractedDir returns the path of digest's extracted tree, without
// checking for its existence.
func (s *Store) ExtractedDir(digest string) string {
	return filepath.Join(s.root, sanitizeDigest(digest)+".extracted")
}

// IsExtracted reports whether digest's extracted directory exists and is
// non-empty, the presence condition spec.md §4.1/§4.3 defines as
// authoritative regardless of the archive's actual contents.
func (s *Store) IsExtracted(digest string) bool {
	dir := s.ExtractedDir(digest)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	return len(entries) > 0
}

// sanitizeDigest keeps the digest's colon form ("sha256:<hex>") exactly as
// spec.md §3 requires ("file names on disk preserve the colon").
func sanitizeDigest(digest string) string { return digest }

// Extract unpacks the gzipped tar at blobPath into digest's extracted
// directory under this store. It is a no-op if that directory already
// exists and is non-empty (idempotent re-extraction is explicitly allowed
// by spec.md §4.3: "re-entry of an already-extracted layer is a no-op even
// if the new archive differs byte-for-byte").
func (s *Store) Extract(ctx extractCtx, digest, blobPath string) error {
	if s.IsExtracted(digest) {
		return nil
	}

	outDir := s.ExtractedDir(digest)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create extracted dir: %w", err)
	}

	f, err := os.Open(blobPath)
	if err != nil {
		return fmt.Errorf("open layer blob: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	return extractTar(ctx, gz, outDir)
}

// extractCtx is the minimal logging dependency the extractor needs; it is
// satisfied by *slog.Logger directly.
type extractCtx = *slog.Logger

type pendingHardlink struct {
	header *tar.Header
	target string // resolved on-disk path to link as
}

// extractTar walks tr, handling regular files/directories/symlinks in a
// first pass, then hardlinks in a second pass (their targets must already
// exist), per spec.md §4.3.
func extractTar(log *slog.Logger, r io.Reader, outDir string) error {
	tr := tar.NewReader(r)

	var hardlinks []pendingHardlink

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		target, err := securejoin.SecureJoin(outDir, hdr.Name)
		if err != nil {
			return fmt.Errorf("resolve entry path %q: %w", hdr.Name, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := extractDir(hdr, target); err != nil {
				return err
			}
			writeOverrideStat(log, hdr, target)
		case tar.TypeReg, tar.TypeRegA:
			if err := extractRegular(tr, hdr, target); err != nil {
				return err
			}
			writeOverrideStat(log, hdr, target)
		case tar.TypeSymlink:
			if err := extractSymlink(hdr, target); err != nil {
				return err
			}
			// spec.md §4.3: symlinks get no permission coercion and no xattr.
		case tar.TypeLink:
			// Deferred to the second pass: the link target may not exist yet.
			hardlinks = append(hardlinks, pendingHardlink{header: hdr, target: target})
		default:
			log.Debug("skipping unknown tar entry type", "name", hdr.Name, "type", hdr.Typeflag)
		}
	}

	for _, hl := range hardlinks {
		linkTarget, err := securejoin.SecureJoin(outDir, hl.header.Linkname)
		if err != nil {
			log.Warn("hardlink target resolution failed", "name", hl.header.Name, "error", err)
			continue
		}
		if err := os.Link(linkTarget, hl.target); err != nil {
			log.Warn("hardlink creation failed", "name", hl.header.Name, "error", err)
			continue
		}
		// spec.md §4.3: hardlinks get best-effort xattr, warn on failure.
		value := fmt.Sprintf("%d:%d:0%o", hl.header.Uid, hl.header.Gid, xattrMode(hl.header))
		if err := unix.Lsetxattr(hl.target, OverrideStatXattr, []byte(value), 0); err != nil && log != nil {
			log.Warn("hardlink xattr failed, continuing", "name", hl.header.Name, "error", err)
		}
	}

	return nil
}

func extractDir(hdr *tar.Header, target string) error {
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", target, err)
	}
	// Coerce to u+rwx so the extracting process can always read the tree
	// back, per spec.md §4.3, before the xattr recording the real mode.
	if err := os.Chmod(target, permMode(hdr)|0o700); err != nil {
		return fmt.Errorf("chmod dir %s: %w", target, err)
	}
	return nil
}

func extractRegular(tr *tar.Reader, hdr *tar.Header, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("mkdir parent of %s: %w", target, err)
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, tr); err != nil { //nolint:gosec // layer blobs are trusted catalog inputs
		out.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", target, err)
	}
	// Coerce to u+rw so the extracting process can always read the file
	// back, per spec.md §4.3, before the xattr recording the real mode.
	if err := os.Chmod(target, permMode(hdr)|0o600); err != nil {
		return fmt.Errorf("chmod file %s: %w", target, err)
	}
	return nil
}

func extractSymlink(hdr *tar.Header, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("mkdir parent of %s: %w", target, err)
	}
	_ = os.Remove(target) // tolerate re-extraction over an existing symlink
	if err := os.Symlink(hdr.Linkname, target); err != nil {
		return fmt.Errorf("symlink %s -> %s: %w", target, hdr.Linkname, err)
	}
	return nil
}

// permMode returns just the tar header's permission bits, for the
// extracting-process-must-be-able-to-read-it-back chmod coercion of
// spec.md §4.3; the real POSIX type bits belong in the xattr only (see
// xattrMode), not in a Go os.Chmod call.
func permMode(hdr *tar.Header) os.FileMode {
	return os.FileMode(hdr.Mode) & os.ModePerm
}

// xattrMode ORs the tar entry's real POSIX file-type bits (S_IFREG,
// S_IFDIR, ...) with its permission bits, per spec.md §4.3's "compute the
// original mode" rule and the original implementation's get_full_mode
// (microsandbox-core/lib/management/image.rs). Using unix.S_IFxxx here
// instead of Go's os.FileMode bit layout matters: os.ModeDir and friends
// are Go-internal bits that don't correspond to the POSIX mode_t values a
// later stat/mknod consumer of this xattr expects.
func xattrMode(hdr *tar.Header) uint32 {
	var typeBits uint32
	switch hdr.Typeflag {
	case tar.TypeReg, tar.TypeRegA, tar.TypeLink:
		typeBits = unix.S_IFREG
	case tar.TypeDir:
		typeBits = unix.S_IFDIR
	case tar.TypeSymlink:
		typeBits = unix.S_IFLNK
	case tar.TypeBlock:
		typeBits = unix.S_IFBLK
	case tar.TypeChar:
		typeBits = unix.S_IFCHR
	case tar.TypeFifo:
		typeBits = unix.S_IFIFO
	}
	return typeBits | uint32(hdr.Mode)&uint32(os.ModePerm)
}

// writeOverrideStat records uid:gid:0<octal_mode> in the xattr recording
// original tar-entry metadata. Filesystems without xattr support log and
// continue, per spec.md §4.3.
func writeOverrideStat(log *slog.Logger, hdr *tar.Header, target string) {
	value := fmt.Sprintf("%d:%d:0%o", hdr.Uid, hdr.Gid, xattrMode(hdr))
	if err := unix.Lsetxattr(target, OverrideStatXattr, []byte(value), 0); err != nil {
		if log != nil {
			log.Debug("xattr not supported or failed, continuing", "path", target, "error", err)
		}
	}
}

// ReadOverrideStat reads back the xattr written by writeOverrideStat, for
// callers that need to recover original ownership/mode (e.g. a future
// in-guest rootfs materializer). Returns ("", false) if absent or
// unsupported.
func ReadOverrideStat(path string) (string, bool) {
	buf := make([]byte, 128)
	n, err := unix.Lgetxattr(path, OverrideStatXattr, buf)
	if err != nil || n == 0 {
		return "", false
	}
	return strings.TrimRight(string(buf[:n]), "\x00"), true
}
