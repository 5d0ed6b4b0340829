// Package catalog implements C2, the small relational store mapping image
// references to manifests, configs, and ordered layer digests, per
// spec.md §3/§4.1. It is backed by oci.sqlite via the pure-Go
// modernc.org/sqlite driver.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// Layer is one row of the layer table, plus its ordinal position within a
// manifest when returned from LookupLayers against a specific image.
type Layer struct {
	Digest    string
	MediaType string
	// SizeBytes is the reported blob size. SizeUnknown distinguishes a
	// genuinely empty (0-byte) descriptor from one whose size the acquirer
	// could not determine (spec.md §9's Docker-save zero-size note).
	SizeBytes   int64
	SizeUnknown bool
	BlobPath    string
}

// Manifest is the ordered list of layer digests plus a config digest that
// describes an image at a given reference.
type Manifest struct {
	Digest       string // manifest digest, may be empty for synthesized local-daemon manifests
	Body         []byte
	ConfigBody   []byte
	LayerDigests []string // in manifest order
}

// Stats aggregates catalog-wide counts for diagnostics (§5 of SPEC_FULL.md).
type Stats struct {
	ImageCount int
	// TotalBytes sums each image's recorded total size. spec.md §9 treats a
	// zero-size descriptor from the Docker-save path as "unknown", not
	// "empty"; RecordImage stores a total of 0 for any image with such a
	// layer, so that image's layers add nothing here, known sizes included.
	TotalBytes int64
}

// Catalog is the image catalog (C2).
type Catalog struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite catalog at path and ensures
// its schema exists.
func Open(ctx context.Context, path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	// The catalog is single-writer under a transaction per spec.md §5;
	// serialize writers at the driver level too.
	db.SetMaxOpenConns(1)

	c := &Catalog{db: db}
	if err := c.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate catalog: %w", err)
	}
	return c, nil
}

// Close releases the underlying database handle.
func (c *Catalog) Close() error { return c.db.Close() }

func (c *Catalog) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS image (
	id TEXT PRIMARY KEY,
	ref TEXT NOT NULL UNIQUE,
	total_size INTEGER NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS manifest (
	id TEXT PRIMARY KEY,
	image_id TEXT NOT NULL REFERENCES image(id) ON DELETE CASCADE,
	digest TEXT,
	body BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS config (
	id TEXT PRIMARY KEY,
	manifest_id TEXT NOT NULL REFERENCES manifest(id) ON DELETE CASCADE,
	body BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS layer (
	id TEXT PRIMARY KEY,
	media_type TEXT NOT NULL,
	digest TEXT NOT NULL UNIQUE,
	size INTEGER NOT NULL,
	size_unknown INTEGER NOT NULL DEFAULT 0,
	blob_path TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS manifest_layer (
	manifest_id TEXT NOT NULL REFERENCES manifest(id) ON DELETE CASCADE,
	layer_id TEXT NOT NULL REFERENCES layer(id),
	ordinal INTEGER NOT NULL,
	PRIMARY KEY (manifest_id, ordinal)
);
`
	_, err := c.db.ExecContext(ctx, schema)
	return err
}

// IsImagePresent reports whether ref has a catalog row, rows for every
// layer digest on its manifest, AND each is backed by a non-empty
// extracted directory, per spec.md §4.1's presence check. extractedCheck
// is supplied by the caller (internal/layerstore owns the filesystem
// check) so this package has no direct filesystem dependency.
func (c *Catalog) IsImagePresent(ctx context.Context, ref string, extractedCheck func(digest string) bool) (bool, error) {
	digests, err := c.ListLayerDigests(ctx, ref)
	if err != nil {
		if err == ErrNotFound {
			return false, nil
		}
		return false, err
	}
	if len(digests) == 0 {
		return false, nil
	}
	for _, d := range digests {
		if !extractedCheck(d) {
			return false, nil
		}
	}
	return true, nil
}

// ErrNotFound indicates no catalog row exists for the requested reference.
var ErrNotFound = fmt.Errorf("image not found in catalog")

// RecordImage writes an image row, a manifest row, a config row, one layer
// row per digest (upserted by digest, since layers are content-addressed
// and shared across images), and the manifest<->layer join rows in
// manifest order, all in a single transaction (spec.md §5: "single-writer
// under a transaction per record_image call").
func (c *Catalog) RecordImage(ctx context.Context, ref string, manifest Manifest, layers []Layer) (imageID string, err error) {
	if len(manifest.LayerDigests) != len(layers) {
		return "", fmt.Errorf("manifest lists %d layers but %d layer rows supplied", len(manifest.LayerDigests), len(layers))
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	imageID = newID("img")
	manifestID := newID("man")
	configID := newID("cfg")

	var totalSize int64
	var anyUnknown bool
	for _, l := range layers {
		if l.SizeUnknown {
			anyUnknown = true
			continue
		}
		totalSize += l.SizeBytes
	}
	// spec.md §9: a manifest built with zero-size descriptors (Docker-save
	// path) reports an unknown total, not zero.
	if anyUnknown {
		totalSize = 0
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO image (id, ref, total_size, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(ref) DO UPDATE SET total_size = excluded.total_size`,
		imageID, ref, totalSize, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return "", fmt.Errorf("insert image: %w", err)
	}
	// Re-fetch in case of conflict-driven reuse of an existing image id.
	if err := tx.QueryRowContext(ctx, `SELECT id FROM image WHERE ref = ?`, ref).Scan(&imageID); err != nil {
		return "", fmt.Errorf("lookup image id: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO manifest (id, image_id, digest, body) VALUES (?, ?, ?, ?)`,
		manifestID, imageID, nullableString(manifest.Digest), manifest.Body); err != nil {
		return "", fmt.Errorf("insert manifest: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO config (id, manifest_id, body) VALUES (?, ?, ?)`,
		configID, manifestID, manifest.ConfigBody); err != nil {
		return "", fmt.Errorf("insert config: %w", err)
	}

	for i, l := range layers {
		layerID, err := upsertLayer(ctx, tx, l)
		if err != nil {
			return "", fmt.Errorf("upsert layer %s: %w", l.Digest, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO manifest_layer (manifest_id, layer_id, ordinal) VALUES (?, ?, ?)`,
			manifestID, layerID, i); err != nil {
			return "", fmt.Errorf("insert manifest_layer: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return imageID, nil
}

func upsertLayer(ctx context.Context, tx *sql.Tx, l Layer) (string, error) {
	var existingID string
	err := tx.QueryRowContext(ctx, `SELECT id FROM layer WHERE digest = ?`, l.Digest).Scan(&existingID)
	switch {
	case err == nil:
		return existingID, nil
	case err != sql.ErrNoRows:
		return "", err
	}

	id := newID("lyr")
	sizeUnknown := 0
	if l.SizeUnknown {
		sizeUnknown = 1
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO layer (id, media_type, digest, size, size_unknown, blob_path) VALUES (?, ?, ?, ?, ?, ?)`,
		id, l.MediaType, l.Digest, l.SizeBytes, sizeUnknown, l.BlobPath)
	if err != nil {
		return "", err
	}
	return id, nil
}

// ListLayerDigests returns the layer digests of ref's manifest in order.
// Returns ErrNotFound if ref has no catalog row.
func (c *Catalog) ListLayerDigests(ctx context.Context, ref string) ([]string, error) {
	var imageID string
	if err := c.db.QueryRowContext(ctx, `SELECT id FROM image WHERE ref = ?`, ref).Scan(&imageID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup image: %w", err)
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT l.digest FROM manifest_layer ml
		JOIN layer l ON l.id = ml.layer_id
		JOIN manifest m ON m.id = ml.manifest_id
		WHERE m.image_id = ?
		ORDER BY ml.ordinal ASC`, imageID)
	if err != nil {
		return nil, fmt.Errorf("query layer digests: %w", err)
	}
	defer rows.Close()

	var digests []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		digests = append(digests, d)
	}
	return digests, rows.Err()
}

// LookupLayers returns the layer rows for the given digests, skipping any
// digest with no catalog row (the caller treats a short result as an
// incomplete catalog).
func (c *Catalog) LookupLayers(ctx context.Context, digests []string) ([]Layer, error) {
	out := make([]Layer, 0, len(digests))
	for _, d := range digests {
		var l Layer
		var sizeUnknown int
		err := c.db.QueryRowContext(ctx,
			`SELECT media_type, digest, size, size_unknown, blob_path FROM layer WHERE digest = ?`, d,
		).Scan(&l.MediaType, &l.Digest, &l.SizeBytes, &sizeUnknown, &l.BlobPath)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lookup layer %s: %w", d, err)
		}
		l.SizeUnknown = sizeUnknown != 0
		out = append(out, l)
	}
	return out, nil
}

// Stats aggregates image count and total known bytes across the catalog.
func (c *Catalog) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM image`).Scan(&stats.ImageCount); err != nil {
		return Stats{}, fmt.Errorf("count images: %w", err)
	}
	if err := c.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(total_size), 0) FROM image`).Scan(&stats.TotalBytes); err != nil {
		return Stats{}, fmt.Errorf("sum image sizes: %w", err)
	}
	return stats, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// newID mints an opaque, prefixed catalog row id. A tiny, dependency-free
// generator is sufficient here since row ids never leave the catalog;
// session ids (which do cross package boundaries) use cuid2
// instead (see internal/session).
func newID(prefix string) string {
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), idCounter.next())
}

var idCounter counter

type counter struct {
	mu sync.Mutex
	n  uint64
}

func (c *counter) next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}
