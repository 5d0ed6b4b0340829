// Package imageref parses and normalizes OCI image references
// (<registry>/<repository>:<tag>), defaulting the registry to a configured
// domain when absent, per spec.md §3's ImageReference data type.
package imageref

import (
	"fmt"
	"strings"

	"github.com/distribution/reference"
)

// Ref is a validated, normalized, immutable OCI image reference. It is
// either tag-qualified (e.g. "docker.io/library/python:3.12") or
// digest-qualified (e.g. "docker.io/library/python@sha256:...").
type Ref struct {
	raw        string
	repository string
	tag        string
	digest     string
	isDigest   bool
}

// Parse validates and normalizes s, defaulting the registry domain to
// defaultDomain when s carries no explicit registry component.
func Parse(s string, defaultDomain string) (*Ref, error) {
	named, err := reference.ParseNormalizedNamed(qualify(s, defaultDomain))
	if err != nil {
		return nil, fmt.Errorf("parse image reference %q: %w", s, err)
	}

	r := &Ref{repository: reference.Domain(named) + "/" + reference.Path(named)}

	if canonical, ok := named.(reference.Canonical); ok {
		r.isDigest = true
		r.digest = canonical.Digest().String()
		r.raw = canonical.String()
		return r, nil
	}

	tagged := reference.TagNameOnly(named)
	if t, ok := tagged.(reference.Tagged); ok {
		r.tag = t.Tag()
	}
	r.raw = tagged.String()
	return r, nil
}

// qualify prefixes s with defaultDomain when s has no registry component of
// its own. reference.ParseNormalizedNamed already defaults bare names to
// docker.io, so this only matters when defaultDomain differs from that.
func qualify(s, defaultDomain string) string {
	if defaultDomain == "" || defaultDomain == "docker.io" {
		return s
	}
	if strings.Contains(s, "/") && hasRegistryComponent(s) {
		return s
	}
	return defaultDomain + "/" + s
}

// hasRegistryComponent reports whether the first path segment of s looks
// like a registry host (contains a dot, a colon, or is "localhost") rather
// than a Docker Hub library/user namespace.
func hasRegistryComponent(s string) bool {
	first := strings.SplitN(s, "/", 2)[0]
	return strings.ContainsAny(first, ".:") || first == "localhost"
}

// String returns the full normalized reference.
func (r *Ref) String() string { return r.raw }

// IsDigest reports whether this reference is digest-qualified.
func (r *Ref) IsDigest() bool { return r.isDigest }

// Digest returns the digest ("sha256:<hex>") if IsDigest, else "".
func (r *Ref) Digest() string { return r.digest }

// Repository returns the repository path without tag or digest.
func (r *Ref) Repository() string { return r.repository }

// Tag returns the tag if this is tag-qualified, else "".
func (r *Ref) Tag() string { return r.tag }

// IsLocalBuild reports whether the repository suggests a locally-built
// image rather than one hosted on the primary remote registry, per
// spec.md §4.2 step 1's classification rule.
func (r *Ref) IsLocalBuild(primaryRegistry string) bool {
	repo := strings.ToLower(r.repository)
	if strings.Contains(repo, "local") || strings.Contains(repo, "localhost") {
		return true
	}
	return primaryRegistry != "" && !strings.HasPrefix(repo, strings.ToLower(primaryRegistry)+"/")
}
