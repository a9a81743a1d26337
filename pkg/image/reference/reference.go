// Package reference parses, normalizes, and renders container image
// references of the form registry/repository:tag@digest.
package reference

import (
	"regexp"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/shmocker/stoker/pkg/blob"
)

// DockerHubRegistry is the canonical Docker Hub registry host.
const DockerHubRegistry = "registry-1.docker.io"

// Scratch is the sentinel repository name for the empty base image.
const Scratch = "scratch"

// DefaultTag is used when neither a tag nor a digest is present.
const DefaultTag = "latest"

var referenceRegexp = regexp.MustCompile(
	`^(?:([a-zA-Z0-9.\-]+(?::\d+)?)/)?` + // registry
		`([a-z0-9]+(?:[._\-/][a-z0-9]+)*)` + // repository
		`(?::([\w][\w.\-]{0,127}))?` + // tag
		`(?:@(sha256:[0-9a-f]{64}))?$`) // digest

// InvalidError reports an image reference the parser rejects.
type InvalidError struct {
	Reference string
	Reason    string
}

func (e *InvalidError) Error() string {
	return "invalid image reference " + e.Reference + ": " + e.Reason
}

// Reference is a parsed, normalized image reference. At least one of Tag or
// Digest is set after parsing, except for the scratch sentinel.
type Reference struct {
	Registry   string
	Repository string
	Tag        string
	Digest     digest.Digest
}

// Parse parses and normalizes s.
//
// Normalization: a leading path segment with no "." or ":" that is not
// "localhost" belongs to the repository and the registry defaults to Docker
// Hub; single-segment Docker Hub repositories get the "library/" prefix;
// with neither tag nor digest the tag defaults to "latest"; the bare token
// "scratch" parses to the scratch sentinel.
func Parse(s string) (Reference, error) {
	if s == Scratch {
		return Reference{Repository: Scratch}, nil
	}

	m := referenceRegexp.FindStringSubmatch(s)
	if m == nil {
		return Reference{}, &InvalidError{Reference: s, Reason: "does not match registry/repository[:tag][@digest]"}
	}
	registry, repository, tag := m[1], m[2], m[3]

	if registry != "" && !strings.ContainsAny(registry, ".:") && registry != "localhost" {
		// Not actually a registry host; fold it back into the repository.
		repository = registry + "/" + repository
		registry = ""
	}
	if registry == "" {
		registry = DockerHubRegistry
	}
	if registry == DockerHubRegistry && !strings.Contains(repository, "/") {
		repository = "library/" + repository
	}

	var dgst digest.Digest
	if m[4] != "" {
		parsed, err := blob.ParseDigest(m[4])
		if err != nil {
			return Reference{}, &InvalidError{Reference: s, Reason: err.Error()}
		}
		dgst = parsed
	}
	if tag == "" && dgst == "" {
		tag = DefaultTag
	}

	return Reference{
		Registry:   registry,
		Repository: repository,
		Tag:        tag,
		Digest:     dgst,
	}, nil
}

// IsScratch reports whether the reference is the scratch sentinel.
func (r Reference) IsScratch() bool {
	return r.Registry == "" && r.Repository == Scratch
}

// UsesDigest reports whether the reference pins a digest.
func (r Reference) UsesDigest() bool { return r.Digest != "" }

// ManifestRef returns the tag or digest to use in manifest URLs, digest
// winning when both are present.
func (r Reference) ManifestRef() string {
	if r.Digest != "" {
		return r.Digest.String()
	}
	return r.Tag
}

// WithDigest returns a copy of r pinned to d.
func (r Reference) WithDigest(d digest.Digest) Reference {
	r.Digest = d
	return r
}

// String renders the canonical form; Parse(r.String()) round-trips.
func (r Reference) String() string {
	if r.IsScratch() {
		return Scratch
	}
	var sb strings.Builder
	sb.WriteString(r.Registry)
	sb.WriteString("/")
	sb.WriteString(r.Repository)
	if r.Tag != "" {
		sb.WriteString(":")
		sb.WriteString(r.Tag)
	}
	if r.Digest != "" {
		sb.WriteString("@")
		sb.WriteString(r.Digest.String())
	}
	return sb.String()
}

// MustParse parses s and panics on error. For tests and constants.
func MustParse(s string) Reference {
	r, err := Parse(s)
	if err != nil {
		panic(errors.Wrap(err, "must parse reference"))
	}
	return r
}
