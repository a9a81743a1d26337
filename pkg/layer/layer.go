// Package layer models image layers as a tagged set of variants and builds
// reproducible tar layers from local filesystem entries.
package layer

import (
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/shmocker/stoker/pkg/blob"
)

// Kind classifies an application layer for cache-selector purposes.
type Kind string

const (
	KindDependencies Kind = "dependencies"
	KindResources    Kind = "resources"
	KindClasses      Kind = "classes"
	KindExtra        Kind = "extra"
)

// Layer is a blob whose content is a gzipped tar filesystem changeset. The
// concrete variants differ in what they know about themselves: a freshly
// built layer knows only how to produce its bytes, a cached layer is fully
// described, and registry references may lack local bytes or a diff ID.
type Layer interface {
	// Digest returns the SHA-256 of the compressed (gzip) form.
	Digest() (digest.Digest, error)

	// DiffID returns the SHA-256 of the uncompressed tar.
	DiffID() (digest.Digest, error)

	// Size returns the compressed size in bytes.
	Size() (int64, error)

	// Blob returns a producer for the compressed bytes.
	Blob() (blob.Blob, error)
}

// PropertyNotFoundError reports access to a property that a layer's variant
// does not carry.
type PropertyNotFoundError struct {
	Property string
}

func (e *PropertyNotFoundError) Error() string {
	return fmt.Sprintf("layer does not have a %s", e.Property)
}

func propertyNotFound(property string) error {
	return &PropertyNotFoundError{Property: property}
}

// Unwritten is a freshly built layer that has not been cached yet. It knows
// how to produce its uncompressed tar stream but neither digest is known
// until the cache writes it out.
type Unwritten struct {
	uncompressed blob.Blob
}

// NewUnwritten wraps an uncompressed tar producer.
func NewUnwritten(uncompressed blob.Blob) *Unwritten {
	return &Unwritten{uncompressed: uncompressed}
}

// Uncompressed returns the uncompressed tar producer.
func (l *Unwritten) Uncompressed() blob.Blob { return l.uncompressed }

func (l *Unwritten) Digest() (digest.Digest, error) { return "", propertyNotFound("digest") }
func (l *Unwritten) DiffID() (digest.Digest, error) { return "", propertyNotFound("diff id") }
func (l *Unwritten) Size() (int64, error)           { return 0, propertyNotFound("size") }
func (l *Unwritten) Blob() (blob.Blob, error)       { return nil, propertyNotFound("compressed blob") }

// Cached is a fully usable layer backed by a file in the local cache.
type Cached struct {
	descriptor blob.Descriptor
	diffID     digest.Digest
	path       string
}

// NewCached describes a layer whose compressed bytes live at path.
func NewCached(descriptor blob.Descriptor, diffID digest.Digest, path string) *Cached {
	return &Cached{descriptor: descriptor, diffID: diffID, path: path}
}

// Path returns the cache file holding the compressed bytes.
func (l *Cached) Path() string { return l.path }

func (l *Cached) Digest() (digest.Digest, error) { return l.descriptor.Digest, nil }
func (l *Cached) DiffID() (digest.Digest, error) { return l.diffID, nil }
func (l *Cached) Size() (int64, error)           { return l.descriptor.Size, nil }
func (l *Cached) Blob() (blob.Blob, error)       { return blob.FromFile(l.path), nil }

// Reference is a layer known to exist in a remote registry. There are no
// local bytes to produce.
type Reference struct {
	descriptor blob.Descriptor
	diffID     digest.Digest
}

// NewReference describes a known-remote layer.
func NewReference(descriptor blob.Descriptor, diffID digest.Digest) *Reference {
	return &Reference{descriptor: descriptor, diffID: diffID}
}

func (l *Reference) Digest() (digest.Digest, error) { return l.descriptor.Digest, nil }
func (l *Reference) DiffID() (digest.Digest, error) { return l.diffID, nil }
func (l *Reference) Size() (int64, error)           { return l.descriptor.Size, nil }
func (l *Reference) Blob() (blob.Blob, error)       { return nil, propertyNotFound("local blob") }

// ReferenceNoDiffID is a remote layer from a legacy schema 1 manifest, which
// lists layers without diff IDs. The diff ID must be recovered by pulling
// and decompressing the blob.
type ReferenceNoDiffID struct {
	descriptor blob.Descriptor
}

// NewReferenceNoDiffID describes a remote layer with an unknown diff ID.
func NewReferenceNoDiffID(descriptor blob.Descriptor) *ReferenceNoDiffID {
	return &ReferenceNoDiffID{descriptor: descriptor}
}

func (l *ReferenceNoDiffID) Digest() (digest.Digest, error) { return l.descriptor.Digest, nil }
func (l *ReferenceNoDiffID) DiffID() (digest.Digest, error) {
	return "", propertyNotFound("diff id")
}
func (l *ReferenceNoDiffID) Size() (int64, error)     { return l.descriptor.Size, nil }
func (l *ReferenceNoDiffID) Blob() (blob.Blob, error) { return nil, propertyNotFound("local blob") }
