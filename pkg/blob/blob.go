// Package blob provides content-addressed blob producers and one-pass
// digest streaming for all layer and manifest I/O.
package blob

import (
	"bytes"
	"io"
	"os"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// Descriptor identifies a blob by digest and size. A Size of -1 means the
// size is unknown; that is legal only for upload-time HTTP bodies and never
// for descriptors embedded in manifests.
type Descriptor struct {
	Digest digest.Digest `json:"digest"`
	Size   int64         `json:"size"`
}

// Blob is an abstract byte producer. WriteTo writes the blob's bytes exactly
// once to w and reports the digest and size of what was written. When w is a
// *HashingWriter the returned descriptor equals the writer's observation.
type Blob interface {
	// WriteTo streams the blob into w and returns its descriptor.
	WriteTo(w io.Writer) (Descriptor, error)

	// Retryable reports whether WriteTo may be called more than once.
	// Non-retryable blobs wrap one-shot readers; the HTTP layer consults
	// this bit before re-sending a request body.
	Retryable() bool
}

type emptyBlob struct{}

func (emptyBlob) WriteTo(w io.Writer) (Descriptor, error) {
	return Descriptor{Digest: digest.FromBytes(nil), Size: 0}, nil
}

func (emptyBlob) Retryable() bool { return true }

// Empty returns a blob with no content.
func Empty() Blob {
	return emptyBlob{}
}

type bytesBlob struct {
	content []byte
}

func (b *bytesBlob) WriteTo(w io.Writer) (Descriptor, error) {
	hw := NewHashingWriter(w)
	if _, err := hw.Write(b.content); err != nil {
		return Descriptor{}, errors.Wrap(err, "failed to write blob content")
	}
	return hw.Descriptor(), nil
}

func (b *bytesBlob) Retryable() bool { return true }

// FromBytes returns a blob backed by an in-memory byte slice. In-memory
// blobs are reserved for manifests and container configs; layer content
// must use the streaming constructors.
func FromBytes(content []byte) Blob {
	return &bytesBlob{content: content}
}

type fileBlob struct {
	path string
}

func (b *fileBlob) WriteTo(w io.Writer) (Descriptor, error) {
	f, err := os.Open(b.path)
	if err != nil {
		return Descriptor{}, errors.Wrapf(err, "failed to open blob file %s", b.path)
	}
	defer f.Close()

	hw := NewHashingWriter(w)
	if _, err := io.Copy(hw, f); err != nil {
		return Descriptor{}, errors.Wrapf(err, "failed to stream blob file %s", b.path)
	}
	return hw.Descriptor(), nil
}

func (b *fileBlob) Retryable() bool { return true }

// FromFile returns a blob backed by the file at path. The file is opened
// on every WriteTo, so the blob is retryable.
func FromFile(path string) Blob {
	return &fileBlob{path: path}
}

type writerFuncBlob struct {
	fn        func(io.Writer) error
	retryable bool
}

func (b *writerFuncBlob) WriteTo(w io.Writer) (Descriptor, error) {
	hw := NewHashingWriter(w)
	if err := b.fn(hw); err != nil {
		return Descriptor{}, err
	}
	return hw.Descriptor(), nil
}

func (b *writerFuncBlob) Retryable() bool { return b.retryable }

// FromWriterFunc returns a blob produced by an arbitrary writer callback.
// retryable must be true only if fn is idempotent.
func FromWriterFunc(fn func(io.Writer) error, retryable bool) Blob {
	return &writerFuncBlob{fn: fn, retryable: retryable}
}

type readerBlob struct {
	r io.Reader
}

func (b *readerBlob) WriteTo(w io.Writer) (Descriptor, error) {
	hw := NewHashingWriter(w)
	if _, err := io.Copy(hw, b.r); err != nil {
		return Descriptor{}, errors.Wrap(err, "failed to stream blob reader")
	}
	return hw.Descriptor(), nil
}

func (b *readerBlob) Retryable() bool { return false }

// FromReader returns a one-shot blob draining r. It is not retryable.
func FromReader(r io.Reader) Blob {
	return &readerBlob{r: r}
}

// Reader drains b into memory and returns a reader over its bytes together
// with the blob descriptor. Intended for manifests and configs only.
func Reader(b Blob) (io.Reader, Descriptor, error) {
	var buf bytes.Buffer
	desc, err := b.WriteTo(&buf)
	if err != nil {
		return nil, Descriptor{}, err
	}
	return &buf, desc, nil
}
