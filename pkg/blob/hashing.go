package blob

import (
	"crypto/sha256"
	"hash"
	"io"

	"github.com/opencontainers/go-digest"
)

// HashingWriter forwards writes unchanged to an underlying writer while
// computing a SHA-256 digest and byte count of everything that passed
// through. It is the single choke point through which all blob I/O flows so
// that digest and size are computed in one pass with the transport.
type HashingWriter struct {
	underlying io.Writer
	hasher     hash.Hash
	count      int64
}

// NewHashingWriter wraps underlying. A nil underlying discards the bytes
// and only observes digest and size.
func NewHashingWriter(underlying io.Writer) *HashingWriter {
	if underlying == nil {
		underlying = io.Discard
	}
	return &HashingWriter{
		underlying: underlying,
		hasher:     sha256.New(),
	}
}

func (w *HashingWriter) Write(p []byte) (int, error) {
	n, err := w.underlying.Write(p)
	if n > 0 {
		// Hash exactly what the underlying writer accepted.
		w.hasher.Write(p[:n])
		w.count += int64(n)
	}
	return n, err
}

// Descriptor returns the digest and size observed so far.
func (w *HashingWriter) Descriptor() Descriptor {
	return Descriptor{
		Digest: digest.NewDigestFromBytes(digest.SHA256, w.hasher.Sum(nil)),
		Size:   w.count,
	}
}
