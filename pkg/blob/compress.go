package blob

import (
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// Compressed is the result of gzipping a blob: the descriptor of the
// compressed stream and the diff ID (digest of the uncompressed bytes),
// both computed in a single pass.
type Compressed struct {
	Descriptor Descriptor
	DiffID     Descriptor
}

// Compress gzips uncompressed into w, teeing through two hashing writers so
// that one pass over the input yields both the compressed digest and the
// uncompressed diff ID.
func Compress(uncompressed Blob, w io.Writer) (Compressed, error) {
	outer := NewHashingWriter(w)
	gz := gzip.NewWriter(outer)

	inner := NewHashingWriter(gz)
	diffID, err := uncompressed.WriteTo(inner)
	if err != nil {
		return Compressed{}, errors.Wrap(err, "failed to stream uncompressed blob")
	}
	if err := gz.Close(); err != nil {
		return Compressed{}, errors.Wrap(err, "failed to finish gzip stream")
	}

	return Compressed{
		Descriptor: outer.Descriptor(),
		DiffID:     diffID,
	}, nil
}

// Decompress gunzips compressed from r and returns the descriptor of the
// decompressed stream. Used to recover diff IDs for layers pulled from
// legacy manifests that do not carry them.
func Decompress(r io.Reader, w io.Writer) (Descriptor, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return Descriptor{}, errors.Wrap(err, "failed to open gzip stream")
	}
	defer gz.Close()

	hw := NewHashingWriter(w)
	if _, err := io.Copy(hw, gz); err != nil {
		return Descriptor{}, errors.Wrap(err, "failed to decompress blob")
	}
	return hw.Descriptor(), nil
}
