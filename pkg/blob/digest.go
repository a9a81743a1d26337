package blob

import (
	"regexp"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

var hexRegexp = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ParseDigest parses a canonical "sha256:<64 lowercase hex>" digest string.
// Algorithms other than sha256, wrong-length hashes, and uppercase hex are
// rejected.
func ParseDigest(s string) (digest.Digest, error) {
	d, err := digest.Parse(s)
	if err != nil {
		return "", errors.Wrapf(err, "invalid digest %q", s)
	}
	if d.Algorithm() != digest.SHA256 {
		return "", errors.Errorf("invalid digest %q: unsupported algorithm %s", s, d.Algorithm())
	}
	if !hexRegexp.MatchString(d.Encoded()) {
		return "", errors.Errorf("invalid digest %q: malformed sha256 hash", s)
	}
	return d, nil
}

// ParseHash parses a bare 64-hex hash into a sha256 digest.
func ParseHash(hash string) (digest.Digest, error) {
	if !hexRegexp.MatchString(hash) {
		return "", errors.Errorf("invalid sha256 hash %q", hash)
	}
	return digest.NewDigestFromEncoded(digest.SHA256, hash), nil
}
