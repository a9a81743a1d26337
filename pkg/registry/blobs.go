package registry

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/shmocker/stoker/pkg/blob"
)

// CheckBlob issues a HEAD for the blob and reports whether it exists,
// together with its size when the registry discloses one.
func (c *Client) CheckBlob(ctx context.Context, d digest.Digest) (bool, int64, error) {
	u := c.url("blobs/" + d.String())
	resp, err := c.do(ctx, requestSpec{method: http.MethodHead, url: u, retryableBody: true})
	if err != nil {
		return false, 0, err
	}
	defer drainAndClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		size := int64(-1)
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			if parsed, err := strconv.ParseInt(cl, 10, 64); err == nil {
				size = parsed
			}
		}
		return true, size, nil
	case http.StatusNotFound:
		return false, 0, nil
	default:
		return false, 0, fail(resp, http.MethodHead, u)
	}
}

// PullBlob streams the blob into w through a hashing sink and verifies
// that the received bytes hash to the requested digest. On a mismatch the
// caller must discard whatever w received.
func (c *Client) PullBlob(ctx context.Context, d digest.Digest, w io.Writer) (blob.Descriptor, error) {
	u := c.url("blobs/" + d.String())
	resp, err := c.do(ctx, requestSpec{method: http.MethodGet, url: u, retryableBody: true})
	if err != nil {
		return blob.Descriptor{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return blob.Descriptor{}, fail(resp, http.MethodGet, u)
	}

	hw := blob.NewHashingWriter(w)
	if _, err := io.Copy(hw, resp.Body); err != nil {
		return blob.Descriptor{}, errors.Wrapf(err, "failed to pull blob %s", d)
	}

	desc := hw.Descriptor()
	if desc.Digest != d {
		return blob.Descriptor{}, &UnexpectedBlobDigestError{Requested: d, Observed: desc.Digest}
	}
	c.log.Debugw("pulled blob", "digest", d, "size", desc.Size)
	return desc, nil
}
