package registry

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/shmocker/stoker/pkg/blob"
)

// PushBlob uploads b under digest d unless the registry already has it.
// The sequence is: HEAD short-circuit, then POST to initiate (attempting a
// cross-repository mount from mountFrom when non-empty), then PATCH the
// bytes, then PUT to commit. Returns true when no bytes were transferred
// because the blob existed or mounted.
func (c *Client) PushBlob(ctx context.Context, d digest.Digest, b blob.Blob, mountFrom string) (bool, error) {
	exists, _, err := c.CheckBlob(ctx, d)
	if err != nil {
		return false, err
	}
	if exists {
		c.log.Debugw("blob already present", "digest", d)
		return true, nil
	}

	location, mounted, err := c.initiateUpload(ctx, d, mountFrom)
	if err != nil {
		return false, err
	}
	if mounted {
		c.log.Debugw("mounted blob", "digest", d, "from", mountFrom)
		return true, nil
	}

	commitLocation, err := c.streamBlob(ctx, location, b)
	if err != nil {
		return false, err
	}

	if err := c.commitUpload(ctx, commitLocation, d); err != nil {
		return false, err
	}
	c.log.Debugw("pushed blob", "digest", d)
	return false, nil
}

// initiateUpload POSTs to the upload endpoint. A 201 means a mount
// succeeded and the upload is complete; a 202 hands back the Location to
// PATCH against.
func (c *Client) initiateUpload(ctx context.Context, d digest.Digest, mountFrom string) (string, bool, error) {
	u := c.url("blobs/uploads/")
	if mountFrom != "" {
		query := url.Values{
			"mount": {d.String()},
			"from":  {mountFrom},
		}
		u += "?" + query.Encode()
	}

	resp, err := c.do(ctx, requestSpec{method: http.MethodPost, url: u, retryableBody: true})
	if err != nil {
		return "", false, err
	}
	defer drainAndClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusCreated:
		return "", true, nil
	case http.StatusAccepted:
		location, err := c.uploadLocation(resp)
		if err != nil {
			return "", false, err
		}
		return location, false, nil
	default:
		return "", false, fail(resp, http.MethodPost, u)
	}
}

// streamBlob PATCHes the blob bytes to location. The returned Location
// supersedes the old one for the commit. A transport failure mid-stream is
// retried against the same location only when the blob is retryable.
func (c *Client) streamBlob(ctx context.Context, location string, b blob.Blob) (string, error) {
	var next string
	spec := requestSpec{
		method:        http.MethodPatch,
		url:           location,
		retryableBody: b.Retryable(),
		client:        c.uploads,
		build: func(req *http.Request) error {
			pr, pw := io.Pipe()
			go func() {
				_, err := b.WriteTo(pw)
				pw.CloseWithError(err)
			}()
			req.Body = pr
			req.ContentLength = -1
			req.Header.Set("Content-Type", "application/octet-stream")
			return nil
		},
	}

	resp, err := c.do(ctx, spec)
	if err != nil {
		return "", errors.Wrap(err, "blob upload failed")
	}
	defer drainAndClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusCreated, http.StatusNoContent:
		loc, err := c.uploadLocation(resp)
		if err != nil {
			// Some registries answer the PATCH without a new Location;
			// commit against the one we streamed to.
			return location, nil
		}
		next = loc
		return next, nil
	default:
		return "", fail(resp, http.MethodPatch, location)
	}
}

// commitUpload PUTs the digest against the final upload location with an
// empty body.
func (c *Client) commitUpload(ctx context.Context, location string, d digest.Digest) error {
	u, err := url.Parse(location)
	if err != nil {
		return errors.Wrap(err, "malformed upload location")
	}
	query := u.Query()
	query.Set("digest", d.String())
	u.RawQuery = query.Encode()

	resp, err := c.do(ctx, requestSpec{method: http.MethodPut, url: u.String(), retryableBody: true, client: c.uploads})
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusNoContent, http.StatusOK:
		return nil
	default:
		return fail(resp, http.MethodPut, u.String())
	}
}

// uploadLocation extracts the single Location header an upload response
// must carry.
func (c *Client) uploadLocation(resp *http.Response) (string, error) {
	locations := resp.Header.Values("Location")
	if len(locations) != 1 {
		return "", errors.Errorf("upload response carries %d Location headers, want exactly 1", len(locations))
	}
	return c.resolveLocation(locations[0])
}
