package registry

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"

	"github.com/shmocker/stoker/pkg/manifest"
)

// PullManifest fetches the manifest for a tag or digest reference and
// returns the parsed document with its content digest.
func (c *Client) PullManifest(ctx context.Context, ref string) (*manifest.Parsed, digest.Digest, error) {
	u := c.url("manifests/" + ref)
	spec := requestSpec{
		method:        http.MethodGet,
		url:           u,
		retryableBody: true,
		build: func(req *http.Request) error {
			req.Header.Set("Accept", strings.Join(manifest.AcceptedMediaTypes, ","))
			return nil
		},
	}
	resp, err := c.do(ctx, spec)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fail(resp, http.MethodGet, u)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to read manifest body")
	}

	parsed, err := manifest.Parse(contentType(resp), body)
	if err != nil {
		return nil, "", err
	}
	return parsed, digest.FromBytes(body), nil
}

// ResolveManifest pulls ref and, when it is a manifest list or index,
// follows it to the entry matching platform.
func (c *Client) ResolveManifest(ctx context.Context, ref string, platform ocispec.Platform) (*manifest.Parsed, digest.Digest, error) {
	parsed, d, err := c.PullManifest(ctx, ref)
	if err != nil {
		return nil, "", err
	}
	if parsed.Index == nil {
		return parsed, d, nil
	}

	selected, err := parsed.Index.Select(platform)
	if err != nil {
		return nil, "", err
	}
	c.log.Debugw("resolved manifest list", "reference", ref, "platform digest", selected)

	parsed, d, err = c.PullManifest(ctx, selected.String())
	if err != nil {
		return nil, "", err
	}
	if parsed.Index != nil {
		return nil, "", errors.Errorf("manifest list %s points at another list", ref)
	}
	return parsed, d, nil
}

// CheckManifest issues a HEAD for a manifest reference, returning its
// digest when present and "" when absent.
func (c *Client) CheckManifest(ctx context.Context, ref string) (digest.Digest, error) {
	u := c.url("manifests/" + ref)
	spec := requestSpec{
		method:        http.MethodHead,
		url:           u,
		retryableBody: true,
		build: func(req *http.Request) error {
			req.Header.Set("Accept", strings.Join(manifest.AcceptedMediaTypes, ","))
			return nil
		},
	}
	resp, err := c.do(ctx, spec)
	if err != nil {
		return "", err
	}
	defer drainAndClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return digest.Digest(resp.Header.Get("Docker-Content-Digest")), nil
	case http.StatusNotFound:
		return "", nil
	default:
		return "", fail(resp, http.MethodHead, u)
	}
}

// PushManifest PUTs the manifest under a tag or digest reference and
// returns the manifest's digest.
func (c *Client) PushManifest(ctx context.Context, m *manifest.Manifest, ref string) (digest.Digest, error) {
	content, desc, err := m.Marshal()
	if err != nil {
		return "", err
	}

	u := c.url("manifests/" + ref)
	spec := requestSpec{
		method:        http.MethodPut,
		url:           u,
		retryableBody: true,
		build: func(req *http.Request) error {
			req.Header.Set("Content-Type", m.MediaType)
			req.Body = io.NopCloser(bytes.NewReader(content))
			req.ContentLength = int64(len(content))
			req.GetBody = func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(content)), nil
			}
			return nil
		},
	}
	resp, err := c.do(ctx, spec)
	if err != nil {
		return "", err
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fail(resp, http.MethodPut, u)
	}

	c.log.Infow("pushed manifest", "reference", ref, "digest", desc.Digest)
	return desc.Digest, nil
}

func contentType(resp *http.Response) string {
	ct := resp.Header.Get("Content-Type")
	if idx := strings.Index(ct, ";"); idx >= 0 {
		ct = ct[:idx]
	}
	return strings.TrimSpace(ct)
}
