// Package tarball writes a built image as a docker-load compatible tar:
// manifest.json, the container config, and one gzipped tar per layer.
package tarball

import (
	"archive/tar"
	"encoding/json"
	"io"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/shmocker/stoker/pkg/image"
	"github.com/shmocker/stoker/pkg/image/reference"
	"github.com/shmocker/stoker/pkg/manifest"
)

// manifestItem is the single entry of manifest.json.
type manifestItem struct {
	Config   string
	RepoTags []string
	Layers   []string
}

// Write emits img to w and returns the container config digest. Every
// layer must have local bytes; reference layers cannot be exported.
func Write(img *image.Image, ref reference.Reference, w io.Writer) (digest.Digest, error) {
	tw := tar.NewWriter(w)

	configContent, configDesc, err := manifest.ConfigFromImage(img)
	if err != nil {
		return "", err
	}
	configPath := configDesc.Digest.Encoded() + ".json"
	if err := sendBytes(tw, configPath, configContent); err != nil {
		return "", err
	}

	var layerPaths []string
	for _, l := range img.Layers().All() {
		d, err := l.Digest()
		if err != nil {
			return "", err
		}
		size, err := l.Size()
		if err != nil {
			return "", err
		}
		b, err := l.Blob()
		if err != nil {
			return "", errors.Wrapf(err, "layer %s has no local bytes to export", d)
		}

		layerPath := d.Encoded() + ".tar.gz"
		layerPaths = append(layerPaths, layerPath)

		hdr := &tar.Header{
			Name:    layerPath,
			Mode:    0o644,
			Size:    size,
			ModTime: time.Unix(0, 0),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return "", errors.Wrap(err, "failed to write layer header")
		}
		desc, err := b.WriteTo(tw)
		if err != nil {
			return "", errors.Wrapf(err, "failed to stream layer %s", d)
		}
		if desc.Digest != d {
			return "", errors.Errorf("layer bytes hash to %s, expected %s", desc.Digest, d)
		}
	}

	item := manifestItem{
		Config: configPath,
		Layers: layerPaths,
	}
	if !ref.IsScratch() && ref.Repository != "" && ref.Tag != "" {
		item.RepoTags = []string{ref.Registry + "/" + ref.Repository + ":" + ref.Tag}
	}
	manifestContent, err := json.Marshal([]manifestItem{item})
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal tarball manifest")
	}
	if err := sendBytes(tw, "manifest.json", manifestContent); err != nil {
		return "", err
	}

	if err := tw.Close(); err != nil {
		return "", errors.Wrap(err, "failed to finish tarball")
	}
	return configDesc.Digest, nil
}

func sendBytes(tw *tar.Writer, path string, content []byte) error {
	hdr := &tar.Header{
		Name:    path,
		Mode:    0o644,
		Size:    int64(len(content)),
		ModTime: time.Unix(0, 0),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return errors.Wrapf(err, "failed to write %s header", path)
	}
	if _, err := tw.Write(content); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}
