// Package manifest translates between the in-memory image model and the
// on-wire manifest schemas: Docker schema 2, OCI image manifest, manifest
// lists and indexes, and legacy schema 1 (read only).
package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/containerd/containerd/platforms"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
)

// Media types understood on the wire. OCI equivalents come from the
// image-spec module.
const (
	DockerManifestMediaType     = "application/vnd.docker.distribution.manifest.v2+json"
	DockerManifestListMediaType = "application/vnd.docker.distribution.manifest.list.v2+json"
	DockerSchema1MediaType      = "application/vnd.docker.distribution.manifest.v1+json"
	DockerSchema1SignedType     = "application/vnd.docker.distribution.manifest.v1+prettyjws"
	DockerConfigMediaType       = "application/vnd.docker.container.image.v1+json"
	DockerLayerMediaType        = "application/vnd.docker.image.rootfs.diff.tar.gzip"

	OCIManifestMediaType = ocispec.MediaTypeImageManifest
	OCIIndexMediaType    = ocispec.MediaTypeImageIndex
	OCIConfigMediaType   = ocispec.MediaTypeImageConfig
	OCILayerMediaType    = ocispec.MediaTypeImageLayerGzip
)

// AcceptedMediaTypes is the Accept list for manifest pulls.
var AcceptedMediaTypes = []string{
	DockerManifestMediaType,
	DockerManifestListMediaType,
	OCIManifestMediaType,
	OCIIndexMediaType,
	DockerSchema1MediaType,
	DockerSchema1SignedType,
}

// UnknownFormatError reports a manifest whose schema is unrecognized.
type UnknownFormatError struct {
	MediaType string
}

func (e *UnknownFormatError) Error() string {
	return fmt.Sprintf("unknown manifest format %q", e.MediaType)
}

// LayerCountMismatchError reports a container config whose diff ID list
// disagrees with the manifest's layer list.
type LayerCountMismatchError struct {
	ManifestLayers int
	ConfigDiffIDs  int
}

func (e *LayerCountMismatchError) Error() string {
	return fmt.Sprintf("manifest lists %d layers but container config carries %d diff ids", e.ManifestLayers, e.ConfigDiffIDs)
}

// Descriptor references a blob from a manifest.
type Descriptor struct {
	MediaType string        `json:"mediaType"`
	Size      int64         `json:"size"`
	Digest    digest.Digest `json:"digest"`
}

// Manifest is the shared shape of Docker schema 2 and OCI image manifests.
// MediaType distinguishes the two.
type Manifest struct {
	SchemaVersion int          `json:"schemaVersion"`
	MediaType     string       `json:"mediaType,omitempty"`
	Config        Descriptor   `json:"config"`
	Layers        []Descriptor `json:"layers"`
}

// IsOCI reports whether the manifest uses OCI media types.
func (m *Manifest) IsOCI() bool { return m.MediaType == OCIManifestMediaType }

// IndexEntry is one platform's manifest in a list or index.
type IndexEntry struct {
	MediaType string           `json:"mediaType"`
	Size      int64            `json:"size"`
	Digest    digest.Digest    `json:"digest"`
	Platform  ocispec.Platform `json:"platform,omitempty"`
}

// Index is a Docker manifest list or OCI image index. Read only: the
// builder never publishes multi-platform images.
type Index struct {
	SchemaVersion int          `json:"schemaVersion"`
	MediaType     string       `json:"mediaType,omitempty"`
	Manifests     []IndexEntry `json:"manifests"`
}

// Select returns the digest of the first entry matching platform.
func (i *Index) Select(platform ocispec.Platform) (digest.Digest, error) {
	matcher := platforms.NewMatcher(platforms.Normalize(platform))
	for _, entry := range i.Manifests {
		if matcher.Match(platforms.Normalize(entry.Platform)) {
			return entry.Digest, nil
		}
	}
	return "", errors.Errorf("no manifest for platform %s", platforms.Format(platform))
}

// Parsed is the tagged result of parsing a manifest body: exactly one of
// the fields is set.
type Parsed struct {
	Manifest *Manifest
	Index    *Index
	Schema1  *Schema1
}

// Parse decodes body according to mediaType. An empty media type falls back
// to sniffing the document shape.
func Parse(mediaType string, body []byte) (*Parsed, error) {
	switch mediaType {
	case DockerManifestMediaType, OCIManifestMediaType:
		var m Manifest
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, errors.Wrap(err, "failed to decode manifest")
		}
		if m.MediaType == "" {
			m.MediaType = mediaType
		}
		return &Parsed{Manifest: &m}, nil

	case DockerManifestListMediaType, OCIIndexMediaType:
		var i Index
		if err := json.Unmarshal(body, &i); err != nil {
			return nil, errors.Wrap(err, "failed to decode manifest list")
		}
		return &Parsed{Index: &i}, nil

	case DockerSchema1MediaType, DockerSchema1SignedType:
		s, err := parseSchema1(body)
		if err != nil {
			return nil, err
		}
		return &Parsed{Schema1: s}, nil

	case "":
		return sniff(body)

	default:
		return nil, &UnknownFormatError{MediaType: mediaType}
	}
}

// sniff decides the schema from the document itself, for registries that
// omit the Content-Type header.
func sniff(body []byte) (*Parsed, error) {
	var probe struct {
		SchemaVersion int    `json:"schemaVersion"`
		MediaType     string `json:"mediaType"`
		Manifests     []json.RawMessage
		FSLayers      []json.RawMessage `json:"fsLayers"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, errors.Wrap(err, "failed to decode manifest")
	}

	switch {
	case probe.MediaType != "":
		return Parse(probe.MediaType, body)
	case probe.SchemaVersion == 1 || len(probe.FSLayers) > 0:
		return Parse(DockerSchema1MediaType, body)
	case len(probe.Manifests) > 0:
		return Parse(OCIIndexMediaType, body)
	case probe.SchemaVersion == 2:
		return Parse(OCIManifestMediaType, body)
	}
	return nil, &UnknownFormatError{MediaType: ""}
}
