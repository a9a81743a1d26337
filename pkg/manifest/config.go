package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/shmocker/stoker/pkg/blob"
	"github.com/shmocker/stoker/pkg/image"
)

// ContainerConfig is the container configuration blob referenced by a
// manifest. Field order is the canonical key order; marshaling a struct
// keeps the produced JSON byte-for-byte reproducible for equal inputs.
type ContainerConfig struct {
	Architecture string          `json:"architecture"`
	Config       RuntimeConfig   `json:"config"`
	Created      string          `json:"created,omitempty"`
	History      []HistoryEntry  `json:"history,omitempty"`
	OS           string          `json:"os"`
	RootFS       RootFS          `json:"rootfs"`
	Variant      string          `json:"variant,omitempty"`
}

// RuntimeConfig is the execution parameters section.
type RuntimeConfig struct {
	Cmd          []string            `json:"Cmd,omitempty"`
	Entrypoint   []string            `json:"Entrypoint,omitempty"`
	Env          []string            `json:"Env,omitempty"`
	ExposedPorts map[string]struct{} `json:"ExposedPorts,omitempty"`
	Labels       map[string]string   `json:"Labels,omitempty"`
	User         string              `json:"User,omitempty"`
	WorkingDir   string              `json:"WorkingDir,omitempty"`
}

// RootFS lists the diff IDs of the image's layers in order.
type RootFS struct {
	Type    string          `json:"type"`
	DiffIDs []digest.Digest `json:"diff_ids"`
}

// HistoryEntry is one layer's provenance record.
type HistoryEntry struct {
	Created    string `json:"created,omitempty"`
	CreatedBy  string `json:"created_by,omitempty"`
	EmptyLayer bool   `json:"empty_layer,omitempty"`
}

// ConfigFromImage renders the canonical container config JSON for img and
// returns the bytes with their descriptor. rootfs.diff_ids equals the
// image's layer diff IDs in order.
func ConfigFromImage(img *image.Image) ([]byte, blob.Descriptor, error) {
	diffIDs, err := img.Layers().DiffIDs()
	if err != nil {
		return nil, blob.Descriptor{}, errors.Wrap(err, "failed to collect layer diff ids")
	}

	created := ""
	if !img.Created.IsZero() {
		created = img.Created.UTC().Format(time.RFC3339Nano)
	}

	history := make([]HistoryEntry, len(diffIDs))
	for i := range history {
		history[i] = HistoryEntry{Created: created, CreatedBy: "stoker"}
	}

	cfg := ContainerConfig{
		Architecture: img.Architecture,
		Created:      created,
		OS:           img.OS,
		Variant:      img.Variant,
		History:      history,
		RootFS: RootFS{
			Type:    "layers",
			DiffIDs: diffIDs,
		},
		Config: RuntimeConfig{
			Cmd:          img.Cmd,
			Entrypoint:   img.Entrypoint,
			Env:          envList(img.Env),
			ExposedPorts: portMap(img.ExposedPorts),
			Labels:       img.Labels,
			User:         img.User,
			WorkingDir:   img.WorkingDir,
		},
	}

	content, err := canonicalJSON(cfg)
	if err != nil {
		return nil, blob.Descriptor{}, err
	}
	return content, blob.Descriptor{
		Digest: digest.FromBytes(content),
		Size:   int64(len(content)),
	}, nil
}

// FromImage builds the manifest referencing configDesc and the image's
// layers, using Docker or OCI media types according to ociOutput.
func FromImage(img *image.Image, configDesc blob.Descriptor, ociOutput bool) (*Manifest, error) {
	manifestType, configType, layerType := DockerManifestMediaType, DockerConfigMediaType, DockerLayerMediaType
	if ociOutput {
		manifestType, configType, layerType = OCIManifestMediaType, OCIConfigMediaType, OCILayerMediaType
	}

	m := &Manifest{
		SchemaVersion: 2,
		MediaType:     manifestType,
		Config: Descriptor{
			MediaType: configType,
			Size:      configDesc.Size,
			Digest:    configDesc.Digest,
		},
	}
	for _, l := range img.Layers().All() {
		d, err := l.Digest()
		if err != nil {
			return nil, err
		}
		size, err := l.Size()
		if err != nil {
			return nil, err
		}
		m.Layers = append(m.Layers, Descriptor{
			MediaType: layerType,
			Size:      size,
			Digest:    d,
		})
	}
	return m, nil
}

// Marshal renders a manifest as canonical JSON.
func (m *Manifest) Marshal() ([]byte, blob.Descriptor, error) {
	content, err := canonicalJSON(m)
	if err != nil {
		return nil, blob.Descriptor{}, err
	}
	return content, blob.Descriptor{
		Digest: digest.FromBytes(content),
		Size:   int64(len(content)),
	}, nil
}

// ValidateLayerCount checks the manifest's layer list against the config's
// diff IDs.
func ValidateLayerCount(m *Manifest, cfg *ContainerConfig) error {
	if len(m.Layers) != len(cfg.RootFS.DiffIDs) {
		return &LayerCountMismatchError{
			ManifestLayers: len(m.Layers),
			ConfigDiffIDs:  len(cfg.RootFS.DiffIDs),
		}
	}
	return nil
}

// canonicalJSON marshals v with deterministic key order (struct field
// order, sorted maps) and no trailing whitespace.
func canonicalJSON(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, errors.Wrap(err, "failed to marshal canonical json")
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out
}

func portMap(ports *image.PortSet) map[string]struct{} {
	if ports == nil || ports.Len() == 0 {
		return nil
	}
	out := make(map[string]struct{}, ports.Len())
	for _, p := range ports.Sorted() {
		out[p.String()] = struct{}{}
	}
	return out
}
