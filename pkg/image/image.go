// Package image holds the in-memory model of a container image while the
// build pipeline assembles it.
package image

import (
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/shmocker/stoker/pkg/layer"
)

// Image is the mutable build-time representation of a container image. The
// pipeline's driver assembles it; everything else treats it as read-only.
type Image struct {
	layers *Layers

	Architecture string
	OS           string
	Variant      string

	Env          map[string]string
	Entrypoint   []string
	Cmd          []string
	ExposedPorts *PortSet
	Labels       map[string]string
	User         string
	WorkingDir   string
	Created      time.Time
}

// New returns an empty image for the given platform.
func New(os, architecture, variant string) *Image {
	return &Image{
		layers:       NewLayers(),
		OS:           os,
		Architecture: architecture,
		Variant:      variant,
		Env:          map[string]string{},
		Labels:       map[string]string{},
		ExposedPorts: NewPortSet(),
	}
}

// Layers returns the ordered layer set.
func (i *Image) Layers() *Layers { return i.layers }

// AddLayer appends a layer, rejecting duplicates by digest.
func (i *Image) AddLayer(l layer.Layer) error { return i.layers.Add(l) }

// DuplicateLayerError reports an attempt to add a layer whose digest is
// already present in the image.
type DuplicateLayerError struct {
	Digest digest.Digest
}

func (e *DuplicateLayerError) Error() string {
	return fmt.Sprintf("layer %s is already present in the image", e.Digest)
}

// Layers is an append-only ordered set of layers. Order is the container
// filesystem composition order; duplicates by digest are rejected.
type Layers struct {
	layers  []layer.Layer
	digests map[digest.Digest]bool
}

// NewLayers returns an empty layer set.
func NewLayers() *Layers {
	return &Layers{digests: map[digest.Digest]bool{}}
}

// Add appends l. Layers whose digest is not yet known cannot be added.
func (ls *Layers) Add(l layer.Layer) error {
	d, err := l.Digest()
	if err != nil {
		return err
	}
	if ls.digests[d] {
		return &DuplicateLayerError{Digest: d}
	}
	ls.layers = append(ls.layers, l)
	ls.digests[d] = true
	return nil
}

// Len returns the number of layers.
func (ls *Layers) Len() int { return len(ls.layers) }

// All returns the layers in insertion order. The returned slice is a copy.
func (ls *Layers) All() []layer.Layer {
	out := make([]layer.Layer, len(ls.layers))
	copy(out, ls.layers)
	return out
}

// DiffIDs returns every layer's diff ID in order.
func (ls *Layers) DiffIDs() ([]digest.Digest, error) {
	out := make([]digest.Digest, 0, len(ls.layers))
	for _, l := range ls.layers {
		d, err := l.DiffID()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
