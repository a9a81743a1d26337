package manifest

import (
	"encoding/json"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// Schema1 is the legacy Docker image manifest. It is parsed for pull
// compatibility only and never written. fsLayers appear newest-first on the
// wire; Layers() returns filesystem composition order.
type Schema1 struct {
	SchemaVersion int              `json:"schemaVersion"`
	Name          string           `json:"name"`
	Tag           string           `json:"tag"`
	Architecture  string           `json:"architecture"`
	FSLayers      []Schema1Layer   `json:"fsLayers"`
	History       []Schema1History `json:"history"`
}

// Schema1Layer is one fsLayers entry.
type Schema1Layer struct {
	BlobSum digest.Digest `json:"blobSum"`
}

// Schema1History is one v1Compatibility entry.
type Schema1History struct {
	V1Compatibility string `json:"v1Compatibility"`
}

func parseSchema1(body []byte) (*Schema1, error) {
	var s Schema1
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, errors.Wrap(err, "failed to decode schema 1 manifest")
	}
	if s.SchemaVersion != 1 {
		return nil, &UnknownFormatError{MediaType: DockerSchema1MediaType}
	}
	return &s, nil
}

// Layers returns the layer digests in filesystem composition order, i.e.
// the reverse of the wire order.
func (s *Schema1) Layers() []digest.Digest {
	out := make([]digest.Digest, 0, len(s.FSLayers))
	for i := len(s.FSLayers) - 1; i >= 0; i-- {
		out = append(out, s.FSLayers[i].BlobSum)
	}
	return out
}
