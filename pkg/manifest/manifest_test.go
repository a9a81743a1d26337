package manifest

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/shmocker/stoker/pkg/blob"
	"github.com/shmocker/stoker/pkg/image"
	"github.com/shmocker/stoker/pkg/layer"
)

func testDigest(seed string) digest.Digest {
	return digest.Digest("sha256:" + strings.Repeat(seed, 64))
}

func TestParseDockerManifest(t *testing.T) {
	body := []byte(`{
		"schemaVersion": 2,
		"mediaType": "application/vnd.docker.distribution.manifest.v2+json",
		"config": {"mediaType": "application/vnd.docker.container.image.v1+json", "size": 7023, "digest": "` + testDigest("a").String() + `"},
		"layers": [{"mediaType": "application/vnd.docker.image.rootfs.diff.tar.gzip", "size": 32654, "digest": "` + testDigest("b").String() + `"}]
	}`)

	parsed, err := Parse(DockerManifestMediaType, body)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	m := parsed.Manifest
	if m == nil {
		t.Fatal("expected a manifest")
	}
	if m.Config.Digest != testDigest("a") {
		t.Errorf("config digest = %s", m.Config.Digest)
	}
	if len(m.Layers) != 1 || m.Layers[0].Size != 32654 {
		t.Errorf("layers = %+v", m.Layers)
	}
	if m.IsOCI() {
		t.Error("docker manifest reported as OCI")
	}
}

func TestParseUnknownFormat(t *testing.T) {
	_, err := Parse("application/vnd.example.unknown+json", []byte(`{}`))
	if _, ok := err.(*UnknownFormatError); !ok {
		t.Errorf("expected *UnknownFormatError, got %v", err)
	}
}

func TestParseSniffsIndex(t *testing.T) {
	body := []byte(`{"schemaVersion": 2, "manifests": [{"mediaType": "application/vnd.oci.image.manifest.v1+json", "size": 10, "digest": "` + testDigest("c").String() + `", "platform": {"architecture": "amd64", "os": "linux"}}]}`)

	parsed, err := Parse("", body)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if parsed.Index == nil {
		t.Fatal("expected an index")
	}
}

func TestIndexSelect(t *testing.T) {
	idx := &Index{
		SchemaVersion: 2,
		Manifests: []IndexEntry{
			{Digest: testDigest("1"), Platform: ocispec.Platform{OS: "linux", Architecture: "amd64"}},
			{Digest: testDigest("2"), Platform: ocispec.Platform{OS: "linux", Architecture: "arm64", Variant: "v8"}},
		},
	}

	got, err := idx.Select(ocispec.Platform{OS: "linux", Architecture: "amd64"})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if got != testDigest("1") {
		t.Errorf("selected %s, want %s", got, testDigest("1"))
	}

	got, err = idx.Select(ocispec.Platform{OS: "linux", Architecture: "arm64", Variant: "v8"})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if got != testDigest("2") {
		t.Errorf("selected %s, want %s", got, testDigest("2"))
	}

	if _, err := idx.Select(ocispec.Platform{OS: "windows", Architecture: "amd64"}); err == nil {
		t.Error("expected error for unmatched platform")
	}
}

func TestSchema1LayersReversed(t *testing.T) {
	body := []byte(`{
		"schemaVersion": 1,
		"name": "library/busybox",
		"tag": "latest",
		"fsLayers": [
			{"blobSum": "` + testDigest("3").String() + `"},
			{"blobSum": "` + testDigest("2").String() + `"},
			{"blobSum": "` + testDigest("1").String() + `"}
		],
		"history": []
	}`)

	parsed, err := Parse(DockerSchema1MediaType, body)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	layers := parsed.Schema1.Layers()
	want := []digest.Digest{testDigest("1"), testDigest("2"), testDigest("3")}
	for i := range want {
		if layers[i] != want[i] {
			t.Errorf("layer %d = %s, want %s", i, layers[i], want[i])
		}
	}
}

func buildTestImage(t *testing.T) *image.Image {
	t.Helper()
	img := image.New("linux", "amd64", "")
	img.Entrypoint = []string{"/app/hello"}
	img.Env = map[string]string{"PATH": "/usr/bin", "APP": "hello"}
	img.Created = time.Unix(1700000000, 0)
	ports, err := image.ParsePorts([]string{"8080"})
	if err != nil {
		t.Fatal(err)
	}
	img.ExposedPorts = ports

	for _, seed := range []string{"a", "b"} {
		l := layer.NewReference(
			blob.Descriptor{Digest: testDigest(seed), Size: 100},
			testDigest(strings.ToUpper(seed)),
		)
		if err := img.AddLayer(l); err != nil {
			t.Fatal(err)
		}
	}
	return img
}

func TestConfigFromImageDiffIDOrder(t *testing.T) {
	img := buildTestImage(t)

	content, desc, err := ConfigFromImage(img)
	if err != nil {
		t.Fatalf("ConfigFromImage failed: %v", err)
	}
	if desc.Digest != digest.FromBytes(content) {
		t.Error("descriptor digest does not match content")
	}

	var cfg ContainerConfig
	if err := json.Unmarshal(content, &cfg); err != nil {
		t.Fatalf("produced config is not valid json: %v", err)
	}
	if cfg.RootFS.Type != "layers" {
		t.Errorf("rootfs type = %q", cfg.RootFS.Type)
	}

	diffIDs, _ := img.Layers().DiffIDs()
	if len(cfg.RootFS.DiffIDs) != len(diffIDs) {
		t.Fatalf("diff id count = %d, want %d", len(cfg.RootFS.DiffIDs), len(diffIDs))
	}
	for i := range diffIDs {
		if cfg.RootFS.DiffIDs[i] != diffIDs[i] {
			t.Errorf("diff id %d = %s, want %s", i, cfg.RootFS.DiffIDs[i], diffIDs[i])
		}
	}

	if len(cfg.Config.Env) != 2 || cfg.Config.Env[0] != "APP=hello" {
		t.Errorf("env not sorted: %v", cfg.Config.Env)
	}
	if _, ok := cfg.Config.ExposedPorts["8080/tcp"]; !ok {
		t.Errorf("exposed ports = %v", cfg.Config.ExposedPorts)
	}
}

func TestConfigFromImageReproducible(t *testing.T) {
	first, _, err := ConfigFromImage(buildTestImage(t))
	if err != nil {
		t.Fatal(err)
	}
	second, _, err := ConfigFromImage(buildTestImage(t))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Error("equal inputs produced different config bytes")
	}
	if bytes.HasSuffix(first, []byte("\n")) {
		t.Error("config json carries trailing whitespace")
	}
}

func TestFromImage(t *testing.T) {
	img := buildTestImage(t)
	_, configDesc, err := ConfigFromImage(img)
	if err != nil {
		t.Fatal(err)
	}

	m, err := FromImage(img, configDesc, false)
	if err != nil {
		t.Fatalf("FromImage failed: %v", err)
	}
	if m.MediaType != DockerManifestMediaType {
		t.Errorf("media type = %q", m.MediaType)
	}
	if m.Config.MediaType != DockerConfigMediaType {
		t.Errorf("config media type = %q", m.Config.MediaType)
	}
	if len(m.Layers) != 2 {
		t.Fatalf("layer count = %d", len(m.Layers))
	}
	if m.Layers[0].Digest != testDigest("a") {
		t.Errorf("layer 0 digest = %s", m.Layers[0].Digest)
	}

	oci, err := FromImage(img, configDesc, true)
	if err != nil {
		t.Fatal(err)
	}
	if oci.MediaType != OCIManifestMediaType || oci.Layers[0].MediaType != OCILayerMediaType {
		t.Error("oci media types not applied")
	}
}

func TestValidateLayerCount(t *testing.T) {
	m := &Manifest{Layers: []Descriptor{{}, {}}}
	cfg := &ContainerConfig{RootFS: RootFS{DiffIDs: []digest.Digest{testDigest("a")}}}

	err := ValidateLayerCount(m, cfg)
	if _, ok := err.(*LayerCountMismatchError); !ok {
		t.Errorf("expected *LayerCountMismatchError, got %v", err)
	}

	cfg.RootFS.DiffIDs = append(cfg.RootFS.DiffIDs, testDigest("b"))
	if err := ValidateLayerCount(m, cfg); err != nil {
		t.Errorf("matching counts should validate: %v", err)
	}
}
