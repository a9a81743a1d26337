package builder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"github.com/shmocker/stoker/pkg/blob"
	"github.com/shmocker/stoker/pkg/cache"
	"github.com/shmocker/stoker/pkg/image/reference"
	"github.com/shmocker/stoker/pkg/layer"
	"github.com/shmocker/stoker/pkg/manifest"
)

// fakeRegistry is an in-memory distribution server good enough for the
// pipeline: blobs, manifests, and the chunked upload handshake.
type fakeRegistry struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	manifests map[string]storedManifest
	uploads   map[string]*bytes.Buffer
	nextID    atomic.Int64
	patches   atomic.Int32
}

type storedManifest struct {
	mediaType string
	content   []byte
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		blobs:     map[string][]byte{},
		manifests: map[string]storedManifest{},
		uploads:   map[string]*bytes.Buffer{},
	}
}

func (f *fakeRegistry) putBlob(content []byte) digest.Digest {
	d := digest.FromBytes(content)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[d.String()] = content
	return d
}

func (f *fakeRegistry) putManifest(repo, ref, mediaType string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manifests[repo+"/"+ref] = storedManifest{mediaType: mediaType, content: content}
}

func (f *fakeRegistry) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		switch {
		case path == "/v2/" || path == "/v2":
			w.WriteHeader(http.StatusOK)

		case strings.Contains(path, "/blobs/uploads/"):
			f.handleUpload(w, r)

		case strings.Contains(path, "/blobs/"):
			d := path[strings.LastIndex(path, "/")+1:]
			f.mu.Lock()
			content, ok := f.blobs[d]
			f.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Length", fmt.Sprint(len(content)))
			if r.Method == http.MethodGet {
				w.Write(content)
			}

		case strings.Contains(path, "/manifests/"):
			idx := strings.Index(path, "/manifests/")
			repo := strings.TrimPrefix(path[:idx], "/v2/")
			ref := path[idx+len("/manifests/"):]
			switch r.Method {
			case http.MethodGet, http.MethodHead:
				f.mu.Lock()
				m, ok := f.manifests[repo+"/"+ref]
				f.mu.Unlock()
				if !ok {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				w.Header().Set("Content-Type", m.mediaType)
				w.Header().Set("Docker-Content-Digest", digest.FromBytes(m.content).String())
				if r.Method == http.MethodGet {
					w.Write(m.content)
				}
			case http.MethodPut:
				content, _ := io.ReadAll(r.Body)
				f.putManifest(repo, ref, r.Header.Get("Content-Type"), content)
				f.putManifest(repo, digest.FromBytes(content).String(), r.Header.Get("Content-Type"), content)
				w.WriteHeader(http.StatusCreated)
			default:
				w.WriteHeader(http.StatusMethodNotAllowed)
			}

		default:
			t.Logf("unexpected request %s %s", r.Method, path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func (f *fakeRegistry) handleUpload(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	idx := strings.Index(path, "/blobs/uploads/")
	repo := strings.TrimPrefix(path[:idx], "/v2/")
	session := path[idx+len("/blobs/uploads/"):]

	switch r.Method {
	case http.MethodPost:
		if mount := r.URL.Query().Get("mount"); mount != "" {
			f.mu.Lock()
			_, ok := f.blobs[mount]
			f.mu.Unlock()
			if ok {
				w.WriteHeader(http.StatusCreated)
				return
			}
		}
		id := fmt.Sprint(f.nextID.Add(1))
		f.mu.Lock()
		f.uploads[id] = &bytes.Buffer{}
		f.mu.Unlock()
		w.Header().Set("Location", "/v2/"+repo+"/blobs/uploads/"+id)
		w.WriteHeader(http.StatusAccepted)

	case http.MethodPatch:
		f.patches.Add(1)
		f.mu.Lock()
		buf := f.uploads[session]
		f.mu.Unlock()
		if buf == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		io.Copy(buf, r.Body)
		w.Header().Set("Location", "/v2/"+repo+"/blobs/uploads/"+session)
		w.WriteHeader(http.StatusAccepted)

	case http.MethodPut:
		f.mu.Lock()
		buf := f.uploads[session]
		var content []byte
		if buf != nil {
			content = buf.Bytes()
		}
		f.blobs[r.URL.Query().Get("digest")] = content
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// seedBaseImage installs a one-layer base image under repo:tag and returns
// its layer digest.
func seedBaseImage(t *testing.T, f *fakeRegistry, repo, tag string) digest.Digest {
	t.Helper()

	var compressed bytes.Buffer
	result, err := blob.Compress(blob.FromBytes([]byte("base layer tar bytes")), &compressed)
	if err != nil {
		t.Fatal(err)
	}
	layerDigest := f.putBlob(compressed.Bytes())

	config := map[string]interface{}{
		"architecture": "amd64",
		"os":           "linux",
		"config": map[string]interface{}{
			"Env": []string{"BASE_VAR=from-base"},
		},
		"rootfs": map[string]interface{}{
			"type":     "layers",
			"diff_ids": []string{result.DiffID.Digest.String()},
		},
	}
	configBytes, err := json.Marshal(config)
	if err != nil {
		t.Fatal(err)
	}
	configDigest := f.putBlob(configBytes)

	m := map[string]interface{}{
		"schemaVersion": 2,
		"mediaType":     manifest.DockerManifestMediaType,
		"config": map[string]interface{}{
			"mediaType": manifest.DockerConfigMediaType,
			"size":      len(configBytes),
			"digest":    configDigest.String(),
		},
		"layers": []map[string]interface{}{{
			"mediaType": manifest.DockerLayerMediaType,
			"size":      compressed.Len(),
			"digest":    layerDigest.String(),
		}},
	}
	manifestBytes, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	f.putManifest(repo, tag, manifest.DockerManifestMediaType, manifestBytes)
	return layerDigest
}

func testConfig(t *testing.T, host string, appDir string) Config {
	t.Helper()
	return Config{
		BaseImage:     reference.MustParse(host + "/base/busybox:latest"),
		TargetImage:   reference.MustParse(host + "/t:1"),
		Entrypoint:    []string{"/app/hello"},
		AllowInsecure: true,
		Layers: []LayerSpec{{
			Kind:          layer.KindClasses,
			SourceDir:     appDir,
			ContainerRoot: "/app",
		}},
	}
}

func runBuild(t *testing.T, cfg Config, cacheDir string) *Result {
	t.Helper()
	c, err := cache.Open(cacheDir, zap.NewNop().Sugar())
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(cfg, c, zap.NewNop().Sugar())
	if err != nil {
		t.Fatal(err)
	}
	result, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	return result
}

func TestBuildAndPush(t *testing.T) {
	fake := newFakeRegistry()
	server := httptest.NewServer(fake.handler(t))
	defer server.Close()
	host := strings.TrimPrefix(server.URL, "http://")

	baseLayerDigest := seedBaseImage(t, fake, "base/busybox", "latest")

	appDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(appDir, "hello"), []byte("hi\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	result := runBuild(t, testConfig(t, host, appDir), t.TempDir())

	// The target manifest must list base + app layers and reference the
	// pushed config.
	fake.mu.Lock()
	stored, ok := fake.manifests["t/1"]
	fake.mu.Unlock()
	if !ok {
		t.Fatal("manifest was not pushed")
	}
	parsed, err := manifest.Parse(stored.mediaType, stored.content)
	if err != nil {
		t.Fatal(err)
	}
	m := parsed.Manifest
	if len(m.Layers) != 2 {
		t.Fatalf("manifest lists %d layers, want 2", len(m.Layers))
	}
	if m.Layers[0].Digest != baseLayerDigest {
		t.Errorf("first layer = %s, want base layer %s", m.Layers[0].Digest, baseLayerDigest)
	}
	if result.ImageDigest != digest.FromBytes(stored.content) {
		t.Error("result digest does not match stored manifest")
	}

	// Both layers must HEAD successfully after the push.
	fake.mu.Lock()
	for _, l := range m.Layers {
		if _, ok := fake.blobs[l.Digest.String()]; !ok {
			t.Errorf("layer %s missing from target registry", l.Digest)
		}
	}
	configContent, ok := fake.blobs[m.Config.Digest.String()]
	fake.mu.Unlock()
	if !ok {
		t.Fatal("config blob missing from target registry")
	}

	var cfg manifest.ContainerConfig
	if err := json.Unmarshal(configContent, &cfg); err != nil {
		t.Fatal(err)
	}
	if len(cfg.RootFS.DiffIDs) != 2 {
		t.Errorf("config carries %d diff ids, want 2", len(cfg.RootFS.DiffIDs))
	}
	if len(cfg.Config.Entrypoint) != 1 || cfg.Config.Entrypoint[0] != "/app/hello" {
		t.Errorf("entrypoint = %v", cfg.Config.Entrypoint)
	}
	if result.ImageID != m.Config.Digest {
		t.Error("image id does not match config digest")
	}

	// The base image's environment is inherited.
	found := false
	for _, kv := range cfg.Config.Env {
		if kv == "BASE_VAR=from-base" {
			found = true
		}
	}
	if !found {
		t.Errorf("base env not inherited: %v", cfg.Config.Env)
	}
}

func TestRebuildUploadsNothing(t *testing.T) {
	fake := newFakeRegistry()
	server := httptest.NewServer(fake.handler(t))
	defer server.Close()
	host := strings.TrimPrefix(server.URL, "http://")

	seedBaseImage(t, fake, "base/busybox", "latest")

	appDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(appDir, "hello"), []byte("hi\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	cacheDir := t.TempDir()
	first := runBuild(t, testConfig(t, host, appDir), cacheDir)

	fake.patches.Store(0)
	second := runBuild(t, testConfig(t, host, appDir), cacheDir)

	if fake.patches.Load() != 0 {
		t.Errorf("rebuild performed %d uploads, want 0", fake.patches.Load())
	}
	if first.ImageDigest != second.ImageDigest {
		t.Errorf("rebuild changed the image digest: %s vs %s", first.ImageDigest, second.ImageDigest)
	}
}

func TestBuildManifestListBase(t *testing.T) {
	fake := newFakeRegistry()
	server := httptest.NewServer(fake.handler(t))
	defer server.Close()
	host := strings.TrimPrefix(server.URL, "http://")

	seedBaseImage(t, fake, "base/busybox", "amd64-manifest")
	fake.mu.Lock()
	amd64 := fake.manifests["base/busybox/amd64-manifest"]
	fake.mu.Unlock()
	amd64Digest := digest.FromBytes(amd64.content)
	fake.putManifest("base/busybox", amd64Digest.String(), amd64.mediaType, amd64.content)

	list := map[string]interface{}{
		"schemaVersion": 2,
		"mediaType":     manifest.DockerManifestListMediaType,
		"manifests": []map[string]interface{}{{
			"mediaType": manifest.DockerManifestMediaType,
			"size":      len(amd64.content),
			"digest":    amd64Digest.String(),
			"platform":  map[string]string{"architecture": "amd64", "os": "linux"},
		}},
	}
	listBytes, err := json.Marshal(list)
	if err != nil {
		t.Fatal(err)
	}
	fake.putManifest("base/busybox", "latest", manifest.DockerManifestListMediaType, listBytes)

	appDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(appDir, "hello"), []byte("hi\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	result := runBuild(t, testConfig(t, host, appDir), t.TempDir())
	if result.ImageDigest == "" {
		t.Error("build through a manifest list produced no digest")
	}
}

func TestBuildToTarball(t *testing.T) {
	fake := newFakeRegistry()
	server := httptest.NewServer(fake.handler(t))
	defer server.Close()
	host := strings.TrimPrefix(server.URL, "http://")

	seedBaseImage(t, fake, "base/busybox", "latest")

	appDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(appDir, "hello"), []byte("hi\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	tarPath := filepath.Join(t.TempDir(), "image.tar")
	cfg := testConfig(t, host, appDir)
	cfg.TarPath = tarPath

	result := runBuild(t, cfg, t.TempDir())
	if result.Target != tarPath {
		t.Errorf("target = %q", result.Target)
	}
	info, err := os.Stat(tarPath)
	if err != nil {
		t.Fatalf("tarball missing: %v", err)
	}
	if info.Size() == 0 {
		t.Error("tarball is empty")
	}
	// No pushes for tar builds.
	if fake.patches.Load() != 0 {
		t.Errorf("tar build uploaded %d blobs", fake.patches.Load())
	}
}

func TestConfigValidate(t *testing.T) {
	valid := Config{
		BaseImage:   reference.MustParse("alpine"),
		TargetImage: reference.MustParse("localhost:5000/t:1"),
		Entrypoint:  []string{"/bin/true"},
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
	if valid.Platform.OS != "linux" || valid.Platform.Architecture != "amd64" {
		t.Errorf("platform defaults = %+v", valid.Platform)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing base", func(c *Config) { c.BaseImage = reference.Reference{} }},
		{"missing target and tar", func(c *Config) { c.TargetImage = reference.Reference{} }},
		{"no entrypoint", func(c *Config) { c.Entrypoint = nil }},
		{"bad port", func(c *Config) { c.ExposedPorts = []string{"0"} }},
		{"layer without source", func(c *Config) {
			c.Layers = []LayerSpec{{Kind: layer.KindClasses, ContainerRoot: "/app"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestEntrypointSynthesis(t *testing.T) {
	cfg := Config{MainClass: "com.example.Main", JVMFlags: []string{"-Xmx256m"}}
	got := cfg.entrypoint()
	want := []string{"java", "-Xmx256m", "-cp", "/app/resources:/app/classes:/app/libs/*", "com.example.Main"}
	if len(got) != len(want) {
		t.Fatalf("entrypoint = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entrypoint[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	explicit := Config{Entrypoint: []string{"/custom"}, MainClass: "ignored"}
	if got := explicit.entrypoint(); len(got) != 1 || got[0] != "/custom" {
		t.Errorf("explicit entrypoint not honored: %v", got)
	}
}
