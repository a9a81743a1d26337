// Package cache stores layers on disk addressed by compressed digest, with
// a secondary selector index that answers "is this input already built?".
package cache

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/shmocker/stoker/pkg/blob"
	"github.com/shmocker/stoker/pkg/layer"
)

// Version is the on-disk layout version. A cache created by an
// incompatible release refuses to open.
const Version = "1"

const (
	layersDir    = "layers"
	selectorsDir = "selectors"
	tmpDir       = "tmp"
	versionFile  = "version"
)

// CorruptedError reports an on-disk structure violation: unparseable
// metadata, a digest mismatch, or a dangling selector.
type CorruptedError struct {
	Path   string
	Reason string
}

func (e *CorruptedError) Error() string {
	return fmt.Sprintf("cache entry %s is corrupted: %s", e.Path, e.Reason)
}

// Metadata is the per-layer JSON persisted next to each cached layer. Kind
// and source information form the rebuild key for application layers; none
// of it is ever shipped to a registry.
type Metadata struct {
	DiffID       digest.Digest `json:"diffId"`
	Size         int64         `json:"size"`
	Kind         layer.Kind    `json:"kind,omitempty"`
	SourcePaths  []string      `json:"sourcePaths,omitempty"`
	LastModified int64         `json:"lastModified,omitempty"`
}

// SelectorKey derives the cache selector for an application layer from its
// kind, ordered source paths, and the latest modification time among them.
func SelectorKey(kind layer.Kind, sourcePaths []string, lastModified int64) digest.Digest {
	h := sha256.New()
	io.WriteString(h, string(kind))
	io.WriteString(h, "\n")
	for _, p := range sourcePaths {
		io.WriteString(h, p)
		io.WriteString(h, "\n")
	}
	io.WriteString(h, strconv.FormatInt(lastModified, 10))
	return digest.NewDigestFromBytes(digest.SHA256, h.Sum(nil))
}

// Cache is a content-addressed layer store rooted at a directory.
// Concurrent reads are unrestricted; writes serialize through per-key
// advisory lockfiles under tmp/.
type Cache struct {
	root string
	log  *zap.SugaredLogger
}

// Open initializes the cache directory layout and validates the version
// file, creating it for a fresh cache.
func Open(root string, log *zap.SugaredLogger) (*Cache, error) {
	for _, dir := range []string{root, filepath.Join(root, layersDir), filepath.Join(root, selectorsDir), filepath.Join(root, tmpDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "failed to create cache directory %s", dir)
		}
	}

	versionPath := filepath.Join(root, versionFile)
	existing, err := os.ReadFile(versionPath)
	switch {
	case os.IsNotExist(err):
		if err := os.WriteFile(versionPath, []byte(Version), 0o644); err != nil {
			return nil, errors.Wrap(err, "failed to write cache version file")
		}
	case err != nil:
		return nil, errors.Wrap(err, "failed to read cache version file")
	case string(existing) != Version:
		return nil, errors.Errorf("cache at %s has incompatible version %q (want %q)", root, existing, Version)
	}

	return &Cache{root: root, log: log}, nil
}

// Get returns the cached layer for a compressed digest, or nil when absent.
// A layer file without readable metadata is treated as absent unless the
// metadata exists but cannot be parsed, which is corruption.
func (c *Cache) Get(d digest.Digest) (*layer.Cached, error) {
	layerPath := c.layerPath(d)
	info, err := os.Stat(layerPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to stat cached layer %s", d)
	}

	meta, err := c.readMetadata(d)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		// Metadata lost; the layer file alone is unusable.
		return nil, nil
	}
	if meta.Size != info.Size() {
		return nil, &CorruptedError{Path: layerPath, Reason: fmt.Sprintf("size %d does not match metadata size %d", info.Size(), meta.Size)}
	}

	return layer.NewCached(blob.Descriptor{Digest: d, Size: meta.Size}, meta.DiffID, layerPath), nil
}

// GetBySelector resolves an application layer by its selector key.
func (c *Cache) GetBySelector(key digest.Digest) (*layer.Cached, error) {
	content, err := os.ReadFile(c.selectorPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read cache selector")
	}

	d, err := blob.ParseHash(string(content))
	if err != nil {
		return nil, &CorruptedError{Path: c.selectorPath(key), Reason: "selector does not hold a layer hash"}
	}

	cached, err := c.Get(d)
	if err != nil {
		return nil, err
	}
	if cached == nil {
		// A selector must never point at a missing layer.
		return nil, &CorruptedError{Path: c.selectorPath(key), Reason: fmt.Sprintf("selector points at missing layer %s", d)}
	}
	return cached, nil
}

// Write compresses and stores a freshly built layer. When meta carries kind
// and source information the selector index is updated so later builds of
// the same inputs resolve without rebuilding. Concurrent writers of the
// same selector serialize on an advisory lock; the loser returns the
// winner's layer.
func (c *Cache) Write(l *layer.Unwritten, meta *Metadata) (*layer.Cached, error) {
	if meta != nil && meta.Kind != "" {
		key := SelectorKey(meta.Kind, meta.SourcePaths, meta.LastModified)
		unlock, err := c.lockSelector(key)
		if err != nil {
			return nil, err
		}
		defer unlock()

		// Someone may have built this selector while we waited.
		if cached, err := c.GetBySelector(key); err == nil && cached != nil {
			return cached, nil
		}

		cached, err := c.writeLayer(l, meta)
		if err != nil {
			return nil, err
		}
		if err := c.writeSelector(key, cached); err != nil {
			return nil, err
		}
		return cached, nil
	}

	return c.writeLayer(l, meta)
}

// WriteCompressed stores already-compressed bytes produced by fill, which
// writes into the staging file and reports what it wrote. diffID may be
// empty, in which case it is recovered by decompressing the staged bytes —
// the path taken for layers from legacy manifests.
func (c *Cache) WriteCompressed(diffID digest.Digest, fill func(io.Writer) (blob.Descriptor, error)) (*layer.Cached, error) {
	tmpPath, cleanup, err := c.stage()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cache staging file")
	}
	desc, err := fill(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := syncAndClose(f); err != nil {
		return nil, err
	}

	if diffID == "" {
		recovered, err := c.recoverDiffID(tmpPath)
		if err != nil {
			return nil, err
		}
		diffID = recovered
	}

	return c.commit(tmpPath, desc, &Metadata{DiffID: diffID, Size: desc.Size})
}

func (c *Cache) writeLayer(l *layer.Unwritten, meta *Metadata) (*layer.Cached, error) {
	tmpPath, cleanup, err := c.stage()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cache staging file")
	}
	compressed, err := blob.Compress(l.Uncompressed(), f)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "failed to compress layer into cache")
	}
	if err := syncAndClose(f); err != nil {
		return nil, err
	}

	full := &Metadata{DiffID: compressed.DiffID.Digest, Size: compressed.Descriptor.Size}
	if meta != nil {
		full.Kind = meta.Kind
		full.SourcePaths = meta.SourcePaths
		full.LastModified = meta.LastModified
	}
	return c.commit(tmpPath, compressed.Descriptor, full)
}

// commit renames the staged blob into place and writes its metadata. The
// blob lands before the metadata, and the metadata before any selector, so
// a crash can only lose index entries, never dangle them.
func (c *Cache) commit(tmpPath string, desc blob.Descriptor, meta *Metadata) (*layer.Cached, error) {
	layerPath := c.layerPath(desc.Digest)
	if err := os.Rename(tmpPath, layerPath); err != nil {
		return nil, errors.Wrap(err, "failed to move layer into cache")
	}

	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal layer metadata")
	}
	if err := c.atomicWrite(layerPath+".json", metaBytes); err != nil {
		return nil, err
	}

	if c.log != nil {
		c.log.Debugw("cached layer", "digest", desc.Digest, "size", desc.Size)
	}
	return layer.NewCached(desc, meta.DiffID, layerPath), nil
}

func (c *Cache) writeSelector(key digest.Digest, cached *layer.Cached) error {
	d, err := cached.Digest()
	if err != nil {
		return err
	}
	return c.atomicWrite(c.selectorPath(key), []byte(d.Encoded()))
}

// atomicWrite stages under tmp/ and renames, so readers never observe a
// partial file.
func (c *Cache) atomicWrite(path string, content []byte) error {
	tmpPath, cleanup, err := c.stage()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := os.WriteFile(tmpPath, content, 0o644); err != nil {
		return errors.Wrap(err, "failed to stage cache file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrapf(err, "failed to commit cache file %s", path)
	}
	return nil
}

func (c *Cache) stage() (string, func(), error) {
	tmpPath := filepath.Join(c.root, tmpDir, uuid.NewString())
	cleanup := func() { os.Remove(tmpPath) }
	return tmpPath, cleanup, nil
}

func (c *Cache) lockSelector(key digest.Digest) (func(), error) {
	lockPath := filepath.Join(c.root, tmpDir, key.Encoded()+".lock")
	lock := flock.New(lockPath)
	if err := lock.Lock(); err != nil {
		return nil, errors.Wrap(err, "failed to acquire cache build lock")
	}
	return func() {
		lock.Unlock()
		os.Remove(lockPath)
	}, nil
}

func (c *Cache) readMetadata(d digest.Digest) (*Metadata, error) {
	metaPath := c.layerPath(d) + ".json"
	content, err := os.ReadFile(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read layer metadata")
	}
	var meta Metadata
	if err := json.Unmarshal(content, &meta); err != nil {
		return nil, &CorruptedError{Path: metaPath, Reason: "unparseable metadata: " + err.Error()}
	}
	return &meta, nil
}

func (c *Cache) recoverDiffID(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "failed to reopen staged layer")
	}
	defer f.Close()

	desc, err := blob.Decompress(f, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to recover layer diff id")
	}
	return desc.Digest, nil
}

// Verify re-hashes the cached layer file and its gunzipped contents against
// the digest it is stored under and its recorded diff ID.
func (c *Cache) Verify(d digest.Digest) error {
	cached, err := c.Get(d)
	if err != nil {
		return err
	}
	if cached == nil {
		return errors.Errorf("layer %s is not cached", d)
	}

	hw := blob.NewHashingWriter(nil)
	b, err := cached.Blob()
	if err != nil {
		return err
	}
	desc, err := b.WriteTo(hw)
	if err != nil {
		return err
	}
	if desc.Digest != d {
		return &CorruptedError{Path: c.layerPath(d), Reason: fmt.Sprintf("content hashes to %s", desc.Digest)}
	}

	recovered, err := c.recoverDiffID(cached.Path())
	if err != nil {
		return err
	}
	wantDiffID, err := cached.DiffID()
	if err != nil {
		return err
	}
	if recovered != wantDiffID {
		return &CorruptedError{Path: c.layerPath(d), Reason: fmt.Sprintf("uncompressed content hashes to %s, metadata says %s", recovered, wantDiffID)}
	}
	return nil
}

func (c *Cache) layerPath(d digest.Digest) string {
	return filepath.Join(c.root, layersDir, d.Encoded())
}

func (c *Cache) selectorPath(key digest.Digest) string {
	return filepath.Join(c.root, selectorsDir, key.Encoded())
}

func syncAndClose(f *os.File) error {
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "failed to sync cache staging file")
	}
	return errors.Wrap(f.Close(), "failed to close cache staging file")
}
