package builder

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/shmocker/stoker/pkg/blob"
	"github.com/shmocker/stoker/pkg/cache"
	"github.com/shmocker/stoker/pkg/image"
	"github.com/shmocker/stoker/pkg/layer"
	"github.com/shmocker/stoker/pkg/manifest"
	"github.com/shmocker/stoker/pkg/progress"
	"github.com/shmocker/stoker/pkg/registry"
	"github.com/shmocker/stoker/pkg/steps"
	"github.com/shmocker/stoker/pkg/tarball"
)

// Result reports what a completed build produced.
type Result struct {
	// ImageDigest is the digest of the published manifest.
	ImageDigest digest.Digest

	// ImageID is the digest of the container configuration.
	ImageID digest.Digest

	// Target is the canonical target reference, or the tar path for
	// tarball builds.
	Target string
}

// Builder runs one configured build.
type Builder struct {
	cfg     Config
	cache   *cache.Cache
	tracker *progress.Tracker
	log     *zap.SugaredLogger
}

// New validates cfg and prepares a builder against the given layer cache.
func New(cfg Config, layerCache *cache.Cache, log *zap.SugaredLogger) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid build configuration")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Builder{
		cfg:     cfg,
		cache:   layerCache,
		tracker: progress.NewTracker(),
		log:     log,
	}, nil
}

// Tracker exposes the progress tracker for UI polling.
func (b *Builder) Tracker() *progress.Tracker { return b.tracker }

// baseLayer is one base-image layer before it is pulled: its compressed
// descriptor plus the diff ID when the manifest schema provides one.
type baseLayer struct {
	desc   blob.Descriptor
	diffID digest.Digest
}

// baseImage is what the manifest resolution step hands downstream.
type baseImage struct {
	layers []baseLayer
	config *manifest.ContainerConfig
}

// builtLayer is a cached layer plus where it may be mounted from.
type builtLayer struct {
	cached    *layer.Cached
	mountFrom string
}

// Run executes the build DAG and blocks until it completes or fails.
func (b *Builder) Run(ctx context.Context) (*Result, error) {
	exec := steps.NewExecutor(ctx, b.cfg.Workers)
	defer exec.Cancel()

	alloc := progress.NewRoot("build image", 3)
	appLayerCount := int64(len(b.cfg.Layers))
	if len(b.cfg.ExtraFiles) > 0 {
		appLayerCount++
	}
	buildAlloc := alloc.Child("build application layers", max(appLayerCount, 1))

	var pullClient *registry.Client
	scratch := b.cfg.BaseImage.IsScratch()
	if !scratch {
		pullClient = registry.New(b.cfg.BaseImage.Registry, b.cfg.BaseImage.Repository, registry.Options{
			Insecure:    b.cfg.AllowInsecure,
			Credentials: b.cfg.CredentialSources,
			Logger:      b.log,
		})
	}

	// Authenticate-pull, then resolve the base manifest and its container
	// config.
	authPull := steps.Submit(exec, "authenticate pull", func(ctx context.Context) (struct{}, error) {
		if scratch {
			return struct{}{}, nil
		}
		return struct{}{}, pullClient.Ping(ctx)
	})
	baseFut := steps.Submit(exec, "pull base image manifest", func(ctx context.Context) (*baseImage, error) {
		if scratch {
			return &baseImage{}, nil
		}
		return b.resolveBaseImage(ctx, pullClient)
	}, authPull)

	// Application layers build concurrently with the base image fetch.
	appFuts := make([]*steps.Future[builtLayer], 0, len(b.cfg.Layers)+1)
	for _, spec := range b.cfg.Layers {
		spec := spec
		leaf := buildAlloc.Child("build "+string(spec.Kind)+" layer", 1)
		b.tracker.Start(leaf)
		appFuts = append(appFuts, steps.Submit(exec, "build "+string(spec.Kind)+" layer", func(ctx context.Context) (builtLayer, error) {
			defer b.tracker.Done(leaf)
			return b.buildAppLayer(ctx, spec)
		}))
	}
	if len(b.cfg.ExtraFiles) > 0 {
		leaf := buildAlloc.Child("build extra files layer", 1)
		b.tracker.Start(leaf)
		appFuts = append(appFuts, steps.Submit(exec, "build extra files layer", func(ctx context.Context) (builtLayer, error) {
			defer b.tracker.Done(leaf)
			return b.buildExtraLayer(ctx)
		}))
	}

	// The driver blocks here to fan out one pull step per base layer.
	base, err := baseFut.Get(ctx)
	if err != nil {
		return nil, err
	}

	mountFrom := ""
	if !scratch && b.cfg.BaseImage.Registry == b.cfg.TargetImage.Registry {
		mountFrom = b.cfg.BaseImage.Repository
	}

	pullAlloc := alloc.Child("pull and cache base image", max(int64(len(base.layers)), 1))
	baseFuts := make([]*steps.Future[builtLayer], len(base.layers))
	for i, bl := range base.layers {
		bl := bl
		leaf := pullAlloc.Child("pull base layer "+bl.desc.Digest.Encoded()[:12], 1)
		b.tracker.Start(leaf)
		baseFuts[i] = steps.Submit(exec, "pull base layer "+bl.desc.Digest.Encoded()[:12], func(ctx context.Context) (builtLayer, error) {
			defer b.tracker.Done(leaf)
			cached, err := b.pullBaseLayer(ctx, pullClient, bl)
			if err != nil {
				return builtLayer{}, err
			}
			return builtLayer{cached: cached, mountFrom: mountFrom}, nil
		}, baseFut)
	}

	allLayerFuts := append(append([]*steps.Future[builtLayer]{}, baseFuts...), appFuts...)
	layerDeps := make([]steps.Awaitable, len(allLayerFuts))
	for i, f := range allLayerFuts {
		layerDeps[i] = f
	}

	// Assemble the in-memory image once every layer is cached.
	imageFut := steps.Submit(exec, "assemble image", func(ctx context.Context) (*image.Image, error) {
		return b.assembleImage(ctx, base, allLayerFuts)
	}, layerDeps...)

	if b.cfg.TarPath != "" {
		return b.writeTarball(ctx, exec, imageFut, alloc)
	}
	return b.push(ctx, exec, imageFut, allLayerFuts, alloc)
}

// resolveBaseImage pulls the manifest (following lists for the configured
// platform) and loads the base container config when the schema carries
// one.
func (b *Builder) resolveBaseImage(ctx context.Context, client *registry.Client) (*baseImage, error) {
	parsed, _, err := client.ResolveManifest(ctx, b.cfg.BaseImage.ManifestRef(), b.cfg.Platform)
	if err != nil {
		return nil, err
	}

	if parsed.Schema1 != nil {
		// Legacy manifests carry no sizes or diff IDs; both are recovered
		// when each blob is pulled.
		base := &baseImage{}
		for _, d := range parsed.Schema1.Layers() {
			base.layers = append(base.layers, baseLayer{desc: blob.Descriptor{Digest: d, Size: -1}})
		}
		return base, nil
	}

	m := parsed.Manifest
	if m == nil {
		return nil, &manifest.UnknownFormatError{}
	}

	var cfgBuf strings.Builder
	if _, err := client.PullBlob(ctx, m.Config.Digest, &cfgBuf); err != nil {
		return nil, errors.Wrap(err, "failed to pull base container config")
	}
	var baseConfig manifest.ContainerConfig
	if err := json.Unmarshal([]byte(cfgBuf.String()), &baseConfig); err != nil {
		return nil, errors.Wrap(err, "failed to parse base container config")
	}

	if len(baseConfig.RootFS.DiffIDs) != len(m.Layers) {
		return nil, &manifest.LayerCountMismatchError{
			ManifestLayers: len(m.Layers),
			ConfigDiffIDs:  len(baseConfig.RootFS.DiffIDs),
		}
	}

	base := &baseImage{config: &baseConfig}
	for i, desc := range m.Layers {
		base.layers = append(base.layers, baseLayer{
			desc:   blob.Descriptor{Digest: desc.Digest, Size: desc.Size},
			diffID: baseConfig.RootFS.DiffIDs[i],
		})
	}
	return base, nil
}

// pullBaseLayer returns the cached copy of a base layer, pulling it when
// absent. The pull streams straight into the cache's staging area and is
// digest-verified by the registry client.
func (b *Builder) pullBaseLayer(ctx context.Context, client *registry.Client, bl baseLayer) (*layer.Cached, error) {
	if cached, err := b.cache.Get(bl.desc.Digest); err != nil {
		return nil, err
	} else if cached != nil {
		return cached, nil
	}

	return b.cache.WriteCompressed(bl.diffID, func(w io.Writer) (blob.Descriptor, error) {
		return client.PullBlob(ctx, bl.desc.Digest, w)
	})
}

// buildAppLayer resolves an application layer through the selector index,
// building and caching it on a miss.
func (b *Builder) buildAppLayer(ctx context.Context, spec LayerSpec) (builtLayer, error) {
	entries, err := layer.Scan(ctx, spec.SourceDir, spec.ContainerRoot, layer.ScanOptions{
		ModTimeOverride: b.cfg.ModTimeOverride,
	})
	if err != nil {
		return builtLayer{}, err
	}

	sourcePaths := make([]string, 0, len(entries))
	lastModified := int64(0)
	for _, e := range entries {
		sourcePaths = append(sourcePaths, e.SourcePath)
		if mt := e.ModTime.Unix(); mt > lastModified {
			lastModified = mt
		}
	}
	sort.Strings(sourcePaths)

	key := cache.SelectorKey(spec.Kind, sourcePaths, lastModified)
	if cached, err := b.cache.GetBySelector(key); err != nil {
		return builtLayer{}, err
	} else if cached != nil {
		b.log.Debugw("application layer cache hit", "kind", spec.Kind)
		return builtLayer{cached: cached}, nil
	}

	tarBuilder := layer.NewBuilder(0o755, layer.DefaultModTime)
	for _, e := range entries {
		if err := tarBuilder.Add(e); err != nil {
			return builtLayer{}, err
		}
	}

	cached, err := b.cache.Write(tarBuilder.ToLayer(), &cache.Metadata{
		Kind:         spec.Kind,
		SourcePaths:  sourcePaths,
		LastModified: lastModified,
	})
	if err != nil {
		return builtLayer{}, errors.Wrapf(err, "failed to cache %s layer", spec.Kind)
	}
	return builtLayer{cached: cached}, nil
}

// buildExtraLayer turns the configured extra files into one layer.
func (b *Builder) buildExtraLayer(ctx context.Context) (builtLayer, error) {
	tarBuilder := layer.NewBuilder(0o755, layer.DefaultModTime)
	sourcePaths := make([]string, 0, len(b.cfg.ExtraFiles))
	lastModified := int64(0)
	for _, e := range b.cfg.ExtraFiles {
		if err := tarBuilder.Add(e); err != nil {
			return builtLayer{}, err
		}
		sourcePaths = append(sourcePaths, e.SourcePath)
		if mt := e.ModTime.Unix(); mt > lastModified {
			lastModified = mt
		}
	}
	sort.Strings(sourcePaths)

	key := cache.SelectorKey(layer.KindExtra, sourcePaths, lastModified)
	if cached, err := b.cache.GetBySelector(key); err != nil {
		return builtLayer{}, err
	} else if cached != nil {
		return builtLayer{cached: cached}, nil
	}

	cached, err := b.cache.Write(tarBuilder.ToLayer(), &cache.Metadata{
		Kind:         layer.KindExtra,
		SourcePaths:  sourcePaths,
		LastModified: lastModified,
	})
	if err != nil {
		return builtLayer{}, errors.Wrap(err, "failed to cache extra files layer")
	}
	return builtLayer{cached: cached}, nil
}

// assembleImage composes base and application layers, merging the base
// container config underneath the build configuration.
func (b *Builder) assembleImage(ctx context.Context, base *baseImage, layerFuts []*steps.Future[builtLayer]) (*image.Image, error) {
	img := image.New(b.cfg.Platform.OS, b.cfg.Platform.Architecture, b.cfg.Platform.Variant)
	img.Created = b.cfg.CreationTime

	if base.config != nil {
		for _, kv := range base.config.Config.Env {
			k, v, ok := strings.Cut(kv, "=")
			if ok {
				img.Env[k] = v
			}
		}
		for k, v := range base.config.Config.Labels {
			img.Labels[k] = v
		}
		for portSpec := range base.config.Config.ExposedPorts {
			ports, err := image.ParsePorts([]string{portSpec})
			if err == nil {
				for _, p := range ports.Sorted() {
					img.ExposedPorts.Add(p)
				}
			}
		}
		if base.config.Config.User != "" {
			img.User = base.config.Config.User
		}
		if base.config.Config.WorkingDir != "" {
			img.WorkingDir = base.config.Config.WorkingDir
		}
	}

	for k, v := range b.cfg.Env {
		img.Env[k] = v
	}
	for k, v := range b.cfg.Labels {
		img.Labels[k] = v
	}
	ports, err := image.ParsePorts(b.cfg.ExposedPorts)
	if err != nil {
		return nil, err
	}
	for _, p := range ports.Sorted() {
		img.ExposedPorts.Add(p)
	}
	if b.cfg.User != "" {
		img.User = b.cfg.User
	}
	if b.cfg.WorkingDir != "" {
		img.WorkingDir = b.cfg.WorkingDir
	}

	if ep := b.cfg.entrypoint(); ep != nil {
		img.Entrypoint = ep
	} else if base.config != nil {
		img.Entrypoint = base.config.Config.Entrypoint
	}
	if len(b.cfg.Cmd) > 0 {
		img.Cmd = b.cfg.Cmd
	} else if len(b.cfg.Entrypoint) == 0 && b.cfg.MainClass == "" && base.config != nil {
		img.Cmd = base.config.Config.Cmd
	}

	for _, fut := range layerFuts {
		built, err := fut.Get(ctx)
		if err != nil {
			return nil, err
		}
		if err := img.AddLayer(built.cached); err != nil {
			return nil, err
		}
	}
	return img, nil
}

// push publishes layers, the container config, and finally the manifest.
func (b *Builder) push(ctx context.Context, exec *steps.Executor, imageFut *steps.Future[*image.Image], layerFuts []*steps.Future[builtLayer], alloc *progress.Allocation) (*Result, error) {
	pushAlloc := alloc.Child("publish image", int64(len(layerFuts))+1)
	pushClient := registry.New(b.cfg.TargetImage.Registry, b.cfg.TargetImage.Repository, registry.Options{
		Insecure:    b.cfg.AllowInsecure,
		Credentials: b.cfg.CredentialSources,
		PushScope:   true,
		Logger:      b.log,
	})

	authPush := steps.Submit(exec, "authenticate push", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, pushClient.Ping(ctx)
	})

	pushFuts := make([]*steps.Future[struct{}], len(layerFuts))
	for i, fut := range layerFuts {
		fut := fut
		leaf := pushAlloc.Child("push layer", 1)
		b.tracker.Start(leaf)
		pushFuts[i] = steps.Submit(exec, "push layer", func(ctx context.Context) (struct{}, error) {
			defer b.tracker.Done(leaf)
			built, err := fut.Get(ctx)
			if err != nil {
				return struct{}{}, err
			}
			d, err := built.cached.Digest()
			if err != nil {
				return struct{}{}, err
			}
			layerBlob, err := built.cached.Blob()
			if err != nil {
				return struct{}{}, err
			}
			_, err = pushClient.PushBlob(ctx, d, layerBlob, built.mountFrom)
			return struct{}{}, err
		}, authPush, fut)
	}

	// The config blob must be accepted before any manifest references it.
	type configResult struct {
		desc blob.Descriptor
		img  *image.Image
	}
	configFut := steps.Submit(exec, "push container config", func(ctx context.Context) (configResult, error) {
		img, err := imageFut.Get(ctx)
		if err != nil {
			return configResult{}, err
		}
		content, desc, err := manifest.ConfigFromImage(img)
		if err != nil {
			return configResult{}, err
		}
		if _, err := pushClient.PushBlob(ctx, desc.Digest, blob.FromBytes(content), ""); err != nil {
			return configResult{}, errors.Wrap(err, "failed to push container config")
		}
		return configResult{desc: desc, img: img}, nil
	}, imageFut, authPush)

	manifestDeps := make([]steps.Awaitable, 0, len(pushFuts)+1)
	manifestDeps = append(manifestDeps, configFut)
	for _, f := range pushFuts {
		manifestDeps = append(manifestDeps, f)
	}

	manifestLeaf := pushAlloc.Child("push container config and manifest", 1)
	b.tracker.Start(manifestLeaf)
	manifestFut := steps.Submit(exec, "push manifest", func(ctx context.Context) (*Result, error) {
		defer b.tracker.Done(manifestLeaf)
		cfgRes, err := configFut.Get(ctx)
		if err != nil {
			return nil, err
		}
		m, err := manifest.FromImage(cfgRes.img, cfgRes.desc, b.cfg.OCIOutput)
		if err != nil {
			return nil, err
		}
		d, err := pushClient.PushManifest(ctx, m, b.cfg.TargetImage.ManifestRef())
		if err != nil {
			return nil, err
		}
		return &Result{
			ImageDigest: d,
			ImageID:     cfgRes.desc.Digest,
			Target:      b.cfg.TargetImage.String(),
		}, nil
	}, manifestDeps...)

	return manifestFut.Get(ctx)
}

// writeTarball is the terminal step for tar-sink builds.
func (b *Builder) writeTarball(ctx context.Context, exec *steps.Executor, imageFut *steps.Future[*image.Image], alloc *progress.Allocation) (*Result, error) {
	leaf := alloc.Child("write tarball", 1)
	b.tracker.Start(leaf)
	tarFut := steps.Submit(exec, "write tarball", func(ctx context.Context) (*Result, error) {
		defer b.tracker.Done(leaf)
		img, err := imageFut.Get(ctx)
		if err != nil {
			return nil, err
		}

		f, err := os.Create(b.cfg.TarPath)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create output tarball")
		}
		defer f.Close()

		configDigest, err := tarball.Write(img, b.cfg.TargetImage, f)
		if err != nil {
			return nil, err
		}
		return &Result{
			ImageID: configDigest,
			Target:  b.cfg.TarPath,
		}, nil
	}, imageFut)

	return tarFut.Get(ctx)
}
