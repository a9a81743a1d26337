package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shmocker/stoker/internal/config"
	"github.com/shmocker/stoker/pkg/builder"
	"github.com/shmocker/stoker/pkg/cache"
	"github.com/shmocker/stoker/pkg/image/reference"
	"github.com/shmocker/stoker/pkg/layer"
	"github.com/shmocker/stoker/pkg/registry"
)

var (
	// Version information (set by build)
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"

	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "stoker",
	Short: "A daemonless container image builder for JVM applications",
	Long: `Stoker builds container images for JVM applications and publishes
them to OCI/Docker registries without a local container runtime or daemon.

Given dependency archives, resource trees, and compiled classes plus a base
image reference, stoker constructs reproducible application layers, caches
them by content, and pushes only what the target registry is missing.`,
	Version: version,
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build an image and publish it",
	Long: `Build a container image from the given application directories on top
of a base image, then push it to the target registry or write it as a
docker-load tarball.`,
	RunE: runBuildCommand,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Stoker version: %s\n", version)
		fmt.Printf("Git commit: %s\n", commit)
		fmt.Printf("Build time: %s\n", buildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.stoker.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	buildCmd.Flags().String("from", "", "base image reference (use 'scratch' for none)")
	buildCmd.Flags().StringP("tag", "t", "", "target image reference")
	buildCmd.Flags().String("dependencies", "", "directory of dependency archives")
	buildCmd.Flags().String("resources", "", "directory of application resources")
	buildCmd.Flags().String("classes", "", "directory of compiled classes")
	buildCmd.Flags().String("main-class", "", "JVM main class for the synthesized entrypoint")
	buildCmd.Flags().StringSlice("jvm-flags", nil, "JVM flags for the synthesized entrypoint")
	buildCmd.Flags().StringSlice("entrypoint", nil, "container entrypoint (overrides --main-class)")
	buildCmd.Flags().StringSlice("args", nil, "default container arguments")
	buildCmd.Flags().StringSlice("env", nil, "environment variables in KEY=VALUE form")
	buildCmd.Flags().StringSlice("label", nil, "image labels in KEY=VALUE form")
	buildCmd.Flags().StringSlice("port", nil, "exposed ports, e.g. 8080 or 8000-8010/udp")
	buildCmd.Flags().String("user", "", "container user")
	buildCmd.Flags().String("workdir", "", "container working directory")
	buildCmd.Flags().String("platform", "", "base image platform, e.g. linux/arm64/v8")
	buildCmd.Flags().String("tar", "", "write a docker-load tarball to this path instead of pushing")
	buildCmd.Flags().Bool("insecure", false, "allow plain-HTTP registries")
	buildCmd.Flags().String("username", "", "registry username")
	buildCmd.Flags().String("password", "", "registry password")
	buildCmd.Flags().StringSlice("credential-helper", nil, "docker credential helper names, tried in order")
	buildCmd.Flags().Bool("oci", false, "publish an OCI manifest instead of Docker schema 2")
	buildCmd.Flags().Bool("reproducible", true, "keep source file timestamps and leave the image creation time unset; false stamps both with the current time")

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runBuildCommand(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Debug || verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Sugar()

	buildConfig, err := buildConfigFromFlags(cmd, cfg)
	if err != nil {
		return err
	}

	layerCache, err := cache.Open(cfg.CacheDir, log)
	if err != nil {
		return err
	}

	b, err := builder.New(*buildConfig, layerCache, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	result, err := b.Run(ctx)
	if err != nil {
		return err
	}

	log.Infow("build complete", "target", result.Target, "elapsed", time.Since(start))
	if result.ImageDigest != "" {
		fmt.Printf("%s@%s\n", result.Target, result.ImageDigest)
	} else {
		fmt.Println(result.Target)
	}
	return nil
}

func buildConfigFromFlags(cmd *cobra.Command, cfg *config.Config) (*builder.Config, error) {
	flags := cmd.Flags()

	from, _ := flags.GetString("from")
	if from == "" {
		return nil, errors.New("--from is required")
	}
	baseRef, err := reference.Parse(from)
	if err != nil {
		return nil, err
	}

	buildConfig := &builder.Config{
		BaseImage:     baseRef,
		AllowInsecure: cfg.AllowInsecureRegistries,
		Workers:       cfg.Workers,
	}

	if tag, _ := flags.GetString("tag"); tag != "" {
		targetRef, err := reference.Parse(tag)
		if err != nil {
			return nil, err
		}
		buildConfig.TargetImage = targetRef
	}
	buildConfig.TarPath, _ = flags.GetString("tar")

	if insecure, _ := flags.GetBool("insecure"); insecure {
		buildConfig.AllowInsecure = true
	}

	platformSpec, _ := flags.GetString("platform")
	if platformSpec == "" {
		platformSpec = cfg.DefaultPlatform
	}
	platform, err := parsePlatform(platformSpec)
	if err != nil {
		return nil, err
	}
	buildConfig.Platform = platform

	for kind, flag := range map[layer.Kind]string{
		layer.KindDependencies: "dependencies",
		layer.KindResources:    "resources",
		layer.KindClasses:      "classes",
	} {
		dir, _ := flags.GetString(flag)
		if dir == "" {
			continue
		}
		buildConfig.Layers = append(buildConfig.Layers, builder.LayerSpec{
			Kind:          kind,
			SourceDir:     dir,
			ContainerRoot: containerRootFor(kind),
		})
	}
	// Dependencies change least, classes most; order the layers so the
	// most stable ones come first.
	sortLayerSpecs(buildConfig.Layers)

	buildConfig.Entrypoint, _ = flags.GetStringSlice("entrypoint")
	buildConfig.MainClass, _ = flags.GetString("main-class")
	buildConfig.JVMFlags, _ = flags.GetStringSlice("jvm-flags")
	buildConfig.Cmd, _ = flags.GetStringSlice("args")
	buildConfig.User, _ = flags.GetString("user")
	buildConfig.WorkingDir, _ = flags.GetString("workdir")
	buildConfig.ExposedPorts, _ = flags.GetStringSlice("port")
	buildConfig.OCIOutput, _ = flags.GetBool("oci")

	envPairs, _ := flags.GetStringSlice("env")
	buildConfig.Env, err = parseKeyValues(envPairs)
	if err != nil {
		return nil, err
	}
	labelPairs, _ := flags.GetStringSlice("label")
	buildConfig.Labels, err = parseKeyValues(labelPairs)
	if err != nil {
		return nil, err
	}

	if reproducible, _ := flags.GetBool("reproducible"); !reproducible {
		buildConfig.CreationTime = time.Now()
		buildConfig.ModTimeOverride = time.Now()
	}

	buildConfig.CredentialSources = credentialSources(cmd, cfg)
	return buildConfig, nil
}

func credentialSources(cmd *cobra.Command, cfg *config.Config) []registry.CredentialRetriever {
	var sources []registry.CredentialRetriever

	username, _ := cmd.Flags().GetString("username")
	password, _ := cmd.Flags().GetString("password")
	if username != "" || password != "" {
		sources = append(sources, registry.ExplicitCredential{Username: username, Password: password})
	}

	helpers, _ := cmd.Flags().GetStringSlice("credential-helper")
	if len(helpers) == 0 {
		helpers = cfg.CredentialHelpers
	}
	for _, name := range helpers {
		sources = append(sources, registry.HelperCredential{Name: name})
	}

	sources = append(sources, registry.DockerConfigCredential{Path: cfg.DockerConfigPath})
	return sources
}

func parsePlatform(spec string) (ocispec.Platform, error) {
	parts := strings.Split(spec, "/")
	switch len(parts) {
	case 2:
		return ocispec.Platform{OS: parts[0], Architecture: parts[1]}, nil
	case 3:
		return ocispec.Platform{OS: parts[0], Architecture: parts[1], Variant: parts[2]}, nil
	default:
		return ocispec.Platform{}, errors.Errorf("invalid platform %q, want os/arch[/variant]", spec)
	}
}

func parseKeyValues(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, errors.Errorf("invalid KEY=VALUE pair %q", pair)
		}
		out[k] = v
	}
	return out, nil
}

func containerRootFor(kind layer.Kind) string {
	switch kind {
	case layer.KindDependencies:
		return builder.DependenciesRoot
	case layer.KindResources:
		return builder.ResourcesRoot
	default:
		return builder.ClassesRoot
	}
}

func sortLayerSpecs(specs []builder.LayerSpec) {
	rank := map[layer.Kind]int{
		layer.KindDependencies: 0,
		layer.KindResources:    1,
		layer.KindClasses:      2,
	}
	for i := 0; i < len(specs); i++ {
		for j := i + 1; j < len(specs); j++ {
			if rank[specs[j].Kind] < rank[specs[i].Kind] {
				specs[i], specs[j] = specs[j], specs[i]
			}
		}
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
