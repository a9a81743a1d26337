// Package builder orchestrates the build: it pulls and caches the base
// image, constructs application layers, and publishes the result to a
// registry or a docker-load tarball.
package builder

import (
	"fmt"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"

	"github.com/shmocker/stoker/pkg/image"
	"github.com/shmocker/stoker/pkg/image/reference"
	"github.com/shmocker/stoker/pkg/layer"
	"github.com/shmocker/stoker/pkg/registry"
)

// Conventional in-container roots for the application layers.
const (
	DependenciesRoot = "/app/libs"
	ResourcesRoot    = "/app/resources"
	ClassesRoot      = "/app/classes"
)

// LayerSpec names one application layer: a source tree and where it lands
// in the container.
type LayerSpec struct {
	Kind          layer.Kind
	SourceDir     string
	ContainerRoot string
}

// Config describes one build. Validate must pass before New accepts it.
type Config struct {
	// BaseImage is the image to build on. The scratch sentinel means no
	// base layers.
	BaseImage reference.Reference

	// TargetImage is where the result is published.
	TargetImage reference.Reference

	// CredentialSources are tried in order for both registries.
	CredentialSources []registry.CredentialRetriever

	// Platform selects the entry of a multi-platform base image.
	// Defaults to linux/amd64.
	Platform ocispec.Platform

	// Entrypoint, when set, is used verbatim. Otherwise, when MainClass is
	// set, a JVM entrypoint is synthesized from the layer roots; with
	// neither, the base image's entrypoint is kept.
	Entrypoint []string

	// MainClass is the JVM main class for the synthesized entrypoint.
	MainClass string

	// JVMFlags are inserted before the classpath in the synthesized
	// entrypoint.
	JVMFlags []string

	Cmd          []string
	Env          map[string]string
	Labels       map[string]string
	ExposedPorts []string
	User         string
	WorkingDir   string

	// CreationTime stamps the image config. Zero leaves the created field
	// out of the config, for reproducible output.
	CreationTime time.Time

	// Layers are the application layers, applied on top of the base in
	// order.
	Layers []LayerSpec

	// ExtraFiles are added as one additional layer when present.
	ExtraFiles []layer.Entry

	// ModTimeOverride, when set, replaces source modification times in
	// application layers. Precedence: override > source mtime > epoch+1.
	ModTimeOverride time.Time

	// TarPath switches the terminal step from a registry push to writing
	// a docker-load tarball at this path.
	TarPath string

	// AllowInsecure permits plain-HTTP registries.
	AllowInsecure bool

	// OCIOutput selects OCI media types for the published manifest.
	OCIOutput bool

	// Workers bounds the step executor pool. Zero picks the default.
	Workers int
}

// Validate checks the configuration and fills defaults. It is total: a
// Config that validates will not fail construction later for shape
// reasons.
func (c *Config) Validate() error {
	if c.BaseImage.Repository == "" {
		return errors.New("base image is required")
	}
	if c.TargetImage.Repository == "" && c.TarPath == "" {
		return errors.New("either a target image or a tar path is required")
	}
	if c.TargetImage.IsScratch() {
		return errors.New("cannot publish to scratch")
	}
	if len(c.Entrypoint) == 0 && c.MainClass == "" && c.TarPath == "" && len(c.Cmd) == 0 {
		return errors.New("an entrypoint, cmd, or main class is required")
	}

	if c.Platform.OS == "" {
		c.Platform.OS = "linux"
	}
	if c.Platform.Architecture == "" {
		c.Platform.Architecture = "amd64"
	}

	for _, spec := range c.Layers {
		if spec.Kind == "" {
			return errors.New("layer spec is missing a kind")
		}
		if spec.SourceDir == "" {
			return errors.Errorf("layer %s is missing a source directory", spec.Kind)
		}
		if spec.ContainerRoot == "" {
			return errors.Errorf("layer %s is missing a container root", spec.Kind)
		}
	}

	if _, err := image.ParsePorts(c.ExposedPorts); err != nil {
		return err
	}
	return nil
}

// entrypoint returns the configured entrypoint, or the synthesized JVM
// invocation when only a main class was given.
func (c *Config) entrypoint() []string {
	if len(c.Entrypoint) > 0 {
		return c.Entrypoint
	}
	if c.MainClass == "" {
		return nil
	}
	classpath := fmt.Sprintf("%s:%s:%s/*", ResourcesRoot, ClassesRoot, DependenciesRoot)
	ep := append([]string{"java"}, c.JVMFlags...)
	return append(ep, "-cp", classpath, c.MainClass)
}
