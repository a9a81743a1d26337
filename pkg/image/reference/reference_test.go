package reference

import (
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
)

func TestParseNormalization(t *testing.T) {
	sha := strings.Repeat("ab", 32)

	tests := []struct {
		name  string
		input string
		want  Reference
	}{
		{
			name:  "bare repository defaults to Docker Hub library",
			input: "alpine",
			want:  Reference{Registry: "registry-1.docker.io", Repository: "library/alpine", Tag: "latest"},
		},
		{
			name:  "hub repository with owner",
			input: "jetty/jetty",
			want:  Reference{Registry: "registry-1.docker.io", Repository: "jetty/jetty", Tag: "latest"},
		},
		{
			name:  "explicit tag",
			input: "busybox:1.36",
			want:  Reference{Registry: "registry-1.docker.io", Repository: "library/busybox", Tag: "1.36"},
		},
		{
			name:  "localhost registry defaults tag",
			input: "localhost:5000/x",
			want:  Reference{Registry: "localhost:5000", Repository: "x", Tag: "latest"},
		},
		{
			name:  "plain localhost registry",
			input: "localhost/x",
			want:  Reference{Registry: "localhost", Repository: "x", Tag: "latest"},
		},
		{
			name:  "registry with dot",
			input: "gcr.io/project/app:v1",
			want:  Reference{Registry: "gcr.io", Repository: "project/app", Tag: "v1"},
		},
		{
			name:  "digest reference",
			input: "alpine@sha256:" + sha,
			want:  Reference{Registry: "registry-1.docker.io", Repository: "library/alpine", Digest: digest.Digest("sha256:" + sha)},
		},
		{
			name:  "tag and digest",
			input: "gcr.io/p/a:v1@sha256:" + sha,
			want:  Reference{Registry: "gcr.io", Repository: "p/a", Tag: "v1", Digest: digest.Digest("sha256:" + sha)},
		},
		{
			name:  "scratch sentinel",
			input: "scratch",
			want:  Reference{Repository: "scratch"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if err != nil {
				t.Fatalf("Parse(%q) failed: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseRejects(t *testing.T) {
	inputs := []string{
		"",
		"UPPERCASE",
		"repo::tag",
		"repo@sha256:short",
		"repo@md5:" + strings.Repeat("ab", 32),
		"repo@sha256:" + strings.Repeat("AB", 32),
		"repo:",
	}
	for _, input := range inputs {
		if _, err := Parse(input); err == nil {
			t.Errorf("Parse(%q) should fail", input)
		}
	}
}

func TestParseRejectsWithTypedError(t *testing.T) {
	_, err := Parse("???")
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := err.(*InvalidError); !ok {
		t.Errorf("expected *InvalidError, got %T", err)
	}
}

func TestRoundTrip(t *testing.T) {
	sha := strings.Repeat("cd", 32)
	inputs := []string{
		"alpine",
		"busybox:1.36",
		"localhost:5000/x",
		"gcr.io/project/app:v1",
		"alpine@sha256:" + sha,
		"scratch",
	}
	for _, input := range inputs {
		first, err := Parse(input)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", input, err)
		}
		second, err := Parse(first.String())
		if err != nil {
			t.Fatalf("re-Parse(%q) failed: %v", first.String(), err)
		}
		if first != second {
			t.Errorf("round trip of %q: %+v != %+v", input, first, second)
		}
	}
}

func TestScratchSerializesAsScratch(t *testing.T) {
	r := MustParse("scratch")
	if !r.IsScratch() {
		t.Error("scratch not detected")
	}
	if r.String() != "scratch" {
		t.Errorf("String() = %q, want scratch", r.String())
	}
}

func TestManifestRefPrefersDigest(t *testing.T) {
	sha := "sha256:" + strings.Repeat("ef", 32)
	r := MustParse("gcr.io/p/a:v1@" + sha)
	if r.ManifestRef() != sha {
		t.Errorf("ManifestRef = %q, want digest", r.ManifestRef())
	}
	if MustParse("gcr.io/p/a:v1").ManifestRef() != "v1" {
		t.Error("ManifestRef should fall back to tag")
	}
}
