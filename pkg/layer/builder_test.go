package layer

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shmocker/stoker/pkg/blob"
)

func writeSource(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func renderTar(t *testing.T, b *Builder) []*tar.Header {
	t.Helper()
	var buf bytes.Buffer
	if _, err := b.ToLayer().Uncompressed().WriteTo(&buf); err != nil {
		t.Fatalf("failed to render tar: %v", err)
	}

	var headers []*tar.Header
	tr := tar.NewReader(&buf)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("failed to read tar: %v", err)
		}
		headers = append(headers, hdr)
	}
	return headers
}

func TestBuilderSynthesizesParents(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "hello", "hi\n")

	b := NewBuilder(0o755, time.Unix(1, 0))
	if err := b.Add(Entry{
		SourcePath:    src,
		ContainerPath: "/app/libs/hello",
		Mode:          0o644,
		ModTime:       time.Unix(1, 0),
	}); err != nil {
		t.Fatal(err)
	}

	headers := renderTar(t, b)

	wantNames := []string{"/app/", "/app/libs/", "/app/libs/hello"}
	if len(headers) != len(wantNames) {
		t.Fatalf("got %d headers, want %d", len(headers), len(wantNames))
	}
	for i, want := range wantNames {
		if headers[i].Name != want {
			t.Errorf("header %d name = %q, want %q", i, headers[i].Name, want)
		}
	}

	// Parents are directories with the builder's defaults.
	if headers[0].Typeflag != tar.TypeDir {
		t.Error("synthesized parent is not a directory")
	}
	if headers[0].Mode != 0o755 {
		t.Errorf("synthesized parent mode = %o, want 755", headers[0].Mode)
	}
	if headers[2].Typeflag != tar.TypeReg {
		t.Error("file entry is not a regular file")
	}
	if headers[2].Mode != 0o644 {
		t.Errorf("file mode = %o, want 644", headers[2].Mode)
	}
}

func TestBuilderParentsEmittedOnce(t *testing.T) {
	dir := t.TempDir()
	a := writeSource(t, dir, "a", "a")
	c := writeSource(t, dir, "c", "c")

	b := NewBuilder(0o755, time.Unix(1, 0))
	for _, e := range []Entry{
		{SourcePath: a, ContainerPath: "/app/a", Mode: 0o644},
		{SourcePath: c, ContainerPath: "/app/sub/c", Mode: 0o644},
	} {
		if err := b.Add(e); err != nil {
			t.Fatal(err)
		}
	}

	headers := renderTar(t, b)
	seen := map[string]int{}
	for _, hdr := range headers {
		seen[hdr.Name]++
	}
	if seen["/app/"] != 1 {
		t.Errorf("/app/ emitted %d times, want 1", seen["/app/"])
	}
}

func TestBuilderPreservesCallerOrder(t *testing.T) {
	dir := t.TempDir()
	z := writeSource(t, dir, "z", "z")
	a := writeSource(t, dir, "a", "a")

	b := NewBuilder(0o755, time.Unix(1, 0))
	for _, e := range []Entry{
		{SourcePath: z, ContainerPath: "/z", Mode: 0o644},
		{SourcePath: a, ContainerPath: "/a", Mode: 0o644},
	} {
		if err := b.Add(e); err != nil {
			t.Fatal(err)
		}
	}

	headers := renderTar(t, b)
	if headers[0].Name != "/z" || headers[1].Name != "/a" {
		t.Errorf("entries reordered: %q, %q", headers[0].Name, headers[1].Name)
	}
}

func TestBuilderDefaultModTime(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "f", "f")

	b := NewBuilder(0o755, time.Unix(1, 0))
	if err := b.Add(Entry{SourcePath: src, ContainerPath: "/f", Mode: 0o644}); err != nil {
		t.Fatal(err)
	}

	headers := renderTar(t, b)
	if got := headers[0].ModTime.Unix(); got != 1 {
		t.Errorf("mod time = %d, want 1", got)
	}
}

func TestBuilderReproducible(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "f", "content")

	build := func() string {
		b := NewBuilder(0o755, time.Unix(1, 0))
		if err := b.Add(Entry{SourcePath: src, ContainerPath: "/app/f", Mode: 0o644, ModTime: time.Unix(1, 0)}); err != nil {
			t.Fatal(err)
		}
		var buf bytes.Buffer
		desc, err := b.ToLayer().Uncompressed().WriteTo(&buf)
		if err != nil {
			t.Fatal(err)
		}
		return desc.Digest.String()
	}

	if first, second := build(), build(); first != second {
		t.Errorf("identical inputs produced different digests: %s vs %s", first, second)
	}
}

func TestBuilderMissingSourceFails(t *testing.T) {
	b := NewBuilder(0o755, time.Unix(1, 0))
	if err := b.Add(Entry{SourcePath: "/nonexistent/source", ContainerPath: "/f", Mode: 0o644}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.ToLayer().Uncompressed().WriteTo(io.Discard); err == nil {
		t.Error("expected error for missing source")
	}
}

func TestBuilderRejectsRelativeContainerPath(t *testing.T) {
	b := NewBuilder(0o755, time.Unix(1, 0))
	if err := b.Add(Entry{SourcePath: "x", ContainerPath: "relative/path", Mode: 0o644}); err == nil {
		t.Error("expected error for relative container path")
	}
}

func TestUnwrittenLayerProperties(t *testing.T) {
	l := NewUnwritten(blob.Empty())
	if _, err := l.Digest(); err == nil {
		t.Error("expected property error for digest on unwritten layer")
	}
	var pnf *PropertyNotFoundError
	_, err := l.DiffID()
	if !errors.As(err, &pnf) {
		t.Errorf("expected PropertyNotFoundError, got %v", err)
	}
}

func TestReferenceNoDiffID(t *testing.T) {
	l := NewReferenceNoDiffID(blob.Descriptor{Digest: "sha256:0000000000000000000000000000000000000000000000000000000000000000", Size: 7})
	if _, err := l.Digest(); err != nil {
		t.Errorf("digest should be available: %v", err)
	}
	if _, err := l.DiffID(); err == nil {
		t.Error("diff id should be unavailable")
	}
}
