package layer

import (
	"archive/tar"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/shmocker/stoker/pkg/blob"
)

// DefaultModTime is used for entries whose source provides no modification
// time. One second past the epoch keeps layers reproducible while avoiding
// the zero timestamp, which several tools treat as "file is missing".
var DefaultModTime = time.Unix(1, 0).UTC()

// Entry maps a source path on the local filesystem to an absolute POSIX
// path inside the container.
type Entry struct {
	SourcePath    string
	ContainerPath string
	Mode          os.FileMode
	ModTime       time.Time
	Owner         string
	Group         string
}

// IsDir reports whether the entry describes a directory.
func (e Entry) IsDir() bool { return e.Mode.IsDir() }

// Builder accumulates entries and renders them as a reproducible tar
// stream. Entries are emitted in the order they were added; callers that
// want determinism sort before adding.
type Builder struct {
	entries []Entry

	// Defaults for directories synthesized for missing parents.
	dirMode    os.FileMode
	dirModTime time.Time
}

// NewBuilder returns a Builder whose synthesized parent directories use the
// given permissions and modification time.
func NewBuilder(dirMode os.FileMode, dirModTime time.Time) *Builder {
	return &Builder{
		dirMode:    dirMode,
		dirModTime: dirModTime,
	}
}

// Add appends an entry. The container path must be absolute.
func (b *Builder) Add(e Entry) error {
	if !path.IsAbs(e.ContainerPath) {
		return errors.Errorf("container path %q is not absolute", e.ContainerPath)
	}
	b.entries = append(b.entries, e)
	return nil
}

// Len returns the number of entries added so far.
func (b *Builder) Len() int { return len(b.entries) }

// ToLayer renders the entries as an unwritten layer whose uncompressed
// producer streams the tar. The producer re-reads source files on every
// invocation, so the resulting blob is retryable as long as the sources
// stay put; a source that disappears mid-stream fails the layer.
func (b *Builder) ToLayer() *Unwritten {
	entries := make([]Entry, len(b.entries))
	copy(entries, b.entries)
	return NewUnwritten(blob.FromWriterFunc(func(w io.Writer) error {
		return writeTar(w, entries, b.dirMode, b.dirModTime)
	}, true))
}

func writeTar(w io.Writer, entries []Entry, dirMode os.FileMode, dirModTime time.Time) error {
	tw := tar.NewWriter(w)
	emitted := map[string]bool{"/": true}

	for _, e := range entries {
		if err := synthesizeParents(tw, e.ContainerPath, emitted, dirMode, dirModTime); err != nil {
			return err
		}
		if err := writeEntry(tw, e, emitted); err != nil {
			return err
		}
	}
	return errors.Wrap(tw.Close(), "failed to finish tar stream")
}

// synthesizeParents emits directory headers for every missing ancestor of
// containerPath, shallowest first.
func synthesizeParents(tw *tar.Writer, containerPath string, emitted map[string]bool, mode os.FileMode, modTime time.Time) error {
	var missing []string
	for dir := path.Dir(containerPath); !emitted[dir]; dir = path.Dir(dir) {
		missing = append(missing, dir)
	}
	sort.Slice(missing, func(i, j int) bool {
		return strings.Count(missing[i], "/") < strings.Count(missing[j], "/")
	})

	for _, dir := range missing {
		hdr := &tar.Header{
			Typeflag: tar.TypeDir,
			Name:     tarName(dir, true),
			Mode:     headerMode(mode | os.ModeDir),
			ModTime:  modTime.Truncate(time.Second),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return errors.Wrapf(err, "failed to write directory header %s", dir)
		}
		emitted[dir] = true
	}
	return nil
}

func writeEntry(tw *tar.Writer, e Entry, emitted map[string]bool) error {
	modTime := e.ModTime
	if modTime.IsZero() {
		modTime = DefaultModTime
	}

	hdr := &tar.Header{
		Name:    tarName(e.ContainerPath, e.IsDir()),
		Mode:    headerMode(e.Mode),
		ModTime: modTime.Truncate(time.Second),
		Uname:   e.Owner,
		Gname:   e.Group,
	}

	if e.IsDir() {
		hdr.Typeflag = tar.TypeDir
		if err := tw.WriteHeader(hdr); err != nil {
			return errors.Wrapf(err, "failed to write directory header %s", e.ContainerPath)
		}
		emitted[e.ContainerPath] = true
		return nil
	}

	f, err := os.Open(e.SourcePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open layer source %s", e.SourcePath)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "failed to stat layer source %s", e.SourcePath)
	}

	hdr.Typeflag = tar.TypeReg
	hdr.Size = info.Size()
	if err := tw.WriteHeader(hdr); err != nil {
		return errors.Wrapf(err, "failed to write file header %s", e.ContainerPath)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return errors.Wrapf(err, "failed to stream layer source %s", e.SourcePath)
	}
	emitted[e.ContainerPath] = true
	return nil
}

// headerMode keeps the low 12 permission bits; the directory bit is carried
// by the tar typeflag, not the mode.
func headerMode(mode os.FileMode) int64 {
	m := int64(mode.Perm())
	if mode&os.ModeSetuid != 0 {
		m |= 0o4000
	}
	if mode&os.ModeSetgid != 0 {
		m |= 0o2000
	}
	if mode&os.ModeSticky != 0 {
		m |= 0o1000
	}
	return m
}

func tarName(containerPath string, isDir bool) string {
	if isDir && !strings.HasSuffix(containerPath, "/") {
		return containerPath + "/"
	}
	return containerPath
}
