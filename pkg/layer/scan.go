package layer

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/tonistiigi/fsutil"
)

// ScanOptions control how a source tree is turned into layer entries.
type ScanOptions struct {
	// ModTimeOverride, when non-zero, replaces every entry's modification
	// time. Precedence is override > source mtime > DefaultModTime.
	ModTimeOverride time.Time

	// IncludePatterns and ExcludePatterns filter the walk.
	IncludePatterns []string
	ExcludePatterns []string
}

// Scan walks the tree rooted at sourceDir and returns one entry per file
// and directory, mapped under containerRoot. Entries come back in the
// walker's lexical order, which keeps layer builds deterministic for
// unchanged inputs.
func Scan(ctx context.Context, sourceDir, containerRoot string, opts ScanOptions) ([]Entry, error) {
	if !path.IsAbs(containerRoot) {
		return nil, errors.Errorf("container root %q is not absolute", containerRoot)
	}

	var entries []Entry
	walkOpt := &fsutil.WalkOpt{
		IncludePatterns: opts.IncludePatterns,
		ExcludePatterns: opts.ExcludePatterns,
	}
	err := fsutil.Walk(ctx, sourceDir, walkOpt, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == "." || p == "" {
			return nil
		}
		modTime := info.ModTime()
		if !opts.ModTimeOverride.IsZero() {
			modTime = opts.ModTimeOverride
		}
		entries = append(entries, Entry{
			SourcePath:    filepath.Join(sourceDir, p),
			ContainerPath: path.Join(containerRoot, filepath.ToSlash(p)),
			Mode:          info.Mode(),
			ModTime:       modTime,
		})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to scan layer sources in %s", sourceDir)
	}
	return entries, nil
}
