package assets

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// CompareMode decides when a destination file counts as up to date.
type CompareMode int

const (
	// CompareMtime skips files whose destination has the same size and isn't older than the source.
	CompareMtime CompareMode = iota
	// CompareContent skips files whose destination has exactly the same bytes.
	CompareContent
)

// ParseCompareMode converts the names used in task files ("mtime", "content") to a CompareMode.
func ParseCompareMode(name string) (CompareMode, error) {
	switch name {
	case "", "mtime":
		return CompareMtime, nil
	case "content", "md5":
		return CompareContent, nil
	}

	return CompareMtime, eris.Errorf("unknown compare mode %s (expected mtime or content)", name)
}

func (m CompareMode) String() string {
	if m == CompareContent {
		return "content"
	}
	return "mtime"
}

// FileSet describes one source tree that is mirrored into Dest.
type FileSet struct {
	// Cwd is the directory the Src patterns are relative to.
	Cwd string
	// Src lists doublestar patterns, i.e. "**/*".
	Src  []string
	Dest string
	// Optional sets are skipped if Cwd doesn't exist.
	Optional bool
}

type SyncOptions struct {
	Files        []FileSet
	CompareUsing CompareMode
	// UpdateAndDelete removes files from the destination directories which none of the
	// file sets produced.
	UpdateAndDelete bool
	// Ignore lists patterns (relative to each destination) protected from UpdateAndDelete.
	Ignore []string
	DryRun bool
}

type SyncResult struct {
	Copied  []string
	Skipped []string
	Removed []string
}

type syncItem struct {
	src  string
	dest string
}

// Sync mirrors all file sets into their destinations. File sets are applied in order and a file
// produced by several sets ends up with the content of the last one.
func Sync(ctx context.Context, opts SyncOptions) (*SyncResult, error) {
	if len(opts.Files) == 0 {
		return nil, ErrNoSources
	}

	logger := zerolog.Ctx(ctx)
	plan := make(map[string]string)
	order := make([]string, 0)
	destRoots := make([]string, 0, len(opts.Files))

	for idx, set := range opts.Files {
		if set.Dest == "" {
			return nil, eris.Wrapf(ErrNoDestination, "file set #%d (%s)", idx, set.Cwd)
		}

		info, err := os.Stat(set.Cwd)
		if err != nil {
			if set.Optional && eris.Is(err, os.ErrNotExist) {
				logger.Debug().Str("path", set.Cwd).Msg("skipping missing optional source")
				continue
			}
			return nil, eris.Wrapf(err, "failed to read source directory %s", set.Cwd)
		}
		if !info.IsDir() {
			return nil, eris.Errorf("source %s is not a directory", set.Cwd)
		}

		src := set.Src
		if len(src) == 0 {
			src = []string{"**/*"}
		}

		files, err := matchFiles(set.Cwd, src)
		if err != nil {
			return nil, err
		}

		for _, rel := range files {
			dest := filepath.Join(set.Dest, filepath.FromSlash(rel))
			if _, ok := plan[dest]; !ok {
				order = append(order, dest)
			}
			plan[dest] = filepath.Join(set.Cwd, filepath.FromSlash(rel))
		}

		destRoots = appendUnique(destRoots, filepath.Clean(set.Dest))
	}

	result := &SyncResult{
		Copied:  []string{},
		Skipped: []string{},
		Removed: []string{},
	}

	for _, dest := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		item := syncItem{src: plan[dest], dest: dest}
		upToDate, err := isUpToDate(item, opts.CompareUsing)
		if err != nil {
			return nil, err
		}

		if upToDate {
			result.Skipped = append(result.Skipped, dest)
			continue
		}

		logger.Debug().Str("path", dest).Msgf("copy %s", item.src)
		if !opts.DryRun {
			if err := copyFile(item.src, item.dest); err != nil {
				return nil, err
			}
		}
		result.Copied = append(result.Copied, dest)
	}

	if opts.UpdateAndDelete {
		for _, root := range destRoots {
			removed, err := removeStale(ctx, root, plan, opts.Ignore, opts.DryRun)
			if err != nil {
				return nil, err
			}
			result.Removed = append(result.Removed, removed...)
		}
	}

	sort.Strings(result.Copied)
	sort.Strings(result.Skipped)
	sort.Strings(result.Removed)

	logger.Info().
		Int("copied", len(result.Copied)).
		Int("skipped", len(result.Skipped)).
		Int("removed", len(result.Removed)).
		Msgf("synced %d files", len(order))

	return result, nil
}

func appendUnique(list []string, item string) []string {
	for _, existing := range list {
		if existing == item {
			return list
		}
	}
	return append(list, item)
}

func isUpToDate(item syncItem, mode CompareMode) (bool, error) {
	srcInfo, err := os.Stat(item.src)
	if err != nil {
		return false, eris.Wrapf(err, "failed to check %s", item.src)
	}

	destInfo, err := os.Stat(item.dest)
	if err != nil {
		if eris.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, eris.Wrapf(err, "failed to check %s", item.dest)
	}

	if destInfo.IsDir() {
		return false, eris.Errorf("%s is a directory but %s is a file", item.dest, item.src)
	}

	if srcInfo.Size() != destInfo.Size() {
		return false, nil
	}

	switch mode {
	case CompareContent:
		return sameContent(item.src, item.dest)
	default:
		return !destInfo.ModTime().Before(srcInfo.ModTime()), nil
	}
}

func sameContent(a, b string) (bool, error) {
	left, err := os.ReadFile(a)
	if err != nil {
		return false, eris.Wrapf(err, "failed to read %s", a)
	}

	right, err := os.ReadFile(b)
	if err != nil {
		return false, eris.Wrapf(err, "failed to read %s", b)
	}

	return bytes.Equal(left, right), nil
}

func copyFile(src, dest string) error {
	info, err := os.Stat(src)
	if err != nil {
		return eris.Wrapf(err, "failed to check %s", src)
	}

	err = os.MkdirAll(filepath.Dir(dest), 0o755)
	if err != nil {
		return eris.Wrapf(err, "failed to create %s", filepath.Dir(dest))
	}

	in, err := os.Open(src)
	if err != nil {
		return eris.Wrapf(err, "failed to open %s", src)
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return eris.Wrapf(err, "failed to open %s", dest)
	}

	_, err = io.Copy(out, in)
	if err != nil {
		out.Close()
		return eris.Wrapf(err, "failed to copy %s to %s", src, dest)
	}

	err = out.Close()
	if err != nil {
		return eris.Wrapf(err, "failed to write %s", dest)
	}

	// an existing destination keeps its old mode otherwise
	return eris.Wrapf(os.Chmod(dest, info.Mode().Perm()), "failed to set permissions on %s", dest)
}

func removeStale(ctx context.Context, root string, plan map[string]string, ignore []string, dryRun bool) ([]string, error) {
	logger := zerolog.Ctx(ctx)
	removed := make([]string, 0)
	dirs := make([]string, 0)

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if eris.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}

		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		for _, pattern := range ignore {
			if ok, _ := doublestar.Match(pattern, rel); ok {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		if info.IsDir() {
			dirs = append(dirs, path)
			return nil
		}

		if _, ok := plan[path]; !ok {
			removed = append(removed, path)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to scan %s", root)
	}

	if dryRun {
		return removed, nil
	}

	for _, path := range removed {
		logger.Debug().Str("path", path).Msg("remove")
		if err := os.Remove(path); err != nil {
			return nil, eris.Wrapf(err, "failed to remove %s", path)
		}
	}

	// deepest directories first so that parents become empty before we look at them
	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], string(os.PathSeparator)) > strings.Count(dirs[j], string(os.PathSeparator))
	})
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err == nil && len(entries) == 0 {
			if err := os.Remove(dir); err != nil {
				return nil, eris.Wrapf(err, "failed to remove %s", dir)
			}
		}
	}

	return removed, nil
}
