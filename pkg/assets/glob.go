package assets

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rotisserie/eris"
)

// HasMeta reports whether the given path contains glob meta characters.
func HasMeta(path string) bool {
	return strings.ContainsAny(path, "*?[{")
}

// matchFiles returns the slash-separated paths (relative to base) of all files below
// base that match at least one of the patterns. The result is sorted and free of duplicates.
func matchFiles(base string, patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	result := make([]string, 0)
	fsys := os.DirFS(base)

	for _, pattern := range patterns {
		pattern = strings.TrimPrefix(filepath.ToSlash(pattern), "./")
		if !doublestar.ValidatePattern(pattern) {
			return nil, eris.Errorf("invalid pattern %s", pattern)
		}

		err := doublestar.GlobWalk(fsys, pattern, func(path string, d fs.DirEntry) error {
			if d.IsDir() || seen[path] {
				return nil
			}

			seen[path] = true
			result = append(result, path)
			return nil
		}, doublestar.WithFilesOnly())
		if err != nil {
			return nil, eris.Wrapf(err, "failed to resolve pattern %s in %s", pattern, base)
		}
	}

	sort.Strings(result)
	return result, nil
}

// splitPattern splits path into the directory to search and the pattern below it. Existing
// directories always end up in the base, even if their names contain glob meta characters.
func splitPattern(path string) (string, string) {
	path = filepath.Clean(path)
	slashBase, pattern := doublestar.SplitPattern(filepath.ToSlash(path))
	base := filepath.FromSlash(slashBase)

	for dir := filepath.Dir(path); len(dir) > len(base); dir = filepath.Dir(dir) {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			break
		}
		return dir, filepath.ToSlash(rel)
	}

	return base, pattern
}

// IsPattern reports whether path has to be expanded as a glob. Paths that exist are always literal.
func IsPattern(path string) bool {
	if _, err := os.Lstat(path); err == nil {
		return false
	}

	_, pattern := splitPattern(path)
	return HasMeta(pattern)
}

// ResolvePatterns expands a list of paths and doublestar patterns into the matching regular
// files. Relative entries are resolved against base. Literal paths are returned as-is, even
// if they don't exist, so callers can report them properly.
func ResolvePatterns(base string, patterns []string) ([]string, error) {
	result := make([]string, 0, len(patterns))
	seen := make(map[string]bool)

	for _, item := range patterns {
		if !filepath.IsAbs(item) {
			item = filepath.Join(base, item)
		}

		if !IsPattern(item) {
			item = filepath.Clean(item)
			if !seen[item] {
				seen[item] = true
				result = append(result, item)
			}
			continue
		}

		patternBase, pattern := splitPattern(item)
		matches, err := matchFiles(patternBase, []string{pattern})
		if err != nil {
			return nil, err
		}

		for _, match := range matches {
			path := filepath.Join(patternBase, filepath.FromSlash(match))
			if !seen[path] {
				seen[path] = true
				result = append(result, path)
			}
		}
	}

	return result, nil
}
