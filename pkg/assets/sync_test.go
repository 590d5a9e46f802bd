package assets

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// snapshot returns the content of every file below root keyed by its slash-separated relative path.
func snapshot(t *testing.T, root string) map[string]string {
	t.Helper()
	result := make(map[string]string)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		result[filepath.ToSlash(rel)] = readFile(t, path)
		return nil
	})
	require.NoError(t, err)
	return result
}

func TestSync_CopiesAllFileSets(t *testing.T) {
	// Arrange: two source trees mirrored into the same destination
	root := t.TempDir()
	commons := filepath.Join(root, "commons")
	local := filepath.Join(root, "local")
	dest := filepath.Join(root, "dest")

	writeFile(t, filepath.Join(commons, "js/main.js"), "commons main")
	writeFile(t, filepath.Join(commons, "css/base.css"), "body {}")
	writeFile(t, filepath.Join(local, "index.html"), "<html>${version}</html>")
	writeFile(t, filepath.Join(local, "templates/editor/list.html"), "<ul></ul>")

	// Act
	result, err := Sync(context.Background(), SyncOptions{
		Files: []FileSet{
			{Cwd: commons, Src: []string{"**/*"}, Dest: dest},
			{Cwd: local, Src: []string{"**/*"}, Dest: dest},
		},
	})

	// Assert
	require.NoError(t, err)
	assert.Len(t, result.Copied, 4)
	assert.Empty(t, result.Skipped)
	assert.Equal(t, map[string]string{
		"js/main.js":                 "commons main",
		"css/base.css":               "body {}",
		"index.html":                 "<html>${version}</html>",
		"templates/editor/list.html": "<ul></ul>",
	}, snapshot(t, dest))
}

func TestSync_LaterFileSetWins(t *testing.T) {
	root := t.TempDir()
	first := filepath.Join(root, "first")
	second := filepath.Join(root, "second")
	dest := filepath.Join(root, "dest")

	writeFile(t, filepath.Join(second, "config.js"), "second")
	// make the first source newer so that an mtime comparison alone would prefer it
	writeFile(t, filepath.Join(first, "config.js"), "first, but longer")

	_, err := Sync(context.Background(), SyncOptions{
		Files: []FileSet{
			{Cwd: first, Src: []string{"**/*"}, Dest: dest},
			{Cwd: second, Src: []string{"**/*"}, Dest: dest},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "second", readFile(t, filepath.Join(dest, "config.js")))
}

func TestSync_OverwritesExistingFiles(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dest := filepath.Join(root, "dest")

	writeFile(t, filepath.Join(dest, "app.js"), "stale content")
	writeFile(t, filepath.Join(src, "app.js"), "fresh")

	// push the destination into the past so the source is newer
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dest, "app.js"), past, past))

	result, err := Sync(context.Background(), SyncOptions{
		Files: []FileSet{{Cwd: src, Dest: dest}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dest, "app.js")}, result.Copied)
	assert.Equal(t, "fresh", readFile(t, filepath.Join(dest, "app.js")))
}

func TestSync_AppliesSourceMode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not supported on Windows")
	}

	root := t.TempDir()
	src := filepath.Join(root, "src")
	dest := filepath.Join(root, "dest")

	writeFile(t, filepath.Join(dest, "run.sh"), "old")
	writeFile(t, filepath.Join(src, "run.sh"), "#!/bin/sh")
	require.NoError(t, os.Chmod(filepath.Join(src, "run.sh"), 0o755))

	_, err := Sync(context.Background(), SyncOptions{
		Files:        []FileSet{{Cwd: src, Dest: dest}},
		CompareUsing: CompareContent,
	})
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dest, "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
	assert.Equal(t, "#!/bin/sh", readFile(t, filepath.Join(dest, "run.sh")))
}

func TestSync_Idempotent(t *testing.T) {
	for _, mode := range []CompareMode{CompareMtime, CompareContent} {
		t.Run(mode.String(), func(t *testing.T) {
			root := t.TempDir()
			src := filepath.Join(root, "src")
			dest := filepath.Join(root, "dest")

			writeFile(t, filepath.Join(src, "a.js"), "a")
			writeFile(t, filepath.Join(src, "nested/b.css"), "b")

			opts := SyncOptions{
				Files:        []FileSet{{Cwd: src, Src: []string{"**/*"}, Dest: dest}},
				CompareUsing: mode,
			}

			_, err := Sync(context.Background(), opts)
			require.NoError(t, err)
			before := snapshot(t, dest)

			result, err := Sync(context.Background(), opts)
			require.NoError(t, err)

			assert.Empty(t, result.Copied, "unchanged inputs must not be copied again")
			assert.Len(t, result.Skipped, 2)
			assert.Equal(t, before, snapshot(t, dest))
		})
	}
}

func TestSync_ContentCompareDetectsChanges(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dest := filepath.Join(root, "dest")

	writeFile(t, filepath.Join(src, "a.js"), "abc")
	writeFile(t, filepath.Join(dest, "a.js"), "xyz")

	result, err := Sync(context.Background(), SyncOptions{
		Files:        []FileSet{{Cwd: src, Dest: dest}},
		CompareUsing: CompareContent,
	})
	require.NoError(t, err)
	assert.Len(t, result.Copied, 1)
	assert.Equal(t, "abc", readFile(t, filepath.Join(dest, "a.js")))
}

func TestSync_PatternFilter(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dest := filepath.Join(root, "dest")

	writeFile(t, filepath.Join(src, "a.js"), "a")
	writeFile(t, filepath.Join(src, "lib/b.js"), "b")
	writeFile(t, filepath.Join(src, "lib/c.css"), "c")

	_, err := Sync(context.Background(), SyncOptions{
		Files: []FileSet{{Cwd: src, Src: []string{"**/*.js"}, Dest: dest}},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a.js": "a", "lib/b.js": "b"}, snapshot(t, dest))
}

func TestSync_UpdateAndDelete(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dest := filepath.Join(root, "dest")

	writeFile(t, filepath.Join(src, "keep.js"), "keep")
	writeFile(t, filepath.Join(dest, "old/gone.js"), "gone")
	writeFile(t, filepath.Join(dest, "config/local.json"), "{}")

	result, err := Sync(context.Background(), SyncOptions{
		Files:           []FileSet{{Cwd: src, Dest: dest}},
		UpdateAndDelete: true,
		Ignore:          []string{"config/**"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{filepath.Join(dest, "old", "gone.js")}, result.Removed)
	assert.Equal(t, map[string]string{"keep.js": "keep", "config/local.json": "{}"}, snapshot(t, dest))
	assert.NoDirExists(t, filepath.Join(dest, "old"))
}

func TestSync_DryRun(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dest := filepath.Join(root, "dest")
	writeFile(t, filepath.Join(src, "a.js"), "a")

	result, err := Sync(context.Background(), SyncOptions{
		Files:  []FileSet{{Cwd: src, Dest: dest}},
		DryRun: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dest, "a.js")}, result.Copied)
	assert.NoDirExists(t, dest)
}

func TestSync_MissingSource(t *testing.T) {
	root := t.TempDir()
	dest := filepath.Join(root, "dest")

	_, err := Sync(context.Background(), SyncOptions{
		Files: []FileSet{{Cwd: filepath.Join(root, "missing"), Dest: dest}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)

	result, err := Sync(context.Background(), SyncOptions{
		Files: []FileSet{{Cwd: filepath.Join(root, "missing"), Dest: dest, Optional: true}},
	})
	require.NoError(t, err)
	assert.Empty(t, result.Copied)
}

func TestSync_InvalidOptions(t *testing.T) {
	_, err := Sync(context.Background(), SyncOptions{})
	assert.ErrorIs(t, err, ErrNoSources)

	_, err = Sync(context.Background(), SyncOptions{
		Files: []FileSet{{Cwd: t.TempDir()}},
	})
	assert.ErrorIs(t, err, ErrNoDestination)
}

func TestSync_Cancelled(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	writeFile(t, filepath.Join(src, "a.js"), "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Sync(ctx, SyncOptions{
		Files: []FileSet{{Cwd: src, Dest: filepath.Join(root, "dest")}},
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseCompareMode(t *testing.T) {
	mode, err := ParseCompareMode("")
	require.NoError(t, err)
	assert.Equal(t, CompareMtime, mode)

	mode, err = ParseCompareMode("content")
	require.NoError(t, err)
	assert.Equal(t, CompareContent, mode)

	_, err = ParseCompareMode("sha1")
	assert.Error(t, err)
}
