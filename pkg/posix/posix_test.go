package posix

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(filepath.Base(path)), 0o644))
}

func TestMove(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "a.js"))
	touch(t, filepath.Join(root, "b.js"))
	require.NoError(t, os.Mkdir(filepath.Join(root, "out"), 0o755))

	// into a directory
	require.NoError(t, Move([]string{filepath.Join(root, "a.js"), filepath.Join(root, "b.js")}, filepath.Join(root, "out")))
	assert.FileExists(t, filepath.Join(root, "out", "a.js"))
	assert.FileExists(t, filepath.Join(root, "out", "b.js"))
	assert.NoFileExists(t, filepath.Join(root, "a.js"))

	// rename
	require.NoError(t, Move([]string{filepath.Join(root, "out", "a.js")}, filepath.Join(root, "main.js")))
	assert.FileExists(t, filepath.Join(root, "main.js"))
}

func TestMove_Errors(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "a.js"))
	touch(t, filepath.Join(root, "b.js"))

	assert.Error(t, Move(nil, root))
	assert.Error(t, Move([]string{filepath.Join(root, "a.js")}, filepath.Join(root, "missing", "a.js")))
	assert.Error(t, Move([]string{filepath.Join(root, "a.js"), filepath.Join(root, "b.js")}, filepath.Join(root, "c.js")))
}

func TestRemove(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "file.txt"))
	touch(t, filepath.Join(root, "dir", "nested.txt"))

	err := Remove([]string{filepath.Join(root, "dir")}, false, false)
	assert.Error(t, err)
	assert.DirExists(t, filepath.Join(root, "dir"))

	require.NoError(t, Remove([]string{filepath.Join(root, "file.txt"), filepath.Join(root, "dir")}, true, false))
	assert.NoFileExists(t, filepath.Join(root, "file.txt"))
	assert.NoDirExists(t, filepath.Join(root, "dir"))

	assert.Error(t, Remove([]string{filepath.Join(root, "missing")}, false, false))
	assert.NoError(t, Remove([]string{filepath.Join(root, "missing")}, false, true))
}

func TestMkdir(t *testing.T) {
	root := t.TempDir()

	assert.Error(t, Mkdir([]string{filepath.Join(root, "a", "b")}, false))
	require.NoError(t, Mkdir([]string{filepath.Join(root, "a", "b")}, true))
	assert.DirExists(t, filepath.Join(root, "a", "b"))

	require.NoError(t, Mkdir([]string{filepath.Join(root, "c")}, false))
	assert.DirExists(t, filepath.Join(root, "c"))
}
