package buildsys

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R0d3ric/OpenAM/openam-ui-policy/pkg/assets"
)

// policyProject creates the layout the default task file expects and returns the project root
// and the forgerock-ui checkout.
func policyProject(t *testing.T) (string, string) {
	t.Helper()
	root := t.TempDir()
	project := filepath.Join(root, "policy")
	ui := filepath.Join(root, "forgerock-ui")
	commons := filepath.Join(ui, "forgerock-ui-commons", "src", "main")

	writeFile(t, filepath.Join(commons, "js", "org", "forgerock", "commons", "ui", "main.js"), "define([], {});")
	writeFile(t, filepath.Join(commons, "resources", "css", "common.less"), "@base: #fff;")
	writeFile(t, filepath.Join(project, "src", "main", "js", "org", "forgerock", "openam", "ui", "editor", "main.js"), "require([]);")
	writeFile(t, filepath.Join(project, "src", "main", "resources", "index.html"), "<html data-version=\"${version}\"><script src=\"main.js?v=${version}\"></script></html>")
	writeFile(t, filepath.Join(project, "src", "main", "resources", "css", "styles.less"), "// ${version}\n@import \"common.less\";\n")
	writeFile(t, filepath.Join(project, "src", "main", "resources", "templates", "list.html"), "<ul>${version}</ul>")

	return project, ui
}

func policyTasks(t *testing.T, project, ui, dest, version string) TaskList {
	t.Helper()
	tasks, err := Parse(testContext(t), DefaultScript(project, nil, map[string]string{
		"version":      version,
		"destination":  dest,
		"forgerock_ui": ui,
	}))
	require.NoError(t, err)
	return tasks
}

func TestRunTask_SyncAndReplace(t *testing.T) {
	// Arrange
	project, ui := policyProject(t)
	dest := filepath.Join(t.TempDir(), "openam")
	tasks := policyTasks(t, project, ui, dest, "13.5.0")
	editor := filepath.Join(dest, "policyEditor")

	// Act
	require.NoError(t, RunTask(testContext(t), project, "sync", tasks, RunOptions{}))
	require.NoError(t, RunTask(testContext(t), project, "replace", tasks, RunOptions{}))

	// Assert
	assert.Equal(t, "define([], {});", readFile(t, filepath.Join(editor, "org", "forgerock", "commons", "ui", "main.js")))
	assert.Equal(t, "@base: #fff;", readFile(t, filepath.Join(editor, "css", "common.less")))
	assert.Equal(t, "require([]);", readFile(t, filepath.Join(editor, "org", "forgerock", "openam", "ui", "editor", "main.js")))
	assert.Equal(t, "<html data-version=\"13.5.0\"><script src=\"main.js?v=13.5.0\"></script></html>", readFile(t, filepath.Join(editor, "index.html")))
	assert.Equal(t, "// 13.5.0\n@import \"common.less\";\n", readFile(t, filepath.Join(editor, "css", "styles.less")))
	// only index.html and styles.less are transformed
	assert.Equal(t, "<ul>${version}</ul>", readFile(t, filepath.Join(editor, "templates", "list.html")))

	// the sources stay untouched
	assert.Contains(t, readFile(t, filepath.Join(project, "src", "main", "resources", "index.html")), "${version}")
}

func TestRunTask_Idempotent(t *testing.T) {
	project, ui := policyProject(t)
	dest := filepath.Join(t.TempDir(), "openam")
	tasks := policyTasks(t, project, ui, dest, "13.5.0")
	editor := filepath.Join(dest, "policyEditor")

	for i := 0; i < 2; i++ {
		require.NoError(t, RunTask(testContext(t), project, "sync", tasks, RunOptions{}))
		require.NoError(t, RunTask(testContext(t), project, "replace", tasks, RunOptions{}))
	}

	assert.Equal(t, "<html data-version=\"13.5.0\"><script src=\"main.js?v=13.5.0\"></script></html>", readFile(t, filepath.Join(editor, "index.html")))
	assert.Equal(t, "// 13.5.0\n@import \"common.less\";\n", readFile(t, filepath.Join(editor, "css", "styles.less")))
}

func TestRunTask_MissingVersion(t *testing.T) {
	project, ui := policyProject(t)
	dest := filepath.Join(t.TempDir(), "openam")
	tasks := policyTasks(t, project, ui, dest, "")
	editor := filepath.Join(dest, "policyEditor")

	require.NoError(t, RunTask(testContext(t), project, "sync", tasks, RunOptions{}))
	err := RunTask(testContext(t), project, "replace", tasks, RunOptions{})

	require.Error(t, err)
	assert.ErrorIs(t, err, assets.ErrEmptyReplacement)
	assert.Equal(t, "<html data-version=\"${version}\"><script src=\"main.js?v=${version}\"></script></html>", readFile(t, filepath.Join(editor, "index.html")))
}

func TestRunTask_DryRun(t *testing.T) {
	project, ui := policyProject(t)
	dest := filepath.Join(t.TempDir(), "openam")
	tasks := policyTasks(t, project, ui, dest, "13.5.0")

	opts := RunOptions{DryRun: true}
	require.NoError(t, RunTask(testContext(t), project, "sync", tasks, opts))
	require.NoError(t, RunTask(testContext(t), project, "replace", tasks, opts))
	require.NoError(t, RunTask(testContext(t), project, "watch", tasks, opts))

	_, err := os.Stat(dest)
	assert.True(t, os.IsNotExist(err))
}

func TestRunTask_DepsRunOnce(t *testing.T) {
	root := t.TempDir()
	tasks, err := parseScript(t, root, `
def configure():
    task(short = "a", cmds = ["echo a >> order.txt"])
    task(short = "b", deps = ["a"], cmds = ["echo b >> order.txt"])
    task(short = "c", deps = ["a", "b"], cmds = ["echo c >> order.txt"])
`, nil, nil)
	require.NoError(t, err)

	require.NoError(t, RunTask(testContext(t), root, "c", tasks, RunOptions{}))
	assert.Equal(t, "a\nb\nc\n", readFile(t, filepath.Join(root, "order.txt")))
}

func TestRunTask_Failures(t *testing.T) {
	root := t.TempDir()
	tasks, err := parseScript(t, root, `
def configure():
    task(short = "loop-a", deps = ["loop-b"])
    task(short = "loop-b", deps = ["loop-a"])
    task(short = "broken", cmds = ["false", "echo unreachable > marker.txt"])
    task(short = "dependent", deps = ["broken"])
    task(short = "orphan", deps = ["missing"])
`, nil, nil)
	require.NoError(t, err)

	err = RunTask(testContext(t), root, "loop-a", tasks, RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "called recursively")

	err = RunTask(testContext(t), root, "dependent", tasks, RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed due to its dependency broken")
	assert.NoFileExists(t, filepath.Join(root, "marker.txt"))

	err = RunTask(testContext(t), root, "orphan", tasks, RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Task missing not found")

	err = RunTask(testContext(t), root, "unknown", tasks, RunOptions{})
	require.Error(t, err)
}

func TestRunTask_SkipRules(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "src", "a.txt"), "a")
	writeFile(t, filepath.Join(root, "done.flag"), "")
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(root, "src", "a.txt"), past, past))

	tasks, err := parseScript(t, root, `
def configure():
    task(short = "flagged", skip_if_exists = ["done.flag"], cmds = ["echo ran > flagged.txt"])
    task(short = "build", inputs = ["src/**/*.txt"], outputs = ["out.txt"], cmds = ["echo built >> out.txt"])
`, nil, nil)
	require.NoError(t, err)

	require.NoError(t, RunTask(testContext(t), root, "flagged", tasks, RunOptions{}))
	assert.NoFileExists(t, filepath.Join(root, "flagged.txt"))

	require.NoError(t, RunTask(testContext(t), root, "flagged", tasks, RunOptions{Force: true}))
	assert.FileExists(t, filepath.Join(root, "flagged.txt"))

	// the missing output triggers the first build, the second one is up to date
	require.NoError(t, RunTask(testContext(t), root, "build", tasks, RunOptions{}))
	require.NoError(t, RunTask(testContext(t), root, "build", tasks, RunOptions{}))
	assert.Equal(t, "built\n", readFile(t, filepath.Join(root, "out.txt")))

	// touching an input makes the output stale again
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(root, "src", "a.txt"), future, future))
	require.NoError(t, RunTask(testContext(t), root, "build", tasks, RunOptions{}))
	assert.Equal(t, "built\nbuilt\n", readFile(t, filepath.Join(root, "out.txt")))
}

func TestRunTask_Watch(t *testing.T) {
	// Arrange
	project, ui := policyProject(t)
	dest := filepath.Join(t.TempDir(), "openam")
	tasks := policyTasks(t, project, ui, dest, "13.5.0")
	editor := filepath.Join(dest, "policyEditor")

	ctx, cancel := context.WithCancel(testContext(t))
	done := make(chan error, 1)
	go func() {
		done <- RunTask(ctx, project, "default", tasks, RunOptions{Debounce: 50 * time.Millisecond})
	}()

	// the initial sync and replace run before the watcher starts
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(editor, "index.html"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	// Act
	writeFile(t, filepath.Join(project, "src", "main", "js", "added.js"), "added")
	writeFile(t, filepath.Join(project, "src", "main", "resources", "index.html"), "<title>${version}</title>")

	// Assert
	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(editor, "added.js"))
		return err == nil && string(data) == "added"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(editor, "index.html"))
		return err == nil && string(data) == "<title>13.5.0</title>"
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancellation")
	}
}
