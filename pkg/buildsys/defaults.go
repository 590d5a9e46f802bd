package buildsys

import (
	_ "embed"
	"path/filepath"
)

//go:embed default_tasks.star
var defaultTasks []byte

// DefaultScript returns the built-in task file. It behaves as if it was located at
// <projectRoot>/tasks.star.
func DefaultScript(projectRoot string, options, config map[string]string) ScriptParams {
	return ScriptParams{
		Filename:    filepath.Join(projectRoot, "tasks.star"),
		Source:      defaultTasks,
		ProjectRoot: projectRoot,
		Options:     options,
		Config:      config,
	}
}
