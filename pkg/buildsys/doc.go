// Package buildsys implements a minimal build system based on Starlark for the task specification
// and mvdan.cc/sh for the shell runtime.
// Besides shell commands, tasks can mirror asset trees (sync), substitute tokens in the copied
// files (replace) and rerun other tasks whenever their sources change (watch).
package buildsys
