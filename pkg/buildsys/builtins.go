package buildsys

import (
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"gopkg.in/yaml.v3"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

type builtinFunc func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error)

// resolvePath joins its arguments into a path relative to the calling script. With base, the
// result is made relative to base instead of being absolute.
func resolvePath(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var baseArg starlark.Value
	err := starlark.UnpackArgs(fn.Name(), nil, kwargs, "base?", &baseArg)
	if err != nil {
		return nil, err
	}

	if len(args) == 0 {
		return nil, eris.Errorf("%s: expected at least one path", fn.Name())
	}

	parts := make([]string, len(args))
	for idx, arg := range args {
		parts[idx], err = starlarkToString(arg, "argument "+strconv.Itoa(idx+1))
		if err != nil {
			return nil, eris.Wrap(err, fn.Name())
		}
	}

	pctx := getCtx(thread)
	result := normalizePath(pctx, parts...)
	if baseArg == nil || baseArg == starlark.None {
		return StarlarkPath(result), nil
	}

	base, err := starlarkToString(baseArg, "base")
	if err != nil {
		return nil, eris.Wrap(err, fn.Name())
	}

	rel, err := filepath.Rel(normalizePath(pctx, base), result)
	if err != nil {
		return nil, eris.Wrapf(err, "%s: can't express %s relative to %s", fn.Name(), result, base)
	}
	return StarlarkPath(rel), nil
}

// messageBuiltin logs its single argument at level, prefixed with the caller's script position.
func messageBuiltin(level zerolog.Level) builtinFunc {
	return func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var message string
		err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message)
		if err != nil {
			return nil, err
		}

		scriptLog(thread, level, "%s", message)
		return starlark.None, nil
	}
}

// starError aborts the script with the given message.
func starError(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string
	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message)
	if err != nil {
		return nil, err
	}

	return nil, eris.New(message)
}

// lookupEnv returns a variable as the script's tasks will see it: setenv() overrides take
// precedence over the process environment.
func lookupEnv(pctx *parserCtx, key string) (string, bool) {
	if value, ok := pctx.envOverrides[key]; ok {
		return value, true
	}
	return os.LookupEnv(key)
}

func getenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	var fallback string
	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "key", &key, "default?", &fallback)
	if err != nil {
		return nil, err
	}

	value, ok := lookupEnv(getCtx(thread), key)
	if !ok {
		value = fallback
	}
	return starlark.String(value), nil
}

func setenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key, value string
	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &key, &value)
	if err != nil {
		return nil, err
	}

	getCtx(thread).envOverrides[key] = value
	return starlark.True, nil
}

// prependPath puts a directory in front of PATH for all tasks declared afterwards and returns the new PATH.
func prependPath(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var dirArg starlark.Value
	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &dirArg)
	if err != nil {
		return nil, err
	}

	dir, err := starlarkToString(dirArg, "dir")
	if err != nil {
		return nil, eris.Wrap(err, fn.Name())
	}

	pctx := getCtx(thread)
	entries := []string{normalizePath(pctx, dir)}
	if current, _ := lookupEnv(pctx, "PATH"); current != "" {
		entries = append(entries, current)
	}

	pctx.envOverrides["PATH"] = strings.Join(entries, string(os.PathListSeparator))
	return starlark.String(pctx.envOverrides["PATH"]), nil
}

// loadYaml parses a YAML document once per script run.
func loadYaml(pctx *parserCtx, path string) (interface{}, error) {
	if doc, ok := pctx.yamlCache[path]; ok {
		return doc, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read %s", path)
	}

	var doc interface{}
	err = yaml.Unmarshal(content, &doc)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse %s", path)
	}

	pctx.yamlCache[path] = doc
	return doc, nil
}

// yamlLookup follows a dotted key through maps and lists (numeric segments index lists).
func yamlLookup(doc interface{}, key string) (interface{}, bool) {
	value := doc
	for _, segment := range strings.Split(key, ".") {
		switch node := value.(type) {
		case map[string]interface{}:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}
			value = next
		case []interface{}:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			value = node[idx]
		default:
			return nil, false
		}
	}

	return value, value != nil
}

func readYaml(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path, key string
	var fallback starlark.Value = starlark.None
	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &path, &key, &fallback)
	if err != nil {
		return nil, err
	}

	pctx := getCtx(thread)
	doc, err := loadYaml(pctx, normalizePath(pctx, path))
	if err != nil {
		return nil, err
	}

	value, ok := yamlLookup(doc, key)
	if !ok {
		return fallback, nil
	}

	result, err := interfaceToStarlark(thread, value)
	if err != nil {
		return nil, eris.Wrapf(err, "%s: can't convert %s", fn.Name(), key)
	}
	return result, nil
}

// statBuiltin reports whether its argument exists and passes check.
func statBuiltin(check func(fs.FileInfo) bool) builtinFunc {
	return func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var pathArg starlark.Value
		err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &pathArg)
		if err != nil {
			return nil, err
		}

		path, err := starlarkToString(pathArg, "path")
		if err != nil {
			return nil, eris.Wrap(err, fn.Name())
		}

		info, err := os.Stat(normalizePath(getCtx(thread), path))
		return starlark.Bool(err == nil && check(info)), nil
	}
}

func isDir(info fs.FileInfo) bool     { return info.IsDir() }
func isRegular(info fs.FileInfo) bool { return info.Mode().IsRegular() }

// shellNodes turns execute()'s command argument into runnable shell nodes. Strings are parsed as
// scripts; tuples are treated as a single command with its arguments.
func shellNodes(fn *starlark.Builtin, command starlark.Value, base string) ([]syntax.Node, error) {
	parser := syntax.NewParser()

	switch command := command.(type) {
	case starlark.String:
		script := TaskCmdScript{TaskName: fn.Name(), Content: command.GoString()}
		stmts, err := script.ToShellStmts(parser)
		if err != nil {
			return nil, err
		}

		nodes := make([]syntax.Node, len(stmts))
		for idx, stmt := range stmts {
			nodes[idx] = stmt
		}
		return nodes, nil
	case starlark.Tuple:
		call, err := processCmdParts(command, parser, base)
		if err != nil {
			return nil, err
		}
		return []syntax.Node{call}, nil
	}

	return nil, eris.Errorf("%s: command has to be a string or tuple, not %s", fn.Name(), command.Type())
}

// starExec runs a command while the script is evaluated and returns its output, or False if the
// command failed. With format = "json", the output is decoded.
func starExec(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var command starlark.Value
	format := "text"
	var showError bool
	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "command", &command, "format?", &format, "show_error?", &showError)
	if err != nil {
		return nil, err
	}

	if format != "text" && format != "json" {
		return nil, eris.Errorf("%s: unsupported format %s", fn.Name(), format)
	}

	pctx := getCtx(thread)
	base := filepath.Dir(pctx.filepath)
	nodes, err := shellNodes(fn, command, base)
	if err != nil {
		return nil, err
	}

	var stdout strings.Builder
	var stderr io.Writer = io.Discard
	if showError {
		stderr = os.Stderr
	}

	runner, err := interp.New(
		interp.Dir(base),
		interp.Env(expand.ListEnviron(getEnvVars(pctx)...)),
		interp.ExecHandler(execHandler),
		interp.OpenHandler(openHandler),
		interp.StdIO(nil, &stdout, stderr),
		interp.Params("-e"),
	)
	if err != nil {
		return nil, eris.Wrap(err, "failed to initialize runner")
	}

	for _, node := range nodes {
		err = runner.Run(pctx.ctx, node)
		if err != nil {
			if showError {
				log(pctx.ctx).Error().Err(err).Msgf("%s failed", fn.Name())
			}
			return starlark.False, nil
		}
	}

	if format == "text" {
		return starlark.String(stdout.String()), nil
	}

	var decoded interface{}
	err = json.Unmarshal([]byte(stdout.String()), &decoded)
	if err != nil {
		return nil, eris.Wrapf(err, "%s: failed to decode output", fn.Name())
	}
	return interfaceToStarlark(thread, decoded)
}
