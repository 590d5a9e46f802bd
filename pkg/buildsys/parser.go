package buildsys

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"mvdan.cc/sh/v3/syntax"
)

type parserCtx struct {
	ctx          context.Context
	options      map[string]ScriptOption
	optionValues map[string]string
	envOverrides map[string]string
	yamlCache    map[string]interface{}
	filepath     string
	projectRoot  string
	tasks        []*Task
	initPhase    bool
}

// ScriptParams describes a task script and the values it's evaluated with.
type ScriptParams struct {
	// Filename is used to resolve relative paths and in error messages.
	Filename string
	// Source overrides the file's content. If it's nil, Filename is read.
	Source      []byte
	ProjectRoot string
	// Options holds the values for the script's option() calls.
	Options map[string]string
	// Config is exposed to the script as the CONFIG dict.
	Config map[string]string
}

// * Helpers

func getCtx(thread *starlark.Thread) *parserCtx {
	return thread.Local("parserCtx").(*parserCtx)
}

type starlarkIterable interface {
	Len() int
	Iterate() starlark.Iterator
}

func starlarkIterable2stringSlice(input starlarkIterable, field string) ([]string, error) {
	if value, ok := input.(*starlark.List); ok && value == nil {
		return []string{}, nil
	}

	result := make([]string, 0, input.Len())
	iter := input.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		switch value := item.(type) {
		case starlark.String:
			result = append(result, value.GoString())
		case StarlarkPath:
			result = append(result, string(value))
		case *Task:
			result = append(result, value.Short)
		default:
			return nil, eris.Errorf("expected all items in %s to be strings but found %s", field, item.Type())
		}
	}
	return result, nil
}

func processCmdParts(parts starlark.Tuple, parser *syntax.Parser, base string) (*syntax.CallExpr, error) {
	envVars := make([]string, 0, len(parts))
	for _, part := range parts {
		value, ok := part.(starlark.String)
		if !ok || !strings.Contains(value.GoString(), "=") {
			break
		}
		envVars = append(envVars, value.GoString())
	}

	var cmd *syntax.CallExpr
	if len(envVars) > 0 {
		joinedEnvVars := strings.Join(envVars, " ")
		result, err := parser.Parse(strings.NewReader(joinedEnvVars), "env vars")
		if err != nil {
			return nil, eris.Wrapf(err, "failed to parse command vars %s", joinedEnvVars)
		}

		if len(result.Stmts) != 1 || result.Stmts[0].Cmd == nil {
			return nil, eris.Errorf("malformed env vars %s", joinedEnvVars)
		}

		var ok bool
		cmd, ok = result.Stmts[0].Cmd.(*syntax.CallExpr)
		if !ok || cmd.Assigns == nil {
			return nil, eris.Errorf("malformed env vars %s", joinedEnvVars)
		}
	} else {
		cmd = new(syntax.CallExpr)
	}

	argCount := len(parts) - len(envVars)
	cmd.Args = make([]*syntax.Word, argCount)
	for a, arg := range parts[len(envVars):] {
		var encodedValue string

		switch value := arg.(type) {
		case starlark.String:
			encodedValue = value.GoString()
		case StarlarkPath:
			encodedValue = string(value)

			if filepath.IsAbs(encodedValue) {
				// absolute paths cause issues on Windows
				relValue, err := filepath.Rel(base, encodedValue)
				if err == nil {
					encodedValue = relValue
				}
			}

			encodedValue = filepath.ToSlash(encodedValue)
		default:
			return nil, eris.Errorf("found argument of type %s but only strings and paths are supported: %s", arg.Type(), arg.String())
		}

		var wordPart syntax.WordPart
		if strings.ContainsAny(encodedValue, " $'") {
			node := new(syntax.SglQuoted)
			node.Value = encodedValue
			wordPart = node
		} else {
			node := new(syntax.Lit)
			node.Value = encodedValue
			wordPart = node
		}

		cmd.Args[a] = new(syntax.Word)
		cmd.Args[a].Parts = []syntax.WordPart{wordPart}
	}

	return cmd, nil
}

// scriptLog logs a message at level, prefixed with the position of the script code calling the
// current builtin.
func scriptLog(thread *starlark.Thread, level zerolog.Level, msg string, args ...interface{}) {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos

	log(ctx.ctx).WithLevel(level).
		Msgf("%s:%d:%d: %s", simplifyPath(ctx, ctx.filepath), pos.Line, pos.Col, fmt.Sprintf(msg, args...))
}

// * Builtin functions

func option(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var defaultValue starlark.String
	var help string

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "default?", &defaultValue, "help?", &help)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if !ctx.initPhase {
		return nil, eris.New("can only be called during the init phase (in the global scope)")
	}

	ctx.options[name] = ScriptOption{
		DefaultValue: defaultValue,
		Help:         help,
	}

	value, ok := ctx.optionValues[name]
	if ok {
		return starlark.String(value), nil
	}

	return defaultValue, nil
}

func processTaskCmds(thread *starlark.Thread, fn *starlark.Builtin, task *Task, cmds *starlark.List) error {
	if cmds == nil {
		return nil
	}

	strBuffer := strings.Builder{}
	printer := syntax.NewPrinter(syntax.Minify(true))
	parser := syntax.NewParser()

	addParts := func(idx int, parts starlark.Tuple) error {
		cmd, err := processCmdParts(parts, parser, task.Base)
		if err != nil {
			return eris.Wrapf(err, "failed to process command #%d", idx)
		}

		strBuffer.Reset()
		err = printer.Print(&strBuffer, cmd)
		if err != nil {
			return eris.Wrapf(err, "failed to process command #%d", idx)
		}

		task.Cmds = append(task.Cmds, TaskCmdScript{TaskName: task.Short, Index: idx, Content: strBuffer.String()})
		return nil
	}

	iter := cmds.Iterate()
	defer iter.Done()

	var item starlark.Value
	idx := 0
	for iter.Next(&item) {
		switch value := item.(type) {
		case starlark.String:
			task.Cmds = append(task.Cmds, TaskCmdScript{TaskName: task.Short, Index: idx, Content: value.GoString()})
		case starlark.Tuple:
			if err := addParts(idx, value); err != nil {
				return err
			}
		case *starlark.List:
			parts := make(starlark.Tuple, 0, value.Len())
			for i := 0; i < value.Len(); i++ {
				parts = append(parts, value.Index(i))
			}

			if err := addParts(idx, parts); err != nil {
				return err
			}
		case *Task:
			task.Cmds = append(task.Cmds, TaskCmdTaskRef{Task: value})
		case *Step:
			task.Cmds = append(task.Cmds, value.Cmd)
		default:
			return eris.Errorf("%s: unexpected type %s. Only strings, tuples, lists, tasks and steps are valid", fn.Name(), item.Type())
		}

		idx++
	}

	return nil
}

func task(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var deps *starlark.List
	var skipIfExists *starlark.List
	var inputs *starlark.List
	var outputs *starlark.List
	var env *starlark.Dict
	var cmds *starlark.List

	task := new(Task)

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "short??", &task.Short, "hidden?", &task.Hidden,
		"desc?", &task.Desc, "deps?", &deps, "base?", &task.Base, "skip_if_exists?", &skipIfExists, "inputs?",
		&inputs, "outputs?", &outputs, "env?", &env, "cmds?", &cmds)
	if err != nil {
		return nil, err
	}

	if task.Short == "" {
		task.Hidden = true
		task.Short = "auto#" + nanoid.New()
	}

	if task.Short == "configure" {
		return nil, eris.New(`the task name "configure" is reserved, please use a different name`)
	}

	task.Env = map[string]string{}

	if task.Base == "" {
		task.Base = "."
	}
	task.Base = normalizePath(getCtx(thread), task.Base)

	for _, field := range []struct {
		name   string
		input  *starlark.List
		output *[]string
	}{
		{"deps", deps, &task.Deps},
		{"skip_if_exists", skipIfExists, &task.SkipIfExists},
		{"inputs", inputs, &task.Inputs},
		{"outputs", outputs, &task.Outputs},
	} {
		if field.input == nil {
			*field.output = []string{}
			continue
		}

		*field.output, err = starlarkIterable2stringSlice(field.input, field.name)
		if err != nil {
			return nil, err
		}
	}

	if env != nil {
		for _, item := range env.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				return nil, eris.Errorf("found key type %s in env map but only strings are supported", item[0].Type())
			}

			value, ok := starlark.AsString(item[1])
			if !ok {
				return nil, eris.Errorf("found value of type %s for key %s but only strings are supported", item[1].Type(), key)
			}
			task.Env[key] = value
		}
	}

	task.Cmds = make([]TaskCmd, 0)
	err = processTaskCmds(thread, fn, task, cmds)
	if err != nil {
		return nil, err
	}

	if len(task.Inputs) > 0 && len(task.Outputs) == 0 {
		scriptLog(thread, zerolog.WarnLevel, "%s: found inputs but no outputs", fn.Name())
	}

	if !task.Hidden {
		ctx := getCtx(thread)
		ctx.tasks = append(ctx.tasks, task)
	}
	return task, nil
}

func makeConfigDict(values map[string]string) *starlark.Dict {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	dict := starlark.NewDict(len(values))
	for _, key := range keys {
		// SetKey only fails on frozen dicts or unhashable keys
		_ = dict.SetKey(starlark.String(key), starlark.String(values[key]))
	}
	dict.Freeze()
	return dict
}

// RunScript executes a starlark script and returns the declared options. If doConfigure is true, the script's
// configure function is called and the declared tasks are collected and returned.
func RunScript(ctx context.Context, params ScriptParams, doConfigure bool) (TaskList, map[string]ScriptOption, error) {
	projectRoot, err := filepath.Abs(params.ProjectRoot)
	if err != nil {
		return nil, nil, err
	}

	filename, err := filepath.Abs(params.Filename)
	if err != nil {
		return nil, nil, err
	}

	optionValues := params.Options
	if optionValues == nil {
		optionValues = make(map[string]string)
	}

	builtins := starlark.StringDict{
		"OS":           starlark.String(runtime.GOOS),
		"ARCH":         starlark.String(runtime.GOARCH),
		"CONFIG":       makeConfigDict(params.Config),
		"info":         starlark.NewBuiltin("info", messageBuiltin(zerolog.InfoLevel)),
		"warn":         starlark.NewBuiltin("warn", messageBuiltin(zerolog.WarnLevel)),
		"error":        starlark.NewBuiltin("error", starError),
		"resolve_path": starlark.NewBuiltin("resolve_path", resolvePath),
		"option":       starlark.NewBuiltin("option", option),
		"getenv":       starlark.NewBuiltin("getenv", getenv),
		"setenv":       starlark.NewBuiltin("setenv", setenv),
		"prepend_path": starlark.NewBuiltin("prepend_path", prependPath),
		"read_yaml":    starlark.NewBuiltin("read_yaml", readYaml),
		"isdir":        starlark.NewBuiltin("isdir", statBuiltin(isDir)),
		"isfile":       starlark.NewBuiltin("isfile", statBuiltin(isRegular)),
		"execute":      starlark.NewBuiltin("execute", starExec),
		"task":         starlark.NewBuiltin("task", task),
		"sync":         starlark.NewBuiltin("sync", starSync),
		"replace":      starlark.NewBuiltin("replace", starReplace),
		"watch":        starlark.NewBuiltin("watch", starWatch),
	}

	thread := &starlark.Thread{
		Name: "main",
		Print: func(thread *starlark.Thread, msg string) {
			log(ctx).Info().Str("thread", thread.Name).Msg(msg)
		},
	}
	threadCtx := parserCtx{
		ctx:          ctx,
		filepath:     filename,
		projectRoot:  projectRoot,
		options:      make(map[string]ScriptOption),
		optionValues: optionValues,
		envOverrides: make(map[string]string),
		tasks:        make([]*Task, 0),
		yamlCache:    make(map[string]interface{}),
		initPhase:    true,
	}
	thread.SetLocal("parserCtx", &threadCtx)

	script := params.Source
	if script == nil {
		script, err = os.ReadFile(filename)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "failed to read file")
		}
	}

	displayName := simplifyPath(&threadCtx, filename)
	globals, err := starlark.ExecFile(thread, displayName, script, builtins)
	if err != nil {
		if evalError, ok := err.(*starlark.EvalError); ok {
			return nil, nil, eris.Errorf("failed to execute %s:\n%s", displayName, evalError.Backtrace())
		}
		return nil, nil, eris.Wrap(err, "failed to execute")
	}

	for name := range optionValues {
		if _, known := threadCtx.options[name]; !known {
			log(ctx).Warn().Msgf("%s does not declare the option %s", displayName, name)
		}
	}

	tasks := TaskList{}
	if doConfigure {
		configure, ok := globals["configure"]
		if !ok {
			return nil, nil, eris.Errorf("%s did not declare a configure function", displayName)
		}

		configureFunc, ok := configure.(starlark.Callable)
		if !ok {
			return nil, nil, eris.Errorf("%s did declare a configure value but it's not a function", displayName)
		}

		threadCtx.initPhase = false
		_, err = starlark.Call(thread, configureFunc, make(starlark.Tuple, 0), make([]starlark.Tuple, 0))
		if err != nil {
			if evalError, ok := err.(*starlark.EvalError); ok {
				return nil, nil, eris.New(evalError.Backtrace())
			}
			return nil, nil, eris.Wrapf(err, "failed configure call in %s", displayName)
		}

		for _, task := range threadCtx.tasks {
			if _, exists := tasks[task.Short]; exists {
				return nil, nil, eris.Errorf("%s declares the task %s more than once", displayName, task.Short)
			}
			tasks[task.Short] = task

			for name, value := range threadCtx.envOverrides {
				_, present := task.Env[name]
				if !present {
					task.Env[name] = value
				}
			}
		}
	}

	return tasks, threadCtx.options, nil
}

// Parse runs the script's configure function and returns the declared tasks.
func Parse(ctx context.Context, params ScriptParams) (TaskList, error) {
	tasks, _, err := RunScript(ctx, params, true)
	return tasks, err
}
