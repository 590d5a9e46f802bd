package buildsys

import (
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"

	"github.com/R0d3ric/OpenAM/openam-ui-policy/pkg/assets"
)

func parseFileSet(thread *starlark.Thread, idx int, value starlark.Value) (assets.FileSet, error) {
	set := assets.FileSet{}
	ctx := getCtx(thread)

	dict, ok := value.(*starlark.Dict)
	if !ok {
		return set, eris.Errorf("files[%d]: expected a dict but found %s", idx, value.Type())
	}

	field := "files[" + strconv.Itoa(idx) + "]"
	if err := checkDictKeys(dict, field, "cwd", "src", "dest", "optional"); err != nil {
		return set, err
	}

	cwd, err := dictGet(dict, "cwd")
	if err != nil {
		return set, err
	}
	if cwd == nil {
		return set, eris.Errorf("%s is missing cwd", field)
	}

	set.Cwd, err = starlarkToString(cwd, field+".cwd")
	if err != nil {
		return set, err
	}
	set.Cwd = normalizePath(ctx, set.Cwd)

	src, err := dictGet(dict, "src")
	if err != nil {
		return set, err
	}
	set.Src, err = starlarkToStrings(src, field+".src")
	if err != nil {
		return set, err
	}

	dest, err := dictGet(dict, "dest")
	if err != nil {
		return set, err
	}
	if dest == nil {
		return set, eris.Errorf("%s is missing dest", field)
	}

	destPath, err := starlarkToString(dest, field+".dest")
	if err != nil {
		return set, err
	}
	if destPath == "" {
		return set, eris.Wrapf(assets.ErrNoDestination, "%s", field)
	}
	set.Dest = normalizePath(ctx, destPath)

	optional, err := dictGet(dict, "optional")
	if err != nil {
		return set, err
	}
	if optional != nil {
		set.Optional = bool(optional.Truth())
	}

	return set, nil
}

func starSync(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var files *starlark.List
	var compare string
	var updateAndDelete bool
	var ignore starlark.Value

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "files", &files, "compare?", &compare,
		"update_and_delete?", &updateAndDelete, "ignore?", &ignore)
	if err != nil {
		return nil, err
	}

	opts := assets.SyncOptions{
		UpdateAndDelete: updateAndDelete,
	}

	opts.CompareUsing, err = assets.ParseCompareMode(compare)
	if err != nil {
		return nil, eris.Wrap(err, fn.Name())
	}

	opts.Ignore, err = starlarkToStrings(ignore, "ignore")
	if err != nil {
		return nil, err
	}

	if files.Len() == 0 {
		return nil, eris.Wrapf(assets.ErrNoSources, "%s: files is empty", fn.Name())
	}

	for idx := 0; idx < files.Len(); idx++ {
		set, err := parseFileSet(thread, idx, files.Index(idx))
		if err != nil {
			return nil, eris.Wrap(err, fn.Name())
		}
		opts.Files = append(opts.Files, set)
	}

	return &Step{Cmd: TaskCmdSync{Options: opts}}, nil
}

func parseReplacements(value starlark.Value) ([]assets.Replacement, error) {
	result := make([]assets.Replacement, 0)

	switch value := value.(type) {
	case nil, starlark.NoneType:
		return result, nil
	case *starlark.Dict:
		// shorthand: {"${version}": "1.0"}
		for _, item := range value.Items() {
			from, ok := starlark.AsString(item[0])
			if !ok {
				return nil, eris.Errorf("found key type %s in replacements but only strings are supported", item[0].Type())
			}

			to, err := starlarkToString(item[1], "replacements["+from+"]")
			if err != nil {
				return nil, err
			}

			result = append(result, assets.Replacement{From: from, To: to})
		}
		return result, nil
	case *starlark.List:
		for idx := 0; idx < value.Len(); idx++ {
			field := "replacements[" + strconv.Itoa(idx) + "]"
			dict, ok := value.Index(idx).(*starlark.Dict)
			if !ok {
				return nil, eris.Errorf("%s: expected a dict but found %s", field, value.Index(idx).Type())
			}

			if err := checkDictKeys(dict, field, "from", "to", "regexp"); err != nil {
				return nil, err
			}

			repl := assets.Replacement{}
			for _, key := range []struct {
				name   string
				output *string
			}{
				{"from", &repl.From},
				{"to", &repl.To},
			} {
				raw, err := dictGet(dict, key.name)
				if err != nil {
					return nil, err
				}
				if raw == nil {
					continue
				}

				*key.output, err = starlarkToString(raw, field+"."+key.name)
				if err != nil {
					return nil, err
				}
			}

			isRegexp, err := dictGet(dict, "regexp")
			if err != nil {
				return nil, err
			}
			if isRegexp != nil {
				repl.Regexp = bool(isRegexp.Truth())
			}

			result = append(result, repl)
		}
		return result, nil
	}

	return nil, eris.Errorf("replacements must be a list of dicts or a dict but found %s", value.Type())
}

func starReplace(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var src starlark.Value
	var dest starlark.Value
	var replacements starlark.Value
	var allowEmpty bool

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "src", &src, "dest?", &dest,
		"replacements?", &replacements, "allow_empty?", &allowEmpty)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	opts := assets.ReplaceOptions{AllowEmpty: allowEmpty}

	srcList, err := starlarkToStrings(src, "src")
	if err != nil {
		return nil, err
	}
	if len(srcList) == 0 {
		return nil, eris.Wrapf(assets.ErrNoSources, "%s: src is empty", fn.Name())
	}

	for _, item := range srcList {
		opts.Src = append(opts.Src, normalizePath(ctx, item))
	}

	if dest != nil {
		destPath, err := starlarkToString(dest, "dest")
		if err != nil {
			return nil, err
		}
		opts.Dest = normalizeDest(ctx, destPath)
	}

	opts.Replacements, err = parseReplacements(replacements)
	if err != nil {
		return nil, eris.Wrap(err, fn.Name())
	}

	if len(opts.Replacements) == 0 {
		return nil, eris.Errorf("%s: no replacements given", fn.Name())
	}

	return &Step{Cmd: TaskCmdReplace{Options: opts}}, nil
}

func parseDebounce(value starlark.Value) (time.Duration, error) {
	switch value := value.(type) {
	case nil, starlark.NoneType:
		return 0, nil
	case starlark.Int:
		ms, ok := value.Int64()
		if !ok || ms < 0 {
			return 0, eris.Errorf("invalid debounce %s", value.String())
		}
		return time.Duration(ms) * time.Millisecond, nil
	case starlark.String:
		duration, err := time.ParseDuration(value.GoString())
		if err != nil {
			return 0, eris.Wrapf(err, "invalid debounce %s", value.GoString())
		}
		if duration < 0 {
			return 0, eris.Errorf("invalid debounce %s", value.GoString())
		}
		return duration, nil
	}

	return 0, eris.Errorf("debounce must be a duration string or milliseconds but found %s", value.Type())
}

func starWatch(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var files starlark.Value
	var tasks starlark.Value
	var debounce starlark.Value
	var atBegin bool

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "files", &files, "tasks", &tasks,
		"debounce?", &debounce, "at_begin?", &atBegin)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	cmd := TaskCmdWatch{AtBegin: atBegin}

	patterns, err := starlarkToStrings(files, "files")
	if err != nil {
		return nil, err
	}
	if len(patterns) == 0 {
		return nil, eris.Wrapf(assets.ErrNoSources, "%s: files is empty", fn.Name())
	}

	for _, item := range patterns {
		cmd.Patterns = append(cmd.Patterns, normalizePath(ctx, item))
	}

	var targets []starlark.Value
	switch value := tasks.(type) {
	case *Task, starlark.String:
		targets = []starlark.Value{value}
	case starlark.Iterable:
		iter := value.Iterate()
		var item starlark.Value
		for iter.Next(&item) {
			targets = append(targets, item)
		}
		iter.Done()
	default:
		return nil, eris.Errorf("%s: tasks must be a task, a task name or a list of them but found %s", fn.Name(), tasks.Type())
	}

	for _, target := range targets {
		switch value := target.(type) {
		case *Task:
			cmd.Targets = append(cmd.Targets, WatchTarget{Task: value})
		case starlark.String:
			cmd.Targets = append(cmd.Targets, WatchTarget{Name: value.GoString()})
		default:
			return nil, eris.Errorf("%s: found %s in tasks but only tasks and names are supported", fn.Name(), target.Type())
		}
	}

	if len(cmd.Targets) == 0 {
		return nil, eris.Errorf("%s: no tasks given", fn.Name())
	}

	cmd.Debounce, err = parseDebounce(debounce)
	if err != nil {
		return nil, eris.Wrap(err, fn.Name())
	}

	return &Step{Cmd: cmd}, nil
}
