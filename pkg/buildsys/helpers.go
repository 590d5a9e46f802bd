package buildsys

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
)

// normalizePath resolves the given paths relative to the current script. A leading // refers to
// the project root.
func normalizePath(ctx *parserCtx, pathList ...string) string {
	result := filepath.Dir(ctx.filepath)

	for _, path := range pathList {
		if strings.HasPrefix(path, "//") {
			result = filepath.Join(ctx.projectRoot, path[2:])
		} else if strings.HasPrefix(path, "/") {
			result = filepath.Join(filepath.VolumeName(result), path)
		} else if !filepath.IsAbs(path) {
			result = filepath.Join(result, path)
		} else {
			result = path
		}
	}

	return filepath.Clean(result)
}

// normalizeDest works like normalizePath but keeps a trailing separator since it marks the
// destination as a directory.
func normalizeDest(ctx *parserCtx, path string) string {
	if path == "" {
		return ""
	}

	result := normalizePath(ctx, path)
	if strings.HasSuffix(path, "/") || strings.HasSuffix(path, string(os.PathSeparator)) {
		result += string(os.PathSeparator)
	}
	return result
}

func simplifyPath(ctx *parserCtx, path string) string {
	projectRoot := ctx.projectRoot
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}

	if strings.HasPrefix(absPath, projectRoot+string(os.PathSeparator)) {
		return "//" + filepath.ToSlash(absPath[len(projectRoot)+1:])
	}
	return path
}

func getEnvVars(ctx *parserCtx) []string {
	osEnv := os.Environ()
	shellEnv := make([]string, 0, len(osEnv)+len(ctx.envOverrides))
	for _, item := range osEnv {
		parts := strings.SplitN(item, "=", 2)
		if runtime.GOOS == "windows" {
			parts[0] = strings.ToUpper(parts[0])
		}

		// skip overriden entries to avoid conflicts
		if _, present := ctx.envOverrides[parts[0]]; !present {
			shellEnv = append(shellEnv, item)
		}
	}

	for k, v := range ctx.envOverrides {
		shellEnv = append(shellEnv, fmt.Sprintf("%s=%s", k, v))
	}

	return shellEnv
}

// starlarkToString accepts strings and paths.
func starlarkToString(value starlark.Value, field string) (string, error) {
	switch value := value.(type) {
	case starlark.String:
		return value.GoString(), nil
	case StarlarkPath:
		return string(value), nil
	case starlark.NoneType:
		return "", nil
	}

	return "", eris.Errorf("expected %s to be a string or path but found %s", field, value.Type())
}

// starlarkToStrings accepts a single string or path as well as lists and tuples of them.
func starlarkToStrings(value starlark.Value, field string) ([]string, error) {
	if value == nil || value == starlark.None {
		return []string{}, nil
	}

	iterable, ok := value.(starlark.Iterable)
	if !ok || value.Type() == "path" || value.Type() == "string" {
		item, err := starlarkToString(value, field)
		if err != nil {
			return nil, err
		}
		return []string{item}, nil
	}

	result := make([]string, 0)
	iter := iterable.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		str, err := starlarkToString(item, field)
		if err != nil {
			return nil, err
		}
		result = append(result, str)
	}

	return result, nil
}

// dictGet looks up key in a starlark dict and returns nil if it's missing.
func dictGet(dict *starlark.Dict, key string) (starlark.Value, error) {
	value, found, err := dict.Get(starlark.String(key))
	if err != nil || !found {
		return nil, err
	}
	return value, nil
}

// checkDictKeys makes sure that a dict only contains the given keys to catch typos early.
func checkDictKeys(dict *starlark.Dict, field string, allowed ...string) error {
	for _, rawKey := range dict.Keys() {
		key, ok := starlark.AsString(rawKey)
		if !ok {
			return eris.Errorf("found key type %s in %s but only strings are supported", rawKey.Type(), field)
		}

		found := false
		for _, name := range allowed {
			if key == name {
				found = true
				break
			}
		}

		if !found {
			return eris.Errorf("unexpected key %s in %s (valid keys: %s)", key, field, strings.Join(allowed, ", "))
		}
	}

	return nil
}

func interfaceToStarlark(thread *starlark.Thread, value interface{}) (starlark.Value, error) {
	// handle a few simple and common cases first
	switch value := value.(type) {
	case nil:
		return starlark.None, nil
	case string:
		return starlark.String(value), nil
	case int:
		return starlark.MakeInt(value), nil
	case bool:
		return starlark.Bool(value), nil
	case float32:
		return starlark.Float(value), nil
	case float64:
		return starlark.Float(value), nil
	case []string:
		items := make(starlark.Tuple, len(value))
		for idx, raw := range value {
			items[idx] = starlark.String(raw)
		}

		return items, nil
	case map[string]string:
		dict := starlark.NewDict(len(value))
		for k, v := range value {
			err := dict.SetKey(starlark.String(k), starlark.String(v))
			if err != nil {
				return nil, err
			}
		}

		return dict, nil
	}

	refValue := reflect.ValueOf(value)
	var err error
	switch refValue.Kind() {
	case reflect.Slice, reflect.Array:
		tuple := make(starlark.Tuple, refValue.Len())
		for idx := 0; idx < refValue.Len(); idx++ {
			tuple[idx], err = interfaceToStarlark(thread, refValue.Index(idx).Interface())
			if err != nil {
				return nil, err
			}
		}

		return tuple, nil
	case reflect.Map:
		dict := starlark.NewDict(refValue.Len())
		iter := refValue.MapRange()
		for iter.Next() {
			key, err := interfaceToStarlark(thread, iter.Key().Interface())
			if err != nil {
				return nil, err
			}

			value, err := interfaceToStarlark(thread, iter.Value().Interface())
			if err != nil {
				return nil, err
			}

			err = dict.SetKey(key, value)
			if err != nil {
				return nil, err
			}
		}

		return dict, nil
	}

	return nil, eris.Errorf("encountered unsupported type %v", refValue.Kind())
}
