package buildsys

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	starsyntax "go.starlark.net/syntax"
	"mvdan.cc/sh/v3/syntax"

	"github.com/R0d3ric/OpenAM/openam-ui-policy/pkg/assets"
)

// TaskCmd is a single step of a task.
type TaskCmd interface {
	Describe() string
}

// TaskCmdScript is a shell snippet executed by the embedded shell interpreter.
type TaskCmdScript struct {
	TaskName string
	Content  string
	Index    int
}

func (s TaskCmdScript) Describe() string {
	return s.Content
}

func (s TaskCmdScript) ToShellStmts(parser *syntax.Parser) ([]*syntax.Stmt, error) {
	reader := strings.NewReader(s.Content)
	result, err := parser.Parse(reader, fmt.Sprintf("%s:%d", s.TaskName, s.Index))
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse command %s", s.Content)
	}

	return result.Stmts, nil
}

// TaskCmdTaskRef runs another task as part of this one.
type TaskCmdTaskRef struct {
	Task *Task
}

func (t TaskCmdTaskRef) Describe() string {
	return "task " + t.Task.Short
}

// TaskCmdSync mirrors source trees into a destination.
type TaskCmdSync struct {
	Options assets.SyncOptions
}

func (s TaskCmdSync) Describe() string {
	dests := make([]string, 0, len(s.Options.Files))
	for _, set := range s.Options.Files {
		dests = append(dests, set.Cwd+" -> "+set.Dest)
	}
	return "sync " + strings.Join(dests, ", ")
}

// TaskCmdReplace substitutes tokens in files.
type TaskCmdReplace struct {
	Options assets.ReplaceOptions
}

func (r TaskCmdReplace) Describe() string {
	froms := make([]string, 0, len(r.Options.Replacements))
	for _, item := range r.Options.Replacements {
		froms = append(froms, item.From)
	}
	return fmt.Sprintf("replace %s in %s", strings.Join(froms, ", "), strings.Join(r.Options.Src, ", "))
}

// WatchTarget references a task either by name (resolved when the watch starts) or directly.
type WatchTarget struct {
	Name string
	Task *Task
}

// TaskCmdWatch blocks and reruns the target tasks whenever a watched file changes.
type TaskCmdWatch struct {
	Patterns []string
	Targets  []WatchTarget
	Debounce time.Duration
	AtBegin  bool
}

func (w TaskCmdWatch) Describe() string {
	names := make([]string, 0, len(w.Targets))
	for _, target := range w.Targets {
		if target.Task != nil {
			names = append(names, target.Task.Short)
		} else {
			names = append(names, target.Name)
		}
	}
	return fmt.Sprintf("watch %s, run %s", strings.Join(w.Patterns, ", "), strings.Join(names, ", "))
}

// Task contains the processed values passed to task() by the task script
type Task struct {
	Env          map[string]string
	Short        string
	Desc         string
	Base         string
	Inputs       []string
	Deps         []string
	SkipIfExists []string
	Outputs      []string
	Cmds         []TaskCmd
	Hidden       bool
}

// TaskList maps short names to each relevant task
type TaskList map[string]*Task

type ScriptOption struct {
	DefaultValue starlark.String
	Help         string
}

func (o ScriptOption) Default() string {
	return o.DefaultValue.GoString()
}

// Implement starlark.Value for *Task

// String returns a string representation of the task
func (t *Task) String() string {
	return fmt.Sprintf("<Task %s: %s>", t.Short, t.Desc)
}

// Type always returns "task" to indicate this type
func (t *Task) Type() string {
	return "task"
}

// Freeze doesn't do anything since tasks are immutable anyway
func (t *Task) Freeze() {}

// Truth always returns true since a task can't be nil or None
func (t *Task) Truth() starlark.Bool {
	return starlark.True
}

// Hash always returns an error since task is not hashable
func (t *Task) Hash() (uint32, error) {
	return 0, eris.New("task is not a hashable type")
}

// Step wraps the commands returned by sync(), replace() and watch() so that scripts can pass
// them around and put them into a task's cmds list.
type Step struct {
	Cmd TaskCmd
}

func (s *Step) String() string {
	return fmt.Sprintf("<Step %s>", s.Cmd.Describe())
}

func (s *Step) Type() string {
	return "step"
}

func (s *Step) Freeze() {}

func (s *Step) Truth() starlark.Bool {
	return starlark.True
}

func (s *Step) Hash() (uint32, error) {
	return 0, eris.New("step is not a hashable type")
}

type StarlarkPath string

func (p StarlarkPath) String() string {
	return starlark.String(p).String()
}

func (p StarlarkPath) Type() string {
	return "path"
}

func (p StarlarkPath) Freeze() {}

func (p StarlarkPath) Truth() starlark.Bool {
	return p != ""
}

func (p StarlarkPath) Hash() (uint32, error) {
	return starlark.String(p).Hash()
}

func (p StarlarkPath) CompareSameType(op starsyntax.Token, y_ starlark.Value, depth int) (bool, error) {
	y := y_.(StarlarkPath)

	switch op {
	case starsyntax.EQL:
		return p == y, nil
	case starsyntax.NEQ:
		return p != y, nil
	case starsyntax.LT:
		return p < y, nil
	case starsyntax.LE:
		return p <= y, nil
	case starsyntax.GT:
		return p > y, nil
	case starsyntax.GE:
		return p >= y, nil
	}

	return false, eris.Errorf("unknown operator %v", op)
}

func (p StarlarkPath) Index(i int) starlark.Value {
	return starlark.String(p[i])
}

func (p StarlarkPath) Len() int {
	return len(p)
}

func (p StarlarkPath) Slice(start, end, step int) starlark.Value {
	return starlark.String(p).Slice(start, end, step)
}
