package buildsys

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/R0d3ric/OpenAM/openam-ui-policy/pkg/assets"
)

// RunOptions controls how tasks are executed.
type RunOptions struct {
	// DryRun only logs the steps instead of executing them.
	DryRun bool
	// Force ignores skip_if_exists and the inputs/outputs check.
	Force bool
	// Debounce is used by watch steps which don't declare their own.
	Debounce time.Duration
}

type (
	runtimeCtxKey struct{}
	runtimeCtx    struct {
		runTasks    map[string]bool
		projectRoot string
		tasks       TaskList
		opts        RunOptions
	}
)

func getRuntimeCtx(ctx context.Context) *runtimeCtx {
	return ctx.Value(runtimeCtxKey{}).(*runtimeCtx)
}

func getTaskEnv(task *Task) expand.Environ {
	envVars := os.Environ()

	for name, value := range task.Env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", name, value))
	}

	return expand.ListEnviron(envVars...)
}

var defaultExecHandler = interp.DefaultExecHandler(2 * time.Second)

func execHandler(ctx context.Context, args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "mv", "rm", "mkdir":
			// always use our cross-platform implementation for these operations to make sure
			// they behave consistently
			self, err := os.Executable()
			if err != nil {
				return eris.Wrap(err, "failed to locate the current executable")
			}
			args = append([]string{self}, args...)
		}
	}

	return defaultExecHandler(ctx, args)
}

var defaultOpenHandler = interp.DefaultOpenHandler()

func openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		path = os.DevNull
	}

	return defaultOpenHandler(ctx, path, flag, perm)
}

func resolvePatternLists(ctx context.Context, base string, patterns []string) ([]string, error) {
	pctx := &parserCtx{
		filepath:    "invalid",
		projectRoot: getRuntimeCtx(ctx).projectRoot,
	}

	normalized := make([]string, len(patterns))
	for idx, item := range patterns {
		normalized[idx] = normalizePath(pctx, base, item)
	}

	result, err := assets.ResolvePatterns(base, normalized)
	if err != nil {
		return nil, eris.Wrap(err, "failed to resolve patterns")
	}
	return result, nil
}

// RunTask executes the named task and its dependencies.
func RunTask(ctx context.Context, projectRoot, name string, tasks TaskList, opts RunOptions) error {
	rctx := runtimeCtx{
		projectRoot: projectRoot,
		runTasks:    make(map[string]bool),
		tasks:       tasks,
		opts:        opts,
	}

	ctx = context.WithValue(ctx, runtimeCtxKey{}, &rctx)
	taskMeta, found := tasks[name]
	if !found {
		return eris.Errorf("Task %s not found", name)
	}

	return runTaskInternal(ctx, taskMeta, opts.Force, true)
}

// needsRun checks skip_if_exists and compares the inputs with the outputs.
func needsRun(ctx context.Context, task *Task, canSkip bool) (bool, error) {
	if canSkip {
		skipList, err := resolvePatternLists(ctx, task.Base, task.SkipIfExists)
		if err != nil {
			return false, eris.Wrapf(err, "failed to resolve skipIfExists list")
		}

		found := 0
		for _, item := range skipList {
			_, err := os.Stat(item)
			if err == nil {
				found++
			} else if !eris.Is(err, os.ErrNotExist) {
				return false, eris.Wrapf(err, "Failed to check %s", item)
			}
		}

		if found > 0 && found == len(skipList) {
			log(ctx).Info().
				Str("task", task.Short).
				Msg("skipped because all skip files exist")
			return false, nil
		}
	}

	var newestInput time.Time
	inputList, err := resolvePatternLists(ctx, task.Base, task.Inputs)
	if err != nil {
		return false, eris.Wrap(err, "failed to resolve inputs")
	}

	outputList, err := resolvePatternLists(ctx, task.Base, task.Outputs)
	if err != nil {
		return false, eris.Wrap(err, "failed to resolve output list")
	}

	for _, item := range inputList {
		info, err := os.Stat(item)
		if err != nil {
			return false, eris.Wrapf(err, "Failed to check input %s", item)
		}

		if info.ModTime().After(newestInput) {
			newestInput = info.ModTime()
		}
	}

	if newestInput.IsZero() || len(outputList) == 0 {
		return true, nil
	}

	var newestOutput time.Time
	for _, item := range outputList {
		info, err := os.Stat(item)
		if err != nil {
			if eris.Is(err, os.ErrNotExist) {
				// a missing output always triggers a rebuild
				return true, nil
			}
			return false, eris.Wrapf(err, "Failed to check output %s", item)
		}

		if info.ModTime().After(newestOutput) {
			newestOutput = info.ModTime()
		}
	}

	if newestOutput.After(newestInput) {
		log(ctx).Info().
			Str("task", task.Short).
			Msgf("nothing to do (output is %f seconds newer)", newestOutput.Sub(newestInput).Seconds())
		return false, nil
	}

	return true, nil
}

func runTaskInternal(ctx context.Context, task *Task, force, canSkip bool) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	rctx := getRuntimeCtx(ctx)
	status, ok := rctx.runTasks[task.Short]
	if ok {
		if status {
			// this task has already been run
			log(ctx).Debug().Msgf("Task %s already run", task.Short)
			return nil
		}

		return eris.Errorf("Task %s was called recursively", task.Short)
	}

	rctx.runTasks[task.Short] = false

	for _, dep := range task.Deps {
		if !rctx.runTasks[dep] {
			depTask, ok := rctx.tasks[dep]
			if !ok {
				return eris.Errorf("Task %s not found", dep)
			}

			err := runTaskInternal(ctx, depTask, false, true)
			if err != nil {
				return eris.Wrapf(err, "Task %s failed due to its dependency %s", task.Short, dep)
			}
		}
	}

	if !force {
		run, err := needsRun(ctx, task, canSkip)
		if err != nil {
			return err
		}

		if !run {
			rctx.runTasks[task.Short] = true
			return nil
		}
	}

	ctx = withTask(ctx, task.Short)

	// With the skip and input/output checks done, we can finally start executing
	runner, err := interp.New(
		interp.Dir(task.Base),
		interp.Env(getTaskEnv(task)),
		interp.ExecHandler(execHandler),
		interp.OpenHandler(openHandler),
		interp.StdIO(nil, os.Stdout, os.Stderr),
		interp.Params("-e"),
	)
	if err != nil {
		return eris.Wrap(err, "Failed to initialize runner")
	}

	parser := syntax.NewParser()
	printer := syntax.NewPrinter(
		syntax.Minify(true),
	)
	strBuffer := strings.Builder{}

	for _, item := range task.Cmds {
		switch cmd := item.(type) {
		case TaskCmdScript:
			stmts, err := cmd.ToShellStmts(parser)
			if err != nil {
				return eris.Wrap(err, "failed to parse shell script")
			}

			for _, stm := range stmts {
				strBuffer.Reset()
				if err := printer.Print(&strBuffer, stm); err != nil {
					return eris.Wrap(err, "failed to print shell command")
				}

				log(ctx).Info().
					Bool("command", true).
					Msg(strBuffer.String())

				if !rctx.opts.DryRun {
					err = runner.Run(ctx, stm)
					if err != nil {
						return eris.Wrapf(err, "command %s failed", strBuffer.String())
					}

					if runner.Exited() {
						rctx.runTasks[task.Short] = true
						return nil
					}
				}
			}
		case TaskCmdTaskRef:
			err = runTaskInternal(ctx, cmd.Task, force, true)
			if err != nil {
				return err
			}
		case TaskCmdSync:
			opts := cmd.Options
			opts.DryRun = rctx.opts.DryRun

			_, err = assets.Sync(ctx, opts)
			if err != nil {
				return eris.Wrap(err, "sync failed")
			}
		case TaskCmdReplace:
			opts := cmd.Options
			opts.DryRun = rctx.opts.DryRun

			_, err = assets.Replace(ctx, opts)
			if err != nil {
				return eris.Wrap(err, "replace failed")
			}
		case TaskCmdWatch:
			err = runWatch(ctx, cmd)
			if err != nil {
				return err
			}
		default:
			return eris.Errorf("unexpected task command %+v", item)
		}

		if err = ctx.Err(); err != nil {
			return err
		}
	}

	rctx.runTasks[task.Short] = true
	return nil
}

func resolveWatchTargets(rctx *runtimeCtx, cmd TaskCmdWatch) ([]*Task, error) {
	targets := make([]*Task, 0, len(cmd.Targets))
	for _, target := range cmd.Targets {
		if target.Task != nil {
			targets = append(targets, target.Task)
			continue
		}

		task, ok := rctx.tasks[target.Name]
		if !ok {
			return nil, eris.Errorf("Task %s not found", target.Name)
		}
		targets = append(targets, task)
	}

	return targets, nil
}

// runWatch blocks until ctx is cancelled and reruns the watch targets after every batch of changes.
func runWatch(ctx context.Context, cmd TaskCmdWatch) error {
	rctx := getRuntimeCtx(ctx)
	targets, err := resolveWatchTargets(rctx, cmd)
	if err != nil {
		return err
	}

	if rctx.opts.DryRun {
		log(ctx).Info().Msgf("would %s", cmd.Describe())
		return nil
	}

	debounce := cmd.Debounce
	if debounce <= 0 {
		debounce = rctx.opts.Debounce
	}

	watcher, err := assets.NewWatcher(ctx, assets.WatchOptions{
		Patterns: cmd.Patterns,
		Debounce: debounce,
		AtBegin:  cmd.AtBegin,
	})
	if err != nil {
		return err
	}

	log(ctx).Info().Msgf("Watching %s", strings.Join(cmd.Patterns, ", "))

	return watcher.Run(ctx, func(ctx context.Context, changed []string) error {
		// every batch starts with a clean slate so the targets and their deps run again
		batch := &runtimeCtx{
			projectRoot: rctx.projectRoot,
			runTasks:    make(map[string]bool),
			tasks:       rctx.tasks,
			opts:        rctx.opts,
		}
		batchCtx := context.WithValue(ctx, runtimeCtxKey{}, batch)

		for _, target := range targets {
			log(ctx).Info().Strs("changed", changed).Msgf("Running %s", target.Short)

			err := runTaskInternal(batchCtx, target, true, false)
			if err != nil {
				return eris.Wrapf(err, "Task %s failed", target.Short)
			}
		}
		return nil
	})
}
