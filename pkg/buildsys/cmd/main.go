// Package cmd implements the CLI for the buildsys package
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/mitchellh/colorstring"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/R0d3ric/OpenAM/openam-ui-policy/pkg/buildsys"
	"github.com/R0d3ric/OpenAM/openam-ui-policy/pkg/config"
)

// TaskFileName is the name of the task file searched for in the working directory and its parents.
const TaskFileName = "tasks.star"

var RootCmd = &cobra.Command{
	Use:   "task [name...] [option=value...]",
	Short: "Runs the policy editor build tasks",
	Long: `This command parses the first tasks.star file it finds and executes the given tasks.
If there is no tasks.star, the built-in tasks (sync, replace, watch and default) are used.
Without task names, the available tasks and options are listed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		taskArgs, options := splitArgs(args)
		return runTasks(cmd, taskArgs, options)
	},
}

// ShortcutCmd returns a command that runs the named task.
func ShortcutCmd(name, short string) *cobra.Command {
	shortcut := &cobra.Command{
		Use:   name + " [option=value...]",
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			taskArgs, options := splitArgs(args)
			if len(taskArgs) > 0 {
				return eris.Errorf("unexpected argument %s", taskArgs[0])
			}

			return runTasks(cmd, []string{name}, options)
		},
	}

	addFlags(shortcut)
	return shortcut
}

func addFlags(cmd *cobra.Command) {
	cmd.Flags().BoolP("dry", "n", false, "dry run; only print the commands, don't execute anything")
	cmd.Flags().BoolP("force", "f", false, "force build; always execute the passed steps even if they don't have to run")
	cmd.Flags().String("file", "", "task file to use instead of searching for tasks.star")
	cmd.Flags().String("config", "", "configuration file (defaults to uibuild.toml)")
}

func splitArgs(args []string) ([]string, map[string]string) {
	taskArgs := make([]string, 0)
	options := make(map[string]string)

	for _, part := range args {
		pos := strings.Index(part, "=")
		if pos > -1 {
			options[part[:pos]] = part[pos+1:]
		} else {
			taskArgs = append(taskArgs, part)
		}
	}

	return taskArgs, options
}

// FindTaskFile searches the given directory and its parents for a tasks.star file. It returns an
// empty string if there is none.
func FindTaskFile(dir string) (string, error) {
	path := dir
	for {
		taskPath := filepath.Join(path, TaskFileName)
		_, err := os.Stat(taskPath)
		if err == nil {
			return taskPath, nil
		}
		if !eris.Is(err, os.ErrNotExist) {
			return "", eris.Wrapf(err, "Failed to check %s", taskPath)
		}

		parent := filepath.Dir(path)
		if parent == path {
			return "", nil
		}

		path = parent
	}
}

// LoadTasks parses the given task file. If taskFile is empty, the nearest tasks.star is used and
// if there is none, the built-in tasks rooted at wd. It returns the project root along with the tasks.
func LoadTasks(ctx context.Context, wd, taskFile string, options map[string]string, cfg *config.Config) (buildsys.TaskList, map[string]buildsys.ScriptOption, string, error) {
	var params buildsys.ScriptParams
	var err error

	if taskFile == "" {
		taskFile, err = FindTaskFile(wd)
		if err != nil {
			return nil, nil, "", err
		}
	}

	if taskFile == "" {
		log := zerolog.Ctx(ctx)
		log.Debug().Msg("No tasks.star file found, using the built-in tasks")
		params = buildsys.DefaultScript(wd, options, cfg.Vars())
	} else {
		if !filepath.IsAbs(taskFile) {
			taskFile = filepath.Join(wd, taskFile)
		}

		params = buildsys.ScriptParams{
			Filename:    taskFile,
			ProjectRoot: filepath.Dir(taskFile),
			Options:     options,
			Config:      cfg.Vars(),
		}
	}

	tasks, scriptOptions, err := buildsys.RunScript(ctx, params, true)
	if err != nil {
		return nil, nil, "", err
	}

	return tasks, scriptOptions, params.ProjectRoot, nil
}

// PrintTasks lists the visible tasks and the script's options.
func PrintTasks(out io.Writer, tasks buildsys.TaskList, options map[string]buildsys.ScriptOption) {
	colorize := colorstring.Colorize{Colors: colorstring.DefaultColors, Reset: true}
	if f, ok := out.(*os.File); !ok || f != os.Stdout {
		colorize.Disable = true
	}

	fmt.Fprintln(out, colorize.Color("[blue][bold]==>[default] Available tasks:"))
	maxNameLen := 0
	sortedNames := make([]string, 0, len(tasks))
	for _, task := range tasks {
		nameLen := len(task.Short)
		if nameLen > maxNameLen {
			maxNameLen = nameLen
		}

		sortedNames = append(sortedNames, task.Short)
	}

	sort.Strings(sortedNames)

	lineFmt := fmt.Sprintf(" * %%-%ds %%s\n", maxNameLen+3)
	for _, name := range sortedNames {
		fmt.Fprintf(out, lineFmt, name+":", tasks[name].Desc)
	}

	if len(options) == 0 {
		return
	}

	fmt.Fprintln(out, colorize.Color("[blue][bold]==>[default] Options:"))
	optionNames := make([]string, 0, len(options))
	for name := range options {
		optionNames = append(optionNames, name)
	}
	sort.Strings(optionNames)

	for _, name := range optionNames {
		opt := options[name]
		fmt.Fprintf(out, " * %s=%q  %s\n", name, opt.Default(), opt.Help)
	}
}

func runTasks(cmd *cobra.Command, names []string, options map[string]string) error {
	dryRun, err := cmd.Flags().GetBool("dry")
	if err != nil {
		return err
	}

	force, err := cmd.Flags().GetBool("force")
	if err != nil {
		return err
	}

	taskFile, err := cmd.Flags().GetString("file")
	if err != nil {
		return err
	}

	configFile, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	configFiles := []string{}
	if configFile != "" {
		configFiles = append(configFiles, configFile)
	}

	cfg, err := config.Load(configFiles...)
	if err != nil {
		return err
	}

	logger := NewLogger(os.Stderr, cfg.Level(), cfg.LogJSON)
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = buildsys.WithLogger(ctx, &logger)

	wd, err := os.Getwd()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to retrieve the current working directory")
	}

	taskList, scriptOptions, projectRoot, err := LoadTasks(ctx, wd, taskFile, options, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to parse tasks")
	}

	if len(names) == 0 {
		PrintTasks(cmd.OutOrStdout(), taskList, scriptOptions)
		return nil
	}

	opts := buildsys.RunOptions{
		DryRun:   dryRun,
		Force:    force,
		Debounce: cfg.WatchDebounce,
	}
	for _, name := range names {
		err = buildsys.RunTask(ctx, projectRoot, name, taskList, opts)
		if err != nil {
			if eris.Is(err, context.Canceled) {
				logger.Info().Msg("Interrupted")
				return nil
			}

			logger.Fatal().Err(err).Msgf("Failed task %s:", name)
		}
	}

	return nil
}

func init() {
	addFlags(RootCmd)
}
