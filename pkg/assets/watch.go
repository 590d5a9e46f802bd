package assets

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// DefaultDebounce is the quiet period a watcher waits for before it reports changes.
const DefaultDebounce = 500 * time.Millisecond

type WatchOptions struct {
	// Patterns are doublestar patterns such as "src/main/js/**".
	Patterns []string
	Debounce time.Duration
	// AtBegin calls the change handler once before waiting for the first change.
	AtBegin bool
}

// ChangeFunc is called with the sorted list of changed paths. A nil or empty list means
// that the call was not triggered by a change.
type ChangeFunc func(ctx context.Context, changed []string) error

type watchPattern struct {
	base string
	glob string
}

// Watcher reports changes to files matching a set of patterns.
type Watcher struct {
	opts     WatchOptions
	patterns []watchPattern
	fsw      *fsnotify.Watcher
	logger   *zerolog.Logger
}

// NewWatcher registers the directories covered by the patterns. Patterns whose base directory
// doesn't exist are skipped but at least one must remain.
func NewWatcher(ctx context.Context, opts WatchOptions) (*Watcher, error) {
	if len(opts.Patterns) == 0 {
		return nil, eris.Wrap(ErrNoSources, "no watch patterns")
	}

	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, eris.Wrap(err, "failed to initialize file watcher")
	}

	w := &Watcher{
		opts:   opts,
		fsw:    fsw,
		logger: zerolog.Ctx(ctx),
	}

	watched := 0
	for _, pattern := range opts.Patterns {
		absPattern, err := filepath.Abs(pattern)
		if err != nil {
			fsw.Close()
			return nil, eris.Wrapf(err, "failed to resolve %s", pattern)
		}

		base, glob := splitPattern(absPattern)
		if !doublestar.ValidatePattern(glob) {
			fsw.Close()
			return nil, eris.Errorf("invalid pattern %s", pattern)
		}

		item := watchPattern{base: base, glob: glob}
		w.patterns = append(w.patterns, item)

		info, err := os.Stat(item.base)
		if err != nil {
			w.logger.Warn().Str("path", item.base).Msgf("not watching %s: %s", pattern, err)
			continue
		}

		if !info.IsDir() {
			w.logger.Warn().Str("path", item.base).Msgf("not watching %s: base is not a directory", pattern)
			continue
		}

		err = w.addTree(item.base)
		if err != nil {
			fsw.Close()
			return nil, err
		}
		watched++
	}

	if watched == 0 {
		fsw.Close()
		return nil, eris.Wrapf(ErrNoSources, "none of the watched directories exist")
	}

	return w, nil
}

// addTree watches dir and all directories below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// the directory might have disappeared in the meantime
			if eris.Is(err, os.ErrNotExist) {
				return nil
			}
			return eris.Wrapf(err, "failed to scan %s", path)
		}

		if !d.IsDir() {
			return nil
		}

		if err := w.fsw.Add(path); err != nil {
			return eris.Wrapf(err, "failed to watch %s", path)
		}
		return nil
	})
}

// Matches reports whether path is covered by one of the watch patterns.
func (w *Watcher) Matches(path string) bool {
	for _, item := range w.patterns {
		rel, err := filepath.Rel(item.base, path)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
			continue
		}

		if ok, _ := doublestar.Match(item.glob, filepath.ToSlash(rel)); ok {
			return true
		}
	}

	return false
}

// Close releases the underlying file watcher. Run calls this itself once it returns.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Run waits for changes and calls onChange for each batch. Only one call is active at a time;
// changes made during a call are reported in the next batch. Errors returned by onChange are
// logged and don't stop the watcher. Run returns nil once ctx is cancelled.
func (w *Watcher) Run(ctx context.Context, onChange ChangeFunc) error {
	defer w.fsw.Close()

	if w.opts.AtBegin {
		w.dispatch(ctx, onChange, nil)
	}

	pending := make(map[string]bool)
	var timer *time.Timer
	var fire <-chan time.Time

	w.logger.Info().Msgf("watching %d patterns for changes", len(w.patterns))
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case evt, ok := <-w.fsw.Events:
			if !ok {
				return eris.New("file watcher closed unexpectedly")
			}

			if evt.Has(fsnotify.Create) {
				info, err := os.Stat(evt.Name)
				if err == nil && info.IsDir() {
					if err := w.addTree(evt.Name); err != nil {
						w.logger.Warn().Err(err).Str("path", evt.Name).Msg("failed to watch new directory")
					}
				}
			}

			// permission changes alone don't change the content
			if evt.Op == fsnotify.Chmod || !w.Matches(evt.Name) {
				continue
			}

			w.logger.Debug().Str("path", evt.Name).Msgf("%s %s", evt.Op, evt.Name)
			pending[evt.Name] = true

			if timer == nil {
				timer = time.NewTimer(w.opts.Debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.opts.Debounce)
			}
			fire = timer.C

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return eris.New("file watcher closed unexpectedly")
			}
			w.logger.Warn().Err(err).Msg("file watcher error")

		case <-fire:
			fire = nil
			changed := make([]string, 0, len(pending))
			for path := range pending {
				changed = append(changed, path)
			}
			sort.Strings(changed)
			pending = make(map[string]bool)

			w.dispatch(ctx, onChange, changed)
		}
	}
}

func (w *Watcher) dispatch(ctx context.Context, onChange ChangeFunc, changed []string) {
	if len(changed) > 0 {
		w.logger.Info().Strs("files", changed).Msgf("%d files changed", len(changed))
	}

	err := onChange(ctx, changed)
	if err != nil && ctx.Err() == nil {
		w.logger.Error().Err(err).Msg("tasks failed, waiting for further changes")
	}
}
