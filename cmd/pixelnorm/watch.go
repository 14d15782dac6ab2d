package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/dunamismax/pixelnorm/internal/domain"
	"github.com/dunamismax/pixelnorm/internal/policy"
)

var (
	watchDebounce time.Duration
	watchSets     []string
	watchVerbose  bool
)

var watchCmd = &cobra.Command{
	Use:   "watch [root]",
	Short: "Normalize images as they are written below a directory",
	Long: `Watch a content root and normalize every image file that is created or
rewritten below it. Events for a file are debounced so a copy in progress
is processed once it settles. Files written by a normalization are not
processed again.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 500*time.Millisecond, "quiet period before a changed file is processed")
	watchCmd.Flags().StringArrayVar(&watchSets, "set", nil, "override a policy setting (key=value, repeatable)")
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "log every stage")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := getContext(cmd)

	adhoc, err := parseSets(watchSets)
	if err != nil {
		return err
	}
	root := "."
	if len(args) == 1 {
		root = args[0]
	}
	lr, err := newLocalRunner(root, appConfig.Normalize.DryRun, watchVerbose || appConfig.Normalize.Verbose)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := lr.watchTree(watcher, lr.root); err != nil {
		return err
	}
	logger.Info("watching", "root", lr.root, "debounce", watchDebounce)

	d := newDebouncer(watchDebounce, func(path string) {
		lr.handleChange(ctx, cmd, path, adhoc)
	})
	defer d.stop()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if lr.ignored(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := lr.watchTree(watcher, event.Name); err != nil {
						logger.Warn("cannot watch new directory", "path", event.Name, "err", err)
					}
					continue
				}
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				if domain.IsImageFilename(event.Name) {
					d.touch(event.Name)
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", "err", err)

		case <-ctx.Done():
			logger.Info("watch stopped")
			return nil
		}
	}
}

// watchTree adds dir and every directory below it. fsnotify does not watch
// recursively.
func (lr *localRunner) watchTree(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != lr.root && lr.ignored(path) {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func (lr *localRunner) handleChange(ctx context.Context, cmd *cobra.Command, path string, adhoc policy.Override) {
	if lr.recentlySettled(path, watchDebounce+2*time.Second) {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	res, err := lr.normalizeFile(ctx, path, adhoc)
	if err != nil {
		logger.Warn("cannot normalize", "path", path, "err", err)
		return
	}
	printResult(cmd.OutOrStdout(), res)
	if res.Filename != "" {
		lr.settle(filepath.Join(lr.root, filepath.FromSlash(res.Filename)))
	}
}

// settle marks path as just written by a run, so the events that write
// produces are dropped.
func (lr *localRunner) settle(path string) {
	lr.settledMu.Lock()
	defer lr.settledMu.Unlock()
	if lr.settled == nil {
		lr.settled = make(map[string]time.Time)
	}
	lr.settled[path] = time.Now()
}

func (lr *localRunner) recentlySettled(path string, window time.Duration) bool {
	lr.settledMu.Lock()
	defer lr.settledMu.Unlock()
	at, ok := lr.settled[path]
	if !ok {
		return false
	}
	if time.Since(at) > window {
		delete(lr.settled, path)
		return false
	}
	return true
}

// debouncer runs fn for a path once no event for it has arrived within
// delay. Runs are serialized.
type debouncer struct {
	delay time.Duration
	fn    func(path string)

	mu     sync.Mutex
	timers map[string]*time.Timer
	run    sync.Mutex
}

func newDebouncer(delay time.Duration, fn func(path string)) *debouncer {
	return &debouncer{delay: delay, fn: fn, timers: make(map[string]*time.Timer)}
}

func (d *debouncer) touch(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[path]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		if d.timers[path] == t {
			delete(d.timers, path)
		}
		d.mu.Unlock()

		d.run.Lock()
		defer d.run.Unlock()
		d.fn(path)
	})
	d.timers[path] = t
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for path, t := range d.timers {
		t.Stop()
		delete(d.timers, path)
	}
}
