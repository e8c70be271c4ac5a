package reconcile

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/trellis/internal/vcs"
)

// ResultCallback receives the outcome of every pass Watch runs.
type ResultCallback func(res *Result, err error)

// Watch runs a pass whenever documents under root or the repository HEAD
// change, until ctx is cancelled. Bursts of events are collapsed into one
// pass after the debounce interval. New directories are watched as they
// appear. Failed passes are logged and reported to cb; watching continues.
func (e *Engine) Watch(ctx context.Context, root string, cb ResultCallback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, root); err != nil {
		return err
	}
	gitDir := filepath.Join(root, ".git")
	if info, err := os.Stat(gitDir); err == nil && info.IsDir() {
		if err := w.Add(gitDir); err != nil {
			e.logger.Warn("watcher: cannot watch .git", slog.String("error", err.Error()))
		}
	}

	e.logger.Info("watcher: started", slog.String("root", root))

	var timer *time.Timer
	var fire <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(e.debounce)
			fire = timer.C
		} else {
			timer.Reset(e.debounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			e.logger.Info("watcher: stopped")
			return nil

		case <-fire:
			if ctx.Err() != nil {
				continue
			}
			res, err := e.Reconcile(ctx, Options{})
			if err != nil && ctx.Err() == nil {
				e.logger.Error("watcher: reconcile failed", slog.String("error", err.Error()))
			}
			if cb != nil {
				cb(res, err)
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name := ev.Name
			if filepath.Dir(name) == gitDir {
				if filepath.Base(name) == "HEAD" || filepath.Base(name) == "index" {
					schedule()
				}
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(name); statErr == nil && info.IsDir() {
					if !ignoredDir(filepath.Base(name)) {
						if addErr := addDirsRecursive(w, name); addErr != nil {
							e.logger.Warn("watcher: add new dir failed",
								slog.String("path", name),
								slog.String("error", addErr.Error()))
						}
						schedule()
					}
					continue
				}
			}
			if !e.tracks(root, name) {
				continue
			}
			e.logger.Debug("watcher: change", slog.String("path", name), slog.String("op", ev.Op.String()))
			schedule()

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			e.logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// tracks reports whether the file at name, under root, matches the pattern
// of tracked documents.
func (e *Engine) tracks(root, name string) bool {
	rel, err := filepath.Rel(root, name)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return vcs.Match(e.pattern, filepath.ToSlash(rel))
}

// ignoredDir reports directories that never hold documents: VCS metadata
// and the cache itself.
func ignoredDir(name string) bool {
	return name == ".git" || name == ".trellis"
}

// addDirsRecursive adds root and its document subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && ignoredDir(d.Name()) {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}
