package scan

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/tagledger/internal/models"
	"github.com/starford/tagledger/internal/storage"
)

// DefaultDebounce is the quiet period before a watcher-triggered scan.
const DefaultDebounce = 300 * time.Millisecond

// Watch starts an fsnotify watcher on root and runs a diff scan after each
// burst of changes to candidate files, until ctx is cancelled. The watcher
// never triggers a full scan.
//
// New directories created at runtime are added to the watch list; excluded
// directories are never watched.
func (e *Engine) Watch(ctx context.Context, root string, debounce time.Duration) error {
	fsys, err := storage.NewFS(root, e.filter)
	if err != nil {
		return err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, fsys, fsys.Root()); err != nil {
		return err
	}
	e.logger.Info("watcher: started", slog.String("root", fsys.Root()))

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(debounce)
			timerCh = timer.C
			return
		}
		timer.Reset(debounce)
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			e.logger.Info("watcher: stopped")
			return nil

		case <-timerCh:
			timer, timerCh = nil, nil
			if _, err := e.Scan(ctx, fsys.Root(), models.ScanDiff); err != nil && ctx.Err() == nil {
				e.logger.Warn("watcher: diff scan failed", slog.String("error", err.Error()))
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if fsys.Excluded(filepath.Base(ev.Name)) {
						continue
					}
					if addErr := addDirsRecursive(w, fsys, ev.Name); addErr != nil {
						e.logger.Warn("watcher: add new dir failed",
							slog.String("path", ev.Name),
							slog.String("error", addErr.Error()))
					}
					schedule()
					continue
				}
			}
			rel, relErr := filepath.Rel(fsys.Root(), ev.Name)
			if relErr != nil || !fsys.Candidate(filepath.ToSlash(rel)) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				e.logger.Debug("watcher: change", slog.String("path", rel), slog.String("op", ev.Op.String()))
				schedule()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			e.logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// addDirsRecursive adds start and all of its non-excluded subdirectories.
func addDirsRecursive(w *fsnotify.Watcher, fsys *storage.FS, start string) error {
	return filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != fsys.Root() && fsys.Excluded(d.Name()) {
			return fs.SkipDir
		}
		return w.Add(path)
	})
}
