package app

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 200 * time.Millisecond

// fileWatcher watches individual files through their parent directories so
// that editors replacing a file by rename are still seen.
type fileWatcher struct {
	w      *fsnotify.Watcher
	logger *slog.Logger

	mu    sync.Mutex
	files map[string]struct{}
	dirs  map[string]struct{}
}

func newFileWatcher(logger *slog.Logger) (*fileWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &fileWatcher{
		w:      w,
		logger: logger,
		files:  make(map[string]struct{}),
		dirs:   make(map[string]struct{}),
	}, nil
}

// track adds path to the watched set. Tracking a path twice is a no-op.
func (fw *fileWatcher) track(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if _, ok := fw.files[abs]; ok {
		return nil
	}
	dir := filepath.Dir(abs)
	if _, ok := fw.dirs[dir]; !ok {
		if err := fw.w.Add(dir); err != nil {
			return err
		}
		fw.dirs[dir] = struct{}{}
	}
	fw.files[abs] = struct{}{}
	fw.logger.Info("watching_file", slog.String("path", abs))
	return nil
}

func (fw *fileWatcher) tracked(name string) bool {
	abs, err := filepath.Abs(name)
	if err != nil {
		return false
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	_, ok := fw.files[abs]
	return ok
}

// run calls reload once per burst of changes to tracked files until ctx is
// done.
func (fw *fileWatcher) run(ctx context.Context, reload func()) {
	defer fw.w.Close()

	// Debounce to coalesce bursty editor/atomic-write events.
	var timer *time.Timer
	var timerCh <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(watchDebounce)
		} else {
			timer.Reset(watchDebounce)
		}
		timerCh = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-fw.w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if !fw.tracked(ev.Name) {
				continue
			}
			schedule()
		case err, ok := <-fw.w.Errors:
			if !ok {
				return
			}
			fw.logger.Warn("watch_error", slog.Any("err", err))
		case <-timerCh:
			timerCh = nil
			reload()
		}
	}
}
