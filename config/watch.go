package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay coalesces the burst of events a single save produces.
const reloadDelay = 100 * time.Millisecond

// ReloadFunc receives the reloaded configuration, or the error that kept the file from loading.
type ReloadFunc func(cfg *Config, err error)

// Watch calls fn each time the file at path changes until ctx is done.
//
// The directory is watched rather than the file so that editors replacing the file by
// rename are followed. Watch returns once the watcher is installed; fn runs on the
// watcher goroutine.
func Watch(ctx context.Context, path string, fn ReloadFunc) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch config: %w", err)
	}

	go watchLoop(ctx, w, abs, fn)

	return nil
}

func watchLoop(ctx context.Context, w *fsnotify.Watcher, path string, fn ReloadFunc) {
	defer w.Close()

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(reloadDelay)

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			fn(nil, fmt.Errorf("watch config: %w", err))

		case <-timer.C:
			fn(Load(path))
		}
	}
}
