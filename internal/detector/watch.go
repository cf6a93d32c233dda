package detector

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the model whenever the artifact at path is replaced, until
// ctx is cancelled. The parent directory is watched because artifacts are
// saved by rename. Bursts of events within debounce collapse into one
// reload. onReload, if set, is called after every attempt with the model
// that was replaced.
func (d *Detector) Watch(ctx context.Context, path string, debounce time.Duration, onReload func(old *Model, err error)) error {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("detector: watch %s: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("detector: create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return fmt.Errorf("detector: watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer w.Close()

		timer := time.NewTimer(debounce)
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
				if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Create|fsnotify.Write|fsnotify.Rename) {
					continue
				}
				timer.Reset(debounce)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				d.logger.Warn("artifact watcher error", zap.Error(err))
			case <-timer.C:
				old, err := d.Reload(abs)
				if onReload != nil {
					onReload(old, err)
				}
			}
		}
	}()

	d.logger.Info("watching model artifact", zap.String("path", abs))
	return nil
}
