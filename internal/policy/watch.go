package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads path into store whenever the file changes, until ctx is
// done. A file that fails to parse or validate is logged and the previous
// snapshot stays active. The parent directory is watched so editors that
// replace the file by rename are picked up.
func Watch(ctx context.Context, path string, store *Store, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve policy path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return fmt.Errorf("watch policy dir: %w", err)
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				p, err := Load(abs)
				if err != nil {
					logger.Warn("policy reload failed, keeping previous policy", "path", abs, "error", err)
					continue
				}
				store.Replace(p)
				logger.Info("policy reloaded", "path", abs, "max_gather_turns", p.MaxGatherTurns, "top_k", p.TopK)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("policy watcher error", "error", err)
			}
		}
	}()
	return nil
}
