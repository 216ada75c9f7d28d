package configsync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Resolver maps a vault-relative path to an absolute one.
type Resolver interface {
	Abs(path string) (string, error)
}

// Watch feeds local edits of either artifact into NotifyChanged until ctx is
// cancelled or Close is called. Both artifacts must live in the same folder.
func (o *Orchestrator) Watch(ctx context.Context, vault Resolver) error {
	catAbs, err := vault.Abs(o.categories.Path())
	if err != nil {
		return err
	}
	tagAbs, err := vault.Abs(o.tags.Path())
	if err != nil {
		return err
	}
	dir, err := vault.Abs(path.Dir(o.categories.Path()))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("configsync: mkdir %s: %w", dir, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("configsync: watch %s: %w", dir, err)
	}

	kinds := map[string]Kind{
		filepath.Clean(catAbs): Categories,
		filepath.Clean(tagAbs): Tags,
	}
	o.logger.Info("config watcher started", slog.String("dir", dir))

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("config watcher stopped")
			return nil
		case <-o.stopped:
			o.logger.Info("config watcher stopped")
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			kind, ok := kinds[filepath.Clean(ev.Name)]
			if !ok {
				continue
			}
			o.logger.Debug("config artifact changed", slog.String("kind", string(kind)), slog.String("op", ev.Op.String()))
			o.NotifyChanged(kind)

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			o.logger.Error("config watcher error", slog.String("error", watchErr.Error()))
		}
	}
}
