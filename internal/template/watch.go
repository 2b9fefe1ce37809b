package template

import (
	"context"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "bookbot/pkg/logx"
)

// Watch reloads the tables whenever a file in the overlay dir changes.
// Best-effort: a reload failure keeps the previous tables live and is
// logged. Returns immediately when no overlay dir is configured.
func (e *Engine) Watch(ctx context.Context) error {
	dir := strings.TrimSpace(e.cfg.Dir)
	if dir == "" {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return err
	}

	go func() {
		defer w.Close()

		// Editors fire bursts of events per save; coalesce them.
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				ext := strings.ToLower(ev.Name)
				if !strings.HasSuffix(ext, ".yaml") && !strings.HasSuffix(ext, ".yml") {
					continue
				}
				pending = time.After(250 * time.Millisecond)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				e.log.Warn("template watcher error", logx.Err(err))
			case <-pending:
				pending = nil
				if err := e.Reload(); err != nil {
					e.log.Error("template reload failed, keeping previous tables", logx.Err(err))
					continue
				}
				e.log.Info("templates reloaded", logx.String("dir", dir))
			}
		}
	}()
	return nil
}
