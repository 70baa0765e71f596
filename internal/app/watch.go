package app

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"stageline/internal/config"
	"stageline/internal/events"
	"stageline/internal/repo"
)

const reloadDebounce = 250 * time.Millisecond

// WatchConfig re-syncs execution profiles whenever stageline.yml changes. A
// config that fails to parse is logged and ignored; the previous profiles stay
// in effect. It blocks until ctx is done.
func (rt *Runtime) WatchConfig(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	// Editors replace the file on save, so watch the directory.
	dir, err := filepath.Abs(rt.Workspace)
	if err != nil {
		return err
	}
	if err := w.Add(dir); err != nil {
		return err
	}
	target := filepath.Join(dir, config.FileName)

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(reloadDebounce)
			pending = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			rt.Logger.Warn("config watcher error", "error", err)
		case <-pending:
			pending = nil
			rt.reload(ctx)
		}
	}
}

func (rt *Runtime) reload(ctx context.Context) {
	cfg, err := config.Load(rt.Workspace)
	if err != nil {
		rt.Logger.Warn("config reload rejected", "error", err)
		return
	}
	r := repo.Repo{DB: rt.DB}
	if err := SyncProfiles(ctx, r, cfg); err != nil {
		rt.Logger.Error("config reload failed", "error", err)
		return
	}
	w := events.Writer{DB: rt.DB}
	if err := w.Append(ctx, nil, "profiles_synced", "dispatcher", "", events.EventPayload{"profiles": len(cfg.Profiles)}); err != nil {
		rt.Logger.Error("record event failed", "kind", "profiles_synced", "error", err)
	}
	rt.Logger.Info("execution profiles reloaded", "profiles", len(cfg.Profiles))
}
