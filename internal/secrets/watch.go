package secrets

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the allowlist at path whenever it changes, until ctx is done.
// The parent directory is watched so editors that replace the file on save
// are handled.
func (r *Redactor) Watch(ctx context.Context, path string) error {
	if path == "" || !r.Enabled() {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating allowlist watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) {
					continue
				}
				r.reload(ctx, path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn(ctx, "allowlist watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

func (r *Redactor) reload(ctx context.Context, path string) {
	allowlist, err := LoadAllowlist(path)
	if err != nil {
		r.logger.Warn(ctx, "keeping previous allowlist", zap.String("path", path), zap.Error(err))
		return
	}
	if err := r.SetAllowlist(allowlist); err != nil {
		r.logger.Warn(ctx, "allowlist reload failed", zap.Error(err))
		return
	}
	r.logger.Info(ctx, "allowlist reloaded", zap.String("path", path))
}

// Allowlist returns the allowlist currently applied, or nil.
func (r *Redactor) Allowlist() *Allowlist {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allowlist
}
