// Copyright (C) 2025 Arbor Labs (dev@arborlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce folds the event bursts editors emit on save (create,
// write, rename) into one reload.
const watchDebounce = 250 * time.Millisecond

// Watch invokes onChange with the freshly loaded configuration
// whenever the file at path changes. An invalid intermediate state is
// logged and skipped; the previous configuration stays in effect.
//
// The parent directory is watched rather than the file itself, because
// most editors replace the file on save. Watch blocks until ctx is
// cancelled.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var reload *time.Timer
	reloadCh := make(chan struct{}, 1)
	scheduleReload := func() {
		if reload == nil {
			reload = time.AfterFunc(watchDebounce, func() {
				select {
				case reloadCh <- struct{}{}:
				default:
				}
			})
			return
		}
		reload.Reset(watchDebounce)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				scheduleReload()
			}

		case <-reloadCh:
			cfg, err := Load(path)
			if err != nil {
				logger.Warn("config reload skipped", "path", path, "error", err)
				continue
			}
			logger.Info("config reloaded", "path", path)
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}
