// SPDX-License-Identifier: MIT

// Package watcher turns fsnotify directory events into "document deposited"
// notifications for the daemon loop.
package watcher

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/epgd/epgd/internal/log"
)

// debounceWindow papers over platforms without close-write semantics: a file
// is reported once no new write has been seen for this long.
const debounceWindow = 500 * time.Millisecond

const sweepInterval = 250 * time.Millisecond

// Watcher watches one directory for newly deposited files.
type Watcher struct {
	dir    string
	fsw    *fsnotify.Watcher
	events chan string
	logger zerolog.Logger
}

// New starts watching dir. Call Run to begin emitting paths.
func New(dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify.NewWatcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch directory %s: %w", dir, err)
	}
	return &Watcher{
		dir:    dir,
		fsw:    fsw,
		events: make(chan string, 16),
		logger: log.WithComponent("watcher"),
	}, nil
}

// Events yields paths of files that finished arriving in the watched
// directory.
func (w *Watcher) Events() <-chan string { return w.events }

// Run pumps fsnotify events until ctx is cancelled. Create and write events
// are debounced per file; directories are ignored.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close() //nolint:errcheck
	defer close(w.events)

	pending := make(map[string]time.Time)
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				pending[event.Name] = time.Now()
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				delete(pending, event.Name)
			}
			// Chmod is a no-op: tools like tar and install fchmod after
			// writing, which must not cancel the pending notification.
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Str("event", "watch.error").Msg("fsnotify watcher error")
		case now := <-sweep.C:
			for name, last := range pending {
				if now.Sub(last) < debounceWindow {
					continue
				}
				delete(pending, name)
				info, err := os.Stat(name)
				if err != nil || info.IsDir() {
					continue
				}
				select {
				case w.events <- name:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}
