package config

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// TunablesWatcher hot-reloads the tunables file when it changes on disk.
// Readers call Current; the held value never becomes invalid, a bad reload
// keeps the previous one.
type TunablesWatcher struct {
	path    string
	log     *logrus.Logger
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	current Tunables
}

// WatchTunables loads the tunables file and starts watching its directory.
// Watching the directory rather than the file keeps the watch alive across
// the rename-based writes editors and config pushers do.
func WatchTunables(path string, log *logrus.Logger) (*TunablesWatcher, error) {
	tun, err := LoadTunables(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}
	return &TunablesWatcher{
		path:    path,
		log:     log,
		watcher: watcher,
		current: tun,
	}, nil
}

// Current returns the most recently loaded tunables.
func (w *TunablesWatcher) Current() Tunables {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start processes filesystem events until the context is cancelled.
func (w *TunablesWatcher) Start(ctx context.Context) {
	w.log.WithField("path", w.path).Info("Watching tunables file")
	for {
		select {
		case <-ctx.Done():
			w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Error("Tunables watcher error")
		}
	}
}

func (w *TunablesWatcher) reload() {
	tun, err := LoadTunables(w.path)
	if err != nil {
		w.log.WithError(err).Warn("Tunables reload failed, keeping previous values")
		return
	}
	w.mu.Lock()
	w.current = tun
	w.mu.Unlock()
	w.log.WithField("path", w.path).Info("Tunables reloaded")
}
