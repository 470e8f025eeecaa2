package config

import (
	"path/filepath"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/loopgate/loopgate/internal/infrastructure/toolserver"
	apperrors "github.com/loopgate/loopgate/pkg/errors"
	"github.com/loopgate/loopgate/pkg/safego"
)

// debounceWindow coalesces the burst of fsnotify events editors emit for a
// single save.
const debounceWindow = 250 * time.Millisecond

// Fleet is the registry surface the watcher drives.
type Fleet interface {
	Register(cfg toolserver.ServerConfig) error
	Unregister(name string) error
}

// ServersWatcher follows servers.yaml and keeps the fleet in sync: servers
// added to the file are registered, removed ones unregistered, and changed
// ones re-registered with the new config. A file that fails to parse changes
// nothing.
type ServersWatcher struct {
	path    string
	fleet   Fleet
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	known map[string]toolserver.ServerConfig

	stop chan struct{}
	done chan struct{}
}

// NewServersWatcher builds a watcher. seed is the fleet registered at
// startup, so the first reload only applies genuine differences.
func NewServersWatcher(path string, seed []toolserver.ServerConfig, fleet Fleet, logger *zap.Logger) *ServersWatcher {
	known := make(map[string]toolserver.ServerConfig, len(seed))
	for _, cfg := range seed {
		known[cfg.Name] = cfg
	}
	return &ServersWatcher{
		path:   path,
		fleet:  fleet,
		logger: logger.With(zap.String("component", "servers-watcher")),
		known:  known,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins watching. The parent directory is watched, not the file:
// editors and config tools replace files by rename, which drops a watch on
// the file itself.
func (w *ServersWatcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher

	safego.Go(w.logger, "servers-watcher", w.loop)

	w.logger.Info("Watching tool-server fleet file", zap.String("path", w.path))
	return nil
}

// Stop ends the watch loop and waits for it to exit.
func (w *ServersWatcher) Stop() {
	if w.watcher == nil {
		return
	}
	close(w.stop)
	w.watcher.Close()
	<-w.done
}

func (w *ServersWatcher) loop() {
	defer close(w.done)

	var pending *time.Timer
	var pendingC <-chan time.Time

	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(debounceWindow)
				pendingC = pending.C
			} else {
				pending.Reset(debounceWindow)
			}
		case <-pendingC:
			pending = nil
			pendingC = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Fleet watcher error", zap.Error(err))
		}
	}
}

// reload re-reads the file and applies the diff to the fleet.
func (w *ServersWatcher) reload() {
	configs, err := LoadServers(w.path)
	if err != nil {
		w.logger.Warn("Fleet file reload rejected", zap.Error(err))
		return
	}

	desired := make(map[string]toolserver.ServerConfig, len(configs))
	for _, cfg := range configs {
		desired[cfg.Name] = cfg
	}

	added, removed, changed := 0, 0, 0

	for name := range w.known {
		if _, ok := desired[name]; ok {
			continue
		}
		if err := w.fleet.Unregister(name); err != nil && !apperrors.IsNotFound(err) {
			w.logger.Warn("Unregister on reload failed",
				zap.String("server", name), zap.Error(err))
		}
		delete(w.known, name)
		removed++
	}

	for name, cfg := range desired {
		old, ok := w.known[name]
		switch {
		case !ok:
			// Already-registered means the admin API got there first;
			// just adopt the entry.
			if err := w.fleet.Register(cfg); err != nil && !apperrors.IsAlreadyExists(err) {
				w.logger.Warn("Register on reload failed",
					zap.String("server", name), zap.Error(err))
				continue
			}
			w.known[name] = cfg
			added++
		case !reflect.DeepEqual(old, cfg):
			if err := w.fleet.Unregister(name); err != nil {
				w.logger.Warn("Re-register on reload failed",
					zap.String("server", name), zap.Error(err))
			}
			if err := w.fleet.Register(cfg); err != nil {
				w.logger.Warn("Re-register on reload failed",
					zap.String("server", name), zap.Error(err))
				delete(w.known, name)
				continue
			}
			w.known[name] = cfg
			changed++
		}
	}

	if added+removed+changed == 0 {
		return
	}
	w.logger.Info("Fleet file reloaded",
		zap.Int("added", added),
		zap.Int("removed", removed),
		zap.Int("changed", changed),
	)
}
