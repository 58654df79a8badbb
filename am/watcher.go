package am

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/teranos/portal/errors"
)

// DefaultReloadDebounce collapses the burst of events one editor save produces
const DefaultReloadDebounce = 500 * time.Millisecond

// ReloadCallback receives a config that already passed Validate.
// A callback error is logged and the remaining callbacks still run.
type ReloadCallback func(*Config) error

// ConfigWatcher reloads the active config file when it changes on disk and
// hands the result to the registered callbacks. An invalid file is rejected
// and the daemon keeps running on what it had.
type ConfigWatcher struct {
	path     string
	name     string
	watcher  *fsnotify.Watcher
	log      *zap.SugaredLogger
	debounce time.Duration
	load     func() (*Config, error)

	mu        sync.RWMutex
	callbacks []ReloadCallback

	started atomic.Bool
	done    chan struct{}
}

// NewConfigWatcher watches the directory holding path rather than the file
// itself: editors that save by rename would otherwise leave the watch on a
// deleted inode.
func NewConfigWatcher(path string, log *zap.SugaredLogger) (*ConfigWatcher, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", path)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, errors.Wrapf(err, "failed to watch %s", filepath.Dir(abs))
	}

	return &ConfigWatcher{
		path:     abs,
		name:     filepath.Base(abs),
		watcher:  w,
		log:      log,
		debounce: DefaultReloadDebounce,
		load:     reloadGlobal,
		done:     make(chan struct{}),
	}, nil
}

// OnReload registers a callback
func (cw *ConfigWatcher) OnReload(callback ReloadCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// Start runs the watch loop until ctx is done or Stop is called.
func (cw *ConfigWatcher) Start(ctx context.Context) {
	if cw.started.Swap(true) {
		return
	}
	go cw.run(ctx)
}

func (cw *ConfigWatcher) run(ctx context.Context) {
	defer close(cw.done)

	// Stopped until the first relevant event arms it
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if !cw.relevant(event) {
				continue
			}
			cw.log.Debugw("Config change detected", "file", event.Name, "op", event.Op.String())
			timer.Reset(cw.debounce)

		case <-timer.C:
			if err := cw.reload(); err != nil {
				cw.log.Errorw("Config reload failed", "path", cw.path, "error", err)
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.log.Warnw("Config watcher error", "error", err)
		}
	}
}

// relevant keeps writes and renames-into-place of the watched file only
func (cw *ConfigWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Base(event.Name) != cw.name || isBackupFile(event.Name) {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create)
}

func (cw *ConfigWatcher) reload() error {
	next, err := cw.load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := next.Validate(); err != nil {
		return errors.Wrap(err, "reloaded config rejected")
	}
	cw.log.Infow("Config reloaded", "path", cw.path)

	cw.mu.RLock()
	callbacks := append([]ReloadCallback(nil), cw.callbacks...)
	cw.mu.RUnlock()

	for _, callback := range callbacks {
		if err := callback(next); err != nil {
			cw.log.Warnw("Config reload callback error", "error", err)
		}
	}
	return nil
}

// Stop closes the underlying watcher and waits for a started loop to exit.
func (cw *ConfigWatcher) Stop() error {
	err := cw.watcher.Close()
	if cw.started.Load() {
		<-cw.done
	}
	return err
}

// isBackupFile reports editor and rotation leftovers (am.toml.back1, am.toml~, .am.toml.swp)
func isBackupFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") {
		return true
	}
	return strings.HasPrefix(filepath.Ext(base), ".back")
}

// reloadGlobal drops the cached config and reads the cascade again
func reloadGlobal() (*Config, error) {
	Reset()
	return Load()
}
