package am

import (
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/logger"
)

// DefaultReloadDebounce collapses editor save bursts into a single reload.
const DefaultReloadDebounce = 500 * time.Millisecond

// ReloadCallback receives the freshly loaded config
type ReloadCallback func(*Config) error

// ConfigWatcher reloads the config when its file changes and hands the
// result to every registered callback.
type ConfigWatcher struct {
	path     string
	fs       *fsnotify.Watcher
	debounce time.Duration
	load     func() (*Config, error)
	log      *zap.SugaredLogger

	mu        sync.Mutex
	callbacks []ReloadCallback
	pending   *time.Timer

	// set by our own writes so the resulting event is not treated as an edit
	skipNext atomic.Bool

	stopOnce sync.Once
	done     chan struct{}
}

var activeWatcher atomic.Pointer[ConfigWatcher]

// NewConfigWatcher watches path. Reloads go through Reset and Load so
// environment overrides are re-applied too.
func NewConfigWatcher(path string) (*ConfigWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create fsnotify watcher")
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, "watch %s", path)
	}
	return &ConfigWatcher{
		path:     path,
		fs:       fw,
		debounce: DefaultReloadDebounce,
		load: func() (*Config, error) {
			Reset()
			return Load()
		},
		log:  logger.ComponentLogger("am"),
		done: make(chan struct{}),
	}, nil
}

// OnReload registers a callback to be called when config is reloaded
func (cw *ConfigWatcher) OnReload(cb ReloadCallback) {
	cw.mu.Lock()
	cw.callbacks = append(cw.callbacks, cb)
	cw.mu.Unlock()
}

// MarkOwnWrite makes the watcher ignore the next write event
func (cw *ConfigWatcher) MarkOwnWrite() {
	cw.skipNext.Store(true)
}

func (cw *ConfigWatcher) consumeOwnWrite() bool {
	return cw.skipNext.CompareAndSwap(true, false)
}

// Start begins watching in a background goroutine
func (cw *ConfigWatcher) Start() {
	go cw.run()
}

func (cw *ConfigWatcher) run() {
	for {
		select {
		case <-cw.done:
			return
		case ev, ok := <-cw.fs.Events:
			if !ok {
				return
			}
			cw.handle(ev)
		case err, ok := <-cw.fs.Errors:
			if !ok {
				return
			}
			cw.log.Warnw("Config watcher error", logger.FieldError, err)
		}
	}
}

func (cw *ConfigWatcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return
	}
	if isBackupFile(ev.Name) {
		return
	}
	if cw.consumeOwnWrite() {
		cw.log.Debugw("Ignoring own config write", "file", ev.Name)
		return
	}
	cw.log.Infow("Config file changed", "file", ev.Name, "op", ev.Op.String())

	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.pending != nil {
		cw.pending.Stop()
	}
	cw.pending = time.AfterFunc(cw.debounce, func() {
		if err := cw.reload(); err != nil {
			cw.log.Errorw("Config reload failed", "path", cw.path, logger.FieldError, err)
		}
	})
}

// reload runs every callback even when an earlier one fails
func (cw *ConfigWatcher) reload() error {
	cfg, err := cw.load()
	if err != nil {
		return errors.Wrap(err, "load config")
	}

	cw.mu.Lock()
	callbacks := append([]ReloadCallback(nil), cw.callbacks...)
	cw.mu.Unlock()

	cw.log.Infow("Config reloaded", "path", cw.path, "callbacks", len(callbacks))
	for _, cb := range callbacks {
		if err := cb(cfg); err != nil {
			cw.log.Warnw("Config reload callback failed", logger.FieldError, err)
		}
	}
	return nil
}

// Stop stops watching. It is safe to call more than once.
func (cw *ConfigWatcher) Stop() error {
	var err error
	cw.stopOnce.Do(func() {
		cw.mu.Lock()
		if cw.pending != nil {
			cw.pending.Stop()
		}
		cw.mu.Unlock()
		close(cw.done)
		err = cw.fs.Close()
	})
	return err
}

// isBackupFile matches the rotated copies written by SetValue (am.toml.back1..3)
func isBackupFile(path string) bool {
	return strings.HasPrefix(filepath.Ext(path), ".back")
}

// SetGlobalWatcher registers the process watcher so config writes can mark themselves
func SetGlobalWatcher(w *ConfigWatcher) {
	activeWatcher.Store(w)
}

// GetGlobalWatcher returns the process watcher, or nil
func GetGlobalWatcher() *ConfigWatcher {
	return activeWatcher.Load()
}
