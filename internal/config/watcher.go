package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ChangeFunc receives a reloaded, validated configuration
type ChangeFunc func(cfg *Config)

// Watcher reloads the config file when it changes on disk
type Watcher struct {
	loader    *Loader
	path      string
	watcher   *fsnotify.Watcher
	debounce  time.Duration
	onChange  ChangeFunc
	logger    zerolog.Logger
	done      chan struct{}
	timer     *time.Timer
	timerMu   sync.Mutex
	stopOnce  sync.Once
	reloads   int
	reloadsMu sync.Mutex
}

// WatcherConfig holds configuration for the watcher
type WatcherConfig struct {
	Loader   *Loader
	Debounce time.Duration
	OnChange ChangeFunc
	Logger   zerolog.Logger
}

// NewWatcher creates a watcher for the loader's config file
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Loader == nil {
		return nil, fmt.Errorf("loader is required")
	}
	if cfg.OnChange == nil {
		return nil, fmt.Errorf("change callback is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 200 * time.Millisecond
	}

	path := cfg.Loader.GetConfigPath()
	if path == "" {
		return nil, fmt.Errorf("failed to determine config path")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		loader:   cfg.Loader,
		path:     filepath.Clean(path),
		watcher:  watcher,
		debounce: cfg.Debounce,
		onChange: cfg.OnChange,
		logger:   cfg.Logger.With().Str("component", "config").Logger(),
		done:     make(chan struct{}),
	}, nil
}

// Start watches the directory holding the config file, so editors that
// replace the file instead of writing it in place are also seen.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go w.eventLoop()

	w.logger.Info().Str("path", w.path).Msg("Config watcher started")
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)

		w.timerMu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.timerMu.Unlock()

		if cerr := w.watcher.Close(); cerr != nil {
			err = fmt.Errorf("failed to close watcher: %w", cerr)
		}
	})
	return err
}

// Reloads returns how many times a valid config was delivered
func (w *Watcher) Reloads() int {
	w.reloadsMu.Lock()
	defer w.reloadsMu.Unlock()
	return w.reloads
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.schedule()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Config watcher error")

		case <-w.done:
			return
		}
	}
}

// schedule coalesces bursts of events into one reload
func (w *Watcher) schedule() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
			return
		default:
			w.reload()
		}
	})
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Warn().Err(err).Msg("Ignoring config change, reload failed")
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Warn().Err(err).Msg("Ignoring config change, validation failed")
		return
	}

	w.reloadsMu.Lock()
	w.reloads++
	w.reloadsMu.Unlock()

	w.logger.Info().Str("path", w.path).Msg("Config reloaded")
	w.onChange(cfg)
}
