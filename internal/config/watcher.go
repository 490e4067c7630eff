package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the configuration file when it changes on disk.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	logger   zerolog.Logger
	onChange func(*Config)
	mu       sync.Mutex
	done     chan struct{}
}

// NewWatcher watches the config file at path and calls onChange with the
// freshly loaded configuration after every write. The callback runs on
// the watcher goroutine; keep it short.
func NewWatcher(path string, logger zerolog.Logger, onChange func(*Config)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory, not the file: editors that replace the file
	// on save would otherwise drop the watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	w := &Watcher{
		watcher:  watcher,
		path:     path,
		logger:   logger.With().Str("component", "config").Logger(),
		onChange: onChange,
		done:     make(chan struct{}),
	}

	go w.watchLoop()

	return w, nil
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	cfg, err := Load()
	if err != nil {
		w.logger.Error().Err(err).Msg("Config reload failed")
		return
	}
	w.logger.Info().Str("path", w.path).Msg("Config reloaded")
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// Close stops the watcher
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
