package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeHandler is called with the freshly loaded configuration after the
// file changes on disk. Handler errors are logged, not fatal.
type ChangeHandler func(cfg *Config) error

// Watcher hot-reloads the config file and notifies registered handlers.
type Watcher struct {
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	handlers []ChangeHandler
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatcher watches the directory containing path for changes. Watching
// the directory rather than the file survives editors that replace the
// file on save.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		path:    path,
		logger:  logger,
		watcher: fw,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// OnChange registers a handler for config reloads.
func (w *Watcher) OnChange(h ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// Start begins watching in the background.
func (w *Watcher) Start() {
	go w.loop()
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load()
	if err != nil {
		w.logger.Error("Config reload failed", zap.Error(err))
		return
	}
	w.logger.Info("Config reloaded", zap.String("path", w.path))

	w.mu.Lock()
	handlers := make([]ChangeHandler, len(w.handlers))
	copy(handlers, w.handlers)
	w.mu.Unlock()

	for _, h := range handlers {
		if err := h(cfg); err != nil {
			w.logger.Error("Config change handler failed", zap.Error(err))
		}
	}
}

// Stop halts the watcher and releases the underlying file watch.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
	<-w.doneCh
}
