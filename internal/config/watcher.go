package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// DefaultDebounce collapses the burst of events an editor save produces.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads a configuration file when it changes and hands each
// freshly loaded config to the registered handlers.
type Watcher struct {
	path     string
	debounce time.Duration
	load     func(path string) (*Config, error)
	log      *slog.Logger

	mu       sync.Mutex
	handlers []func(*Config)
	onError  func(error)

	fsw    *fsnotify.Watcher
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type WatcherOption func(*Watcher)

func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithLoader replaces LoadFile, mostly so flags bound to a viper instance
// keep applying on reload.
func WithLoader(fn func(path string) (*Config, error)) WatcherOption {
	return func(w *Watcher) { w.load = fn }
}

// WithErrorHandler is called when a reload fails to load.
func WithErrorHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onError = fn }
}

func NewWatcher(path string, log *slog.Logger, opts ...WatcherOption) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:     filepath.Clean(path),
		debounce: DefaultDebounce,
		load:     LoadFile,
		log:      log.With("component", "config_watcher"),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// OnReload registers fn. The returned func unregisters it.
func (w *Watcher) OnReload(fn func(*Config)) func() {
	w.mu.Lock()
	w.handlers = append(w.handlers, fn)
	idx := len(w.handlers) - 1
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		w.handlers[idx] = nil
		w.mu.Unlock()
	}
}

// Start watches the directory holding the file so renames and atomic
// replaces are seen too.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create fs watcher")
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return errors.Wrapf(err, "watch %s", w.path)
	}
	w.fsw = fsw
	w.log.Info("watching config", "path", w.path, "debounce", w.debounce)
	go w.run()
	return nil
}

// Stop ends watching and waits for the loop to exit.
func (w *Watcher) Stop() error {
	w.cancel()
	if w.fsw == nil {
		return nil
	}
	err := w.fsw.Close()
	<-w.done
	return err
}

func (w *Watcher) run() {
	defer close(w.done)
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-w.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.log.Debug("config change detected", "op", ev.Op.String())
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			fire = timer.C
		case <-fire:
			fire = nil
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.load(w.path)
	if err != nil {
		w.log.Warn("config reload failed, keeping previous config", "error", err)
		if w.onError != nil {
			w.onError(err)
		}
		return
	}
	w.mu.Lock()
	handlers := make([]func(*Config), 0, len(w.handlers))
	for _, h := range w.handlers {
		if h != nil {
			handlers = append(handlers, h)
		}
	}
	w.mu.Unlock()
	w.log.Info("config reloaded", "processes", len(cfg.Processes))
	for _, h := range handlers {
		h(cfg)
	}
}
