package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultSettleDelay is how long a Watcher waits after the last change to
// the file before it reloads.
const DefaultSettleDelay = 100 * time.Millisecond

// OnReload receives the config in force before a reload and its replacement.
type OnReload func(old, new *Config)

// Watcher hot-reloads one config file and hands each accepted config to its
// listeners.
type Watcher struct {
	path   string
	settle time.Duration
	fsw    *fsnotify.Watcher

	mu        sync.Mutex
	listeners []OnReload

	stop     chan struct{}
	stopOnce sync.Once
	running  sync.WaitGroup
}

// Watch starts watching path with DefaultSettleDelay.
func Watch(path string) (*Watcher, error) {
	return WatchWithDelay(path, DefaultSettleDelay)
}

// WatchWithDelay starts watching path. A burst of file events collapses into
// one reload once settle has passed without another event.
func WatchWithDelay(path string, settle time.Duration) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("config watcher: empty path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if settle <= 0 {
		settle = DefaultSettleDelay
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	// Saving through a rename swaps the file out from under a file watch.
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config watcher: watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{path: abs, settle: settle, fsw: fsw, stop: make(chan struct{})}
	w.running.Add(1)
	go w.run()
	return w, nil
}

// OnChange adds a listener. Listeners run in registration order on the
// watcher goroutine.
func (w *Watcher) OnChange(fn OnReload) {
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

// Close stops watching and waits for a pending reload to finish.
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stop)
		err = w.fsw.Close()
		w.running.Wait()
	})
	return err
}

// Reload loads the watched file now. A file that fails to load or validate
// leaves the current config in place and no listener runs.
func (w *Watcher) Reload() error {
	prev := Get()
	next, err := Load(w.path)
	if err != nil {
		return err
	}
	log.Info().Str("component", "config").Str("path", w.path).Msg("config reloaded")

	w.mu.Lock()
	listeners := append([]OnReload(nil), w.listeners...)
	w.mu.Unlock()
	for _, fn := range listeners {
		w.deliver(fn, prev, next)
	}
	return nil
}

func (w *Watcher) run() {
	defer w.running.Done()

	var due <-chan time.Time
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.touches(ev) {
				due = time.After(w.settle)
			}
		case <-due:
			due = nil
			if err := w.Reload(); err != nil {
				log.Error().Err(err).Str("component", "config").Str("path", w.path).Msg("reload rejected, keeping current config")
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("component", "config").Msg("watcher error")
		}
	}
}

// touches reports whether ev may have changed the watched file's content.
func (w *Watcher) touches(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != w.path {
		return false
	}
	return ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (w *Watcher) deliver(fn OnReload, prev, next *Config) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("component", "config").Msg("reload listener panicked")
		}
	}()
	fn(prev, next)
}
