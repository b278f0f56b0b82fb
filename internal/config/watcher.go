package config

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors the persisted settings file and calls a callback when its
// content changes. It watches the parent directory so that atomic
// replacements (write to temp file, rename over target) are observed.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(old, new Settings)
	fsw      *fsnotify.Watcher

	mu       sync.Mutex
	current  Settings
	lastHash [sha256.Size]byte

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithDebounce sets how long the watcher waits after the last file event
// before reloading. Editors often emit several events per save. Default: 100ms.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher loads the settings file at path and starts watching it. A
// missing file is treated as empty settings and picked up once created.
func NewWatcher(path string, onChange func(old, new Settings), opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	w := &Watcher{
		path:     abs,
		debounce: 100 * time.Millisecond,
		onChange: onChange,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	s, hash, err := w.loadAndHash()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.lastHash = s, hash

	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: watch %q: %w", dir, err)
	}
	w.fsw = fsw

	go w.loop()
	return w, nil
}

// Current returns the most recently loaded valid settings.
func (w *Watcher) Current() Settings {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.fsw.Close()
		<-w.stopped
	})
}

func (w *Watcher) loop() {
	defer close(w.stopped)

	var (
		timer   *time.Timer
		trigger <-chan time.Time
	)
	for {
		select {
		case <-w.done:
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
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			trigger = timer.C
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("settings watcher error", "path", w.path, "err", err)
		case <-trigger:
			trigger = nil
			w.check()
		}
	}
}

// check reloads the file and, if the content changed and parses, calls
// onChange and updates the current settings.
func (w *Watcher) check() {
	s, hash, err := w.loadAndHash()
	if err != nil {
		slog.Warn("settings watcher: keeping previous settings", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if hash == w.lastHash {
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = s
	w.lastHash = hash
	w.mu.Unlock()

	slog.Info("settings reloaded", "path", w.path)

	// Invoke the callback outside the lock so it can safely call Current().
	if w.onChange != nil {
		w.onChange(old, s)
	}
}

func (w *Watcher) loadAndHash() (Settings, [sha256.Size]byte, error) {
	data, err := os.ReadFile(w.path)
	if errors.Is(err, fs.ErrNotExist) {
		data, err = nil, nil
	}
	if err != nil {
		return Settings{}, [sha256.Size]byte{}, err
	}
	s, err := parseSettings(data)
	if err != nil {
		return Settings{}, [sha256.Size]byte{}, err
	}
	return s, sha256.Sum256(data), nil
}
