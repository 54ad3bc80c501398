package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const defaultWatchInterval = 5 * time.Second

// ChangeFunc receives the previous and the newly loaded config.
type ChangeFunc func(old, new *Config)

// fileStamp identifies one version of the watched file.
type fileStamp struct {
	mod  time.Time
	hash [sha256.Size]byte
}

// Watcher polls the config file and reports edits that change at least one
// setting. Edits that do not parse or validate are logged and skipped; the
// last valid config stays current. Edits that only touch comments or
// formatting update the stamp without a callback.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	stamp   fileStamp

	cancel context.CancelFunc
	done   chan struct{}
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatchLogger sets the logger for reload messages. The default is
// [slog.Default].
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher loads the file at path and polls it until ctx is cancelled or
// [Watcher.Stop] is called. The initial load must succeed.
func NewWatcher(ctx context.Context, path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: defaultWatchInterval,
		onChange: onChange,
		log:      slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current, w.stamp = cfg, stamp

	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for an in-flight callback. Idempotent.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config: cannot stat watched file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	seen := info.ModTime().Equal(w.stamp.mod)
	w.mu.Unlock()
	if seen {
		return
	}

	cfg, stamp, err := w.load()
	if err != nil {
		w.log.Warn("config: ignoring invalid edit", "path", w.path, "err", err)
		w.mu.Lock()
		w.stamp.mod = info.ModTime()
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	if stamp.hash == w.stamp.hash {
		w.stamp = stamp
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current, w.stamp = cfg, stamp
	w.mu.Unlock()

	if !Diff(old, cfg).Changed() {
		w.log.Debug("config: file edited without setting changes", "path", w.path)
		return
	}
	w.log.Info("config: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

func (w *Watcher) load() (*Config, fileStamp, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileStamp{}, err
	}
	return cfg, fileStamp{mod: info.ModTime(), hash: sha256.Sum256(data)}, nil
}
