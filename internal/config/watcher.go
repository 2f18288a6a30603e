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

// DefaultWatchInterval is how often a [Watcher] polls its file.
const DefaultWatchInterval = 5 * time.Second

// Watcher keeps the configuration in sync with its file. It polls the file
// and reloads on demand via [Watcher.Reload], which main wires to SIGHUP. A
// file that fails to load or validate is logged and ignored; the previous
// configuration stays in effect.
type Watcher struct {
	path     string
	interval time.Duration
	apply    func(old, updated *Config)

	mu      sync.Mutex
	current *Config
	seen    stamp

	reload chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// stamp identifies one version of the file.
type stamp struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts watching it. apply is called with the
// previous and the new configuration after every accepted change; it may be
// nil.
func NewWatcher(path string, apply func(old, updated *Config), opts ...WatcherOption) (*Watcher, error) {
	cfg, st, err := readStamped(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		apply:    apply,
		current:  cfg,
		seen:     st,
		reload:   make(chan struct{}, 1),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	go w.loop(ctx)
	return w, nil
}

// Current returns the configuration currently in effect.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload asks the watcher to re-read the file now, even if its modification
// time did not change. It does not block.
func (w *Watcher) Reload() {
	select {
	case w.reload <- struct{}{}:
	default:
	}
}

// Stop ends watching and waits for an in-progress reload to finish. It is
// safe to call more than once.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(false)
		case <-w.reload:
			w.check(true)
		}
	}
}

// check applies the file if its content changed. Unless forced, a file whose
// modification time and size are unchanged is not read.
func (w *Watcher) check(force bool) {
	w.mu.Lock()
	seen := w.seen
	w.mu.Unlock()

	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
			return
		}
		if info.ModTime().Equal(seen.mtime) && info.Size() == seen.size {
			return
		}
	}

	cfg, st, err := readStamped(w.path)
	if err != nil {
		slog.Warn("config watcher: keeping previous configuration", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if st.sum == w.seen.sum {
		w.seen = st
		w.mu.Unlock()
		slog.Debug("config watcher: file touched, content unchanged", "path", w.path)
		return
	}
	old := w.current
	w.current = cfg
	w.seen = st
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path, "forced", force)
	if w.apply != nil {
		w.apply(old, cfg)
	}
}

// readStamped loads and validates the file at path.
func readStamped(path string) (*Config, stamp, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, stamp{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, stamp{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, stamp{}, err
	}
	return cfg, stamp{mtime: info.ModTime(), size: info.Size(), sum: sha256.Sum256(data)}, nil
}
