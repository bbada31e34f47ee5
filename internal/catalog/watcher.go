package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherConfig controls directory hot reload.
type WatcherConfig struct {
	Dir      string
	Debounce time.Duration
	Options  []Option
	// OnReload, when set, is called after every successful swap.
	OnReload func(*Catalog)
}

// Watcher reloads a DirSource catalog when its files change and swaps it into
// a Store. A reload that fails validation is logged and the previous catalog
// stays active.
type Watcher struct {
	cfg    WatcherConfig
	store  *Store
	logger *slog.Logger

	mu    sync.Mutex
	timer *time.Timer
	ready chan struct{}
	once  sync.Once
}

// NewWatcher validates the configuration.
func NewWatcher(cfg WatcherConfig, store *Store, logger *slog.Logger) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("catalog watcher requires a directory")
	}
	if store == nil {
		return nil, fmt.Errorf("catalog watcher requires a store")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{cfg: cfg, store: store, logger: logger, ready: make(chan struct{})}, nil
}

// Ready is closed once the directory is being watched, or Run has given up.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.signalReady()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create catalog watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.cfg.Dir); err != nil {
		return fmt.Errorf("watch catalog directory %s: %w", w.cfg.Dir, err)
	}
	w.logger.Info("watching catalog directory", slog.String("dir", w.cfg.Dir), slog.Duration("debounce", w.cfg.Debounce))
	w.signalReady()

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !relevant(event) {
				continue
			}
			w.schedule()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("catalog watcher error", slog.Any("error", err))
		}
	}
}

// Reload loads the directory immediately and swaps it in on success.
func (w *Watcher) Reload() error {
	next, err := Load(DirSource{Dir: w.cfg.Dir}, w.cfg.Options...)
	if err != nil {
		w.logger.Error("catalog reload rejected, keeping previous catalog", slog.String("dir", w.cfg.Dir), slog.Any("error", err))
		return err
	}
	prev := w.store.Swap(next)
	w.logger.Info("catalog reloaded", slog.Int("fingerprints", next.Len()), slog.Int("previous", prev.Len()))
	if w.cfg.OnReload != nil {
		w.cfg.OnReload(next)
	}
	return nil
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.cfg.Debounce, func() { _ = w.Reload() })
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watcher) signalReady() {
	w.once.Do(func() { close(w.ready) })
}

func relevant(event fsnotify.Event) bool {
	switch strings.ToLower(filepath.Ext(event.Name)) {
	case ".yaml", ".yml":
	default:
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
		event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
}
