package configwatch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/eleven-am/dagflow/internal/domain"
)

// ApplyFunc receives every configuration that loaded and validated.
type ApplyFunc func(cfg *domain.Config) error

// ReloadRecorder is told about every reload attempt.
type ReloadRecorder interface {
	ConfigReloaded(err error)
}

// Watcher reloads a YAML config file when it changes on disk.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	apply    ApplyFunc
	recorder ReloadRecorder
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
	timer   *time.Timer
	current *domain.Config
}

type Option func(*Watcher)

func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

func WithRecorder(r ReloadRecorder) Option {
	return func(w *Watcher) { w.recorder = r }
}

func New(path string, apply ApplyFunc, logger *slog.Logger, opts ...Option) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, domain.NewSystemError("configwatch", "create watcher", err)
	}

	w := &Watcher{
		path:     abs,
		watcher:  fw,
		apply:    apply,
		logger:   logger.With("component", "configwatch", "path", abs),
		debounce: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start watches the file's directory, since editors often replace a file by
// renaming a temp file over it.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("config watcher: %w", domain.ErrAlreadyStarted)
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return domain.NewSystemError("configwatch", "watch "+filepath.Dir(w.path), err)
	}

	w.running = true
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(ctx, w.stopCh, w.done)

	w.logger.Info("config watcher started")
	return nil
}

// Stop ends the watch loop and releases the fsnotify handle. It is safe to
// call more than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	done := w.done
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	<-done
	return w.watcher.Close()
}

// Current returns the last configuration that was applied, or nil.
func (w *Watcher) Current() *domain.Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Watcher) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
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
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { _ = w.Reload() })
}

// Reload reads, validates and applies the file immediately. A file that fails
// to parse or validate leaves the running configuration untouched.
func (w *Watcher) Reload() error {
	start := time.Now()
	err := w.reload()
	if w.recorder != nil {
		w.recorder.ConfigReloaded(err)
	}
	if err != nil {
		w.logger.Error("config reload failed", "error", err, "duration", time.Since(start))
		return err
	}
	w.logger.Info("config reloaded", "duration", time.Since(start))
	return nil
}

func (w *Watcher) reload() error {
	cfg, err := domain.LoadConfig(w.path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if w.apply != nil {
		if err := w.apply(cfg); err != nil {
			return fmt.Errorf("apply config: %w", err)
		}
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
	return nil
}
