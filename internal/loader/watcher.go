package loader

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ruuvi/stationd/config"
	"github.com/ruuvi/stationd/internal/logging"
)

var log = logging.Component("loader")

// ChangeFunc receives the previous and the freshly loaded configuration.
type ChangeFunc func(prev, next *Config)

// Watcher reloads the configuration file when it changes on disk and hands
// every valid new version to the registered callbacks. Invalid versions are
// logged and ignored; the last good configuration stays current.
type Watcher struct {
	path     string
	debounce time.Duration
	current  atomic.Pointer[Config]

	mu       sync.Mutex
	handlers []ChangeFunc

	fs     *fsnotify.Watcher
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reloads atomic.Int64
	rejects atomic.Int64
}

// NewWatcher creates a watcher for path starting from initial.
func NewWatcher(path string, initial *Config) *Watcher {
	w := &Watcher{path: filepath.Clean(path), debounce: config.DefaultReloadDebounce}
	w.current.Store(initial)
	return w
}

// Current returns the last valid configuration.
func (w *Watcher) Current() *Config { return w.current.Load() }

// Reloads returns how many new versions were applied and rejected.
func (w *Watcher) Reloads() (applied, rejected int64) {
	return w.reloads.Load(), w.rejects.Load()
}

// OnChange registers fn. Callbacks run in registration order on the watcher
// goroutine.
func (w *Watcher) OnChange(fn ChangeFunc) {
	w.mu.Lock()
	w.handlers = append(w.handlers, fn)
	w.mu.Unlock()
}

// Start begins watching. The directory is watched rather than the file so
// editors that replace the file are followed.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	w.fs = fsw
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)

	log.Info("watching configuration", "path", w.path)
	return nil
}

// Stop ends watching and waits for the watcher goroutine.
func (w *Watcher) Stop() error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	w.wg.Wait()
	w.cancel = nil
	return w.fs.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Warn("configuration watcher error", "error", err)

		case <-pending:
			pending = nil
			w.Reload()
		}
	}
}

// Reload loads the file now and applies it when valid.
func (w *Watcher) Reload() error {
	next, err := Load(w.path)
	if err != nil {
		w.rejects.Add(1)
		log.Warn("configuration reload rejected", "path", w.path, "error", err)
		return err
	}

	prev := w.current.Swap(next)
	w.reloads.Add(1)
	log.Info("configuration reloaded", "path", w.path)

	w.mu.Lock()
	handlers := append([]ChangeFunc(nil), w.handlers...)
	w.mu.Unlock()
	for _, fn := range handlers {
		fn(prev, next)
	}
	return nil
}

// =============================================================================
// Runtime Targets
// =============================================================================

// IntervalSetter accepts a new sync interval.
type IntervalSetter interface {
	SetInterval(d time.Duration)
}

// HorizonSetter accepts a new retention horizon.
type HorizonSetter interface {
	SetHorizon(d time.Duration)
}

// PushRuntime returns a ChangeFunc that forwards changed runtime settings:
// sync.interval to sched and retention.hours to pruner. Either target may
// be nil. persist, when set, also receives a changed horizon.
func PushRuntime(sched IntervalSetter, pruner HorizonSetter, persist func(time.Duration) error) ChangeFunc {
	return func(prev, next *Config) {
		if sched != nil && (prev == nil || prev.Sync.Interval != next.Sync.Interval) {
			sched.SetInterval(next.Sync.Interval.Duration())
		}
		if prev != nil && prev.Retention.Hours == next.Retention.Hours {
			return
		}
		if pruner != nil {
			pruner.SetHorizon(next.RetentionHorizon())
		}
		if persist != nil {
			if err := persist(next.RetentionHorizon()); err != nil {
				log.Warn("retention horizon not persisted", "error", err)
			}
		}
	}
}
