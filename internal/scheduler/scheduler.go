// Package scheduler triggers cloud sync passes.
//
// Two sources start a pass: a repeating interval timer and a network
// reachability transition to connected. A manual refresh is the third. All
// of them funnel into one non-reentrant trigger: a trigger that arrives while
// a pass is in flight is dropped and counted, never queued.
//
// Stop cancels the timer. A pass that is already running is not aborted; it
// lands its deliveries but its completion is not reported.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ruuvi/stationd/config"
	"github.com/ruuvi/stationd/internal/cloudqueue"
	"github.com/ruuvi/stationd/internal/errors"
	"github.com/ruuvi/stationd/internal/logging"
	isync "github.com/ruuvi/stationd/internal/sync"
)

var log = logging.Component("scheduler")

// =============================================================================
// Types
// =============================================================================

// Transport delivers one queued request to the cloud.
type Transport interface {
	Deliver(ctx context.Context, req cloudqueue.Request) error
}

// Queue is the pending request queue a pass drains.
type Queue interface {
	Drain(ctx context.Context, deliver func(context.Context, cloudqueue.Request) error) (int, error)
}

// Trigger names what started a pass.
type Trigger int

const (
	TriggerTimer Trigger = iota
	TriggerReachability
	TriggerManual
)

func (t Trigger) String() string {
	switch t {
	case TriggerTimer:
		return "timer"
	case TriggerReachability:
		return "reachability"
	case TriggerManual:
		return "manual"
	}
	return "unknown"
}

// PassResult reports one finished pass.
type PassResult struct {
	Pass      uint64
	Trigger   Trigger
	Delivered int
	Err       error
	Duration  time.Duration
}

// Stats holds trigger counters.
type Stats struct {
	Passes     uint64
	Dropped    uint64
	Suppressed uint64
	InFlight   bool
	Interval   time.Duration
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds scheduler configuration.
type Config struct {
	// Interval is the timer period. Clamped to config.MinSyncInterval.
	Interval time.Duration

	// PassTimeout bounds one pass.
	PassTimeout time.Duration

	// OnComplete receives the result of every pass that finishes while the
	// scheduler is running. It runs on the pass goroutine.
	OnComplete func(PassResult)
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:    config.DefaultSyncInterval,
		PassTimeout: config.DefaultSyncPassTimeout,
	}
}

// =============================================================================
// SyncScheduler
// =============================================================================

// SyncScheduler runs sync passes on a timer and on demand.
//
// SyncScheduler is safe for concurrent use.
type SyncScheduler struct {
	queue     Queue
	transport Transport

	passTimeout time.Duration
	onComplete  func(PassResult)
	minInterval time.Duration

	interval atomic.Int64
	reset    chan struct{}

	started isync.ResettableOnce
	mu      sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup

	// generation changes on every Start and Stop; a pass only reports
	// completion when the generation it started in is still current.
	generation atomic.Uint64
	running    atomic.Bool

	inFlight  atomic.Bool
	connected atomic.Bool

	passes     atomic.Uint64
	dropped    atomic.Uint64
	suppressed atomic.Uint64
}

// New creates a scheduler draining queue through transport.
func New(queue Queue, transport Transport, cfg Config) *SyncScheduler {
	def := DefaultConfig()
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = def.PassTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.OnComplete == nil {
		cfg.OnComplete = func(PassResult) {}
	}

	s := &SyncScheduler{
		queue:       queue,
		transport:   transport,
		passTimeout: cfg.PassTimeout,
		onComplete:  cfg.OnComplete,
		minInterval: config.MinSyncInterval,
		reset:       make(chan struct{}, 1),
	}
	s.interval.Store(int64(s.clamp(cfg.Interval)))
	return s
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start arms the interval timer. Calling Start on a running scheduler does
// nothing.
func (s *SyncScheduler) Start() {
	s.started.Do(func() {
		s.mu.Lock()
		s.stop = make(chan struct{})
		stop := s.stop
		s.mu.Unlock()

		s.generation.Add(1)
		s.running.Store(true)

		s.wg.Add(1)
		go s.loop(stop)

		log.Info("sync scheduler started", "interval", s.Interval())
	})
}

// Stop cancels the timer and waits for the timer goroutine to exit. In-flight
// passes keep running; their completion is suppressed.
func (s *SyncScheduler) Stop() {
	stopped := s.started.ResetWith(func() {
		s.running.Store(false)
		s.generation.Add(1)

		s.mu.Lock()
		close(s.stop)
		s.mu.Unlock()
		s.wg.Wait()
	})
	if stopped {
		log.Info("sync scheduler stopped", "in_flight", s.inFlight.Load())
	}
}

// Running reports whether the scheduler is started.
func (s *SyncScheduler) Running() bool { return s.running.Load() }

func (s *SyncScheduler) loop(stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-s.reset:
			ticker.Reset(s.Interval())
		case <-ticker.C:
			s.trigger(TriggerTimer)
		}
	}
}

// =============================================================================
// Triggers
// =============================================================================

// RefreshImmediately starts a pass now. It returns ErrSyncInFlight when a
// pass is already running and ErrStopped when the scheduler is not started.
func (s *SyncScheduler) RefreshImmediately() error {
	return s.trigger(TriggerManual)
}

// NotifyReachability records the network state. A transition to connected
// starts a pass.
func (s *SyncScheduler) NotifyReachability(connected bool) {
	was := s.connected.Swap(connected)
	if connected && !was {
		if err := s.trigger(TriggerReachability); err != nil {
			log.Debug("reachability trigger not started", "reason", err)
		}
	}
}

// SetInterval changes the timer period. The running timer restarts with the
// new period.
func (s *SyncScheduler) SetInterval(d time.Duration) {
	d = s.clamp(d)
	if time.Duration(s.interval.Swap(int64(d))) == d {
		return
	}
	log.Info("sync interval changed", "interval", d)
	select {
	case s.reset <- struct{}{}:
	default:
	}
}

// Interval returns the timer period.
func (s *SyncScheduler) Interval() time.Duration {
	return time.Duration(s.interval.Load())
}

func (s *SyncScheduler) clamp(d time.Duration) time.Duration {
	if d < s.minInterval {
		return s.minInterval
	}
	return d
}

// Stats returns the trigger counters.
func (s *SyncScheduler) Stats() Stats {
	return Stats{
		Passes:     s.passes.Load(),
		Dropped:    s.dropped.Load(),
		Suppressed: s.suppressed.Load(),
		InFlight:   s.inFlight.Load(),
		Interval:   s.Interval(),
	}
}

func (s *SyncScheduler) trigger(t Trigger) error {
	if !s.running.Load() {
		return errors.ErrStopped
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		s.dropped.Add(1)
		log.Debug("sync trigger dropped", "trigger", t.String())
		return errors.ErrSyncInFlight
	}

	gen := s.generation.Load()
	pass := s.passes.Add(1)
	go s.runPass(gen, pass, t)
	return nil
}

// runPass is detached from Stop: the context only carries the pass timeout.
func (s *SyncScheduler) runPass(gen, pass uint64, t Trigger) {
	ctx := logging.ContextWithSyncPass(context.Background(), pass)
	ctx, cancel := context.WithTimeout(ctx, s.passTimeout)
	defer cancel()

	logger := logging.WithContext(ctx)
	start := time.Now()
	result := PassResult{Pass: pass, Trigger: t}

	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic in sync pass", "panic", r)
				result.Err = fmt.Errorf("panic: %v", r)
			}
		}()
		result.Delivered, result.Err = s.queue.Drain(ctx, s.transport.Deliver)
	}()
	result.Duration = time.Since(start)
	s.inFlight.Store(false)

	if result.Err != nil {
		logger.Warn("sync pass failed", "trigger", t.String(), "delivered", result.Delivered, "error", result.Err)
	} else {
		logger.Debug("sync pass finished", "trigger", t.String(), "delivered", result.Delivered, "duration", result.Duration)
	}

	if !s.running.Load() || s.generation.Load() != gen {
		s.suppressed.Add(1)
		return
	}
	s.onComplete(result)
}
