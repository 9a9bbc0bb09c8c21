// Package retention prunes sensor history older than the retention horizon.
//
// Every sensor is pruned as an independent task on a bounded executor. A
// failing sensor is reported in the result and never stops the others.
// Expired records can be archived to Parquet before they are deleted.
package retention

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ruuvi/stationd/config"
	"github.com/ruuvi/stationd/internal/errors"
	"github.com/ruuvi/stationd/internal/logging"
	"github.com/ruuvi/stationd/internal/model"
	isync "github.com/ruuvi/stationd/internal/sync"
)

var log = logging.Component("retention")

// Store is the part of the coordinator the pruner uses.
type Store interface {
	Sensors(ctx context.Context) ([]model.Sensor, error)
	Records(ctx context.Context, id string, from, to time.Time) ([]model.Record, error)
	DeleteRecordsBefore(ctx context.Context, id string, before time.Time) (int, error)
	Preference(ctx context.Context, key string) (string, bool, error)
}

// Config configures a Pruner.
type Config struct {
	// Horizon is used when the retention_hours preference is unset.
	Horizon time.Duration

	// Interval between runs started by Start.
	Interval time.Duration

	// Concurrency is the number of sensors pruned in parallel.
	Concurrency int

	// Archive, when set, writes expired records to Parquet before deleting.
	Archive *ArchiveOptions
}

// DefaultConfig returns the pruner defaults.
func DefaultConfig() Config {
	return Config{
		Horizon:     config.DefaultRetentionHours * time.Hour,
		Interval:    config.DefaultPruneInterval,
		Concurrency: config.DefaultPruneConcurrency,
	}
}

// Stats holds cumulative pruning statistics.
type Stats struct {
	LastRunTime     time.Time
	Runs            int64
	RecordsDeleted  int64
	RecordsArchived int64
	Errors          int64
}

// Result is the outcome of one run.
type Result struct {
	Cutoff   time.Time
	Sensors  int
	Deleted  int
	Archived int
	Errors   []error
}

// Pruner deletes expired records.
type Pruner struct {
	store Store
	cfg   Config
	now   func() time.Time

	horizon atomic.Int64

	mu    sync.Mutex
	stats Stats

	started isync.ResettableOnce
	cancel  context.CancelFunc // guarded by started
	wg      sync.WaitGroup
}

// New creates a pruner. Zero config fields select the defaults.
func New(store Store, cfg Config) *Pruner {
	def := DefaultConfig()
	if cfg.Horizon <= 0 {
		cfg.Horizon = def.Horizon
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}

	p := &Pruner{store: store, cfg: cfg, now: time.Now}
	p.horizon.Store(int64(cfg.Horizon))
	return p
}

// SetHorizon replaces the fallback horizon.
func (p *Pruner) SetHorizon(d time.Duration) {
	if d > 0 {
		p.horizon.Store(int64(d))
	}
}

// Horizon resolves the horizon for the next run: the retention_hours
// preference when it holds a positive number, the configured one otherwise.
func (p *Pruner) Horizon(ctx context.Context) (time.Duration, error) {
	value, ok, err := p.store.Preference(ctx, config.PreferenceRetentionHours)
	if err != nil {
		return 0, errors.Wrap(err, "read retention preference")
	}
	if ok {
		if hours, err := strconv.Atoi(value); err == nil && hours > 0 {
			return time.Duration(hours) * time.Hour, nil
		}
		log.Warn("ignoring invalid retention preference", "value", value)
	}
	return time.Duration(p.horizon.Load()), nil
}

// Stats returns a copy of the cumulative statistics.
func (p *Pruner) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Run prunes every sensor once. The returned error joins the per-sensor
// failures; Result is always filled in.
func (p *Pruner) Run(ctx context.Context) (Result, error) {
	horizon, err := p.Horizon(ctx)
	if err != nil {
		return Result{}, err
	}
	cutoff := p.now().UTC().Add(-horizon)
	result := Result{Cutoff: cutoff}

	sensors, err := p.store.Sensors(ctx)
	if err != nil {
		return result, errors.Wrap(err, "list sensors")
	}
	result.Sensors = len(sensors)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(p.cfg.Concurrency)

	for _, sensor := range sensors {
		id := sensor.ID()
		g.Go(func() error {
			deleted, archived, err := p.pruneSensor(ctx, id, cutoff)

			mu.Lock()
			defer mu.Unlock()
			result.Deleted += deleted
			result.Archived += archived
			if err != nil {
				logging.WithContext(logging.ContextWithSensor(ctx, id)).Warn("prune failed", "error", err)
				result.Errors = append(result.Errors, fmt.Errorf("sensor %s: %w", id, err))
			}
			return nil
		})
	}
	g.Wait()

	p.mu.Lock()
	p.stats.LastRunTime = p.now()
	p.stats.Runs++
	p.stats.RecordsDeleted += int64(result.Deleted)
	p.stats.RecordsArchived += int64(result.Archived)
	p.stats.Errors += int64(len(result.Errors))
	p.mu.Unlock()

	if result.Deleted > 0 {
		log.Info("pruned expired records", "cutoff", cutoff, "deleted", result.Deleted, "sensors", result.Sensors)
	}
	return result, errors.Join(result.Errors...)
}

func (p *Pruner) pruneSensor(ctx context.Context, id string, cutoff time.Time) (deleted, archived int, err error) {
	if p.cfg.Archive != nil {
		archived, err = p.archive(ctx, id, cutoff)
		if err != nil {
			return 0, 0, errors.Wrap(err, "archive")
		}
	}

	deleted, err = p.store.DeleteRecordsBefore(ctx, id, cutoff)
	return deleted, archived, err
}

func (p *Pruner) archive(ctx context.Context, id string, cutoff time.Time) (int, error) {
	expired, err := p.store.Records(ctx, id, time.Time{}, cutoff)
	if err != nil || len(expired) == 0 {
		return 0, err
	}

	w, err := NewArchiveWriter(ArchivePath(p.cfg.Archive.Dir, id, cutoff), p.cfg.Archive.Compression)
	if err != nil {
		return 0, err
	}
	if err := w.Write(expired); err != nil {
		w.Close()
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	return len(expired), nil
}

// Start runs the pruner every configured interval until Stop.
func (p *Pruner) Start(ctx context.Context) error {
	started := false
	p.started.Do(func() {
		ctx, p.cancel = context.WithCancel(ctx)
		p.wg.Add(1)
		go p.loop(ctx)
		started = true
	})
	if !started {
		return fmt.Errorf("pruner already running")
	}
	return nil
}

// Stop cancels the interval loop and waits for an in-flight run.
func (p *Pruner) Stop() {
	p.started.ResetWith(func() {
		p.cancel()
		p.wg.Wait()
	})
}

// Running reports whether the interval loop is started.
func (p *Pruner) Running() bool { return p.started.Done() }

func (p *Pruner) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Run(ctx); err != nil && ctx.Err() == nil {
				log.Warn("prune run finished with errors", "error", err)
			}
		}
	}
}
