// Package ingest turns raw radio frames into stored records.
//
// The flow per frame is: decode, resolve identity through the registry,
// create the sensor on first observation, apply calibration offsets, store
// the record and advance the sensor's last record.
package ingest

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ruuvi/stationd/config"
	"github.com/ruuvi/stationd/internal/calibration"
	"github.com/ruuvi/stationd/internal/decoder"
	"github.com/ruuvi/stationd/internal/errors"
	"github.com/ruuvi/stationd/internal/logging"
	"github.com/ruuvi/stationd/internal/model"
	"github.com/ruuvi/stationd/internal/registry"
	isync "github.com/ruuvi/stationd/internal/sync"
)

var log = logging.Component("ingest")

// Frame is one advertisement as delivered by the radio stack.
type Frame struct {
	LocalID    model.LocalID
	Format     decoder.Format
	Data       []byte
	RSSI       *int
	ReceivedAt time.Time
}

// Source yields frames. Next returns io.EOF when the source is exhausted.
type Source interface {
	Next(ctx context.Context) (Frame, error)
}

// Coordinator is the storage surface the pipeline writes through.
type Coordinator interface {
	Registry() *registry.Registry
	RegisterIdentifier(ctx context.Context, local model.LocalID, mac model.MAC) error
	Sensor(ctx context.Context, id string) (model.Sensor, error)
	CreateSensor(ctx context.Context, sensor model.Sensor) error
	Settings(ctx context.Context, id string) (model.Settings, error)
	CreateRecords(ctx context.Context, records []model.Record) (int, error)
	UpdateLastRecord(ctx context.Context, rec model.Record) error
}

// Config holds pipeline configuration.
type Config struct {
	Workers   int
	QueueSize int
}

// DefaultConfig returns default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Workers:   config.DefaultIngestWorkers,
		QueueSize: config.DefaultIngestQueueSize,
	}
}

// Stats holds ingestion counters.
type Stats struct {
	Frames         int64
	Stored         int64
	Duplicates     int64
	Malformed      int64
	Failed         int64
	SensorsCreated int64
	MACsLearned    int64
}

// Pipeline processes frames.
//
// Pipeline is safe for concurrent use. Frames of one sensor are handled one
// at a time; different sensors proceed in parallel.
type Pipeline struct {
	coord Coordinator
	cfg   Config
	now   func() time.Time

	locks isync.KeyedMutex

	mu       sync.Mutex
	known    map[string]bool
	lastSeen map[string]time.Time

	frames         atomic.Int64
	stored         atomic.Int64
	duplicates     atomic.Int64
	malformed      atomic.Int64
	failed         atomic.Int64
	sensorsCreated atomic.Int64
	macsLearned    atomic.Int64
}

// New creates a pipeline writing through coord.
func New(coord Coordinator, cfg Config) *Pipeline {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	return &Pipeline{
		coord:    coord,
		cfg:      cfg,
		now:      time.Now,
		known:    make(map[string]bool),
		lastSeen: make(map[string]time.Time),
	}
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Frames:         p.frames.Load(),
		Stored:         p.stored.Load(),
		Duplicates:     p.duplicates.Load(),
		Malformed:      p.malformed.Load(),
		Failed:         p.failed.Load(),
		SensorsCreated: p.sensorsCreated.Load(),
		MACsLearned:    p.macsLearned.Load(),
	}
}

// Handle stores one frame and returns the stored record. Decode failures
// drop the frame and are returned wrapping ErrMalformedFrame or
// ErrUnsupportedFormat; storage failures are returned as they are.
func (p *Pipeline) Handle(ctx context.Context, f Frame) (model.Record, error) {
	p.frames.Add(1)

	rec, err := decoder.Decode(f.Format, f.Data)
	if err != nil {
		p.malformed.Add(1)
		log.Debug("frame dropped", "local", f.LocalID, "format", f.Format.String(), "error", err)
		return model.Record{}, err
	}

	local, mac := p.coord.Registry().Resolve(f.LocalID, rec.MAC)
	if local == "" && mac.IsZero() {
		p.failed.Add(1)
		return model.Record{}, errors.NewMissingField("frame identifier")
	}

	rec.LocalID, rec.MAC = local, mac
	rec.Timestamp = f.ReceivedAt
	if rec.Timestamp.IsZero() {
		rec.Timestamp = p.now()
	}
	rec.Timestamp = rec.Timestamp.UTC()
	if f.RSSI != nil {
		rec.RSSI = f.RSSI
	}

	id := rec.SensorID()
	ctx = logging.ContextWithSensor(ctx, id)

	unlock := p.locks.Lock(id)
	defer unlock()

	stored, err := p.store(ctx, id, rec)
	if err != nil {
		p.failed.Add(1)
		logging.WithContext(ctx).Warn("frame not stored", "error", err)
		return model.Record{}, err
	}
	return stored, nil
}

func (p *Pipeline) store(ctx context.Context, id string, rec model.Record) (model.Record, error) {
	if err := p.learn(ctx, rec.LocalID, rec.MAC); err != nil {
		return model.Record{}, errors.Wrap(err, "learn identifier")
	}
	if err := p.ensureSensor(ctx, id, rec.LocalID, rec.MAC); err != nil {
		return model.Record{}, errors.Wrap(err, "create sensor")
	}

	settings, err := p.coord.Settings(ctx, id)
	if err != nil {
		return model.Record{}, errors.Wrap(err, "read settings")
	}
	rec = calibration.Apply(rec, settings)

	n, err := p.coord.CreateRecords(ctx, []model.Record{rec})
	if err != nil {
		return model.Record{}, errors.Wrap(err, "store record")
	}
	if n == 0 {
		p.duplicates.Add(1)
		return rec, nil
	}
	p.stored.Add(1)

	if p.advance(id, rec.Timestamp) {
		if err := p.coord.UpdateLastRecord(ctx, rec); err != nil {
			return model.Record{}, errors.Wrap(err, "update last record")
		}
	}
	return rec, nil
}

// learn registers a MAC carried by a frame when the registry does not
// already know it for the local id.
func (p *Pipeline) learn(ctx context.Context, local model.LocalID, mac model.MAC) error {
	if local == "" || mac.IsZero() {
		return nil
	}
	if known, ok := p.coord.Registry().MAC(local); ok && known.Equal(mac) {
		return nil
	}
	if err := p.coord.RegisterIdentifier(ctx, local, mac); err != nil {
		return err
	}
	p.macsLearned.Add(1)
	logging.WithContext(ctx).Info("learned sensor MAC", "local", local)
	return nil
}

func (p *Pipeline) ensureSensor(ctx context.Context, id string, local model.LocalID, mac model.MAC) error {
	p.mu.Lock()
	known := p.known[id]
	p.mu.Unlock()
	if known {
		return nil
	}

	_, err := p.coord.Sensor(ctx, id)
	switch {
	case err == nil:
	case errors.IsNotFound(err):
		if err := p.coord.CreateSensor(ctx, model.Sensor{LocalID: local, MAC: mac}); err != nil {
			return err
		}
		p.sensorsCreated.Add(1)
		logging.WithContext(ctx).Info("new sensor observed")
	default:
		return err
	}

	p.mu.Lock()
	p.known[id] = true
	p.mu.Unlock()
	return nil
}

// advance reports whether ts is newer than the last record stored for id
// through this pipeline.
func (p *Pipeline) advance(id string, ts time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if last, ok := p.lastSeen[id]; ok && !ts.After(last) {
		return false
	}
	p.lastSeen[id] = ts
	return true
}

// Run reads frames from src and handles them on the configured number of
// workers until src is exhausted or ctx ends. Per-frame failures are counted
// and logged; Run returns only source and context errors.
func (p *Pipeline) Run(ctx context.Context, src Source) error {
	frames := make(chan Frame, p.cfg.QueueSize)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(frames)
		for {
			f, err := src.Next(gctx)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return errors.Wrap(err, "read frame")
			}
			select {
			case frames <- f:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error {
			for f := range frames {
				// Errors are counted and logged by Handle.
				p.Handle(gctx, f)
			}
			return nil
		})
	}

	err := g.Wait()
	st := p.Stats()
	log.Info("ingest finished",
		"frames", st.Frames, "stored", st.Stored, "malformed", st.Malformed, "failed", st.Failed)
	return err
}
