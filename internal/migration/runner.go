// Package migration runs the one-time data migrations of an installation.
//
// Each migration is an independent unit identified by a stable id. The
// runner executes them in declared order and records each success in a
// ledger; a recorded migration never runs again. A migration that does not
// finish stays out of the ledger and is retried on the next launch.
package migration

import (
	"context"
	"time"

	"github.com/ruuvi/stationd/internal/errors"
	"github.com/ruuvi/stationd/internal/logging"
)

var log = logging.Component("migration")

// Migration is one idempotent migration step.
type Migration interface {
	// ID is stable across releases; it is the ledger key.
	ID() string
	// Run performs the migration. Returning an error leaves the migration
	// pending; wrap ErrMigrationIncomplete for expected partial progress.
	Run(ctx context.Context) error
}

// Ledger records completed migrations. The relational store implements it.
type Ledger interface {
	Completed(ctx context.Context, id string) (bool, error)
	MarkCompleted(ctx context.Context, id string, at time.Time) error
}

// State is the outcome of one migration in a run.
type State int

const (
	// StateSkipped means the ledger already had the migration.
	StateSkipped State = iota
	StateCompleted
	StateIncomplete
)

func (s State) String() string {
	switch s {
	case StateSkipped:
		return "skipped"
	case StateCompleted:
		return "completed"
	case StateIncomplete:
		return "incomplete"
	}
	return "unknown"
}

// Event reports the outcome of one migration.
type Event struct {
	ID       string
	State    State
	Err      error
	Duration time.Duration
}

// Runner executes migrations in order.
type Runner struct {
	ledger     Ledger
	migrations []Migration
	onEvent    func(Event)
	now        func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithEventHandler sets the callback invoked after each migration.
func WithEventHandler(fn func(Event)) Option {
	return func(r *Runner) { r.onEvent = fn }
}

// WithClock overrides time.Now for ledger timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a runner over ledger. Migrations run in the given order.
func NewRunner(ledger Ledger, migrations []Migration, opts ...Option) *Runner {
	r := &Runner{
		ledger:     ledger,
		migrations: migrations,
		onEvent:    func(Event) {},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes every migration the ledger does not list yet. Migration
// failures are reported through events and never stop later migrations; the
// returned error is non-nil only when the ledger itself fails or ctx ends.
func (r *Runner) Run(ctx context.Context) ([]Event, error) {
	events := make([]Event, 0, len(r.migrations))

	for _, m := range r.migrations {
		if err := ctx.Err(); err != nil {
			return events, err
		}

		done, err := r.ledger.Completed(ctx, m.ID())
		if err != nil {
			return events, errors.Wrapf(err, "ledger lookup %s", m.ID())
		}
		if done {
			ev := Event{ID: m.ID(), State: StateSkipped}
			events = append(events, ev)
			r.onEvent(ev)
			continue
		}

		ev := r.runOne(ctx, m)
		events = append(events, ev)
		r.onEvent(ev)
	}
	return events, nil
}

func (r *Runner) runOne(ctx context.Context, m Migration) Event {
	mctx := logging.ContextWithMigration(ctx, m.ID())
	logger := logging.WithContext(mctx)

	logger.Info("migration started")
	start := time.Now()
	err := m.Run(mctx)
	ev := Event{ID: m.ID(), Duration: time.Since(start)}

	if err != nil {
		ev.State, ev.Err = StateIncomplete, err
		if errors.IsRetriable(err) {
			logger.Warn("migration incomplete, retried next launch", "error", err, "duration", ev.Duration)
		} else {
			logger.Error("migration failed", "error", err, "duration", ev.Duration)
		}
		return ev
	}

	if err := r.ledger.MarkCompleted(ctx, m.ID(), r.now().UTC()); err != nil {
		ev.State, ev.Err = StateIncomplete, err
		logger.Error("migration ledger update failed", "error", err)
		return ev
	}

	ev.State = StateCompleted
	logger.Info("migration completed", "duration", ev.Duration)
	return ev
}

// Start runs the migrations on their own goroutine. The channel receives the
// events once every migration has resolved and is then closed.
func (r *Runner) Start(ctx context.Context) <-chan []Event {
	out := make(chan []Event, 1)
	go func() {
		defer close(out)
		events, err := r.Run(ctx)
		if err != nil {
			log.Error("migration run aborted", "error", err)
		}
		out <- events
	}()
	return out
}

// Pending returns the ids of migrations the ledger does not list.
func (r *Runner) Pending(ctx context.Context) ([]string, error) {
	var pending []string
	for _, m := range r.migrations {
		done, err := r.ledger.Completed(ctx, m.ID())
		if err != nil {
			return nil, err
		}
		if !done {
			pending = append(pending, m.ID())
		}
	}
	return pending, nil
}
