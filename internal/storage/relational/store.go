// Package relational implements the current sensor store on DuckDB.
//
// The schema is created and evolved by an ordered list of idempotent steps
// (see schema.go); applied steps are recorded in schema_migrations. Besides
// the storage.Backend contract the store holds the identifier index, the
// migration ledger, user preferences and the cloud request queue.
package relational

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/ruuvi/stationd/config"
	"github.com/ruuvi/stationd/internal/errors"
	"github.com/ruuvi/stationd/internal/logging"
	"github.com/ruuvi/stationd/internal/storage"
)

var log = logging.Component("storage.relational")

// =============================================================================
// Store Configuration
// =============================================================================

// Config holds store configuration options.
type Config struct {
	// DSN is the database file path. Empty opens an in-memory database.
	DSN string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int

	// ConnMaxLifetime is the maximum lifetime of a connection.
	ConnMaxLifetime time.Duration

	// QueryTimeout bounds every statement issued by the store.
	QueryTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    8,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		QueryTimeout:    config.DefaultQueryTimeout,
	}
}

// =============================================================================
// Store
// =============================================================================

// Store is the relational backend.
//
// Store is safe for concurrent use.
type Store struct {
	db     *sql.DB
	config Config
	mu     sync.RWMutex
	closed bool

	// writeMu serializes record inserts so the inserted count is exact.
	writeMu sync.Mutex
}

var _ storage.Backend = (*Store)(nil)

// Open opens the database and brings its schema up to date.
func Open(cfg Config) (*Store, error) {
	def := DefaultConfig()
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = def.MaxOpenConns
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = def.MaxIdleConns
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = def.ConnMaxLifetime
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}

	db, err := sql.Open("duckdb", cfg.DSN)
	if err != nil {
		return nil, errors.Backend("open database", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Backend("ping database", err)
	}

	s := &Store{db: db, config: cfg}

	if err := s.migrateSchema(context.Background()); err != nil {
		db.Close()
		return nil, errors.Backend("migrate schema", err)
	}

	log.Info("relational store opened", "dsn", cfg.DSN)
	return s, nil
}

// Name implements storage.Backend.
func (s *Store) Name() string { return "relational" }

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.db.Close()
}

// begin checks the store is open and applies the query timeout.
func (s *Store) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ctx, func() {}, errors.ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	return ctx, cancel, nil
}

// =============================================================================
// Transaction Support
// =============================================================================

// TransactionContext executes a function within a database transaction.
//
// If the function returns an error, the transaction is rolled back.
// If the function returns nil, the transaction is committed.
func (s *Store) TransactionContext(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// =============================================================================
// Maintenance
// =============================================================================

// Health checks database connectivity.
func (s *Store) Health(ctx context.Context) error {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}
	return errors.Backend("ping", s.db.PingContext(ctx))
}

// Compact checkpoints the write-ahead log into the database file, which
// also releases blocks freed by deletes.
func (s *Store) Compact(ctx context.Context) error {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "CHECKPOINT"); err != nil {
		return errors.Backend("checkpoint", err)
	}
	log.Debug("checkpoint completed")
	return nil
}

// =============================================================================
// Nullable column helpers
// =============================================================================

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
