package relational

import (
	"context"
	"fmt"
	"time"

	"github.com/ruuvi/stationd/internal/errors"
)

// schemaStep is one idempotent DDL statement.
type schemaStep struct {
	name string
	sql  string
}

// schemaSteps run in order. Never edit or reorder an existing step; append
// new ones.
var schemaSteps = []schemaStep{
	{
		name: "sensors",
		sql: `CREATE TABLE IF NOT EXISTS sensors (
			id VARCHAR PRIMARY KEY,
			local_id VARCHAR,
			mac VARCHAR,
			name VARCHAR NOT NULL DEFAULT '',
			claimed BOOLEAN NOT NULL DEFAULT false,
			owned BOOLEAN NOT NULL DEFAULT false,
			shared BOOLEAN NOT NULL DEFAULT false,
			firmware VARCHAR,
			created_at BIGINT NOT NULL DEFAULT 0
		)`,
	},
	{
		name: "records",
		sql: `CREATE TABLE IF NOT EXISTS records (
			sensor_id VARCHAR NOT NULL,
			timestamp_ms BIGINT NOT NULL,
			local_id VARCHAR,
			mac VARCHAR,
			temperature DOUBLE,
			humidity DOUBLE,
			pressure DOUBLE,
			acceleration_x DOUBLE,
			acceleration_y DOUBLE,
			acceleration_z DOUBLE,
			voltage DOUBLE,
			tx_power INTEGER,
			movement_counter INTEGER,
			measurement_sequence INTEGER,
			rssi INTEGER,
			temperature_offset DOUBLE NOT NULL DEFAULT 0,
			humidity_offset DOUBLE NOT NULL DEFAULT 0,
			pressure_offset DOUBLE NOT NULL DEFAULT 0,
			PRIMARY KEY (sensor_id, timestamp_ms)
		)`,
	},
	{
		name: "last_records",
		sql: `CREATE TABLE IF NOT EXISTS last_records (
			sensor_id VARCHAR PRIMARY KEY,
			timestamp_ms BIGINT NOT NULL,
			local_id VARCHAR,
			mac VARCHAR,
			temperature DOUBLE,
			humidity DOUBLE,
			pressure DOUBLE,
			acceleration_x DOUBLE,
			acceleration_y DOUBLE,
			acceleration_z DOUBLE,
			voltage DOUBLE,
			tx_power INTEGER,
			movement_counter INTEGER,
			measurement_sequence INTEGER,
			rssi INTEGER,
			temperature_offset DOUBLE NOT NULL DEFAULT 0,
			humidity_offset DOUBLE NOT NULL DEFAULT 0,
			pressure_offset DOUBLE NOT NULL DEFAULT 0
		)`,
	},
	{
		name: "settings",
		sql: `CREATE TABLE IF NOT EXISTS settings (
			sensor_id VARCHAR PRIMARY KEY,
			temperature_offset DOUBLE,
			temperature_offset_date BIGINT,
			humidity_offset DOUBLE,
			humidity_offset_date BIGINT,
			pressure_offset DOUBLE,
			pressure_offset_date BIGINT,
			legacy_humidity_offset DOUBLE,
			display_order VARCHAR,
			default_display_order BOOLEAN NOT NULL DEFAULT false
		)`,
	},
	{
		name: "identifier_index",
		sql: `CREATE TABLE IF NOT EXISTS identifier_index (
			local_id VARCHAR PRIMARY KEY,
			mac VARCHAR NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
	},
	{
		name: "migration_ledger",
		sql: `CREATE TABLE IF NOT EXISTS migration_ledger (
			id VARCHAR PRIMARY KEY,
			completed_at BIGINT NOT NULL
		)`,
	},
	{
		name: "preferences",
		sql: `CREATE TABLE IF NOT EXISTS preferences (
			key VARCHAR PRIMARY KEY,
			value VARCHAR NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
	},
	{
		name: "cloud_request_seq",
		sql:  `CREATE SEQUENCE IF NOT EXISTS cloud_request_seq START 1`,
	},
	{
		name: "cloud_requests",
		sql: `CREATE TABLE IF NOT EXISTS cloud_requests (
			id VARCHAR PRIMARY KEY,
			seq BIGINT NOT NULL DEFAULT nextval('cloud_request_seq'),
			type VARCHAR NOT NULL,
			request_key VARCHAR NOT NULL,
			payload BLOB,
			created_at BIGINT NOT NULL
		)`,
	},

	// Indices
	{
		name: "idx_records_timestamp",
		sql:  `CREATE INDEX IF NOT EXISTS idx_records_timestamp ON records(timestamp_ms)`,
	},
	{
		name: "idx_cloud_requests_key",
		sql:  `CREATE INDEX IF NOT EXISTS idx_cloud_requests_key ON cloud_requests(request_key)`,
	},
}

// migrateSchema applies every step not yet recorded in schema_migrations.
//
// Steps are idempotent on their own, so a crash between a step and its
// bookkeeping row is harmless.
func (s *Store) migrateSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		name VARCHAR PRIMARY KEY,
		applied_at BIGINT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("load schema_migrations: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		applied[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	count := 0
	for _, step := range schemaSteps {
		if applied[step.name] {
			continue
		}
		if _, err := s.db.ExecContext(ctx, step.sql); err != nil {
			return fmt.Errorf("schema step %s: %w", step.name, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			step.name, time.Now().UnixMilli()); err != nil {
			return fmt.Errorf("record schema step %s: %w", step.name, err)
		}
		log.Debug("schema step applied", "name", step.name)
		count++
	}

	if count > 0 {
		log.Info("schema migration completed", "steps", count)
	}
	return nil
}

// AppliedSchemaSteps returns the names of applied schema steps in order.
func (s *Store) AppliedSchemaSteps(ctx context.Context) ([]string, error) {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT name FROM schema_migrations ORDER BY applied_at, name`)
	if err != nil {
		return nil, errors.Backend("query schema_migrations", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Backend("scan schema_migrations", err)
		}
		names = append(names, name)
	}
	return names, errors.Backend("iterate schema_migrations", rows.Err())
}
