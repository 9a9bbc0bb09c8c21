package relational

import (
	"context"
	"database/sql"
	"time"

	"github.com/ruuvi/stationd/internal/errors"
	"github.com/ruuvi/stationd/internal/model"
)

// =============================================================================
// Identifier index
// =============================================================================

// Identifier is one local id to MAC mapping.
type Identifier struct {
	Local     model.LocalID
	MAC       model.MAC
	UpdatedAt time.Time
}

// PutIdentifier records that local belongs to mac. Any other local id that
// pointed at the same MAC is removed.
func (s *Store) PutIdentifier(ctx context.Context, local model.LocalID, mac model.MAC) error {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	canonical := mac.Canonical()
	err = s.TransactionContext(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM identifier_index WHERE mac = ? AND local_id <> ?`,
			string(canonical), string(local)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO identifier_index (local_id, mac, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (local_id) DO UPDATE SET
				mac = EXCLUDED.mac,
				updated_at = EXCLUDED.updated_at
		`, string(local), string(canonical), time.Now().UnixMilli())
		return err
	})
	return errors.Backend("put identifier", err)
}

// Identifiers returns the identifier index ordered by local id.
func (s *Store) Identifiers(ctx context.Context) ([]Identifier, error) {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT local_id, mac, updated_at FROM identifier_index ORDER BY local_id`)
	if err != nil {
		return nil, errors.Backend("query identifiers", err)
	}
	defer rows.Close()

	var out []Identifier
	for rows.Next() {
		var (
			id Identifier
			ms int64
		)
		if err := rows.Scan(&id.Local, &id.MAC, &ms); err != nil {
			return nil, errors.Backend("scan identifier", err)
		}
		id.UpdatedAt = fromMillis(ms)
		out = append(out, id)
	}
	return out, errors.Backend("iterate identifiers", rows.Err())
}

// =============================================================================
// Migration ledger
// =============================================================================

// LedgerEntry records a completed migration.
type LedgerEntry struct {
	ID          string
	CompletedAt time.Time
}

// Completed reports whether the migration id is in the ledger.
func (s *Store) Completed(ctx context.Context, id string) (bool, error) {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return false, err
	}

	var n int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM migration_ledger WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, errors.Backend("query ledger", err)
	}
	return n > 0, nil
}

// MarkCompleted adds the migration id to the ledger. Marking twice keeps the
// first completion time.
func (s *Store) MarkCompleted(ctx context.Context, id string, at time.Time) error {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO migration_ledger (id, completed_at) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		id, at.UnixMilli())
	return errors.Backend("mark migration completed", err)
}

// Ledger returns all completed migrations in completion order.
func (s *Store) Ledger(ctx context.Context) ([]LedgerEntry, error) {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, completed_at FROM migration_ledger ORDER BY completed_at, id`)
	if err != nil {
		return nil, errors.Backend("query ledger", err)
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		var (
			e  LedgerEntry
			ms int64
		)
		if err := rows.Scan(&e.ID, &ms); err != nil {
			return nil, errors.Backend("scan ledger", err)
		}
		e.CompletedAt = fromMillis(ms)
		out = append(out, e)
	}
	return out, errors.Backend("iterate ledger", rows.Err())
}

// =============================================================================
// Preferences
// =============================================================================

// Preference returns a stored preference value.
func (s *Store) Preference(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return "", false, err
	}

	var value string
	err = s.db.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Backend("get preference", err)
	}
	return value, true, nil
}

// PutPreference stores a preference value.
func (s *Store) PutPreference(ctx context.Context, key, value string) error {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO preferences (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at
	`, key, value, time.Now().UnixMilli())
	return errors.Backend("put preference", err)
}

// =============================================================================
// Cloud request rows
// =============================================================================

// CloudRequestRow is a queued outbound request as stored.
type CloudRequestRow struct {
	ID        string
	Type      string
	Key       string
	Payload   []byte
	CreatedAt time.Time
}

// PutCloudRequest appends a request to the queue, replacing any queued
// request with the same key.
func (s *Store) PutCloudRequest(ctx context.Context, row CloudRequestRow) error {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	err = s.TransactionContext(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cloud_requests WHERE request_key = ?`, row.Key); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cloud_requests (id, type, request_key, payload, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, row.ID, row.Type, row.Key, row.Payload, row.CreatedAt.UnixMilli())
		return err
	})
	return errors.Backend("put cloud request", err)
}

// CloudRequests returns queued requests in insertion order.
func (s *Store) CloudRequests(ctx context.Context) ([]CloudRequestRow, error) {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, request_key, payload, created_at FROM cloud_requests ORDER BY seq`)
	if err != nil {
		return nil, errors.Backend("query cloud requests", err)
	}
	defer rows.Close()

	var out []CloudRequestRow
	for rows.Next() {
		var (
			r  CloudRequestRow
			ms int64
		)
		if err := rows.Scan(&r.ID, &r.Type, &r.Key, &r.Payload, &ms); err != nil {
			return nil, errors.Backend("scan cloud request", err)
		}
		r.CreatedAt = fromMillis(ms)
		out = append(out, r)
	}
	return out, errors.Backend("iterate cloud requests", rows.Err())
}

// DeleteCloudRequest removes one queued request.
func (s *Store) DeleteCloudRequest(ctx context.Context, id string) error {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM cloud_requests WHERE id = ?`, id)
	if err != nil {
		return errors.Backend("delete cloud request", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.NewNotFound("cloud request", id)
	}
	return nil
}

// ClearCloudRequests empties the queue and returns how many were removed.
func (s *Store) ClearCloudRequests(ctx context.Context) (int, error) {
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM cloud_requests`)
	if err != nil {
		return 0, errors.Backend("clear cloud requests", err)
	}
	n, err := res.RowsAffected()
	return int(n), errors.Backend("clear cloud requests", err)
}
