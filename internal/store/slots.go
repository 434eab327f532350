package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/convtrack/internal/attribution"
)

// Jar is an attribution.Jar persisted in the slots table.
type Jar struct {
	db *sql.DB
}

var _ attribution.Jar = (*Jar)(nil)

// Jar returns the slot jar backed by this store.
func (s *Store) Jar() *Jar {
	return &Jar{db: s.db}
}

// Get returns the slot if it exists and has not expired at now.
func (j *Jar) Get(ctx context.Context, domain, name string, now time.Time) (attribution.Slot, bool, error) {
	row := j.db.QueryRowContext(ctx, `
		SELECT value, http_only, expires_at, updated_at
		FROM slots
		WHERE domain = ? AND name = ?
	`, domain, name)

	slot := attribution.Slot{Domain: domain, Name: name}
	var httpOnly int
	var expires, updated int64
	if err := row.Scan(&slot.Value, &httpOnly, &expires, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return attribution.Slot{}, false, nil
		}
		return attribution.Slot{}, false, fmt.Errorf("get slot %s/%s: %w", domain, name, err)
	}
	slot.HTTPOnly = httpOnly != 0
	slot.ExpiresAt = fromNanos(expires)
	slot.UpdatedAt = fromNanos(updated)
	if slot.Expired(now) {
		return attribution.Slot{}, false, nil
	}
	return slot, true, nil
}

// Put inserts or overwrites a slot.
func (j *Jar) Put(ctx context.Context, slot attribution.Slot) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO slots (domain, name, value, http_only, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain, name) DO UPDATE SET
			value = excluded.value,
			http_only = excluded.http_only,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`,
		slot.Domain,
		slot.Name,
		slot.Value,
		boolInt(slot.HTTPOnly),
		toNanos(slot.ExpiresAt),
		toNanos(slot.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put slot %s/%s: %w", slot.Domain, slot.Name, err)
	}
	return nil
}

// Delete removes a slot. Deleting a missing slot is not an error.
func (j *Jar) Delete(ctx context.Context, domain, name string) error {
	if _, err := j.db.ExecContext(ctx, `DELETE FROM slots WHERE domain = ? AND name = ?`, domain, name); err != nil {
		return fmt.Errorf("delete slot %s/%s: %w", domain, name, err)
	}
	return nil
}

// List returns the live slots of domain ordered by name.
func (j *Jar) List(ctx context.Context, domain string, now time.Time) ([]attribution.Slot, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT name, value, http_only, expires_at, updated_at
		FROM slots
		WHERE domain = ? AND (expires_at = 0 OR expires_at > ?)
		ORDER BY name COLLATE BINARY ASC
	`, domain, toNanos(now))
	if err != nil {
		return nil, fmt.Errorf("list slots %s: %w", domain, err)
	}
	defer rows.Close()

	var out []attribution.Slot
	for rows.Next() {
		slot := attribution.Slot{Domain: domain}
		var httpOnly int
		var expires, updated int64
		if err := rows.Scan(&slot.Name, &slot.Value, &httpOnly, &expires, &updated); err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		slot.HTTPOnly = httpOnly != 0
		slot.ExpiresAt = fromNanos(expires)
		slot.UpdatedAt = fromNanos(updated)
		out = append(out, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list slots %s: %w", domain, err)
	}
	return out, nil
}

// Domains lists every domain with at least one stored slot.
func (j *Jar) Domains(ctx context.Context) ([]string, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT DISTINCT domain FROM slots ORDER BY domain COLLATE BINARY ASC`)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// PurgeExpired deletes slots that expired at or before now and returns how
// many were removed.
func (j *Jar) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM slots WHERE expires_at != 0 AND expires_at <= ?`, toNanos(now))
	if err != nil {
		return 0, fmt.Errorf("purge slots: %w", err)
	}
	return res.RowsAffected()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
