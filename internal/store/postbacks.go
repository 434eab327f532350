package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostbackStatus tracks a marked conversion through the postback sender.
type PostbackStatus string

const (
	PostbackQueued PostbackStatus = "queued"
	PostbackSent   PostbackStatus = "sent"
	PostbackFailed PostbackStatus = "failed"
)

// Postback is the deduplication marker for one conversion key.
type Postback struct {
	Key         string
	OrderID     string
	PaymentType string
	VisitorID   string
	// Reason is why the conversion was attributed: "promocode" or "cookie".
	Reason    string
	Status    PostbackStatus
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MarkPostback records pb as queued. It reports false, without error, when
// the key was already marked: the caller must not send again.
func (s *Store) MarkPostback(ctx context.Context, pb Postback) (bool, error) {
	if pb.Key == "" {
		return false, fmt.Errorf("mark postback: empty key")
	}
	if pb.CreatedAt.IsZero() {
		pb.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO postbacks
		(key, order_id, payment_type, visitor_id, reason, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING
	`,
		pb.Key,
		pb.OrderID,
		pb.PaymentType,
		pb.VisitorID,
		pb.Reason,
		string(PostbackQueued),
		toNanos(pb.CreatedAt),
		toNanos(pb.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("mark postback: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark postback: %w", err)
	}
	return n == 1, nil
}

// ReleasePostback deletes the marker for key if no send was ever attempted,
// so the conversion can be marked again. It reports whether a marker was
// removed.
func (s *Store) ReleasePostback(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM postbacks
		WHERE key = ? AND status = ? AND attempts = 0
	`, key, string(PostbackQueued))
	if err != nil {
		return false, fmt.Errorf("release postback: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release postback: %w", err)
	}
	return n == 1, nil
}

// FinishPostback records the outcome of one send attempt.
func (s *Store) FinishPostback(ctx context.Context, key string, status PostbackStatus, sendErr error, at time.Time) error {
	msg := ""
	if sendErr != nil {
		msg = sendErr.Error()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE postbacks
		SET status = ?, attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE key = ?
	`, string(status), msg, toNanos(at), key)
	if err != nil {
		return fmt.Errorf("finish postback: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish postback: unknown key %q", key)
	}
	return nil
}

// GetPostback returns the marker for key.
func (s *Store) GetPostback(ctx context.Context, key string) (Postback, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, order_id, payment_type, visitor_id, reason, status, attempts, last_error, created_at, updated_at
		FROM postbacks
		WHERE key = ?
	`, key)
	pb, err := scanPostback(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Postback{}, false, nil
	}
	if err != nil {
		return Postback{}, false, fmt.Errorf("get postback: %w", err)
	}
	return pb, true, nil
}

// ListPostbacks returns markers oldest first. A limit of 0 means all.
func (s *Store) ListPostbacks(ctx context.Context, limit int) ([]Postback, error) {
	query := `
		SELECT key, order_id, payment_type, visitor_id, reason, status, attempts, last_error, created_at, updated_at
		FROM postbacks
		ORDER BY created_at ASC, key COLLATE BINARY ASC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list postbacks: %w", err)
	}
	defer rows.Close()

	var out []Postback
	for rows.Next() {
		pb, err := scanPostback(rows)
		if err != nil {
			return nil, fmt.Errorf("list postbacks: %w", err)
		}
		out = append(out, pb)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPostback(sc scanner) (Postback, error) {
	var pb Postback
	var status string
	var created, updated int64
	err := sc.Scan(
		&pb.Key,
		&pb.OrderID,
		&pb.PaymentType,
		&pb.VisitorID,
		&pb.Reason,
		&status,
		&pb.Attempts,
		&pb.LastError,
		&created,
		&updated,
	)
	if err != nil {
		return Postback{}, err
	}
	pb.Status = PostbackStatus(status)
	pb.CreatedAt = fromNanos(created)
	pb.UpdatedAt = fromNanos(updated)
	return pb, nil
}
