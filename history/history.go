// Package history keeps a record of every upload sent to a device.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Outcome values stored in the outcome column.
const (
	OutcomeInProgress = "in_progress"
	OutcomeSuccess    = "success"
	OutcomeFailed     = "failed"
	OutcomeCancelled  = "cancelled"
)

// ErrNotFound is returned when an upload id is unknown.
var ErrNotFound = errors.New("upload not found")

// Upload is one row of the history.
type Upload struct {
	ID         string     `json:"id"`
	DeviceID   string     `json:"device_id"`
	Filename   string     `json:"filename"`
	Size       int64      `json:"size"`
	Outcome    string     `json:"outcome"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Totals are cumulative statistics over finished uploads.
type Totals struct {
	TotalUploads int   `json:"total_uploads"`
	Succeeded    int   `json:"succeeded"`
	Failed       int   `json:"failed"`
	Cancelled    int   `json:"cancelled"`
	InProgress   int   `json:"in_progress"`
	BytesSent    int64 `json:"bytes_sent"`
}

// Store is the SQLite upload repository.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database. See OpenDB.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// Start inserts an in-progress row.
func (s *Store) Start(ctx context.Context, u Upload) error {
	if u.ID == "" {
		return errors.New("upload id is required")
	}
	if u.StartedAt.IsZero() {
		u.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO uploads (id, device_id, filename, size, outcome, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, NULL, ?, NULL)
	`,
		u.ID,
		u.DeviceID,
		u.Filename,
		u.Size,
		OutcomeInProgress,
		u.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert upload %s: %w", u.ID, err)
	}
	return nil
}

// Finish stores the outcome of id.
func (s *Store) Finish(ctx context.Context, id, outcome, errText string, finishedAt time.Time) error {
	if finishedAt.IsZero() {
		finishedAt = time.Now()
	}
	var errPtr *string
	if errText != "" {
		errPtr = &errText
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE uploads SET outcome = ?, error = ?, finished_at = ? WHERE id = ?
	`, outcome, errPtr, finishedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("finish upload %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish upload %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns the newest uploads first. An empty deviceID lists every
// device; limit <= 0 means no limit.
func (s *Store) List(ctx context.Context, deviceID string, limit int) ([]Upload, error) {
	q := `SELECT id, device_id, filename, size, outcome, error, started_at, finished_at FROM uploads`
	var args []any
	if deviceID != "" {
		q += " WHERE device_id = ?"
		args = append(args, deviceID)
	}
	q += " ORDER BY started_at DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Upload, 0, 16)
	for rows.Next() {
		var (
			u        Upload
			errText  sql.NullString
			finished sql.NullTime
		)
		if err := rows.Scan(&u.ID, &u.DeviceID, &u.Filename, &u.Size, &u.Outcome, &errText, &u.StartedAt, &finished); err != nil {
			return nil, err
		}
		u.StartedAt = u.StartedAt.UTC()
		u.Error = errText.String
		if finished.Valid {
			t := finished.Time.UTC()
			u.FinishedAt = &t
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Totals aggregates the whole table.
func (s *Store) Totals(ctx context.Context) (Totals, error) {
	var t Totals
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = ? THEN size ELSE 0 END), 0)
		FROM uploads
	`,
		OutcomeSuccess, OutcomeFailed, OutcomeCancelled, OutcomeInProgress, OutcomeSuccess,
	).Scan(&t.TotalUploads, &t.Succeeded, &t.Failed, &t.Cancelled, &t.InProgress, &t.BytesSent)
	if err != nil {
		return Totals{}, fmt.Errorf("upload totals: %w", err)
	}
	return t, nil
}

// Delete removes one row.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM uploads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete upload %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
