// Package sessions persists extraction session records and agent settings.
package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

type Repository interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, limit int) ([]*Session, error)
	UpdateSessionProgress(ctx context.Context, id string, progress int, phase string) error
	UpdateSessionStatus(ctx context.Context, id, status, errorMsg string) error
	FinishSession(ctx context.Context, id, status, errorMsg string, outputs []string, partial bool) error
	DeleteSession(ctx context.Context, id string) error

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const sessionColumns = `id, source_kind, source, quality, status, phase, progress, segment_count, error, outputs, partial, created_at, updated_at`

// CreateSession stores s, replacing an earlier run with the same id.
func (r *SQLiteRepository) CreateSession(ctx context.Context, s *Session) error {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = now
	}
	if s.Status == "" {
		s.Status = StatusPending
	}
	outputs, err := encodeOutputs(s.Outputs)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.SourceKind, s.Source, nullString(s.Quality), s.Status, nullString(s.Phase),
		s.Progress, s.SegmentCount, nullString(s.Error), outputs, boolToInt(s.Partial),
		formatTime(s.CreatedAt), formatTime(s.UpdatedAt))
	return err
}

// GetSession returns nil, nil when the session does not exist.
func (r *SQLiteRepository) GetSession(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

func (r *SQLiteRepository) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateSessionProgress never lowers the stored progress.
func (r *SQLiteRepository) UpdateSessionProgress(ctx context.Context, id string, progress int, phase string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET progress = MAX(progress, ?), phase = ?, updated_at = ? WHERE id = ?
	`, progress, nullString(phase), formatTime(time.Now()), id)
	return err
}

func (r *SQLiteRepository) UpdateSessionStatus(ctx context.Context, id, status, errorMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, error = ?, updated_at = ? WHERE id = ?
	`, status, nullString(errorMsg), formatTime(time.Now()), id)
	return err
}

// FinishSession records the terminal state and the outputs produced.
func (r *SQLiteRepository) FinishSession(ctx context.Context, id, status, errorMsg string, outputs []string, partial bool) error {
	encoded, err := encodeOutputs(outputs)
	if err != nil {
		return err
	}
	progressExpr := "progress"
	if status == StatusCompleted {
		progressExpr = "100"
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, error = ?, outputs = ?, partial = ?, progress = `+progressExpr+`, updated_at = ?
		WHERE id = ?
	`, status, nullString(errorMsg), encoded, boolToInt(partial), formatTime(time.Now()), id)
	return err
}

func (r *SQLiteRepository) DeleteSession(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	return err
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var s Session
	var quality, phase, errMsg sql.NullString
	var outputs string
	var partial int
	var createdAt, updatedAt string

	err := row.Scan(&s.ID, &s.SourceKind, &s.Source, &quality, &s.Status, &phase,
		&s.Progress, &s.SegmentCount, &errMsg, &outputs, &partial, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	s.Quality = quality.String
	s.Phase = phase.String
	s.Error = errMsg.String
	s.Partial = partial == 1
	if err := json.Unmarshal([]byte(outputs), &s.Outputs); err != nil || s.Outputs == nil {
		s.Outputs = []string{}
	}
	s.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	s.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &s, nil
}

func encodeOutputs(outputs []string) (string, error) {
	if outputs == nil {
		outputs = []string{}
	}
	b, err := json.Marshal(outputs)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
