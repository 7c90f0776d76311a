package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/concord-consortium/guide-server/internal/model"
)

// AddAlert stores an alert, assigning an ID and timestamp when missing.
func (s *Store) AddAlert(ctx context.Context, a *model.Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	var event sql.NullString
	if a.Event != nil {
		data, err := json.Marshal(a.Event)
		if err != nil {
			return fmt.Errorf("encode alert event: %w", err)
		}
		event = sql.NullString{String: string(data), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, severity, message, session_id, student_id, event, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Severity, a.Message, a.SessionID, a.StudentID, event, a.CreatedAt,
	)
	return err
}

// ListAlerts returns alerts, newest first.
func (s *Store) ListAlerts(ctx context.Context) ([]model.Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, severity, message, session_id, student_id, event, created_at
		 FROM alerts ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var alerts []model.Alert
	for rows.Next() {
		var (
			a     model.Alert
			event sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.Severity, &a.Message, &a.SessionID, &a.StudentID, &event, &a.CreatedAt); err != nil {
			return nil, err
		}
		if event.Valid {
			a.Event = &model.Event{}
			if err := json.Unmarshal([]byte(event.String), a.Event); err != nil {
				return nil, fmt.Errorf("decode alert %s event: %w", a.ID, err)
			}
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// ClearAlerts deletes all alerts and returns how many were removed.
func (s *Store) ClearAlerts(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alerts`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
