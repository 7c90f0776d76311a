package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/concord-consortium/guide-server/internal/model"
)

// GetSession returns a session by ID, or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	sess := model.NewSession(id)
	var (
		start, end        sql.NullTime
		events, responses string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT student_id, group_id, active, start_time, end_time, events, responses
		 FROM sessions WHERE id = ?`, id,
	).Scan(&sess.StudentID, &sess.GroupID, &sess.Active, &start, &end, &events, &responses)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if start.Valid {
		sess.StartTime = &start.Time
	}
	if end.Valid {
		sess.EndTime = &end.Time
	}
	if err := json.Unmarshal([]byte(events), &sess.Events); err != nil {
		return nil, fmt.Errorf("decode session %s events: %w", id, err)
	}
	if err := json.Unmarshal([]byte(responses), &sess.Responses); err != nil {
		return nil, fmt.Errorf("decode session %s responses: %w", id, err)
	}
	return sess, nil
}

// FindOrCreateSession returns the stored session, or a new unsaved one.
func (s *Store) FindOrCreateSession(ctx context.Context, id string) (*model.Session, error) {
	sess, err := s.GetSession(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return model.NewSession(id), nil
	}
	return sess, err
}

// SaveSession upserts a session with its event and response history.
func (s *Store) SaveSession(ctx context.Context, sess *model.Session) error {
	events, err := json.Marshal(nonNil(sess.Events))
	if err != nil {
		return fmt.Errorf("encode session %s events: %w", sess.ID, err)
	}
	responses, err := json.Marshal(nonNil(sess.Responses))
	if err != nil {
		return fmt.Errorf("encode session %s responses: %w", sess.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, student_id, group_id, active, start_time, end_time, events, responses, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   student_id = excluded.student_id,
		   group_id = excluded.group_id,
		   active = excluded.active,
		   start_time = excluded.start_time,
		   end_time = excluded.end_time,
		   events = excluded.events,
		   responses = excluded.responses,
		   updated_at = excluded.updated_at`,
		sess.ID, sess.StudentID, sess.GroupID, sess.Active, sess.StartTime, sess.EndTime,
		string(events), string(responses), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
