package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/concord-consortium/guide-server/internal/model"
)

// GetStudent returns a student by ID, or ErrNotFound.
func (s *Store) GetStudent(ctx context.Context, id string) (*model.Student, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM students WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	st := model.NewStudent(id)
	if err := json.Unmarshal([]byte(data), st); err != nil {
		return nil, fmt.Errorf("decode student %s: %w", id, err)
	}
	if st.ConceptStates == nil {
		st.ConceptStates = make(map[string]*model.ConceptState)
	}
	return st, nil
}

// FindOrCreateStudent returns the stored student, creating an empty one if needed.
func (s *Store) FindOrCreateStudent(ctx context.Context, id string) (*model.Student, error) {
	st, err := s.GetStudent(ctx, id)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	st = model.NewStudent(id)
	if err := s.SaveStudent(ctx, st); err != nil {
		return nil, err
	}
	slog.Info("created student", "id", id)
	return st, nil
}

// SaveStudent upserts a student document.
func (s *Store) SaveStudent(ctx context.Context, st *model.Student) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode student %s: %w", st.ID, err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO students (id, data, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		st.ID, string(data), now, now,
	)
	if err != nil {
		return fmt.Errorf("save student %s: %w", st.ID, err)
	}
	return nil
}

// ResetStudent clears a student's concept model. Returns ErrNotFound for unknown students.
func (s *Store) ResetStudent(ctx context.Context, id string) (*model.Student, error) {
	st, err := s.GetStudent(ctx, id)
	if err != nil {
		return nil, err
	}
	st.Reset()
	if err := s.SaveStudent(ctx, st); err != nil {
		return nil, err
	}
	slog.Info("reset student", "id", id)
	return st, nil
}

// StudentRecord is a stored student with its last update time.
type StudentRecord struct {
	Student   *model.Student
	UpdatedAt time.Time
}

// ListStudents returns all students ordered by ID.
func (s *Store) ListStudents(ctx context.Context) ([]StudentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, data, updated_at FROM students ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StudentRecord
	for rows.Next() {
		var (
			id, data string
			updated  time.Time
		)
		if err := rows.Scan(&id, &data, &updated); err != nil {
			return nil, err
		}
		st := model.NewStudent(id)
		if err := json.Unmarshal([]byte(data), st); err != nil {
			return nil, fmt.Errorf("decode student %s: %w", id, err)
		}
		out = append(out, StudentRecord{Student: st, UpdatedAt: updated})
	}
	return out, rows.Err()
}
