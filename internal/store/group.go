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

// UpsertGroup stores a group configuration by name.
func (s *Store) UpsertGroup(ctx context.Context, g model.Group) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("encode group %s: %w", g.Name, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO groups (name, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		g.Name, string(data), time.Now().UTC(),
	)
	return err
}

// GetGroup returns a group by name, or nil if there is none.
func (s *Store) GetGroup(ctx context.Context, name string) (*model.Group, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM groups WHERE name = ?`, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var g model.Group
	if err := json.Unmarshal([]byte(data), &g); err != nil {
		return nil, fmt.Errorf("decode group %s: %w", name, err)
	}
	return &g, nil
}

// ListGroups returns all group names in order.
func (s *Store) ListGroups(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM groups ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
