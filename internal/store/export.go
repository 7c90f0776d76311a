package store

import (
	"context"
	"fmt"

	"github.com/concord-consortium/guide-server/internal/model"
)

// ExportAllStudents builds export-ready results for every stored student.
func (s *Store) ExportAllStudents(ctx context.Context) ([]model.StudentResult, error) {
	records, err := s.ListStudents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	results := make([]model.StudentResult, 0, len(records))
	for _, r := range records {
		results = append(results, model.NewStudentResult(r.Student, r.UpdatedAt))
	}
	return results, nil
}
