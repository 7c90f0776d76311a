package model

import "time"

// StudentExport is the top-level JSON structure written by the export command.
type StudentExport struct {
	ExportedAt time.Time       `json:"exported_at"`
	Count      int             `json:"count"`
	Students   []StudentResult `json:"students"`
}

// StudentResult holds one student's concept model for export.
type StudentResult struct {
	ID            string          `json:"id"`
	TotalSessions int             `json:"total_sessions"`
	LastSignIn    time.Time       `json:"last_sign_in"`
	Concepts      []ConceptResult `json:"concepts"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ConceptResult holds per-concept data for export.
type ConceptResult struct {
	ID        string  `json:"id"`
	Value     float64 `json:"value"`
	HintLevel int     `json:"hint_level"`
}

// NewStudentResult flattens a student's concept map into sorted export rows.
func NewStudentResult(s *Student, updatedAt time.Time) StudentResult {
	res := StudentResult{
		ID:            s.ID,
		TotalSessions: s.TotalSessions,
		LastSignIn:    s.LastSignIn,
		UpdatedAt:     updatedAt,
	}
	for _, id := range s.ConceptIDs() {
		cs := s.ConceptStates[id]
		res.Concepts = append(res.Concepts, ConceptResult{ID: id, Value: cs.Value, HintLevel: cs.HintLevel})
	}
	return res
}
