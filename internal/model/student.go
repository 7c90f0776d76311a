package model

import (
	"sort"
	"time"
)

// ConceptState is a student's mastery estimate for one concept.
type ConceptState struct {
	Value     float64 `json:"value"`
	HintLevel int     `json:"hintLevel"`
}

// Student is the persistent per-student concept model.
type Student struct {
	ID            string                   `json:"id"`
	TotalSessions int                      `json:"totalSessions"`
	LastSignIn    time.Time                `json:"lastSignIn"`
	ConceptStates map[string]*ConceptState `json:"conceptStates"`
}

// NewStudent returns an empty student model.
func NewStudent(id string) *Student {
	return &Student{ID: id, ConceptStates: make(map[string]*ConceptState)}
}

// ConceptState returns the state for a concept, creating it at zero if needed.
func (s *Student) ConceptState(id string) *ConceptState {
	if s.ConceptStates == nil {
		s.ConceptStates = make(map[string]*ConceptState)
	}
	cs, ok := s.ConceptStates[id]
	if !ok {
		cs = &ConceptState{}
		s.ConceptStates[id] = cs
	}
	return cs
}

// ApplyAdjustments adds each delta to the matching concept value.
func (s *Student) ApplyAdjustments(deltas map[string]float64) {
	for id, d := range deltas {
		s.ConceptState(id).Value += d
	}
}

// ResetAllHintLevels sets every concept's hint level back to zero.
func (s *Student) ResetAllHintLevels() {
	for _, cs := range s.ConceptStates {
		cs.HintLevel = 0
	}
}

// ConceptIDs returns the tracked concept ids in sorted order.
func (s *Student) ConceptIDs() []string {
	ids := make([]string, 0, len(s.ConceptStates))
	for id := range s.ConceptStates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LowestConcept returns the concept with the smallest value.
// Ties go to the lowest concept id.
func (s *Student) LowestConcept() (string, *ConceptState, bool) {
	var (
		bestID string
		best   *ConceptState
	)
	for _, id := range s.ConceptIDs() {
		cs := s.ConceptStates[id]
		if best == nil || cs.Value < best.Value {
			bestID, best = id, cs
		}
	}
	return bestID, best, best != nil
}

// Reset clears the concept model and session counters.
func (s *Student) Reset() {
	s.TotalSessions = 0
	s.LastSignIn = time.Time{}
	s.ConceptStates = make(map[string]*ConceptState)
}
