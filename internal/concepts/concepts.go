// Package concepts looks up per-concept mastery adjustments and hint ladders
// in a concept adjustment matrix.
package concepts

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/concord-consortium/guide-server/internal/genetics"
)

var (
	ErrMalformedMatrix = errors.New("malformed concept matrix")
	ErrBadCell         = errors.New("non-numeric adjustment cell")
)

// hintWidth is the number of hint columns read from the first Hint column.
const hintWidth = 3

// Matrix is a header-indexed table; row 0 is the header.
type Matrix [][]string

// Adjustment is the effect of one matrix row on one concept.
type Adjustment struct {
	Value float64
	Hints []string
}

type layout struct {
	target, alleleA, alleleB int
	hint1                    int
	concepts                 map[string]int
}

func isReserved(lower string) bool {
	switch lower {
	case "inheritancepattern", "target", "allele-a", "allele-b":
		return true
	}
	return strings.HasPrefix(lower, "hint")
}

func scanHeader(header []string) (layout, error) {
	l := layout{target: -1, alleleA: -1, alleleB: -1, hint1: -1, concepts: make(map[string]int)}
	for i, h := range header {
		h = strings.TrimSpace(h)
		lower := strings.ToLower(h)
		switch {
		case lower == "inheritancepattern":
		case lower == "target":
			l.target = i
		case lower == "allele-a":
			l.alleleA = i
		case lower == "allele-b":
			l.alleleB = i
		case strings.HasPrefix(lower, "hint"):
			if l.hint1 < 0 {
				l.hint1 = i
			}
		case h != "":
			if _, dup := l.concepts[h]; !dup {
				l.concepts[h] = i
			}
		}
	}
	if l.target < 0 || l.alleleA < 0 || l.alleleB < 0 {
		return l, fmt.Errorf("%w: header needs Target, Allele-A and Allele-B columns", ErrMalformedMatrix)
	}
	return l, nil
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// ConceptIDs returns the concept columns of the matrix in column order.
func (m Matrix) ConceptIDs() []string {
	if len(m) == 0 {
		return nil
	}
	var ids []string
	seen := make(map[string]bool)
	for _, h := range m[0] {
		h = strings.TrimSpace(h)
		if h == "" || isReserved(strings.ToLower(h)) || seen[h] {
			continue
		}
		seen[h] = true
		ids = append(ids, h)
	}
	return ids
}

// Evaluate returns the adjustment the first row matching (target, alleleA, alleleB)
// applies to conceptID. A missing concept column or an unmatched triple yields a zero
// adjustment with no hints.
func Evaluate(m Matrix, target, alleleA, alleleB, conceptID string) (Adjustment, error) {
	if len(m) == 0 {
		return Adjustment{}, nil
	}
	l, err := scanHeader(m[0])
	if err != nil {
		return Adjustment{}, err
	}
	col, ok := l.concepts[conceptID]
	if !ok {
		slog.Warn("concept not found in matrix", "concept", conceptID)
		return Adjustment{}, nil
	}

	target = strings.TrimSpace(target)
	for r, row := range m[1:] {
		if !strings.EqualFold(cell(row, l.target), target) ||
			cell(row, l.alleleA) != alleleA ||
			cell(row, l.alleleB) != alleleB {
			continue
		}
		adj := Adjustment{}
		if raw := cell(row, col); raw != "" {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
				return Adjustment{}, fmt.Errorf("%w: row %d column %q: %q", ErrBadCell, r+2, conceptID, raw)
			}
			adj.Value = v
		}
		if l.hint1 >= 0 {
			adj.Hints = hints(row, l.hint1)
		}
		return adj, nil
	}
	return Adjustment{}, nil
}

// hints reads the hint block starting at first, dropping trailing blanks.
func hints(row []string, first int) []string {
	out := make([]string, 0, hintWidth)
	for i := first; i < first+hintWidth; i++ {
		out = append(out, cell(row, i))
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Submission is the organism state a student submitted for assessment.
type Submission struct {
	Species         string
	EditableGenes   []string
	SelectedAlleles string
	TargetAlleles   string
	TargetSex       genetics.Sex
}

// Assessment aggregates matrix adjustments across every editable gene.
type Assessment struct {
	Adjustments map[string]float64
	// Hints is the ladder of the most negative adjustment that carried hints.
	Hints []string
	// Trait is the target characteristic the hints refer to.
	Trait string
}

// Assess evaluates every concept for every editable gene of sub and sums the results.
func Assess(m Matrix, sub Submission, adapter genetics.Adapter) (Assessment, error) {
	out := Assessment{Adjustments: make(map[string]float64)}
	conceptIDs := m.ConceptIDs()
	if len(conceptIDs) == 0 {
		return out, nil
	}
	targetPhenotype, err := adapter.Phenotype(sub.Species, sub.TargetAlleles, sub.TargetSex)
	if err != nil {
		return out, fmt.Errorf("target phenotype: %w", err)
	}

	lowest := math.Inf(1)
	for _, gene := range sub.EditableGenes {
		alleleA, okA := adapter.FindAllele(sub.Species, sub.SelectedAlleles, "a", gene)
		alleleB, okB := adapter.FindAllele(sub.Species, sub.SelectedAlleles, "b", gene)
		if !okA || !okB {
			slog.Warn("selected alleles missing for gene", "gene", gene, "species", sub.Species, "alleles", sub.SelectedAlleles)
		}
		trait := adapter.CharacteristicFromPhenotype(sub.Species, targetPhenotype, gene)
		for _, id := range conceptIDs {
			adj, err := Evaluate(m, trait, alleleA, alleleB, id)
			if err != nil {
				return out, fmt.Errorf("evaluate %s for gene %s: %w", id, gene, err)
			}
			out.Adjustments[id] += adj.Value
			if len(adj.Hints) > 0 && adj.Value < lowest {
				lowest = adj.Value
				out.Hints = adj.Hints
				out.Trait = trait
			}
		}
	}
	return out, nil
}
