package rules

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/concord-consortium/guide-server/internal/genetics"
)

// Rule is a named, weighted conjunction of conditions with display texts.
type Rule struct {
	Name       string
	Weight     float64
	Conditions []Condition
	Texts      []string
	Variables  map[string]string
}

// NewRule builds a rule and collects the display variables of its conditions.
func NewRule(name string, weight float64, conds []Condition, texts []string) *Rule {
	vars := make(map[string]string)
	for _, c := range conds {
		c.PopulateDisplayVariables(vars)
	}
	return &Rule{Name: name, Weight: weight, Conditions: conds, Texts: texts, Variables: vars}
}

// Matches reports whether every condition holds for subject.
func (r *Rule) Matches(subject any) (bool, error) {
	for _, c := range r.Conditions {
		ok, err := c.Matches(subject)
		if err != nil {
			return false, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Best returns the highest-weight rule matching subject; the earliest wins ties.
func Best(rules []*Rule, subject any) (*Rule, error) {
	var best *Rule
	for _, r := range rules {
		ok, err := r.Matches(subject)
		if err != nil {
			return nil, err
		}
		if ok && (best == nil || r.Weight > best.Weight) {
			best = r
		}
	}
	return best, nil
}

type columnKind int

const (
	colIgnore columnKind = iota
	colName
	colWeight
	colText
	colCondition
)

type column struct {
	kind    columnKind
	cond    Kind
	path    string
	display string
}

// parseHeader classifies a rule sheet header cell.
// Condition columns are written "kind:path" with an optional " as display" suffix.
func parseHeader(h string) (column, error) {
	h = strings.TrimSpace(h)
	lower := strings.ToLower(h)
	switch {
	case lower == "":
		return column{kind: colIgnore}, nil
	case lower == "name" || lower == "rule":
		return column{kind: colName}, nil
	case lower == "weight":
		return column{kind: colWeight}, nil
	case lower == "text" || strings.HasPrefix(lower, "hint"):
		return column{kind: colText}, nil
	}
	kind, rest, ok := strings.Cut(h, ":")
	if !ok {
		return column{kind: colIgnore}, nil
	}
	path, display, _ := strings.Cut(rest, " as ")
	col := column{
		kind:    colCondition,
		cond:    Kind(strings.ToLower(strings.TrimSpace(kind))),
		path:    strings.TrimSpace(path),
		display: strings.TrimSpace(display),
	}
	switch col.cond {
	case KindAlleles, KindSex, KindString, KindIString, KindBool, KindTrait:
	default:
		return column{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if _, err := ParsePath(col.path); err != nil {
		return column{}, fmt.Errorf("column %q: %w", h, err)
	}
	return col, nil
}

// ParseRules builds rules from sheet rows. Row 0 is the header; a blank cell means
// no condition for that column. Any malformed condition fails the whole sheet.
func ParseRules(rows [][]string, adapter genetics.Adapter) ([]*Rule, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	cols := make([]column, len(rows[0]))
	for i, h := range rows[0] {
		col, err := parseHeader(h)
		if err != nil {
			return nil, fmt.Errorf("rule header column %d: %w", i+1, err)
		}
		cols[i] = col
	}

	var out []*Rule
	for r, row := range rows[1:] {
		if isBlank(row) {
			continue
		}
		rowNum := r + 2
		name := fmt.Sprintf("row %d", rowNum)
		weight := 0.0
		var conds []Condition
		var texts []string
		for i, cell := range row {
			if i >= len(cols) {
				break
			}
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			switch cols[i].kind {
			case colName:
				name = cell
			case colWeight:
				w, err := strconv.ParseFloat(cell, 64)
				if err != nil {
					return nil, fmt.Errorf("rule row %d: weight %q: %w", rowNum, cell, err)
				}
				weight = w
			case colText:
				texts = append(texts, cell)
			case colCondition:
				value := cell
				c, err := New(Definition{
					Kind:    cols[i].cond,
					Path:    cols[i].path,
					Value:   &value,
					Display: cols[i].display,
				}, adapter)
				if err != nil {
					return nil, fmt.Errorf("rule row %d column %d: %w", rowNum, i+1, err)
				}
				conds = append(conds, c)
			}
		}
		if len(conds) == 0 {
			slog.Warn("rule has no conditions", "row", rowNum, "name", name)
		}
		out = append(out, NewRule(name, weight, conds, texts))
	}
	return out, nil
}

func isBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
