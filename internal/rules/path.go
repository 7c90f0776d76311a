package rules

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Path is a validated dot-separated property path into a generic value tree.
type Path []string

// ParsePath splits s on dots. Empty paths and empty segments are rejected.
func ParsePath(s string) (Path, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrMissingPath
	}
	segs := strings.Split(s, ".")
	for i, seg := range segs {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, s)
		}
		segs[i] = seg
	}
	return Path(segs), nil
}

func (p Path) String() string {
	return strings.Join(p, ".")
}

// WithOverride replaces the trailing camel-case word of the last segment.
// "context.targetAlleles" with "phenotype" becomes "context.targetPhenotype";
// a single-word segment is replaced outright.
func (p Path) WithOverride(word string) Path {
	if word == "" || len(p) == 0 {
		return p
	}
	out := make(Path, len(p))
	copy(out, p)
	out[len(out)-1] = replaceLastCamelWord(out[len(out)-1], word)
	return out
}

func replaceLastCamelWord(seg, word string) string {
	cut := -1
	for i, r := range seg {
		if i > 0 && unicode.IsUpper(r) {
			cut = i
		}
	}
	if cut < 0 {
		return word
	}
	r, size := utf8.DecodeRuneInString(word)
	return seg[:cut] + string(unicode.ToUpper(r)) + word[size:]
}

// Lookup resolves p against subject. The boolean is false when any segment is absent.
func Lookup(subject any, p Path) (any, bool) {
	cur := subject
	for _, seg := range p {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		case []string:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// Set writes v at p, creating intermediate maps as needed.
func Set(subject any, p Path, v any) error {
	if len(p) == 0 {
		return ErrMissingPath
	}
	node, ok := subject.(map[string]any)
	if !ok {
		return fmt.Errorf("set %s: subject is not a map", p)
	}
	for _, seg := range p[:len(p)-1] {
		next, ok := node[seg].(map[string]any)
		if !ok {
			if _, exists := node[seg]; exists {
				return fmt.Errorf("set %s: %q is not a map", p, seg)
			}
			next = make(map[string]any)
			node[seg] = next
		}
		node = next
	}
	node[p[len(p)-1]] = v
	return nil
}
