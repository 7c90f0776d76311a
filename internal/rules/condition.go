// Package rules evaluates typed predicates over student submissions.
package rules

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/concord-consortium/guide-server/internal/genetics"
)

var (
	ErrMissingPath   = errors.New("condition property path is required")
	ErrInvalidPath   = errors.New("invalid condition property path")
	ErrMissingValue  = errors.New("condition value is required")
	ErrInvalidSex    = errors.New("sex condition value must be 'male' or 'female'")
	ErrNoKeywords    = errors.New("trait condition needs at least one keyword")
	ErrNoAlleles     = errors.New("alleles condition needs at least one allele")
	ErrUnknownKind   = errors.New("unknown condition kind")
	ErrValueNotFound = errors.New("condition unable to find value at property path")
	ErrNoPhenotype   = errors.New("condition unable to construct phenotype")
)

// Kind names a condition variant.
type Kind string

const (
	KindAlleles Kind = "alleles"
	KindSex     Kind = "sex"
	KindString  Kind = "string"
	KindIString Kind = "istring"
	KindBool    Kind = "bool"
	KindTrait   Kind = "trait"
)

// Condition is a single typed predicate over a path into a subject tree.
type Condition interface {
	Kind() Kind
	Path() Path
	// Matches fails if the value the condition needs cannot be resolved.
	Matches(subject any) (bool, error)
	HasValue(subject any) bool
	PopulateDisplayVariables(vars map[string]string)
}

// Definition describes a condition before construction. A nil Value means the value is absent.
type Definition struct {
	Kind    Kind
	Path    string
	Value   *string
	Display string
}

// New builds the condition variant named by def.Kind.
func New(def Definition, adapter genetics.Adapter) (Condition, error) {
	if def.Value == nil {
		return nil, fmt.Errorf("%w (path %q)", ErrMissingValue, def.Path)
	}
	switch Kind(strings.ToLower(string(def.Kind))) {
	case KindAlleles:
		return NewAllelesCondition(def.Path, *def.Value, def.Display, adapter)
	case KindSex:
		return NewSexCondition(def.Path, *def.Value, def.Display, adapter)
	case KindString:
		return NewStringCondition(def.Path, *def.Value, def.Display, false)
	case KindIString:
		return NewStringCondition(def.Path, *def.Value, def.Display, true)
	case KindBool:
		return NewBoolCondition(def.Path, *def.Value, def.Display)
	case KindTrait:
		return NewTraitCondition(def.Path, *def.Value, def.Display, adapter)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, def.Kind)
}

type base struct {
	path    Path
	raw     string
	display string
}

func newBase(path, value, display string) (base, error) {
	p, err := ParsePath(path)
	if err != nil {
		return base{}, err
	}
	if display == "" {
		display = p[len(p)-1]
	}
	return base{path: p, raw: value, display: display}, nil
}

func (b base) Path() Path { return b.path }

// value resolves the path, optionally with its last camel-case word overridden.
func (b base) value(subject any, override string) (any, error) {
	p := b.path.WithOverride(override)
	v, ok := Lookup(subject, p)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrValueNotFound, p)
	}
	return v, nil
}

func (b base) HasValue(subject any) bool {
	_, ok := Lookup(subject, b.path)
	return ok
}

func (b base) PopulateDisplayVariables(vars map[string]string) {
	vars[b.display] = b.raw
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func asTokens(v any) []string {
	switch x := v.(type) {
	case string:
		return genetics.SplitAlleles(x)
	case []string:
		out := make([]string, 0, len(x))
		for _, s := range x {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			if s := strings.TrimSpace(asString(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return genetics.SplitAlleles(asString(v))
}

// AllelesCondition holds when every target allele is present in the subject's alleles.
type AllelesCondition struct {
	base
	alleles []string
	adapter genetics.Adapter
}

func NewAllelesCondition(path, value, display string, adapter genetics.Adapter) (*AllelesCondition, error) {
	b, err := newBase(path, value, display)
	if err != nil {
		return nil, err
	}
	alleles := genetics.SplitAlleles(value)
	if len(alleles) == 0 {
		return nil, fmt.Errorf("%w (path %s)", ErrNoAlleles, b.path)
	}
	return &AllelesCondition{base: b, alleles: alleles, adapter: adapter}, nil
}

func (c *AllelesCondition) Kind() Kind { return KindAlleles }

// Alleles returns the normalized target alleles.
func (c *AllelesCondition) Alleles() []string { return c.alleles }

// TraitName returns the trait the target alleles express.
func (c *AllelesCondition) TraitName() string {
	return c.adapter.TraitFromAlleles("", c.alleles)
}

func (c *AllelesCondition) Matches(subject any) (bool, error) {
	v, err := c.value(subject, "")
	if err != nil {
		return false, err
	}
	have := make(map[string]bool)
	for _, a := range asTokens(v) {
		have[a] = true
	}
	for _, a := range c.alleles {
		if !have[a] {
			return false, nil
		}
	}
	return true, nil
}

func (c *AllelesCondition) PopulateDisplayVariables(vars map[string]string) {
	c.base.PopulateDisplayVariables(vars)
	if traitVar := strings.Replace(c.display, "Alleles", "Trait", 1); traitVar != c.display {
		vars[traitVar] = c.adapter.DisplayName(c.TraitName())
	}
}

// SexCondition compares the subject's sex with "male" or "female".
type SexCondition struct {
	base
	sex     string
	adapter genetics.Adapter
}

func NewSexCondition(path, value, display string, adapter genetics.Adapter) (*SexCondition, error) {
	b, err := newBase(path, value, display)
	if err != nil {
		return nil, err
	}
	sex := strings.ToLower(strings.TrimSpace(value))
	if sex != "male" && sex != "female" {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidSex, value)
	}
	return &SexCondition{base: b, sex: sex, adapter: adapter}, nil
}

func (c *SexCondition) Kind() Kind { return KindSex }

func (c *SexCondition) Matches(subject any) (bool, error) {
	v, err := c.value(subject, "")
	if err != nil {
		return false, err
	}
	got, err := c.adapter.SexToString(v)
	if err != nil {
		return false, fmt.Errorf("sex at %s: %w", c.path, err)
	}
	return got == c.sex, nil
}

func (c *SexCondition) PopulateDisplayVariables(vars map[string]string) {
	vars[c.display] = c.sex
}

// StringCondition compares strings exactly, optionally case-folded.
type StringCondition struct {
	base
	target    string
	normalize bool
}

func NewStringCondition(path, value, display string, normalize bool) (*StringCondition, error) {
	b, err := newBase(path, value, display)
	if err != nil {
		return nil, err
	}
	target := value
	if normalize {
		target = strings.ToLower(target)
	}
	return &StringCondition{base: b, target: target, normalize: normalize}, nil
}

func (c *StringCondition) Kind() Kind {
	if c.normalize {
		return KindIString
	}
	return KindString
}

func (c *StringCondition) Matches(subject any) (bool, error) {
	v, err := c.value(subject, "")
	if err != nil {
		return false, err
	}
	s := asString(v)
	if c.normalize {
		s = strings.ToLower(s)
	}
	return s == c.target, nil
}

// BoolCondition compares the subject's boolean value with a parsed target.
type BoolCondition struct {
	base
	target bool
}

// ParseBool returns true only for "true", ignoring case and surrounding space.
func ParseBool(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "true")
}

func NewBoolCondition(path, value, display string) (*BoolCondition, error) {
	b, err := newBase(path, value, display)
	if err != nil {
		return nil, err
	}
	return &BoolCondition{base: b, target: ParseBool(value)}, nil
}

func (c *BoolCondition) Kind() Kind { return KindBool }

// Target returns the parsed target value.
func (c *BoolCondition) Target() bool { return c.target }

func (c *BoolCondition) Matches(subject any) (bool, error) {
	v, err := c.value(subject, "")
	if err != nil {
		return false, err
	}
	var got bool
	switch x := v.(type) {
	case bool:
		got = x
	default:
		got = ParseBool(asString(x))
	}
	return got == c.target, nil
}

func (c *BoolCondition) PopulateDisplayVariables(vars map[string]string) {
	vars[c.display] = strconv.FormatBool(c.target)
}

// TraitCondition holds when the subject's phenotype shows every keyword.
type TraitCondition struct {
	base
	keywords []string
	adapter  genetics.Adapter
}

func NewTraitCondition(path, value, display string, adapter genetics.Adapter) (*TraitCondition, error) {
	b, err := newBase(path, value, display)
	if err != nil {
		return nil, err
	}
	var keywords []string
	for _, k := range strings.Split(value, ",") {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}
	if len(keywords) == 0 {
		return nil, fmt.Errorf("%w (path %s)", ErrNoKeywords, b.path)
	}
	return &TraitCondition{base: b, keywords: keywords, adapter: adapter}, nil
}

func (c *TraitCondition) Kind() Kind { return KindTrait }

// Keywords returns the normalized trait keywords.
func (c *TraitCondition) Keywords() []string { return c.keywords }

func (c *TraitCondition) Matches(subject any) (bool, error) {
	ph, err := c.phenotype(subject)
	if err != nil {
		return false, err
	}
	for _, kw := range c.keywords {
		if !c.holds(kw, ph) {
			return false, nil
		}
	}
	return true, nil
}

func (c *TraitCondition) PopulateDisplayVariables(vars map[string]string) {
	vars[c.display] = c.adapter.DisplayName(c.raw)
}

// phenotype reads a phenotype from the subject, or derives one from alleles and sex
// and caches it back on the subject.
func (c *TraitCondition) phenotype(subject any) (map[string]string, error) {
	phPath := c.path.WithOverride("phenotype")
	for _, p := range []Path{c.path, phPath} {
		if v, ok := Lookup(subject, p); ok {
			if ph, ok := asPhenotype(v); ok {
				return ph, nil
			}
		}
	}

	alleles, okA := Lookup(subject, c.path.WithOverride("alleles"))
	sex, okS := Lookup(subject, c.path.WithOverride("sex"))
	if !okA || !okS {
		return nil, fmt.Errorf("%w at %s", ErrNoPhenotype, c.path)
	}
	sexName, err := c.adapter.SexToString(sex)
	if err != nil {
		return nil, fmt.Errorf("%w at %s: %w", ErrNoPhenotype, c.path, err)
	}
	sx, err := genetics.SexFromString(sexName)
	if err != nil {
		return nil, fmt.Errorf("%w at %s: %w", ErrNoPhenotype, c.path, err)
	}
	ph, err := c.adapter.Phenotype(c.species(subject), strings.Join(asTokens(alleles), ","), sx)
	if err != nil {
		return nil, fmt.Errorf("%w at %s: %w", ErrNoPhenotype, c.path, err)
	}

	cached := make(map[string]any, len(ph))
	for k, v := range ph {
		cached[k] = v
	}
	// Subjects that are not map trees simply skip the cache.
	_ = Set(subject, phPath, cached)
	return map[string]string(ph), nil
}

func (c *TraitCondition) species(subject any) string {
	if v, ok := Lookup(subject, c.path.WithOverride("species")); ok {
		return asString(v)
	}
	sibling := append(Path{}, c.path[:len(c.path)-1]...)
	if v, ok := Lookup(subject, append(sibling, "species")); ok {
		return asString(v)
	}
	return ""
}

func asPhenotype(v any) (map[string]string, bool) {
	switch x := v.(type) {
	case map[string]string:
		return x, true
	case genetics.Phenotype:
		return map[string]string(x), true
	case map[string]any:
		out := make(map[string]string, len(x))
		for k, val := range x {
			out[k] = asString(val)
		}
		return out, true
	}
	return nil, false
}

func (c *TraitCondition) holds(kw string, ph map[string]string) bool {
	color := ph["color"]
	switch kw {
	case "metallic":
		return c.adapter.IsColorMetallic(color)
	case "nonmetallic":
		return color != "" && !c.adapter.IsColorMetallic(color)
	case "albino":
		return c.adapter.IsAlbino(color)
	case "color":
		return color != "" && !c.adapter.IsAlbino(color)
	case "orange":
		return c.adapter.IsOrange(color)
	case "gray":
		return color != "" && !c.adapter.IsOrange(color)
	case "armor":
		return c.adapter.HasAnyArmor(ph["armor"])
	}
	for _, v := range ph {
		if strings.EqualFold(v, kw) {
			return true
		}
	}
	return false
}
