// Package genetics computes organism phenotypes from allele strings using
// table-driven species definitions.
package genetics

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed species/*.yaml
var speciesFS embed.FS

var (
	ErrUnknownSpecies = errors.New("unknown species")
	ErrUnknownSex     = errors.New("unknown sex")
)

// DefaultSpecies is used when a caller does not name one.
const DefaultSpecies = "Drake"

// Sex of an organism. The numeric codes match the client's encoding.
type Sex int

const (
	Male   Sex = 0
	Female Sex = 1
)

func (s Sex) String() string {
	if s == Female {
		return "female"
	}
	return "male"
}

// Phenotype maps characteristic names to their expressed values.
type Phenotype map[string]string

// Adapter is the genetics capability the tutor relies on.
type Adapter interface {
	Phenotype(species, alleles string, sex Sex) (Phenotype, error)
	FindAllele(species, alleles, side, gene string) (string, bool)
	CharacteristicFromPhenotype(species string, ph Phenotype, gene string) string
	TraitFromAlleles(species string, alleles []string) string
	DisplayName(s string) string
	SexToString(v any) (string, error)
	IsColorMetallic(color string) bool
	IsAlbino(color string) bool
	IsOrange(color string) bool
	HasAnyArmor(armor string) bool
}

type allele struct {
	Symbol string `yaml:"symbol"`
	Value  string `yaml:"value"`
}

type gene struct {
	Name           string   `yaml:"name"`
	Characteristic string   `yaml:"characteristic"`
	Alleles        []allele `yaml:"alleles"`
}

type compositeRow struct {
	Pattern string `yaml:"pattern"`
	Value   string `yaml:"value"`
}

type composite struct {
	Characteristic string         `yaml:"characteristic"`
	Genes          []string       `yaml:"genes"`
	Table          []compositeRow `yaml:"table"`
}

type classifiers struct {
	Metallic []string `yaml:"metallic"`
	Albino   []string `yaml:"albino"`
	Orange   []string `yaml:"orange"`
	NoArmor  []string `yaml:"noArmor"`
}

// Species is one organism definition as read from YAML.
type Species struct {
	Name         string            `yaml:"name"`
	Genes        []gene            `yaml:"genes"`
	Composites   []composite       `yaml:"composites"`
	Classifiers  classifiers       `yaml:"classifiers"`
	DisplayNames map[string]string `yaml:"displayNames"`
}

func (sp *Species) geneByName(name string) *gene {
	for i := range sp.Genes {
		if strings.EqualFold(sp.Genes[i].Name, name) {
			return &sp.Genes[i]
		}
	}
	return nil
}

func (sp *Species) geneForSymbol(symbol string) (*gene, int) {
	for i := range sp.Genes {
		for j, a := range sp.Genes[i].Alleles {
			if a.Symbol == symbol {
				return &sp.Genes[i], j
			}
		}
	}
	return nil, -1
}

func (sp *Species) composite(characteristic string) *composite {
	for i := range sp.Composites {
		if sp.Composites[i].Characteristic == characteristic {
			return &sp.Composites[i]
		}
	}
	return nil
}

// expressed returns the dominant allele present for g, or false if none is present.
func (g *gene) expressed(symbols []string) (allele, bool) {
	best := -1
	for _, s := range symbols {
		for i, a := range g.Alleles {
			if a.Symbol == s && (best < 0 || i < best) {
				best = i
			}
		}
	}
	if best < 0 {
		return allele{}, false
	}
	return g.Alleles[best], true
}

// Catalog is an Adapter backed by species definitions.
type Catalog struct {
	mu       sync.RWMutex
	species  map[string]*Species
	displays map[string]string
}

// New returns a catalog preloaded with the embedded species definitions.
func New() (*Catalog, error) {
	c := &Catalog{species: make(map[string]*Species), displays: make(map[string]string)}
	entries, err := speciesFS.ReadDir("species")
	if err != nil {
		return nil, fmt.Errorf("read species dir: %w", err)
	}
	for _, e := range entries {
		data, err := speciesFS.ReadFile("species/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read species file %s: %w", e.Name(), err)
		}
		if err := c.Add(data); err != nil {
			return nil, fmt.Errorf("load species file %s: %w", e.Name(), err)
		}
	}
	return c, nil
}

// MustNew is like New but panics on error.
func MustNew() *Catalog {
	c, err := New()
	if err != nil {
		panic(err)
	}
	return c
}

// LoadDir adds every *.yaml species file found in dir.
func (c *Catalog) LoadDir(dir string) error {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return fmt.Errorf("glob species dir: %w", err)
	}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		if err := c.Add(data); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
		slog.Info("loaded species file", "path", p)
	}
	return nil
}

// Add parses a YAML species definition and registers it, replacing any species with the same name.
func (c *Catalog) Add(data []byte) error {
	var sp Species
	if err := yaml.Unmarshal(data, &sp); err != nil {
		return fmt.Errorf("parse species: %w", err)
	}
	if sp.Name == "" {
		return errors.New("species name is required")
	}
	for _, comp := range sp.Composites {
		for _, gn := range comp.Genes {
			if sp.geneByName(gn) == nil {
				return fmt.Errorf("composite %q references unknown gene %q", comp.Characteristic, gn)
			}
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.species[strings.ToLower(sp.Name)] = &sp
	for k, v := range sp.DisplayNames {
		c.displays[strings.ToLower(k)] = v
	}
	return nil
}

func (c *Catalog) lookup(name string) (*Species, error) {
	if name == "" {
		name = DefaultSpecies
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	sp, ok := c.species[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSpecies, name)
	}
	return sp, nil
}

// SplitAlleles splits an allele string such as "a:W,b:w" into trimmed tokens.
func SplitAlleles(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// stripSide removes an "a:" or "b:" chromosome prefix.
func stripSide(token string) string {
	if i := strings.Index(token, ":"); i >= 0 {
		return token[i+1:]
	}
	return token
}

// Phenotype computes the expressed characteristics for an allele string.
func (c *Catalog) Phenotype(species, alleles string, _ Sex) (Phenotype, error) {
	sp, err := c.lookup(species)
	if err != nil {
		return nil, err
	}
	var symbols []string
	for _, tok := range SplitAlleles(alleles) {
		symbols = append(symbols, stripSide(tok))
	}

	ph := make(Phenotype)
	for i := range sp.Genes {
		g := &sp.Genes[i]
		if sp.composite(g.Characteristic) != nil {
			continue
		}
		if a, ok := g.expressed(symbols); ok {
			ph[g.Characteristic] = a.Value
		}
	}
	for _, comp := range sp.Composites {
		key := make([]string, len(comp.Genes))
		for i, gn := range comp.Genes {
			key[i] = "?"
			if a, ok := sp.geneByName(gn).expressed(symbols); ok {
				key[i] = a.Symbol
			}
		}
		for _, row := range comp.Table {
			if matchPattern(strings.Fields(row.Pattern), key) {
				ph[comp.Characteristic] = row.Value
				break
			}
		}
	}
	return ph, nil
}

func matchPattern(pattern, key []string) bool {
	if len(pattern) != len(key) {
		return false
	}
	for i, p := range pattern {
		if p != "*" && p != key[i] {
			return false
		}
	}
	return true
}

// FindAllele returns the allele symbol for gene on the given side ("a" or "b"), without the side prefix.
func (c *Catalog) FindAllele(species, alleles, side, geneName string) (string, bool) {
	sp, err := c.lookup(species)
	if err != nil {
		return "", false
	}
	g := sp.geneByName(geneName)
	if g == nil {
		return "", false
	}
	prefix := strings.ToLower(side) + ":"
	for _, tok := range SplitAlleles(alleles) {
		if !strings.HasPrefix(tok, prefix) {
			continue
		}
		sym := strings.TrimPrefix(tok, prefix)
		for _, a := range g.Alleles {
			if a.Symbol == sym {
				return sym, true
			}
		}
	}
	return "", false
}

// CharacteristicFromPhenotype returns the value ph expresses for the characteristic gene controls.
func (c *Catalog) CharacteristicFromPhenotype(species string, ph Phenotype, geneName string) string {
	sp, err := c.lookup(species)
	if err != nil {
		return ""
	}
	g := sp.geneByName(geneName)
	if g == nil {
		return ""
	}
	return ph[g.Characteristic]
}

// TraitFromAlleles returns the trait expressed by a set of alleles of a single gene.
func (c *Catalog) TraitFromAlleles(species string, alleles []string) string {
	sp, err := c.lookup(species)
	if err != nil || len(alleles) == 0 {
		return ""
	}
	symbols := make([]string, len(alleles))
	for i, a := range alleles {
		symbols[i] = stripSide(strings.TrimSpace(a))
	}
	g, _ := sp.geneForSymbol(symbols[0])
	if g == nil {
		return ""
	}
	a, _ := g.expressed(symbols)
	return a.Value
}

// DisplayName returns the human-readable form of a trait or characteristic name.
func (c *Catalog) DisplayName(s string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if d, ok := c.displays[strings.ToLower(s)]; ok {
		return d
	}
	return s
}

// SexToString normalizes a sex code or name to "male" or "female".
func (c *Catalog) SexToString(v any) (string, error) {
	switch x := v.(type) {
	case Sex:
		return x.String(), nil
	case int:
		return sexFromCode(float64(x))
	case int64:
		return sexFromCode(float64(x))
	case float64:
		return sexFromCode(x)
	case string:
		s, err := SexFromString(x)
		if err != nil {
			return "", err
		}
		return s.String(), nil
	}
	return "", fmt.Errorf("%w: %v", ErrUnknownSex, v)
}

func sexFromCode(f float64) (string, error) {
	switch f {
	case float64(Male):
		return Male.String(), nil
	case float64(Female):
		return Female.String(), nil
	}
	return "", fmt.Errorf("%w: %v", ErrUnknownSex, f)
}

// SexFromString parses "male"/"female" (or "m"/"f", or the numeric codes).
func SexFromString(s string) (Sex, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "male", "m", "0":
		return Male, nil
	case "female", "f", "1":
		return Female, nil
	}
	return Male, fmt.Errorf("%w: %q", ErrUnknownSex, s)
}

func (c *Catalog) classify(color string, pick func(classifiers) []string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, sp := range c.species {
		for _, v := range pick(sp.Classifiers) {
			if strings.EqualFold(v, color) {
				return true
			}
		}
	}
	return false
}

// IsColorMetallic reports whether a color is one of the metallic shades.
func (c *Catalog) IsColorMetallic(color string) bool {
	return c.classify(color, func(cl classifiers) []string { return cl.Metallic })
}

// IsAlbino reports whether a color is albino.
func (c *Catalog) IsAlbino(color string) bool {
	return c.classify(color, func(cl classifiers) []string { return cl.Albino })
}

// IsOrange reports whether a color belongs to the orange (brown-based) family.
func (c *Catalog) IsOrange(color string) bool {
	return c.classify(color, func(cl classifiers) []string { return cl.Orange })
}

// HasAnyArmor reports whether an armor characteristic shows some armor.
func (c *Catalog) HasAnyArmor(armor string) bool {
	if strings.TrimSpace(armor) == "" {
		return false
	}
	return !c.classify(armor, func(cl classifiers) []string { return cl.NoArmor })
}
