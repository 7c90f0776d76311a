// Package catalog resolves the rule sets and concept matrices configured for a group.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/concord-consortium/guide-server/internal/concepts"
	"github.com/concord-consortium/guide-server/internal/genetics"
	"github.com/concord-consortium/guide-server/internal/model"
	"github.com/concord-consortium/guide-server/internal/rules"
)

var ErrGroupNotFound = errors.New("group not found")

// GroupFinder looks up group configuration by name. It returns nil for an unknown group.
type GroupFinder interface {
	GetGroup(ctx context.Context, name string) (*model.Group, error)
}

// RowSource returns the parsed rows of an externally identified sheet.
type RowSource interface {
	Rows(ctx context.Context, id string, useCache bool) ([][]string, error)
	Invalidate(ctx context.Context, ids ...string) error
}

// Loader builds rules and matrices from a group's sheets.
type Loader struct {
	groups  GroupFinder
	rows    RowSource
	adapter genetics.Adapter
}

// New creates a Loader.
func New(groups GroupFinder, rows RowSource, adapter genetics.Adapter) *Loader {
	return &Loader{groups: groups, rows: rows, adapter: adapter}
}

// Tags builds the collection tag string for an event action and target.
func Tags(action, target string) string {
	return strings.ToLower(action + ", " + target)
}

// AttributeConceptTags is the collection tag string for a species' concept matrix.
func AttributeConceptTags(species string) string {
	return strings.ToLower(species + ", attribute-concepts")
}

func (l *Loader) group(ctx context.Context, name string) (*model.Group, error) {
	g, err := l.groups.GetGroup(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("get group %q: %w", name, err)
	}
	if g == nil {
		return nil, fmt.Errorf("%w: %q", ErrGroupNotFound, name)
	}
	return g, nil
}

func (l *Loader) fetchAll(ctx context.Context, g *model.Group, ids []string) ([][][]string, error) {
	out := make([][][]string, len(ids))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, id := range ids {
		eg.Go(func() error {
			rows, err := l.rows.Rows(egCtx, id, !g.CacheDisabled)
			if err != nil {
				return fmt.Errorf("load sheet %s: %w", id, err)
			}
			out[i] = rows
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// RulesFor returns every rule in the group's collections tagged with tags.
// A group with no matching collections yields no rules.
func (l *Loader) RulesFor(ctx context.Context, groupName, tags string) ([]*rules.Rule, error) {
	g, err := l.group(ctx, groupName)
	if err != nil {
		return nil, err
	}
	ids := g.CollectionIDs(tags)
	if len(ids) == 0 {
		slog.Warn("no rules sheets for tags", "tags", tags, "group", groupName)
		return nil, nil
	}
	sheets, err := l.fetchAll(ctx, g, ids)
	if err != nil {
		return nil, err
	}
	var out []*rules.Rule
	for i, rows := range sheets {
		rs, err := rules.ParseRules(rows, l.adapter)
		if err != nil {
			return nil, fmt.Errorf("parse rules sheet %s: %w", ids[i], err)
		}
		out = append(out, rs...)
	}
	slog.Debug("loaded rules", "group", groupName, "tags", tags, "sheets", len(ids), "rules", len(out))
	return out, nil
}

// MatrixFor returns the concept adjustment matrix for a challenge, falling back to the
// species' attribute-concepts collection. A group with neither yields an empty matrix.
func (l *Loader) MatrixFor(ctx context.Context, groupName, challengeID, species string) (concepts.Matrix, error) {
	g, err := l.group(ctx, groupName)
	if err != nil {
		return nil, err
	}
	id := g.MatrixID(challengeID)
	if id == "" {
		tags := AttributeConceptTags(species)
		ids := g.CollectionIDs(tags)
		if len(ids) == 0 {
			slog.Warn("no concept matrix configured", "group", groupName, "challenge", challengeID, "tags", tags)
			return nil, nil
		}
		if len(ids) > 1 {
			slog.Warn("multiple concept matrices configured, using the first", "group", groupName, "tags", tags)
		}
		id = ids[0]
	}
	sheets, err := l.fetchAll(ctx, g, []string{id})
	if err != nil {
		return nil, err
	}
	return concepts.Matrix(sheets[0]), nil
}

// ClearCache drops every cached sheet the group references.
func (l *Loader) ClearCache(ctx context.Context, groupName string) error {
	g, err := l.group(ctx, groupName)
	if err != nil {
		return err
	}
	return l.rows.Invalidate(ctx, g.SheetIDs()...)
}
