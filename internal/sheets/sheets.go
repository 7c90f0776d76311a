// Package sheets fetches externally authored rule and matrix sheets as CSV rows
// and caches them.
package sheets

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultURLTemplate points at the public CSV export of a Google spreadsheet.
const DefaultURLTemplate = "https://docs.google.com/spreadsheets/d/{id}/export?format=csv"

// Fetcher retrieves the rows of a sheet by id.
type Fetcher interface {
	Fetch(ctx context.Context, id string) ([][]string, error)
}

// Cache stores parsed rows by sheet id.
type Cache interface {
	Get(ctx context.Context, id string) ([][]string, bool, error)
	Set(ctx context.Context, id string, rows [][]string) error
	Delete(ctx context.Context, ids ...string) error
}

// HTTPFetcher downloads sheets as CSV over HTTP.
type HTTPFetcher struct {
	client   *http.Client
	template string
}

// NewHTTPFetcher creates a fetcher for a URL template containing "{id}".
func NewHTTPFetcher(template string, timeout time.Duration) *HTTPFetcher {
	if template == "" {
		template = DefaultURLTemplate
	}
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}, template: template}
}

// URL returns the download URL for a sheet id.
func (f *HTTPFetcher) URL(id string) string {
	return strings.ReplaceAll(f.template, "{id}", url.PathEscape(id))
}

func (f *HTTPFetcher) Fetch(ctx context.Context, id string) ([][]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL(id), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch sheet %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch sheet %s: unexpected status %s", id, resp.Status)
	}

	r := csv.NewReader(resp.Body)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse sheet %s: %w", id, err)
	}
	slog.Debug("fetched sheet", "id", id, "rows", len(rows))
	return rows, nil
}

// Source serves sheet rows from a cache, falling back to the fetcher.
type Source struct {
	fetcher Fetcher
	cache   Cache
	group   singleflight.Group
}

// NewSource combines a fetcher with an optional cache.
func NewSource(fetcher Fetcher, cache Cache) *Source {
	return &Source{fetcher: fetcher, cache: cache}
}

// Rows returns the rows of sheet id. With useCache false the cache is bypassed on
// read but still refreshed with the fetched rows.
func (s *Source) Rows(ctx context.Context, id string, useCache bool) ([][]string, error) {
	if useCache && s.cache != nil {
		rows, ok, err := s.cache.Get(ctx, id)
		if err != nil {
			slog.Warn("sheet cache read failed", "id", id, "error", err)
		} else if ok {
			return rows, nil
		}
	}

	v, err, _ := s.group.Do(id, func() (any, error) {
		rows, err := s.fetcher.Fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		if s.cache != nil {
			if err := s.cache.Set(ctx, id, rows); err != nil {
				slog.Warn("sheet cache write failed", "id", id, "error", err)
			}
		}
		return rows, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([][]string), nil
}

// Invalidate drops cached rows for the given sheet ids.
func (s *Source) Invalidate(ctx context.Context, ids ...string) error {
	if s.cache == nil || len(ids) == 0 {
		return nil
	}
	if err := s.cache.Delete(ctx, ids...); err != nil {
		return fmt.Errorf("invalidate sheets: %w", err)
	}
	slog.Info("invalidated cached sheets", "ids", ids)
	return nil
}
