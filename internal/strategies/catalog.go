package strategies

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/civicdata/source-identification/internal/pipeline"
)

const (
	defaultCatalogRows     = 100
	defaultCatalogMaxPages = 50
	catalogMaxBodyBytes    = 8 << 20
)

// Catalog pages through a CKAN-style open data portal API and yields the
// landing URL of every dataset. Parameters: base_url (required), rows,
// max_pages, query.
type Catalog struct {
	deps Deps
	http *http.Client
}

// NewCatalog builds the catalog strategy.
func NewCatalog(deps Deps) *Catalog {
	timeout := deps.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Catalog{
		deps: deps,
		http: &http.Client{Timeout: timeout},
	}
}

// Name implements pipeline.Strategy.
func (s *Catalog) Name() string { return "open_data_catalog" }

type catalogSearchResponse struct {
	Success bool `json:"success"`
	Result  struct {
		Count   int `json:"count"`
		Results []struct {
			Name  string `json:"name"`
			Title string `json:"title"`
			Notes string `json:"notes"`
			URL   string `json:"url"`
		} `json:"results"`
	} `json:"result"`
}

// Run implements pipeline.Strategy.
func (s *Catalog) Run(ctx context.Context, params map[string]any, sink pipeline.LogSink) ([]pipeline.DiscoveredURL, error) {
	baseURL, err := stringParam(params, "base_url")
	if err != nil {
		return nil, err
	}
	rows, err := intParam(params, "rows", defaultCatalogRows)
	if err != nil {
		return nil, err
	}
	maxPages, err := intParam(params, "max_pages", defaultCatalogMaxPages)
	if err != nil {
		return nil, err
	}
	query := ""
	if _, ok := params["query"]; ok {
		if query, err = stringParam(params, "query"); err != nil {
			return nil, err
		}
	}

	var found []pipeline.DiscoveredURL
	seen := make(map[string]bool)
	for page := 0; page < maxPages; page++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		resp, err := s.searchPage(ctx, baseURL, query, rows, page*rows)
		if err != nil {
			return nil, fmt.Errorf("catalog page %d: %w", page, err)
		}
		if len(resp.Result.Results) == 0 {
			break
		}
		for _, dataset := range resp.Result.Results {
			landing := dataset.URL
			if landing == "" {
				landing = fmt.Sprintf("%s/dataset/%s", baseURL, dataset.Name)
			}
			if seen[landing] {
				continue
			}
			seen[landing] = true
			found = append(found, pipeline.DiscoveredURL{
				URL: landing,
				Metadata: map[string]any{
					"title":       dataset.Title,
					"description": dataset.Notes,
					"catalog":     baseURL,
				},
			})
		}
		sink.Log(fmt.Sprintf("catalog page %d yielded %d datasets (%d total)", page, len(resp.Result.Results), len(found)))
		if len(found) >= resp.Result.Count {
			break
		}
	}
	return found, nil
}

func (s *Catalog) searchPage(ctx context.Context, baseURL, query string, rows, start int) (*catalogSearchResponse, error) {
	endpoint, err := url.Parse(baseURL + "/api/3/action/package_search")
	if err != nil {
		return nil, fmt.Errorf("parse base_url: %w", err)
	}
	values := endpoint.Query()
	values.Set("rows", strconv.Itoa(rows))
	values.Set("start", strconv.Itoa(start))
	if query != "" {
		values.Set("q", query)
	}
	endpoint.RawQuery = values.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if s.deps.UserAgent != "" {
		req.Header.Set("User-Agent", s.deps.UserAgent)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search request returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, catalogMaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var parsed catalogSearchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !parsed.Success {
		return nil, fmt.Errorf("catalog reported an unsuccessful search")
	}
	return &parsed, nil
}
