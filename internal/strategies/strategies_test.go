package strategies

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *captureSink) Log(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
}

func (s *captureSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func TestRegistryResolvesBuiltins(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(Deps{UserAgent: "sourcepipe-test"})
	require.Equal(t, []string{"crawl", "open_data_catalog", "url_list"}, reg.Names())

	for _, name := range reg.Names() {
		s, err := reg.Get(name)
		require.NoError(t, err)
		require.Equal(t, name, s.Name())
	}

	_, err := reg.Get("does_not_exist")
	require.Error(t, err)
}

func TestURLListAcceptsWellFormedURLs(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	found, err := NewURLList().Run(context.Background(), map[string]any{
		"urls": []any{"https://example.gov/a", "not a url", "https://example.gov/b"},
	}, sink)
	require.NoError(t, err)

	require.Len(t, found, 2)
	require.Equal(t, "https://example.gov/a", found[0].URL)
	require.Equal(t, "https://example.gov/b", found[1].URL)
	require.NotEmpty(t, sink.all())
}

func TestURLListRequiresURLs(t *testing.T) {
	t.Parallel()

	_, err := NewURLList().Run(context.Background(), map[string]any{}, &captureSink{})
	require.Error(t, err)
}

func TestCatalogPagesThroughSearchResults(t *testing.T) {
	t.Parallel()

	type dataset struct {
		Name  string `json:"name"`
		Title string `json:"title"`
		Notes string `json:"notes"`
		URL   string `json:"url"`
	}
	pages := [][]dataset{
		{
			{Name: "jail-roster", Title: "Jail Roster", Notes: "Daily roster"},
			{Name: "court-calendar", Title: "Court Calendar", URL: "https://courts.example.gov/calendar"},
		},
		{
			{Name: "budget", Title: "Budget"},
		},
	}
	total := 3

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/3/action/package_search", r.URL.Path)
		start := r.URL.Query().Get("start")
		page := 0
		if start == "2" {
			page = 1
		} else if start != "0" {
			page = len(pages)
		}
		results := []dataset{}
		if page < len(pages) {
			results = pages[page]
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result":  map[string]any{"count": total, "results": results},
		}))
	}))
	defer srv.Close()

	sink := &captureSink{}
	found, err := NewCatalog(Deps{Timeout: 5 * time.Second}).Run(context.Background(), map[string]any{
		"base_url": srv.URL,
		"rows":     2,
	}, sink)
	require.NoError(t, err)

	require.Len(t, found, 3)
	require.Equal(t, srv.URL+"/dataset/jail-roster", found[0].URL)
	require.Equal(t, "https://courts.example.gov/calendar", found[1].URL)
	require.Equal(t, "Jail Roster", found[0].Metadata["title"])
	require.Len(t, sink.all(), 2)
}

func TestCatalogRejectsUnsuccessfulResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"success": false}`)
	}))
	defer srv.Close()

	_, err := NewCatalog(Deps{}).Run(context.Background(), map[string]any{
		"base_url": srv.URL,
	}, &captureSink{})
	require.Error(t, err)
}

func TestCrawlCollectsLinksFromIndexPage(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `<html><body>
			<a href="/records">County Records</a>
			<a href="/courts">Courts</a>
			<a href="/records">County Records Again</a>
		</body></html>`)
	})
	mux.HandleFunc("/records", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body><a href="/records/search">Search</a></body></html>`)
	})
	mux.HandleFunc("/courts", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body>leaf</body></html>`)
	})
	mux.HandleFunc("/records/search", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body>leaf</body></html>`)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	sink := &captureSink{}
	found, err := NewCrawl(Deps{UserAgent: "sourcepipe-test", Timeout: 5 * time.Second}).Run(
		context.Background(),
		map[string]any{
			"root_url":  srv.URL + "/",
			"max_depth": 2,
		},
		sink,
	)
	require.NoError(t, err)

	urls := make(map[string]bool, len(found))
	for _, d := range found {
		urls[d.URL] = true
	}
	require.True(t, urls[srv.URL+"/records"])
	require.True(t, urls[srv.URL+"/courts"])
	// The duplicate anchor collapsed into one discovery.
	require.Len(t, found, len(urls))
	require.NotEmpty(t, sink.all())
}

func TestCrawlRequiresRootURL(t *testing.T) {
	t.Parallel()

	_, err := NewCrawl(Deps{}).Run(context.Background(), map[string]any{}, &captureSink{})
	require.Error(t, err)
}

func TestParamHelpers(t *testing.T) {
	t.Parallel()

	params := map[string]any{
		"s":     "value",
		"n":     float64(7),
		"nstr":  "12",
		"list":  []any{"a", "b"},
		"empty": "",
	}

	s, err := stringParam(params, "s")
	require.NoError(t, err)
	require.Equal(t, "value", s)

	_, err = stringParam(params, "empty")
	require.Error(t, err)
	_, err = stringParam(params, "missing")
	require.Error(t, err)

	n, err := intParam(params, "n", 1)
	require.NoError(t, err)
	require.Equal(t, 7, n)

	n, err = intParam(params, "nstr", 1)
	require.NoError(t, err)
	require.Equal(t, 12, n)

	n, err = intParam(params, "missing", 42)
	require.NoError(t, err)
	require.Equal(t, 42, n)

	list, err := stringSliceParam(params, "list")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, list)

	_, err = stringSliceParam(params, "s")
	require.Error(t, err)
}
