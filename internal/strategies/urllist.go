package strategies

import (
	"context"
	"fmt"
	"net/url"

	"github.com/civicdata/source-identification/internal/pipeline"
)

// URLList passes through an explicit list of URLs supplied in the batch
// parameters. Parameters: urls (required list of strings).
type URLList struct{}

// NewURLList builds the url-list strategy.
func NewURLList() *URLList { return &URLList{} }

// Name implements pipeline.Strategy.
func (s *URLList) Name() string { return "url_list" }

// Run implements pipeline.Strategy.
func (s *URLList) Run(ctx context.Context, params map[string]any, sink pipeline.LogSink) ([]pipeline.DiscoveredURL, error) {
	urls, err := stringSliceParam(params, "urls")
	if err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("missing required parameter %q", "urls")
	}

	found := make([]pipeline.DiscoveredURL, 0, len(urls))
	for _, raw := range urls {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			sink.Log(fmt.Sprintf("skipping malformed url %q", raw))
			continue
		}
		found = append(found, pipeline.DiscoveredURL{URL: raw})
	}
	sink.Log(fmt.Sprintf("url list accepted %d of %d urls", len(found), len(urls)))
	return found, nil
}
