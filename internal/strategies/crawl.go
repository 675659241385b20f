package strategies

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/civicdata/source-identification/internal/pipeline"
)

const (
	defaultCrawlDepth   = 2
	defaultCrawlMaxURLs = 500
)

// Crawl walks an index page with colly and records every outbound link as a
// candidate URL. Parameters: root_url (required), max_depth, max_urls,
// allowed_domains.
type Crawl struct {
	deps          Deps
	baseCollector *colly.Collector
}

// NewCrawl builds the crawl strategy.
func NewCrawl(deps Deps) *Crawl {
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Crawl{deps: deps, baseCollector: c}
}

// Name implements pipeline.Strategy.
func (s *Crawl) Name() string { return "crawl" }

// Run implements pipeline.Strategy.
func (s *Crawl) Run(ctx context.Context, params map[string]any, sink pipeline.LogSink) ([]pipeline.DiscoveredURL, error) {
	rootURL, err := stringParam(params, "root_url")
	if err != nil {
		return nil, err
	}
	maxDepth, err := intParam(params, "max_depth", defaultCrawlDepth)
	if err != nil {
		return nil, err
	}
	maxURLs, err := intParam(params, "max_urls", defaultCrawlMaxURLs)
	if err != nil {
		return nil, err
	}
	allowed, err := stringSliceParam(params, "allowed_domains")
	if err != nil {
		return nil, err
	}
	if len(allowed) == 0 {
		root, err := url.Parse(rootURL)
		if err != nil {
			return nil, fmt.Errorf("parse root_url: %w", err)
		}
		allowed = []string{root.Hostname()}
	}

	collector := s.buildCollector(maxDepth, allowed)

	var (
		mu    sync.Mutex
		seen  = make(map[string]bool)
		found []pipeline.DiscoveredURL
	)

	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if link == "" {
			return
		}
		mu.Lock()
		full := len(found) >= maxURLs
		if !full && !seen[link] {
			seen[link] = true
			found = append(found, pipeline.DiscoveredURL{
				URL: link,
				Metadata: map[string]any{
					"anchor_text": e.Text,
					"found_on":    e.Request.URL.String(),
				},
			})
		}
		mu.Unlock()
		if full {
			return
		}
		if e.Request.Depth < maxDepth {
			_ = e.Request.Visit(link)
		}
	})
	collector.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		sink.Log(fmt.Sprintf("visiting %s (depth %d)", r.URL, r.Depth))
	})
	collector.OnError(func(r *colly.Response, err error) {
		sink.Log(fmt.Sprintf("visit %s failed: %v", r.Request.URL, err))
	})

	if err := s.runCollector(ctx, collector, rootURL); err != nil {
		return nil, err
	}
	sink.Log(fmt.Sprintf("crawl of %s discovered %d urls", rootURL, len(found)))
	return found, nil
}

func (s *Crawl) buildCollector(maxDepth int, allowed []string) *colly.Collector {
	collector := s.baseCollector.Clone()
	if s.deps.UserAgent != "" {
		collector.UserAgent = s.deps.UserAgent
	}
	collector.AllowedDomains = allowed
	collector.MaxDepth = maxDepth
	timeout := s.deps.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	return collector
}

func (s *Crawl) runCollector(ctx context.Context, collector *colly.Collector, rootURL string) error {
	done := make(chan error, 1)
	go func() {
		err := collector.Visit(rootURL)
		collector.Wait()
		done <- err
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("crawl canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("visit root url: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
