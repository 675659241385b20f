package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/civicdata/source-identification/internal/metrics"
)

// Result is the outcome of fetching one URL.
type Result struct {
	Body         []byte
	StatusCode   int
	UsedHeadless bool
	Duration     time.Duration
}

// Fetcher retrieves the HTML document behind a URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (Result, error)
}

// Config controls the probe client.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
	PerDomainRPS float64
}

// Client implements Fetcher: rate-limited HTTP probe with optional headless
// promotion. A nil renderer disables promotion.
type Client struct {
	cfg      Config
	http     *http.Client
	limiter  *Limiter
	detector *Detector
	headless *Headless
	logger   *zap.Logger
}

// NewClient constructs a Client.
func NewClient(cfg Config, detector *Detector, headless *Headless, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 5 * 1024 * 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		limiter:  NewLimiter(cfg.PerDomainRPS, 1),
		detector: detector,
		headless: headless,
		logger:   logger,
	}
}

// Fetch probes the URL over HTTP and promotes to headless rendering when the
// response looks like a client-rendered shell. The per-request timeout keeps
// a hung host from blocking an operator run.
func (c *Client) Fetch(ctx context.Context, rawURL string) (Result, error) {
	if err := c.limiter.Wait(ctx, rawURL); err != nil {
		return Result{}, err
	}

	start := time.Now()
	body, status, err := c.probe(ctx, rawURL)
	if err != nil {
		return Result{}, err
	}

	res := Result{Body: body, StatusCode: status, Duration: time.Since(start)}
	if c.headless == nil || c.detector == nil || !c.detector.ShouldPromote(body) {
		return res, nil
	}

	rendered, err := c.headless.Render(ctx, rawURL)
	if err != nil {
		// Promotion is best effort; fall back to the probe body.
		c.logger.Warn("headless promotion failed", zap.String("url", rawURL), zap.Error(err))
		return res, nil
	}
	metrics.ObserveHeadlessPromotion()
	res.Body = rendered
	res.UsedHeadless = true
	res.Duration = time.Since(start)
	return res, nil
}

func (c *Client) probe(ctx context.Context, rawURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("probe fetch %s: %w", rawURL, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("close response body failed", zap.Error(closeErr))
		}
	}()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, resp.StatusCode, fmt.Errorf("probe fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	return body, resp.StatusCode, nil
}
