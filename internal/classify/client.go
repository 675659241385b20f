// Package classify calls the model-serving endpoint that scores URLs for
// relevance, record type, and agency.
package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/civicdata/source-identification/internal/metrics"
)

// Input is one URL to score. BlobURI points at the fetched HTML so the model
// server can read the document without refetching.
type Input struct {
	URL      string         `json:"url"`
	BlobURI  string         `json:"blob_uri,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Prediction is the model's opinion for one input.
type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Classifier scores a URL for one suggestion kind.
type Classifier interface {
	Classify(ctx context.Context, kind string, input Input) (Prediction, error)
}

// Config controls the HTTP model-serving client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client implements Classifier over the model server's JSON API. Each call
// carries a request-level timeout so a hung model server cannot block an
// operator run indefinitely.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient constructs a Client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// Classify POSTs the input to /v1/classify/{kind} and decodes the prediction.
func (c *Client) Classify(ctx context.Context, kind string, input Input) (Prediction, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return Prediction{}, fmt.Errorf("marshal classify input: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/classify/%s", c.cfg.BaseURL, kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Prediction{}, fmt.Errorf("build classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return Prediction{}, fmt.Errorf("classify %s: %w", kind, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	metrics.ObserveClassifierCall(kind, time.Since(start))

	if resp.StatusCode != http.StatusOK {
		return Prediction{}, fmt.Errorf("classify %s: status %d", kind, resp.StatusCode)
	}

	var pred Prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return Prediction{}, fmt.Errorf("decode prediction: %w", err)
	}
	if pred.Label == "" {
		return Prediction{}, fmt.Errorf("classify %s: empty label", kind)
	}
	return pred, nil
}
