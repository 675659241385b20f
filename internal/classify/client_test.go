package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyDecodesPrediction(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/classify/record_type", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var input Input
		require.NoError(t, json.NewDecoder(r.Body).Decode(&input))
		require.Equal(t, "https://example.gov/a", input.URL)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"label": "court_records", "confidence": 0.91}`)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "secret"})
	pred, err := c.Classify(context.Background(), "record_type", Input{
		URL:     "https://example.gov/a",
		BlobURI: "memory://pages/x",
	})
	require.NoError(t, err)
	require.Equal(t, "court_records", pred.Label)
	require.InDelta(t, 0.91, pred.Confidence, 1e-9)
}

func TestClassifyRejectsEmptyLabel(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"label": "", "confidence": 0}`)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	_, err := c.Classify(context.Background(), "relevance", Input{URL: "https://example.gov"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "empty label")
}

func TestClassifyPropagatesServerErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	_, err := c.Classify(context.Background(), "agency", Input{URL: "https://example.gov"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 502")
}
