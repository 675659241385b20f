package fetch

import (
	"bytes"
	"strings"
)

// Detector decides whether a probe response warrants headless rendering.
type Detector struct {
	minHTMLBytes int
	keywords     [][]byte
}

// Framework markers that indicate a client-rendered shell.
var defaultKeywords = []string{
	"__NEXT_DATA__",
	"data-reactroot",
	"ng-app",
	"window.__APOLLO_STATE__",
}

// NewDetector constructs a Detector. Zero minBytes disables the size signal;
// nil keywords fall back to the defaults.
func NewDetector(minBytes int, keywords []string) *Detector {
	if keywords == nil {
		keywords = defaultKeywords
	}
	lowered := make([][]byte, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		lowered = append(lowered, bytes.ToLower([]byte(kw)))
	}
	return &Detector{minHTMLBytes: minBytes, keywords: lowered}
}

// ShouldPromote inspects the probe body for signals that the real content
// only appears after JavaScript execution.
func (d *Detector) ShouldPromote(body []byte) bool {
	if d == nil {
		return false
	}
	if d.minHTMLBytes > 0 && len(body) < d.minHTMLBytes {
		return true
	}
	if len(body) == 0 || len(d.keywords) == 0 {
		return false
	}
	lowerBody := bytes.ToLower(body)
	for _, kw := range d.keywords {
		if bytes.Contains(lowerBody, kw) {
			return true
		}
	}
	return false
}
