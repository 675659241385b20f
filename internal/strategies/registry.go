// Package strategies holds the collection strategies a batch can run. Each
// strategy discovers candidate record-source URLs from a different kind of
// seed: a crawlable index page, a machine-readable catalog, or an explicit
// list supplied by the operator.
package strategies

import (
	"fmt"
	"sort"
	"time"

	"github.com/civicdata/source-identification/internal/pipeline"
)

// Deps carries the shared plumbing strategies need. Strategies own their
// outbound HTTP behavior; they do not go through the annotation fetch client.
type Deps struct {
	UserAgent string
	Timeout   time.Duration
}

// Registry maps strategy names to constructed strategies. The set is fixed at
// process start; batches reference strategies by name.
type Registry struct {
	byName map[string]pipeline.Strategy
}

// NewRegistry builds the registry with the built-in strategies.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{byName: make(map[string]pipeline.Strategy)}
	r.register(NewCrawl(deps))
	r.register(NewCatalog(deps))
	r.register(NewURLList())
	return r
}

func (r *Registry) register(s pipeline.Strategy) {
	r.byName[s.Name()] = s
}

// Get resolves a strategy by name.
func (r *Registry) Get(name string) (pipeline.Strategy, error) {
	s, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q: %w", name, pipeline.ErrNotFound)
	}
	return s, nil
}

// Names returns the registered strategy names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
