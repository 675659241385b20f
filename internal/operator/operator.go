// Package operator implements the pipeline stages that annotate discovered
// URLs. Each operator exposes a cheap prerequisite check and a bounded unit
// of work; per-URL failures are recorded without failing the whole task.
package operator

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/civicdata/source-identification/internal/metrics"
	"github.com/civicdata/source-identification/internal/pipeline"
)

// RunResult summarizes one RunOnce execution.
type RunResult struct {
	URLIDs    []uuid.UUID
	Succeeded int
	Failed    int
	Message   string
}

// Operator is one pipeline stage. MeetsPrerequisites must be side-effect
// free and cheap; RunOnce processes at most one page of eligible URLs.
type Operator interface {
	Type() pipeline.TaskType
	MeetsPrerequisites(ctx context.Context) (bool, error)
	RunOnce(ctx context.Context, taskID uuid.UUID) (RunResult, error)
}

// Config bundles the knobs shared by all operators.
type Config struct {
	PageSize int
	Workers  int
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

// base carries the dependencies every operator shares.
type base struct {
	store  pipeline.URLStore
	logger *zap.Logger
	cfg    Config
}

func newBase(store pipeline.URLStore, cfg Config, logger *zap.Logger) base {
	if logger == nil {
		logger = zap.NewNop()
	}
	return base{store: store, logger: logger, cfg: cfg.withDefaults()}
}

// hasEligible implements MeetsPrerequisites for a stage as an existence
// probe against the store.
func (b base) hasEligible(ctx context.Context, stage pipeline.TaskType) (bool, error) {
	urls, err := b.store.GetEligibleURLs(ctx, stage, 1)
	if err != nil {
		return false, fmt.Errorf("probe eligible urls for %s: %w", stage, err)
	}
	return len(urls) > 0, nil
}

// urlFunc performs one stage's work for a single URL.
type urlFunc func(ctx context.Context, rec pipeline.URLRecord) error

// processBatch selects one page of eligible URLs, fans fn out over a bounded
// worker pool, then links every attempted URL to the task and records the
// per-URL failures. A failing URL never aborts the batch; a panic in fn is
// confined to that URL. Store write failures after the work are task-level
// errors.
func (b base) processBatch(
	ctx context.Context,
	stage pipeline.TaskType,
	taskID uuid.UUID,
	fn urlFunc,
) (RunResult, error) {
	urls, err := b.store.GetEligibleURLs(ctx, stage, b.cfg.PageSize)
	if err != nil {
		return RunResult{}, fmt.Errorf("get eligible urls for %s: %w", stage, err)
	}
	if len(urls) == 0 {
		return RunResult{Message: "no eligible urls"}, nil
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		urlErrs []pipeline.URLError
	)
	sem := make(chan struct{}, b.cfg.Workers)
	for _, rec := range urls {
		wg.Add(1)
		sem <- struct{}{}
		go func(rec pipeline.URLRecord) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := b.runOne(ctx, fn, rec); err != nil {
				b.logger.Warn("url stage failed",
					zap.String("stage", string(stage)),
					zap.String("url", rec.URL),
					zap.Error(err),
				)
				mu.Lock()
				urlErrs = append(urlErrs, pipeline.URLError{URLID: rec.ID, Error: err.Error()})
				mu.Unlock()
			}
		}(rec)
	}
	wg.Wait()

	ids := make([]uuid.UUID, 0, len(urls))
	for _, rec := range urls {
		ids = append(ids, rec.ID)
	}
	if err := b.store.LinkURLsToTask(ctx, taskID, ids); err != nil {
		return RunResult{}, fmt.Errorf("link urls to task: %w", err)
	}
	if len(urlErrs) > 0 {
		if err := b.store.RecordURLErrors(ctx, taskID, urlErrs); err != nil {
			return RunResult{}, fmt.Errorf("record url errors: %w", err)
		}
	}

	res := RunResult{
		URLIDs:    ids,
		Succeeded: len(urls) - len(urlErrs),
		Failed:    len(urlErrs),
		Message:   fmt.Sprintf("%d urls processed, %d failed", len(urls), len(urlErrs)),
	}
	metrics.ObserveTaskURLs(string(stage), res.Succeeded, res.Failed)
	return res, nil
}

// runOne confines a panic in fn to the URL it was processing.
func (b base) runOne(ctx context.Context, fn urlFunc, rec pipeline.URLRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage panic: %v", r)
		}
	}()
	return fn(ctx, rec)
}
