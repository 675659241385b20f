// Package collector runs collector jobs and enforces the batch lifecycle
// state machine: PENDING -> RUNNING -> {READY_TO_LABEL, ERROR, ABORTED}.
package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/civicdata/source-identification/internal/metrics"
	"github.com/civicdata/source-identification/internal/pipeline"
)

// Outcome is the terminal result of one collector job run.
type Outcome struct {
	Status    pipeline.BatchStatus
	Counts    pipeline.URLCounts
	ErrorText string
}

// Job is a single cancellable run of an ingestion strategy against a batch.
// The zero outcome is never observed: run stores the outcome before closing
// the done channel.
type Job struct {
	batchID  uuid.UUID
	strategy pipeline.Strategy
	params   map[string]any
	store    pipeline.URLStore
	logger   *zap.Logger

	cancel    context.CancelFunc
	startedAt time.Time
	done      chan struct{}
	outcome   Outcome
}

func newJob(
	batchID uuid.UUID,
	strategy pipeline.Strategy,
	params map[string]any,
	store pipeline.URLStore,
	logger *zap.Logger,
) *Job {
	return &Job{
		batchID:  batchID,
		strategy: strategy,
		params:   params,
		store:    store,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Cancel requests cooperative cancellation of the strategy run.
func (j *Job) Cancel() {
	if j.cancel != nil {
		j.cancel()
	}
}

// Done is closed once the job has settled its outcome.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Outcome must only be read after Done is closed.
func (j *Job) Outcome() Outcome {
	return j.outcome
}

// run executes the strategy and records the outcome exactly once. It never
// lets a strategy panic escape; panics become batch-level errors.
func (j *Job) run(ctx context.Context) {
	j.outcome = j.execute(ctx)
	close(j.done)
}

func (j *Job) execute(ctx context.Context) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("collector panicked",
				zap.String("batch_id", j.batchID.String()),
				zap.Any("panic", r),
			)
			out = Outcome{
				Status:    pipeline.BatchStatusError,
				ErrorText: fmt.Sprintf("collector panic: %v", r),
			}
		}
	}()

	discovered, err := j.strategy.Run(ctx, j.params, zapSink{j.logger})
	switch {
	case ctx.Err() != nil:
		return Outcome{
			Status:    pipeline.BatchStatusAborted,
			ErrorText: "aborted before completion",
		}
	case err != nil:
		return Outcome{
			Status:    pipeline.BatchStatusError,
			ErrorText: err.Error(),
		}
	}

	candidates := make([]pipeline.URLCandidate, 0, len(discovered))
	for _, d := range discovered {
		candidates = append(candidates, pipeline.URLCandidate{URL: d.URL, Metadata: d.Metadata})
	}

	result, err := j.store.InsertURLs(ctx, j.batchID, candidates)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{
				Status:    pipeline.BatchStatusAborted,
				ErrorText: "aborted during ingestion",
			}
		}
		return Outcome{
			Status:    pipeline.BatchStatusError,
			ErrorText: fmt.Sprintf("insert urls: %v", err),
		}
	}

	counts := result.Counts()
	metrics.ObserveIngest(counts.Original, counts.Duplicate)
	return Outcome{
		Status: pipeline.BatchStatusReadyToLabel,
		Counts: counts,
	}
}

// zapSink adapts a zap logger to the strategy progress side channel.
type zapSink struct {
	logger *zap.Logger
}

func (s zapSink) Log(line string) {
	s.logger.Info("collector progress", zap.String("line", line))
}
