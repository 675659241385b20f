package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/civicdata/source-identification/internal/metrics"
	"github.com/civicdata/source-identification/internal/pipeline"
)

// Waker receives the wake-up signal fired when a batch becomes ready to
// label. The scheduler trigger satisfies this interface.
type Waker interface {
	TriggerOrRerun()
}

const finalizeTimeout = 30 * time.Second

// Registry holds at most one running collector job per batch id. It owns the
// only in-process mutable state on the collector side: the active-job set,
// guarded by a mutex.
type Registry struct {
	store   pipeline.URLStore
	waker   Waker
	clock   pipeline.Clock
	logger  *zap.Logger
	grace   time.Duration
	baseCtx context.Context

	mu     sync.Mutex
	active map[uuid.UUID]*Job
	wg     sync.WaitGroup

	settleOnce map[uuid.UUID]*sync.Once
}

// NewRegistry constructs a Registry. baseCtx bounds the lifetime of every
// job it launches; cancel it only at process shutdown.
func NewRegistry(
	baseCtx context.Context,
	store pipeline.URLStore,
	waker Waker,
	clock pipeline.Clock,
	grace time.Duration,
	logger *zap.Logger,
) *Registry {
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &Registry{
		store:      store,
		waker:      waker,
		clock:      clock,
		logger:     logger,
		grace:      grace,
		baseCtx:    baseCtx,
		active:     make(map[uuid.UUID]*Job),
		settleOnce: make(map[uuid.UUID]*sync.Once),
	}
}

// Reconcile flips batches left RUNNING by a previous process to ABORTED.
// Call once at startup before accepting collector requests.
func (r *Registry) Reconcile(ctx context.Context) error {
	n, err := r.store.ReconcileStaleBatches(ctx)
	if err != nil {
		return fmt.Errorf("reconcile stale batches: %w", err)
	}
	if n > 0 {
		r.logger.Warn("aborted stale batches from previous run", zap.Int("count", n))
	}
	return nil
}

// StartCollector registers and launches a job for the batch. It returns
// pipeline.ErrAlreadyRunning when a job is already registered for the batch
// id, and never blocks past job submission.
func (r *Registry) StartCollector(
	ctx context.Context,
	strategy pipeline.Strategy,
	batchID uuid.UUID,
	userID string,
	params map[string]any,
) error {
	job := newJob(batchID, strategy, params, r.store, r.logger)

	// The cancel func must be in place before the job becomes visible in the
	// active map; an abort racing the store write below has to land on a live
	// context, not a nil no-op.
	jobCtx, cancel := context.WithCancel(r.baseCtx)
	job.cancel = cancel
	job.startedAt = r.clock.Now()

	r.mu.Lock()
	if _, exists := r.active[batchID]; exists {
		r.mu.Unlock()
		cancel()
		return pipeline.ErrAlreadyRunning
	}
	r.active[batchID] = job
	r.settleOnce[batchID] = &sync.Once{}
	r.mu.Unlock()

	batch := pipeline.Batch{
		ID:         batchID,
		Strategy:   strategy.Name(),
		UserID:     userID,
		Status:     pipeline.BatchStatusPending,
		Parameters: params,
		CreatedAt:  r.clock.Now(),
	}
	if err := r.store.CreateBatch(ctx, batch); err != nil {
		cancel()
		r.drop(batchID)
		return fmt.Errorf("create batch: %w", err)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		if err := r.store.MarkBatchRunning(jobCtx, batchID); err != nil {
			r.logger.Error("mark batch running failed",
				zap.String("batch_id", batchID.String()), zap.Error(err))
		}
		job.run(jobCtx)
		r.settle(job, job.Outcome())
	}()

	r.logger.Info("collector started",
		zap.String("batch_id", batchID.String()),
		zap.String("strategy", strategy.Name()),
	)
	return nil
}

// AbortCollector cancels the job registered for the batch and blocks until
// it acknowledges, bounded by the grace period. A job that ignores
// cancellation is force-dropped and the batch still ends ABORTED; registry
// bookkeeping never hangs on a misbehaving job.
func (r *Registry) AbortCollector(ctx context.Context, batchID uuid.UUID) error {
	r.mu.Lock()
	job, ok := r.active[batchID]
	r.mu.Unlock()
	if !ok {
		return pipeline.ErrNotFound
	}

	job.Cancel()

	timer := time.NewTimer(r.grace)
	defer timer.Stop()
	select {
	case <-job.Done():
		return nil
	case <-timer.C:
		r.logger.Warn("collector ignored cancellation, force-dropping",
			zap.String("batch_id", batchID.String()))
		r.settle(job, Outcome{
			Status:    pipeline.BatchStatusAborted,
			ErrorText: "abort grace period exceeded",
		})
		return nil
	case <-ctx.Done():
		return fmt.Errorf("abort wait: %w", ctx.Err())
	}
}

// Running reports whether a job is currently registered for the batch.
func (r *Registry) Running(batchID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[batchID]
	return ok
}

// ActiveBatches lists the batch ids with registered jobs.
func (r *Registry) ActiveBatches() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	return ids
}

// ShutdownAll cancels every registered job and waits for all to settle,
// bounded by ctx. Used only at process shutdown.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	r.mu.Lock()
	jobs := make([]*Job, 0, len(r.active))
	for _, job := range r.active {
		jobs = append(jobs, job)
	}
	r.mu.Unlock()

	for _, job := range jobs {
		job.Cancel()
	}

	waitCh := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown wait: %w", ctx.Err())
	}
}

// settle records the batch outcome exactly once, removes the job from the
// active set, and wakes the scheduler on READY_TO_LABEL. Both the normal
// completion path and the force-drop path funnel through here; the per-job
// once keeps the batch row write single-shot.
func (r *Registry) settle(job *Job, out Outcome) {
	r.mu.Lock()
	once := r.settleOnce[job.batchID]
	r.mu.Unlock()
	if once == nil {
		return
	}

	once.Do(func() {
		r.drop(job.batchID)

		duration := r.clock.Now().Sub(job.startedAt)
		ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
		defer cancel()
		err := r.store.FinalizeBatch(ctx, job.batchID, out.Status, out.ErrorText, out.Counts, duration)
		if err != nil {
			r.logger.Error("finalize batch failed",
				zap.String("batch_id", job.batchID.String()),
				zap.String("status", string(out.Status)),
				zap.Error(err),
			)
		}
		metrics.ObserveBatchFinished(string(out.Status))

		r.logger.Info("collector settled",
			zap.String("batch_id", job.batchID.String()),
			zap.String("status", string(out.Status)),
			zap.Int("urls_total", out.Counts.Total),
			zap.Int("urls_original", out.Counts.Original),
			zap.Int("urls_duplicate", out.Counts.Duplicate),
			zap.Duration("compute_duration", duration),
		)

		if out.Status == pipeline.BatchStatusReadyToLabel && r.waker != nil {
			r.waker.TriggerOrRerun()
		}
	})
}

// drop forgets a batch's registry bookkeeping. Safe to call more than once.
func (r *Registry) drop(batchID uuid.UUID) {
	r.mu.Lock()
	delete(r.active, batchID)
	delete(r.settleOnce, batchID)
	r.mu.Unlock()
}
