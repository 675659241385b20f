package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/civicdata/source-identification/internal/metrics"
	"github.com/civicdata/source-identification/internal/operator"
	"github.com/civicdata/source-identification/internal/pipeline"
)

// Scheduler drives the task operators, in their declared order, to
// exhaustion each time it is invoked. It holds no cross-invocation mutable
// state beyond the idle flag; real progress state lives in the URL store.
type Scheduler struct {
	operators  []operator.Operator
	store      pipeline.URLStore
	notifier   pipeline.Notifier
	idGen      pipeline.IDGenerator
	clock      pipeline.Clock
	logger     *zap.Logger
	maxRepeats int

	idle atomic.Bool
}

// New constructs a Scheduler. operators run in the given priority order;
// maxRepeats caps how often one operator may re-qualify in a single pass
// before the safety valve trips (default 20).
func New(
	operators []operator.Operator,
	store pipeline.URLStore,
	notifier pipeline.Notifier,
	idGen pipeline.IDGenerator,
	clock pipeline.Clock,
	maxRepeats int,
	logger *zap.Logger,
) *Scheduler {
	if maxRepeats <= 0 {
		maxRepeats = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		operators:  operators,
		store:      store,
		notifier:   notifier,
		idGen:      idGen,
		clock:      clock,
		logger:     logger,
		maxRepeats: maxRepeats,
	}
	s.idle.Store(true)
	return s
}

// Idle reports whether the last pass ended with no operator runnable.
func (s *Scheduler) Idle() bool {
	return s.idle.Load()
}

// Run executes one full scheduler pass. For each operator in order it loops
// create-task/RunOnce until the prerequisite check clears or the repeat
// valve trips; a tripped valve alerts once and skips to the next operator
// rather than halting the pass.
func (s *Scheduler) Run(ctx context.Context) {
	s.idle.Store(false)
	metrics.SetSchedulerIdle(false)
	metrics.ObserveSchedulerRun()

	exhausted := true
	for _, op := range s.operators {
		if ctx.Err() != nil {
			exhausted = false
			break
		}
		if !s.runOperator(ctx, op) {
			exhausted = false
		}
	}

	s.idle.Store(exhausted)
	metrics.SetSchedulerIdle(exhausted)
}

// runOperator loops one operator to exhaustion. It returns false when the
// operator is still runnable (valve tripped or the pass was cancelled).
func (s *Scheduler) runOperator(ctx context.Context, op operator.Operator) bool {
	repeats := 0
	for {
		if ctx.Err() != nil {
			return false
		}

		runnable, err := op.MeetsPrerequisites(ctx)
		if err != nil {
			s.logger.Error("prerequisite check failed",
				zap.String("type", string(op.Type())), zap.Error(err))
			return false
		}
		if !runnable {
			return true
		}

		if repeats >= s.maxRepeats {
			s.tripValve(ctx, op)
			return false
		}
		repeats++

		s.runTask(ctx, op)
	}
}

// runTask creates a task row, executes the operator once, and records the
// outcome. An error escaping RunOnce marks the task ERROR; it is surfaced to
// operators, not retried automatically.
func (s *Scheduler) runTask(ctx context.Context, op operator.Operator) {
	taskID, err := s.idGen.NewRawID()
	if err != nil {
		s.logger.Error("generate task id failed", zap.Error(err))
		return
	}
	task := pipeline.Task{
		ID:        taskID,
		Type:      op.Type(),
		Status:    pipeline.TaskStatusInProcess,
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		s.logger.Error("create task failed",
			zap.String("type", string(op.Type())), zap.Error(err))
		return
	}

	start := s.clock.Now()
	result, runErr := op.RunOnce(ctx, taskID)
	elapsed := s.clock.Now().Sub(start)

	status := pipeline.TaskStatusComplete
	message := result.Message
	if runErr != nil {
		status = pipeline.TaskStatusError
		message = runErr.Error()
		s.logger.Error("task failed",
			zap.String("task_id", taskID.String()),
			zap.String("type", string(op.Type())),
			zap.Error(runErr),
		)
	} else {
		s.logger.Info("task complete",
			zap.String("task_id", taskID.String()),
			zap.String("type", string(op.Type())),
			zap.Int("succeeded", result.Succeeded),
			zap.Int("failed", result.Failed),
			zap.Duration("elapsed", elapsed),
		)
	}
	metrics.ObserveTask(string(op.Type()), string(status), elapsed)

	if err := s.store.RecordTaskOutcome(ctx, taskID, status, message); err != nil {
		s.logger.Error("record task outcome failed",
			zap.String("task_id", taskID.String()), zap.Error(err))
	}
}

// tripValve fires the backpressure alert for an operator that keeps
// re-qualifying the same URLs.
func (s *Scheduler) tripValve(ctx context.Context, op operator.Operator) {
	metrics.ObserveRepeatValveTrip(string(op.Type()))
	msg := fmt.Sprintf(
		"operator %s hit the repeat threshold (%d) with work still pending; skipping for this pass",
		op.Type(), s.maxRepeats,
	)
	s.logger.Warn("repeat valve tripped",
		zap.String("type", string(op.Type())),
		zap.Int("threshold", s.maxRepeats),
	)
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Alert(ctx, msg); err != nil {
		s.logger.Error("operator alert failed", zap.Error(err))
	}
}
