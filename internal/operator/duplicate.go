package operator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/civicdata/source-identification/internal/pipeline"
)

// DuplicateCheck flags URLs whose fetched content matches another URL's
// document byte for byte. The ingestion step already dedups on the URL
// string; this catches the same page reachable under different URLs. Only
// later copies are flagged, so each distinct document keeps exactly one
// URL moving toward submission.
type DuplicateCheck struct {
	base
}

// NewDuplicateCheck constructs the duplicate-detection operator.
func NewDuplicateCheck(store pipeline.URLStore, cfg Config, logger *zap.Logger) *DuplicateCheck {
	return &DuplicateCheck{base: newBase(store, cfg, logger)}
}

// Type implements Operator.
func (o *DuplicateCheck) Type() pipeline.TaskType {
	return pipeline.TaskDuplicateCheck
}

// MeetsPrerequisites implements Operator.
func (o *DuplicateCheck) MeetsPrerequisites(ctx context.Context) (bool, error) {
	return o.hasEligible(ctx, pipeline.TaskDuplicateCheck)
}

// RunOnce implements Operator.
func (o *DuplicateCheck) RunOnce(ctx context.Context, taskID uuid.UUID) (RunResult, error) {
	return o.processBatch(ctx, pipeline.TaskDuplicateCheck, taskID, o.checkOne)
}

func (o *DuplicateCheck) checkOne(ctx context.Context, rec pipeline.URLRecord) error {
	if rec.ContentHash == "" {
		return nil
	}
	n, err := o.store.CountEarlierURLsWithHash(ctx, rec.ContentHash, rec.ID)
	if err != nil {
		return fmt.Errorf("count earlier urls with hash: %w", err)
	}
	if n == 0 {
		return nil
	}
	if err := o.store.SetURLOutcome(ctx, rec.ID, pipeline.URLOutcomeDuplicate); err != nil {
		return fmt.Errorf("set url outcome: %w", err)
	}
	return nil
}
