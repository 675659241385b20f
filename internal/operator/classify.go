package operator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/civicdata/source-identification/internal/classify"
	"github.com/civicdata/source-identification/internal/pipeline"
)

// classifyOperator covers the three model-backed stages. Each run scores one
// page of eligible URLs and writes the automatic suggestion slot.
type classifyOperator struct {
	base
	client classify.Classifier
	stage  pipeline.TaskType
	kind   pipeline.SuggestionKind
}

// NewRelevance constructs the relevance-classification operator.
func NewRelevance(store pipeline.URLStore, client classify.Classifier, cfg Config, logger *zap.Logger) Operator {
	return &classifyOperator{
		base:   newBase(store, cfg, logger),
		client: client,
		stage:  pipeline.TaskRelevance,
		kind:   pipeline.SuggestionRelevance,
	}
}

// NewRecordType constructs the record-type-classification operator.
func NewRecordType(store pipeline.URLStore, client classify.Classifier, cfg Config, logger *zap.Logger) Operator {
	return &classifyOperator{
		base:   newBase(store, cfg, logger),
		client: client,
		stage:  pipeline.TaskRecordType,
		kind:   pipeline.SuggestionRecordType,
	}
}

// NewAgency constructs the agency-identification operator.
func NewAgency(store pipeline.URLStore, client classify.Classifier, cfg Config, logger *zap.Logger) Operator {
	return &classifyOperator{
		base:   newBase(store, cfg, logger),
		client: client,
		stage:  pipeline.TaskAgency,
		kind:   pipeline.SuggestionAgency,
	}
}

// Type implements Operator.
func (o *classifyOperator) Type() pipeline.TaskType {
	return o.stage
}

// MeetsPrerequisites implements Operator.
func (o *classifyOperator) MeetsPrerequisites(ctx context.Context) (bool, error) {
	return o.hasEligible(ctx, o.stage)
}

// RunOnce implements Operator.
func (o *classifyOperator) RunOnce(ctx context.Context, taskID uuid.UUID) (RunResult, error) {
	return o.processBatch(ctx, o.stage, taskID, o.classifyOne)
}

func (o *classifyOperator) classifyOne(ctx context.Context, rec pipeline.URLRecord) error {
	pred, err := o.client.Classify(ctx, string(o.kind), classify.Input{
		URL:      rec.URL,
		BlobURI:  rec.HTMLBlobURI,
		Metadata: rec.Metadata,
	})
	if err != nil {
		return err
	}

	suggestion := pipeline.Suggestion{
		URLID:      rec.ID,
		Kind:       o.kind,
		Value:      pred.Label,
		Confidence: pred.Confidence,
	}
	if err := o.store.UpsertAutoSuggestion(ctx, suggestion); err != nil {
		return fmt.Errorf("upsert suggestion: %w", err)
	}
	return nil
}
