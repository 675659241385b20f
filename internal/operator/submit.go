package operator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/civicdata/source-identification/internal/pipeline"
)

// SubmitConfig points at the downstream data-sources API.
type SubmitConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// Submission pushes reviewer-approved URLs to the data-sources API and marks
// them submitted.
type Submission struct {
	base
	cfg  SubmitConfig
	http *http.Client
}

// NewSubmission constructs the final-submission operator.
func NewSubmission(store pipeline.URLStore, cfg SubmitConfig, opCfg Config, logger *zap.Logger) *Submission {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Submission{
		base: newBase(store, opCfg, logger),
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// Type implements Operator.
func (o *Submission) Type() pipeline.TaskType {
	return pipeline.TaskSubmission
}

// MeetsPrerequisites implements Operator.
func (o *Submission) MeetsPrerequisites(ctx context.Context) (bool, error) {
	return o.hasEligible(ctx, pipeline.TaskSubmission)
}

// RunOnce implements Operator.
func (o *Submission) RunOnce(ctx context.Context, taskID uuid.UUID) (RunResult, error) {
	return o.processBatch(ctx, pipeline.TaskSubmission, taskID, o.submitOne)
}

func (o *Submission) submitOne(ctx context.Context, rec pipeline.URLRecord) error {
	payload, err := json.Marshal(map[string]any{
		"url":         rec.URL,
		"name":        rec.Name,
		"description": rec.Description,
		"record_type": rec.FinalRecordType,
	})
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build submission request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	}

	resp, err := o.http.Do(req)
	if err != nil {
		return fmt.Errorf("submit %s: %w", rec.URL, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("submit %s: status %d", rec.URL, resp.StatusCode)
	}

	if err := o.store.SetURLOutcome(ctx, rec.ID, pipeline.URLOutcomeSubmitted); err != nil {
		return fmt.Errorf("set url outcome: %w", err)
	}
	return nil
}
