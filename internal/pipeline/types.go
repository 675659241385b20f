// Package pipeline defines core types shared across subsystems.
package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// BatchStatus represents the lifecycle state of a collector batch.
type BatchStatus string

// Batch status values persisted in the URL store.
const (
	BatchStatusPending      BatchStatus = "PENDING"
	BatchStatusRunning      BatchStatus = "RUNNING"
	BatchStatusReadyToLabel BatchStatus = "READY_TO_LABEL"
	BatchStatusError        BatchStatus = "ERROR"
	BatchStatusAborted      BatchStatus = "ABORTED"
)

// Terminal reports whether no further transition out of the status is allowed.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchStatusReadyToLabel, BatchStatusError, BatchStatusAborted:
		return true
	default:
		return false
	}
}

// Batch represents one run of a collector strategy and the URLs it produced.
type Batch struct {
	ID                uuid.UUID       `json:"id"`
	Strategy          string          `json:"strategy"`
	UserID            string          `json:"user_id"`
	Status            BatchStatus     `json:"status"`
	Parameters        map[string]any  `json:"parameters"`
	TotalURLCount     int             `json:"total_url_count"`
	OriginalURLCount  int             `json:"original_url_count"`
	DuplicateURLCount int             `json:"duplicate_url_count"`
	ComputeDuration   time.Duration   `json:"compute_duration"`
	ErrorText         string          `json:"error_text,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// URLCounts summarizes a batch's ingestion result.
type URLCounts struct {
	Total     int `json:"total"`
	Original  int `json:"original"`
	Duplicate int `json:"duplicate"`
}

// URLOutcome is the coarse review state of a discovered URL.
type URLOutcome string

// URL outcome values.
const (
	URLOutcomePending   URLOutcome = "pending"
	URLOutcomeSubmitted URLOutcome = "submitted"
	URLOutcomeDuplicate URLOutcome = "duplicate"
	URLOutcomeError     URLOutcome = "error"
)

// URLRecord is a discovered candidate record source. The URL string is
// globally unique across the store.
type URLRecord struct {
	ID              uuid.UUID      `json:"id"`
	BatchID         uuid.UUID      `json:"batch_id"`
	URL             string         `json:"url"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Outcome         URLOutcome     `json:"outcome"`
	Name            string         `json:"name,omitempty"`
	Description     string         `json:"description,omitempty"`
	FinalRecordType string         `json:"final_record_type,omitempty"`
	Relevant        *bool          `json:"relevant,omitempty"`
	HTMLBlobURI     string         `json:"html_blob_uri,omitempty"`
	ContentHash     string         `json:"content_hash,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// URLCandidate is a URL discovered by a collector strategy before ingestion.
type URLCandidate struct {
	URL      string         `json:"url"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// URLMapping pairs an inserted URL string with its store id.
type URLMapping struct {
	ID  uuid.UUID `json:"id"`
	URL string    `json:"url"`
}

// DuplicateInfo links a batch to a pre-existing URL it rediscovered.
type DuplicateInfo struct {
	BatchID       uuid.UUID `json:"batch_id"`
	OriginalURLID uuid.UUID `json:"original_url_id"`
	URL           string    `json:"url"`
}

// InsertResult is returned by URLStore.InsertURLs after atomic dedup.
type InsertResult struct {
	Inserted       []URLMapping    `json:"inserted"`
	Duplicates     []DuplicateInfo `json:"duplicates"`
	OriginalCount  int             `json:"original_count"`
	DuplicateCount int             `json:"duplicate_count"`
}

// Counts converts an InsertResult into batch-level counters.
func (r InsertResult) Counts() URLCounts {
	return URLCounts{
		Total:     r.OriginalCount + r.DuplicateCount,
		Original:  r.OriginalCount,
		Duplicate: r.DuplicateCount,
	}
}

// TaskType identifies a pipeline stage.
type TaskType string

// Pipeline stages, in scheduling priority order.
const (
	TaskHTMLFetch      TaskType = "html_fetch"
	TaskRelevance      TaskType = "relevance"
	TaskRecordType     TaskType = "record_type"
	TaskAgency         TaskType = "agency_identification"
	TaskMiscMetadata   TaskType = "misc_metadata"
	TaskDuplicateCheck TaskType = "duplicate_check"
	TaskSubmission     TaskType = "submission"
)

// TaskStatus represents the state of one operator execution.
type TaskStatus string

// Task status values.
const (
	TaskStatusInProcess TaskStatus = "IN_PROCESS"
	TaskStatusComplete  TaskStatus = "COMPLETE"
	TaskStatusError     TaskStatus = "ERROR"
)

// Task records one execution of a task operator.
type Task struct {
	ID        uuid.UUID  `json:"id"`
	Type      TaskType   `json:"type"`
	Status    TaskStatus `json:"status"`
	ErrorText string     `json:"error_text,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// URLError is a per-URL, per-task failure note. It suppresses future
// eligibility of the URL for the same stage.
type URLError struct {
	URLID uuid.UUID `json:"url_id"`
	Error string    `json:"error"`
}

// SuggestionKind distinguishes the annotation families.
type SuggestionKind string

// Suggestion kinds.
const (
	SuggestionRelevance  SuggestionKind = "relevance"
	SuggestionRecordType SuggestionKind = "record_type"
	SuggestionAgency     SuggestionKind = "agency"
)

// Suggestion is an opinion attached to a URL by an operator or annotator.
// UserID is empty for automatic suggestions; at most one automatic suggestion
// exists per (URL, kind), while user suggestions are one per user.
type Suggestion struct {
	URLID      uuid.UUID      `json:"url_id"`
	Kind       SuggestionKind `json:"kind"`
	Value      string         `json:"value"`
	Confidence float64        `json:"confidence,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
}

// DiscoveredURL is yielded by a collector strategy run.
type DiscoveredURL struct {
	URL      string         `json:"url"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
