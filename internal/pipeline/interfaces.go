package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// URLStore is the transactional system of record for batches, URLs, tasks,
// and suggestions. Implementations must enforce the URL-string uniqueness
// invariant and perform each multi-row write atomically.
type URLStore interface {
	// CreateBatch inserts a new batch row in PENDING status.
	CreateBatch(ctx context.Context, batch Batch) error
	// MarkBatchRunning transitions a batch to RUNNING.
	MarkBatchRunning(ctx context.Context, batchID uuid.UUID) error
	// FinalizeBatch writes the terminal status, counters, error text, and
	// compute duration for a batch. It must refuse to overwrite a batch that
	// is already terminal.
	FinalizeBatch(ctx context.Context, batchID uuid.UUID, status BatchStatus, errText string, counts URLCounts, computeDuration time.Duration) error
	// GetBatch fetches a batch by id, returning ErrNotFound when absent.
	GetBatch(ctx context.Context, batchID uuid.UUID) (Batch, error)
	// ReconcileStaleBatches flips batches left RUNNING by a previous process
	// to ABORTED and returns how many rows changed.
	ReconcileStaleBatches(ctx context.Context) (int, error)

	// InsertURLs inserts candidates for a batch, deduplicating on the URL
	// string. A collision never creates a second URL row; it records a
	// duplicate pointing at the original. Insert plus duplicate-record
	// writes are one atomic unit.
	InsertURLs(ctx context.Context, batchID uuid.UUID, candidates []URLCandidate) (InsertResult, error)
	// GetEligibleURLs returns up to pageSize URLs that have not yet been
	// attempted (or previously failed) at the given stage.
	GetEligibleURLs(ctx context.Context, stage TaskType, pageSize int) ([]URLRecord, error)
	// SetURLDocument records where a URL's fetched HTML lives.
	SetURLDocument(ctx context.Context, urlID uuid.UUID, blobURI, contentHash string) error
	// SetURLOutcome updates the coarse review state of a URL.
	SetURLOutcome(ctx context.Context, urlID uuid.UUID, outcome URLOutcome) error
	// SetURLDetails records operator-derived name and description.
	SetURLDetails(ctx context.Context, urlID uuid.UUID, name, description string) error
	// CountEarlierURLsWithHash counts URLs sharing a content hash that were
	// ingested before the given URL. The first copy of a document sees zero
	// matches and stays eligible downstream.
	CountEarlierURLsWithHash(ctx context.Context, hash string, urlID uuid.UUID) (int, error)

	// CreateTask inserts a task row in IN_PROCESS status.
	CreateTask(ctx context.Context, task Task) error
	// RecordTaskOutcome writes the task's terminal status and message.
	RecordTaskOutcome(ctx context.Context, taskID uuid.UUID, status TaskStatus, message string) error
	// GetTask fetches a task by id, returning ErrNotFound when absent.
	GetTask(ctx context.Context, taskID uuid.UUID) (Task, error)
	// LinkURLsToTask associates every attempted URL with the task.
	LinkURLsToTask(ctx context.Context, taskID uuid.UUID, urlIDs []uuid.UUID) error
	// RecordURLErrors stores per-URL failure notes for a task. Result and
	// error writes for one task are one atomic unit with the links.
	RecordURLErrors(ctx context.Context, taskID uuid.UUID, urlErrors []URLError) error

	// UpsertAutoSuggestion writes the single automatic suggestion slot for a
	// (URL, kind) pair, replacing any prior automatic opinion.
	UpsertAutoSuggestion(ctx context.Context, s Suggestion) error
	// AddUserSuggestion writes a user's suggestion, replacing only that
	// user's prior opinion of the same kind.
	AddUserSuggestion(ctx context.Context, s Suggestion) error
}

// BlobStore persists raw fetched documents out-of-line and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	GetObject(ctx context.Context, uri string) ([]byte, error)
}

// LogSink consumes free-form progress lines from a strategy run. Lines are a
// side channel for operators and are not part of the orchestration contract.
type LogSink interface {
	Log(line string)
}

// Strategy is one ingestion implementation (a search, a crawl-index pull, a
// catalog pull). Run must observe ctx cancellation at every network call or
// sleep; a cancelled run returns ctx.Err() and no URLs are persisted for it.
type Strategy interface {
	Name() string
	Run(ctx context.Context, params map[string]any, sink LogSink) ([]DiscoveredURL, error)
}

// Notifier delivers operator alerts, used by the scheduler's repeat valve.
type Notifier interface {
	Alert(ctx context.Context, message string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces batch and task IDs (UUIDs).
type IDGenerator interface {
	NewRawID() (uuid.UUID, error)
}
