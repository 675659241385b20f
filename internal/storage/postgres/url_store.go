// Package postgres provides the Postgres-backed URL store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/civicdata/source-identification/internal/pipeline"
)

// DB is the subset of pgxpool.Pool the store needs; pgxmock satisfies it in
// tests.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// URLStore implements pipeline.URLStore on Postgres.
type URLStore struct {
	db DB
}

// NewURLStore connects a pool and wraps it in a URLStore.
func NewURLStore(ctx context.Context, dsn string) (*URLStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &URLStore{db: pool}, nil
}

// NewURLStoreWithDB wraps an existing connection; used by tests.
func NewURLStoreWithDB(db DB) *URLStore {
	return &URLStore{db: db}
}

// Close releases the underlying pool.
func (s *URLStore) Close() {
	s.db.Close()
}

// withTx runs fn inside a transaction that commits on success and rolls
// back on every other exit path, including panics.
func (s *URLStore) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// CreateBatch inserts a new batch row.
func (s *URLStore) CreateBatch(ctx context.Context, batch pipeline.Batch) error {
	params, err := json.Marshal(batch.Parameters)
	if err != nil {
		return fmt.Errorf("marshal batch parameters: %w", err)
	}
	query := `
		INSERT INTO batches (id, strategy, user_id, status, parameters, created_at)
		VALUES ($1, $2, $3, $4, $5, $6);
	`
	_, err = s.db.Exec(ctx, query,
		batch.ID, batch.Strategy, batch.UserID, batch.Status, params, batch.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// MarkBatchRunning transitions a batch to RUNNING unless it is terminal.
func (s *URLStore) MarkBatchRunning(ctx context.Context, batchID uuid.UUID) error {
	query := `
		UPDATE batches SET status = $1
		WHERE id = $2 AND status NOT IN ($3, $4, $5);
	`
	tag, err := s.db.Exec(ctx, query,
		pipeline.BatchStatusRunning, batchID,
		pipeline.BatchStatusReadyToLabel, pipeline.BatchStatusError, pipeline.BatchStatusAborted)
	if err != nil {
		return fmt.Errorf("mark batch running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.batchConflict(ctx, batchID)
	}
	return nil
}

// FinalizeBatch writes the terminal outcome for a batch exactly once.
func (s *URLStore) FinalizeBatch(
	ctx context.Context,
	batchID uuid.UUID,
	status pipeline.BatchStatus,
	errText string,
	counts pipeline.URLCounts,
	computeDuration time.Duration,
) error {
	query := `
		UPDATE batches
		SET status = $1, error_text = $2,
			total_url_count = $3, original_url_count = $4, duplicate_url_count = $5,
			compute_duration_ms = $6
		WHERE id = $7 AND status NOT IN ($8, $9, $10);
	`
	tag, err := s.db.Exec(ctx, query,
		status, errText,
		counts.Total, counts.Original, counts.Duplicate,
		computeDuration.Milliseconds(), batchID,
		pipeline.BatchStatusReadyToLabel, pipeline.BatchStatusError, pipeline.BatchStatusAborted)
	if err != nil {
		return fmt.Errorf("finalize batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.batchConflict(ctx, batchID)
	}
	return nil
}

// batchConflict distinguishes a missing batch from a terminal one after a
// guarded update touched no rows.
func (s *URLStore) batchConflict(ctx context.Context, batchID uuid.UUID) error {
	var status pipeline.BatchStatus
	err := s.db.QueryRow(ctx, `SELECT status FROM batches WHERE id = $1;`, batchID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check batch status: %w", err)
	}
	return pipeline.ErrTerminalState
}

// GetBatch fetches a batch by id.
func (s *URLStore) GetBatch(ctx context.Context, batchID uuid.UUID) (pipeline.Batch, error) {
	query := `
		SELECT id, strategy, user_id, status, parameters,
			total_url_count, original_url_count, duplicate_url_count,
			compute_duration_ms, error_text, created_at
		FROM batches WHERE id = $1;
	`
	var (
		batch      pipeline.Batch
		params     []byte
		durationMs int64
		errText    *string
	)
	err := s.db.QueryRow(ctx, query, batchID).Scan(
		&batch.ID, &batch.Strategy, &batch.UserID, &batch.Status, &params,
		&batch.TotalURLCount, &batch.OriginalURLCount, &batch.DuplicateURLCount,
		&durationMs, &errText, &batch.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Batch{}, pipeline.ErrNotFound
	}
	if err != nil {
		return pipeline.Batch{}, fmt.Errorf("get batch: %w", err)
	}
	batch.ComputeDuration = time.Duration(durationMs) * time.Millisecond
	if errText != nil {
		batch.ErrorText = *errText
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &batch.Parameters); err != nil {
			return pipeline.Batch{}, fmt.Errorf("unmarshal batch parameters: %w", err)
		}
	}
	return batch, nil
}

// ReconcileStaleBatches flips batches left RUNNING by a dead process to
// ABORTED.
func (s *URLStore) ReconcileStaleBatches(ctx context.Context) (int, error) {
	query := `
		UPDATE batches SET status = $1, error_text = $2
		WHERE status = $3;
	`
	tag, err := s.db.Exec(ctx, query,
		pipeline.BatchStatusAborted, "aborted at process restart", pipeline.BatchStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("reconcile stale batches: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// InsertURLs inserts candidates for a batch inside one transaction,
// deduplicating on the unique URL string. A collision records a duplicate
// row pointing at the original instead of a second URL row.
func (s *URLStore) InsertURLs(
	ctx context.Context,
	batchID uuid.UUID,
	candidates []pipeline.URLCandidate,
) (pipeline.InsertResult, error) {
	var result pipeline.InsertResult
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		insertURL := `
			INSERT INTO urls (id, batch_id, url, metadata, outcome, created_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (url) DO NOTHING
			RETURNING id;
		`
		selectOriginal := `SELECT id FROM urls WHERE url = $1;`
		insertDuplicate := `
			INSERT INTO url_duplicates (batch_id, original_url_id, created_at)
			VALUES ($1, $2, now());
		`
		for _, cand := range candidates {
			meta, err := json.Marshal(cand.Metadata)
			if err != nil {
				return fmt.Errorf("marshal url metadata: %w", err)
			}

			id := uuid.New()
			var insertedID uuid.UUID
			err = tx.QueryRow(ctx, insertURL,
				id, batchID, cand.URL, meta, pipeline.URLOutcomePending).Scan(&insertedID)
			switch {
			case errors.Is(err, pgx.ErrNoRows):
				var originalID uuid.UUID
				if err := tx.QueryRow(ctx, selectOriginal, cand.URL).Scan(&originalID); err != nil {
					return fmt.Errorf("lookup original url: %w", err)
				}
				if _, err := tx.Exec(ctx, insertDuplicate, batchID, originalID); err != nil {
					return fmt.Errorf("insert duplicate record: %w", err)
				}
				result.Duplicates = append(result.Duplicates, pipeline.DuplicateInfo{
					BatchID:       batchID,
					OriginalURLID: originalID,
					URL:           cand.URL,
				})
				result.DuplicateCount++
			case err != nil:
				return fmt.Errorf("insert url: %w", err)
			default:
				result.Inserted = append(result.Inserted, pipeline.URLMapping{
					ID:  insertedID,
					URL: cand.URL,
				})
				result.OriginalCount++
			}
		}
		return nil
	})
	if err != nil {
		return pipeline.InsertResult{}, err
	}
	return result, nil
}

const eligibleBase = `
	SELECT u.id, u.batch_id, u.url, u.metadata, u.outcome,
		u.name, u.description, u.final_record_type, u.relevant,
		u.html_blob_uri, u.content_hash, u.created_at
	FROM urls u
	WHERE %s
	AND NOT EXISTS (
		SELECT 1 FROM url_task_links l
		JOIN tasks t ON t.id = l.task_id
		WHERE l.url_id = u.id AND t.type = $1
	)
	ORDER BY u.created_at
	LIMIT $2;
`

// stagePredicate returns the readiness condition for a stage. URLs already
// linked to a task of the stage are excluded by the shared NOT EXISTS.
func stagePredicate(stage pipeline.TaskType) (string, error) {
	switch stage {
	case pipeline.TaskHTMLFetch:
		return `u.outcome = 'pending' AND u.html_blob_uri IS NULL`, nil
	case pipeline.TaskRelevance:
		return classifyPredicate(pipeline.SuggestionRelevance), nil
	case pipeline.TaskRecordType:
		return classifyPredicate(pipeline.SuggestionRecordType), nil
	case pipeline.TaskAgency:
		return classifyPredicate(pipeline.SuggestionAgency), nil
	case pipeline.TaskMiscMetadata:
		return `u.outcome = 'pending' AND u.html_blob_uri IS NOT NULL AND u.name IS NULL`, nil
	case pipeline.TaskDuplicateCheck:
		return `u.outcome = 'pending' AND u.content_hash IS NOT NULL`, nil
	case pipeline.TaskSubmission:
		return `u.outcome = 'pending' AND u.relevant IS TRUE AND u.final_record_type IS NOT NULL`, nil
	default:
		return "", fmt.Errorf("unknown stage: %s", stage)
	}
}

func classifyPredicate(kind pipeline.SuggestionKind) string {
	return fmt.Sprintf(
		`u.outcome = 'pending' AND u.html_blob_uri IS NOT NULL
		AND NOT EXISTS (SELECT 1 FROM auto_suggestions s WHERE s.url_id = u.id AND s.kind = '%s')`,
		kind,
	)
}

// GetEligibleURLs returns up to pageSize URLs eligible for the stage.
func (s *URLStore) GetEligibleURLs(
	ctx context.Context,
	stage pipeline.TaskType,
	pageSize int,
) ([]pipeline.URLRecord, error) {
	predicate, err := stagePredicate(stage)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(eligibleBase, predicate)

	rows, err := s.db.Query(ctx, query, stage, pageSize)
	if err != nil {
		return nil, fmt.Errorf("query eligible urls: %w", err)
	}
	defer rows.Close()

	var out []pipeline.URLRecord
	for rows.Next() {
		rec, err := scanURLRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate eligible urls: %w", err)
	}
	return out, nil
}

func scanURLRecord(row pgx.Row) (pipeline.URLRecord, error) {
	var (
		rec                    pipeline.URLRecord
		meta                   []byte
		name, description, frt *string
		blobURI, contentHash   *string
	)
	err := row.Scan(
		&rec.ID, &rec.BatchID, &rec.URL, &meta, &rec.Outcome,
		&name, &description, &frt, &rec.Relevant,
		&blobURI, &contentHash, &rec.CreatedAt,
	)
	if err != nil {
		return pipeline.URLRecord{}, fmt.Errorf("scan url row: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return pipeline.URLRecord{}, fmt.Errorf("unmarshal url metadata: %w", err)
		}
	}
	if name != nil {
		rec.Name = *name
	}
	if description != nil {
		rec.Description = *description
	}
	if frt != nil {
		rec.FinalRecordType = *frt
	}
	if blobURI != nil {
		rec.HTMLBlobURI = *blobURI
	}
	if contentHash != nil {
		rec.ContentHash = *contentHash
	}
	return rec, nil
}

// SetURLDocument records where a URL's fetched HTML lives.
func (s *URLStore) SetURLDocument(ctx context.Context, urlID uuid.UUID, blobURI, contentHash string) error {
	query := `UPDATE urls SET html_blob_uri = $1, content_hash = $2 WHERE id = $3;`
	tag, err := s.db.Exec(ctx, query, blobURI, contentHash, urlID)
	if err != nil {
		return fmt.Errorf("set url document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// SetURLOutcome updates the coarse review state of a URL.
func (s *URLStore) SetURLOutcome(ctx context.Context, urlID uuid.UUID, outcome pipeline.URLOutcome) error {
	query := `UPDATE urls SET outcome = $1 WHERE id = $2;`
	tag, err := s.db.Exec(ctx, query, outcome, urlID)
	if err != nil {
		return fmt.Errorf("set url outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// SetURLDetails records operator-derived name and description.
func (s *URLStore) SetURLDetails(ctx context.Context, urlID uuid.UUID, name, description string) error {
	query := `UPDATE urls SET name = $1, description = $2 WHERE id = $3;`
	tag, err := s.db.Exec(ctx, query, name, description, urlID)
	if err != nil {
		return fmt.Errorf("set url details: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// CountEarlierURLsWithHash counts URLs sharing a content hash that were
// ingested before the given URL. Ties on created_at break on id so the
// surviving copy is deterministic.
func (s *URLStore) CountEarlierURLsWithHash(ctx context.Context, hash string, urlID uuid.UUID) (int, error) {
	query := `
		SELECT count(*) FROM urls
		WHERE content_hash = $1
		  AND (created_at, id) < (SELECT created_at, id FROM urls WHERE id = $2);`
	var n int
	if err := s.db.QueryRow(ctx, query, hash, urlID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count earlier urls with hash: %w", err)
	}
	return n, nil
}

// CreateTask inserts a task row.
func (s *URLStore) CreateTask(ctx context.Context, task pipeline.Task) error {
	query := `INSERT INTO tasks (id, type, status, created_at) VALUES ($1, $2, $3, $4);`
	_, err := s.db.Exec(ctx, query, task.ID, task.Type, task.Status, task.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// RecordTaskOutcome writes the task's terminal status and message.
func (s *URLStore) RecordTaskOutcome(
	ctx context.Context,
	taskID uuid.UUID,
	status pipeline.TaskStatus,
	message string,
) error {
	query := `UPDATE tasks SET status = $1, error_text = $2 WHERE id = $3;`
	tag, err := s.db.Exec(ctx, query, status, message, taskID)
	if err != nil {
		return fmt.Errorf("record task outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// GetTask fetches a task by id.
func (s *URLStore) GetTask(ctx context.Context, taskID uuid.UUID) (pipeline.Task, error) {
	query := `SELECT id, type, status, error_text, created_at FROM tasks WHERE id = $1;`
	var (
		task    pipeline.Task
		errText *string
	)
	err := s.db.QueryRow(ctx, query, taskID).Scan(
		&task.ID, &task.Type, &task.Status, &errText, &task.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Task{}, pipeline.ErrNotFound
	}
	if err != nil {
		return pipeline.Task{}, fmt.Errorf("get task: %w", err)
	}
	if errText != nil {
		task.ErrorText = *errText
	}
	return task, nil
}

// LinkURLsToTask associates every attempted URL with the task in one
// transaction.
func (s *URLStore) LinkURLsToTask(ctx context.Context, taskID uuid.UUID, urlIDs []uuid.UUID) error {
	if len(urlIDs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		query := `INSERT INTO url_task_links (task_id, url_id) VALUES ($1, $2);`
		for _, urlID := range urlIDs {
			if _, err := tx.Exec(ctx, query, taskID, urlID); err != nil {
				return fmt.Errorf("insert task link: %w", err)
			}
		}
		return nil
	})
}

// RecordURLErrors stores per-URL failure notes for a task in one
// transaction.
func (s *URLStore) RecordURLErrors(ctx context.Context, taskID uuid.UUID, urlErrors []pipeline.URLError) error {
	if len(urlErrors) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		query := `INSERT INTO url_errors (task_id, url_id, error, created_at) VALUES ($1, $2, $3, now());`
		for _, urlErr := range urlErrors {
			if _, err := tx.Exec(ctx, query, taskID, urlErr.URLID, urlErr.Error); err != nil {
				return fmt.Errorf("insert url error: %w", err)
			}
		}
		return nil
	})
}

// UpsertAutoSuggestion writes the single automatic suggestion slot for a
// (URL, kind) pair.
func (s *URLStore) UpsertAutoSuggestion(ctx context.Context, suggestion pipeline.Suggestion) error {
	query := `
		INSERT INTO auto_suggestions (url_id, kind, value, confidence, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (url_id, kind) DO UPDATE
		SET value = EXCLUDED.value, confidence = EXCLUDED.confidence;
	`
	_, err := s.db.Exec(ctx, query,
		suggestion.URLID, suggestion.Kind, suggestion.Value, suggestion.Confidence)
	if err != nil {
		return fmt.Errorf("upsert auto suggestion: %w", err)
	}
	return nil
}

// AddUserSuggestion writes a user's suggestion, replacing only that user's
// prior opinion of the same kind.
func (s *URLStore) AddUserSuggestion(ctx context.Context, suggestion pipeline.Suggestion) error {
	query := `
		INSERT INTO user_suggestions (url_id, kind, user_id, value, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (url_id, kind, user_id) DO UPDATE
		SET value = EXCLUDED.value, confidence = EXCLUDED.confidence;
	`
	_, err := s.db.Exec(ctx, query,
		suggestion.URLID, suggestion.Kind, suggestion.UserID, suggestion.Value, suggestion.Confidence)
	if err != nil {
		return fmt.Errorf("add user suggestion: %w", err)
	}
	return nil
}
