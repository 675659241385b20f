package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/civicdata/source-identification/internal/pipeline"
)

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *URLStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewURLStoreWithDB(mock)
}

func TestCreateBatchInsertsRow(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	batch := pipeline.Batch{
		ID:         uuid.New(),
		Strategy:   "crawl",
		UserID:     "user-1",
		Status:     pipeline.BatchStatusPending,
		Parameters: map[string]any{"root_url": "https://example.gov"},
		CreatedAt:  now,
	}

	mock.ExpectExec("INSERT INTO batches").
		WithArgs(batch.ID, batch.Strategy, batch.UserID, batch.Status, pgxmock.AnyArg(), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateBatch(context.Background(), batch))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkBatchRunningRefusesTerminalBatch(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	batchID := uuid.New()

	mock.ExpectExec("UPDATE batches SET status").
		WithArgs(
			pipeline.BatchStatusRunning, batchID,
			pipeline.BatchStatusReadyToLabel, pipeline.BatchStatusError, pipeline.BatchStatusAborted,
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM batches").
		WithArgs(batchID).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(pipeline.BatchStatusAborted))

	err := store.MarkBatchRunning(context.Background(), batchID)
	require.ErrorIs(t, err, pipeline.ErrTerminalState)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkBatchRunningUnknownBatch(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	batchID := uuid.New()

	mock.ExpectExec("UPDATE batches SET status").
		WithArgs(
			pipeline.BatchStatusRunning, batchID,
			pipeline.BatchStatusReadyToLabel, pipeline.BatchStatusError, pipeline.BatchStatusAborted,
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM batches").
		WithArgs(batchID).
		WillReturnError(pgx.ErrNoRows)

	err := store.MarkBatchRunning(context.Background(), batchID)
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeBatchWritesTerminalOutcome(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	batchID := uuid.New()
	counts := pipeline.URLCounts{Total: 3, Original: 2, Duplicate: 1}

	mock.ExpectExec("UPDATE batches").
		WithArgs(
			pipeline.BatchStatusReadyToLabel, "",
			counts.Total, counts.Original, counts.Duplicate,
			int64(1500), batchID,
			pipeline.BatchStatusReadyToLabel, pipeline.BatchStatusError, pipeline.BatchStatusAborted,
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.FinalizeBatch(
		context.Background(), batchID,
		pipeline.BatchStatusReadyToLabel, "", counts, 1500*time.Millisecond,
	)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertURLsRecordsDuplicateInsideOneTx(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	batchID := uuid.New()
	originalID := uuid.New()
	insertedID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO urls").
		WithArgs(pgxmock.AnyArg(), batchID, "https://example.gov/a", pgxmock.AnyArg(), pipeline.URLOutcomePending).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(insertedID))
	mock.ExpectQuery("INSERT INTO urls").
		WithArgs(pgxmock.AnyArg(), batchID, "https://example.gov/a", pgxmock.AnyArg(), pipeline.URLOutcomePending).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT id FROM urls").
		WithArgs("https://example.gov/a").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(originalID))
	mock.ExpectExec("INSERT INTO url_duplicates").
		WithArgs(batchID, originalID).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	result, err := store.InsertURLs(context.Background(), batchID, []pipeline.URLCandidate{
		{URL: "https://example.gov/a"},
		{URL: "https://example.gov/a"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.OriginalCount)
	require.Equal(t, 1, result.DuplicateCount)
	require.Equal(t, insertedID, result.Inserted[0].ID)
	require.Equal(t, originalID, result.Duplicates[0].OriginalURLID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEligibleURLsScansNullableColumns(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	urlID := uuid.New()
	batchID := uuid.New()
	now := time.Unix(1700000000, 0).UTC()

	columns := []string{
		"id", "batch_id", "url", "metadata", "outcome",
		"name", "description", "final_record_type", "relevant",
		"html_blob_uri", "content_hash", "created_at",
	}
	mock.ExpectQuery("SELECT u.id, u.batch_id").
		WithArgs(pipeline.TaskHTMLFetch, 10).
		WillReturnRows(pgxmock.NewRows(columns).AddRow(
			urlID, batchID, "https://example.gov/a", []byte(`{"title":"Records"}`), pipeline.URLOutcomePending,
			nil, nil, nil, nil,
			nil, nil, now,
		))

	urls, err := store.GetEligibleURLs(context.Background(), pipeline.TaskHTMLFetch, 10)
	require.NoError(t, err)
	require.Len(t, urls, 1)

	rec := urls[0]
	require.Equal(t, urlID, rec.ID)
	require.Equal(t, "https://example.gov/a", rec.URL)
	require.Equal(t, map[string]any{"title": "Records"}, rec.Metadata)
	require.Empty(t, rec.Name)
	require.Nil(t, rec.Relevant)
	require.Empty(t, rec.HTMLBlobURI)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEligibleURLsRejectsUnknownStage(t *testing.T) {
	t.Parallel()

	_, store := newMockStore(t)
	_, err := store.GetEligibleURLs(context.Background(), pipeline.TaskType("unheard_of"), 10)
	require.Error(t, err)
}

func TestLinkURLsToTaskUsesOneTransaction(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	taskID := uuid.New()
	first := uuid.New()
	second := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO url_task_links").
		WithArgs(taskID, first).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO url_task_links").
		WithArgs(taskID, second).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := store.LinkURLsToTask(context.Background(), taskID, []uuid.UUID{first, second})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordURLErrorsRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	taskID := uuid.New()
	urlID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO url_errors").
		WithArgs(taskID, urlID, "fetch failed").
		WillReturnError(pgx.ErrTxClosed)
	mock.ExpectRollback()

	err := store.RecordURLErrors(context.Background(), taskID, []pipeline.URLError{
		{URLID: urlID, Error: "fetch failed"},
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountEarlierURLsWithHashExcludesLaterRows(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	urlID := uuid.New()

	mock.ExpectQuery("SELECT count").
		WithArgs("samehash", urlID).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))

	n, err := store.CountEarlierURLsWithHash(context.Background(), "samehash", urlID)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTaskNotFound(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	taskID := uuid.New()

	mock.ExpectQuery("SELECT id, type, status").
		WithArgs(taskID).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetTask(context.Background(), taskID)
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertAutoSuggestion(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	urlID := uuid.New()

	mock.ExpectExec("INSERT INTO auto_suggestions").
		WithArgs(urlID, pipeline.SuggestionRecordType, "court_records", 0.9).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.UpsertAutoSuggestion(context.Background(), pipeline.Suggestion{
		URLID:      urlID,
		Kind:       pipeline.SuggestionRecordType,
		Value:      "court_records",
		Confidence: 0.9,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddUserSuggestionScopesToUser(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	urlID := uuid.New()

	mock.ExpectExec("INSERT INTO user_suggestions").
		WithArgs(urlID, pipeline.SuggestionRelevance, "reviewer-7", "true", 1.0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.AddUserSuggestion(context.Background(), pipeline.Suggestion{
		URLID:      urlID,
		Kind:       pipeline.SuggestionRelevance,
		Value:      "true",
		Confidence: 1.0,
		UserID:     "reviewer-7",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
