package operator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/civicdata/source-identification/internal/classify"
	"github.com/civicdata/source-identification/internal/fetch"
	"github.com/civicdata/source-identification/internal/pipeline"
	"github.com/civicdata/source-identification/internal/storage/memory"
)

type fakeFetcher struct {
	mu     sync.Mutex
	bodies map[string][]byte
	errs   map[string]error
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string) (fetch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[rawURL]; ok {
		return fetch.Result{}, err
	}
	body, ok := f.bodies[rawURL]
	if !ok {
		return fetch.Result{}, fmt.Errorf("no canned body for %s", rawURL)
	}
	return fetch.Result{Body: body, StatusCode: http.StatusOK}, nil
}

type fakeClassifier struct {
	mu          sync.Mutex
	predictions map[string]classify.Prediction
	err         error
	calls       int
}

func (c *fakeClassifier) Classify(_ context.Context, kind string, input classify.Input) (classify.Prediction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return classify.Prediction{}, c.err
	}
	pred, ok := c.predictions[kind+"|"+input.URL]
	if !ok {
		return classify.Prediction{Label: "unknown", Confidence: 0.1}, nil
	}
	return pred, nil
}

func seedURLs(t *testing.T, store *memory.URLStore, urls ...string) (uuid.UUID, []uuid.UUID) {
	t.Helper()
	batchID := uuid.New()
	require.NoError(t, store.CreateBatch(context.Background(), pipeline.Batch{
		ID:     batchID,
		Status: pipeline.BatchStatusReadyToLabel,
	}))
	candidates := make([]pipeline.URLCandidate, 0, len(urls))
	for _, u := range urls {
		candidates = append(candidates, pipeline.URLCandidate{URL: u})
	}
	result, err := store.InsertURLs(context.Background(), batchID, candidates)
	require.NoError(t, err)
	ids := make([]uuid.UUID, 0, len(result.Inserted))
	for _, m := range result.Inserted {
		ids = append(ids, m.ID)
	}
	return batchID, ids
}

func newTask(t *testing.T, store *memory.URLStore, taskType pipeline.TaskType) uuid.UUID {
	t.Helper()
	taskID := uuid.New()
	require.NoError(t, store.CreateTask(context.Background(), pipeline.Task{
		ID:        taskID,
		Type:      taskType,
		Status:    pipeline.TaskStatusInProcess,
		CreatedAt: time.Now().UTC(),
	}))
	return taskID
}

func TestHTMLFetchStoresDocumentAndHash(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewURLStore()
	blobs := memory.NewBlobStore()
	_, ids := seedURLs(t, store, "https://example.gov/a")

	body := []byte("<html><body>records</body></html>")
	fetcher := &fakeFetcher{bodies: map[string][]byte{"https://example.gov/a": body}}

	op := NewHTMLFetch(store, fetcher, blobs, "pages", "", Config{}, zap.NewNop())
	taskID := newTask(t, store, op.Type())

	runnable, err := op.MeetsPrerequisites(ctx)
	require.NoError(t, err)
	require.True(t, runnable)

	result, err := op.RunOnce(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, 1, result.Succeeded)
	require.Zero(t, result.Failed)

	rec, ok := store.GetURL(ids[0])
	require.True(t, ok)
	sum := sha256.Sum256(body)
	require.Equal(t, hex.EncodeToString(sum[:]), rec.ContentHash)
	require.NotEmpty(t, rec.HTMLBlobURI)

	stored, err := blobs.GetObject(ctx, rec.HTMLBlobURI)
	require.NoError(t, err)
	require.Equal(t, body, stored)

	// The fetched URL left the stage.
	runnable, err = op.MeetsPrerequisites(ctx)
	require.NoError(t, err)
	require.False(t, runnable)
}

func TestHTMLFetchIsolatesPerURLFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewURLStore()
	blobs := memory.NewBlobStore()
	_, ids := seedURLs(t, store, "https://example.gov/good", "https://example.gov/bad")

	fetcher := &fakeFetcher{
		bodies: map[string][]byte{"https://example.gov/good": []byte("<html></html>")},
		errs:   map[string]error{"https://example.gov/bad": errors.New("connection refused")},
	}

	op := NewHTMLFetch(store, fetcher, blobs, "pages", "", Config{}, zap.NewNop())
	taskID := newTask(t, store, op.Type())

	result, err := op.RunOnce(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, 1, result.Succeeded)
	require.Equal(t, 1, result.Failed)

	// Both URLs link to the task; only the failed one has an error row.
	require.ElementsMatch(t, ids, store.LinkedURLs(taskID))
	urlErrs := store.URLErrors(taskID)
	require.Len(t, urlErrs, 1)
	require.Contains(t, urlErrs[0].Error, "connection refused")

	// The failed URL is not re-eligible for the stage.
	runnable, err := op.MeetsPrerequisites(ctx)
	require.NoError(t, err)
	require.False(t, runnable)
}

func TestHTMLFetchConfinesPanicToURL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewURLStore()
	_, _ = seedURLs(t, store, "https://example.gov/a")

	op := NewHTMLFetch(store, panicFetcher{}, memory.NewBlobStore(), "pages", "", Config{}, zap.NewNop())
	taskID := newTask(t, store, op.Type())

	result, err := op.RunOnce(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)
	urlErrs := store.URLErrors(taskID)
	require.Len(t, urlErrs, 1)
	require.Contains(t, urlErrs[0].Error, "stage panic")
}

type panicFetcher struct{}

func (panicFetcher) Fetch(context.Context, string) (fetch.Result, error) {
	panic("fetcher exploded")
}

func TestClassifyOperatorWritesAutoSuggestion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewURLStore()
	_, ids := seedURLs(t, store, "https://example.gov/a")
	require.NoError(t, store.SetURLDocument(ctx, ids[0], "memory://pages/x", "x"))

	client := &fakeClassifier{predictions: map[string]classify.Prediction{
		"record_type|https://example.gov/a": {Label: "court_records", Confidence: 0.87},
	}}
	op := NewRecordType(store, client, Config{}, zap.NewNop())
	taskID := newTask(t, store, op.Type())

	result, err := op.RunOnce(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, 1, result.Succeeded)

	got, ok := store.AutoSuggestion(ids[0], pipeline.SuggestionRecordType)
	require.True(t, ok)
	require.Equal(t, "court_records", got.Value)
	require.InDelta(t, 0.87, got.Confidence, 1e-9)
	require.Empty(t, got.UserID)

	// The scored URL left the stage but is still relevant-classifiable.
	runnable, err := op.MeetsPrerequisites(ctx)
	require.NoError(t, err)
	require.False(t, runnable)
	relevanceOp := NewRelevance(store, client, Config{}, zap.NewNop())
	runnable, err = relevanceOp.MeetsPrerequisites(ctx)
	require.NoError(t, err)
	require.True(t, runnable)
}

func TestClassifyOperatorRecordsModelFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewURLStore()
	_, ids := seedURLs(t, store, "https://example.gov/a")
	require.NoError(t, store.SetURLDocument(ctx, ids[0], "memory://pages/x", "x"))

	client := &fakeClassifier{err: errors.New("model timeout")}
	op := NewRelevance(store, client, Config{}, zap.NewNop())
	taskID := newTask(t, store, op.Type())

	result, err := op.RunOnce(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)
	urlErrs := store.URLErrors(taskID)
	require.Len(t, urlErrs, 1)
	require.Contains(t, urlErrs[0].Error, "model timeout")
}

func TestMiscMetadataExtractsTitleAndDescription(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewURLStore()
	blobs := memory.NewBlobStore()
	_, ids := seedURLs(t, store, "https://example.gov/a")

	html := `<html><head>
		<title> County Court Records </title>
		<meta name="description" content="Search court records by case number.">
	</head><body></body></html>`
	uri, err := blobs.PutObject(ctx, "pages/x.html", "text/html", []byte(html))
	require.NoError(t, err)
	require.NoError(t, store.SetURLDocument(ctx, ids[0], uri, "x"))

	op := NewMiscMetadata(store, blobs, Config{}, zap.NewNop())
	taskID := newTask(t, store, op.Type())

	result, err := op.RunOnce(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, 1, result.Succeeded)

	rec, ok := store.GetURL(ids[0])
	require.True(t, ok)
	require.Equal(t, "County Court Records", rec.Name)
	require.Equal(t, "Search court records by case number.", rec.Description)
}

func TestMiscMetadataTruncatesDescriptionOnRuneBoundary(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewURLStore()
	blobs := memory.NewBlobStore()
	_, ids := seedURLs(t, store, "https://example.gov/a")

	// 200 three-byte runes; the 500-byte cap falls mid-rune.
	long := strings.Repeat("€", 200)
	html := `<html><head>
		<title>Archive</title>
		<meta name="description" content="` + long + `">
	</head><body></body></html>`
	uri, err := blobs.PutObject(ctx, "pages/z.html", "text/html", []byte(html))
	require.NoError(t, err)
	require.NoError(t, store.SetURLDocument(ctx, ids[0], uri, "z"))

	op := NewMiscMetadata(store, blobs, Config{}, zap.NewNop())
	_, err = op.RunOnce(ctx, newTask(t, store, op.Type()))
	require.NoError(t, err)

	rec, ok := store.GetURL(ids[0])
	require.True(t, ok)
	require.True(t, utf8.ValidString(rec.Description))
	require.LessOrEqual(t, len(rec.Description), 500)
	require.Equal(t, strings.Repeat("€", 166), rec.Description)
}

func TestMiscMetadataFallsBackToURLForName(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewURLStore()
	blobs := memory.NewBlobStore()
	_, ids := seedURLs(t, store, "https://example.gov/untitled")

	uri, err := blobs.PutObject(ctx, "pages/y.html", "text/html", []byte("<html><body>no head</body></html>"))
	require.NoError(t, err)
	require.NoError(t, store.SetURLDocument(ctx, ids[0], uri, "y"))

	op := NewMiscMetadata(store, blobs, Config{}, zap.NewNop())
	_, err = op.RunOnce(ctx, newTask(t, store, op.Type()))
	require.NoError(t, err)

	rec, ok := store.GetURL(ids[0])
	require.True(t, ok)
	require.Equal(t, "https://example.gov/untitled", rec.Name)
}

func TestDuplicateCheckFlagsOnlyLaterCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewURLStore()
	_, ids := seedURLs(t, store,
		"https://example.gov/a", "https://mirror.example.gov/a", "https://copy.example.gov/a", "https://example.gov/b")

	require.NoError(t, store.SetURLDocument(ctx, ids[0], "memory://pages/1", "samehash"))
	require.NoError(t, store.SetURLDocument(ctx, ids[1], "memory://pages/2", "samehash"))
	require.NoError(t, store.SetURLDocument(ctx, ids[2], "memory://pages/3", "samehash"))
	require.NoError(t, store.SetURLDocument(ctx, ids[3], "memory://pages/4", "otherhash"))

	op := NewDuplicateCheck(store, Config{}, zap.NewNop())
	result, err := op.RunOnce(ctx, newTask(t, store, op.Type()))
	require.NoError(t, err)
	require.Equal(t, 4, result.Succeeded)

	// The earliest copy of the mirrored document survives; only the later
	// copies are flagged, so the document can still reach submission.
	first, ok := store.GetURL(ids[0])
	require.True(t, ok)
	require.Equal(t, pipeline.URLOutcomePending, first.Outcome)

	for _, id := range ids[1:3] {
		rec, ok := store.GetURL(id)
		require.True(t, ok)
		require.Equal(t, pipeline.URLOutcomeDuplicate, rec.Outcome)
	}
	unique, ok := store.GetURL(ids[3])
	require.True(t, ok)
	require.Equal(t, pipeline.URLOutcomePending, unique.Outcome)
}

func TestDuplicateCheckKeepsSurvivorSubmissionEligible(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewURLStore()
	_, ids := seedURLs(t, store, "https://example.gov/a", "https://mirror.example.gov/a")
	require.NoError(t, store.SetURLDocument(ctx, ids[0], "memory://pages/1", "samehash"))
	require.NoError(t, store.SetURLDocument(ctx, ids[1], "memory://pages/2", "samehash"))

	op := NewDuplicateCheck(store, Config{}, zap.NewNop())
	_, err := op.RunOnce(ctx, newTask(t, store, op.Type()))
	require.NoError(t, err)

	markReviewed(t, store, ids[0], "court_records")
	markReviewed(t, store, ids[1], "court_records")

	eligible, err := store.GetEligibleURLs(ctx, pipeline.TaskSubmission, 10)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	require.Equal(t, ids[0], eligible[0].ID)
}

func TestSubmissionPostsApprovedURLs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewURLStore()
	_, ids := seedURLs(t, store, "https://example.gov/records")
	require.NoError(t, store.SetURLDocument(ctx, ids[0], "memory://pages/x", "x"))
	require.NoError(t, store.SetURLDetails(ctx, ids[0], "Records Portal", "County records search"))
	markReviewed(t, store, ids[0], "court_records")

	var (
		mu       sync.Mutex
		payloads []map[string]any
		auth     string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		payloads = append(payloads, body)
		auth = r.Header.Get("Authorization")
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	op := NewSubmission(store, SubmitConfig{Endpoint: srv.URL, APIKey: "secret"}, Config{}, zap.NewNop())
	result, err := op.RunOnce(ctx, newTask(t, store, op.Type()))
	require.NoError(t, err)
	require.Equal(t, 1, result.Succeeded)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, payloads, 1)
	require.Equal(t, "https://example.gov/records", payloads[0]["url"])
	require.Equal(t, "Records Portal", payloads[0]["name"])
	require.Equal(t, "court_records", payloads[0]["record_type"])
	require.Equal(t, "Bearer secret", auth)

	rec, ok := store.GetURL(ids[0])
	require.True(t, ok)
	require.Equal(t, pipeline.URLOutcomeSubmitted, rec.Outcome)
}

func TestSubmissionRejectedByEndpointRecordsError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewURLStore()
	_, ids := seedURLs(t, store, "https://example.gov/records")
	require.NoError(t, store.SetURLDocument(ctx, ids[0], "memory://pages/x", "x"))
	markReviewed(t, store, ids[0], "court_records")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	op := NewSubmission(store, SubmitConfig{Endpoint: srv.URL}, Config{}, zap.NewNop())
	taskID := newTask(t, store, op.Type())
	result, err := op.RunOnce(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)
	require.Contains(t, store.URLErrors(taskID)[0].Error, "status 422")

	rec, ok := store.GetURL(ids[0])
	require.True(t, ok)
	require.Equal(t, pipeline.URLOutcomePending, rec.Outcome)
}

// markReviewed stands in for the human review flow that confirms a URL's
// relevance and final record type.
func markReviewed(t *testing.T, store *memory.URLStore, urlID uuid.UUID, recordType string) {
	t.Helper()
	rec, ok := store.GetURL(urlID)
	require.True(t, ok)
	relevant := true
	rec.Relevant = &relevant
	rec.FinalRecordType = recordType
	require.NoError(t, store.ReplaceURLForTest(rec))
}
