// Package memory provides in-memory store implementations for development
// and testing.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/civicdata/source-identification/internal/pipeline"
)

// URLStore implements pipeline.URLStore with maps and a mutex. It mirrors
// the transactional guarantees of the relational store closely enough for
// tests: every method is atomic under the store lock.
type URLStore struct {
	mu sync.RWMutex

	batches  map[uuid.UUID]pipeline.Batch
	urls     map[uuid.UUID]pipeline.URLRecord
	urlOrder []uuid.UUID
	urlByStr map[string]uuid.UUID

	duplicates []pipeline.DuplicateInfo

	tasks     map[uuid.UUID]pipeline.Task
	taskLinks map[uuid.UUID][]uuid.UUID
	attempted map[uuid.UUID]map[pipeline.TaskType]bool
	urlErrors map[uuid.UUID][]pipeline.URLError

	autoSuggestions map[uuid.UUID]map[pipeline.SuggestionKind]pipeline.Suggestion
	userSuggestions map[uuid.UUID]map[pipeline.SuggestionKind]map[string]pipeline.Suggestion
}

// NewURLStore constructs a URLStore.
func NewURLStore() *URLStore {
	return &URLStore{
		batches:         make(map[uuid.UUID]pipeline.Batch),
		urls:            make(map[uuid.UUID]pipeline.URLRecord),
		urlByStr:        make(map[string]uuid.UUID),
		tasks:           make(map[uuid.UUID]pipeline.Task),
		taskLinks:       make(map[uuid.UUID][]uuid.UUID),
		attempted:       make(map[uuid.UUID]map[pipeline.TaskType]bool),
		urlErrors:       make(map[uuid.UUID][]pipeline.URLError),
		autoSuggestions: make(map[uuid.UUID]map[pipeline.SuggestionKind]pipeline.Suggestion),
		userSuggestions: make(map[uuid.UUID]map[pipeline.SuggestionKind]map[string]pipeline.Suggestion),
	}
}

// CreateBatch stores a new batch row.
func (s *URLStore) CreateBatch(_ context.Context, batch pipeline.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.batches[batch.ID]; exists {
		return pipeline.ErrAlreadyRunning
	}
	s.batches[batch.ID] = batch
	return nil
}

// MarkBatchRunning transitions a batch to RUNNING.
func (s *URLStore) MarkBatchRunning(_ context.Context, batchID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return pipeline.ErrNotFound
	}
	if batch.Status.Terminal() {
		return pipeline.ErrTerminalState
	}
	batch.Status = pipeline.BatchStatusRunning
	s.batches[batchID] = batch
	return nil
}

// FinalizeBatch writes the terminal outcome for a batch exactly once.
func (s *URLStore) FinalizeBatch(
	_ context.Context,
	batchID uuid.UUID,
	status pipeline.BatchStatus,
	errText string,
	counts pipeline.URLCounts,
	computeDuration time.Duration,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return pipeline.ErrNotFound
	}
	if batch.Status.Terminal() {
		return pipeline.ErrTerminalState
	}
	batch.Status = status
	batch.ErrorText = errText
	batch.TotalURLCount = counts.Total
	batch.OriginalURLCount = counts.Original
	batch.DuplicateURLCount = counts.Duplicate
	batch.ComputeDuration = computeDuration
	s.batches[batchID] = batch
	return nil
}

// GetBatch fetches a batch by id.
func (s *URLStore) GetBatch(_ context.Context, batchID uuid.UUID) (pipeline.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return pipeline.Batch{}, pipeline.ErrNotFound
	}
	return batch, nil
}

// ReconcileStaleBatches flips RUNNING batches to ABORTED.
func (s *URLStore) ReconcileStaleBatches(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, batch := range s.batches {
		if batch.Status == pipeline.BatchStatusRunning {
			batch.Status = pipeline.BatchStatusAborted
			batch.ErrorText = "aborted at process restart"
			s.batches[id] = batch
			n++
		}
	}
	return n, nil
}

// InsertURLs inserts candidates, deduplicating on the URL string. A repeat
// string never creates a second row; it records a duplicate pointing at the
// original, including repeats within the same candidate slice.
func (s *URLStore) InsertURLs(
	_ context.Context,
	batchID uuid.UUID,
	candidates []pipeline.URLCandidate,
) (pipeline.InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result pipeline.InsertResult
	for _, cand := range candidates {
		if originalID, exists := s.urlByStr[cand.URL]; exists {
			dup := pipeline.DuplicateInfo{
				BatchID:       batchID,
				OriginalURLID: originalID,
				URL:           cand.URL,
			}
			s.duplicates = append(s.duplicates, dup)
			result.Duplicates = append(result.Duplicates, dup)
			result.DuplicateCount++
			continue
		}

		id := uuid.New()
		rec := pipeline.URLRecord{
			ID:        id,
			BatchID:   batchID,
			URL:       cand.URL,
			Metadata:  cand.Metadata,
			Outcome:   pipeline.URLOutcomePending,
			CreatedAt: time.Now().UTC(),
		}
		s.urls[id] = rec
		s.urlOrder = append(s.urlOrder, id)
		s.urlByStr[cand.URL] = id
		result.Inserted = append(result.Inserted, pipeline.URLMapping{ID: id, URL: cand.URL})
		result.OriginalCount++
	}
	return result, nil
}

// GetEligibleURLs returns up to pageSize URLs eligible for the stage, in
// insertion order.
func (s *URLStore) GetEligibleURLs(
	_ context.Context,
	stage pipeline.TaskType,
	pageSize int,
) ([]pipeline.URLRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []pipeline.URLRecord
	for _, id := range s.urlOrder {
		if len(out) >= pageSize {
			break
		}
		rec := s.urls[id]
		if s.eligibleLocked(rec, stage) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// eligibleLocked encodes the per-stage readiness rules. A URL already linked
// to a task of the stage (success or failure) is never eligible again for
// that stage.
func (s *URLStore) eligibleLocked(rec pipeline.URLRecord, stage pipeline.TaskType) bool {
	if s.attempted[rec.ID][stage] {
		return false
	}
	switch stage {
	case pipeline.TaskHTMLFetch:
		return rec.Outcome == pipeline.URLOutcomePending && rec.HTMLBlobURI == ""
	case pipeline.TaskRelevance:
		return s.classifiable(rec, pipeline.SuggestionRelevance)
	case pipeline.TaskRecordType:
		return s.classifiable(rec, pipeline.SuggestionRecordType)
	case pipeline.TaskAgency:
		return s.classifiable(rec, pipeline.SuggestionAgency)
	case pipeline.TaskMiscMetadata:
		return rec.Outcome == pipeline.URLOutcomePending && rec.HTMLBlobURI != "" && rec.Name == ""
	case pipeline.TaskDuplicateCheck:
		return rec.Outcome == pipeline.URLOutcomePending && rec.ContentHash != ""
	case pipeline.TaskSubmission:
		return rec.Outcome == pipeline.URLOutcomePending &&
			rec.Relevant != nil && *rec.Relevant && rec.FinalRecordType != ""
	default:
		return false
	}
}

func (s *URLStore) classifiable(rec pipeline.URLRecord, kind pipeline.SuggestionKind) bool {
	if rec.Outcome != pipeline.URLOutcomePending || rec.HTMLBlobURI == "" {
		return false
	}
	_, has := s.autoSuggestions[rec.ID][kind]
	return !has
}

// SetURLDocument records where a URL's fetched HTML lives.
func (s *URLStore) SetURLDocument(_ context.Context, urlID uuid.UUID, blobURI, contentHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.urls[urlID]
	if !ok {
		return pipeline.ErrNotFound
	}
	rec.HTMLBlobURI = blobURI
	rec.ContentHash = contentHash
	s.urls[urlID] = rec
	return nil
}

// SetURLOutcome updates the coarse review state of a URL.
func (s *URLStore) SetURLOutcome(_ context.Context, urlID uuid.UUID, outcome pipeline.URLOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.urls[urlID]
	if !ok {
		return pipeline.ErrNotFound
	}
	rec.Outcome = outcome
	s.urls[urlID] = rec
	return nil
}

// SetURLDetails records operator-derived name and description.
func (s *URLStore) SetURLDetails(_ context.Context, urlID uuid.UUID, name, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.urls[urlID]
	if !ok {
		return pipeline.ErrNotFound
	}
	rec.Name = name
	rec.Description = description
	s.urls[urlID] = rec
	return nil
}

// CountEarlierURLsWithHash counts URLs sharing a content hash that were
// ingested before the given URL.
func (s *URLStore) CountEarlierURLsWithHash(_ context.Context, hash string, urlID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, id := range s.urlOrder {
		if id == urlID {
			break
		}
		if s.urls[id].ContentHash == hash {
			n++
		}
	}
	return n, nil
}

// CreateTask inserts a task row.
func (s *URLStore) CreateTask(_ context.Context, task pipeline.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return nil
}

// RecordTaskOutcome writes the task's terminal status and message.
func (s *URLStore) RecordTaskOutcome(
	_ context.Context,
	taskID uuid.UUID,
	status pipeline.TaskStatus,
	message string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return pipeline.ErrNotFound
	}
	task.Status = status
	task.ErrorText = message
	s.tasks[taskID] = task
	return nil
}

// GetTask fetches a task by id.
func (s *URLStore) GetTask(_ context.Context, taskID uuid.UUID) (pipeline.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return pipeline.Task{}, pipeline.ErrNotFound
	}
	return task, nil
}

// LinkURLsToTask associates attempted URLs with the task and marks the
// stage attempted for each.
func (s *URLStore) LinkURLsToTask(_ context.Context, taskID uuid.UUID, urlIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return pipeline.ErrNotFound
	}
	s.taskLinks[taskID] = append(s.taskLinks[taskID], urlIDs...)
	for _, urlID := range urlIDs {
		if s.attempted[urlID] == nil {
			s.attempted[urlID] = make(map[pipeline.TaskType]bool)
		}
		s.attempted[urlID][task.Type] = true
	}
	return nil
}

// RecordURLErrors stores per-URL failure notes for a task.
func (s *URLStore) RecordURLErrors(_ context.Context, taskID uuid.UUID, urlErrors []pipeline.URLError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return pipeline.ErrNotFound
	}
	s.urlErrors[taskID] = append(s.urlErrors[taskID], urlErrors...)
	return nil
}

// UpsertAutoSuggestion writes the single automatic suggestion slot for a
// (URL, kind) pair.
func (s *URLStore) UpsertAutoSuggestion(_ context.Context, suggestion pipeline.Suggestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.urls[suggestion.URLID]; !ok {
		return pipeline.ErrNotFound
	}
	if s.autoSuggestions[suggestion.URLID] == nil {
		s.autoSuggestions[suggestion.URLID] = make(map[pipeline.SuggestionKind]pipeline.Suggestion)
	}
	s.autoSuggestions[suggestion.URLID][suggestion.Kind] = suggestion
	return nil
}

// AddUserSuggestion writes a user's suggestion, replacing only that user's
// prior opinion of the same kind.
func (s *URLStore) AddUserSuggestion(_ context.Context, suggestion pipeline.Suggestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.urls[suggestion.URLID]; !ok {
		return pipeline.ErrNotFound
	}
	if s.userSuggestions[suggestion.URLID] == nil {
		s.userSuggestions[suggestion.URLID] = make(map[pipeline.SuggestionKind]map[string]pipeline.Suggestion)
	}
	if s.userSuggestions[suggestion.URLID][suggestion.Kind] == nil {
		s.userSuggestions[suggestion.URLID][suggestion.Kind] = make(map[string]pipeline.Suggestion)
	}
	s.userSuggestions[suggestion.URLID][suggestion.Kind][suggestion.UserID] = suggestion
	return nil
}

// Duplicates returns the duplicate records accumulated so far. Test helper.
func (s *URLStore) Duplicates() []pipeline.DuplicateInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pipeline.DuplicateInfo, len(s.duplicates))
	copy(out, s.duplicates)
	return out
}

// LinkedURLs returns the URL ids linked to a task. Test helper.
func (s *URLStore) LinkedURLs(taskID uuid.UUID) []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uuid.UUID, len(s.taskLinks[taskID]))
	copy(out, s.taskLinks[taskID])
	return out
}

// URLErrors returns the per-URL errors recorded for a task. Test helper.
func (s *URLStore) URLErrors(taskID uuid.UUID) []pipeline.URLError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pipeline.URLError, len(s.urlErrors[taskID]))
	copy(out, s.urlErrors[taskID])
	return out
}

// GetURL fetches a URL row by id. Test helper.
func (s *URLStore) GetURL(urlID uuid.UUID) (pipeline.URLRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.urls[urlID]
	return rec, ok
}

// ReplaceURLForTest swaps a URL row wholesale, standing in for review flows
// that confirm relevance and record type outside this service. Test helper.
func (s *URLStore) ReplaceURLForTest(rec pipeline.URLRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.urls[rec.ID]; !ok {
		return pipeline.ErrNotFound
	}
	s.urls[rec.ID] = rec
	return nil
}

// AutoSuggestion returns the automatic suggestion for a (URL, kind) pair.
// Test helper.
func (s *URLStore) AutoSuggestion(urlID uuid.UUID, kind pipeline.SuggestionKind) (pipeline.Suggestion, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sg, ok := s.autoSuggestions[urlID][kind]
	return sg, ok
}
