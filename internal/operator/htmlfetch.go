package operator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/civicdata/source-identification/internal/fetch"
	"github.com/civicdata/source-identification/internal/pipeline"
)

// HTMLFetch retrieves each eligible URL's document, persists the raw body to
// the blob store, and records the blob URI and content hash on the URL row.
type HTMLFetch struct {
	base
	fetcher     fetch.Fetcher
	blobs       pipeline.BlobStore
	blobPrefix  string
	contentType string
}

// NewHTMLFetch constructs the HTML-fetch operator.
func NewHTMLFetch(
	store pipeline.URLStore,
	fetcher fetch.Fetcher,
	blobs pipeline.BlobStore,
	blobPrefix string,
	contentType string,
	cfg Config,
	logger *zap.Logger,
) *HTMLFetch {
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	return &HTMLFetch{
		base:        newBase(store, cfg, logger),
		fetcher:     fetcher,
		blobs:       blobs,
		blobPrefix:  blobPrefix,
		contentType: contentType,
	}
}

// Type implements Operator.
func (o *HTMLFetch) Type() pipeline.TaskType {
	return pipeline.TaskHTMLFetch
}

// MeetsPrerequisites implements Operator.
func (o *HTMLFetch) MeetsPrerequisites(ctx context.Context) (bool, error) {
	return o.hasEligible(ctx, pipeline.TaskHTMLFetch)
}

// RunOnce implements Operator.
func (o *HTMLFetch) RunOnce(ctx context.Context, taskID uuid.UUID) (RunResult, error) {
	return o.processBatch(ctx, pipeline.TaskHTMLFetch, taskID, o.fetchOne)
}

func (o *HTMLFetch) fetchOne(ctx context.Context, rec pipeline.URLRecord) error {
	result, err := o.fetcher.Fetch(ctx, rec.URL)
	if err != nil {
		return err
	}

	sum := sha256.Sum256(result.Body)
	hash := hex.EncodeToString(sum[:])

	uri, err := o.blobs.PutObject(ctx, o.blobPath(rec.BatchID, hash), o.contentType, result.Body)
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}

	if err := o.store.SetURLDocument(ctx, rec.ID, uri, hash); err != nil {
		return fmt.Errorf("set url document: %w", err)
	}
	return nil
}

func (o *HTMLFetch) blobPath(batchID uuid.UUID, hash string) string {
	prefix := strings.Trim(o.blobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", batchID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, batchID, hash)
}
