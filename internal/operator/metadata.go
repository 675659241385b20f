package operator

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/civicdata/source-identification/internal/pipeline"
)

const maxDescriptionLen = 500

// MiscMetadata derives a display name and description for each URL from its
// fetched document (title tag, meta description).
type MiscMetadata struct {
	base
	blobs pipeline.BlobStore
}

// NewMiscMetadata constructs the metadata-enrichment operator.
func NewMiscMetadata(store pipeline.URLStore, blobs pipeline.BlobStore, cfg Config, logger *zap.Logger) *MiscMetadata {
	return &MiscMetadata{base: newBase(store, cfg, logger), blobs: blobs}
}

// Type implements Operator.
func (o *MiscMetadata) Type() pipeline.TaskType {
	return pipeline.TaskMiscMetadata
}

// MeetsPrerequisites implements Operator.
func (o *MiscMetadata) MeetsPrerequisites(ctx context.Context) (bool, error) {
	return o.hasEligible(ctx, pipeline.TaskMiscMetadata)
}

// RunOnce implements Operator.
func (o *MiscMetadata) RunOnce(ctx context.Context, taskID uuid.UUID) (RunResult, error) {
	return o.processBatch(ctx, pipeline.TaskMiscMetadata, taskID, o.enrichOne)
}

func (o *MiscMetadata) enrichOne(ctx context.Context, rec pipeline.URLRecord) error {
	body, err := o.blobs.GetObject(ctx, rec.HTMLBlobURI)
	if err != nil {
		return fmt.Errorf("get document: %w", err)
	}

	name, description, err := extractPageDetails(body)
	if err != nil {
		return err
	}
	if name == "" {
		name = rec.URL
	}

	if err := o.store.SetURLDetails(ctx, rec.ID, name, description); err != nil {
		return fmt.Errorf("set url details: %w", err)
	}
	return nil
}

func extractPageDetails(body []byte) (name, description string, err error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("parse document: %w", err)
	}

	name = strings.TrimSpace(doc.Find("title").First().Text())

	doc.Find(`meta[name="description"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if content, ok := s.Attr("content"); ok {
			description = strings.TrimSpace(content)
			return false
		}
		return true
	})
	if description == "" {
		if content, ok := doc.Find(`meta[property="og:description"]`).Attr("content"); ok {
			description = strings.TrimSpace(content)
		}
	}
	if len(description) > maxDescriptionLen {
		cut := maxDescriptionLen
		for cut > 0 && !utf8.RuneStart(description[cut]) {
			cut--
		}
		description = description[:cut]
	}
	return name, description, nil
}
