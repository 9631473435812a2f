package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/plateworks/venuewatch/internal/pace"
	"github.com/plateworks/venuewatch/internal/storage"
)

// RecordStore abstracts extraction-record persistence.
type RecordStore interface {
	GetExtractionRecord(venueID string) (storage.ExtractionRecord, error)
	SaveExtractionRecord(r storage.ExtractionRecord) error
}

// Extractor is the interface for one extraction service call.
type Extractor interface {
	Extract(ctx context.Context, venueName, text string) (Result, string, error)
}

// Candidate is one venue queued for extraction: its trimmed text plus the
// two hashes that key the stored record.
type Candidate struct {
	Venue          storage.Venue
	Text           string
	SourceHash     string
	NormalizedHash string
}

// Outcome summarizes one orchestrator pass.
type Outcome struct {
	Extracted int
	Skipped   int
	Failed    int
}

// Orchestrator sends candidates to the extraction service one at a time
// with a fixed inter-call delay. The service enforces its own rate
// ceiling; a serial queue is safer than parallel calls with retry storms.
type Orchestrator struct {
	store  RecordStore
	client Extractor
	pacer  *pace.Pacer
	logger *slog.Logger
}

// NewOrchestrator creates an Orchestrator with the given inter-call delay.
func NewOrchestrator(store RecordStore, client Extractor, delay time.Duration) *Orchestrator {
	return &Orchestrator{
		store:  store,
		client: client,
		pacer:  pace.New(delay),
		logger: slog.Default(),
	}
}

// Run processes candidates serially. A venue whose normalized hash matches
// its stored record is skipped without a service call — the final
// idempotence guarantee, independent of upstream delta filtering.
// Malformed responses fail the venue only; the hash stays unmatched so the
// venue is retried on the next run. Context cancellation aborts the pass.
func (o *Orchestrator) Run(ctx context.Context, candidates []Candidate) (Outcome, error) {
	var out Outcome
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		existing, err := o.store.GetExtractionRecord(cand.Venue.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return out, fmt.Errorf("loading record for %s: %w", cand.Venue.ID, err)
		}
		if err == nil && existing.NormalizedSourceHash == cand.NormalizedHash {
			o.logger.Info("extraction skipped, content unchanged since last extraction",
				"venue", cand.Venue.ID, "hash", cand.NormalizedHash)
			out.Skipped++
			continue
		}

		if err := o.pacer.Wait(ctx); err != nil {
			return out, err
		}

		result, raw, err := o.client.Extract(ctx, cand.Venue.Name, cand.Text)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			o.logger.Warn("extraction failed", "venue", cand.Venue.ID, "error", err)
			out.Failed++
			continue
		}

		if raw == "" {
			raw = mustJSON(result)
		}
		rec := storage.ExtractionRecord{
			ID:                   uuid.New().String(),
			VenueID:              cand.Venue.ID,
			ResultJSON:           raw,
			Found:                result.Found,
			Confidence:           result.Confidence,
			SourceHash:           cand.SourceHash,
			NormalizedSourceHash: cand.NormalizedHash,
			ProcessedAt:          time.Now().UTC(),
		}
		if err := o.store.SaveExtractionRecord(rec); err != nil {
			return out, fmt.Errorf("saving record for %s: %w", cand.Venue.ID, err)
		}

		o.logger.Info("extraction complete",
			"venue", cand.Venue.ID, "found", result.Found, "confidence", result.Confidence)
		out.Extracted++
	}
	return out, nil
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
