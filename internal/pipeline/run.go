// Package pipeline wires the stages together and persists run progress so
// an interrupted run resumes at the right stage instead of restarting or
// silently skipping work.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/plateworks/venuewatch/internal/delta"
	"github.com/plateworks/venuewatch/internal/extract"
	"github.com/plateworks/venuewatch/internal/fetch"
	"github.com/plateworks/venuewatch/internal/merge"
	"github.com/plateworks/venuewatch/internal/snapshot"
	"github.com/plateworks/venuewatch/internal/storage"
	"github.com/plateworks/venuewatch/internal/trim"
)

// ErrCeilingExceeded is the cost fail-safe abort: the candidate set was
// larger than the configured ceiling and no extraction calls were made.
var ErrCeilingExceeded = errors.New("extraction candidate ceiling exceeded")

// ErrNoPriorRun is returned when incremental mode is requested before any
// full run has ever completed.
var ErrNoPriorRun = errors.New("incremental mode requires a completed prior run")

const (
	derivedMerged  = "merged"
	derivedTrimmed = "trimmed"
)

// Options controls one pipeline invocation.
type Options struct {
	// Date is the run date in YYYY-MM-DD form. Overriding it forces a
	// day rollover and full refetch.
	Date    string
	Area    string
	VenueID string
	// Incremental narrows merging and trimming to raw-changed venues and
	// requires a completed prior run. Either mode only queues venues whose
	// normalized hash differs from their stored extraction record.
	Incremental bool
	// MaxExtractions caps the candidate set. -1 means unlimited.
	MaxExtractions int
}

// Runner executes the pipeline stages against the shared stores.
type Runner struct {
	store        *storage.Store
	snaps        *snapshot.Store
	fetcher      *fetch.Fetcher
	trimmer      *trim.Trimmer
	client       extract.Extractor
	states       *StateFile
	extractDelay time.Duration
	rules        []delta.Rule
	logger       *slog.Logger
}

// NewRunner creates a Runner. extractDelay is the fixed inter-call delay
// for the extraction orchestrator.
func NewRunner(store *storage.Store, snaps *snapshot.Store, fetcher *fetch.Fetcher, trimmer *trim.Trimmer, client extract.Extractor, states *StateFile, extractDelay time.Duration) *Runner {
	return &Runner{
		store:        store,
		snaps:        snaps,
		fetcher:      fetcher,
		trimmer:      trimmer,
		client:       client,
		states:       states,
		extractDelay: extractDelay,
		rules:        delta.DefaultRules(),
		logger:       slog.Default(),
	}
}

// runContext carries per-run in-memory results between stages. Everything
// else flows through the snapshot store on disk.
type runContext struct {
	opts    Options
	venues  []storage.Venue
	changes map[string]delta.ChangeRecord
	// targets are the venues worth merging and trimming this run.
	targets    []storage.Venue
	candidates []extract.Candidate
	summary    Summary
}

// Run executes all stages for one invocation, resuming from a failed or
// interrupted run of the same date. It returns the summary counts and the
// first fatal error, already persisted as failed-at-<stage>.
func (r *Runner) Run(ctx context.Context, opts Options) (Summary, error) {
	prev := r.states.Load()

	if opts.Incremental && prev.CompletedRuns == 0 {
		return Summary{}, ErrNoPriorRun
	}

	resumeIdx := 0
	if (prev.Status == StatusFailed || prev.Status == StatusRunning) && prev.RunDate == opts.Date {
		if i := stageIndex(prev.Stage); i > 0 {
			resumeIdx = i
			r.logger.Info("resuming interrupted run", "date", opts.Date, "stage", prev.Stage, "previous", prev.FailureLabel())
		}
	}

	venues, err := r.loadVenues(opts)
	if err != nil {
		return Summary{}, err
	}

	st := State{
		RunID:          uuid.New().String(),
		RunDate:        opts.Date,
		Status:         StatusRunning,
		MaxExtractions: opts.MaxExtractions,
		StartedAt:      time.Now().UTC(),
		CompletedRuns:  prev.CompletedRuns,
	}

	rc := &runContext{
		opts:    opts,
		venues:  venues,
		changes: make(map[string]delta.ChangeRecord),
	}

	for i, stage := range stageOrder {
		if i < resumeIdx && !derivedStages[stage] {
			r.logger.Debug("stage already completed, skipping", "stage", stage)
			continue
		}

		st.Stage = stage
		st.UpdatedAt = time.Now().UTC()
		if err := r.states.Save(st); err != nil {
			return rc.summary, fmt.Errorf("persisting run state: %w", err)
		}

		if err := r.runStage(ctx, stage, rc); err != nil {
			st.Status = StatusFailed
			st.Error = err.Error()
			st.UpdatedAt = time.Now().UTC()
			if saveErr := r.states.Save(st); saveErr != nil {
				r.logger.Error("failed to persist failure state", "error", saveErr)
			}
			return rc.summary, fmt.Errorf("stage %s: %w", stage, err)
		}
	}

	st.Status = StatusDone
	st.Stage = ""
	st.Error = ""
	st.Summary = &rc.summary
	st.CompletedRuns++
	st.UpdatedAt = time.Now().UTC()
	if err := r.states.Save(st); err != nil {
		return rc.summary, fmt.Errorf("persisting final run state: %w", err)
	}

	r.logger.Info("run complete",
		"date", opts.Date,
		"new", rc.summary.New,
		"changed", rc.summary.Changed,
		"unchanged", rc.summary.Unchanged,
		"unreachable", rc.summary.Unreachable,
		"extracted", rc.summary.Extracted,
		"skipped", rc.summary.Skipped,
	)
	return rc.summary, nil
}

func (r *Runner) loadVenues(opts Options) ([]storage.Venue, error) {
	if opts.VenueID != "" {
		v, err := r.store.GetVenue(opts.VenueID)
		if err != nil {
			return nil, fmt.Errorf("loading venue %s: %w", opts.VenueID, err)
		}
		return []storage.Venue{v}, nil
	}
	venues, err := r.store.ListVenues(opts.Area)
	if err != nil {
		return nil, fmt.Errorf("listing venues: %w", err)
	}
	if len(venues) == 0 {
		r.logger.Warn("venue directory is empty", "area", opts.Area)
	}
	return venues, nil
}

func (r *Runner) runStage(ctx context.Context, stage Stage, rc *runContext) error {
	switch stage {
	case StageArchive:
		return r.archiveStage(rc)
	case StageFetch:
		return r.fetchStage(ctx, rc)
	case StageRawDelta:
		return r.rawDeltaStage(rc)
	case StageMerge:
		return r.mergeStage(rc)
	case StageTrim:
		return r.trimStage(rc)
	case StageNormDelta:
		return r.normDeltaStage(rc)
	case StageGuard:
		return r.guardStage(rc)
	case StageExtract:
		return r.extractStage(ctx, rc)
	default:
		return fmt.Errorf("unknown stage %q", stage)
	}
}

// archiveStage rotates yesterday's snapshots aside on day rollover. A
// rotation failure is fatal: fetching into an inconsistent archive would
// corrupt every later day-over-day comparison.
func (r *Runner) archiveStage(rc *runContext) error {
	rotated, err := r.snaps.Rotate(rc.opts.Date)
	if err != nil {
		return fmt.Errorf("rotating snapshot archive: %w", err)
	}
	if rotated {
		r.logger.Info("archived previous day's snapshots", "date", rc.opts.Date)
	} else {
		r.logger.Debug("same-day invocation, archive untouched", "date", rc.opts.Date)
	}
	return nil
}

func (r *Runner) fetchStage(ctx context.Context, rc *runContext) error {
	sum, err := r.fetcher.FetchAll(ctx, rc.venues)
	if err != nil {
		return err
	}
	r.logger.Info("fetch complete",
		"fetched", sum.PagesFetched,
		"cached", sum.PagesCached,
		"failed", sum.PagesFailed,
		"unreachable", len(sum.Unreachable),
	)
	return nil
}

// rawDeltaStage classifies each venue by byte-level comparison and picks
// the targets for merging and trimming: changed and new venues in
// incremental mode, everything reachable in a full run.
func (r *Runner) rawDeltaStage(rc *runContext) error {
	rc.targets = rc.targets[:0]
	for _, venue := range rc.venues {
		if venue.Website == "" {
			continue
		}
		today, err := r.snaps.ReadVenueSnapshot(snapshot.Today, venue.ID)
		if err != nil {
			return fmt.Errorf("reading today's snapshot for %s: %w", venue.ID, err)
		}
		previous, err := r.snaps.ReadVenueSnapshot(snapshot.Previous, venue.ID)
		if err != nil {
			return fmt.Errorf("reading previous snapshot for %s: %w", venue.ID, err)
		}

		rec := delta.CompareRaw(today, previous)
		rec.VenueID = venue.ID
		rc.changes[venue.ID] = rec

		switch rec.Status {
		case delta.StatusNew:
			rc.summary.New++
		case delta.StatusChanged:
			rc.summary.Changed++
		case delta.StatusUnchanged:
			rc.summary.Unchanged++
		case delta.StatusUnreachable:
			rc.summary.Unreachable++
			r.logger.Warn("venue unreachable, excluded from comparison", "venue", venue.ID)
			continue
		}

		if rec.Status != delta.StatusUnchanged || !rc.opts.Incremental {
			rc.targets = append(rc.targets, venue)
		}
	}
	r.logger.Info("raw delta complete",
		"new", rc.summary.New,
		"changed", rc.summary.Changed,
		"unchanged", rc.summary.Unchanged,
		"unreachable", rc.summary.Unreachable,
	)
	return nil
}

func (r *Runner) mergeStage(rc *runContext) error {
	for _, venue := range rc.targets {
		snap, err := r.snaps.ReadVenueSnapshot(snapshot.Today, venue.ID)
		if err != nil {
			return fmt.Errorf("reading snapshot for %s: %w", venue.ID, err)
		}
		if len(snap.Pages) == 0 {
			continue
		}
		doc := merge.Build(venue.ID, venue.Name, snap)
		if err := r.snaps.WriteDerived(derivedMerged, venue.ID, doc); err != nil {
			return fmt.Errorf("writing merged document for %s: %w", venue.ID, err)
		}
	}
	r.logger.Info("merge complete", "venues", len(rc.targets))
	return nil
}

func (r *Runner) trimStage(rc *runContext) error {
	for _, venue := range rc.targets {
		var doc merge.Document
		if err := r.snaps.ReadDerived(derivedMerged, venue.ID, &doc); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("reading merged document for %s: %w", venue.ID, err)
		}
		trimmed := r.trimmer.Trim(doc)
		if err := r.snaps.WriteDerived(derivedTrimmed, venue.ID, trimmed); err != nil {
			return fmt.Errorf("writing trimmed document for %s: %w", venue.ID, err)
		}
		r.logger.Debug("trimmed venue document", "venue", venue.ID, "size", trim.SizeLabel(trimmed))
	}
	r.logger.Info("trim complete", "venues", len(rc.targets))
	return nil
}

// normDeltaStage computes the authoritative candidate set: venues whose
// normalized content hash differs from the hash on their most recent
// extraction record. The record comparison applies in every mode, so the
// candidate count equals the number of extraction calls the run will
// actually pay for and the ceiling guard never trips on a zero-spend
// rerun. Comparing against the record rather than yesterday's snapshot
// means a site that reverted to previously-seen content is correctly
// skipped. In incremental mode, raw-unchanged venues with an on-disk
// trimmed document are also evaluated so a failed extraction is retried
// even when the site did not change again.
func (r *Runner) normDeltaStage(rc *runContext) error {
	rc.candidates = rc.candidates[:0]

	evaluate := make([]storage.Venue, 0, len(rc.targets))
	evaluate = append(evaluate, rc.targets...)
	if rc.opts.Incremental {
		inTargets := make(map[string]bool, len(rc.targets))
		for _, v := range rc.targets {
			inTargets[v.ID] = true
		}
		for _, venue := range rc.venues {
			if inTargets[venue.ID] || venue.Website == "" {
				continue
			}
			if rec, ok := rc.changes[venue.ID]; ok && rec.Status == delta.StatusUnchanged && r.snaps.HasDerived(derivedTrimmed, venue.ID) {
				evaluate = append(evaluate, venue)
			}
		}
	}

	for _, venue := range evaluate {
		var doc trim.Document
		if err := r.snaps.ReadDerived(derivedTrimmed, venue.ID, &doc); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("reading trimmed document for %s: %w", venue.ID, err)
		}

		text := doc.CombinedText()
		if strings.TrimSpace(text) == "" {
			continue
		}
		normHash := delta.NormalizedHash(text, r.rules)

		rec, err := r.store.GetExtractionRecord(venue.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("loading extraction record for %s: %w", venue.ID, err)
		}
		if err == nil && rec.NormalizedSourceHash == normHash {
			r.logger.Debug("normalized content unchanged since last extraction", "venue", venue.ID)
			continue
		}

		rc.candidates = append(rc.candidates, extract.Candidate{
			Venue:          venue,
			Text:           text,
			SourceHash:     delta.Hash(text),
			NormalizedHash: normHash,
		})
	}

	rc.summary.Candidates = len(rc.candidates)
	r.logger.Info("normalized delta complete", "candidates", len(rc.candidates))
	return nil
}

// guardStage is the cost fail-safe: it aborts the run before any
// extraction call when the candidate set exceeds the configured ceiling.
func (r *Runner) guardStage(rc *runContext) error {
	ceiling := rc.opts.MaxExtractions
	if ceiling >= 0 && len(rc.candidates) > ceiling {
		return fmt.Errorf("%w: %d candidates exceed ceiling of %d; investigate before rerunning or raise the ceiling",
			ErrCeilingExceeded, len(rc.candidates), ceiling)
	}
	r.logger.Debug("candidate set within ceiling", "candidates", len(rc.candidates), "ceiling", ceiling)
	return nil
}

func (r *Runner) extractStage(ctx context.Context, rc *runContext) error {
	orch := extract.NewOrchestrator(r.store, r.client, r.extractDelay)
	out, err := orch.Run(ctx, rc.candidates)
	rc.summary.Extracted = out.Extracted
	rc.summary.Skipped = out.Skipped
	rc.summary.Failed = out.Failed
	if err != nil {
		return err
	}
	r.logger.Info("extraction complete",
		"extracted", out.Extracted,
		"skipped", out.Skipped,
		"failed", out.Failed,
	)
	return nil
}
