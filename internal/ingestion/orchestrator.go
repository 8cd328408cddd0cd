package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"horse.fit/vofc/internal/db"
	"horse.fit/vofc/internal/dedup"
	"horse.fit/vofc/internal/extraction"
	"horse.fit/vofc/internal/globaltime"
	"horse.fit/vofc/internal/linker"
	"horse.fit/vofc/internal/normalize"
	"horse.fit/vofc/internal/reader"
	payloadschema "horse.fit/vofc/schema"
)

const (
	DefaultSource          = "sync"
	DefaultLimit           = 100
	DefaultPacing          = 300 * time.Millisecond
	DefaultStaleClaimAfter = 15 * time.Minute

	releaseTimeout = 10 * time.Second

	StoppedCancelled   = "cancelled"
	StoppedClaimFailed = "claim_failed"
)

// ErrStoreUnreachable means the store failed its ping before the first claim.
var ErrStoreUnreachable = errors.New("store unreachable")

// Store is the persistence surface the orchestrator needs.
type Store interface {
	Ping(ctx context.Context) error
	ReleaseStaleClaims(ctx context.Context, olderThan time.Duration) (int64, error)
	ClaimNextPendingSubmission(ctx context.Context, source string) (db.ClaimedSubmission, bool, error)
	ClaimSubmissionByUUID(ctx context.Context, submissionUUID string) (db.ClaimedSubmission, bool, error)
	CompleteSubmission(ctx context.Context, submissionID int64, payload json.RawMessage) error
	ReleaseSubmission(ctx context.Context, submissionID int64, previousStatus, lastError string) error
	UnclaimSubmission(ctx context.Context, submissionID int64, previousStatus string) error
	InsertVulnerability(ctx context.Context, params db.InsertVulnerabilityParams) (int64, bool, error)
	InsertOption(ctx context.Context, params db.InsertOptionParams) (int64, bool, error)
	LinkVulnerabilityOption(ctx context.Context, vulnerabilityID, ofcID int64) error
	DeleteSupersededRecords(ctx context.Context, submissionID int64, keepVulnerabilityIDs, keepOptionIDs []int64) (int64, error)
}

type Extractor interface {
	ExtractDetailed(ctx context.Context, meta extraction.DocumentMetadata, rawText string) (*extraction.Result, error)
}

type Linker interface {
	EnsureSource(ctx context.Context, referenceNumber int, sourceText string) (int64, error)
	LinkSourceToEntity(ctx context.Context, kind string, entityID int64, referenceNumber int) (linker.LinkResult, error)
}

type DuplicateDetector interface {
	Corpus(ctx context.Context, excludeSubmissionID *int64) ([]string, error)
	Threshold() float64
}

type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Dependencies wires an Orchestrator. ObjectStore and Metrics may be nil.
type Dependencies struct {
	Store       Store
	Extractor   Extractor
	Linker      Linker
	Detector    DuplicateDetector
	Normalizer  *normalize.Normalizer
	ObjectStore ObjectStore
	Metrics     *Metrics
	Logger      zerolog.Logger
}

type Options struct {
	Source          string
	Limit           int
	Pacing          time.Duration
	StaleClaimAfter time.Duration
	Fetch           reader.FetchOptions
}

type BatchOptions struct {
	Source string
	Limit  int
	// Pacing overrides the orchestrator pacing when > 0.
	Pacing time.Duration
}

// ItemResult is the outcome of one claimed submission.
type ItemResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Count   *int   `json:"count,omitempty"`
	Error   string `json:"error,omitempty"`
}

type BatchResult struct {
	Processed     int          `json:"processed"`
	Failed        int          `json:"failed"`
	Results       []ItemResult `json:"results"`
	StoppedReason string       `json:"stopped_reason,omitempty"`
}

// Duplicate is one extracted vulnerability skipped because the corpus already holds it.
type Duplicate struct {
	Text       string  `json:"text"`
	BestMatch  string  `json:"best_match"`
	Similarity float64 `json:"similarity"`
}

type Orchestrator struct {
	deps  Dependencies
	opts  Options
	fetch func(ctx context.Context, documentURL string, opts reader.FetchOptions) (reader.Fetched, error)
	sleep func(ctx context.Context, d time.Duration) error
}

func New(deps Dependencies, opts Options) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("ingestion store is nil")
	case deps.Extractor == nil:
		return nil, fmt.Errorf("ingestion extractor is nil")
	case deps.Linker == nil:
		return nil, fmt.Errorf("ingestion linker is nil")
	case deps.Detector == nil:
		return nil, fmt.Errorf("ingestion duplicate detector is nil")
	}
	if deps.Normalizer == nil {
		deps.Normalizer = normalize.NewNormalizer(nil)
	}

	opts.Source = strings.TrimSpace(opts.Source)
	if opts.Source == "" {
		opts.Source = DefaultSource
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Pacing < 0 {
		opts.Pacing = 0
	}
	if opts.StaleClaimAfter <= 0 {
		opts.StaleClaimAfter = DefaultStaleClaimAfter
	}

	return &Orchestrator{
		deps:  deps,
		opts:  opts,
		fetch: reader.FetchDocument,
		sleep: sleepContext,
	}, nil
}

// RunBatch claims and processes up to Limit pending submissions of one source, one at a
// time. Item failures are recorded in the result and do not stop the batch. A partial
// result is returned together with the error when the batch stops early.
func (o *Orchestrator) RunBatch(ctx context.Context, opts BatchOptions) (BatchResult, error) {
	source := strings.TrimSpace(opts.Source)
	if source == "" {
		source = o.opts.Source
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = o.opts.Limit
	}
	pacing := o.opts.Pacing
	if opts.Pacing > 0 {
		pacing = opts.Pacing
	}

	if err := o.deps.Store.Ping(ctx); err != nil {
		return BatchResult{}, fmt.Errorf("%w: %w", ErrStoreUnreachable, err)
	}

	started := time.Now()
	defer func() { o.deps.Metrics.observeBatch(time.Since(started).Seconds()) }()

	logger := o.deps.Logger.With().Str("source", source).Int("limit", limit).Logger()

	released, err := o.deps.Store.ReleaseStaleClaims(ctx, o.opts.StaleClaimAfter)
	if err != nil {
		logger.Warn().Err(err).Msg("release stale claims failed")
	} else if released > 0 {
		logger.Info().Int64("released", released).Msg("released stale claims")
	}

	result := BatchResult{Results: []ItemResult{}}
	for i := 0; i < limit; i++ {
		if err := ctx.Err(); err != nil {
			result.StoppedReason = StoppedCancelled
			return result, fmt.Errorf("batch cancelled: %w", err)
		}

		claimed, ok, err := o.deps.Store.ClaimNextPendingSubmission(ctx, source)
		if err != nil {
			result.StoppedReason = StoppedClaimFailed
			return result, fmt.Errorf("claim next submission: %w", err)
		}
		if !ok {
			break
		}

		// Pause only between two claimed items.
		if i > 0 && pacing > 0 {
			if err := o.sleep(ctx, pacing); err != nil {
				o.unclaim(ctx, claimed, logger)
				result.StoppedReason = StoppedCancelled
				return result, fmt.Errorf("batch cancelled: %w", err)
			}
		}

		item := o.processClaimed(ctx, claimed)
		result.Results = append(result.Results, item)
		if item.Success {
			result.Processed++
		} else {
			result.Failed++
		}
	}

	logger.Info().
		Int("processed", result.Processed).
		Int("failed", result.Failed).
		Dur("elapsed", time.Since(started)).
		Msg("batch finished")
	return result, nil
}

// ProcessOne claims and processes one submission by UUID. The boolean is false when
// the submission does not exist or is not in a processable status.
func (o *Orchestrator) ProcessOne(ctx context.Context, submissionUUID string) (ItemResult, bool, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(submissionUUID))
	if err != nil {
		return ItemResult{}, false, fmt.Errorf("invalid submission uuid %q: %w", submissionUUID, err)
	}
	if err := o.deps.Store.Ping(ctx); err != nil {
		return ItemResult{}, false, fmt.Errorf("%w: %w", ErrStoreUnreachable, err)
	}

	claimed, ok, err := o.deps.Store.ClaimSubmissionByUUID(ctx, parsed.String())
	if err != nil {
		return ItemResult{}, false, fmt.Errorf("claim submission %s: %w", parsed, err)
	}
	if !ok {
		return ItemResult{}, false, nil
	}
	return o.processClaimed(ctx, claimed), true, nil
}

func (o *Orchestrator) processClaimed(ctx context.Context, claimed db.ClaimedSubmission) ItemResult {
	logger := o.deps.Logger.With().
		Str("submission_uuid", claimed.SubmissionUUID).
		Int64("submission_id", claimed.SubmissionID).
		Logger()

	count, err := o.process(ctx, claimed, logger)
	if err != nil {
		reason := failureReason(err)
		o.deps.Metrics.observeFailed(reason)
		logger.Warn().Err(err).Str("reason", reason).Msg("submission processing failed")

		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if releaseErr := o.deps.Store.ReleaseSubmission(releaseCtx, claimed.SubmissionID, claimed.PreviousStatus, err.Error()); releaseErr != nil {
			logger.Error().Err(releaseErr).Msg("release failed submission")
		}
		return ItemResult{ID: claimed.SubmissionUUID, Success: false, Error: err.Error()}
	}

	o.deps.Metrics.observeProcessed()
	logger.Info().Int("count", count).Msg("submission processed")
	return ItemResult{ID: claimed.SubmissionUUID, Success: true, Count: &count}
}

// unclaim returns a claimed but unprocessed submission to the status it was claimed from.
func (o *Orchestrator) unclaim(ctx context.Context, claimed db.ClaimedSubmission, logger zerolog.Logger) {
	unclaimCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := o.deps.Store.UnclaimSubmission(unclaimCtx, claimed.SubmissionID, claimed.PreviousStatus); err != nil {
		logger.Error().Err(err).Str("submission_uuid", claimed.SubmissionUUID).Msg("unclaim submission")
	}
}

type persisted struct {
	accepted         []extraction.CandidateRecord
	duplicates       []Duplicate
	linkWarnings     []string
	vulnerabilityIDs []int64
	optionIDs        []int64
}

func (o *Orchestrator) process(ctx context.Context, claimed db.ClaimedSubmission, logger zerolog.Logger) (int, error) {
	payload, err := DecodePayload(claimed.Payload)
	if err != nil {
		return 0, err
	}
	inputs := payload.DeriveInputs()

	doc, err := o.loadDocument(ctx, claimed, inputs)
	if err != nil {
		return 0, err
	}
	rawText := doc.Text
	if strings.TrimSpace(rawText) == "" {
		rawText = inputs.RawText
	}
	inputs.Metadata.Language = doc.Language

	extracted, err := o.deps.Extractor.ExtractDetailed(ctx, inputs.Metadata, rawText)
	if err != nil {
		return 0, err
	}
	o.deps.Metrics.observeExtraction(extracted.ProviderName, extracted.Mode, extracted.LatencyMs)
	logger.Debug().
		Str("mode", extracted.Mode).
		Str("shape", string(extracted.Shape)).
		Int("records", len(extracted.Records)).
		Msg("extraction finished")

	cleaned := make([]extraction.CandidateRecord, 0, len(extracted.Records))
	for _, record := range extracted.Records {
		candidate := o.deps.Normalizer.Clean(record)
		if candidate.Vulnerability == "" && len(candidate.Options) == 0 {
			continue
		}
		cleaned = append(cleaned, candidate)
	}

	submissionID := claimed.SubmissionID
	corpus, err := o.deps.Detector.Corpus(ctx, &submissionID)
	if err != nil {
		return 0, err
	}

	saved, err := o.persist(ctx, claimed, inputs, cleaned, corpus)
	if err != nil {
		return 0, err
	}
	o.deps.Metrics.observeDuplicates(len(saved.duplicates))

	// Rows from an earlier run of this submission that this run did not reproduce
	// would otherwise sit next to their reworded replacements.
	superseded, err := o.deps.Store.DeleteSupersededRecords(ctx, claimed.SubmissionID, saved.vulnerabilityIDs, saved.optionIDs)
	if err != nil {
		return 0, err
	}
	if superseded > 0 {
		logger.Info().Int64("superseded", superseded).Msg("removed records from an earlier run")
	}

	enriched, err := o.enrich(payload, extracted, doc, saved)
	if err != nil {
		return 0, err
	}
	if err := payloadschema.ValidateEnrichedPayload(enriched); err != nil {
		return 0, fmt.Errorf("enriched payload is invalid: %w", err)
	}
	if err := o.deps.Store.CompleteSubmission(ctx, claimed.SubmissionID, enriched); err != nil {
		return 0, err
	}
	return len(saved.accepted), nil
}

// loadDocument prefers the stored object, then the payload URL. A submission with
// neither yields an empty document and is extracted from raw_text or metadata.
func (o *Orchestrator) loadDocument(ctx context.Context, claimed db.ClaimedSubmission, inputs Inputs) (extraction.PreparedDocument, error) {
	if claimed.DocumentKey != nil && strings.TrimSpace(*claimed.DocumentKey) != "" {
		if o.deps.ObjectStore == nil {
			return extraction.PreparedDocument{}, fmt.Errorf("submission has document_key %q but no object store is configured", *claimed.DocumentKey)
		}
		data, err := o.deps.ObjectStore.Get(ctx, *claimed.DocumentKey)
		if err != nil {
			return extraction.PreparedDocument{}, fmt.Errorf("load document %q: %w", *claimed.DocumentKey, err)
		}
		return extraction.PrepareDocument(data, inputs.DocumentURL), nil
	}

	if inputs.DocumentURL != "" {
		fetched, err := o.fetch(ctx, inputs.DocumentURL, o.opts.Fetch)
		if err != nil {
			return extraction.PreparedDocument{}, fmt.Errorf("fetch document %q: %w", inputs.DocumentURL, err)
		}
		return extraction.PrepareDocument(fetched.Body, inputs.DocumentURL), nil
	}

	if inputs.RawText != "" {
		return extraction.PrepareDocument([]byte(inputs.RawText), ""), nil
	}
	return extraction.PreparedDocument{}, nil
}

// persist stores accepted candidates with their options and source links. A candidate
// whose vulnerability duplicates the corpus is skipped whole. Accepted statements join
// the corpus so repeats within one extraction are caught too.
func (o *Orchestrator) persist(
	ctx context.Context,
	claimed db.ClaimedSubmission,
	inputs Inputs,
	candidates []extraction.CandidateRecord,
	corpus []string,
) (persisted, error) {
	out := persisted{
		accepted:     make([]extraction.CandidateRecord, 0, len(candidates)),
		duplicates:   []Duplicate{},
		linkWarnings: []string{},
	}
	submissionID := claimed.SubmissionID
	threshold := o.deps.Detector.Threshold()

	for _, candidate := range candidates {
		var vulnerabilityID int64
		if candidate.Vulnerability != "" {
			check := dedup.Check(candidate.Vulnerability, corpus, threshold)
			if check.IsDuplicate {
				out.duplicates = append(out.duplicates, Duplicate{
					Text:       candidate.Vulnerability,
					BestMatch:  check.BestMatch,
					Similarity: check.Similarity,
				})
				continue
			}

			id, _, err := o.deps.Store.InsertVulnerability(ctx, db.InsertVulnerabilityParams{
				SubmissionID: &submissionID,
				Statement:    candidate.Vulnerability,
				Discipline:   candidate.Category,
				Sector:       inputs.Sector,
				Subsector:    inputs.Subsector,
				SourceText:   optional(inputs.Metadata.Title),
			})
			if err != nil {
				return persisted{}, err
			}
			vulnerabilityID = id
			out.vulnerabilityIDs = append(out.vulnerabilityIDs, id)
			corpus = append(corpus, candidate.Vulnerability)

			warnings, err := o.linkCitations(ctx, db.EntityVulnerability, id, nil, candidate.Vulnerability)
			if err != nil {
				return persisted{}, err
			}
			out.linkWarnings = append(out.linkWarnings, warnings...)
		}

		for _, option := range candidate.Options {
			ofcID, _, err := o.deps.Store.InsertOption(ctx, db.InsertOptionParams{
				SubmissionID:   &submissionID,
				Recommendation: option.Text,
				Discipline:     candidate.Category,
				Sector:         inputs.Sector,
				Subsector:      inputs.Subsector,
			})
			if err != nil {
				return persisted{}, err
			}
			out.optionIDs = append(out.optionIDs, ofcID)
			if vulnerabilityID != 0 {
				if err := o.deps.Store.LinkVulnerabilityOption(ctx, vulnerabilityID, ofcID); err != nil {
					return persisted{}, err
				}
			}

			warnings, err := o.linkCitations(ctx, db.EntityOFC, ofcID, option.Sources, option.Text)
			if err != nil {
				return persisted{}, err
			}
			out.linkWarnings = append(out.linkWarnings, warnings...)
		}

		out.accepted = append(out.accepted, candidate)
	}
	return out, nil
}

// linkCitations links explicit citations and the [cite: n] markers found in text.
// Citations that carry bibliographic text create their source first. A reference
// number with no source becomes a warning.
func (o *Orchestrator) linkCitations(ctx context.Context, kind string, entityID int64, citations []extraction.SourceCitation, text string) ([]string, error) {
	seen := make(map[int]struct{})
	refs := make([]int, 0, len(citations))

	for _, citation := range citations {
		if citation.ReferenceNumber <= 0 {
			continue
		}
		if citation.SourceText != "" {
			if _, err := o.deps.Linker.EnsureSource(ctx, citation.ReferenceNumber, citation.SourceText); err != nil {
				return nil, err
			}
		}
		if _, dup := seen[citation.ReferenceNumber]; !dup {
			seen[citation.ReferenceNumber] = struct{}{}
			refs = append(refs, citation.ReferenceNumber)
		}
	}
	for _, ref := range linker.CitedReferenceNumbers(text) {
		if _, dup := seen[ref]; !dup {
			seen[ref] = struct{}{}
			refs = append(refs, ref)
		}
	}

	var warnings []string
	for _, ref := range refs {
		if _, err := o.deps.Linker.LinkSourceToEntity(ctx, kind, entityID, ref); err != nil {
			if errors.Is(err, linker.ErrSourceNotFound) {
				warnings = append(warnings, fmt.Sprintf("%s %d cites unknown source %d", kind, entityID, ref))
				continue
			}
			return nil, err
		}
	}
	return warnings, nil
}

func (o *Orchestrator) enrich(payload Payload, extracted *extraction.Result, doc extraction.PreparedDocument, saved persisted) (json.RawMessage, error) {
	summary := o.deps.Normalizer.Summarize(saved.accepted)

	enriched := make(map[string]any, len(payload)+12)
	for key, value := range payload {
		enriched[key] = value
	}
	enriched["parsed_at"] = globaltime.UTC().Format(time.RFC3339)
	enriched["enhanced_extraction"] = summary.Groups
	enriched["vulnerabilities_count"] = summary.VulnerabilitiesCount
	enriched["options_for_consideration_count"] = summary.OptionsCount
	enriched["extraction_mode"] = extracted.Mode
	enriched["extraction_provider"] = extracted.ProviderName
	enriched["extraction_model"] = extracted.ModelName
	enriched["duplicates"] = saved.duplicates
	enriched["link_warnings"] = saved.linkWarnings
	if doc.Language != "" {
		enriched["document_language"] = doc.Language
	}
	if doc.MIMEType != "" {
		enriched["document_mime_type"] = doc.MIMEType
	}

	encoded, err := json.Marshal(enriched)
	if err != nil {
		return nil, fmt.Errorf("marshal enriched payload: %w", err)
	}
	return encoded, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, extraction.ErrExtractionTimeout):
		return "timeout"
	case errors.Is(err, extraction.ErrExtractionCallFailed):
		return "call_failed"
	case errors.Is(err, extraction.ErrExtractionParse):
		return "parse"
	case errors.Is(err, db.ErrPersistenceWrite):
		return "persistence"
	default:
		return "other"
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
