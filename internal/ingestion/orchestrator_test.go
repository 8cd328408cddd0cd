package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"horse.fit/vofc/internal/db"
	"horse.fit/vofc/internal/extraction"
	"horse.fit/vofc/internal/linker"
	"horse.fit/vofc/internal/normalize"
)

type releaseCall struct {
	submissionID   int64
	previousStatus string
	lastError      string
}

type linkCall struct {
	kind     string
	entityID int64
	ref      int
}

type storedRecord struct {
	submissionID int64
	kind         string
	text         string
}

type stubStore struct {
	mu sync.Mutex

	pingErr  error
	claimErr error
	queue    []db.ClaimedSubmission
	byUUID   map[string]db.ClaimedSubmission

	completed map[int64]json.RawMessage
	released  []releaseCall
	vulns     []db.InsertVulnerabilityParams
	options   []db.InsertOptionParams
	pairs     [][2]int64
	nextID    int64
	// rows holds the stored vulnerabilities and options by id.
	rows      map[int64]storedRecord
	unclaimed []releaseCall
}

func newStubStore(items ...db.ClaimedSubmission) *stubStore {
	return &stubStore{
		queue:     items,
		byUUID:    map[string]db.ClaimedSubmission{},
		completed: map[int64]json.RawMessage{},
		rows:      map[int64]storedRecord{},
	}
}

func (s *stubStore) Ping(context.Context) error { return s.pingErr }

func (s *stubStore) ReleaseStaleClaims(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func (s *stubStore) ClaimNextPendingSubmission(_ context.Context, source string) (db.ClaimedSubmission, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return db.ClaimedSubmission{}, false, s.claimErr
	}
	for i, item := range s.queue {
		if item.Source != source {
			continue
		}
		s.queue = append(s.queue[:i:i], s.queue[i+1:]...)
		return item, true, nil
	}
	return db.ClaimedSubmission{}, false, nil
}

func (s *stubStore) ClaimSubmissionByUUID(_ context.Context, submissionUUID string) (db.ClaimedSubmission, bool, error) {
	item, ok := s.byUUID[submissionUUID]
	return item, ok, nil
}

func (s *stubStore) CompleteSubmission(_ context.Context, submissionID int64, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[submissionID] = payload
	return nil
}

func (s *stubStore) ReleaseSubmission(_ context.Context, submissionID int64, previousStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, releaseCall{submissionID: submissionID, previousStatus: previousStatus, lastError: lastError})
	return nil
}

func (s *stubStore) UnclaimSubmission(_ context.Context, submissionID int64, previousStatus string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unclaimed = append(s.unclaimed, releaseCall{submissionID: submissionID, previousStatus: previousStatus})
	return nil
}

// insertRow mimics the (submission_id, text hash) uniqueness of the record tables.
func (s *stubStore) insertRow(submissionID *int64, kind, text string) (int64, bool) {
	var owner int64
	if submissionID != nil {
		owner = *submissionID
	}
	for id, row := range s.rows {
		if row.submissionID == owner && row.kind == kind && bytes.Equal(db.TextHash(row.text), db.TextHash(text)) {
			return id, false
		}
	}
	s.nextID++
	s.rows[s.nextID] = storedRecord{submissionID: owner, kind: kind, text: text}
	return s.nextID, true
}

func (s *stubStore) InsertVulnerability(_ context.Context, params db.InsertVulnerabilityParams) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vulns = append(s.vulns, params)
	id, created := s.insertRow(params.SubmissionID, db.EntityVulnerability, params.Statement)
	return id, created, nil
}

func (s *stubStore) InsertOption(_ context.Context, params db.InsertOptionParams) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.options = append(s.options, params)
	id, created := s.insertRow(params.SubmissionID, db.EntityOFC, params.Recommendation)
	return id, created, nil
}

func (s *stubStore) DeleteSupersededRecords(_ context.Context, submissionID int64, keepVulnerabilityIDs, keepOptionIDs []int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := make(map[int64]struct{}, len(keepVulnerabilityIDs)+len(keepOptionIDs))
	for _, id := range keepVulnerabilityIDs {
		keep[id] = struct{}{}
	}
	for _, id := range keepOptionIDs {
		keep[id] = struct{}{}
	}
	var deleted int64
	for id, row := range s.rows {
		if row.submissionID != submissionID {
			continue
		}
		if _, ok := keep[id]; ok {
			continue
		}
		delete(s.rows, id)
		deleted++
	}
	return deleted, nil
}

// texts returns the stored texts of one submission and kind.
func (s *stubStore) texts(submissionID int64, kind string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, row := range s.rows {
		if row.submissionID == submissionID && row.kind == kind {
			out = append(out, row.text)
		}
	}
	sort.Strings(out)
	return out
}

func (s *stubStore) LinkVulnerabilityOption(_ context.Context, vulnerabilityID, ofcID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs = append(s.pairs, [2]int64{vulnerabilityID, ofcID})
	return nil
}

type stubExtractor struct {
	// results is keyed by document title.
	results map[string][]extraction.CandidateRecord
	errs    map[string]error
	seen    []extraction.DocumentMetadata
}

func (e *stubExtractor) ExtractDetailed(_ context.Context, meta extraction.DocumentMetadata, rawText string) (*extraction.Result, error) {
	e.seen = append(e.seen, meta)
	if err := e.errs[meta.Title]; err != nil {
		return nil, err
	}
	return &extraction.Result{
		Records:      e.results[meta.Title],
		Mode:         extraction.SelectMode(rawText, extraction.DefaultMinTextLength),
		Shape:        extraction.ShapeBareArray,
		ProviderName: "stub",
		ModelName:    "stub-model",
		LatencyMs:    5,
	}, nil
}

type stubLinker struct {
	known   map[int]bool
	ensured []int
	links   []linkCall
}

func (l *stubLinker) EnsureSource(_ context.Context, ref int, _ string) (int64, error) {
	l.ensured = append(l.ensured, ref)
	if l.known == nil {
		l.known = map[int]bool{}
	}
	l.known[ref] = true
	return int64(ref) * 100, nil
}

func (l *stubLinker) LinkSourceToEntity(_ context.Context, kind string, entityID int64, ref int) (linker.LinkResult, error) {
	if !l.known[ref] {
		return linker.LinkResult{}, fmt.Errorf("%w: reference number %d", linker.ErrSourceNotFound, ref)
	}
	l.links = append(l.links, linkCall{kind: kind, entityID: entityID, ref: ref})
	return linker.LinkResult{SourceID: int64(ref) * 100, Created: true}, nil
}

type stubDetector struct {
	corpus   []string
	excluded []int64
}

func (d *stubDetector) Corpus(_ context.Context, exclude *int64) ([]string, error) {
	if exclude != nil {
		d.excluded = append(d.excluded, *exclude)
	}
	return append([]string(nil), d.corpus...), nil
}

func (d *stubDetector) Threshold() float64 { return 0.7 }

func submission(id int64, title string) db.ClaimedSubmission {
	payload, _ := json.Marshal(map[string]any{"source_title": title, "publication_year": "2020"})
	return db.ClaimedSubmission{
		SubmissionRow: db.SubmissionRow{
			SubmissionID:   id,
			SubmissionUUID: fmt.Sprintf("00000000-0000-0000-0000-%012d", id),
			Kind:           db.EntityVulnerability,
			Status:         db.StatusProcessing,
			Source:         DefaultSource,
			Payload:        payload,
		},
		PreviousStatus: db.StatusPendingReview,
	}
}

func record(category, vulnerability string, options ...string) extraction.CandidateRecord {
	out := extraction.CandidateRecord{Category: category, Vulnerability: vulnerability}
	for _, option := range options {
		out.Options = append(out.Options, extraction.OptionRecord{Text: option})
	}
	return out
}

type fixture struct {
	store     *stubStore
	extractor *stubExtractor
	linker    *stubLinker
	detector  *stubDetector
	sleeps    []time.Duration
}

func newOrchestrator(t *testing.T, f *fixture, opts Options) *Orchestrator {
	t.Helper()
	if f.extractor == nil {
		f.extractor = &stubExtractor{}
	}
	if f.linker == nil {
		f.linker = &stubLinker{}
	}
	if f.detector == nil {
		f.detector = &stubDetector{}
	}
	o, err := New(Dependencies{
		Store:      f.store,
		Extractor:  f.extractor,
		Linker:     f.linker,
		Detector:   f.detector,
		Normalizer: normalize.NewNormalizer(nil),
		Logger:     zerolog.Nop(),
	}, opts)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	o.sleep = func(_ context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return nil
	}
	return o
}

func TestRunBatchContinuesPastFailedItem(t *testing.T) {
	t.Parallel()

	f := &fixture{
		store: newStubStore(submission(1, "one"), submission(2, "two"), submission(3, "three")),
		extractor: &stubExtractor{
			results: map[string][]extraction.CandidateRecord{
				"one":   {record("Perimeter", "Fence line has gaps near the loading dock", "Repair the fence")},
				"three": {record("Cyber", "Badge readers run unpatched firmware")},
			},
			errs: map[string]error{
				"two": fmt.Errorf("%w: connection refused", extraction.ErrExtractionCallFailed),
			},
		},
	}
	o := newOrchestrator(t, f, Options{})

	result, err := o.RunBatch(context.Background(), BatchOptions{Limit: 3})
	if err != nil {
		t.Fatalf("RunBatch returned error: %v", err)
	}
	if result.Processed != 2 || result.Failed != 1 {
		t.Fatalf("unexpected counts: got processed=%d failed=%d want 2/1", result.Processed, result.Failed)
	}
	if len(result.Results) != 3 {
		t.Fatalf("unexpected result count: got %d want 3", len(result.Results))
	}
	if result.Results[1].Success || result.Results[1].Error == "" {
		t.Fatalf("unexpected second item: got %+v", result.Results[1])
	}
	if result.Results[0].Count == nil || *result.Results[0].Count != 1 {
		t.Fatalf("unexpected first item count: got %v want 1", result.Results[0].Count)
	}

	if _, ok := f.store.completed[2]; ok {
		t.Fatalf("failed submission was completed")
	}
	if len(f.store.completed) != 2 {
		t.Fatalf("unexpected completed count: got %d want 2", len(f.store.completed))
	}
	if len(f.store.released) != 1 {
		t.Fatalf("unexpected release count: got %d want 1", len(f.store.released))
	}
	release := f.store.released[0]
	if release.submissionID != 2 || release.previousStatus != db.StatusPendingReview {
		t.Fatalf("unexpected release: got %+v", release)
	}
	if !strings.Contains(release.lastError, "connection refused") {
		t.Fatalf("unexpected last error: got %q", release.lastError)
	}
	if len(f.store.pairs) != 1 {
		t.Fatalf("unexpected vulnerability/option links: got %d want 1", len(f.store.pairs))
	}
}

func TestRunBatchStoreUnreachable(t *testing.T) {
	t.Parallel()

	store := newStubStore(submission(1, "one"))
	store.pingErr = errors.New("dial tcp: connection refused")
	f := &fixture{store: store}
	o := newOrchestrator(t, f, Options{})

	result, err := o.RunBatch(context.Background(), BatchOptions{})
	if !errors.Is(err, ErrStoreUnreachable) {
		t.Fatalf("unexpected error: got %v want %v", err, ErrStoreUnreachable)
	}
	if result.Results != nil || result.Processed != 0 {
		t.Fatalf("unexpected report on unreachable store: got %+v", result)
	}
	if len(store.queue) != 1 {
		t.Fatalf("submission was claimed despite failed ping")
	}
}

func TestRunBatchPacesBetweenItemsOnly(t *testing.T) {
	t.Parallel()

	f := &fixture{store: newStubStore(submission(1, "a"), submission(2, "b"), submission(3, "c"))}
	o := newOrchestrator(t, f, Options{Pacing: 300 * time.Millisecond})

	if _, err := o.RunBatch(context.Background(), BatchOptions{Limit: 10}); err != nil {
		t.Fatalf("RunBatch returned error: %v", err)
	}
	// two pauses for three items; the empty claim ends the batch without one.
	if len(f.sleeps) != 2 {
		t.Fatalf("unexpected pause count: got %d want 2", len(f.sleeps))
	}
	for _, d := range f.sleeps {
		if d != 300*time.Millisecond {
			t.Fatalf("unexpected pause: got %v want 300ms", d)
		}
	}

	f2 := &fixture{store: newStubStore(submission(1, "a"), submission(2, "b"))}
	o2 := newOrchestrator(t, f2, Options{Pacing: 300 * time.Millisecond})
	if _, err := o2.RunBatch(context.Background(), BatchOptions{Limit: 2, Pacing: time.Second}); err != nil {
		t.Fatalf("RunBatch returned error: %v", err)
	}
	if len(f2.sleeps) != 1 || f2.sleeps[0] != time.Second {
		t.Fatalf("unexpected pauses with override: got %v want [1s]", f2.sleeps)
	}
}

func TestRunBatchStopsWhenCancelledBetweenItems(t *testing.T) {
	t.Parallel()

	f := &fixture{store: newStubStore(submission(1, "a"), submission(2, "b"), submission(3, "c"))}
	o := newOrchestrator(t, f, Options{Pacing: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	result, err := o.RunBatch(ctx, BatchOptions{Limit: 3})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected error: got %v want %v", err, context.Canceled)
	}
	if result.StoppedReason != StoppedCancelled {
		t.Fatalf("unexpected stop reason: got %q want %q", result.StoppedReason, StoppedCancelled)
	}
	if result.Processed != 1 || len(f.store.queue) != 1 {
		t.Fatalf("unexpected progress: processed=%d remaining=%d", result.Processed, len(f.store.queue))
	}
	if len(f.store.unclaimed) != 1 || f.store.unclaimed[0].submissionID != 2 {
		t.Fatalf("claimed item was not handed back: got %+v", f.store.unclaimed)
	}
	if f.store.unclaimed[0].previousStatus != db.StatusPendingReview {
		t.Fatalf("unexpected unclaim status: got %q want %q", f.store.unclaimed[0].previousStatus, db.StatusPendingReview)
	}
	if len(f.store.released) != 0 || len(f.store.completed) != 1 {
		t.Fatalf("unexpected releases=%d completions=%d", len(f.store.released), len(f.store.completed))
	}
}

func TestRunBatchSkipsPauseBeforeEmptyClaim(t *testing.T) {
	t.Parallel()

	f := &fixture{store: newStubStore(submission(1, "a"))}
	o := newOrchestrator(t, f, Options{Pacing: time.Second})

	result, err := o.RunBatch(context.Background(), BatchOptions{Limit: 5})
	if err != nil {
		t.Fatalf("RunBatch returned error: %v", err)
	}
	if result.Processed != 1 {
		t.Fatalf("unexpected processed count: got %d want 1", result.Processed)
	}
	if len(f.sleeps) != 0 {
		t.Fatalf("unexpected pauses: got %v want none", f.sleeps)
	}
}

func TestRunBatchStopsOnClaimError(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	store.claimErr = errors.New("deadlock detected")
	f := &fixture{store: store}
	o := newOrchestrator(t, f, Options{})

	result, err := o.RunBatch(context.Background(), BatchOptions{})
	if err == nil {
		t.Fatalf("expected claim error")
	}
	if result.StoppedReason != StoppedClaimFailed {
		t.Fatalf("unexpected stop reason: got %q want %q", result.StoppedReason, StoppedClaimFailed)
	}
}

func TestRunBatchSkipsDuplicateVulnerabilities(t *testing.T) {
	t.Parallel()

	f := &fixture{
		store: newStubStore(submission(7, "doc")),
		extractor: &stubExtractor{results: map[string][]extraction.CandidateRecord{
			"doc": {
				record("Access Control", "Access control systems are not functioning correctly", "Service the controllers"),
				record("Lighting", "Parking lot lighting is insufficient at night", "Add fixtures"),
				record("Lighting", "Parking lot lighting is insufficient at night", "Add timers"),
			},
		}},
		detector: &stubDetector{corpus: []string{"Access control systems are not functioning properly"}},
	}
	o := newOrchestrator(t, f, Options{})

	result, err := o.RunBatch(context.Background(), BatchOptions{})
	if err != nil {
		t.Fatalf("RunBatch returned error: %v", err)
	}
	if result.Processed != 1 || result.Results[0].Count == nil || *result.Results[0].Count != 1 {
		t.Fatalf("unexpected result: got %+v", result.Results)
	}
	if len(f.detector.excluded) != 1 || f.detector.excluded[0] != 7 {
		t.Fatalf("corpus did not exclude the submission itself: got %v", f.detector.excluded)
	}
	if len(f.store.vulns) != 1 || len(f.store.options) != 1 {
		t.Fatalf("unexpected inserts: got %d vulns %d options want 1/1", len(f.store.vulns), len(f.store.options))
	}

	var enriched struct {
		Duplicates           []Duplicate `json:"duplicates"`
		VulnerabilitiesCount int         `json:"vulnerabilities_count"`
		OptionsCount         int         `json:"options_for_consideration_count"`
		SourceTitle          string      `json:"source_title"`
		ExtractionMode       string      `json:"extraction_mode"`
	}
	if err := json.Unmarshal(f.store.completed[7], &enriched); err != nil {
		t.Fatalf("decode enriched payload: %v", err)
	}
	if len(enriched.Duplicates) != 2 {
		t.Fatalf("unexpected duplicates: got %d want 2", len(enriched.Duplicates))
	}
	if enriched.Duplicates[0].Similarity < 0.7 {
		t.Fatalf("unexpected similarity: got %v want >= 0.7", enriched.Duplicates[0].Similarity)
	}
	if enriched.VulnerabilitiesCount != 1 || enriched.OptionsCount != 1 {
		t.Fatalf("unexpected counts: got %d/%d want 1/1", enriched.VulnerabilitiesCount, enriched.OptionsCount)
	}
	if enriched.SourceTitle != "doc" {
		t.Fatalf("original payload fields were dropped: got %q", enriched.SourceTitle)
	}
	if enriched.ExtractionMode != extraction.ModeMetadata {
		t.Fatalf("unexpected mode: got %q want %q", enriched.ExtractionMode, extraction.ModeMetadata)
	}
}

func TestRunBatchLinksCitationsAndWarnsOnUnknownSources(t *testing.T) {
	t.Parallel()

	candidate := extraction.CandidateRecord{
		Category:      "Security Management",
		Vulnerability: "No written security plan exists [cite: 4]",
		Options: []extraction.OptionRecord{{
			Text:    "Adopt a written plan",
			Sources: []extraction.SourceCitation{{ReferenceNumber: 12, SourceText: "FEMA 426"}},
		}},
	}
	f := &fixture{
		store:     newStubStore(submission(3, "plan")),
		extractor: &stubExtractor{results: map[string][]extraction.CandidateRecord{"plan": {candidate}}},
	}
	o := newOrchestrator(t, f, Options{})

	if _, err := o.RunBatch(context.Background(), BatchOptions{}); err != nil {
		t.Fatalf("RunBatch returned error: %v", err)
	}
	if len(f.linker.ensured) != 1 || f.linker.ensured[0] != 12 {
		t.Fatalf("unexpected ensured sources: got %v want [12]", f.linker.ensured)
	}
	if len(f.linker.links) != 1 || f.linker.links[0].kind != db.EntityOFC || f.linker.links[0].ref != 12 {
		t.Fatalf("unexpected links: got %+v", f.linker.links)
	}

	var enriched struct {
		LinkWarnings []string `json:"link_warnings"`
	}
	if err := json.Unmarshal(f.store.completed[3], &enriched); err != nil {
		t.Fatalf("decode enriched payload: %v", err)
	}
	if len(enriched.LinkWarnings) != 1 {
		t.Fatalf("unexpected link warnings: got %v want one", enriched.LinkWarnings)
	}
}

func TestProcessOneClaimsByUUID(t *testing.T) {
	t.Parallel()

	item := submission(9, "single")
	item.PreviousStatus = db.StatusCompleted
	item.Payload = json.RawMessage(`"{\"source_title\":\"single\"}"`)
	store := newStubStore()
	store.byUUID[item.SubmissionUUID] = item
	f := &fixture{
		store:     store,
		extractor: &stubExtractor{results: map[string][]extraction.CandidateRecord{"single": {record("", "Lobby has no visitor screening")}}},
	}
	o := newOrchestrator(t, f, Options{})

	got, ok, err := o.ProcessOne(context.Background(), item.SubmissionUUID)
	if err != nil || !ok {
		t.Fatalf("ProcessOne returned ok=%v err=%v", ok, err)
	}
	if !got.Success || got.ID != item.SubmissionUUID {
		t.Fatalf("unexpected item result: got %+v", got)
	}
	if len(f.store.vulns) != 1 || f.store.vulns[0].Discipline != normalize.DefaultCategory {
		t.Fatalf("unexpected inserted discipline: got %+v", f.store.vulns)
	}

	_, ok, err = o.ProcessOne(context.Background(), "11111111-1111-1111-1111-111111111111")
	if err != nil || ok {
		t.Fatalf("unexpected result for unknown uuid: ok=%v err=%v", ok, err)
	}
	if _, _, err := o.ProcessOne(context.Background(), "not-a-uuid"); err == nil {
		t.Fatalf("expected error for malformed uuid")
	}
}

func TestProcessOneReplacesRecordsOfEarlierRun(t *testing.T) {
	t.Parallel()

	item := submission(11, "survey")
	item.PreviousStatus = db.StatusCompleted
	store := newStubStore()
	store.byUUID[item.SubmissionUUID] = item
	other := int64(12)
	if _, _, err := store.InsertVulnerability(context.Background(), db.InsertVulnerabilityParams{SubmissionID: &other, Statement: "Loading dock door is propped open"}); err != nil {
		t.Fatalf("seed other submission: %v", err)
	}

	extractor := &stubExtractor{results: map[string][]extraction.CandidateRecord{
		"survey": {
			record("Video Surveillance", "Perimeter has no cameras", "Install perimeter cameras"),
			record("Lighting", "Stairwells are poorly lit", "Add stairwell lighting"),
		},
	}}
	f := &fixture{store: store, extractor: extractor}
	o := newOrchestrator(t, f, Options{})
	ctx := context.Background()

	if _, ok, err := o.ProcessOne(ctx, item.SubmissionUUID); err != nil || !ok {
		t.Fatalf("first run returned ok=%v err=%v", ok, err)
	}

	extractor.results["survey"] = []extraction.CandidateRecord{
		record("Video Surveillance", "Facility lacks perimeter cameras", "Install perimeter cameras"),
		record("Lighting", "Stairwells are poorly lit", "Add stairwell lighting"),
	}
	got, ok, err := o.ProcessOne(ctx, item.SubmissionUUID)
	if err != nil || !ok || !got.Success {
		t.Fatalf("second run returned %+v ok=%v err=%v", got, ok, err)
	}
	if got.Count == nil || *got.Count != 2 {
		t.Fatalf("unexpected count: got %v want 2", got.Count)
	}

	wantVulns := []string{"Facility lacks perimeter cameras", "Stairwells are poorly lit"}
	if diff := cmp.Diff(wantVulns, store.texts(11, db.EntityVulnerability)); diff != "" {
		t.Fatalf("unexpected stored vulnerabilities (-want +got):\n%s", diff)
	}
	wantOptions := []string{"Add stairwell lighting", "Install perimeter cameras"}
	if diff := cmp.Diff(wantOptions, store.texts(11, db.EntityOFC)); diff != "" {
		t.Fatalf("unexpected stored options (-want +got):\n%s", diff)
	}
	if got := store.texts(12, db.EntityVulnerability); len(got) != 1 {
		t.Fatalf("other submission rows were touched: got %v", got)
	}

	var enriched struct {
		VulnerabilitiesCount int `json:"vulnerabilities_count"`
		OptionsCount         int `json:"options_for_consideration_count"`
	}
	if err := json.Unmarshal(store.completed[11], &enriched); err != nil {
		t.Fatalf("decode enriched payload: %v", err)
	}
	if enriched.VulnerabilitiesCount != 2 || enriched.OptionsCount != 2 {
		t.Fatalf("enriched counts disagree with stored rows: got %d/%d want 2/2", enriched.VulnerabilitiesCount, enriched.OptionsCount)
	}
}

func TestFailureReason(t *testing.T) {
	t.Parallel()

	cases := map[error]string{
		fmt.Errorf("x: %w", extraction.ErrExtractionTimeout):    "timeout",
		fmt.Errorf("x: %w", extraction.ErrExtractionCallFailed): "call_failed",
		fmt.Errorf("x: %w", extraction.ErrExtractionParse):      "parse",
		fmt.Errorf("x: %w", db.ErrPersistenceWrite):             "persistence",
		errors.New("boom"): "other",
	}
	for err, want := range cases {
		if got := failureReason(err); got != want {
			t.Fatalf("unexpected reason for %v: got %q want %q", err, got, want)
		}
	}
}

func TestSchedulerStartStop(t *testing.T) {
	t.Parallel()

	f := &fixture{store: newStubStore()}
	o := newOrchestrator(t, f, Options{})

	s, err := NewScheduler(o, "@every 1h", BatchOptions{}, time.Minute, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewScheduler returned error: %v", err)
	}
	s.Start()
	s.Stop()

	if _, err := NewScheduler(o, "not a schedule", BatchOptions{}, 0, zerolog.Nop()); err == nil {
		t.Fatalf("expected error for invalid schedule")
	}
}
