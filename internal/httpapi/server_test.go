package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"horse.fit/vofc/internal/auth"
	"horse.fit/vofc/internal/db"
	"horse.fit/vofc/internal/dedup"
	"horse.fit/vofc/internal/ingestion"
	"horse.fit/vofc/internal/linker"
)

const (
	testSecret    = "test-secret"
	testSchedKey  = "scheduler-key"
	testOtherUUID = "6f1c1d8e-7a43-4c55-9f43-0a7d3b9d2c11"
)

type stubStore struct {
	pingErr  error
	inserted []db.InsertSubmissionParams
	rows     map[string]db.SubmissionRow
}

func (s *stubStore) Ping(context.Context) error { return s.pingErr }

func (s *stubStore) InsertSubmission(_ context.Context, params db.InsertSubmissionParams) (db.SubmissionRow, error) {
	if _, exists := s.rows[params.SubmissionUUID]; exists {
		return db.SubmissionRow{}, fmt.Errorf("%w: insert submission: duplicate key value violates unique constraint", db.ErrPersistenceWrite)
	}
	s.inserted = append(s.inserted, params)
	return db.SubmissionRow{
		SubmissionID:   int64(len(s.inserted)),
		SubmissionUUID: params.SubmissionUUID,
		Kind:           params.Kind,
		Status:         db.StatusPendingReview,
		Source:         params.Source,
		Payload:        params.Payload,
		DocumentKey:    params.DocumentKey,
	}, nil
}

func (s *stubStore) GetSubmissionByUUID(_ context.Context, submissionUUID string) (db.SubmissionRow, error) {
	row, ok := s.rows[submissionUUID]
	if !ok {
		return db.SubmissionRow{}, db.ErrNoRows
	}
	return row, nil
}

type stubBatches struct {
	result ingestion.BatchResult
	err    error
	opts   []ingestion.BatchOptions
}

func (b *stubBatches) RunBatch(_ context.Context, opts ingestion.BatchOptions) (ingestion.BatchResult, error) {
	b.opts = append(b.opts, opts)
	return b.result, b.err
}

func (b *stubBatches) ProcessOne(_ context.Context, submissionUUID string) (ingestion.ItemResult, bool, error) {
	if submissionUUID != testOtherUUID {
		return ingestion.ItemResult{}, false, nil
	}
	count := 2
	return ingestion.ItemResult{ID: submissionUUID, Success: true, Count: &count}, true, nil
}

type stubDuplicates struct {
	threshold float64
}

func (d *stubDuplicates) CheckAgainstCorpus(_ context.Context, text string, threshold float64) (dedup.Result, error) {
	d.threshold = threshold
	return dedup.Check(text, []string{"Access control systems are not functioning properly"}, threshold), nil
}

type stubSources struct {
	existing map[int]bool
}

func (s *stubSources) LinkSourceToEntity(_ context.Context, kind string, _ int64, ref int) (linker.LinkResult, error) {
	if kind != db.EntityVulnerability && kind != db.EntityOFC {
		return linker.LinkResult{}, linker.ErrUnknownEntityKind
	}
	if !s.existing[ref] {
		return linker.LinkResult{}, fmt.Errorf("%w: reference number %d", linker.ErrSourceNotFound, ref)
	}
	return linker.LinkResult{SourceID: int64(ref), Created: true}, nil
}

func (s *stubSources) UnlinkSourceFromEntity(_ context.Context, _ string, _ int64, ref int) (linker.UnlinkResult, error) {
	return linker.UnlinkResult{SourceID: int64(ref), Removed: true}, nil
}

func (s *stubSources) PruneEntityCitations(context.Context) (linker.PruneReport, error) {
	return linker.PruneReport{Scanned: 3, Rewritten: 1}, nil
}

type stubUploader struct {
	keys map[string][]byte
}

func (u *stubUploader) Put(_ context.Context, key string, data []byte, _ string) error {
	u.keys[key] = data
	return nil
}

type harness struct {
	store    *stubStore
	batches  *stubBatches
	dups     *stubDuplicates
	uploader *stubUploader
	handler  http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testSchedKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash key: %v", err)
	}

	h := &harness{
		store:    &stubStore{rows: map[string]db.SubmissionRow{}},
		batches:  &stubBatches{},
		dups:     &stubDuplicates{},
		uploader: &stubUploader{keys: map[string][]byte{}},
	}
	server := NewServer(Dependencies{
		Store:      h.store,
		Batches:    h.batches,
		Duplicates: h.dups,
		Sources:    &stubSources{existing: map[int]bool{4: true}},
		Objects:    h.uploader,
		Authorizer: auth.NewAuthorizer(testSecret, string(hash)),
		Metrics:    http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics\n")) }),
	}, zerolog.Nop(), Options{})
	h.handler = server.Handler()
	return h
}

func (h *harness) do(t *testing.T, method, target, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func adminToken(t *testing.T) string {
	t.Helper()
	token, err := auth.IssueToken(testSecret, "admin-1", auth.RoleAdmin, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if rec := h.do(t, http.MethodGet, "/api/v1/health", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusOK)
	}

	h.store.pingErr = errors.New("connection refused")
	if rec := h.do(t, http.MethodGet, "/api/v1/health", "", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestProtectedRoutesRequireAdmin(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if rec := h.do(t, http.MethodPost, "/api/v1/ingestion/process-queue", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status without token: got %d want %d", rec.Code, http.StatusUnauthorized)
	}

	viewer, err := auth.IssueToken(testSecret, "viewer-1", "viewer", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if rec := h.do(t, http.MethodPost, "/api/v1/ingestion/process-queue", "", viewer); rec.Code != http.StatusForbidden {
		t.Fatalf("unexpected status for viewer: got %d want %d", rec.Code, http.StatusForbidden)
	}
	if rec := h.do(t, http.MethodPost, "/api/v1/ingestion/process-queue", "", testSchedKey); rec.Code != http.StatusOK {
		t.Fatalf("unexpected status for scheduler key: got %d want %d", rec.Code, http.StatusOK)
	}
}

func TestProcessQueueReturnsBatchReport(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	count := 3
	h.batches.result = ingestion.BatchResult{
		Processed: 1,
		Failed:    1,
		Results: []ingestion.ItemResult{
			{ID: "a", Success: true, Count: &count},
			{ID: "b", Success: false, Error: "extraction call failed"},
		},
	}

	rec := h.do(t, http.MethodPost, "/api/v1/ingestion/process-queue?source=manual", `{"limit":5,"pacing_ms":10}`, adminToken(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d want %d body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var body map[string]any
	decode(t, rec, &body)
	if body["success"] != true || body["processed"] != float64(1) || body["failed"] != float64(1) {
		t.Fatalf("unexpected body: %v", body)
	}
	results, ok := body["results"].([]any)
	if !ok || len(results) != 2 {
		t.Fatalf("unexpected results: %v", body["results"])
	}

	got := h.batches.opts[0]
	if got.Source != "manual" || got.Limit != 5 || got.Pacing != 10*time.Millisecond {
		t.Fatalf("unexpected batch options: %+v", got)
	}
}

func TestProcessQueueEmptyBatchKeepsResultsArray(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/v1/ingestion/process-queue", "", adminToken(t))
	if !strings.Contains(rec.Body.String(), `"results":[]`) {
		t.Fatalf("expected empty results array, got %s", rec.Body.String())
	}
}

func TestProcessQueueStoreUnreachable(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.batches.err = fmt.Errorf("%w: dial tcp: refused", ingestion.ErrStoreUnreachable)

	rec := h.do(t, http.MethodPost, "/api/v1/ingestion/process-queue", "", adminToken(t))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusServiceUnavailable)
	}
	var body map[string]any
	decode(t, rec, &body)
	if body["success"] != false || body["error"] == "" {
		t.Fatalf("unexpected body: %v", body)
	}
	if _, ok := body["results"]; ok {
		t.Fatalf("systemic failure must not carry a report: %v", body)
	}
}

func TestProcessOne(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	token := adminToken(t)
	if rec := h.do(t, http.MethodPost, "/api/v1/ingestion/process-one/"+testOtherUUID, "", token); rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusOK)
	}
	if rec := h.do(t, http.MethodPost, "/api/v1/ingestion/process-one/11111111-1111-1111-1111-111111111111", "", token); rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusNotFound)
	}
	if rec := h.do(t, http.MethodPost, "/api/v1/ingestion/process-one/nope", "", token); rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestCreateSubmissionUploadsInlineDocument(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	document := base64.StdEncoding.EncodeToString([]byte("Security survey text"))
	body := fmt.Sprintf(`{
		"submission_uuid": %q,
		"kind": "vulnerability",
		"source": "manual",
		"payload": {"source_title": "Site Survey", "publication_year": 2022},
		"document_name": "site survey.txt",
		"document_base64": %q
	}`, testOtherUUID, document)

	rec := h.do(t, http.MethodPost, "/api/v1/submissions", body, adminToken(t))
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status: got %d want %d body=%s", rec.Code, http.StatusCreated, rec.Body.String())
	}

	wantKey := "uploads/" + testOtherUUID + "/site_survey.txt"
	if string(h.uploader.keys[wantKey]) != "Security survey text" {
		t.Fatalf("document not uploaded under %q: got keys %v", wantKey, h.uploader.keys)
	}
	if len(h.store.inserted) != 1 {
		t.Fatalf("unexpected insert count: got %d want 1", len(h.store.inserted))
	}
	inserted := h.store.inserted[0]
	if inserted.DocumentKey == nil || *inserted.DocumentKey != wantKey {
		t.Fatalf("unexpected document key: got %v want %q", inserted.DocumentKey, wantKey)
	}
	if inserted.SubmissionUUID != testOtherUUID || inserted.Source != "manual" {
		t.Fatalf("unexpected insert params: %+v", inserted)
	}
}

func TestCreateSubmissionRejectsInvalidIntake(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/v1/submissions", `{"kind":"other","source":"sync","payload":{}}`, adminToken(t))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusBadRequest)
	}
	if len(h.store.inserted) != 0 {
		t.Fatalf("invalid intake was stored")
	}
}

func TestCreateSubmissionConflict(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.store.rows[testOtherUUID] = db.SubmissionRow{SubmissionUUID: testOtherUUID}
	body := fmt.Sprintf(`{"submission_uuid":%q,"kind":"ofc","source":"sync","payload":{}}`, testOtherUUID)

	rec := h.do(t, http.MethodPost, "/api/v1/submissions", body, adminToken(t))
	if rec.Code != http.StatusConflict {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusConflict)
	}
}

func TestGetSubmission(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.store.rows[testOtherUUID] = db.SubmissionRow{
		SubmissionUUID: testOtherUUID,
		Kind:           db.EntityVulnerability,
		Status:         db.StatusCompleted,
		Source:         "sync",
		Payload:        json.RawMessage(`{"vulnerabilities_count":1}`),
	}
	token := adminToken(t)

	rec := h.do(t, http.MethodGet, "/api/v1/submissions/"+testOtherUUID, "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusOK)
	}
	var body struct {
		Status string             `json:"status"`
		Data   submissionResponse `json:"data"`
	}
	decode(t, rec, &body)
	if body.Status != "success" || body.Data.Status != db.StatusCompleted {
		t.Fatalf("unexpected body: %+v", body)
	}

	missing := h.do(t, http.MethodGet, "/api/v1/submissions/11111111-1111-1111-1111-111111111111", "", token)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: got %d want %d", missing.Code, http.StatusNotFound)
	}
}

func TestCheckDuplicates(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	token := adminToken(t)

	rec := h.do(t, http.MethodPost, "/api/v1/check-duplicates", `{"text":"Access control systems are not functioning correctly"}`, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusOK)
	}
	var body struct {
		Data dedup.Result `json:"data"`
	}
	decode(t, rec, &body)
	if !body.Data.IsDuplicate {
		t.Fatalf("expected duplicate, got %+v", body.Data)
	}
	if h.dups.threshold != 0 {
		t.Fatalf("unexpected threshold passed through: got %v want 0", h.dups.threshold)
	}

	if rec := h.do(t, http.MethodPost, "/api/v1/check-duplicates", `{"text":"  "}`, token); rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status for blank text: got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, "/api/v1/check-duplicates", `{"text":"x","threshold":1.5}`, token); rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status for bad threshold: got %d", rec.Code)
	}
}

func TestSourceLinks(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	token := adminToken(t)

	if rec := h.do(t, http.MethodPost, "/api/v1/sources/4/links", `{"entity_type":"ofc","entity_id":12}`, token); rec.Code != http.StatusCreated {
		t.Fatalf("unexpected link status: got %d want %d", rec.Code, http.StatusCreated)
	}
	if rec := h.do(t, http.MethodPost, "/api/v1/sources/9/links", `{"entity_type":"ofc","entity_id":12}`, token); rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status for unknown source: got %d want %d", rec.Code, http.StatusNotFound)
	}
	if rec := h.do(t, http.MethodPost, "/api/v1/sources/4/links", `{"entity_type":"story","entity_id":12}`, token); rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status for unknown kind: got %d want %d", rec.Code, http.StatusBadRequest)
	}
	if rec := h.do(t, http.MethodDelete, "/api/v1/sources/4/links?entity_type=vulnerability&entity_id=3", "", token); rec.Code != http.StatusOK {
		t.Fatalf("unexpected unlink status: got %d want %d", rec.Code, http.StatusOK)
	}
	if rec := h.do(t, http.MethodPost, "/api/v1/sources/0/links", `{"entity_type":"ofc","entity_id":12}`, token); rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status for bad reference: got %d want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestPruneCitationsAndMetrics(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/v1/citations/prune", "", adminToken(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusOK)
	}
	var body struct {
		Data linker.PruneReport `json:"data"`
	}
	decode(t, rec, &body)
	if body.Data.Scanned != 3 || body.Data.Rewritten != 1 {
		t.Fatalf("unexpected report: %+v", body.Data)
	}

	metrics := h.do(t, http.MethodGet, "/metrics", "", "")
	if metrics.Code != http.StatusOK || !strings.Contains(metrics.Body.String(), "# metrics") {
		t.Fatalf("unexpected metrics response: %d %q", metrics.Code, metrics.Body.String())
	}
}

func TestUnknownAPIRouteUsesJSend(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/api/v1/nope", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusNotFound)
	}
	var body jsendResponse
	decode(t, rec, &body)
	if body.Status != "fail" {
		t.Fatalf("unexpected envelope: %+v", body)
	}
}
