package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"horse.fit/vofc/internal/db"
	"horse.fit/vofc/internal/ingestion"
	"horse.fit/vofc/internal/linker"
	"horse.fit/vofc/internal/storage"
	payloadschema "horse.fit/vofc/schema"
)

type submissionResponse struct {
	SubmissionUUID string          `json:"submission_uuid"`
	Kind           string          `json:"kind"`
	Status         string          `json:"status"`
	Source         string          `json:"source"`
	Payload        json.RawMessage `json:"payload"`
	DocumentKey    *string         `json:"document_key,omitempty"`
	Attempts       int             `json:"attempts"`
	LastError      *string         `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type processQueueRequest struct {
	Source   string `json:"source"`
	Limit    int    `json:"limit"`
	PacingMs int    `json:"pacing_ms"`
}

// processQueueResponse is the batch trigger contract consumed by external schedulers.
type processQueueResponse struct {
	Success       bool                   `json:"success"`
	Processed     int                    `json:"processed"`
	Failed        int                    `json:"failed"`
	Results       []ingestion.ItemResult `json:"results"`
	StoppedReason string                 `json:"stopped_reason,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// processQueueError is the systemic failure shape: no report is produced.
type processQueueError struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type checkDuplicatesRequest struct {
	Text      string   `json:"text"`
	Threshold *float64 `json:"threshold,omitempty"`
}

type sourceLinkRequest struct {
	EntityType string `json:"entity_type"`
	EntityID   int64  `json:"entity_id"`
}

func (s *Server) handleCreateSubmission(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return failValidation(c, map[string]string{"body": "could not be read"})
	}
	intake, err := payloadschema.ValidateIntake(raw)
	if err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}

	submissionUUID := uuid.NewString()
	if intake.SubmissionUUID != nil {
		parsed, err := uuid.Parse(*intake.SubmissionUUID)
		if err != nil {
			return failValidation(c, map[string]string{"submission_uuid": "must be a UUID"})
		}
		submissionUUID = parsed.String()
	}

	ctx := c.Request().Context()
	documentKey := intake.DocumentKey
	if len(intake.Document) > 0 {
		if s.objects == nil {
			return fail(c, http.StatusUnprocessableEntity, "Object store is not configured for inline documents", nil)
		}
		key := storage.UploadKey(submissionUUID, *intake.DocumentName)
		if err := s.objects.Put(ctx, key, intake.Document, mimetype.Detect(intake.Document).String()); err != nil {
			s.logger.Error().Err(err).Str("key", key).Msg("upload inline document failed")
			return internalError(c, "Failed to store document")
		}
		documentKey = &key
	}

	row, err := s.store.InsertSubmission(ctx, db.InsertSubmissionParams{
		SubmissionUUID: submissionUUID,
		Kind:           intake.Kind,
		Source:         intake.Source,
		Payload:        intake.Payload,
		DocumentKey:    documentKey,
	})
	if err != nil {
		if db.IsUniqueViolation(err) {
			return fail(c, http.StatusConflict, "Submission already exists", map[string]any{"submission_uuid": submissionUUID})
		}
		s.logger.Error().Err(err).Str("submission_uuid", submissionUUID).Msg("insert submission failed")
		return internalError(c, "Failed to store submission")
	}
	return successWithStatus(c, http.StatusCreated, buildSubmissionResponse(row))
}

func (s *Server) handleGetSubmission(c echo.Context) error {
	submissionUUID, err := uuid.Parse(strings.TrimSpace(c.Param("submission_uuid")))
	if err != nil {
		return failValidation(c, map[string]string{"submission_uuid": "must be a UUID"})
	}

	row, err := s.store.GetSubmissionByUUID(c.Request().Context(), submissionUUID.String())
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return failNotFound(c, "Submission not found")
		}
		s.logger.Error().Err(err).Str("submission_uuid", submissionUUID.String()).Msg("query submission failed")
		return internalError(c, "Failed to load submission")
	}
	return success(c, buildSubmissionResponse(row))
}

func (s *Server) handleProcessQueue(c echo.Context) error {
	var req processQueueRequest
	if err := decodeOptionalJSONBody(c, &req); err != nil {
		return c.JSON(http.StatusBadRequest, processQueueError{Error: err.Error()})
	}
	if source := strings.TrimSpace(c.QueryParam("source")); source != "" {
		req.Source = source
	}
	if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return c.JSON(http.StatusBadRequest, processQueueError{Error: "limit must be a positive integer"})
		}
		req.Limit = limit
	}
	if req.Limit < 0 || req.PacingMs < 0 {
		return c.JSON(http.StatusBadRequest, processQueueError{Error: "limit and pacing_ms must be >= 0"})
	}

	principal, _ := principalFromContext(c)
	s.logger.Info().
		Str("principal", principal.Subject).
		Str("source", req.Source).
		Int("limit", req.Limit).
		Msg("batch triggered")

	ctx := c.Request().Context()
	if s.opts.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.BatchTimeout)
		defer cancel()
	}

	result, err := s.batches.RunBatch(ctx, ingestion.BatchOptions{
		Source: req.Source,
		Limit:  req.Limit,
		Pacing: time.Duration(req.PacingMs) * time.Millisecond,
	})
	if err != nil {
		if errors.Is(err, ingestion.ErrStoreUnreachable) {
			s.logger.Error().Err(err).Msg("batch aborted before first claim")
			return c.JSON(http.StatusServiceUnavailable, processQueueError{Error: err.Error()})
		}
		s.logger.Error().Err(err).Int("processed", result.Processed).Msg("batch stopped early")
		results := result.Results
		if results == nil {
			results = []ingestion.ItemResult{}
		}
		return c.JSON(http.StatusInternalServerError, processQueueResponse{
			Processed:     result.Processed,
			Failed:        result.Failed,
			Results:       results,
			StoppedReason: result.StoppedReason,
			Error:         err.Error(),
		})
	}

	results := result.Results
	if results == nil {
		results = []ingestion.ItemResult{}
	}
	return c.JSON(http.StatusOK, processQueueResponse{
		Success:   true,
		Processed: result.Processed,
		Failed:    result.Failed,
		Results:   results,
	})
}

func (s *Server) handleProcessOne(c echo.Context) error {
	submissionUUID, err := uuid.Parse(strings.TrimSpace(c.Param("submission_uuid")))
	if err != nil {
		return failValidation(c, map[string]string{"submission_uuid": "must be a UUID"})
	}

	item, found, err := s.batches.ProcessOne(c.Request().Context(), submissionUUID.String())
	if err != nil {
		if errors.Is(err, ingestion.ErrStoreUnreachable) {
			return errorWithStatus(c, http.StatusServiceUnavailable, "Store unreachable")
		}
		s.logger.Error().Err(err).Str("submission_uuid", submissionUUID.String()).Msg("process one failed")
		return internalError(c, "Failed to process submission")
	}
	if !found {
		return failNotFound(c, "Submission not found or not processable")
	}
	if !item.Success {
		return fail(c, http.StatusUnprocessableEntity, item.Error, item)
	}
	return success(c, item)
}

func (s *Server) handleCheckDuplicates(c echo.Context) error {
	var req checkDuplicatesRequest
	if err := decodeJSONBody(c, &req); err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return failValidation(c, map[string]string{"text": "is required"})
	}
	threshold := 0.0
	if req.Threshold != nil {
		if *req.Threshold <= 0 || *req.Threshold > 1 {
			return failValidation(c, map[string]string{"threshold": "must be in (0, 1]"})
		}
		threshold = *req.Threshold
	}

	result, err := s.duplicates.CheckAgainstCorpus(c.Request().Context(), text, threshold)
	if err != nil {
		s.logger.Error().Err(err).Msg("duplicate check failed")
		return internalError(c, "Failed to check duplicates")
	}
	return success(c, result)
}

func (s *Server) handleLinkSource(c echo.Context) error {
	ref, req, err := parseSourceLink(c)
	if err != nil {
		return failValidation(c, map[string]string{"request": err.Error()})
	}

	result, err := s.sources.LinkSourceToEntity(c.Request().Context(), req.EntityType, req.EntityID, ref)
	if err != nil {
		return s.sourceLinkError(c, err, ref)
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	return successWithStatus(c, status, result)
}

func (s *Server) handleUnlinkSource(c echo.Context) error {
	ref, req, err := parseSourceLink(c)
	if err != nil {
		return failValidation(c, map[string]string{"request": err.Error()})
	}

	result, err := s.sources.UnlinkSourceFromEntity(c.Request().Context(), req.EntityType, req.EntityID, ref)
	if err != nil {
		return s.sourceLinkError(c, err, ref)
	}
	return success(c, result)
}

func (s *Server) handlePruneCitations(c echo.Context) error {
	report, err := s.sources.PruneEntityCitations(c.Request().Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("citation cleanup failed")
		return internalError(c, "Failed to prune citations")
	}
	return success(c, report)
}

func (s *Server) sourceLinkError(c echo.Context, err error, ref int) error {
	switch {
	case errors.Is(err, linker.ErrSourceNotFound):
		return failNotFound(c, fmt.Sprintf("Source %d not found", ref))
	case errors.Is(err, linker.ErrUnknownEntityKind):
		return failValidation(c, map[string]string{"entity_type": "must be vulnerability or ofc"})
	default:
		s.logger.Error().Err(err).Int("reference_number", ref).Msg("source link change failed")
		return internalError(c, "Failed to update source link")
	}
}

// parseSourceLink reads the reference number from the path and the entity from the
// query string, falling back to a JSON body.
func parseSourceLink(c echo.Context) (int, sourceLinkRequest, error) {
	ref, err := strconv.Atoi(strings.TrimSpace(c.Param("reference_number")))
	if err != nil || ref < 1 {
		return 0, sourceLinkRequest{}, fmt.Errorf("reference_number must be a positive integer")
	}

	var req sourceLinkRequest
	if entityType := strings.TrimSpace(c.QueryParam("entity_type")); entityType != "" {
		req.EntityType = entityType
		req.EntityID, err = strconv.ParseInt(strings.TrimSpace(c.QueryParam("entity_id")), 10, 64)
		if err != nil {
			return 0, sourceLinkRequest{}, fmt.Errorf("entity_id must be an integer")
		}
	} else if err := decodeJSONBody(c, &req); err != nil {
		return 0, sourceLinkRequest{}, err
	}

	if strings.TrimSpace(req.EntityType) == "" {
		return 0, sourceLinkRequest{}, fmt.Errorf("entity_type is required")
	}
	if req.EntityID < 1 {
		return 0, sourceLinkRequest{}, fmt.Errorf("entity_id must be a positive integer")
	}
	return ref, req, nil
}

func decodeJSONBody(c echo.Context, dst any) error {
	decoder := json.NewDecoder(c.Request().Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is required")
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if decoder.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}
	return nil
}

// decodeOptionalJSONBody treats an empty body as the zero request.
func decodeOptionalJSONBody(c echo.Context, dst any) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func buildSubmissionResponse(row db.SubmissionRow) submissionResponse {
	payload := row.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return submissionResponse{
		SubmissionUUID: row.SubmissionUUID,
		Kind:           row.Kind,
		Status:         row.Status,
		Source:         row.Source,
		Payload:        payload,
		DocumentKey:    row.DocumentKey,
		Attempts:       row.Attempts,
		LastError:      row.LastError,
		CreatedAt:      row.CreatedAt.UTC(),
		UpdatedAt:      row.UpdatedAt.UTC(),
	}
}
