package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	StatusPendingReview = "pending_review"
	StatusProcessing    = "processing"
	StatusCompleted     = "completed"
	StatusApproved      = "approved"
	StatusRejected      = "rejected"
	StatusProcessed     = "processed"
)

// SubmissionRow is one row of vofc.submissions.
type SubmissionRow struct {
	SubmissionID   int64
	SubmissionUUID string
	Kind           string
	Status         string
	Source         string
	Payload        json.RawMessage
	DocumentKey    *string
	Attempts       int
	LastError      *string
	ClaimedAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ClaimedSubmission is a submission flipped to processing by this caller.
// PreviousStatus is the status to restore when processing fails.
type ClaimedSubmission struct {
	SubmissionRow
	PreviousStatus string
}

// InsertSubmissionParams controls submission intake.
type InsertSubmissionParams struct {
	SubmissionUUID string
	Kind           string
	Source         string
	Payload        json.RawMessage
	DocumentKey    *string
}

const submissionColumns = `
	s.submission_id,
	s.submission_uuid::text,
	s.kind,
	s.status,
	s.source,
	s.payload,
	s.document_key,
	s.attempts,
	s.last_error,
	s.claimed_at,
	s.created_at,
	s.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner, extra ...any) (SubmissionRow, error) {
	var out SubmissionRow
	var payload []byte
	dest := []any{
		&out.SubmissionID,
		&out.SubmissionUUID,
		&out.Kind,
		&out.Status,
		&out.Source,
		&payload,
		&out.DocumentKey,
		&out.Attempts,
		&out.LastError,
		&out.ClaimedAt,
		&out.CreatedAt,
		&out.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return SubmissionRow{}, err
	}
	out.Payload = json.RawMessage(payload)
	return out, nil
}

func (p *Pool) InsertSubmission(ctx context.Context, params InsertSubmissionParams) (SubmissionRow, error) {
	kind := strings.TrimSpace(params.Kind)
	source := strings.TrimSpace(params.Source)
	if kind == "" || source == "" {
		return SubmissionRow{}, fmt.Errorf("insert submission: kind and source are required")
	}
	payload := params.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	const q = `
INSERT INTO vofc.submissions AS s (submission_uuid, kind, status, source, payload, document_key)
VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, 'pending_review', $3, $4::jsonb, $5)
RETURNING` + submissionColumns

	row, err := scanSubmission(p.QueryRow(ctx, q,
		strings.TrimSpace(params.SubmissionUUID),
		kind,
		source,
		string(payload),
		params.DocumentKey,
	))
	if err != nil {
		return SubmissionRow{}, writeError("insert submission", err)
	}
	return row, nil
}

func (p *Pool) GetSubmissionByUUID(ctx context.Context, submissionUUID string) (SubmissionRow, error) {
	const q = `
SELECT` + submissionColumns + `
FROM vofc.submissions s
WHERE s.submission_uuid = $1::uuid
LIMIT 1
`
	row, err := scanSubmission(p.QueryRow(ctx, q, strings.TrimSpace(submissionUUID)))
	if err != nil {
		if IsNoRows(err) {
			return SubmissionRow{}, ErrNoRows
		}
		return SubmissionRow{}, fmt.Errorf("query submission: %w", err)
	}
	return row, nil
}

// ClaimNextPendingSubmission atomically flips the oldest pending_review submission of a
// source to processing. ok is false when the queue is empty.
func (p *Pool) ClaimNextPendingSubmission(ctx context.Context, source string) (ClaimedSubmission, bool, error) {
	const q = `
WITH target AS (
	SELECT submission_id, status
	FROM vofc.submissions
	WHERE status = 'pending_review'
	  AND source = $1
	ORDER BY created_at ASC, submission_id ASC
	FOR UPDATE SKIP LOCKED
	LIMIT 1
)
UPDATE vofc.submissions s
SET status = 'processing',
	claimed_at = now(),
	claimed_from = target.status,
	updated_at = now()
FROM target
WHERE s.submission_id = target.submission_id
RETURNING` + submissionColumns + `,
	target.status
`
	return p.claim(ctx, "claim next pending submission", q, strings.TrimSpace(source))
}

// ClaimSubmissionByUUID claims one specific submission. Completed submissions can be
// claimed again so they can be reprocessed.
func (p *Pool) ClaimSubmissionByUUID(ctx context.Context, submissionUUID string) (ClaimedSubmission, bool, error) {
	const q = `
WITH target AS (
	SELECT submission_id, status
	FROM vofc.submissions
	WHERE submission_uuid = $1::uuid
	  AND status IN ('pending_review', 'completed')
	FOR UPDATE SKIP LOCKED
)
UPDATE vofc.submissions s
SET status = 'processing',
	claimed_at = now(),
	claimed_from = target.status,
	updated_at = now()
FROM target
WHERE s.submission_id = target.submission_id
RETURNING` + submissionColumns + `,
	target.status
`
	return p.claim(ctx, "claim submission", q, strings.TrimSpace(submissionUUID))
}

func (p *Pool) claim(ctx context.Context, label, q string, arg string) (ClaimedSubmission, bool, error) {
	var previous string
	row, err := scanSubmission(p.QueryRow(ctx, q, arg), &previous)
	if err != nil {
		if IsNoRows(err) {
			return ClaimedSubmission{}, false, nil
		}
		return ClaimedSubmission{}, false, fmt.Errorf("%s: %w", label, err)
	}
	return ClaimedSubmission{SubmissionRow: row, PreviousStatus: previous}, true, nil
}

// CompleteSubmission writes the enriched payload and advances a claimed submission.
func (p *Pool) CompleteSubmission(ctx context.Context, submissionID int64, payload json.RawMessage) error {
	const q = `
UPDATE vofc.submissions
SET status = 'completed',
	payload = $2::jsonb,
	last_error = NULL,
	claimed_at = NULL,
	claimed_from = NULL,
	updated_at = now()
WHERE submission_id = $1
  AND status = 'processing'
`
	tag, err := p.Exec(ctx, q, submissionID, string(payload))
	if err != nil {
		return writeError("complete submission", err)
	}
	if tag.RowsAffected() == 0 {
		return writeError("complete submission", fmt.Errorf("submission %d is not claimed", submissionID))
	}
	return nil
}

// ReleaseSubmission returns a claimed submission to its previous status after a failure.
func (p *Pool) ReleaseSubmission(ctx context.Context, submissionID int64, previousStatus, lastError string) error {
	previousStatus = RestoreStatus(previousStatus)

	const q = `
UPDATE vofc.submissions
SET status = $2,
	attempts = attempts + 1,
	last_error = NULLIF($3, ''),
	claimed_at = NULL,
	claimed_from = NULL,
	updated_at = now()
WHERE submission_id = $1
  AND status = 'processing'
`
	if _, err := p.Exec(ctx, q, submissionID, previousStatus, truncateError(lastError)); err != nil {
		return writeError("release submission", err)
	}
	return nil
}

// UnclaimSubmission hands back a claim that was never worked on. Attempts and the last
// error stay as they were.
func (p *Pool) UnclaimSubmission(ctx context.Context, submissionID int64, previousStatus string) error {
	const q = `
UPDATE vofc.submissions
SET status = $2,
	claimed_at = NULL,
	claimed_from = NULL,
	updated_at = now()
WHERE submission_id = $1
  AND status = 'processing'
`
	if _, err := p.Exec(ctx, q, submissionID, RestoreStatus(previousStatus)); err != nil {
		return writeError("unclaim submission", err)
	}
	return nil
}

// ReleaseStaleClaims returns submissions stuck in processing for longer than olderThan
// to the status they were claimed from. A crashed worker leaves such rows behind.
func (p *Pool) ReleaseStaleClaims(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := p.Exec(ctx, releaseStaleClaimsQuery, olderThan.Seconds())
	if err != nil {
		return 0, writeError("release stale claims", err)
	}
	return tag.RowsAffected(), nil
}

// releaseStaleClaimsQuery restores claimed_from. Rows claimed before that column existed
// fall back to pending_review.
const releaseStaleClaimsQuery = `
UPDATE vofc.submissions
SET status = ` + restoreStatusSQL + `,
	attempts = attempts + 1,
	last_error = 'claim expired',
	claimed_at = NULL,
	claimed_from = NULL,
	updated_at = now()
WHERE status = 'processing'
  AND claimed_at < now() - make_interval(secs => $1)
`

const restoreStatusSQL = `CASE
		WHEN claimed_from IN ('pending_review', 'completed') THEN claimed_from
		ELSE 'pending_review'
	END`

// RestoreStatus is the status a released claim returns to, given the status it was
// claimed from. It matches restoreStatusSQL.
func RestoreStatus(claimedFrom string) string {
	switch strings.TrimSpace(claimedFrom) {
	case StatusCompleted:
		return StatusCompleted
	default:
		return StatusPendingReview
	}
}

func truncateError(msg string) string {
	msg = strings.TrimSpace(msg)
	const limit = 2000
	if len(msg) <= limit {
		return msg
	}
	return strings.ToValidUTF8(msg[:limit], "")
}
