package db

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"
)

// InsertVulnerabilityParams controls vulnerability inserts.
type InsertVulnerabilityParams struct {
	SubmissionID *int64
	Statement    string
	Discipline   string
	Sector       *string
	Subsector    *string
	SourceText   *string
}

// InsertOptionParams controls option-for-consideration inserts.
type InsertOptionParams struct {
	SubmissionID   *int64
	Recommendation string
	Discipline     string
	Sector         *string
	Subsector      *string
}

// EntityText is the id and free text of a vulnerability or option.
type EntityText struct {
	ID   int64
	Text string
}

// TextHash is the idempotency key of an extracted record within a submission.
func TextHash(text string) []byte {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return sum[:]
}

// InsertVulnerability inserts a vulnerability or returns the id of the row already
// stored for the same submission and text.
func (p *Pool) InsertVulnerability(ctx context.Context, params InsertVulnerabilityParams) (int64, bool, error) {
	statement := strings.TrimSpace(params.Statement)
	if statement == "" {
		return 0, false, fmt.Errorf("insert vulnerability: statement is required")
	}
	hash := TextHash(statement)

	const insertQ = `
INSERT INTO vofc.vulnerabilities (submission_id, statement, discipline, sector, subsector, source_text, text_hash)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (submission_id, text_hash) DO NOTHING
RETURNING vulnerability_id
`
	const selectQ = `
SELECT vulnerability_id
FROM vofc.vulnerabilities
WHERE submission_id IS NOT DISTINCT FROM $1
  AND text_hash = $2
LIMIT 1
`
	return p.insertOrFind(ctx, "vulnerability",
		insertQ, []any{params.SubmissionID, statement, disciplineOrDefault(params.Discipline), params.Sector, params.Subsector, params.SourceText, hash},
		selectQ, []any{params.SubmissionID, hash},
	)
}

// InsertOption inserts an option for consideration or returns the existing id.
func (p *Pool) InsertOption(ctx context.Context, params InsertOptionParams) (int64, bool, error) {
	text := strings.TrimSpace(params.Recommendation)
	if text == "" {
		return 0, false, fmt.Errorf("insert option: recommendation is required")
	}
	hash := TextHash(text)

	const insertQ = `
INSERT INTO vofc.options_for_consideration (submission_id, recommendation, discipline, sector, subsector, text_hash)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (submission_id, text_hash) DO NOTHING
RETURNING ofc_id
`
	const selectQ = `
SELECT ofc_id
FROM vofc.options_for_consideration
WHERE submission_id IS NOT DISTINCT FROM $1
  AND text_hash = $2
LIMIT 1
`
	return p.insertOrFind(ctx, "option",
		insertQ, []any{params.SubmissionID, text, disciplineOrDefault(params.Discipline), params.Sector, params.Subsector, hash},
		selectQ, []any{params.SubmissionID, hash},
	)
}

func (p *Pool) insertOrFind(ctx context.Context, label, insertQ string, insertArgs []any, selectQ string, selectArgs []any) (int64, bool, error) {
	var id int64
	err := p.QueryRow(ctx, insertQ, insertArgs...).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !IsNoRows(err) {
		return 0, false, writeError("insert "+label, err)
	}

	if err := p.QueryRow(ctx, selectQ, selectArgs...).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("find existing %s: %w", label, err)
	}
	return id, false, nil
}

// LinkVulnerabilityOption records that an option mitigates a vulnerability.
func (p *Pool) LinkVulnerabilityOption(ctx context.Context, vulnerabilityID, ofcID int64) error {
	const q = `
INSERT INTO vofc.vulnerability_ofc_links (vulnerability_id, ofc_id)
VALUES ($1, $2)
ON CONFLICT DO NOTHING
`
	if _, err := p.Exec(ctx, q, vulnerabilityID, ofcID); err != nil {
		return writeError("link vulnerability option", err)
	}
	return nil
}

// DeleteSupersededRecords removes the vulnerabilities and options of a submission that a
// later run of the same submission did not produce. Their source and vulnerability/option
// links go with them through the cascading foreign keys.
func (p *Pool) DeleteSupersededRecords(ctx context.Context, submissionID int64, keepVulnerabilityIDs, keepOptionIDs []int64) (int64, error) {
	const vulnerabilitiesQ = `
DELETE FROM vofc.vulnerabilities
WHERE submission_id = $1
  AND NOT (vulnerability_id = ANY($2::bigint[]))
`
	const optionsQ = `
DELETE FROM vofc.options_for_consideration
WHERE submission_id = $1
  AND NOT (ofc_id = ANY($2::bigint[]))
`
	vulnTag, err := p.Exec(ctx, vulnerabilitiesQ, submissionID, int64ArrayLiteral(keepVulnerabilityIDs))
	if err != nil {
		return 0, writeError("delete superseded vulnerabilities", err)
	}
	optionTag, err := p.Exec(ctx, optionsQ, submissionID, int64ArrayLiteral(keepOptionIDs))
	if err != nil {
		return vulnTag.RowsAffected(), writeError("delete superseded options", err)
	}
	return vulnTag.RowsAffected() + optionTag.RowsAffected(), nil
}

// int64ArrayLiteral renders ids as a Postgres array literal such as {1,2,3}.
func int64ArrayLiteral(ids []int64) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(id, 10))
	}
	b.WriteByte('}')
	return b.String()
}

// ListVulnerabilityStatements returns the stored corpus in insertion order, skipping the
// records of excludeSubmissionID so reprocessing a submission does not match itself.
func (p *Pool) ListVulnerabilityStatements(ctx context.Context, excludeSubmissionID *int64) ([]string, error) {
	const q = `
SELECT statement
FROM vofc.vulnerabilities
WHERE $1::bigint IS NULL
   OR submission_id IS NULL
   OR submission_id <> $1::bigint
ORDER BY vulnerability_id ASC
`
	rows, err := p.Query(ctx, q, excludeSubmissionID)
	if err != nil {
		return nil, fmt.Errorf("list vulnerability statements: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0, 256)
	for rows.Next() {
		var statement string
		if err := rows.Scan(&statement); err != nil {
			return nil, fmt.Errorf("scan vulnerability statement: %w", err)
		}
		out = append(out, statement)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vulnerability statements: %w", err)
	}
	return out, nil
}

func disciplineOrDefault(discipline string) string {
	discipline = strings.TrimSpace(discipline)
	if discipline == "" {
		return "General"
	}
	return discipline
}
