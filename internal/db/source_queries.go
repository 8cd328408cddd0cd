package db

import (
	"context"
	"fmt"
	"strings"
)

const (
	EntityVulnerability = "vulnerability"
	EntityOFC           = "ofc"
)

type entityTables struct {
	table     string
	idColumn  string
	textCol   string
	linkTable string
}

func tablesFor(kind string) (entityTables, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case EntityVulnerability:
		return entityTables{
			table:     "vofc.vulnerabilities",
			idColumn:  "vulnerability_id",
			textCol:   "statement",
			linkTable: "vofc.vulnerability_sources",
		}, nil
	case EntityOFC:
		return entityTables{
			table:     "vofc.options_for_consideration",
			idColumn:  "ofc_id",
			textCol:   "recommendation",
			linkTable: "vofc.ofc_sources",
		}, nil
	default:
		return entityTables{}, fmt.Errorf("unsupported entity kind %q", kind)
	}
}

// LookupSourceID resolves a reference number. It returns ErrNoRows when no source has it.
func (p *Pool) LookupSourceID(ctx context.Context, referenceNumber int) (int64, error) {
	const q = `
SELECT source_id
FROM vofc.sources
WHERE reference_number = $1
LIMIT 1
`
	var id int64
	if err := p.QueryRow(ctx, q, referenceNumber).Scan(&id); err != nil {
		if IsNoRows(err) {
			return 0, ErrNoRows
		}
		return 0, fmt.Errorf("lookup source %d: %w", referenceNumber, err)
	}
	return id, nil
}

// UpsertSource stores a source under its reference number. An existing source keeps its text.
func (p *Pool) UpsertSource(ctx context.Context, referenceNumber int, sourceText string) (int64, bool, error) {
	if referenceNumber <= 0 {
		return 0, false, fmt.Errorf("upsert source: reference number must be > 0")
	}

	const insertQ = `
INSERT INTO vofc.sources (reference_number, source_text)
VALUES ($1, $2)
ON CONFLICT (reference_number) DO NOTHING
RETURNING source_id
`
	const selectQ = `
SELECT source_id
FROM vofc.sources
WHERE reference_number = $1
LIMIT 1
`
	return p.insertOrFind(ctx, "source",
		insertQ, []any{referenceNumber, strings.TrimSpace(sourceText)},
		selectQ, []any{referenceNumber},
	)
}

// InsertSourceLink inserts one link row. It returns ErrNoRows when sourceID names no
// stored source. A duplicate link surfaces as a unique violation; callers decide whether
// that is an error.
func (p *Pool) InsertSourceLink(ctx context.Context, kind string, entityID, sourceID int64) error {
	tables, err := tablesFor(kind)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`
INSERT INTO %s (%s, source_id)
SELECT $1, source_id
FROM vofc.sources
WHERE source_id = $2
`, tables.linkTable, tables.idColumn)
	tag, err := p.Exec(ctx, q, entityID, sourceID)
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("insert %s source link: %w", kind, err)
		}
		return writeError("insert "+kind+" source link", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRows
	}
	return nil
}

func (p *Pool) DeleteSourceLink(ctx context.Context, kind string, entityID, sourceID int64) (int64, error) {
	tables, err := tablesFor(kind)
	if err != nil {
		return 0, err
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE %s = $1 AND source_id = $2`, tables.linkTable, tables.idColumn)
	tag, err := p.Exec(ctx, q, entityID, sourceID)
	if err != nil {
		return 0, writeError("delete "+kind+" source link", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Pool) ListSourceReferenceNumbers(ctx context.Context) ([]int, error) {
	const q = `
SELECT reference_number
FROM vofc.sources
ORDER BY reference_number ASC
`
	rows, err := p.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list source reference numbers: %w", err)
	}
	defer rows.Close()

	out := make([]int, 0, 64)
	for rows.Next() {
		var ref int
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("scan reference number: %w", err)
		}
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reference numbers: %w", err)
	}
	return out, nil
}

// ListCitedTexts returns the entities of a kind whose text carries a citation marker.
func (p *Pool) ListCitedTexts(ctx context.Context, kind string) ([]EntityText, error) {
	tables, err := tablesFor(kind)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`
SELECT %[1]s, %[2]s
FROM %[3]s
WHERE %[2]s LIKE '%%[cite:%%'
ORDER BY %[1]s ASC
`, tables.idColumn, tables.textCol, tables.table)

	rows, err := p.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list cited %s texts: %w", kind, err)
	}
	defer rows.Close()

	out := make([]EntityText, 0, 64)
	for rows.Next() {
		var item EntityText
		if err := rows.Scan(&item.ID, &item.Text); err != nil {
			return nil, fmt.Errorf("scan cited %s text: %w", kind, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cited %s texts: %w", kind, err)
	}
	return out, nil
}

// UpdateEntityText rewrites the text of one entity. The idempotency hash is left alone so
// reprocessing the originating submission still finds the row.
func (p *Pool) UpdateEntityText(ctx context.Context, kind string, entityID int64, text string) error {
	tables, err := tablesFor(kind)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET %s = $2, updated_at = now() WHERE %s = $1`, tables.table, tables.textCol, tables.idColumn)
	if _, err := p.Exec(ctx, q, entityID, text); err != nil {
		return writeError("update "+kind+" text", err)
	}
	return nil
}

// DeleteOrphanSourceLinks removes link rows whose source no longer exists.
func (p *Pool) DeleteOrphanSourceLinks(ctx context.Context) (int64, error) {
	var total int64
	for _, kind := range []string{EntityVulnerability, EntityOFC} {
		tables, _ := tablesFor(kind)
		q := fmt.Sprintf(`
DELETE FROM %s l
WHERE NOT EXISTS (
	SELECT 1 FROM vofc.sources s WHERE s.source_id = l.source_id
)
`, tables.linkTable)
		tag, err := p.Exec(ctx, q)
		if err != nil {
			return total, writeError("delete orphan "+kind+" source links", err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}
