package linker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"horse.fit/vofc/internal/db"
)

// DefaultCacheSize bounds the reference number -> source id cache.
const DefaultCacheSize = 1024

var (
	// ErrSourceNotFound means a reference number resolves to no stored source.
	ErrSourceNotFound = errors.New("source not found")
	// ErrUnknownEntityKind means the entity kind is neither vulnerability nor ofc.
	ErrUnknownEntityKind = errors.New("unknown entity kind")
)

// Store is the persistence surface the linker needs.
type Store interface {
	LookupSourceID(ctx context.Context, referenceNumber int) (int64, error)
	UpsertSource(ctx context.Context, referenceNumber int, sourceText string) (int64, bool, error)
	InsertSourceLink(ctx context.Context, kind string, entityID, sourceID int64) error
	DeleteSourceLink(ctx context.Context, kind string, entityID, sourceID int64) (int64, error)
	ListSourceReferenceNumbers(ctx context.Context) ([]int, error)
	ListCitedTexts(ctx context.Context, kind string) ([]db.EntityText, error)
	UpdateEntityText(ctx context.Context, kind string, entityID int64, text string) error
	DeleteOrphanSourceLinks(ctx context.Context) (int64, error)
}

// LinkResult describes one link call.
type LinkResult struct {
	SourceID int64 `json:"source_id"`
	// Created is false when the link already existed.
	Created bool `json:"created"`
}

// UnlinkResult describes one unlink call.
type UnlinkResult struct {
	SourceID int64 `json:"source_id"`
	Removed  bool  `json:"removed"`
}

// PruneReport summarizes one citation cleanup run.
type PruneReport struct {
	Scanned            int   `json:"scanned"`
	Rewritten          int   `json:"rewritten"`
	OrphanLinksDeleted int64 `json:"orphan_links_deleted"`
}

type Linker struct {
	store  Store
	cache  *lru.Cache[int, int64]
	logger zerolog.Logger
}

func New(store Store, cacheSize int, logger zerolog.Logger) (*Linker, error) {
	if store == nil {
		return nil, fmt.Errorf("linker store is nil")
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[int, int64](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create source cache: %w", err)
	}
	return &Linker{store: store, cache: cache, logger: logger}, nil
}

// LinkSourceToEntity links the source with referenceNumber to an entity. Linking twice
// succeeds and leaves a single link row.
func (l *Linker) LinkSourceToEntity(ctx context.Context, kind string, entityID int64, referenceNumber int) (LinkResult, error) {
	kind, err := normalizeKind(kind)
	if err != nil {
		return LinkResult{}, err
	}
	sourceID, err := l.resolve(ctx, referenceNumber)
	if err != nil {
		return LinkResult{}, err
	}

	err = l.store.InsertSourceLink(ctx, kind, entityID, sourceID)
	if db.IsNoRows(err) {
		// The cached source is gone; look the reference up again.
		l.cache.Remove(referenceNumber)
		fresh, resolveErr := l.resolve(ctx, referenceNumber)
		if resolveErr != nil {
			return LinkResult{}, resolveErr
		}
		if fresh == sourceID {
			return LinkResult{}, fmt.Errorf("%w: reference number %d", ErrSourceNotFound, referenceNumber)
		}
		sourceID = fresh
		err = l.store.InsertSourceLink(ctx, kind, entityID, sourceID)
	}
	if err != nil {
		if db.IsNoRows(err) {
			l.cache.Remove(referenceNumber)
			return LinkResult{}, fmt.Errorf("%w: reference number %d", ErrSourceNotFound, referenceNumber)
		}
		if db.IsUniqueViolation(err) {
			l.logger.Debug().
				Str("entity_type", kind).
				Int64("entity_id", entityID).
				Int("reference_number", referenceNumber).
				Msg("source link already exists")
			return LinkResult{SourceID: sourceID}, nil
		}
		return LinkResult{}, fmt.Errorf("link %s %d to source %d: %w", kind, entityID, referenceNumber, err)
	}
	return LinkResult{SourceID: sourceID, Created: true}, nil
}

// UnlinkSourceFromEntity deletes one link row. The source and the entity stay.
func (l *Linker) UnlinkSourceFromEntity(ctx context.Context, kind string, entityID int64, referenceNumber int) (UnlinkResult, error) {
	kind, err := normalizeKind(kind)
	if err != nil {
		return UnlinkResult{}, err
	}
	sourceID, err := l.resolve(ctx, referenceNumber)
	if err != nil {
		return UnlinkResult{}, err
	}

	removed, err := l.store.DeleteSourceLink(ctx, kind, entityID, sourceID)
	if err != nil {
		return UnlinkResult{}, fmt.Errorf("unlink %s %d from source %d: %w", kind, entityID, referenceNumber, err)
	}
	return UnlinkResult{SourceID: sourceID, Removed: removed > 0}, nil
}

// EnsureSource stores a source under referenceNumber unless one exists.
func (l *Linker) EnsureSource(ctx context.Context, referenceNumber int, sourceText string) (int64, error) {
	if referenceNumber <= 0 {
		return 0, fmt.Errorf("%w: reference number %d", ErrSourceNotFound, referenceNumber)
	}
	if id, ok := l.cache.Get(referenceNumber); ok {
		return id, nil
	}
	id, _, err := l.store.UpsertSource(ctx, referenceNumber, sourceText)
	if err != nil {
		return 0, fmt.Errorf("ensure source %d: %w", referenceNumber, err)
	}
	l.cache.Add(referenceNumber, id)
	return id, nil
}

// ValidReferenceNumbers loads the set of stored reference numbers.
func (l *Linker) ValidReferenceNumbers(ctx context.Context) (map[int]struct{}, error) {
	refs, err := l.store.ListSourceReferenceNumbers(ctx)
	if err != nil {
		return nil, fmt.Errorf("load reference numbers: %w", err)
	}
	valid := make(map[int]struct{}, len(refs))
	for _, ref := range refs {
		valid[ref] = struct{}{}
	}
	return valid, nil
}

// PruneEntityCitations rewrites stored texts whose markers cite unknown sources and
// deletes link rows whose source is gone.
func (l *Linker) PruneEntityCitations(ctx context.Context) (PruneReport, error) {
	l.cache.Purge()

	valid, err := l.ValidReferenceNumbers(ctx)
	if err != nil {
		return PruneReport{}, err
	}

	var report PruneReport
	for _, kind := range []string{db.EntityVulnerability, db.EntityOFC} {
		items, err := l.store.ListCitedTexts(ctx, kind)
		if err != nil {
			return report, fmt.Errorf("list cited %s texts: %w", kind, err)
		}
		for _, item := range items {
			report.Scanned++
			cleaned := PruneInvalidCitations(item.Text, valid)
			if cleaned == item.Text {
				continue
			}
			if err := l.store.UpdateEntityText(ctx, kind, item.ID, cleaned); err != nil {
				return report, fmt.Errorf("rewrite %s %d: %w", kind, item.ID, err)
			}
			report.Rewritten++
		}
	}

	deleted, err := l.store.DeleteOrphanSourceLinks(ctx)
	if err != nil {
		return report, fmt.Errorf("delete orphan links: %w", err)
	}
	report.OrphanLinksDeleted = deleted

	l.logger.Info().
		Int("scanned", report.Scanned).
		Int("rewritten", report.Rewritten).
		Int64("orphan_links_deleted", report.OrphanLinksDeleted).
		Msg("citation cleanup finished")
	return report, nil
}

func (l *Linker) resolve(ctx context.Context, referenceNumber int) (int64, error) {
	if referenceNumber <= 0 {
		return 0, fmt.Errorf("%w: reference number %d", ErrSourceNotFound, referenceNumber)
	}
	if id, ok := l.cache.Get(referenceNumber); ok {
		return id, nil
	}
	id, err := l.store.LookupSourceID(ctx, referenceNumber)
	if err != nil {
		if db.IsNoRows(err) {
			return 0, fmt.Errorf("%w: reference number %d", ErrSourceNotFound, referenceNumber)
		}
		return 0, fmt.Errorf("resolve source %d: %w", referenceNumber, err)
	}
	l.cache.Add(referenceNumber, id)
	return id, nil
}

func normalizeKind(kind string) (string, error) {
	switch normalized := strings.ToLower(strings.TrimSpace(kind)); normalized {
	case db.EntityVulnerability, db.EntityOFC:
		return normalized, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEntityKind, kind)
	}
}
