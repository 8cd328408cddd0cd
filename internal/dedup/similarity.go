package dedup

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultThreshold is the similarity at or above which a candidate is a duplicate.
const DefaultThreshold = 0.7

// tokens of this many runes or fewer carry no signal
const maxIgnoredTokenRunes = 2

// Result is the outcome of one duplicate check.
type Result struct {
	IsDuplicate bool    `json:"is_duplicate"`
	BestMatch   string  `json:"best_match,omitempty"`
	Similarity  float64 `json:"similarity"`
}

// Similarity is the Jaccard index of the token sets of a and b. Either set being
// empty yields 0.
func Similarity(a, b string) float64 {
	return jaccard(tokenSet(a), tokenSet(b))
}

// Check compares candidate against existing and reports the highest-scoring match that
// meets threshold. Ties keep the first-seen text. threshold <= 0 means DefaultThreshold.
func Check(candidate string, existing []string, threshold float64) Result {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	candidateSet := tokenSet(candidate)
	best := Result{}
	bestIndex := -1
	for i, text := range existing {
		score := jaccard(candidateSet, tokenSet(text))
		if bestIndex < 0 || score > best.Similarity {
			best = Result{BestMatch: text, Similarity: score}
			bestIndex = i
		}
	}

	if bestIndex < 0 || best.Similarity < threshold {
		return Result{Similarity: best.Similarity}
	}
	best.IsDuplicate = true
	return best
}

// CorpusLoader returns the stored vulnerability statements to compare against.
type CorpusLoader interface {
	ListVulnerabilityStatements(ctx context.Context, excludeSubmissionID *int64) ([]string, error)
}

// Detector checks texts against the stored corpus.
type Detector struct {
	loader    CorpusLoader
	threshold float64
}

func NewDetector(loader CorpusLoader, threshold float64) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Detector{loader: loader, threshold: threshold}
}

func (d *Detector) Threshold() float64 {
	if d == nil {
		return DefaultThreshold
	}
	return d.threshold
}

// Corpus loads the stored statements, leaving out those of excludeSubmissionID.
func (d *Detector) Corpus(ctx context.Context, excludeSubmissionID *int64) ([]string, error) {
	if d == nil || d.loader == nil {
		return nil, fmt.Errorf("duplicate detector is not configured")
	}
	corpus, err := d.loader.ListVulnerabilityStatements(ctx, excludeSubmissionID)
	if err != nil {
		return nil, fmt.Errorf("load duplicate corpus: %w", err)
	}
	return corpus, nil
}

// CheckAgainstCorpus runs Check against the whole stored corpus. threshold <= 0 uses
// the detector threshold.
func (d *Detector) CheckAgainstCorpus(ctx context.Context, text string, threshold float64) (Result, error) {
	corpus, err := d.Corpus(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	if threshold <= 0 {
		threshold = d.threshold
	}
	return Check(text, corpus, threshold), nil
}

func jaccard(left, right map[string]struct{}) float64 {
	if len(left) == 0 || len(right) == 0 {
		return 0
	}

	intersection := 0
	for token := range left {
		if _, ok := right[token]; ok {
			intersection++
		}
	}
	if intersection == 0 {
		return 0
	}

	union := len(left) + len(right) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(text string) map[string]struct{} {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		set[token] = struct{}{}
	}
	return set
}

// tokenize lowercases, treats every non-alphanumeric rune as whitespace and keeps
// tokens longer than two runes.
func tokenize(text string) []string {
	lowered := strings.ToLower(text)
	parts := strings.FieldsFunc(lowered, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	tokens := make([]string, 0, len(parts))
	for _, part := range parts {
		if utf8.RuneCountInString(part) <= maxIgnoredTokenRunes {
			continue
		}
		tokens = append(tokens, part)
	}
	return tokens
}
