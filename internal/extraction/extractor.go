package extraction

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

const (
	DefaultTimeout        = 30 * time.Second
	DefaultMinTextLength  = 200
	DefaultMaxPromptChars = 24000
)

// Options controls one Extractor.
type Options struct {
	ProviderName   string
	Timeout        time.Duration
	MinTextLength  int
	MaxPromptChars int
}

// Result is an extraction outcome with the details the orchestrator records.
type Result struct {
	Records      []CandidateRecord
	Mode         string
	Shape        ResponseShape
	ProviderName string
	ModelName    string
	LatencyMs    int64
}

// Extractor turns document text or metadata into candidate records with one model call.
type Extractor struct {
	registry *Registry
	opts     Options
	logger   zerolog.Logger
}

func NewExtractor(registry *Registry, opts Options, logger zerolog.Logger) *Extractor {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MinTextLength <= 0 {
		opts.MinTextLength = DefaultMinTextLength
	}
	if opts.MaxPromptChars <= 0 {
		opts.MaxPromptChars = DefaultMaxPromptChars
	}
	return &Extractor{
		registry: registry,
		opts:     opts,
		logger:   logger,
	}
}

func (e *Extractor) Extract(ctx context.Context, meta DocumentMetadata, rawText string) ([]CandidateRecord, error) {
	result, err := e.ExtractDetailed(ctx, meta, rawText)
	if err != nil {
		return nil, err
	}
	return result.Records, nil
}

func (e *Extractor) ExtractDetailed(ctx context.Context, meta DocumentMetadata, rawText string) (*Result, error) {
	if e == nil || e.registry == nil {
		return nil, fmt.Errorf("%w: extractor is not configured", ErrExtractionCallFailed)
	}
	provider, err := e.registry.Provider(e.opts.ProviderName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExtractionCallFailed, err)
	}

	mode := SelectMode(rawText, e.opts.MinTextLength)
	var prompt string
	if mode == ModeDocument {
		prompt = buildDocumentPrompt(meta, rawText, e.opts.MaxPromptChars)
	} else {
		prompt = buildMetadataPrompt(meta)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	started := time.Now()
	resp, err := provider.Generate(callCtx, GenerateRequest{Prompt: prompt})
	if err != nil {
		return nil, classifyCallError(ctx, callCtx, err)
	}

	parsed, err := ParseResponse(resp.Body)
	if err != nil {
		e.logger.Debug().
			Str("provider", provider.Name()).
			Str("mode", mode).
			Int("body_bytes", len(resp.Body)).
			Msg("extraction response did not match a known shape")
		return nil, err
	}

	latency := resp.LatencyMs
	if latency <= 0 {
		latency = time.Since(started).Milliseconds()
	}
	return &Result{
		Records:      parsed.Records,
		Mode:         mode,
		Shape:        parsed.Shape,
		ProviderName: provider.Name(),
		ModelName:    provider.ModelName(),
		LatencyMs:    latency,
	}, nil
}

// SelectMode picks document mode when the text has at least minTextLength runes.
func SelectMode(rawText string, minTextLength int) string {
	text := strings.TrimSpace(rawText)
	if text == "" || utf8.RuneCountInString(text) < minTextLength {
		return ModeMetadata
	}
	return ModeDocument
}

func classifyCallError(parent, call context.Context, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("%w: %w", ErrExtractionCallFailed, parent.Err())
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrExtractionTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrExtractionTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrExtractionCallFailed, err)
}
