package reader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "codeberg.org/readeck/go-readability/v2"
)

const (
	DefaultFetchTimeout  = 20 * time.Second
	DefaultBodyByteLimit = 16 * 1024 * 1024

	defaultUserAgent = "VOFC-Ingest/1.0"
)

// FetchOptions controls HTTP behavior for document downloads.
type FetchOptions struct {
	Timeout       time.Duration
	BodyByteLimit int64
	UserAgent     string
	HTTPClient    *http.Client
}

// Fetched is a downloaded document body.
type Fetched struct {
	Body        []byte
	ContentType string
}

// FetchDocument downloads a document referenced by URL from a submission payload.
func FetchDocument(ctx context.Context, documentURL string, opts FetchOptions) (Fetched, error) {
	page := strings.TrimSpace(documentURL)
	if page == "" {
		return Fetched{}, fmt.Errorf("document URL is required")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	bodyLimit := opts.BodyByteLimit
	if bodyLimit <= 0 {
		bodyLimit = DefaultBodyByteLimit
	}

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, page, nil)
	if err != nil {
		return Fetched{}, fmt.Errorf("build request: %w", err)
	}

	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,application/pdf;q=0.8,*/*;q=0.5")

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	resp, err := client.Do(req)
	if err != nil {
		return Fetched{}, fmt.Errorf("fetch document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Fetched{}, fmt.Errorf("fetch status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, bodyLimit))
	if err != nil {
		return Fetched{}, fmt.Errorf("read body: %w", err)
	}

	return Fetched{
		Body:        body,
		ContentType: strings.TrimSpace(resp.Header.Get("Content-Type")),
	}, nil
}

// ReadableText extracts the main text of an HTML document. pageURL resolves relative
// links and may be empty.
func ReadableText(body []byte, pageURL string) (string, error) {
	var parsedURL *url.URL
	if trimmed := strings.TrimSpace(pageURL); trimmed != "" {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return "", fmt.Errorf("parse page url: %w", err)
		}
		parsedURL = parsed
	} else {
		parsedURL = &url.URL{Scheme: "file", Path: "/document.html"}
	}

	article, err := readability.FromReader(bytes.NewReader(body), parsedURL)
	if err != nil {
		return "", fmt.Errorf("readability parse: %w", err)
	}

	var renderedText bytes.Buffer
	if err := article.RenderText(&renderedText); err != nil {
		return "", fmt.Errorf("render readability text: %w", err)
	}

	text := CleanText(renderedText.String())
	if text == "" {
		text = CleanText(article.Excerpt())
	}
	return text, nil
}

// CleanText normalizes line endings and collapses extra in-line whitespace.
func CleanText(raw string) string {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")

	lines := strings.Split(normalized, "\n")
	paragraphs := make([]string, 0, len(lines))
	for _, line := range lines {
		clean := strings.Join(strings.Fields(strings.TrimSpace(line)), " ")
		if clean == "" {
			continue
		}
		paragraphs = append(paragraphs, clean)
	}

	return strings.TrimSpace(strings.Join(paragraphs, "\n\n"))
}

// ClipText cuts text to at most maxChars runes. It reports whether anything was cut.
func ClipText(raw string, maxChars int) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if maxChars <= 0 {
		return trimmed, false
	}
	runes := []rune(trimmed)
	if len(runes) <= maxChars {
		return trimmed, false
	}
	return strings.TrimSpace(string(runes[:maxChars])), true
}
