package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultLocalEndpoint points to a local OpenAI-compatible endpoint.
	DefaultLocalEndpoint = "http://127.0.0.1:8845/v1"
	DefaultLocalModel    = "llama3.1:8b-instruct"

	responseByteLimit = 8 * 1024 * 1024
)

// LocalProvider calls an OpenAI-compatible chat completions endpoint.
type LocalProvider struct {
	endpointURL string
	model       string
	client      *http.Client
}

func NewLocalProvider(endpoint, model string) *LocalProvider {
	normalizedEndpoint := normalizeEndpoint(endpoint, DefaultLocalEndpoint)
	trimmedModel := strings.TrimSpace(model)
	if trimmedModel == "" {
		trimmedModel = DefaultLocalModel
	}
	return &LocalProvider{
		endpointURL: chatCompletionsURL(normalizedEndpoint),
		model:       trimmedModel,
		client:      &http.Client{},
	}
}

func (p *LocalProvider) Name() string {
	return "local"
}

func (p *LocalProvider) ModelName() string {
	if p == nil {
		return ""
	}
	return p.model
}

func (p *LocalProvider) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	if p == nil {
		return nil, fmt.Errorf("local provider is nil")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	body, err := json.Marshal(localChatRequest{
		Model: p.model,
		Messages: []localChatMessage{
			{Role: "system", Content: systemInstruction},
			{Role: "user", Content: req.Prompt},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	started := time.Now()
	respBody, err := postJSON(ctx, p.client, p.endpointURL, body)
	if err != nil {
		return nil, err
	}

	return &GenerateResponse{
		Body:         respBody,
		ProviderName: p.Name(),
		ModelName:    p.model,
		LatencyMs:    time.Since(started).Milliseconds(),
	}, nil
}

type localChatRequest struct {
	Model       string             `json:"model"`
	Messages    []localChatMessage `json:"messages"`
	Temperature float64            `json:"temperature,omitempty"`
}

type localChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type endpointErrorResponse struct {
	Error json.RawMessage `json:"error"`
}

// postJSON sends body and returns the response body of a 2xx answer.
func postJSON(ctx context.Context, client *http.Client, endpoint string, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build extraction request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send extraction request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, responseByteLimit))
	if err != nil {
		return nil, fmt.Errorf("read extraction response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("extraction endpoint status %d: %s", resp.StatusCode, endpointErrorMessage(respBody))
	}
	return respBody, nil
}

func endpointErrorMessage(body []byte) string {
	var payload endpointErrorResponse
	if err := json.Unmarshal(body, &payload); err == nil && len(payload.Error) > 0 {
		var message string
		if json.Unmarshal(payload.Error, &message) == nil && strings.TrimSpace(message) != "" {
			return strings.TrimSpace(message)
		}
		var nested struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(payload.Error, &nested) == nil && strings.TrimSpace(nested.Message) != "" {
			return strings.TrimSpace(nested.Message)
		}
	}
	return preview(strings.TrimSpace(string(body)), 300)
}

func normalizeEndpoint(raw, fallback string) string {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		endpoint = fallback
	}
	return strings.TrimRight(endpoint, "/")
}

func chatCompletionsURL(endpoint string) string {
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return strings.TrimRight(endpoint, "/") + "/chat/completions"
	}

	path := strings.TrimRight(parsed.Path, "/")
	switch {
	case strings.HasSuffix(path, "/chat/completions"):
	case strings.HasSuffix(path, "/v1"):
		path += "/chat/completions"
	case path == "":
		path = "/v1/chat/completions"
	default:
		path += "/chat/completions"
	}
	parsed.Path = path
	return parsed.String()
}
