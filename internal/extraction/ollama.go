package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultOllamaEndpoint = "http://127.0.0.1:11434"

// OllamaProvider calls an Ollama-style generate endpoint with streaming disabled.
type OllamaProvider struct {
	endpointURL string
	model       string
	client      *http.Client
}

func NewOllamaProvider(endpoint, model string) *OllamaProvider {
	trimmedModel := strings.TrimSpace(model)
	if trimmedModel == "" {
		trimmedModel = DefaultLocalModel
	}
	return &OllamaProvider{
		endpointURL: generateURL(normalizeEndpoint(endpoint, DefaultOllamaEndpoint)),
		model:       trimmedModel,
		client:      &http.Client{},
	}
}

func (p *OllamaProvider) Name() string {
	return "ollama"
}

func (p *OllamaProvider) ModelName() string {
	if p == nil {
		return ""
	}
	return p.model
}

func (p *OllamaProvider) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	if p == nil {
		return nil, fmt.Errorf("ollama provider is nil")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	body, err := json.Marshal(ollamaGenerateRequest{
		Model:  p.model,
		Prompt: systemInstruction + "\n\n" + req.Prompt,
		Stream: false,
		Format: "json",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal generate request: %w", err)
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

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

func generateURL(endpoint string) string {
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return strings.TrimRight(endpoint, "/") + "/api/generate"
	}
	path := strings.TrimRight(parsed.Path, "/")
	if !strings.HasSuffix(path, "/api/generate") {
		path += "/api/generate"
	}
	parsed.Path = path
	return parsed.String()
}
