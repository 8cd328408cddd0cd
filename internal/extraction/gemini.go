package extraction

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"
)

const DefaultGeminiModel = "gemini-2.0-flash"

// GeminiProvider calls the Gemini API through the GenAI SDK. The client is created on
// first use so a registry can be built without network access.
type GeminiProvider struct {
	apiKey string
	model  string

	once    sync.Once
	client  *genai.Client
	initErr error
}

func NewGeminiProvider(apiKey, model string) *GeminiProvider {
	trimmedModel := strings.TrimSpace(model)
	if trimmedModel == "" {
		trimmedModel = DefaultGeminiModel
	}
	return &GeminiProvider{
		apiKey: strings.TrimSpace(apiKey),
		model:  trimmedModel,
	}
}

func (p *GeminiProvider) Name() string {
	return "gemini"
}

func (p *GeminiProvider) ModelName() string {
	if p == nil {
		return ""
	}
	return p.model
}

func (p *GeminiProvider) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	if p == nil {
		return nil, fmt.Errorf("gemini provider is nil")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	client, err := p.getClient(ctx)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	resp, err := client.Models.GenerateContent(ctx, p.model, genai.Text(req.Prompt), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemInstruction, genai.RoleUser),
		Temperature:       genai.Ptr[float32](0.1),
		ResponseMIMEType:  "application/json",
	})
	if err != nil {
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("gemini response has no candidates")
	}

	var out strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil {
			continue
		}
		out.WriteString(part.Text)
	}

	return &GenerateResponse{
		Body:         []byte(out.String()),
		ProviderName: p.Name(),
		ModelName:    p.model,
		LatencyMs:    time.Since(started).Milliseconds(),
	}, nil
}

func (p *GeminiProvider) getClient(ctx context.Context) (*genai.Client, error) {
	p.once.Do(func() {
		if p.apiKey == "" {
			p.initErr = fmt.Errorf("GEMINI_API_KEY is required for the gemini provider")
			return
		}
		p.client, p.initErr = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  p.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if p.initErr != nil {
			p.initErr = fmt.Errorf("create genai client: %w", p.initErr)
		}
	})
	return p.client, p.initErr
}
