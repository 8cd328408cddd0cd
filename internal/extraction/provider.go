package extraction

import "context"

// Provider sends one prompt to a language model and returns the raw response body.
type Provider interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
	Name() string
	ModelName() string
}

// GenerateRequest describes one extraction prompt.
type GenerateRequest struct {
	Prompt string
}

// GenerateResponse carries the untouched response body. The body may be a chat
// envelope, a generate envelope or bare model text; ParseResponse adapts all of them.
type GenerateResponse struct {
	Body         []byte
	ProviderName string
	ModelName    string
	LatencyMs    int64
}
