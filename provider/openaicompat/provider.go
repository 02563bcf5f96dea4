// Package openaicompat implements conductor's completion and embedding
// provider interfaces for any OpenAI-compatible API.
//
// Works with OpenAI, OpenRouter, Groq, Together, Fireworks, DeepSeek,
// Mistral, Ollama, vLLM, LM Studio, Azure OpenAI, and any other backend
// that implements the chat completions and embeddings endpoints.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nevindra/conductor"
)

// Provider implements conductor.CompletionProvider over the chat
// completions endpoint.
type Provider struct {
	apiKey      string
	model       string
	baseURL     string
	client      *http.Client
	name        string
	temperature *float32
	maxTokens   int
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithName overrides the provider name (default "openai").
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient replaces the HTTP client (timeouts, proxies, test servers).
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) {
		if c != nil {
			p.client = c
		}
	}
}

// WithTemperature sets the sampling temperature sent with every request.
func WithTemperature(t float32) ProviderOption {
	return func(p *Provider) { p.temperature = &t }
}

// WithMaxTokens caps the response length.
func WithMaxTokens(n int) ProviderOption {
	return func(p *Provider) { p.maxTokens = n }
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "http://localhost:11434/v1"). The /chat/completions path is appended
// automatically.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

type chatRequest struct {
	Model       string                  `json:"model"`
	Messages    []conductor.ChatMessage `json:"messages"`
	Temperature *float32                `json:"temperature,omitempty"`
	MaxTokens   int                     `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends a non-streaming chat request and returns the generated text.
func (p *Provider) Complete(ctx context.Context, messages []conductor.ChatMessage) (string, error) {
	body := chatRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
	}

	resp, err := p.post(ctx, "/chat/completions", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", httpErr(resp)
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("%s: decode response: %w", p.name, err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("%s: response has no choices", p.name)
	}
	return chatResp.Choices[0].Message.Content, nil
}

func (p *Provider) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	return p.client.Do(req)
}

// httpErr reads the response body and returns an ErrHTTP for retry
// middleware. Parses the Retry-After header when present (429/503).
func httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &conductor.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: conductor.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// Compile-time interface check.
var _ conductor.CompletionProvider = (*Provider)(nil)
