package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nevindra/conductor"
)

// Embedding implements conductor.EmbeddingProvider over the embeddings
// endpoint. Document- and query-side requests carry input-type hints for
// backends with asymmetric encoders; symmetric backends ignore them.
type Embedding struct {
	*Provider
	dimensions int
}

// NewEmbedding creates an OpenAI-compatible embedding provider. dimensions
// must match the model's output size; stores use it to type vector columns.
func NewEmbedding(apiKey, model, baseURL string, dimensions int, opts ...ProviderOption) *Embedding {
	return &Embedding{
		Provider:   NewProvider(apiKey, model, baseURL, opts...),
		dimensions: dimensions,
	}
}

// Dimensions returns the embedding vector size.
func (e *Embedding) Dimensions() int { return e.dimensions }

type embedRequest struct {
	Model     string   `json:"model"`
	Input     []string `json:"input"`
	InputType string   `json:"input_type,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// EmbedDocuments returns document-side vectors for stored texts.
func (e *Embedding) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return e.embed(ctx, texts, "document")
}

// EmbedQuery returns the query-side vector for a search string.
func (e *Embedding) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.embed(ctx, []string{text}, "query")
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("%s: no embedding returned", e.name)
	}
	return vecs[0], nil
}

func (e *Embedding) embed(ctx context.Context, texts []string, inputType string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := e.post(ctx, "/embeddings", embedRequest{
		Model:     e.model,
		Input:     texts,
		InputType: inputType,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httpErr(resp)
	}

	var embResp embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", e.name, err)
	}
	if len(embResp.Data) != len(texts) {
		return nil, fmt.Errorf("%s: got %d embeddings for %d inputs", e.name, len(embResp.Data), len(texts))
	}

	// responses may arrive out of order; the index field is authoritative
	out := make([][]float32, len(texts))
	for _, d := range embResp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("%s: embedding index %d out of range", e.name, d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// Compile-time interface check.
var _ conductor.EmbeddingProvider = (*Embedding)(nil)
