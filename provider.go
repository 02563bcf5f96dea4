package conductor

import "context"

// CompletionProvider abstracts the LLM backend used for planning, perspective
// generation, relevance judgment, drafting, and critique.
type CompletionProvider interface {
	// Complete sends messages and returns the generated text.
	Complete(ctx context.Context, messages []ChatMessage) (string, error)
	// Name returns the provider name (e.g. "openai", "ollama").
	Name() string
}

// EmbeddingProvider abstracts text embedding. Document- and query-side
// encoding form a matched pair: a vector stored via EmbedDocuments must only
// ever be compared against vectors from EmbedQuery of the same provider.
// Symmetric backends may implement both with the same encoding.
type EmbeddingProvider interface {
	// EmbedDocuments returns document-side vectors for stored texts.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	// EmbedQuery returns the query-side vector for a search string.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}
