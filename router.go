package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Router ranks registered tool providers against an utterance using vector
// similarity over capability descriptions. It holds no routing rules of its
// own: relevance comes entirely from the description embeddings, with an
// optional completion-provider validation pass for medium-confidence results.
type Router struct {
	registry  *Registry
	store     VectorStore
	embedding EmbeddingProvider
	llm       CompletionProvider // nil disables hybrid validation
	cfg       routerConfig
	logger    *slog.Logger
	tracer    Tracer
}

type routerConfig struct {
	overfetch      int
	highConfidence float32
	lowConfidence  float32
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithOverfetch sets the candidate over-fetch multiplier used to mitigate
// approximate-index recall loss: the similarity query requests
// overfetch × k candidates before truncating to k. Default is 4.
func WithOverfetch(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.cfg.overfetch = n
		}
	}
}

// WithConfidenceBands sets the high and low score thresholds for hybrid
// routing. Best score above high routes straight to the top provider; best
// score below low enables session stickiness; anything between asks the
// completion provider to validate candidates. Defaults: 0.8 and 0.6.
func WithConfidenceBands(high, low float32) RouterOption {
	return func(r *Router) {
		r.cfg.highConfidence = high
		r.cfg.lowConfidence = low
	}
}

// WithRouterValidation enables the completion-provider validation pass for
// medium-confidence routing decisions.
func WithRouterValidation(llm CompletionProvider) RouterOption {
	return func(r *Router) { r.llm = llm }
}

// WithRouterLogger sets the structured logger.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// WithRouterTracer sets the tracer for routing spans.
func WithRouterTracer(t Tracer) RouterOption {
	return func(r *Router) { r.tracer = t }
}

// NewRouter creates a Router over the given registry, store, and query-side
// embedding provider.
func NewRouter(registry *Registry, store VectorStore, embedding EmbeddingProvider, opts ...RouterOption) *Router {
	r := &Router{
		registry:  registry,
		store:     store,
		embedding: embedding,
		cfg: routerConfig{
			overfetch:      4,
			highConfidence: 0.8,
			lowConfidence:  0.6,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Route returns up to k providers ordered by similarity score descending.
// Ties are broken by provider registration order (stable). When the
// embedding provider or the similarity index is unavailable it returns an
// empty result wrapped in ErrDiscoveryUnavailable — callers treat that as
// "no providers suggested", never as a fatal error.
func (r *Router) Route(ctx context.Context, utterance string, k int) ([]RoutedProvider, error) {
	if k <= 0 {
		return nil, nil
	}
	if r.tracer != nil {
		var span Span
		ctx, span = r.tracer.Start(ctx, "router.route", IntAttr("k", k))
		defer span.End()
	}

	vec, err := r.embedding.EmbedQuery(ctx, utterance)
	if err != nil {
		r.logger.Warn("routing degraded: embed failed", "error", err)
		return nil, fmt.Errorf("%w: embed utterance: %v", ErrDiscoveryUnavailable, err)
	}

	numCandidates := k * r.cfg.overfetch
	matches, err := r.store.Query(ctx, CollectionProviders, vec, k, numCandidates, Filter{})
	if err != nil {
		r.logger.Warn("routing degraded: similarity query failed", "error", err)
		return nil, fmt.Errorf("%w: similarity query: %v", ErrDiscoveryUnavailable, err)
	}

	results := make([]RoutedProvider, 0, len(matches))
	for _, m := range matches {
		desc, err := r.registry.Get(ctx, m.ID)
		if err != nil {
			r.logger.Warn("routed provider missing from registry, skipping", "id", m.ID)
			continue
		}
		results = append(results, RoutedProvider{Descriptor: desc, Score: m.Score})
	}

	// Score descending; equal scores fall back to registration order so the
	// ranking is stable across runs.
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Descriptor.RegisteredAt < results[j].Descriptor.RegisteredAt
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Resolve performs hybrid routing: a high-confidence best match is used
// directly; a low-confidence result with a sticky previous provider reuses
// that provider; anything in between is validated by the completion provider
// when one is configured. lastProvider may be empty.
func (r *Router) Resolve(ctx context.Context, utterance string, k int, lastProvider string) ([]RoutedProvider, error) {
	candidates, err := r.Route(ctx, utterance, k)
	if err != nil || len(candidates) == 0 {
		return nil, err
	}

	best := candidates[0].Score
	r.logger.Debug("routing candidates", "best", best, "count", len(candidates))

	if best > r.cfg.highConfidence {
		return candidates[:1], nil
	}

	if best < r.cfg.lowConfidence && lastProvider != "" {
		if sticky, ok := r.findCandidate(candidates, lastProvider); ok {
			r.logger.Debug("low confidence, using session stickiness", "provider", lastProvider)
			return []RoutedProvider{sticky}, nil
		}
		if desc, derr := r.registry.Get(ctx, lastProvider); derr == nil {
			return []RoutedProvider{{Descriptor: desc, Score: best}}, nil
		}
	}

	if r.llm == nil {
		return candidates, nil
	}
	return r.validate(ctx, utterance, candidates)
}

func (r *Router) findCandidate(candidates []RoutedProvider, providerID string) (RoutedProvider, bool) {
	for _, c := range candidates {
		if c.Descriptor.ID == providerID {
			return c, true
		}
	}
	return RoutedProvider{}, false
}

// validate asks the completion provider which candidates can actually handle
// the utterance. On any failure it falls back to the vector ranking.
func (r *Router) validate(ctx context.Context, utterance string, candidates []RoutedProvider) ([]RoutedProvider, error) {
	var list strings.Builder
	for i, c := range candidates {
		desc := c.Descriptor.Description
		if len(desc) > 200 {
			desc = desc[:200] + "..."
		}
		fmt.Fprintf(&list, "%d. %s (score: %.2f)\n   Purpose: %s\n\n", i+1, c.Descriptor.Name, c.Score, desc)
	}

	prompt := fmt.Sprintf(
		"User query: %q\n\nTop service matches:\n%s\nWhich service(s) can handle this query? "+
			"Consider the service purpose and user intent. "+
			"Reply with service name(s) only, comma-separated. If NONE are relevant, reply 'NONE'.",
		utterance, list.String())

	reply, err := r.llm.Complete(ctx, []ChatMessage{UserMessage(prompt)})
	if err != nil {
		r.logger.Warn("routing validation failed, using vector ranking", "error", err)
		return candidates, nil
	}

	reply = strings.TrimSpace(reply)
	if strings.EqualFold(reply, "NONE") {
		return nil, nil
	}

	byName := make(map[string]RoutedProvider, len(candidates))
	for _, c := range candidates {
		byName[c.Descriptor.Name] = c
	}
	var validated []RoutedProvider
	for _, name := range strings.Split(reply, ",") {
		if c, ok := byName[strings.TrimSpace(name)]; ok {
			validated = append(validated, c)
		}
	}
	if len(validated) == 0 {
		return candidates[:1], nil
	}
	return validated, nil
}
