package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Engine is the episodic memory engine: a durable and ephemeral fact store
// with multi-perspective recall. Permanent entries live until explicitly
// forgotten; temporary entries carry an expiry enforced by the store's sweep.
type Engine struct {
	store     VectorStore
	embedding EmbeddingProvider
	llm       CompletionProvider
	cfg       engineConfig
	logger    *slog.Logger
	tracer    Tracer
	now       func() time.Time
}

type engineConfig struct {
	maxPerspectives int
	candidatesPerP  int
	overfetch       int
	recallTimeout   time.Duration
	defaultTTL      time.Duration
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMaxPerspectives caps the number of generated recall perspectives,
// bounding completion-provider cost per recall. Default is 4.
func WithMaxPerspectives(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.cfg.maxPerspectives = n
		}
	}
}

// WithRecallCandidates sets the per-perspective similarity candidate count
// handed to the relevance judge. Default is 8.
func WithRecallCandidates(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.cfg.candidatesPerP = n
		}
	}
}

// WithRecallTimeout bounds a whole recall. Perspectives still in flight at
// the deadline are abandoned and treated as skipped, not as a failure.
// Default is 15s.
func WithRecallTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.cfg.recallTimeout = d
		}
	}
}

// WithDefaultTTL sets the expiry applied to temporary entries remembered
// without an explicit TTL. Default is 10 minutes.
func WithDefaultTTL(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.cfg.defaultTTL = d
		}
	}
}

// WithEngineLogger sets the structured logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithEngineTracer sets the tracer for recall spans.
func WithEngineTracer(t Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// WithEngineClock overrides the clock, for tests.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a memory engine over the given store, document/query
// embedding pair, and completion provider (used for perspective generation
// and relevance judgment).
func NewEngine(store VectorStore, embedding EmbeddingProvider, llm CompletionProvider, opts ...EngineOption) *Engine {
	e := &Engine{
		store:     store,
		embedding: embedding,
		llm:       llm,
		cfg: engineConfig{
			maxPerspectives: 4,
			candidatesPerP:  8,
			overfetch:       3,
			recallTimeout:   15 * time.Second,
			defaultTTL:      10 * time.Minute,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = nopLogger
	}
	return e
}

// --- Write path ---

// Remember persists a fact. Temporary entries get expiresAt = createdAt + ttl
// (the engine default when ttl is zero); permanent entries never carry an
// expiry. When category is empty the completion provider generates a short
// tag, falling back to "general".
func (e *Engine) Remember(ctx context.Context, text, category string, temporary bool, ttl time.Duration) (MemoryEntry, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return MemoryEntry{}, fmt.Errorf("memory: empty fact")
	}
	if category == "" {
		category = e.categorize(ctx, text)
	}

	embs, err := e.embedding.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return MemoryEntry{}, fmt.Errorf("memory: embed fact: %w", err)
	}
	if len(embs) == 0 {
		return MemoryEntry{}, fmt.Errorf("memory: embed fact: no embedding returned")
	}

	now := e.now()
	entry := MemoryEntry{
		ID:        NewID(),
		Text:      text,
		Category:  category,
		Embedding: embs[0],
		Temporary: temporary,
		CreatedAt: now.Unix(),
	}
	if temporary {
		if ttl <= 0 {
			ttl = e.cfg.defaultTTL
		}
		entry.ExpiresAt = now.Add(ttl).Unix()
	}

	if err := e.store.UpsertMemory(ctx, entry); err != nil {
		return MemoryEntry{}, fmt.Errorf("memory: persist fact: %w", err)
	}
	e.logger.Debug("fact remembered", "id", entry.ID, "category", category, "temporary", temporary)
	return entry, nil
}

// categorize asks the completion provider for a short category tag.
func (e *Engine) categorize(ctx context.Context, fact string) string {
	prompt := fmt.Sprintf(
		"Fact: %q\n\nGenerate a short, descriptive category tag (1-3 words, lowercase, "+
			"underscores instead of spaces). Examples: 'User is vegetarian' -> dietary_restriction; "+
			"'User lives in Berlin' -> location. Reply with ONLY the tag.", fact)
	reply, err := e.llm.Complete(ctx, []ChatMessage{UserMessage(prompt)})
	if err != nil {
		return "general"
	}
	tag := strings.ToLower(strings.TrimSpace(reply))
	if tag == "" || strings.ContainsAny(tag, "\n\"") || len(tag) > 40 {
		return "general"
	}
	return tag
}

// --- Recall path ---

// RecallResult carries the merged recall output. Degraded means one or more
// perspectives were skipped (generation failure, query failure, or straggler
// timeout); the entries present are still valid.
type RecallResult struct {
	Entries  []RecalledEntry
	Degraded bool
}

// Recall performs multi-perspective recall: the completion provider proposes
// a bounded set of semantic angles on the context, each angle independently
// proposes candidates by vector similarity, and a per-angle relevance
// judgment accepts or rejects each candidate. Accepted entries are merged,
// deduplicated by entry identity, and ordered by the best score seen across
// perspectives.
//
// Recall never hard-fails on a single perspective: partial results are
// returned with Degraded set.
func (e *Engine) Recall(ctx context.Context, contextText string) (RecallResult, error) {
	if e.tracer != nil {
		var span Span
		ctx, span = e.tracer.Start(ctx, "memory.recall")
		defer span.End()
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.recallTimeout)
	defer cancel()

	perspectives, genFailed := e.generatePerspectives(ctx, contextText)

	type perspectiveResult struct {
		accepted []RecalledEntry
		skipped  bool
	}
	results := make([]perspectiveResult, len(perspectives))

	var wg sync.WaitGroup
	for i, p := range perspectives {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			accepted, err := e.recallPerspective(ctx, p)
			if err != nil {
				e.logger.Warn("perspective skipped", "perspective", p, "error", err)
				results[i] = perspectiveResult{skipped: true}
				return
			}
			results[i] = perspectiveResult{accepted: accepted}
		}(i, p)
	}
	wg.Wait()

	best := make(map[string]RecalledEntry)
	degraded := genFailed
	for _, r := range results {
		if r.skipped {
			degraded = true
			continue
		}
		for _, re := range r.accepted {
			if cur, ok := best[re.Entry.ID]; !ok || re.Score > cur.Score {
				best[re.Entry.ID] = re
			}
		}
	}

	merged := make([]RecalledEntry, 0, len(best))
	for _, re := range best {
		merged = append(merged, re)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})

	return RecallResult{Entries: merged, Degraded: degraded}, nil
}

// generatePerspectives asks the completion provider for diverse search
// angles. On failure the context itself is the single perspective.
func (e *Engine) generatePerspectives(ctx context.Context, contextText string) ([]string, bool) {
	prompt := fmt.Sprintf(
		"User context: %q\n\nGenerate %d diverse search queries to find ALL relevant memories "+
			"about the user. Include BOTH long-term facts (preferences, restrictions, constraints) "+
			"AND recent context (current requests, stated intent). "+
			"Reply with ONLY the search queries, one per line, no numbering.",
		contextText, e.cfg.maxPerspectives)

	reply, err := e.llm.Complete(ctx, []ChatMessage{UserMessage(prompt)})
	if err != nil {
		e.logger.Warn("perspective generation failed, using context verbatim", "error", err)
		return []string{contextText}, true
	}

	var perspectives []string
	for _, line := range strings.Split(reply, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			perspectives = append(perspectives, line)
		}
		if len(perspectives) == e.cfg.maxPerspectives {
			break
		}
	}
	if len(perspectives) == 0 {
		return []string{contextText}, true
	}
	return perspectives, false
}

// recallPerspective runs one angle: embed, propose candidates by similarity,
// then let the judgment call dispose. Vector similarity proposes, the judge
// disposes — that judgment pass is what separates this recall from plain
// nearest-neighbor search.
func (e *Engine) recallPerspective(ctx context.Context, perspective string) ([]RecalledEntry, error) {
	vec, err := e.embedding.EmbedQuery(ctx, perspective)
	if err != nil {
		return nil, fmt.Errorf("embed perspective: %w", err)
	}

	topK := e.cfg.candidatesPerP
	matches, err := e.store.Query(ctx, CollectionMemories, vec, topK, topK*e.cfg.overfetch, Filter{})
	if err != nil {
		return nil, fmt.Errorf("similarity query: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}

	ids := make([]string, len(matches))
	scoreByID := make(map[string]float32, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
		scoreByID[m.ID] = m.Score
	}
	candidates, err := e.store.GetMemories(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	accepted, err := e.judge(ctx, perspective, candidates, false)
	if err != nil {
		return nil, err
	}

	entries := make([]RecalledEntry, 0, len(accepted))
	for _, c := range accepted {
		entries = append(entries, RecalledEntry{Entry: c, Score: scoreByID[c.ID]})
	}
	return entries, nil
}

// judge asks the completion provider which numbered candidates match the
// perspective. The reply is a comma-separated index list or NONE; anything
// unparseable accepts nothing. conservative switches the prompt to the
// stricter wording used by Forget.
func (e *Engine) judge(ctx context.Context, perspective string, candidates []MemoryEntry, conservative bool) ([]MemoryEntry, error) {
	var list strings.Builder
	for i, c := range candidates {
		fmt.Fprintf(&list, "%d. %s (category: %s, temporary: %t)\n", i+1, c.Text, c.Category, c.Temporary)
	}

	var prompt string
	if conservative {
		prompt = fmt.Sprintf(
			"User wants to forget: %q\n\nAvailable memories:\n%s\n"+
				"Which memories should be DELETED? Be CONSERVATIVE - only select memories that "+
				"clearly match. Reply with the numbers of memories to delete (comma-separated). "+
				"If none match, reply 'NONE'.",
			perspective, list.String())
	} else {
		prompt = fmt.Sprintf(
			"Search perspective: %q\n\nAvailable memories:\n%s\n"+
				"Which memories match this search perspective? Be INCLUSIVE - if a memory could be "+
				"even slightly relevant, include it. Reply with the numbers of relevant memories "+
				"(comma-separated). If none match, reply 'NONE'.",
			perspective, list.String())
	}

	reply, err := e.llm.Complete(ctx, []ChatMessage{UserMessage(prompt)})
	if err != nil {
		return nil, fmt.Errorf("judge: %w", err)
	}

	reply = strings.TrimSpace(reply)
	if strings.EqualFold(reply, "NONE") {
		return nil, nil
	}

	var accepted []MemoryEntry
	seen := make(map[int]bool)
	for _, part := range strings.Split(reply, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		idx := n - 1
		if idx < 0 || idx >= len(candidates) || seen[idx] {
			continue
		}
		seen[idx] = true
		accepted = append(accepted, candidates[idx])
	}
	return accepted, nil
}

// --- Forget / list ---

// Forget deletes entries matching the topic, using the same perspective
// machinery as Recall but with a conservative judgment prompt. Returns the
// deleted entries.
func (e *Engine) Forget(ctx context.Context, topic string) ([]MemoryEntry, error) {
	perspectives, _ := e.generatePerspectives(ctx, topic)

	toDelete := make(map[string]MemoryEntry)
	for _, p := range perspectives {
		vec, err := e.embedding.EmbedQuery(ctx, p)
		if err != nil {
			continue
		}
		topK := e.cfg.candidatesPerP
		matches, err := e.store.Query(ctx, CollectionMemories, vec, topK, topK*e.cfg.overfetch, Filter{})
		if err != nil || len(matches) == 0 {
			continue
		}
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		candidates, err := e.store.GetMemories(ctx, ids)
		if err != nil {
			continue
		}
		accepted, err := e.judge(ctx, p, candidates, true)
		if err != nil {
			continue
		}
		for _, c := range accepted {
			toDelete[c.ID] = c
		}
	}

	var deleted []MemoryEntry
	for id, entry := range toDelete {
		if err := e.store.DeleteMemory(ctx, id); err != nil {
			e.logger.Warn("delete failed", "id", id, "error", err)
			continue
		}
		deleted = append(deleted, entry)
	}
	return deleted, nil
}

// ForgetAll deletes every stored entry and returns the count.
func (e *Engine) ForgetAll(ctx context.Context) (int, error) {
	return e.store.DeleteAllMemories(ctx)
}

// List returns all currently recallable entries, newest first.
func (e *Engine) List(ctx context.Context) ([]MemoryEntry, error) {
	return e.store.ListMemories(ctx, Filter{})
}
