package conductor

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// --- Completion mocks (shared across router, memory, and turn tests) ---

// scriptCompletion returns canned replies in order. Safe for concurrent use;
// recall judges perspectives concurrently.
type scriptCompletion struct {
	mu      sync.Mutex
	replies []string
	idx     int
	calls   []string // last user message of each call, for assertions
}

func (m *scriptCompletion) Name() string { return "script" }

func (m *scriptCompletion) Complete(_ context.Context, messages []ChatMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(messages) > 0 {
		m.calls = append(m.calls, messages[len(messages)-1].Content)
	}
	if m.idx >= len(m.replies) {
		return "exhausted", nil
	}
	reply := m.replies[m.idx]
	m.idx++
	return reply, nil
}

// fnCompletion routes every call through fn. Use when the reply depends on
// the prompt rather than call order.
type fnCompletion struct {
	fn func(messages []ChatMessage) (string, error)
}

func (m *fnCompletion) Name() string { return "fn" }

func (m *fnCompletion) Complete(_ context.Context, messages []ChatMessage) (string, error) {
	return m.fn(messages)
}

// --- Embedding mock ---

// keywordEmbedding returns a fixed vector for the first registered keyword
// found in the text, so tests control similarity by word choice. Texts with
// no keyword get a distinct far-away vector.
type keywordEmbedding struct {
	vectors map[string][]float32
	fail    bool
}

func (m *keywordEmbedding) Name() string    { return "keyword" }
func (m *keywordEmbedding) Dimensions() int { return 3 }

func (m *keywordEmbedding) embed(text string) []float32 {
	lower := strings.ToLower(text)
	keys := make([]string, 0, len(m.vectors))
	for k := range m.vectors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.Contains(lower, k) {
			return m.vectors[k]
		}
	}
	return []float32{0, 0, 1}
}

func (m *keywordEmbedding) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	if m.fail {
		return nil, fmt.Errorf("embedding backend down")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = m.embed(t)
	}
	return out, nil
}

func (m *keywordEmbedding) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if m.fail {
		return nil, fmt.Errorf("embedding backend down")
	}
	return m.embed(text), nil
}

// --- In-memory store ---

// memStore is an in-memory VectorStore with an injectable clock so tests
// age temporary entries without sleeping.
type memStore struct {
	mu        sync.Mutex
	providers map[string]ProviderDescriptor
	order     []string // provider insertion order
	memories  map[string]MemoryEntry
	now       func() time.Time
	queryErr  error
}

func newMemStore() *memStore {
	return &memStore{
		providers: make(map[string]ProviderDescriptor),
		memories:  make(map[string]MemoryEntry),
		now:       time.Now,
	}
}

func (s *memStore) Init(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

func (s *memStore) UpsertProvider(_ context.Context, desc ProviderDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[desc.ID]; !ok {
		s.order = append(s.order, desc.ID)
	}
	s.providers[desc.ID] = desc
	return nil
}

func (s *memStore) GetProvider(_ context.Context, id string) (ProviderDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	desc, ok := s.providers[id]
	if !ok {
		return ProviderDescriptor{}, fmt.Errorf("provider %q not found", id)
	}
	return desc, nil
}

func (s *memStore) ListProviders(context.Context) ([]ProviderDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ProviderDescriptor, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.providers[id])
	}
	return out, nil
}

func (s *memStore) DeleteProvider(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.providers, id)
	for i, o := range s.order {
		if o == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memStore) UpsertMemory(_ context.Context, entry MemoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memories[entry.ID] = entry
	return nil
}

func (s *memStore) observable(e MemoryEntry) bool {
	return e.ExpiresAt == 0 || e.ExpiresAt > s.now().Unix()
}

func (s *memStore) matchesFilter(e MemoryEntry, f Filter) bool {
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.Temporary != nil && e.Temporary != *f.Temporary {
		return false
	}
	return true
}

func (s *memStore) ListMemories(_ context.Context, f Filter) ([]MemoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []MemoryEntry
	for _, e := range s.memories {
		if s.observable(e) && s.matchesFilter(e, f) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *memStore) GetMemories(_ context.Context, ids []string) ([]MemoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []MemoryEntry
	for _, id := range ids {
		if e, ok := s.memories[id]; ok && s.observable(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) DeleteMemory(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memories, id)
	return nil
}

func (s *memStore) DeleteAllMemories(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.memories)
	s.memories = make(map[string]MemoryEntry)
	return n, nil
}

func (s *memStore) Query(_ context.Context, collection string, vector []float32, topK, _ int, f Filter) ([]Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queryErr != nil {
		return nil, s.queryErr
	}

	var matches []Match
	switch collection {
	case CollectionProviders:
		for _, id := range s.order {
			matches = append(matches, Match{ID: id, Score: cosine(vector, s.providers[id].Embedding)})
		}
	case CollectionMemories:
		for id, e := range s.memories {
			if s.observable(e) && s.matchesFilter(e, f) {
				matches = append(matches, Match{ID: id, Score: cosine(vector, e.Embedding)})
			}
		}
	default:
		return nil, fmt.Errorf("unknown collection %q", collection)
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

var _ VectorStore = (*memStore)(nil)

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(na) * math.Sqrt(nb)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}
