package conductor

import "context"

// Collection names used by the registry and the memory engine.
const (
	CollectionProviders = "providers"
	CollectionMemories  = "memories"
)

// Match is one similarity query result.
type Match struct {
	ID    string
	Score float32
}

// Filter narrows a similarity query or listing. The zero value matches
// everything that is currently observable (expired entries are never
// observable, regardless of filter).
type Filter struct {
	Category  string
	Temporary *bool
}

// VectorStore abstracts the persistence layer with vector search. The store
// owns expiry: any record written with a positive expiresAt must become
// unobservable to all reads within the store's sweep lag once that time has
// passed. Single-document writes are atomic; callers do no client-side
// locking.
type VectorStore interface {
	// UpsertProvider stores or replaces a provider descriptor with its
	// description embedding.
	UpsertProvider(ctx context.Context, desc ProviderDescriptor) error
	// GetProvider returns a descriptor by ID.
	GetProvider(ctx context.Context, id string) (ProviderDescriptor, error)
	// ListProviders returns all descriptors in registration order.
	ListProviders(ctx context.Context) ([]ProviderDescriptor, error)
	// DeleteProvider removes a descriptor.
	DeleteProvider(ctx context.Context, id string) error

	// UpsertMemory stores a memory entry with its document embedding.
	UpsertMemory(ctx context.Context, entry MemoryEntry) error
	// ListMemories returns observable entries, newest first.
	ListMemories(ctx context.Context, f Filter) ([]MemoryEntry, error)
	// GetMemories returns the observable entries among the given IDs.
	// Missing or expired IDs are silently omitted.
	GetMemories(ctx context.Context, ids []string) ([]MemoryEntry, error)
	// DeleteMemory removes a single entry by ID.
	DeleteMemory(ctx context.Context, id string) error
	// DeleteAllMemories removes every entry and returns the count.
	DeleteAllMemories(ctx context.Context) (int, error)

	// Query returns the topK most similar records in a collection by cosine
	// similarity, ordered by score descending. numCandidates >= topK widens
	// the candidate pool for approximate indexes.
	Query(ctx context.Context, collection string, vector []float32, topK, numCandidates int, f Filter) ([]Match, error)

	// Init creates schema and expiry machinery. Safe to call repeatedly.
	Init(ctx context.Context) error
	Close() error
}
