package conductor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

// ProviderSpec is the registration input for a tool provider: what it is
// called, what it does, and how to launch its process.
type ProviderSpec struct {
	Name         string
	Description  string
	Command      string
	Args         []string
	Capabilities Capabilities
}

// Registry maintains the set of known tool providers and their description
// embeddings. It is shared and read-mostly: registration happens at startup
// (or on explicit re-sync), routing reads happen on every turn.
//
// Embeddings are computed once per description and cached by content hash:
// re-registering a provider whose description has not changed skips the
// embedding call entirely.
type Registry struct {
	store     VectorStore
	embedding EmbeddingProvider
	logger    *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the structured logger for registry sync events.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates a Registry backed by the given store and embedding
// provider.
func NewRegistry(store VectorStore, embedding EmbeddingProvider, opts ...RegistryOption) *Registry {
	r := &Registry{store: store, embedding: embedding}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// descHash returns the content hash used for embedding reuse.
func descHash(description string) string {
	sum := sha256.Sum256([]byte(description))
	return hex.EncodeToString(sum[:])
}

// Register stores or updates a provider descriptor. The description
// embedding is recomputed only when the description content hash differs
// from the stored one.
func (r *Registry) Register(ctx context.Context, spec ProviderSpec) (ProviderDescriptor, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return ProviderDescriptor{}, fmt.Errorf("registry: provider name is required")
	}
	if strings.TrimSpace(spec.Description) == "" {
		return ProviderDescriptor{}, fmt.Errorf("registry: provider %s: description is required", name)
	}

	hash := descHash(spec.Description)

	existing, found := r.findByName(ctx, name)
	if found && existing.DescHash == hash {
		// Unchanged description: keep the cached embedding, refresh the rest.
		existing.Command = spec.Command
		existing.Args = spec.Args
		existing.Capabilities = spec.Capabilities
		if err := r.store.UpsertProvider(ctx, existing); err != nil {
			return ProviderDescriptor{}, fmt.Errorf("registry: upsert %s: %w", name, err)
		}
		r.logger.Debug("provider unchanged, embedding reused", "provider", name)
		return existing, nil
	}

	embs, err := r.embedding.EmbedDocuments(ctx, []string{spec.Description})
	if err != nil {
		return ProviderDescriptor{}, fmt.Errorf("registry: embed %s: %w", name, err)
	}
	if len(embs) == 0 {
		return ProviderDescriptor{}, fmt.Errorf("registry: embed %s: no embedding returned", name)
	}

	desc := ProviderDescriptor{
		ID:           NewID(),
		Name:         name,
		Description:  spec.Description,
		DescHash:     hash,
		Embedding:    embs[0],
		Capabilities: spec.Capabilities,
		Command:      spec.Command,
		Args:         spec.Args,
		RegisteredAt: NowUnix(),
	}
	if found {
		// Re-registration keeps the stable ID and registration order.
		desc.ID = existing.ID
		desc.RegisteredAt = existing.RegisteredAt
	}

	if err := r.store.UpsertProvider(ctx, desc); err != nil {
		return ProviderDescriptor{}, fmt.Errorf("registry: upsert %s: %w", name, err)
	}
	r.logger.Info("provider registered", "provider", name, "id", desc.ID)
	return desc, nil
}

// Sync reconciles the registry with the given spec set: new providers are
// added, changed ones re-embedded, and providers absent from specs removed.
func (r *Registry) Sync(ctx context.Context, specs []ProviderSpec) error {
	known, err := r.store.ListProviders(ctx)
	if err != nil {
		return fmt.Errorf("registry: list: %w", err)
	}

	wanted := make(map[string]bool, len(specs))
	for _, spec := range specs {
		wanted[spec.Name] = true
		if _, err := r.Register(ctx, spec); err != nil {
			return err
		}
	}

	for _, desc := range known {
		if wanted[desc.Name] {
			continue
		}
		if err := r.store.DeleteProvider(ctx, desc.ID); err != nil {
			return fmt.Errorf("registry: delete %s: %w", desc.Name, err)
		}
		r.logger.Info("provider removed", "provider", desc.Name)
	}
	return nil
}

// Get returns a descriptor by ID.
func (r *Registry) Get(ctx context.Context, id string) (ProviderDescriptor, error) {
	return r.store.GetProvider(ctx, id)
}

// List returns all descriptors in registration order.
func (r *Registry) List(ctx context.Context) ([]ProviderDescriptor, error) {
	return r.store.ListProviders(ctx)
}

func (r *Registry) findByName(ctx context.Context, name string) (ProviderDescriptor, bool) {
	all, err := r.store.ListProviders(ctx)
	if err != nil {
		return ProviderDescriptor{}, false
	}
	for _, d := range all {
		if d.Name == name {
			return d, true
		}
	}
	return ProviderDescriptor{}, false
}
