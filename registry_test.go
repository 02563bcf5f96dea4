package conductor

import (
	"context"
	"sync/atomic"
	"testing"
)

// countingEmbedding wraps keywordEmbedding and counts document calls, so
// tests can assert when the registry reuses a cached embedding.
type countingEmbedding struct {
	keywordEmbedding
	docCalls atomic.Int64
}

func (c *countingEmbedding) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	c.docCalls.Add(1)
	return c.keywordEmbedding.EmbedDocuments(ctx, texts)
}

func TestRegistryRegisterAndGet(t *testing.T) {
	store := newMemStore()
	emb := &countingEmbedding{keywordEmbedding: keywordEmbedding{vectors: map[string][]float32{
		"weather": {1, 0, 0},
	}}}
	reg := NewRegistry(store, emb)

	desc, err := reg.Register(context.Background(), ProviderSpec{
		Name:        "weather",
		Description: "Reports current weather and forecasts.",
		Command:     "weather-provider",
	})
	if err != nil {
		t.Fatal(err)
	}
	if desc.ID == "" {
		t.Error("descriptor has no ID")
	}
	if desc.DescHash == "" {
		t.Error("descriptor has no description hash")
	}
	if len(desc.Embedding) == 0 {
		t.Error("descriptor has no embedding")
	}

	got, err := reg.Get(context.Background(), desc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "weather" {
		t.Errorf("Name = %q, want %q", got.Name, "weather")
	}
}

func TestRegistryRegisterRequiresNameAndDescription(t *testing.T) {
	reg := NewRegistry(newMemStore(), &keywordEmbedding{})

	if _, err := reg.Register(context.Background(), ProviderSpec{Description: "x"}); err == nil {
		t.Error("expected error for missing name")
	}
	if _, err := reg.Register(context.Background(), ProviderSpec{Name: "x"}); err == nil {
		t.Error("expected error for missing description")
	}
}

func TestRegistryReusesEmbeddingForUnchangedDescription(t *testing.T) {
	store := newMemStore()
	emb := &countingEmbedding{keywordEmbedding: keywordEmbedding{vectors: map[string][]float32{}}}
	reg := NewRegistry(store, emb)

	spec := ProviderSpec{Name: "news", Description: "Fetches headlines.", Command: "news-v1"}
	first, err := reg.Register(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}
	if got := emb.docCalls.Load(); got != 1 {
		t.Fatalf("docCalls = %d, want 1", got)
	}

	// Same description, new command: embedding reused, command refreshed.
	spec.Command = "news-v2"
	second, err := reg.Register(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}
	if got := emb.docCalls.Load(); got != 1 {
		t.Errorf("docCalls = %d after unchanged re-register, want 1", got)
	}
	if second.ID != first.ID {
		t.Errorf("re-registration changed ID: %q -> %q", first.ID, second.ID)
	}
	if second.Command != "news-v2" {
		t.Errorf("Command = %q, want news-v2", second.Command)
	}

	// Changed description: re-embedded, but ID and order stay stable.
	spec.Description = "Fetches headlines and summaries."
	third, err := reg.Register(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}
	if got := emb.docCalls.Load(); got != 2 {
		t.Errorf("docCalls = %d after changed description, want 2", got)
	}
	if third.ID != first.ID {
		t.Errorf("changed description must keep ID, got %q want %q", third.ID, first.ID)
	}
	if third.RegisteredAt != first.RegisteredAt {
		t.Error("changed description must keep registration order")
	}
}

func TestRegistrySyncRemovesAbsentProviders(t *testing.T) {
	store := newMemStore()
	reg := NewRegistry(store, &keywordEmbedding{vectors: map[string][]float32{}})
	ctx := context.Background()

	specs := []ProviderSpec{
		{Name: "alpha", Description: "First provider.", Command: "alpha"},
		{Name: "beta", Description: "Second provider.", Command: "beta"},
	}
	if err := reg.Sync(ctx, specs); err != nil {
		t.Fatal(err)
	}
	if got, _ := reg.List(ctx); len(got) != 2 {
		t.Fatalf("List after first sync = %d providers, want 2", len(got))
	}

	// Drop beta, add gamma.
	specs = []ProviderSpec{
		{Name: "alpha", Description: "First provider.", Command: "alpha"},
		{Name: "gamma", Description: "Third provider.", Command: "gamma"},
	}
	if err := reg.Sync(ctx, specs); err != nil {
		t.Fatal(err)
	}

	list, err := reg.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	names := make(map[string]bool, len(list))
	for _, d := range list {
		names[d.Name] = true
	}
	if !names["alpha"] || !names["gamma"] || names["beta"] {
		t.Errorf("providers after sync = %v, want alpha+gamma without beta", names)
	}
}
