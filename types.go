package conductor

import (
	"encoding/json"
	"time"
)

// --- Domain types (database records) ---

// Capabilities lists what a tool provider exposes, as reported by its
// tools/list, resources/list, and prompts/list responses. Tool selection at
// planning time matches against the union of capabilities of the routed
// providers — there is no compiled provider/tool mapping anywhere else.
type Capabilities struct {
	Tools     []ToolDefinition `json:"tools,omitempty"`
	Resources []string         `json:"resources,omitempty"`
	Prompts   []string         `json:"prompts,omitempty"`
}

// ToolDefinition describes a single callable tool.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ProviderDescriptor is the registry record for a tool provider. The
// description embedding is computed once at registration and cached keyed by
// a content hash of the description; the descriptor is immutable until
// re-registration.
type ProviderDescriptor struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	DescHash     string       `json:"desc_hash"`
	Embedding    []float32    `json:"-"`
	Capabilities Capabilities `json:"capabilities"`
	Command      string       `json:"command"`
	Args         []string     `json:"args,omitempty"`
	RegisteredAt int64        `json:"registered_at"`
}

// MemoryEntry is a single stored fact. The embedding is immutable after
// creation: restating a fact creates a new entry, and supersession is
// resolved at recall time, not write time. ExpiresAt is set only for
// temporary entries.
type MemoryEntry struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Category  string    `json:"category"`
	Embedding []float32 `json:"-"`
	Temporary bool      `json:"is_temporary"`
	CreatedAt int64     `json:"created_at"`
	ExpiresAt int64     `json:"expires_at,omitempty"`
}

// --- Ephemeral value objects (never persisted) ---

// RoutedProvider is one router result: a descriptor with its similarity
// score. Scores are in [0, 1]; higher is more relevant.
type RoutedProvider struct {
	Descriptor ProviderDescriptor
	Score      float32
}

// RecalledEntry is one recall result with the best score seen across all
// perspectives that accepted it.
type RecalledEntry struct {
	Entry MemoryEntry
	Score float32
}

// --- Tool invocation ---

// InvocationStatus tracks the lifecycle of a single tool call.
type InvocationStatus string

const (
	InvocationPending  InvocationStatus = "pending"
	InvocationOK       InvocationStatus = "ok"
	InvocationError    InvocationStatus = "error"
	InvocationTimedOut InvocationStatus = "timed_out"
)

// ToolInvocation records one dispatched tool call. Created by the
// orchestrator, mutated by the gateway on response or timeout, read-only
// thereafter.
type ToolInvocation struct {
	ProviderID    string           `json:"provider_id"`
	Tool          string           `json:"tool"`
	Args          json.RawMessage  `json:"args,omitempty"`
	CorrelationID string           `json:"correlation_id"`
	Status        InvocationStatus `json:"status"`
	Result        string           `json:"result,omitempty"`
	Err           string           `json:"error,omitempty"`
	Duration      time.Duration    `json:"-"`
}

// --- Conversation state ---

// ChatMessage is one message in a completion request or turn history.
type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant", "tool"
	Content string `json:"content"`
}

// ConversationState is the per-session mutable record. It has exactly one
// concurrent owner: the session's turn loop. No two turns of the same
// session execute concurrently.
type ConversationState struct {
	History      []ChatMessage
	LastProvider string // session stickiness for vague follow-ups
	PendingCalls []ToolInvocation
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}
