// Package mcp implements the framed request/response protocol spoken between
// the orchestrator's gateway and tool provider processes, modeled on the
// Model Context Protocol (revision 2025-03-26): JSON-RPC 2.0, newline-
// delimited over a process's standard input/output.
//
// The Server half lets a tool provider be written as a plain Go binary; the
// Client half is what the gateway uses to drive one. Request IDs are
// caller-chosen and echoed by the server, so concurrent in-flight calls can
// be correlated even when responses arrive out of order.
package mcp

import "encoding/json"

// --- JSON-RPC 2.0 types ---

// Request is an incoming JSON-RPC 2.0 request or notification.
// Notifications have a nil ID.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification returns true if this is a notification (no ID field).
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is an outgoing JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Message }

// Standard JSON-RPC 2.0 error codes.
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
)

// --- Protocol types ---

// ProtocolVersion is the protocol revision this package implements.
const ProtocolVersion = "2025-03-26"

// InitializeParams is the client's initialize request payload.
type InitializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	Capabilities    any        `json:"capabilities,omitempty"`
	ClientInfo      PeerInfo   `json:"clientInfo"`
}

// PeerInfo identifies one end of the connection.
type PeerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the server's response to an initialize request.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      PeerInfo           `json:"serverInfo"`
}

// ServerCapabilities advertises what the provider exposes.
type ServerCapabilities struct {
	Tools     *Capability `json:"tools,omitempty"`
	Resources *Capability `json:"resources,omitempty"`
	Prompts   *Capability `json:"prompts,omitempty"`
}

// Capability is a per-feature capability marker.
type Capability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// --- Tool types ---

// ToolDefinition describes a tool exposed by a provider.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolsListResult is the response to tools/list.
type ToolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// ToolCallParams is the request payload for tools/call.
type ToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolCallResult is the response payload for tools/call.
type ToolCallResult struct {
	Content []TextContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// TextContent is a text content block.
type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Text concatenates the result's text blocks.
func (r ToolCallResult) Text() string {
	switch len(r.Content) {
	case 0:
		return ""
	case 1:
		return r.Content[0].Text
	}
	var out string
	for i, c := range r.Content {
		if i > 0 {
			out += "\n"
		}
		out += c.Text
	}
	return out
}

// TextResult creates a successful ToolCallResult with a single text block.
func TextResult(text string) ToolCallResult {
	return ToolCallResult{Content: []TextContent{{Type: "text", Text: text}}}
}

// ErrorResult creates an error ToolCallResult with a single text block.
func ErrorResult(text string) ToolCallResult {
	return ToolCallResult{Content: []TextContent{{Type: "text", Text: text}}, IsError: true}
}

// --- Resource types ---

// ResourceDef describes a resource in resources/list responses.
type ResourceDef struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourcesListResult is the response to resources/list.
type ResourcesListResult struct {
	Resources []ResourceDef `json:"resources"`
}

// ResourceReadParams is the request payload for resources/read.
type ResourceReadParams struct {
	URI string `json:"uri"`
}

// ResourceContent is a single content item in a resources/read response.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text"`
}

// ResourceReadResult is the response to resources/read.
type ResourceReadResult struct {
	Contents []ResourceContent `json:"contents"`
}

// --- Prompt types ---

// PromptDef describes a prompt template in prompts/list responses.
type PromptDef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// PromptsListResult is the response to prompts/list.
type PromptsListResult struct {
	Prompts []PromptDef `json:"prompts"`
}

// PromptGetParams is the request payload for prompts/get.
type PromptGetParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// PromptMessage is one message of a rendered prompt.
type PromptMessage struct {
	Role    string      `json:"role"`
	Content TextContent `json:"content"`
}

// PromptGetResult is the response to prompts/get.
type PromptGetResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}
