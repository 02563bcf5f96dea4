package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// ToolHandler is a tool that the server exposes to the gateway.
type ToolHandler struct {
	// Definition describes the tool (name, description, input schema).
	Definition ToolDefinition
	// Execute is called when the gateway invokes tools/call for this tool.
	Execute func(ctx context.Context, args json.RawMessage) ToolCallResult
}

// Resource is a readable data source exposed via resources/list and
// resources/read.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
	// Read returns the resource content. Called on each resources/read request.
	Read func() string
}

// Prompt is a named prompt template exposed via prompts/list and prompts/get.
type Prompt struct {
	Name        string
	Description string
	// Render returns the prompt messages for the given arguments.
	Render func(args map[string]string) []PromptMessage
}

// Server is a tool provider endpoint speaking JSON-RPC 2.0 over stdio.
// Register tools, resources, and prompts before calling Serve.
type Server struct {
	name    string
	version string

	tools     []ToolHandler
	resources []Resource
	prompts   []Prompt

	// reader/writer can be overridden for testing (defaults to stdin/stdout).
	reader io.Reader
	writer io.Writer
	mu     sync.Mutex // protects writes
}

// NewServer creates a provider server with the given name and version.
func NewServer(name, version string) *Server {
	return &Server{
		name:    name,
		version: version,
		reader:  os.Stdin,
		writer:  os.Stdout,
	}
}

// AddTool registers a tool handler. Must be called before Serve.
func (s *Server) AddTool(h ToolHandler) {
	s.tools = append(s.tools, h)
}

// AddResource registers a resource. Must be called before Serve.
func (s *Server) AddResource(r Resource) {
	s.resources = append(s.resources, r)
}

// AddPrompt registers a prompt template. Must be called before Serve.
func (s *Server) AddPrompt(p Prompt) {
	s.prompts = append(s.prompts, p)
}

// Serve reads JSON-RPC messages from the input stream and writes responses
// to the output stream. Blocks until the input stream closes or ctx is
// cancelled.
func (s *Server) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.reader)
	scanner.Buffer(make([]byte, 0, 10<<20), 10<<20) // 10MB max message

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleMessage(ctx, line)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("mcp: read input: %w", err)
	}
	return nil
}

// handleMessage parses a single JSON-RPC message (or batch) and dispatches it.
func (s *Server) handleMessage(ctx context.Context, data []byte) {
	if len(data) > 0 && data[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(data, &batch); err != nil {
			s.writeError(json.RawMessage("null"), ErrCodeParse, "parse error")
			return
		}
		for _, raw := range batch {
			s.handleSingle(ctx, raw)
		}
		return
	}
	s.handleSingle(ctx, data)
}

func (s *Server) handleSingle(ctx context.Context, data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.writeError(json.RawMessage("null"), ErrCodeParse, "parse error")
		return
	}

	resp := s.dispatch(ctx, &req)
	if resp != nil {
		s.writeResponse(*resp)
	}
}

// dispatch routes a request to the appropriate handler. Returns nil for
// notifications.
func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "notifications/initialized", "notifications/cancelled":
		return nil
	case "ping":
		return s.respond(req.ID, struct{}{})
	case "tools/list":
		return s.respond(req.ID, ToolsListResult{Tools: s.toolDefs()})
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "resources/list":
		return s.handleResourcesList(req)
	case "resources/read":
		return s.handleResourcesRead(req)
	case "prompts/list":
		return s.handlePromptsList(req)
	case "prompts/get":
		return s.handlePromptsGet(req)
	default:
		if req.IsNotification() {
			return nil
		}
		return s.respondError(req.ID, ErrCodeMethodNotFound, "method not found: "+req.Method)
	}
}

// --- handlers ---

func (s *Server) handleInitialize(req *Request) *Response {
	caps := ServerCapabilities{}
	if len(s.tools) > 0 {
		caps.Tools = &Capability{}
	}
	if len(s.resources) > 0 {
		caps.Resources = &Capability{}
	}
	if len(s.prompts) > 0 {
		caps.Prompts = &Capability{}
	}

	return s.respond(req.ID, InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    caps,
		ServerInfo:      PeerInfo{Name: s.name, Version: s.version},
	})
}

func (s *Server) toolDefs() []ToolDefinition {
	defs := make([]ToolDefinition, len(s.tools))
	for i, t := range s.tools {
		defs[i] = t.Definition
	}
	return defs
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.respondError(req.ID, ErrCodeInvalidParams, "invalid params: "+err.Error())
	}

	for _, t := range s.tools {
		if t.Definition.Name == params.Name {
			return s.respond(req.ID, t.Execute(ctx, params.Arguments))
		}
	}
	return s.respond(req.ID, ErrorResult("unknown tool: "+params.Name))
}

func (s *Server) handleResourcesList(req *Request) *Response {
	defs := make([]ResourceDef, len(s.resources))
	for i, r := range s.resources {
		defs[i] = ResourceDef{
			URI:         r.URI,
			Name:        r.Name,
			Description: r.Description,
			MimeType:    r.MimeType,
		}
	}
	return s.respond(req.ID, ResourcesListResult{Resources: defs})
}

func (s *Server) handleResourcesRead(req *Request) *Response {
	var params ResourceReadParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.respondError(req.ID, ErrCodeInvalidParams, "invalid params: "+err.Error())
	}

	for _, r := range s.resources {
		if r.URI == params.URI {
			return s.respond(req.ID, ResourceReadResult{
				Contents: []ResourceContent{{
					URI:      r.URI,
					MimeType: r.MimeType,
					Text:     r.Read(),
				}},
			})
		}
	}
	return s.respondError(req.ID, ErrCodeInvalidParams, "resource not found: "+params.URI)
}

func (s *Server) handlePromptsList(req *Request) *Response {
	defs := make([]PromptDef, len(s.prompts))
	for i, p := range s.prompts {
		defs[i] = PromptDef{Name: p.Name, Description: p.Description}
	}
	return s.respond(req.ID, PromptsListResult{Prompts: defs})
}

func (s *Server) handlePromptsGet(req *Request) *Response {
	var params PromptGetParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.respondError(req.ID, ErrCodeInvalidParams, "invalid params: "+err.Error())
	}

	for _, p := range s.prompts {
		if p.Name == params.Name {
			return s.respond(req.ID, PromptGetResult{
				Description: p.Description,
				Messages:    p.Render(params.Arguments),
			})
		}
	}
	return s.respondError(req.ID, ErrCodeInvalidParams, "prompt not found: "+params.Name)
}

// --- response helpers ---

func (s *Server) respond(id json.RawMessage, result any) *Response {
	data, err := json.Marshal(result)
	if err != nil {
		return s.respondError(id, ErrCodeInternal, "marshal result: "+err.Error())
	}
	return &Response{JSONRPC: "2.0", ID: id, Result: data}
}

func (s *Server) respondError(id json.RawMessage, code int, message string) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
}

func (s *Server) writeError(id json.RawMessage, code int, message string) {
	s.writeResponse(Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}})
}

func (s *Server) writeResponse(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Printf("[mcp] marshal response: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	data = append(data, '\n')
	if _, err := s.writer.Write(data); err != nil {
		log.Printf("[mcp] write response: %v", err)
	}
}

// SetStreams overrides the server's input and output streams. Intended for
// tests and in-process wiring; production providers use stdin/stdout.
func (s *Server) SetStreams(r io.Reader, w io.Writer) {
	s.reader = r
	s.writer = w
}
