package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrClosed is returned by Call after the peer's output stream has closed
// (process exit or crash). In-flight calls at close time fail with it too.
var ErrClosed = errors.New("mcp: connection closed")

// Client drives one provider process over newline-delimited JSON-RPC 2.0.
// Writes to the peer are serialized; responses are demultiplexed by ID by a
// single reader goroutine, so any number of callers may have calls in flight
// concurrently and each response finds the caller whose ID it echoes. A
// response with an unknown ID (e.g. one that arrived after its caller timed
// out) is discarded.
type Client struct {
	w  io.Writer
	mu sync.Mutex // serializes writes to the peer's input stream

	pendingMu sync.Mutex
	pending   map[string]chan *Response

	done    chan struct{}
	readErr error
}

// NewClient creates a client over the given streams and starts its reader
// goroutine. r is the peer's output, w the peer's input.
func NewClient(r io.Reader, w io.Writer) *Client {
	c := &Client{
		w:       w,
		pending: make(map[string]chan *Response),
		done:    make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

// Done is closed when the reader goroutine exits, which happens when the
// peer's output stream closes. Use it to detect a dead provider process.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the reader's terminal error (nil on clean EOF). Valid after
// Done is closed.
func (c *Client) Err() error { return c.readErr }

// Call sends a request with the given caller-chosen ID and blocks until the
// matching response arrives, ctx is cancelled, or the connection closes.
// A response carrying a JSON-RPC error object is returned as *RPCError.
func (c *Client) Call(ctx context.Context, id, method string, params any) (json.RawMessage, error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}

	idRaw, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal id: %w", err)
	}
	req := Request{JSONRPC: "2.0", ID: idRaw, Method: method}
	if params != nil {
		if req.Params, err = json.Marshal(params); err != nil {
			return nil, fmt.Errorf("mcp: marshal params: %w", err)
		}
	}

	ch := make(chan *Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, ErrClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// Notify sends a notification (no ID, no response expected).
func (c *Client) Notify(method string, params any) error {
	req := Request{JSONRPC: "2.0", Method: method}
	if params != nil {
		var err error
		if req.Params, err = json.Marshal(params); err != nil {
			return fmt.Errorf("mcp: marshal params: %w", err)
		}
	}
	return c.write(req)
}

func (c *Client) write(req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("mcp: marshal request: %w", err)
	}
	data = append(data, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("mcp: write request: %w", err)
	}
	return nil
}

// readLoop reads newline-framed responses and routes each to the pending
// call whose ID it echoes. On stream close, all pending calls are failed.
func (c *Client) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 10<<20), 10<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			continue // skip malformed lines
		}

		var id string
		if err := json.Unmarshal(resp.ID, &id); err != nil {
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[id]
		if ok {
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- &resp
		}
		// not ok: late response for a timed-out call, discard.
	}

	c.readErr = scanner.Err()

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.pendingMu.Unlock()
	close(c.done)
}

// --- typed convenience calls ---

// Initialize performs the protocol handshake.
func (c *Client) Initialize(ctx context.Context, id string, info PeerInfo) (InitializeResult, error) {
	raw, err := c.Call(ctx, id, "initialize", InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      info,
	})
	if err != nil {
		return InitializeResult{}, err
	}
	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return InitializeResult{}, fmt.Errorf("mcp: decode initialize result: %w", err)
	}
	if err := c.Notify("notifications/initialized", nil); err != nil {
		return InitializeResult{}, err
	}
	return result, nil
}

// ListTools fetches the provider's tool definitions.
func (c *Client) ListTools(ctx context.Context, id string) ([]ToolDefinition, error) {
	raw, err := c.Call(ctx, id, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result ToolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("mcp: decode tools/list result: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes a tool by name.
func (c *Client) CallTool(ctx context.Context, id, name string, args json.RawMessage) (ToolCallResult, error) {
	raw, err := c.Call(ctx, id, "tools/call", ToolCallParams{Name: name, Arguments: args})
	if err != nil {
		return ToolCallResult{}, err
	}
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ToolCallResult{}, fmt.Errorf("mcp: decode tools/call result: %w", err)
	}
	return result, nil
}
