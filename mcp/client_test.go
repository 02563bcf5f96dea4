package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"
)

// pipeServer wires a Server to a Client over in-process pipes and starts
// both ends.
func pipeServer(t *testing.T, srv *Server) *Client {
	t.Helper()
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()
	srv.SetStreams(serverReader, serverWriter)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		clientWriter.Close()
		serverWriter.Close()
	})

	return NewClient(clientReader, clientWriter)
}

// scriptedPeer reads request lines and hands them to fn, which writes
// whatever raw responses it wants to the client's read side.
func scriptedPeer(t *testing.T, fn func(requests <-chan Request, respond func(Response))) *Client {
	t.Helper()
	clientReader, peerWriter := io.Pipe()
	peerReader, clientWriter := io.Pipe()

	requests := make(chan Request, 16)
	go func() {
		scanner := bufio.NewScanner(peerReader)
		for scanner.Scan() {
			var req Request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			requests <- req
		}
		close(requests)
	}()

	respond := func(resp Response) {
		data, err := json.Marshal(resp)
		if err != nil {
			t.Errorf("marshal response: %v", err)
			return
		}
		if _, err := peerWriter.Write(append(data, '\n')); err != nil {
			t.Errorf("write response: %v", err)
		}
	}
	go fn(requests, respond)
	t.Cleanup(func() {
		peerWriter.Close()
		clientWriter.Close()
	})

	return NewClient(clientReader, clientWriter)
}

func okResponse(id json.RawMessage, result any) Response {
	data, _ := json.Marshal(result)
	return Response{JSONRPC: "2.0", ID: id, Result: data}
}

func TestClientInitializeAndCallTool(t *testing.T) {
	client := pipeServer(t, echoServer())
	ctx := context.Background()

	info, err := client.Initialize(ctx, "init-1", PeerInfo{Name: "test", Version: "0"})
	if err != nil {
		t.Fatal(err)
	}
	if info.ServerInfo.Name != "echo-server" {
		t.Errorf("server name = %q", info.ServerInfo.Name)
	}

	tools, err := client.ListTools(ctx, "list-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Errorf("tools = %v", tools)
	}

	result, err := client.CallTool(ctx, "call-1", "echo", json.RawMessage(`{"n":7}`))
	if err != nil {
		t.Fatal(err)
	}
	if result.Text() != `{"n":7}` {
		t.Errorf("result = %q", result.Text())
	}
}

func TestClientOutOfOrderResponses(t *testing.T) {
	// The peer answers the second request before the first; each caller
	// must still receive the response carrying its own ID.
	client := scriptedPeer(t, func(requests <-chan Request, respond func(Response)) {
		first := <-requests
		second := <-requests
		respond(okResponse(second.ID, map[string]string{"for": "second"}))
		respond(okResponse(first.ID, map[string]string{"for": "first"}))
	})

	type outcome struct {
		raw json.RawMessage
		err error
	}
	results := make(chan outcome, 2)
	call := func(id string) {
		raw, err := client.Call(context.Background(), id, "test/method", nil)
		results <- outcome{raw, err}
	}
	go call("a")
	// Give the first request a head start so arrival order is deterministic.
	time.Sleep(20 * time.Millisecond)
	go call("b")

	byContent := make(map[string]bool)
	for i := 0; i < 2; i++ {
		out := <-results
		if out.err != nil {
			t.Fatal(out.err)
		}
		byContent[string(out.raw)] = true
	}
	if !byContent[`{"for":"first"}`] || !byContent[`{"for":"second"}`] {
		t.Errorf("results = %v, want both responses routed", byContent)
	}
}

func TestClientTimeoutDiscardsLateResponse(t *testing.T) {
	release := make(chan struct{})
	client := scriptedPeer(t, func(requests <-chan Request, respond func(Response)) {
		first := <-requests
		<-release
		respond(okResponse(first.ID, "late")) // caller already gone, discarded
		second := <-requests
		respond(okResponse(second.ID, "fresh"))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Call(ctx, "slow-call", "test/method", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}

	close(release)

	raw, err := client.Call(context.Background(), "next-call", "test/method", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `"fresh"` {
		t.Errorf("got %s, want the fresh response (late one discarded)", raw)
	}
}

func TestClientRPCError(t *testing.T) {
	client := scriptedPeer(t, func(requests <-chan Request, respond func(Response)) {
		req := <-requests
		respond(Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: ErrCodeMethodNotFound, Message: "nope"}})
	})

	_, err := client.Call(context.Background(), "x", "bogus", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *RPCError", err)
	}
	if rpcErr.Code != ErrCodeMethodNotFound || rpcErr.Message != "nope" {
		t.Errorf("rpc error = %+v", rpcErr)
	}
}

func TestClientConnectionClosed(t *testing.T) {
	clientReader, peerWriter := io.Pipe()
	peerReader, clientWriter := io.Pipe()
	go func() { _, _ = io.Copy(io.Discard, peerReader) }() // drain requests
	client := NewClient(clientReader, clientWriter)

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "pending", "test/method", nil)
		errCh <- err
	}()

	// Let the request go out, then drop the connection.
	time.Sleep(20 * time.Millisecond)
	peerWriter.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("pending call err = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending call did not fail after close")
	}

	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}

	if _, err := client.Call(context.Background(), "after", "test/method", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("call after close err = %v, want ErrClosed", err)
	}
}
