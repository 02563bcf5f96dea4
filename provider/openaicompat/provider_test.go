package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nevindra/conductor"
)

func TestCompleteSendsChatRequest(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"hello there"}}]}`))
	}))
	defer srv.Close()

	p := NewProvider("sk-test", "gpt-4o-mini", srv.URL, WithTemperature(0.2), WithMaxTokens(64))
	reply, err := p.Complete(context.Background(), []conductor.ChatMessage{
		{Role: "system", Content: "Be brief."},
		{Role: "user", Content: "hi"},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if reply != "hello there" {
		t.Errorf("reply = %q", reply)
	}
	if gotPath != "/chat/completions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotBody.Model != "gpt-4o-mini" || len(gotBody.Messages) != 2 {
		t.Errorf("request body = %+v", gotBody)
	}
	if gotBody.Temperature == nil || *gotBody.Temperature != 0.2 {
		t.Errorf("temperature = %v", gotBody.Temperature)
	}
	if gotBody.MaxTokens != 64 {
		t.Errorf("max_tokens = %d", gotBody.MaxTokens)
	}
}

func TestCompleteNon200ReturnsErrHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("rate limited"))
	}))
	defer srv.Close()

	p := NewProvider("sk-test", "gpt-4o-mini", srv.URL)
	_, err := p.Complete(context.Background(), []conductor.ChatMessage{{Role: "user", Content: "hi"}})

	var httpErr *conductor.ErrHTTP
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %v, want *ErrHTTP", err)
	}
	if httpErr.Status != http.StatusTooManyRequests {
		t.Errorf("Status = %d", httpErr.Status)
	}
	if httpErr.Body != "rate limited" {
		t.Errorf("Body = %q", httpErr.Body)
	}
	if httpErr.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v", httpErr.RetryAfter)
	}
}

func TestCompleteNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	p := NewProvider("sk-test", "gpt-4o-mini", srv.URL)
	if _, err := p.Complete(context.Background(), []conductor.ChatMessage{{Role: "user", Content: "hi"}}); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestProviderName(t *testing.T) {
	if got := NewProvider("", "m", "http://x").Name(); got != "openai" {
		t.Errorf("default name = %q", got)
	}
	if got := NewProvider("", "m", "http://x", WithName("groq")).Name(); got != "groq" {
		t.Errorf("named = %q", got)
	}
}

func TestEmbedDocumentsReordersByIndex(t *testing.T) {
	var gotBody embedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		// deliberately out of order
		w.Write([]byte(`{"data":[
			{"index":1,"embedding":[0,1]},
			{"index":0,"embedding":[1,0]}
		]}`))
	}))
	defer srv.Close()

	e := NewEmbedding("sk-test", "text-embedding-3-small", srv.URL, 2)
	vecs, err := e.EmbedDocuments(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("EmbedDocuments: %v", err)
	}
	if gotBody.InputType != "document" {
		t.Errorf("input_type = %q", gotBody.InputType)
	}
	if len(vecs) != 2 || vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Errorf("vecs = %v, want index order restored", vecs)
	}
}

func TestEmbedQuerySendsQueryHint(t *testing.T) {
	var gotBody embedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`{"data":[{"index":0,"embedding":[0.5,0.5]}]}`))
	}))
	defer srv.Close()

	e := NewEmbedding("sk-test", "text-embedding-3-small", srv.URL, 2)
	vec, err := e.EmbedQuery(context.Background(), "what is for dinner")
	if err != nil {
		t.Fatalf("EmbedQuery: %v", err)
	}
	if gotBody.InputType != "query" {
		t.Errorf("input_type = %q", gotBody.InputType)
	}
	if len(gotBody.Input) != 1 || gotBody.Input[0] != "what is for dinner" {
		t.Errorf("input = %v", gotBody.Input)
	}
	if len(vec) != 2 {
		t.Errorf("vec = %v", vec)
	}
}

func TestEmbedCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"index":0,"embedding":[1]}]}`))
	}))
	defer srv.Close()

	e := NewEmbedding("sk-test", "m", srv.URL, 1)
	if _, err := e.EmbedDocuments(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("expected error for count mismatch")
	}
}

func TestEmbedEmptyInput(t *testing.T) {
	e := NewEmbedding("sk-test", "m", "http://unreachable.invalid", 1)
	vecs, err := e.EmbedDocuments(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Errorf("empty input: vecs = %v, err = %v", vecs, err)
	}
}

func TestEmbeddingDimensions(t *testing.T) {
	if got := NewEmbedding("", "m", "http://x", 1536).Dimensions(); got != 1536 {
		t.Errorf("Dimensions = %d", got)
	}
}
