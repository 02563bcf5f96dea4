package conductor

import (
	"net/http"
	"testing"
	"time"
)

func TestErrHTTPError(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   string
	}{
		{429, "too many requests", "http 429: too many requests"},
		{500, "internal server error", "http 500: internal server error"},
	}
	for _, tt := range tests {
		e := &ErrHTTP{Status: tt.status, Body: tt.body}
		if got := e.Error(); got != tt.want {
			t.Errorf("ErrHTTP{%d, %q}.Error() = %q, want %q", tt.status, tt.body, got, tt.want)
		}
	}
}

func TestErrProviderError(t *testing.T) {
	tests := []struct {
		err  *ErrProvider
		want string
	}{
		{&ErrProvider{ProviderID: "p1", Code: -32601, Message: "method not found"}, "provider p1: [-32601] method not found"},
		{&ErrProvider{ProviderID: "p2", Message: "process exited"}, "provider p2: process exited"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestErrInvocationTimeoutError(t *testing.T) {
	e := &ErrInvocationTimeout{ProviderID: "p1", Tool: "search", Timeout: 30 * time.Second}
	want := "provider p1: tool search timed out after 30s"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrProviderUnavailableError(t *testing.T) {
	until := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	e := &ErrProviderUnavailable{ProviderID: "p1", Until: until}
	want := "provider p1: cooling down until 2026-03-01T12:00:30Z"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{"0", 0},
		{"-3", 0},
		{"not a number", 0},
	}
	for _, tt := range tests {
		if got := ParseRetryAfter(tt.value); got != tt.want {
			t.Errorf("ParseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	// Retry-After HTTP dates use the GMT-suffixed http.TimeFormat.
	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	got := ParseRetryAfter(future)
	if got < 80*time.Second || got > 90*time.Second {
		t.Errorf("ParseRetryAfter(%q) = %v, want ~90s", future, got)
	}

	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	if got := ParseRetryAfter(past); got != 0 {
		t.Errorf("ParseRetryAfter(past date) = %v, want 0", got)
	}
}
