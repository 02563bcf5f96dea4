package conductor

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Sentinel conditions. Per-call failures are converted to typed observations
// consumed by planning; none of them abort a whole turn.
var (
	// ErrDiscoveryUnavailable means the router's dependencies (embedding
	// service or similarity index) are down. The orchestrator treats it as
	// "no providers suggested", not as a fatal error.
	ErrDiscoveryUnavailable = errors.New("provider discovery unavailable")

	// ErrCritiqueExhausted means the draft/critique retry budget ran out.
	// The caller receives the fallback response instead of a raw draft.
	ErrCritiqueExhausted = errors.New("critique retries exhausted")

	// ErrSessionBusy means a turn is already executing for this session.
	ErrSessionBusy = errors.New("session turn already in progress")

	// ErrFatalConfig wraps startup validation failures (missing credentials,
	// unreachable persistence). The process refuses to start.
	ErrFatalConfig = errors.New("fatal configuration error")
)

// ErrHTTP is a transport-level failure from a completion or embedding
// backend. Retry wrappers treat 429 and 503 as transient.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header value, accepting both the
// delay-seconds and HTTP-date forms. Returns 0 when the value is empty or
// unparseable.
func ParseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// ErrProvider is a failure surfaced by a tool provider: a protocol-level
// error response, a crashed process, or a write to a dead pipe.
type ErrProvider struct {
	ProviderID string
	Code       int
	Message    string
}

func (e *ErrProvider) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("provider %s: [%d] %s", e.ProviderID, e.Code, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.ProviderID, e.Message)
}

// ErrInvocationTimeout means a tool call did not produce a response within
// its deadline. The underlying process is left running; a late response is
// discarded by the correlation demux.
type ErrInvocationTimeout struct {
	ProviderID string
	Tool       string
	Timeout    time.Duration
}

func (e *ErrInvocationTimeout) Error() string {
	return fmt.Sprintf("provider %s: tool %s timed out after %s", e.ProviderID, e.Tool, e.Timeout)
}

// ErrProviderUnavailable means the provider's circuit breaker is open. The
// router and planner must not select it until the cool-down elapses.
type ErrProviderUnavailable struct {
	ProviderID string
	Until      time.Time
}

func (e *ErrProviderUnavailable) Error() string {
	return fmt.Sprintf("provider %s: cooling down until %s", e.ProviderID, e.Until.Format(time.RFC3339))
}
