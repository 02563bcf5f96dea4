package conductor

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// retryCompletion wraps a CompletionProvider and automatically retries
// transient HTTP errors (status 429 Too Many Requests and 503 Service
// Unavailable) with exponential backoff.
type retryCompletion struct {
	inner       CompletionProvider
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration // overall timeout across all attempts; 0 = no limit
	logger      *slog.Logger
}

// RetryOption configures a retry wrapper.
type RetryOption func(*retryConfig)

type retryConfig struct {
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration
	logger      *slog.Logger
}

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(c *retryConfig) { c.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(c *retryConfig) { c.baseDelay = d }
}

// RetryTimeout sets the overall timeout for the entire retry sequence.
// The zero value (default) disables the timeout.
func RetryTimeout(d time.Duration) RetryOption {
	return func(c *retryConfig) { c.timeout = d }
}

// RetryLogger sets the structured logger for retry events. Retries log at
// WARN, final failures after exhausting attempts at ERROR.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(c *retryConfig) { c.logger = l }
}

func buildRetryConfig(opts []RetryOption) retryConfig {
	cfg := retryConfig{maxAttempts: 3, baseDelay: time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}
	return cfg
}

// WithRetry wraps p with automatic retry on transient HTTP errors (429, 503).
// Retries use exponential backoff with jitter; when the error carries a
// Retry-After duration, the delay is at least that long.
//
//	llm = conductor.WithRetry(openaicompat.NewProvider(key, model, base))
func WithRetry(p CompletionProvider, opts ...RetryOption) CompletionProvider {
	cfg := buildRetryConfig(opts)
	return &retryCompletion{
		inner:       p,
		maxAttempts: cfg.maxAttempts,
		baseDelay:   cfg.baseDelay,
		timeout:     cfg.timeout,
		logger:      cfg.logger,
	}
}

func (r *retryCompletion) Name() string { return r.inner.Name() }

func (r *retryCompletion) Complete(ctx context.Context, messages []ChatMessage) (string, error) {
	ctx, cancel := withRetryTimeout(ctx, r.timeout)
	defer cancel()
	return retryCall(ctx, r.maxAttempts, r.baseDelay, r.inner.Name(), r.logger, func() (string, error) {
		return r.inner.Complete(ctx, messages)
	})
}

// retryEmbedding wraps an EmbeddingProvider with the same retry policy.
type retryEmbedding struct {
	inner       EmbeddingProvider
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration
	logger      *slog.Logger
}

// WithEmbeddingRetry wraps p with automatic retry on transient HTTP errors
// (429, 503). Accepts the same RetryOption functions as WithRetry.
func WithEmbeddingRetry(p EmbeddingProvider, opts ...RetryOption) EmbeddingProvider {
	cfg := buildRetryConfig(opts)
	return &retryEmbedding{
		inner:       p,
		maxAttempts: cfg.maxAttempts,
		baseDelay:   cfg.baseDelay,
		timeout:     cfg.timeout,
		logger:      cfg.logger,
	}
}

func (r *retryEmbedding) Name() string    { return r.inner.Name() }
func (r *retryEmbedding) Dimensions() int { return r.inner.Dimensions() }

func (r *retryEmbedding) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := withRetryTimeout(ctx, r.timeout)
	defer cancel()
	return retryCall(ctx, r.maxAttempts, r.baseDelay, r.inner.Name(), r.logger, func() ([][]float32, error) {
		return r.inner.EmbedDocuments(ctx, texts)
	})
}

func (r *retryEmbedding) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := withRetryTimeout(ctx, r.timeout)
	defer cancel()
	return retryCall(ctx, r.maxAttempts, r.baseDelay, r.inner.Name(), r.logger, func() ([]float32, error) {
		return r.inner.EmbedQuery(ctx, text)
	})
}

// withRetryTimeout returns a child context with a deadline if timeout is set.
// If ctx already has an earlier deadline, it is returned unchanged.
func withRetryTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	deadline := time.Now().Add(timeout)
	if existing, ok := ctx.Deadline(); ok && existing.Before(deadline) {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, deadline)
}

// isTransient reports whether err is a retryable HTTP error (429 or 503).
func isTransient(err error) bool {
	var e *ErrHTTP
	return errors.As(err, &e) && (e.Status == 429 || e.Status == 503)
}

// statusOf extracts the HTTP status code from an ErrHTTP, or 0.
func statusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryAfterOf extracts the Retry-After duration from an ErrHTTP, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// retryDelay computes the delay before retry attempt i, using exponential
// backoff as a floor and the server's Retry-After value (if present) as a
// minimum.
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := retryBackoff(base, i)
	if ra := retryAfterOf(err); ra > backoff {
		return ra
	}
	return backoff
}

// retryCall calls fn up to maxAttempts times, sleeping between transient failures.
func retryCall[T any](ctx context.Context, maxAttempts int, base time.Duration, name string, logger *slog.Logger, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	for i := 0; i < maxAttempts; i++ {
		result, err := fn()
		if err == nil || !isTransient(err) {
			return result, err
		}
		last = err
		logger.Warn("retrying transient error",
			"provider", name,
			"status", statusOf(err),
			"attempt", i+1,
			"max_attempts", maxAttempts)
		if i < maxAttempts-1 {
			delay := retryDelay(base, i, err)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}
	logger.Error("all retry attempts exhausted",
		"provider", name,
		"attempts", maxAttempts,
		"error", last)
	return zero, last
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

// compile-time checks
var (
	_ CompletionProvider = (*retryCompletion)(nil)
	_ EmbeddingProvider  = (*retryEmbedding)(nil)
)
