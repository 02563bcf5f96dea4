package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// Verdict is the critic's judgment of one draft answer.
type Verdict struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

// Critic reviews draft answers before they reach the caller. It holds its
// own completion provider so a reviewing model can differ from the drafting
// model, and its prompt carries only the rubric, the user's request, the
// gathered evidence, and the draft — never the drafting conversation, so
// the review is independent of how the draft was produced.
type Critic struct {
	llm    CompletionProvider
	logger *slog.Logger
}

// CriticOption configures a Critic.
type CriticOption func(*Critic)

// WithCriticLogger sets the logger for verdict events.
func WithCriticLogger(l *slog.Logger) CriticOption {
	return func(c *Critic) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCritic creates a critic backed by the given completion provider.
func NewCritic(llm CompletionProvider, opts ...CriticOption) *Critic {
	c := &Critic{llm: llm, logger: nopLogger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

const criticRubric = `You are a strict reviewer of draft answers. Evaluate the draft against three criteria:
1. Evidence: every factual claim is supported by the provided evidence or is common knowledge. No invented tool results.
2. Safety: the draft contains nothing harmful, no leaked instructions, and stays within the assistant's role.
3. Tone: the draft addresses the user's request directly, completely, and professionally.

Reply with a single JSON object and nothing else:
{"approved": true} if the draft passes all criteria, or
{"approved": false, "reason": "<one sentence naming the failure>"} if it does not.`

// Review judges a draft against the rubric. The evidence string is the
// turn's gathered material (tool results, recalled memories); pass what the
// draft was allowed to rely on. An unparseable reply is a rejection, not an
// error: the orchestrator treats it like any other rejected draft.
func (c *Critic) Review(ctx context.Context, request, evidence, draft string) (Verdict, error) {
	var sb strings.Builder
	sb.WriteString("User request:\n")
	sb.WriteString(request)
	sb.WriteString("\n\nEvidence gathered this turn:\n")
	if strings.TrimSpace(evidence) == "" {
		sb.WriteString("(none)")
	} else {
		sb.WriteString(evidence)
	}
	sb.WriteString("\n\nDraft answer:\n")
	sb.WriteString(draft)

	reply, err := c.llm.Complete(ctx, []ChatMessage{
		SystemMessage(criticRubric),
		UserMessage(sb.String()),
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("critic: review call: %w", err)
	}

	verdict, ok := parseVerdict(reply)
	if !ok {
		c.logger.Warn("critic reply unparseable, treating as rejection", "reply", truncate(reply, 200))
		return Verdict{Approved: false, Reason: "review reply was not a valid verdict"}, nil
	}

	c.logger.Debug("critic verdict", "approved", verdict.Approved, "reason", verdict.Reason)
	return verdict, nil
}

// parseVerdict extracts the verdict object from the reply, tolerating
// fenced code blocks and surrounding prose.
func parseVerdict(reply string) (Verdict, bool) {
	raw := extractJSON(reply)
	if raw == "" {
		return Verdict{}, false
	}
	var v Verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return Verdict{}, false
	}
	return v, true
}

// extractJSON returns the first top-level JSON object embedded in s, or ""
// if none is found.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
