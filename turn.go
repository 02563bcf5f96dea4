package conductor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// planDecision is the structured reply the planning prompt asks for: either
// a tool call or a final answer.
type planDecision struct {
	Action   string          `json:"action"` // "tool" or "final"
	Provider string          `json:"provider,omitempty"`
	Tool     string          `json:"tool,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	Answer   string          `json:"answer,omitempty"`
}

// Turn runs one full turn for this session. It returns ErrSessionBusy
// without blocking if another turn is in flight. Any other error means the
// turn could not produce an answer at all; degraded subsystems (routing,
// recall, tool calls) never fail the turn by themselves.
func (s *Session) Turn(ctx context.Context, utterance string) (TurnResult, error) {
	if !s.mu.TryLock() {
		return TurnResult{}, ErrSessionBusy
	}
	defer s.mu.Unlock()

	o := s.orch
	if o.tracer != nil {
		var span Span
		ctx, span = o.tracer.Start(ctx, "session.turn", StringAttr("session.id", s.id))
		defer span.End()
	}

	if o.guard != nil {
		cleaned, err := o.guard.Check(utterance)
		var blocked *ErrBlocked
		if errors.As(err, &blocked) {
			s.appendHistory(utterance, blocked.Response)
			return TurnResult{Answer: blocked.Response}, nil
		}
		if err != nil {
			return TurnResult{}, err
		}
		utterance = cleaned
	}

	enriched, sticky := s.enrich(ctx, utterance)

	// Routing and recall are independent reads; run them concurrently and
	// join before planning.
	var (
		wg       sync.WaitGroup
		routed   []RoutedProvider
		routeErr error
		recall   RecallResult
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		last := ""
		if sticky {
			last = s.state.LastProvider
		}
		routed, routeErr = o.router.Resolve(ctx, enriched, o.cfg.routeK, last)
	}()
	go func() {
		defer wg.Done()
		var err error
		recall, err = o.memory.Recall(ctx, enriched)
		if err != nil {
			o.logger.Warn("recall failed, continuing without memories", "error", err)
			recall = RecallResult{Degraded: true}
		}
	}()
	wg.Wait()

	result := TurnResult{
		Recalled: recall.Entries,
		Degraded: recall.Degraded,
	}
	if routeErr != nil {
		if !errors.Is(routeErr, ErrDiscoveryUnavailable) {
			return TurnResult{}, fmt.Errorf("turn: route: %w", routeErr)
		}
		o.logger.Warn("routing unavailable, planning without providers", "error", routeErr)
		routed = nil
		result.Degraded = true
	}
	if len(routed) > 0 {
		result.Provider = routed[0].Descriptor.ID
	}

	draft, err := s.plan(ctx, utterance, enriched, routed, recall.Entries, &result)
	if err != nil {
		return TurnResult{}, err
	}

	answer, fellBack := s.critique(ctx, utterance, &result, draft)
	result.Answer = answer
	result.FellBack = fellBack

	s.writeBack(ctx, utterance)

	s.appendHistory(utterance, answer)
	s.lastUtterance = utterance
	if result.Provider != "" {
		s.state.LastProvider = result.Provider
	}
	return result, nil
}

// enrich detects vague follow-ups (short utterances with a preceding turn)
// and prepends the previous utterance so routing sees the full intent. The
// second return reports whether session stickiness should apply.
func (s *Session) enrich(ctx context.Context, utterance string) (string, bool) {
	if s.lastUtterance == "" || len(strings.Fields(utterance)) >= 5 {
		return utterance, false
	}

	prompt := fmt.Sprintf(
		"Previous message: %q\nCurrent message: %q\n\n"+
			"Is the current message a follow-up that depends on the previous one for its meaning? "+
			"Reply with exactly YES or NO.", s.lastUtterance, utterance)
	reply, err := s.orch.llm.Complete(ctx, []ChatMessage{UserMessage(prompt)})
	if err != nil || !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(reply)), "YES") {
		return utterance, false
	}

	s.orch.logger.Debug("follow-up enriched", "session", s.id)
	return s.lastUtterance + "\n" + utterance, true
}

// plan runs the planning/acting loop: each iteration asks the model for a
// structured decision and either dispatches a tool call or accepts a final
// draft. At the step cap the model must synthesize from what it has.
func (s *Session) plan(ctx context.Context, utterance, enriched string, routed []RoutedProvider, recalled []RecalledEntry, result *TurnResult) (string, error) {
	o := s.orch

	tools := s.describeTools(ctx, routed)
	system := s.planningSystem(routed, recalled, tools)

	msgs := make([]ChatMessage, 0, len(s.state.History)+2)
	msgs = append(msgs, SystemMessage(system))
	msgs = append(msgs, s.state.History...)
	msgs = append(msgs, UserMessage(enriched))

	for step := 0; ; step++ {
		result.Steps = step + 1
		forced := step >= o.cfg.maxSteps-1
		if forced {
			msgs = append(msgs, UserMessage(
				"You have used all your tool calls. Provide your final answer now using what you have."))
		}

		reply, err := o.llm.Complete(ctx, msgs)
		if err != nil {
			return "", fmt.Errorf("turn: planning call: %w", err)
		}

		decision := parseDecision(reply)
		if forced || decision.Action != "tool" || o.gateway == nil {
			if decision.Answer != "" {
				return decision.Answer, nil
			}
			return reply, nil
		}

		inv, err := o.gateway.Invoke(ctx, decision.Provider, decision.Tool, decision.Args, o.cfg.invokeTimeout)
		result.Invocations = append(result.Invocations, inv)

		observation := inv.Result
		if err != nil {
			// Failures become observations the model can react to; the
			// turn keeps going.
			observation = fmt.Sprintf("tool call failed: %s", describeInvokeError(err))
			o.logger.Warn("tool call failed", "provider", decision.Provider, "tool", decision.Tool, "error", err)
		}

		msgs = append(msgs, AssistantMessage(reply))
		msgs = append(msgs, ChatMessage{
			Role:    "tool",
			Content: fmt.Sprintf("[%s/%s] %s", decision.Provider, decision.Tool, observation),
		})
	}
}

// describeTools fetches tool definitions for the routed providers. A
// provider whose tools cannot be listed is described without them.
func (s *Session) describeTools(ctx context.Context, routed []RoutedProvider) map[string][]ToolDefinition {
	if s.orch.gateway == nil {
		return nil
	}
	tools := make(map[string][]ToolDefinition, len(routed))
	for _, rp := range routed {
		defs := rp.Descriptor.Capabilities.Tools
		if len(defs) == 0 {
			live, err := s.orch.gateway.Tools(ctx, rp.Descriptor.ID)
			if err != nil {
				s.orch.logger.Warn("tool listing failed", "provider", rp.Descriptor.ID, "error", err)
				continue
			}
			defs = live
		}
		tools[rp.Descriptor.ID] = defs
	}
	return tools
}

func (s *Session) planningSystem(routed []RoutedProvider, recalled []RecalledEntry, tools map[string][]ToolDefinition) string {
	var sb strings.Builder
	sb.WriteString("You are an assistant that answers by calling provider tools when they help.\n\n")

	if len(routed) == 0 {
		sb.WriteString("No providers are available this turn; answer from the conversation alone.\n")
	} else {
		sb.WriteString("Available providers:\n")
		for _, rp := range routed {
			fmt.Fprintf(&sb, "- %s (%s): %s\n", rp.Descriptor.ID, rp.Descriptor.Name, rp.Descriptor.Description)
			for _, t := range tools[rp.Descriptor.ID] {
				fmt.Fprintf(&sb, "    tool %s: %s\n", t.Name, t.Description)
			}
		}
	}

	if len(recalled) > 0 {
		sb.WriteString("\nRelevant remembered facts:\n")
		for _, e := range recalled {
			fmt.Fprintf(&sb, "- [%s] %s\n", e.Entry.Category, e.Entry.Text)
		}
	}

	sb.WriteString("\nReply with a single JSON object and nothing else:\n")
	sb.WriteString(`{"action":"tool","provider":"<provider id>","tool":"<tool name>","args":{...}} to call a tool, or` + "\n")
	sb.WriteString(`{"action":"final","answer":"<your answer>"} when you can answer.`)
	return sb.String()
}

// parseDecision extracts the structured decision. A reply with no usable
// JSON object is treated as a final answer in plain text.
func parseDecision(reply string) planDecision {
	raw := extractJSON(reply)
	if raw == "" {
		return planDecision{Action: "final", Answer: strings.TrimSpace(reply)}
	}
	var d planDecision
	if err := json.Unmarshal([]byte(raw), &d); err != nil || (d.Action != "tool" && d.Action != "final") {
		return planDecision{Action: "final", Answer: strings.TrimSpace(reply)}
	}
	if d.Action == "tool" && (d.Provider == "" || d.Tool == "") {
		return planDecision{Action: "final", Answer: strings.TrimSpace(reply)}
	}
	return d
}

func describeInvokeError(err error) string {
	var timeout *ErrInvocationTimeout
	var unavailable *ErrProviderUnavailable
	var provider *ErrProvider
	switch {
	case errors.As(err, &timeout):
		return fmt.Sprintf("no response within %s", timeout.Timeout)
	case errors.As(err, &unavailable):
		return "provider temporarily unavailable"
	case errors.As(err, &provider):
		return provider.Message
	default:
		return err.Error()
	}
}

// critique gates the draft behind the critic. A rejected draft is redone
// with the rejection reason attached; exhausted retries emit the fallback
// answer. Without a critic the draft passes through. A draft exists at this
// point, so critic or redraft failures emit the fallback rather than failing
// the turn: no raw error reaches the caller once planning has succeeded.
func (s *Session) critique(ctx context.Context, utterance string, result *TurnResult, draft string) (answer string, fellBack bool) {
	o := s.orch
	if o.critic == nil {
		return draft, false
	}

	evidence := s.buildEvidence(result)
	for attempt := 0; ; attempt++ {
		verdict, err := o.critic.Review(ctx, utterance, evidence, draft)
		if err != nil {
			o.logger.Warn("critic call failed, emitting fallback", "session", s.id, "error", err)
			return o.cfg.fallbackAnswer, true
		}
		if verdict.Approved {
			return draft, false
		}
		if attempt >= o.cfg.critiqueRetries {
			o.logger.Warn("critique retries exhausted, emitting fallback",
				"session", s.id, "reason", verdict.Reason)
			return o.cfg.fallbackAnswer, true
		}

		o.logger.Debug("draft rejected, redrafting", "reason", verdict.Reason, "attempt", attempt+1)
		redraft, err := o.llm.Complete(ctx, []ChatMessage{
			SystemMessage("Revise the draft answer to fix the reviewer's objection. Reply with the revised answer only."),
			UserMessage(fmt.Sprintf("Request:\n%s\n\nDraft:\n%s\n\nObjection:\n%s", utterance, draft, verdict.Reason)),
		})
		if err != nil {
			o.logger.Warn("redraft call failed, emitting fallback", "session", s.id, "error", err)
			return o.cfg.fallbackAnswer, true
		}
		draft = strings.TrimSpace(redraft)
	}
}

// buildEvidence assembles the material the critic may treat as ground truth
// for the draft: tool results and recalled facts from this turn.
func (s *Session) buildEvidence(result *TurnResult) string {
	var sb strings.Builder
	for _, inv := range result.Invocations {
		if inv.Status == InvocationOK {
			fmt.Fprintf(&sb, "[%s/%s] %s\n", inv.ProviderID, inv.Tool, inv.Result)
		}
	}
	for _, e := range result.Recalled {
		fmt.Fprintf(&sb, "[memory:%s] %s\n", e.Entry.Category, e.Entry.Text)
	}
	return sb.String()
}

// writeBack extracts a user-asserted personal fact from the utterance and
// persists it as a permanent memory. Best-effort: failures are logged, the
// answer has already been produced.
func (s *Session) writeBack(ctx context.Context, utterance string) {
	o := s.orch
	if o.memory == nil {
		return
	}

	prompt := fmt.Sprintf(
		"Message: %q\n\nDoes this message state a personal fact about the user worth remembering "+
			"(preference, dietary restriction, location, name, commitment)? "+
			"If yes, reply with the fact as one short sentence. If no, reply with exactly NONE.", utterance)
	reply, err := o.llm.Complete(ctx, []ChatMessage{UserMessage(prompt)})
	if err != nil {
		o.logger.Debug("write-back extraction failed", "error", err)
		return
	}
	fact := strings.TrimSpace(reply)
	if fact == "" || strings.EqualFold(fact, "NONE") {
		return
	}

	if _, err := o.memory.Remember(ctx, fact, "", false, 0); err != nil {
		o.logger.Warn("write-back persist failed", "error", err)
	}
}

func (s *Session) appendHistory(user, assistant string) {
	s.state.History = append(s.state.History, UserMessage(user), AssistantMessage(assistant))
	if limit := s.orch.cfg.historyCap; len(s.state.History) > limit {
		s.state.History = s.state.History[len(s.state.History)-limit:]
	}
}
