package conductor

import (
	"log/slog"
	"sync"
	"time"
)

// TurnPhase names a stage of the turn pipeline. TurnResult reports the
// phase the turn finished in; tests assert on the path taken.
type TurnPhase string

const (
	PhaseRouting    TurnPhase = "routing"
	PhaseRecalling  TurnPhase = "recalling"
	PhasePlanning   TurnPhase = "planning"
	PhaseActing     TurnPhase = "acting"
	PhaseDrafting   TurnPhase = "drafting"
	PhaseCritiquing TurnPhase = "critiquing"
	PhaseResponding TurnPhase = "responding"
	PhaseRetrying   TurnPhase = "retrying"
	PhaseDone       TurnPhase = "done"
)

// TurnResult is the outcome of one completed turn.
type TurnResult struct {
	Answer      string
	Provider    string           // provider the turn routed to, "" if none
	Invocations []ToolInvocation // every tool call dispatched this turn
	Recalled    []RecalledEntry
	Degraded    bool // recall or routing ran degraded
	FellBack    bool // critique retries exhausted, canned answer emitted
	Steps       int  // planning iterations consumed
}

// Orchestrator wires the router, memory engine, gateway, and critic into a
// turn pipeline and hands out per-session Sessions. Safe for concurrent use;
// each Session serializes its own turns.
type Orchestrator struct {
	router  *Router
	memory  *Engine
	gateway *Gateway
	critic  *Critic
	llm     CompletionProvider
	guard   *Guard
	logger  *slog.Logger
	tracer  Tracer

	cfg orchestratorConfig

	mu       sync.Mutex
	sessions map[string]*Session
}

type orchestratorConfig struct {
	maxSteps        int
	critiqueRetries int
	routeK          int
	invokeTimeout   time.Duration
	historyCap      int
	fallbackAnswer  string
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithMaxSteps caps planning iterations per turn. At the cap the model is
// forced to synthesize a final answer from what it has.
func WithMaxSteps(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.cfg.maxSteps = n
		}
	}
}

// WithCritiqueRetries sets how many rejected drafts may be redone before
// the fallback answer is emitted.
func WithCritiqueRetries(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.cfg.critiqueRetries = n
		}
	}
}

// WithRouteK sets how many provider candidates each turn considers.
func WithRouteK(k int) OrchestratorOption {
	return func(o *Orchestrator) {
		if k > 0 {
			o.cfg.routeK = k
		}
	}
}

// WithInvokeTimeout bounds each tool call dispatched during a turn.
func WithInvokeTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.cfg.invokeTimeout = d
		}
	}
}

// WithHistoryCap bounds the retained conversation history per session.
func WithHistoryCap(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.cfg.historyCap = n
		}
	}
}

// WithFallbackAnswer replaces the canned answer used when critique retries
// are exhausted.
func WithFallbackAnswer(s string) OrchestratorOption {
	return func(o *Orchestrator) {
		if s != "" {
			o.cfg.fallbackAnswer = s
		}
	}
}

// WithGuard screens utterances before each turn.
func WithGuard(g *Guard) OrchestratorOption {
	return func(o *Orchestrator) { o.guard = g }
}

// WithCritic gates drafts behind review. Without a critic, drafts are
// emitted as-is.
func WithCritic(c *Critic) OrchestratorOption {
	return func(o *Orchestrator) { o.critic = c }
}

// WithOrchestratorLogger sets the turn pipeline logger.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithOrchestratorTracer sets the tracer for turn spans.
func WithOrchestratorTracer(t Tracer) OrchestratorOption {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

const defaultFallbackAnswer = "I wasn't able to produce a reliable answer to that. " +
	"Could you rephrase the question or break it into smaller parts?"

// NewOrchestrator assembles the turn pipeline. The gateway may be nil for
// deployments with no tool providers; turns then plan straight to a final
// answer.
func NewOrchestrator(router *Router, memory *Engine, gateway *Gateway, llm CompletionProvider, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		router:  router,
		memory:  memory,
		gateway: gateway,
		llm:     llm,
		logger:  nopLogger,
		cfg: orchestratorConfig{
			maxSteps:        6,
			critiqueRetries: 2,
			routeK:          3,
			invokeTimeout:   30 * time.Second,
			historyCap:      20,
			fallbackAnswer:  defaultFallbackAnswer,
		},
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Session returns the session with the given ID, creating it on first use.
func (o *Orchestrator) Session(id string) *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[id]
	if !ok {
		s = &Session{id: id, orch: o}
		o.sessions[id] = s
	}
	return s
}

// Memory exposes the engine for direct memory commands (CLI `memory`).
func (o *Orchestrator) Memory() *Engine { return o.memory }

// Gateway exposes the gateway for status reporting (CLI `status`).
func (o *Orchestrator) Gateway() *Gateway { return o.gateway }

// Session owns one conversation. Turns are strictly sequential: a turn
// started while another is in flight fails immediately with ErrSessionBusy
// rather than queueing.
type Session struct {
	id   string
	orch *Orchestrator

	mu            sync.Mutex
	state         ConversationState
	lastUtterance string
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// History returns a copy of the retained conversation history.
func (s *Session) History() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatMessage, len(s.state.History))
	copy(out, s.state.History)
	return out
}
