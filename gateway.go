package conductor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/nevindra/conductor/mcp"
)

// ProcState describes where a provider process is in its lifecycle.
type ProcState string

const (
	ProcUnstarted ProcState = "unstarted"
	ProcRunning   ProcState = "running"
	ProcCrashed   ProcState = "crashed"
	ProcCooling   ProcState = "cooling"
)

// ProviderStatus is a point-in-time snapshot of one provider process,
// reported by Gateway.Status.
type ProviderStatus struct {
	ProviderID   string
	Name         string
	State        ProcState
	Failures     int       // consecutive failures toward the breaker
	CoolingUntil time.Time // zero unless State == ProcCooling
}

// Gateway owns one subprocess per registered provider and speaks
// newline-framed JSON-RPC 2.0 to it over stdio. Processes are spawned
// lazily on first invocation and respawned lazily after a crash. Writes to
// a process are serialized by its mcp.Client; responses are matched to
// callers by correlation ID, so a call that times out leaves the process
// alive and its late response is discarded.
//
// A run of consecutive failures trips a per-provider breaker: the provider
// enters ProcCooling and Invoke returns ErrProviderUnavailable until the
// cool-down window passes, after which the next invocation respawns it.
type Gateway struct {
	registry *Registry
	logger   *slog.Logger
	tracer   Tracer
	now      func() time.Time

	maxFailures int
	cooldown    time.Duration
	initTimeout time.Duration

	mu    sync.Mutex
	procs map[string]*providerProc
}

type providerProc struct {
	mu           sync.Mutex
	state        ProcState
	cmd          *exec.Cmd
	client       *mcp.Client
	tools        []ToolDefinition
	failures     int
	coolingUntil time.Time
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithBreaker sets the consecutive-failure threshold and the cool-down
// window applied once it is reached.
func WithBreaker(maxFailures int, cooldown time.Duration) GatewayOption {
	return func(g *Gateway) {
		if maxFailures > 0 {
			g.maxFailures = maxFailures
		}
		if cooldown > 0 {
			g.cooldown = cooldown
		}
	}
}

// WithGatewayLogger sets the logger used for process lifecycle events.
func WithGatewayLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithGatewayTracer sets the tracer for invocation spans.
func WithGatewayTracer(t Tracer) GatewayOption {
	return func(g *Gateway) {
		if t != nil {
			g.tracer = t
		}
	}
}

// WithGatewayClock overrides the clock. Tests use this to drive the breaker
// cool-down without sleeping.
func WithGatewayClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGateway creates a gateway over the given registry. No processes are
// started until a provider is first invoked.
func NewGateway(registry *Registry, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		registry:    registry,
		logger:      nopLogger,
		now:         time.Now,
		maxFailures: 3,
		cooldown:    30 * time.Second,
		initTimeout: 10 * time.Second,
		procs:       make(map[string]*providerProc),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) proc(providerID string) *providerProc {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.procs[providerID]
	if !ok {
		p = &providerProc{state: ProcUnstarted}
		g.procs[providerID] = p
	}
	return p
}

// Invoke calls a tool on a provider, spawning its process if needed. The
// timeout bounds only this call: on expiry Invoke returns an invocation
// with status timed_out and ErrInvocationTimeout, the process stays up, and
// the eventual response is discarded. The returned ToolInvocation is always
// non-nil and records the outcome either way.
func (g *Gateway) Invoke(ctx context.Context, providerID, tool string, args json.RawMessage, timeout time.Duration) (ToolInvocation, error) {
	inv := ToolInvocation{
		ProviderID:    providerID,
		Tool:          tool,
		Args:          args,
		CorrelationID: NewID(),
		Status:        InvocationPending,
	}

	desc, err := g.registry.Get(ctx, providerID)
	if err != nil {
		inv.Status = InvocationError
		inv.Err = err.Error()
		return inv, fmt.Errorf("gateway: resolve provider %q: %w", providerID, err)
	}

	var span Span
	if g.tracer != nil {
		ctx, span = g.tracer.Start(ctx, "gateway.invoke",
			StringAttr("provider.id", providerID),
			StringAttr("tool.name", tool),
		)
		defer span.End()
	}

	p := g.proc(providerID)

	client, err := g.ensureRunning(ctx, p, desc)
	if err != nil {
		inv.Status = InvocationError
		inv.Err = err.Error()
		if span != nil {
			span.Error(err)
		}
		return inv, err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := g.now()
	result, err := client.CallTool(callCtx, inv.CorrelationID, tool, args)
	inv.Duration = g.now().Sub(start)

	switch {
	case err == nil && !result.IsError:
		inv.Status = InvocationOK
		inv.Result = result.Text()
		g.recordSuccess(p)
		return inv, nil

	case err == nil: // provider-reported tool error
		inv.Status = InvocationError
		inv.Err = result.Text()
		g.recordFailure(p, desc)
		perr := &ErrProvider{ProviderID: providerID, Message: result.Text()}
		if span != nil {
			span.Error(perr)
		}
		return inv, perr

	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		inv.Status = InvocationTimedOut
		inv.Err = err.Error()
		g.recordFailure(p, desc)
		terr := &ErrInvocationTimeout{ProviderID: providerID, Tool: tool, Timeout: timeout}
		if span != nil {
			span.Error(terr)
		}
		return inv, terr

	case errors.Is(err, mcp.ErrClosed):
		p.mu.Lock()
		p.state = ProcCrashed
		p.client = nil
		p.mu.Unlock()
		g.logger.Warn("provider process exited", "provider", providerID)
		inv.Status = InvocationError
		inv.Err = err.Error()
		g.recordFailure(p, desc)
		perr := &ErrProvider{ProviderID: providerID, Message: "provider process exited"}
		if span != nil {
			span.Error(perr)
		}
		return inv, perr

	default:
		inv.Status = InvocationError
		inv.Err = err.Error()
		g.recordFailure(p, desc)
		var rpcErr *mcp.RPCError
		if errors.As(err, &rpcErr) {
			perr := &ErrProvider{ProviderID: providerID, Code: rpcErr.Code, Message: rpcErr.Message}
			if span != nil {
				span.Error(perr)
			}
			return inv, perr
		}
		if span != nil {
			span.Error(err)
		}
		return inv, fmt.Errorf("gateway: invoke %s/%s: %w", providerID, tool, err)
	}
}

// ensureRunning returns the provider's client, spawning or respawning its
// process as needed, or ErrProviderUnavailable while the breaker is open.
func (g *Gateway) ensureRunning(ctx context.Context, p *providerProc, desc ProviderDescriptor) (*mcp.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == ProcCooling {
		if g.now().Before(p.coolingUntil) {
			return nil, &ErrProviderUnavailable{ProviderID: desc.ID, Until: p.coolingUntil}
		}
		// cool-down elapsed, allow a respawn
		p.state = ProcCrashed
		p.failures = 0
		p.coolingUntil = time.Time{}
	}

	if p.state == ProcRunning && p.client != nil {
		select {
		case <-p.client.Done():
			p.state = ProcCrashed
			p.client = nil
		default:
			return p.client, nil
		}
	}

	if desc.Command == "" {
		return nil, &ErrProvider{ProviderID: desc.ID, Message: "provider has no command configured"}
	}

	cmd := exec.Command(desc.Command, desc.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("gateway: stdin pipe for %s: %w", desc.ID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("gateway: stdout pipe for %s: %w", desc.ID, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("gateway: start %s: %w", desc.ID, err)
	}
	go func() { _ = cmd.Wait() }() // reap

	client := mcp.NewClient(stdout, stdin)

	initCtx, cancel := context.WithTimeout(ctx, g.initTimeout)
	defer cancel()
	if _, err := client.Initialize(initCtx, NewID(), mcp.PeerInfo{Name: "conductor", Version: "1.0.0"}); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("gateway: initialize %s: %w", desc.ID, err)
	}

	p.cmd = cmd
	p.client = client
	p.state = ProcRunning
	g.logger.Info("provider process started", "provider", desc.ID, "command", desc.Command)
	return client, nil
}

func (g *Gateway) recordSuccess(p *providerProc) {
	p.mu.Lock()
	p.failures = 0
	p.mu.Unlock()
}

func (g *Gateway) recordFailure(p *providerProc, desc ProviderDescriptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures++
	if p.failures >= g.maxFailures {
		p.state = ProcCooling
		p.coolingUntil = g.now().Add(g.cooldown)
		if p.cmd != nil && p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		p.client = nil
		p.cmd = nil
		g.logger.Warn("provider breaker tripped",
			"provider", desc.ID,
			"failures", p.failures,
			"cooling_until", p.coolingUntil,
		)
	}
}

// Tools returns the provider's tool definitions, fetching them from the
// live process on first use and serving a cached copy afterwards. Spawns
// the process if it is not running.
func (g *Gateway) Tools(ctx context.Context, providerID string) ([]ToolDefinition, error) {
	desc, err := g.registry.Get(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("gateway: resolve provider %q: %w", providerID, err)
	}

	p := g.proc(providerID)

	p.mu.Lock()
	if p.state == ProcRunning && len(p.tools) > 0 {
		cached := make([]ToolDefinition, len(p.tools))
		copy(cached, p.tools)
		p.mu.Unlock()
		return cached, nil
	}
	p.mu.Unlock()

	client, err := g.ensureRunning(ctx, p, desc)
	if err != nil {
		return nil, err
	}

	defs, err := client.ListTools(ctx, NewID())
	if err != nil {
		if errors.Is(err, mcp.ErrClosed) {
			p.mu.Lock()
			p.state = ProcCrashed
			p.client = nil
			p.mu.Unlock()
		}
		return nil, fmt.Errorf("gateway: list tools for %s: %w", providerID, err)
	}

	tools := make([]ToolDefinition, len(defs))
	for i, d := range defs {
		tools[i] = ToolDefinition{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema}
	}

	p.mu.Lock()
	p.tools = tools
	p.mu.Unlock()
	return tools, nil
}

// Status reports a snapshot of every provider process the gateway has
// touched, plus registered providers it has not started yet.
func (g *Gateway) Status(ctx context.Context) ([]ProviderStatus, error) {
	descs, err := g.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("gateway: list providers: %w", err)
	}

	statuses := make([]ProviderStatus, 0, len(descs))
	for _, desc := range descs {
		st := ProviderStatus{ProviderID: desc.ID, Name: desc.Name, State: ProcUnstarted}
		g.mu.Lock()
		p, ok := g.procs[desc.ID]
		g.mu.Unlock()
		if ok {
			p.mu.Lock()
			st.State = p.state
			st.Failures = p.failures
			st.CoolingUntil = p.coolingUntil
			if st.State == ProcCooling && !g.now().Before(p.coolingUntil) {
				st.State = ProcCrashed // window elapsed, next invoke respawns
			}
			p.mu.Unlock()
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

// Shutdown kills every running provider process. The gateway can still be
// used afterwards; processes respawn lazily.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	procs := make([]*providerProc, 0, len(g.procs))
	for _, p := range g.procs {
		procs = append(procs, p)
	}
	g.mu.Unlock()

	for _, p := range procs {
		p.mu.Lock()
		if p.cmd != nil && p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		p.client = nil
		p.cmd = nil
		if p.state == ProcRunning {
			p.state = ProcUnstarted
		}
		p.mu.Unlock()
	}
}
