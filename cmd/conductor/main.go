// Command conductor runs the orchestration engine as an interactive shell.
//
// Free text runs a turn. Built-in commands: memory (dump remembered facts),
// status (provider process states), exit.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/conductor"
	"github.com/nevindra/conductor/internal/config"
	"github.com/nevindra/conductor/observer"
	"github.com/nevindra/conductor/provider/openaicompat"
	"github.com/nevindra/conductor/store/postgres"
	"github.com/nevindra/conductor/store/sqlite"
)

func main() {
	cfg := config.Load(os.Getenv("CONDUCTOR_CONFIG"))
	if err := cfg.Validate(); err != nil {
		log.Fatalf("conductor: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Providers, with transient-error retry around both.
	llm := conductor.WithRetry(
		openaicompat.NewProvider(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.BaseURL),
		conductor.RetryLogger(logger),
	)
	embedding := conductor.WithEmbeddingRetry(
		openaicompat.NewEmbedding(cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.BaseURL, cfg.Embedding.Dimensions),
		conductor.RetryLogger(logger),
	)

	// Observability (opt-in via config).
	var (
		tracer      conductor.Tracer
		instruments *observer.Instruments
	)
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			log.Fatalf("conductor: observer init: %v", err)
		}
		defer shutdown(context.Background())
		instruments = inst
		tracer = observer.NewTracer()
		logger.Info("OTEL observability enabled")
	}

	// Store.
	var store conductor.VectorStore
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			log.Fatalf("conductor: connect postgres: %v", err)
		}
		defer pool.Close()
		store = postgres.New(pool,
			postgres.WithEmbeddingDimension(cfg.Embedding.Dimensions),
			postgres.WithLogger(logger),
		)
	default:
		store = sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
	}
	if err := store.Init(ctx); err != nil {
		log.Fatalf("conductor: init store: %v", err)
	}
	defer store.Close()

	// Registry sync from config.
	registry := conductor.NewRegistry(store, embedding, conductor.WithRegistryLogger(logger))
	specs := make([]conductor.ProviderSpec, len(cfg.Providers))
	for i, p := range cfg.Providers {
		specs[i] = conductor.ProviderSpec{
			Name:        p.Name,
			Description: p.Description,
			Command:     p.Command,
			Args:        p.Args,
		}
	}
	if err := registry.Sync(ctx, specs); err != nil {
		log.Fatalf("conductor: sync providers: %v", err)
	}

	router := conductor.NewRouter(registry, store, embedding,
		conductor.WithOverfetch(cfg.Routing.Overfetch),
		conductor.WithConfidenceBands(cfg.Routing.HighConfidence, cfg.Routing.LowConfidence),
		conductor.WithRouterValidation(llm),
		conductor.WithRouterLogger(logger),
		conductor.WithRouterTracer(tracer),
	)

	memory := conductor.NewEngine(store, embedding, llm,
		conductor.WithMaxPerspectives(cfg.Memory.MaxPerspectives),
		conductor.WithRecallTimeout(time.Duration(cfg.Memory.RecallTimeoutSec)*time.Second),
		conductor.WithDefaultTTL(time.Duration(cfg.Memory.DefaultTTLSec)*time.Second),
		conductor.WithEngineLogger(logger),
		conductor.WithEngineTracer(tracer),
	)

	gateway := conductor.NewGateway(registry,
		conductor.WithBreaker(cfg.Gateway.MaxFailures, time.Duration(cfg.Gateway.CooldownSec)*time.Second),
		conductor.WithGatewayLogger(logger),
		conductor.WithGatewayTracer(tracer),
	)
	defer gateway.Shutdown()

	orch := conductor.NewOrchestrator(router, memory, gateway, llm,
		conductor.WithMaxSteps(cfg.Turn.MaxSteps),
		conductor.WithCritiqueRetries(cfg.Turn.CritiqueRetries),
		conductor.WithHistoryCap(cfg.Turn.HistoryCap),
		conductor.WithRouteK(cfg.Routing.TopK),
		conductor.WithInvokeTimeout(time.Duration(cfg.Gateway.InvokeTimeoutSec)*time.Second),
		conductor.WithCritic(conductor.NewCritic(llm, conductor.WithCriticLogger(logger))),
		conductor.WithGuard(conductor.NewGuard(conductor.GuardLogger(logger))),
		conductor.WithOrchestratorLogger(logger),
		conductor.WithOrchestratorTracer(tracer),
	)

	session := orch.Session(conductor.NewID())
	fmt.Println("conductor ready. Type a message, or: memory | status | exit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "exit", "quit":
			return
		case "memory":
			printMemory(ctx, orch)
		case "status":
			printStatus(ctx, orch)
		default:
			runTurn(ctx, session, instruments, line)
		}

		if ctx.Err() != nil {
			return
		}
	}
}

func runTurn(ctx context.Context, session *conductor.Session, inst *observer.Instruments, line string) {
	start := time.Now()
	result, err := session.Turn(ctx, line)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return
	}
	if inst != nil {
		recordTurn(ctx, inst, start, result)
	}
	fmt.Println(result.Answer)
	if result.Degraded {
		fmt.Println("(some context was unavailable this turn)")
	}
}

// recordTurn emits the turn's metrics: duration, tool calls by status,
// recall outcome, and the effective critic verdict.
func recordTurn(ctx context.Context, inst *observer.Instruments, start time.Time, result conductor.TurnResult) {
	inst.RecordTurn(ctx, float64(time.Since(start).Milliseconds()), result.FellBack)
	for _, inv := range result.Invocations {
		inst.RecordToolCall(ctx, inv.ProviderID, string(inv.Status), float64(inv.Duration.Milliseconds()))
	}
	inst.RecordRecall(ctx, len(result.Recalled), result.Degraded)
	inst.RecordVerdict(ctx, !result.FellBack)
}

func printMemory(ctx context.Context, orch *conductor.Orchestrator) {
	entries, err := orch.Memory().List(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return
	}
	if len(entries) == 0 {
		fmt.Println("no remembered facts")
		return
	}
	for _, e := range entries {
		marker := ""
		if e.Temporary {
			expires := time.Unix(e.ExpiresAt, 0).Format(time.RFC3339)
			marker = fmt.Sprintf(" (temporary, expires %s)", expires)
		}
		fmt.Printf("[%s] %s%s\n", e.Category, e.Text, marker)
	}
}

func printStatus(ctx context.Context, orch *conductor.Orchestrator) {
	statuses, err := orch.Gateway().Status(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return
	}
	if len(statuses) == 0 {
		fmt.Println("no providers registered")
		return
	}
	for _, st := range statuses {
		line := fmt.Sprintf("%-20s %-10s", st.Name, st.State)
		if st.State == conductor.ProcCooling {
			line += fmt.Sprintf(" cooling until %s", st.CoolingUntil.Format(time.RFC3339))
		} else if st.Failures > 0 {
			line += fmt.Sprintf(" failures=%d", st.Failures)
		}
		fmt.Println(line)
	}
}
