package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/orchestra/internal/agentpool"
	"github.com/basket/orchestra/internal/audit"
	orchbus "github.com/basket/orchestra/internal/bus"
	orchcontext "github.com/basket/orchestra/internal/context"
	"github.com/basket/orchestra/internal/config"
	"github.com/basket/orchestra/internal/coordination"
	"github.com/basket/orchestra/internal/execmanager"
	"github.com/basket/orchestra/internal/executor"
	"github.com/basket/orchestra/internal/filelock"
	"github.com/basket/orchestra/internal/gateway"
	orchotel "github.com/basket/orchestra/internal/otel"
	"github.com/basket/orchestra/internal/orchestrator"
	"github.com/basket/orchestra/internal/persistence"
	"github.com/basket/orchestra/internal/policy"
	"github.com/basket/orchestra/internal/retrieval"
	"github.com/basket/orchestra/internal/telemetry"
	"github.com/google/uuid"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s -config <path>       Start the orchestration gateway
  %s -version             Print the version and exit

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  ORCHESTRA_HOME                  Data directory (default: ~/.orchestra)
  ORCHESTRA_LOG_LEVEL             debug|info|warn|error
  ORCHESTRA_BIND_ADDR             Listen address (default: :8090)
  ORCHESTRA_AUTH_TOKEN            Bearer token; generated and persisted if unset
`)
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to a TOML config file (defaults applied when empty)")
	serverURL := flag.String("server-url", "", "override the configured server_url")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 2
	}
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fmt.Fprintf(os.Stderr, "audit init: %v\n", err)
		return 1
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return 1
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "bind_addr", cfg.BindAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProvider, err := orchotel.Init(ctx, cfg.OTel)
	if err != nil {
		logger.Error("otel init failed", "error", err)
		return 1
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		logger.Error("store open failed", "error", err, "path", cfg.DBPath)
		return 1
	}
	defer func() { _ = store.Close() }()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "store_opened")

	pol, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		logger.Error("policy load failed", "error", err, "path", cfg.PolicyPath)
		return 1
	}
	livePolicy := policy.NewLivePolicy(pol, cfg.PolicyPath)
	logger.Info("startup phase", "phase", "policy_loaded", "policy_version", livePolicy.PolicyVersion())

	eventBus := orchbus.New()

	pool := buildAgentPool(cfg.Plans)

	contextProvider := orchcontext.New(retrieval.NewWorkspaceSource(0))

	exec := executor.New(executor.Config{
		Pool:               pool,
		Coordination:       coordination.New(),
		Locks:              filelock.New(),
		Bus:                eventBus,
		Audit:              auditAdapter{},
		Context:            contextResolverAdapter{provider: contextProvider},
		History:            historyRecorder{store: store},
		HITLPolicy:         livePolicy.Snapshot,
		MaxConcurrentTasks: cfg.Executor.MaxConcurrentTasks,
		MaxRetries:         cfg.Executor.MaxRetries,
		TaskTimeout:        time.Duration(cfg.Executor.TaskTimeoutSeconds) * time.Second,
	})
	orch := orchestrator.New(pool, exec)

	mgr := execmanager.New(execmanager.Config{
		TTL:    time.Duration(cfg.Subscription.TTLMinutes) * time.Minute,
		Logger: logger,
	})
	if err := mgr.StartSweep(ctx); err != nil {
		logger.Error("subscription sweep start failed", "error", err)
		return 1
	}
	defer mgr.StopSweep()

	authToken, err := loadAuthToken(cfg.HomeDir)
	if err != nil {
		logger.Error("auth token init failed", "error", err)
		return 1
	}

	gw := gateway.New(gateway.Config{
		ExecManager:  mgr,
		Orchestrator: orch,
		Store:        store,
		Bus:          eventBus,
		AuthToken:    authToken,
		Version:      Version,
		CORS:         gateway.CORSConfig{Enabled: false},
		RateLimit:    gateway.RateLimitConfig{Enabled: true, RequestsPerMinute: 120, BurstSize: 30},
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "server_url", cfg.ServerURL)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
	return 0
}

// buildAgentPool registers one agent per declared plan, falling back to the
// three default agent types (resolved by internal/orchestrator's keyword
// classifier) when no plans are configured.
func buildAgentPool(plans []config.AgentPlan) *agentpool.Pool {
	pool := agentpool.New()
	if len(plans) == 0 {
		for _, id := range []string{"coding-agent", "writing-agent", "evaluator-agent"} {
			pool.Register(agentpool.AgentDefinition{AgentID: id}, agentpool.StubAgent{})
		}
		return pool
	}
	for _, p := range plans {
		pool.Register(agentpool.AgentDefinition{
			AgentID:   p.AgentID,
			AgentType: p.AgentType,
			Steps:     p.Steps,
		}, agentpool.StubAgent{Steps: p.Steps})
	}
	return pool
}

type auditAdapter struct{}

func (auditAdapter) Record(decision, capability, reason, policyVersion, subject string) {
	audit.Record(decision, capability, reason, policyVersion, subject)
}

// contextResolverAdapter adapts internal/context.Provider to the executor's
// narrow ContextResolver interface: one workspace-tier query built from the
// task description, no conversation history (the executor has no turn
// history to hand it per-task).
type contextResolverAdapter struct {
	provider *orchcontext.Provider
}

func (c contextResolverAdapter) Resolve(ctx context.Context, actx agentpool.AgentContext) (string, error) {
	queries := []retrieval.QueryTier{{Tier: retrieval.TierWorkspace, Query: actx.Description}}
	result := c.provider.Merge(ctx, queries, actx.ProjectScope, nil, 2048)
	return result.RetrievedContext, nil
}

// historyRecorder persists each completed task's output as an assistant
// message so later conversations in the same conversation id can be replayed.
type historyRecorder struct {
	store *persistence.Store
}

func (h historyRecorder) Record(ctx context.Context, conversationID, taskID, output string) {
	if err := h.store.AppendMessage(ctx, conversationID, "assistant", output); err != nil {
		slog.Default().Warn("failed to record task history", "conversation_id", conversationID, "task_id", taskID, "error", err)
	}
}

func loadAuthToken(homeDir string) (string, error) {
	if raw := os.Getenv("ORCHESTRA_AUTH_TOKEN"); raw != "" {
		return raw, nil
	}
	tokenPath := homeDir + "/auth.token"
	if b, err := os.ReadFile(tokenPath); err == nil {
		return string(trimNewline(b)), nil
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist auth token: %w", err)
	}
	slog.Default().Info("auth.token generated", "path", tokenPath)
	return token, nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
