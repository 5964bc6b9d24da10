package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/SixtySecondsApp/cadence/internal/api"
	"github.com/SixtySecondsApp/cadence/internal/copilot"
	"github.com/SixtySecondsApp/cadence/internal/engine"
	"github.com/SixtySecondsApp/cadence/internal/expressions"
	"github.com/SixtySecondsApp/cadence/internal/logging"
	"github.com/SixtySecondsApp/cadence/internal/mock"
	"github.com/SixtySecondsApp/cadence/internal/notify"
	"github.com/SixtySecondsApp/cadence/internal/scheduler"
	"github.com/SixtySecondsApp/cadence/internal/skills"
	"github.com/SixtySecondsApp/cadence/internal/store"
	"github.com/SixtySecondsApp/cadence/internal/streaming"
	"github.com/SixtySecondsApp/cadence/internal/validation"
	"github.com/SixtySecondsApp/cadence/pkg/mcp"
)

func main() {
	mcpMode := flag.Bool("mcp", false, "serve MCP tools over stdio instead of HTTP")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	if err := run(cfg, logger, *mcpMode); err != nil {
		logger.Error("cadence exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger, mcpMode bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// The backend client is the skill invoker, delegated-run invoker, and
	// HITL resolver all at once. Without a backend URL the engine runs
	// simulation-only.
	var (
		skillInvoker engine.SkillInvoker
		seqInvoker   engine.SequenceInvoker
		resolver     engine.HITLResolver
	)
	if cfg.BackendURL != "" {
		client := skills.NewClient(skills.Config{
			BaseURL:   cfg.BackendURL,
			AuthToken: cfg.BackendToken,
		})
		skillInvoker = client
		seqInvoker = client
		resolver = client
	}

	notifiers := &notifierRelay{}
	notifiers.add(notify.NewSlackNotifier(cfg.SlackWebhookURL, logger))
	hub := streaming.NewMemoryHub()
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}
	validator, err := validation.NewSequenceValidator()
	if err != nil {
		return err
	}

	steps := engine.NewStepExecutor(mock.NewGenerator(), skillInvoker, logger)
	gate := engine.NewHITLGate(s, engine.NewExecutionFSM(s), notifiers, resolver, logger)
	runner := engine.NewOrchestrator(s, s, steps, gate, cel, seqInvoker, hub, logger)

	if mcpMode {
		srv := mcp.NewCadenceServer(mcp.CadenceServerDeps{
			Runner:    runner,
			Store:     s,
			Validator: validator,
			Logger:    logger,
		})
		// Approval requests are pushed back over the caller's MCP session
		// in addition to Slack.
		notifiers.add(mcp.NewApprovalNotifier(srv.MCPServer(), srv.Sessions()))
		logger.Info("serving MCP tools on stdio")
		return srv.Serve(ctx)
	}

	if cfg.Scheduler {
		sched := scheduler.NewScheduler(s, runner, logger)
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = sched.Stop() }()
	}

	var copilotClient *copilot.Client
	if cfg.CopilotURL != "" {
		copilotClient = copilot.NewClient(cfg.CopilotURL, cfg.CopilotToken)
	}

	apiServer := api.NewServer(api.Deps{
		Store:     s,
		Runner:    runner,
		Validator: validator,
		Hub:       hub,
		Copilot:   copilotClient,
		Logger:    logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("cadence listening", "addr", cfg.ListenAddr, "db", cfg.DBPath)
		if serveErr := httpServer.ListenAndServe(); !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// notifierRelay fans approval notifications out to every registered target.
type notifierRelay struct {
	mu      sync.RWMutex
	targets []engine.AsyncNotifier
}

func (r *notifierRelay) add(t engine.AsyncNotifier) {
	r.mu.Lock()
	r.targets = append(r.targets, t)
	r.mu.Unlock()
}

func (r *notifierRelay) NotifyAsync(n notify.Notification) {
	r.mu.RLock()
	targets := r.targets
	r.mu.RUnlock()
	for _, t := range targets {
		t.NotifyAsync(n)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(logging.NewCorrelationHandler(inner))
	slog.SetDefault(logger)
	return logger
}
