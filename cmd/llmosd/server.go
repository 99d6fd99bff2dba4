package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/api"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/approval"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/audit"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/auth"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/config"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/guard"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/llm"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/module"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/modules/filesystem"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/modules/system"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/observability"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/orchestrator"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/scanner"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/state"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/verifier"
)

// purgeInterval paces the retention sweeps over terminal plans and
// expired memory entries.
const purgeInterval = time.Hour

func runServer(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 2
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil && err != http.ErrServerClosed {
		logger.Error("daemon failed", "error", err)
		return 1
	}
	logger.Info("daemon stopped")
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// serve wires the subsystems in dependency order and blocks until ctx
// is cancelled.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// Observability first so later stages can record metrics.
	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "llmos-bridge",
		ServiceVersion: daemonVersion,
		Environment:    "local",
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		SampleRate:     cfg.Observability.SampleRate,
		Enabled:        cfg.Observability.Enabled,
		Insecure:       cfg.Observability.Insecure,
	})
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	// Audit trail.
	auditor, err := newAuditor(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	defer auditor.Close()

	// Persistent state.
	db, dialect, err := openDatabase(cfg)
	if err != nil {
		return fmt.Errorf("state: %w", err)
	}
	defer db.Close()

	plans, err := state.NewPlanStore(db, dialect)
	if err != nil {
		return fmt.Errorf("plan store: %w", err)
	}
	kv, err := state.NewKVStore(db, dialect)
	if err != nil {
		return fmt.Errorf("kv store: %w", err)
	}
	grants, err := state.NewGrantStore(db, dialect)
	if err != nil {
		return fmt.Errorf("grant store: %w", err)
	}

	if n, err := plans.RecoverInterrupted(ctx); err != nil {
		return fmt.Errorf("recover interrupted plans: %w", err)
	} else if n > 0 {
		logger.Warn("marked interrupted plans as failed", "count", n)
	}
	go purgeLoop(ctx, cfg, plans, kv, logger)

	// Modules.
	registry := module.NewRegistry(logger)
	if err := registerBuiltins(registry, cfg.Modules.Disabled); err != nil {
		return err
	}
	report := registry.Status()
	logger.Info("modules ready", "loaded", len(report.Loaded), "failed", len(report.Failed))

	// Security layer 1: input scanning.
	scanners := scanner.NewRegistry()
	scanners.Register(scanner.NewHeuristic(scanner.HeuristicOptions{
		DisabledRuleIDs: cfg.Scanner.DisabledRules,
		RejectThreshold: cfg.Scanner.RejectThreshold,
		WarnThreshold:   cfg.Scanner.WarnThreshold,
	}))
	pipeline := scanner.NewPipeline(scanners, auditor, logger, scanner.PipelineOptions{
		FailFast:        cfg.Scanner.FailFast,
		RejectThreshold: cfg.Scanner.RejectThreshold,
		WarnThreshold:   cfg.Scanner.WarnThreshold,
	})
	pipeline.SetEnabled(cfg.Scanner.Enabled)

	// Security layer 2: LLM intent verification.
	client := llm.Client(llm.NullClient{})
	if cfg.Verifier.Enabled {
		client, err = llm.New(llm.Config{
			Provider:   cfg.LLM.Provider,
			APIKey:     cfg.LLM.APIKey,
			BaseURL:    cfg.LLM.BaseURL,
			Model:      cfg.LLM.Model,
			TimeoutSec: float64(cfg.LLM.TimeoutSecs),
		})
		if err != nil {
			return fmt.Errorf("llm client: %w", err)
		}
	}
	defer client.Close()

	categories := verifier.NewCategoryRegistry()
	categories.RegisterBuiltins()
	verif := verifier.New(client, auditor, verifier.NewPromptComposer(categories), logger, verifier.Options{
		Enabled:   cfg.Verifier.Enabled,
		Strict:    cfg.Verifier.Strict,
		CacheSize: cfg.Verifier.CacheSize,
		CacheTTL:  time.Duration(cfg.Verifier.CacheTTLMins) * time.Minute,
		Model:     cfg.Verifier.Model,
	})

	// Security layer 3: permission guard.
	g, err := buildGuard(cfg)
	if err != nil {
		return err
	}
	limiter := buildLimiter(cfg, registry)

	// Approval gate.
	behavior := approval.TimeoutReject
	if cfg.Security.ApprovalBehavior == "skip" {
		behavior = approval.TimeoutSkip
	}
	gate := approval.NewGate(
		time.Duration(cfg.Security.ApprovalTimeout)*time.Second,
		behavior,
		approval.WithAuditor(auditor),
		approval.WithGrants(grants),
	)

	// Execution engine.
	executor := orchestrator.NewExecutor(orchestrator.ExecutorConfig{
		Registry:      registry,
		Guard:         g,
		Limiter:       limiter,
		Gate:          gate,
		Plans:         plans,
		KV:            kv,
		Auditor:       auditor,
		Scanner:       pipeline,
		Verifier:      verif,
		Resources:     orchestrator.NewResourceManager(cfg.Modules.ResourceLimits),
		Metrics:       obs,
		Logger:        logger,
		MaxResultSize: cfg.Orchestrator.MaxResultSizeBytes,
		Fallbacks:     cfg.Modules.Fallbacks,
	})
	orch := orchestrator.New(executor, plans, auditor, logger, orchestrator.Options{
		MaxConcurrentPlans: cfg.Orchestrator.MaxConcurrentPlans,
		SyncTimeout:        time.Duration(cfg.Orchestrator.SyncTimeoutSecs) * time.Second,
		GroupMaxConcurrent: cfg.Orchestrator.GroupMaxConcurrent,
		GroupTimeout:       time.Duration(cfg.Orchestrator.GroupTimeoutSecs) * time.Second,
	})

	// REST surface.
	server := api.NewServer(api.Options{
		Version:      daemonVersion,
		Orchestrator: orch,
		Plans:        plans,
		Memory:       kv,
		Registry:     registry,
		Gate:         gate,
		Verifier:     verif,
		Scanners:     pipeline,
		Logger:       logger,
	})
	handler := middlewareChain(cfg, server.Handler())

	logger.Info("llmos bridge ready",
		"version", daemonVersion,
		"profile", cfg.Security.Profile,
		"backend", cfg.State.Backend,
		"auth", !cfg.Server.AuthDisabled,
	)
	return server.Serve(ctx, handler, api.ListenOptions{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		RequestTimeout: time.Duration(cfg.Server.RequestTimeout) * time.Second,
	})
}

// middlewareChain layers the cross-cutting HTTP concerns, outermost
// first: request IDs, CORS, per-IP rate limiting, auth, idempotent
// replay.
func middlewareChain(cfg *config.Config, handler http.Handler) http.Handler {
	idem := api.NewIdempotencyStore(10 * time.Minute)
	validator := auth.NewValidator(cfg.Server.JWTSecret, cfg.Server.APIKeyHash)

	handler = idem.Middleware(handler)
	handler = auth.Middleware(validator, cfg.Server.AuthDisabled)(handler)
	handler = auth.NewRateLimiter(cfg.Server.RatePerMinute).Middleware(handler)
	handler = auth.CORS(cfg.Server.AllowedOrigins)(handler)
	handler = auth.RequestID(handler)
	return handler
}

func newAuditor(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*audit.Logger, error) {
	// With a trail file the JSONL log is the durable record; without one
	// events fall back to the structured logger so they are not lost.
	var bus audit.EventBus = audit.LogBus{Logger: logger}
	var opts []audit.Option
	if cfg.Audit.TrailFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Audit.TrailFile), 0o700); err != nil {
			return nil, err
		}
		opts = append(opts, audit.WithTrailFile(cfg.Audit.TrailFile))
		bus = audit.NullBus{}
	}
	auditor, err := audit.NewLogger(bus, logger, opts...)
	if err != nil {
		return nil, err
	}

	if cfg.Audit.S3Bucket != "" && cfg.Audit.TrailFile != "" {
		archiver, err := audit.NewS3Archiver(ctx, audit.S3ArchiveConfig{
			Bucket: cfg.Audit.S3Bucket,
			Region: cfg.Audit.S3Region,
			Prefix: "audit",
		})
		if err != nil {
			return nil, fmt.Errorf("s3 archiver: %w", err)
		}
		go archiveLoop(ctx, archiver, cfg.Audit.TrailFile, logger)
	}
	return auditor, nil
}

// archiveLoop uploads the audit trail hourly. Keys are content-addressed
// so an unchanged trail re-uploads to the same object.
func archiveLoop(ctx context.Context, archiver *audit.S3Archiver, path string, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			key, err := archiver.ArchiveFile(ctx, path)
			if err != nil {
				logger.Warn("audit archive failed", "error", err)
				continue
			}
			logger.Debug("audit trail archived", "key", key)
		}
	}
}

func openDatabase(cfg *config.Config) (*sql.DB, state.Dialect, error) {
	if cfg.State.Backend == "postgres" {
		db, err := state.OpenPostgres(cfg.State.DSN)
		return db, state.DialectPostgres, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.State.Path), 0o700); err != nil {
		return nil, state.DialectSQLite, err
	}
	db, err := state.OpenSQLite(cfg.State.Path)
	return db, state.DialectSQLite, err
}

func purgeLoop(ctx context.Context, cfg *config.Config, plans *state.PlanStore, kv *state.KVStore, logger *slog.Logger) {
	retention := time.Duration(cfg.State.RetentionDays) * 24 * time.Hour
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := plans.PurgeTerminal(ctx, retention); err != nil {
				logger.Warn("plan purge failed", "error", err)
			} else if n > 0 {
				logger.Info("purged terminal plans", "count", n)
			}
			if n, err := kv.PurgeExpired(ctx); err != nil {
				logger.Warn("memory purge failed", "error", err)
			} else if n > 0 {
				logger.Debug("purged expired memory entries", "count", n)
			}
		}
	}
}

func registerBuiltins(registry *module.Registry, disabled []string) error {
	skip := map[string]struct{}{}
	for _, id := range disabled {
		skip[id] = struct{}{}
	}
	builtins := []module.Module{
		filesystem.New(),
		system.New(),
	}
	for _, m := range builtins {
		if _, ok := skip[m.ID()]; ok {
			continue
		}
		if err := registry.RegisterInstance(m); err != nil {
			// A module that fails schema compilation is a build defect,
			// not a runtime condition to degrade around.
			return fmt.Errorf("register module %s: %w", m.ID(), err)
		}
	}
	return nil
}

func buildGuard(cfg *config.Config) (*guard.Guard, error) {
	profile, err := config.LoadProfile(cfg.Security.ProfilesDir, cfg.Security.Profile)
	if err != nil {
		return nil, fmt.Errorf("permission profile: %w", err)
	}

	opts := []guard.Option{
		guard.WithSandboxPaths(cfg.Security.SandboxPaths),
		guard.WithRequireApproval(cfg.Security.RequireApprovalFor),
	}
	if len(cfg.Security.PolicyRules) > 0 {
		engine, err := guard.NewPolicyEngine(cfg.Security.PolicyRules)
		if err != nil {
			return nil, fmt.Errorf("policy rules: %w", err)
		}
		opts = append(opts, guard.WithPolicyEngine(engine))
	}
	return guard.New(profile, opts...), nil
}

// buildLimiter seeds the per-action limiter from manifest declarations,
// then applies operator overrides.
func buildLimiter(cfg *config.Config, registry *module.Registry) *guard.ActionLimiter {
	var store guard.LimiterStore
	if cfg.Security.RedisAddr != "" {
		store = guard.NewRedisLimiterStore(cfg.Security.RedisAddr, cfg.Security.RedisPassword, cfg.Security.RedisDB)
	} else {
		store = guard.NewInMemoryLimiterStore()
	}

	limiter := guard.NewActionLimiter(store)
	for _, manifest := range registry.Manifests() {
		for _, action := range manifest.Actions {
			if action.RateLimitPerMinute > 0 {
				limiter.SetLimit(manifest.ID, action.Name, action.RateLimitPerMinute)
			}
		}
	}
	for key, perMinute := range cfg.Modules.RateLimits {
		moduleID, actionName, ok := strings.Cut(key, ".")
		if !ok {
			continue
		}
		limiter.SetLimit(moduleID, actionName, perMinute)
	}
	return limiter
}
