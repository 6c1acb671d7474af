package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "golang.org/x/crypto/x509roots/fallback" // embed CA certs for scratch/distroless containers

	"github.com/prmonitor/core/internal/analyzer"
	"github.com/prmonitor/core/internal/cache"
	"github.com/prmonitor/core/internal/config"
	"github.com/prmonitor/core/internal/discovery"
	"github.com/prmonitor/core/internal/domain/model"
	"github.com/prmonitor/core/internal/domain/port/driven"
	"github.com/prmonitor/core/internal/events"
	"github.com/prmonitor/core/internal/fixer"
	"github.com/prmonitor/core/internal/hosting/gitea"
	"github.com/prmonitor/core/internal/hosting/github"
	"github.com/prmonitor/core/internal/httpapi"
	"github.com/prmonitor/core/internal/llm/anthropic"
	"github.com/prmonitor/core/internal/llm/langchaingo"
	"github.com/prmonitor/core/internal/notify/slack"
	"github.com/prmonitor/core/internal/pipeline"
	"github.com/prmonitor/core/internal/ratelimit"
	"github.com/prmonitor/core/internal/reviewer"
	"github.com/prmonitor/core/internal/scheduler"
	"github.com/prmonitor/core/internal/store/sqlite"

	langchainopenai "github.com/tmc/langchaingo/llms/openai"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on missing required env vars).
	cfg, err := config.Load(os.Getenv("PRMONITOR_CONFIG_FILE"))
	if err != nil {
		return err
	}
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"polling_interval", cfg.PollingInterval(),
		"github_username", cfg.GitHubUsername,
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database (dual reader/writer with WAL mode) and run migrations.
	db, err := sqlite.NewDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	if err := sqlite.RunMigrations(db.Writer); err != nil {
		return err
	}
	slog.Info("database ready", "path", cfg.DBPath)

	// 4. Wire persistence adapters.
	repoStore := sqlite.NewRepoStore(db)
	prStore := sqlite.NewPRStore(db)
	checkStore := sqlite.NewCheckStore(db)
	analysisStore := sqlite.NewAnalysisStore(db)
	fixAttemptStore := sqlite.NewFixAttemptStore(db)
	reviewStore := sqlite.NewReviewStore(db)
	pipelineStore := sqlite.NewPipelineStore(db)
	synchronizer := sqlite.NewSynchronizer(db, 3)
	stateLoader := sqlite.NewStateLoader(prStore, checkStore)

	credentialStore := sqlite.NewCredentialStore(db, credentialKey(cfg.SecretKeyHex))

	// 5. Seed watched repositories from configuration, skipping any already stored.
	if err := seedRepositories(ctx, repoStore, cfg.Repositories); err != nil {
		return fmt.Errorf("seed repositories: %w", err)
	}

	// 6. Resolve hosting credentials: stored credentials take priority over env vars.
	ghToken := resolveCredential(ctx, credentialStore, model.ProviderGitHub, "token", os.Getenv("PRMONITOR_GITHUB_TOKEN"))
	giteaToken := resolveCredential(ctx, credentialStore, model.ProviderGitea, "token", os.Getenv("PRMONITOR_GITEA_TOKEN"))
	giteaBaseURL := os.Getenv("PRMONITOR_GITEA_BASE_URL")

	// 7. Build the shared rate limiter and response cache and the hosting
	// adapters that wrap them.
	limiter := ratelimit.New(
		ratelimit.Config{RefillPerSecond: 5, Burst: 20},
		map[string]ratelimit.Config{
			"core":   {RefillPerSecond: 5, Burst: 20},
			"search": {RefillPerSecond: 1, Burst: 5},
		},
	)
	responseCache := cache.New(2048)

	ghClient := github.NewClient(ghToken, github.WithRateLimiter(limiter))

	var giteaClient *gitea.Client
	if giteaBaseURL != "" {
		giteaClient, err = gitea.NewClient(giteaBaseURL, giteaToken,
			gitea.WithCache(responseCache, time.Duration(cfg.CacheTTLSeconds)*time.Second),
			gitea.WithRateLimiter(limiter),
		)
		if err != nil {
			return fmt.Errorf("create gitea client: %w", err)
		}
	}

	resolveClient := func(repo model.Repository) (driven.HostingClient, error) {
		switch repo.Provider {
		case model.ProviderGitHub:
			return ghClient, nil
		case model.ProviderGitea:
			if giteaClient == nil {
				return nil, fmt.Errorf("repository %s: no gitea base URL configured", repo.FullName)
			}
			return giteaClient, nil
		default:
			return nil, fmt.Errorf("repository %s: unknown provider %q", repo.FullName, repo.Provider)
		}
	}

	// 8. Connect the event bus and ensure the shared consumer group exists.
	eventsCfg := events.Config{RedisURL: cfg.RedisAddr, MaxLen: 100_000}
	if eventsCfg.RedisURL != "" && !hasScheme(eventsCfg.RedisURL) {
		eventsCfg.RedisURL = "redis://" + eventsCfg.RedisURL
	}
	publisher, err := events.NewPublisher(ctx, eventsCfg)
	if err != nil {
		return fmt.Errorf("connect event bus: %w", err)
	}
	defer publisher.Close()

	const consumerGroup = "prmonitor-workers"
	if err := publisher.EnsureConsumerGroup(ctx, consumerGroup); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}
	consumer := events.NewConsumer(publisher.Client(), publisher.Stream(), consumerGroup, hostname())

	// 9. Build the LM providers: Anthropic primary, an OpenAI-backed
	// langchaingo fallback when an OpenAI key is configured.
	primaryLM := anthropic.New(anthropic.Config{
		APIKey: resolveCredential(ctx, credentialStore, "anthropic", "api_key", os.Getenv("ANTHROPIC_API_KEY")),
	})
	var fallbackLM driven.LMProvider
	if openAIKey := os.Getenv("OPENAI_API_KEY"); openAIKey != "" {
		if llm, err := langchainopenai.New(langchainopenai.WithToken(openAIKey)); err != nil {
			slog.Warn("failed to build langchaingo fallback provider, continuing without one", "error", err)
		} else {
			fallbackLM = langchaingo.New("openai-fallback", llm)
		}
	}

	// 10. Build the notifier (Slack) and the event-driven analyzer, fixer,
	// and reviewer workers.
	notifier := slack.New(os.Getenv("PRMONITOR_SLACK_BOT_TOKEN"), cfg.SlackChannel)

	analyzerWorker := analyzer.New(ghClient, primaryLM, fallbackLM, analysisStore, publisher, analyzer.Config{
		IsAutoFixable:     cfg.IsAutoFixable,
		AutoFixConfidence: cfg.AutoFixConfidence,
	}, slog.Default().With("worker", "analyzer"))

	reviewerWorker := reviewer.New(primaryLM, reviewStore, publisher, cfg.ReviewerTimeout(), cfg.ReviewerMaxRetries, slog.Default().With("worker", "reviewer"))
	reviewPanel := []reviewer.ReviewerConfig{
		{Type: "security", Prompt: "Review this diff for security issues. Be strict: any finding vetoes approval.", Weight: 2},
		{Type: "style", Prompt: "Review this diff for style and maintainability issues.", Weight: 1},
		{Type: "performance", Prompt: "Review this diff for performance regressions.", Weight: 1},
	}

	// The code-editing service is an external collaborator reached through
	// the driven.CodeEditor port; deployments supply an adapter via
	// newCodeEditor. Without one configured, fix.requested events are logged
	// and acknowledged rather than actioned.
	var fixerWorker *fixer.Fixer
	if codeEditor := newCodeEditor(); codeEditor != nil {
		fixerWorker = fixer.New(codeEditor, fixAttemptStore, publisher, cfg.MaxFixAttempts, slog.Default().With("worker", "fixer"))
	}

	dispatcher := &eventDispatcher{
		analyzer:    analyzerWorker,
		fixer:       fixerWorker,
		reviewer:    reviewerWorker,
		reviewPanel: reviewPanel,
		notifier:    notifier,
		prStore:     prStore,
		pipeline:    pipelineStore,
		logger:      slog.Default().With("component", "dispatcher"),
	}

	// 11. Start the consumer loop draining the event stream in the background.
	go runConsumerLoop(ctx, consumer, dispatcher)

	// 12. Build the scheduler over discovery, detection, and
	// synchronization, translating every applied ChangeSet into typed events.
	sched := scheduler.New(
		repoStore,
		resolveClient,
		stateLoader.Load,
		synchronizer,
		publishChangeEvents(publisher, prStore, checkStore),
		scheduler.DefaultPriority,
		scheduler.Config{
			MaxConcurrentRepositories: cfg.MaxConcurrentRepositories,
			CycleDeadline:             cfg.CycleDeadline(),
			MaxPRsPerRepository:       cfg.MaxPRsPerRepository,
			FailureThreshold:          cfg.Escalation.ConsecutiveFailures,
			SkipFilterFor: func(model.Repository) discovery.SkipFilter {
				return discovery.SkipFilter{
					Labels:     cfg.SkipPatterns.PRLabels,
					Authors:    cfg.SkipPatterns.Authors,
					CheckNames: cfg.SkipPatterns.CheckNames,
				}
			},
			OnSuspend: publishSuspension(publisher),
		},
		slog.Default().With("component", "scheduler"),
	)

	adaptiveGate := scheduler.NewAdaptiveGate(cfg.PollingInterval())
	hintCh := make(chan int64, 64)

	go runPollingLoop(ctx, cfg, repoStore, prStore, sched, adaptiveGate, hintCh)
	go runTimeoutSweeper(ctx, repoStore, prStore, pipelineStore, pipeline.DefaultTimeouts(), slog.Default().With("component", "timeout-sweeper"))

	// 13. Build and start the HTTP surface (health, metrics, schedule
	// introspection, webhook hints).
	httpSrv := &httpapi.Server{
		Schedules: adaptiveGate,
		OnWebhook: webhookHint(ctx, repoStore, hintCh),
		Logger:    slog.Default().With("component", "httpapi"),
	}
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpapi.NewRouter(httpSrv),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
		}
	}()

	slog.Info("prmonitor started", "listen_addr", cfg.ListenAddr, "polling_interval", cfg.PollingInterval())

	// 14. Wait for shutdown signal, then drain the HTTP server.
	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
