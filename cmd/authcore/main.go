package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/authcore-labs/authcore/pkg/api"
	"github.com/authcore-labs/authcore/pkg/authz"
	"github.com/authcore-labs/authcore/pkg/config"
	"github.com/authcore-labs/authcore/pkg/credential"
	"github.com/authcore-labs/authcore/pkg/observability"
	"github.com/authcore-labs/authcore/pkg/pipeline"
	"github.com/authcore-labs/authcore/pkg/sandbox"
	"github.com/authcore-labs/authcore/pkg/vault"
	"github.com/authcore-labs/authcore/pkg/webhook"

	_ "github.com/lib/pq" // Postgres driver
)

func main() {
	profilePath := flag.String("profile", "", "optional YAML config profile")
	flag.Parse()

	cfg := config.Load()
	if *profilePath != "" {
		if err := config.LoadProfile(*profilePath, cfg); err != nil {
			slog.Error("load profile", "error", err)
			os.Exit(1)
		}
	}
	setupLogging(cfg.LogLevel)

	if cfg.PlatformSecret == "" {
		slog.Error("PLATFORM_SECRET is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "authcore",
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   cfg.SampleRate,
		Enabled:      cfg.MetricsEnabled,
		Insecure:     true,
	})
	if err != nil {
		slog.Error("init observability", "error", err)
		os.Exit(1)
	}
	sink := observability.NewSink(obs.Meter())

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			slog.Error("open database", "error", err)
			os.Exit(1)
		}
		if err := db.PingContext(ctx); err != nil {
			slog.Error("ping database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		slog.Info("using postgres storage")
	} else {
		slog.Info("using in-memory storage")
	}

	// Secrets vault; its cipher also protects signing keys and webhook
	// endpoint secrets.
	var secretStore vault.Store
	if db != nil {
		secretStore = vault.NewPostgresStore(db)
	} else {
		secretStore = vault.NewMemoryStore()
	}
	secrets, err := vault.New(secretStore, cfg.PlatformSecret)
	if err != nil {
		slog.Error("init vault", "error", err)
		os.Exit(1)
	}

	// Sandbox runtime shared by authorization policies and pipeline
	// scripts.
	pool := sandbox.NewPool(sandbox.PoolConfig{
		MaxPoolSize:   cfg.SandboxPoolSize,
		MaxConcurrent: cfg.SandboxMaxConcurrent,
		Host: sandbox.Host{
			Secrets: secrets.GetSecretValue,
			Tracer:  obs.Tracer(),
		},
	}, sink)
	defer pool.Close()
	runner := sandbox.NewEngine(pool)

	// Authorization engine.
	var tuples authz.TupleStore
	var models authz.ModelStore
	var users authz.UserDirectory
	if db != nil {
		tuples = authz.NewPostgresTupleStore(db)
		models = authz.NewPostgresModelStore(db)
		users = credential.NewPostgresUserStore(db)
	} else {
		tuples = authz.NewMemoryTupleStore()
		models = authz.NewMemoryModelStore()
		users = credential.NewMemoryUserStore()
	}
	registry, err := authz.NewRegistry(models, tuples)
	if err != nil {
		slog.Error("init authorization registry", "error", err)
		os.Exit(1)
	}
	authorizer := authz.NewEngine(registry, tuples, runner, users, sink)

	// Credential engine.
	var apiKeys credential.APIKeyStore
	var jwks credential.JWKSStore
	if db != nil {
		apiKeys = credential.NewPostgresAPIKeyStore(db)
		jwks = credential.NewPostgresJWKSStore(db)
	} else {
		apiKeys = credential.NewMemoryAPIKeyStore()
		jwks = credential.NewMemoryJWKSStore()
	}
	keyVerifier := credential.NewKeyVerifier(apiKeys)
	rotator := credential.NewRotator(jwks, secrets.Cipher(), sink)
	if _, err := rotator.RotateIfNeeded(ctx, time.Now()); err != nil {
		slog.Error("initial key rotation", "error", err)
		os.Exit(1)
	}
	go runEvery(ctx, cfg.RotationCheck, func() {
		if _, err := rotator.RotateIfNeeded(ctx, time.Now()); err != nil {
			slog.Error("key rotation", "error", err)
		}
	})
	exchanger := credential.NewExchanger(keyVerifier, authorizer, jwks, secrets.Cipher(),
		cfg.TokenIssuer, cfg.TokenAudience, sink)
	tokenVerifier := credential.NewTokenVerifier(jwks)

	// Pipeline engine.
	var scripts pipeline.ScriptStore
	var graph pipeline.GraphStore
	var plans pipeline.PlanStore
	var traces pipeline.TraceStore
	if db != nil {
		scripts = pipeline.NewPostgresScriptStore(db)
		graph = pipeline.NewPostgresGraphStore(db)
		plans = pipeline.NewPostgresPlanStore(db)
		traces = pipeline.NewPostgresTraceStore(db)
	} else {
		scripts = pipeline.NewMemoryScriptStore()
		graph = pipeline.NewMemoryGraphStore()
		plans = pipeline.NewMemoryPlanStore()
		traces = pipeline.NewMemoryTraceStore()
	}
	pipelines := pipeline.NewService(scripts, graph, plans)
	dispatcher := pipeline.NewDispatcher(scripts, plans, traces, runner, sink)
	cleaner := pipeline.NewCleaner(traces, cfg.TraceRetention, sink)
	go cleaner.Start(ctx, cfg.CleanupInterval)

	// Webhook fabric.
	var endpoints webhook.EndpointStore
	var events webhook.EventStore
	var deliveries webhook.DeliveryStore
	if db != nil {
		endpoints = webhook.NewPostgresEndpointStore(db)
		events = webhook.NewPostgresEventStore(db)
		deliveries = webhook.NewPostgresDeliveryStore(db)
	} else {
		endpoints = webhook.NewMemoryEndpointStore()
		events = webhook.NewMemoryEventStore()
		deliveries = webhook.NewMemoryDeliveryStore()
	}
	var barrier webhook.IdempotencyBarrier
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		barrier = webhook.NewRedisBarrier(rdb)
		slog.Info("using redis idempotency barrier", "addr", cfg.RedisAddr)
	} else {
		barrier = webhook.NewMemoryBarrier()
	}

	var deliverer *webhook.Deliverer
	queue := webhook.NewMemoryQueue(ctx, 4, 256, func(ctx context.Context, task webhook.Task) error {
		return deliverer.Handle(ctx, task)
	})
	defer queue.Close()
	deliverer = webhook.NewDeliverer(events, endpoints, deliveries, queue, secrets.Cipher(), nil, sink)
	emitter := webhook.NewEmitter(events, endpoints, deliveries, queue, sink)

	var ingress *webhook.Ingress
	if cfg.WebhookSigningKey != "" {
		verifier, err := webhook.NewIngressVerifier(cfg.WebhookSigningKey, cfg.WebhookSigningKeyNext)
		if err != nil {
			slog.Error("init webhook verifier", "error", err)
			os.Exit(1)
		}
		ingress = webhook.NewIngress(verifier, barrier, emitter, sink)
	} else {
		slog.Warn("WEBHOOK_SIGNING_KEY not set, webhook intake disabled")
	}

	server := api.NewServer(api.Deps{
		Exchanger:  exchanger,
		Keys:       keyVerifier,
		Tokens:     tokenVerifier,
		Authorizer: authorizer,
		Registry:   registry,
		Users:      users,
		Pipelines:  pipelines,
		Traces:     traces,
		Secrets:    secrets,
		Endpoints:  webhook.NewEndpointService(endpoints, secrets.Cipher()),
		Ingress:    ingress,
		Limiter:    api.NewRateLimiter(50, 100),
	})

	addr := ":" + strings.TrimPrefix(cfg.Port, ":")
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		slog.Error("server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	dispatcher.Wait()
	if err := obs.Shutdown(shutdownCtx); err != nil {
		slog.Error("observability shutdown", "error", err)
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func runEvery(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
