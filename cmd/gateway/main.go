package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/PoYuTsai/VibeSync/config"
	"github.com/PoYuTsai/VibeSync/internal/admission"
	"github.com/PoYuTsai/VibeSync/internal/auth"
	"github.com/PoYuTsai/VibeSync/internal/billing"
	"github.com/PoYuTsai/VibeSync/internal/fallback"
	"github.com/PoYuTsai/VibeSync/internal/provider/claude"
	"github.com/PoYuTsai/VibeSync/internal/proxy"
	"github.com/PoYuTsai/VibeSync/internal/safety"
	"github.com/PoYuTsai/VibeSync/internal/seeder"
	"github.com/PoYuTsai/VibeSync/internal/telemetry"
	"github.com/PoYuTsai/VibeSync/internal/worker"
	"github.com/PoYuTsai/VibeSync/pkg/ratelimit"
)

var version = "dev"

const (
	breakerOpenFor = 30 * time.Second
	// writeMargin covers admission, parsing and ledger work around the upstream calls.
	writeMargin = 15 * time.Second
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		l := zerolog.New(os.Stderr).With().Timestamp().Logger()
		l.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(cfg, version, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init tracer")
	}
	defer shutdownTracer()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(reg)

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect postgres")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to ping postgres")
	}
	logger.Info().Msg("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("failed to ping redis")
	}
	logger.Info().Msg("Redis connected")

	// 5. Init auth
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb, logger)

	// 6. Init admission
	var (
		subs        admission.SubscriptionStore
		windows     admission.WindowStore
		provisioner seeder.Provisioner
	)
	switch cfg.CounterStore {
	case config.CounterStoreMemory:
		mem := admission.NewMemoryStore()
		subs, windows, provisioner = mem, mem, mem
	case config.CounterStoreRedis:
		pg := admission.NewPostgresStore(pool)
		subs, windows, provisioner = pg, admission.NewRedisWindowStore(rdb), pg
	default:
		pg := admission.NewPostgresStore(pool)
		subs, windows, provisioner = pg, pg, pg
	}
	controller := admission.NewController(subs, windows,
		admission.WithLocation(cfg.QuotaLocation),
		admission.WithLogger(logger.With().Str("component", "admission").Logger()),
	)

	// 7. Init safety gate and prompt
	rules, err := safety.LoadRules(cfg.SafetyRulesPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load safety rules")
	}
	gate, err := safety.NewGate(rules)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to compile safety rules")
	}
	systemPrompt, err := cfg.SystemPrompt()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load system prompt")
	}
	logger.Info().Str("safety_rules", gate.Version()).Msg("safety rules loaded")

	// 8. Init upstream caller
	upstream := claude.New(cfg.AnthropicAPIKey, claude.WithBaseURL(cfg.AnthropicBaseURL))
	router := proxy.NewRouter(cfg.PrimaryModel, cfg.SecondaryModel)

	callerOpts := []fallback.Option{
		fallback.WithMetrics(metrics),
		fallback.WithLogger(logger.With().Str("component", "fallback").Logger()),
	}
	if cfg.BreakerFailures > 0 {
		callerOpts = append(callerOpts, fallback.WithBreakers(cfg.BreakerFailures, breakerOpenFor))
	}
	if cfg.UpstreamTPM > 0 {
		callerOpts = append(callerOpts, fallback.WithThrottle(ratelimit.NewLimiter(rdb, cfg.UpstreamTPM)))
	}
	caller := fallback.NewCaller(upstream, router.Chain(), callerOpts...)
	callOpts := fallback.Options{
		Timeout:            cfg.UpstreamTimeout,
		MaxRetriesPerModel: cfg.MaxRetriesPerModel,
	}

	// 9. Init billing
	billingStore := billing.NewPostgresStore(pool)
	ledgerPool := worker.NewPool(cfg.LedgerQueueSize, cfg.LedgerWorkers, cfg.LedgerWriteTimeout,
		worker.WithLogger(logger.With().Str("component", "worker").Logger()),
	)
	ledger := billing.NewLedger(billingStore, ledgerPool, metrics, logger)

	// 10. Init handler
	service := proxy.NewService(proxy.Deps{
		Admission: controller,
		Router:    router,
		Gate:      gate,
		Caller:    caller,
		Ledger:    ledger,
		Tracer:    otel.GetTracerProvider().Tracer(telemetry.ServiceName),
		Metrics:   metrics,
		Logger:    logger,
	}, proxy.Settings{
		SystemPrompt: systemPrompt,
		MaxTokens:    cfg.MaxTokens,
		Call:         callOpts,
	})
	handler := proxy.NewHandler(service, billingStore, logger)

	// 11. Seed test tenant if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestTenant(ctx, authStore, provisioner, logger)
	}

	// 12. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"` + telemetry.ServiceName + `"}`))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/analyze", handler.HandleAnalyze)
		r.Get("/v1/usage", handler.HandleUsage)
	})

	// 13. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout(callOpts, len(router.Chain())),
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info().Str("port", cfg.Port).Str("version", version).Msg("VibeSync gateway starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-quit
	logger.Info().Msg("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
	}
	// Drain pending ledger writes after the last request has finished.
	if err := ledgerPool.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("ledger queue not drained")
	}
	logger.Info().Msg("Server stopped")
}

// writeTimeout lets a request run through the whole fallback chain before the
// server gives up on the response.
func writeTimeout(opts fallback.Options, models int) time.Duration {
	return fallback.Budget(opts, models) + writeMargin
}

func newLogger(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if format == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("chi_request_id", chimiddleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}
