package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	validator "github.com/go-playground/validator/v10"
	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/backend-dojo/internal/auth"
	"github.com/noah-isme/backend-dojo/internal/common"
	"github.com/noah-isme/backend-dojo/internal/config"
	"github.com/noah-isme/backend-dojo/internal/discount"
	"github.com/noah-isme/backend-dojo/internal/enrollment"
	"github.com/noah-isme/backend-dojo/internal/events"
	"github.com/noah-isme/backend-dojo/internal/family"
	"github.com/noah-isme/backend-dojo/internal/health"
	"github.com/noah-isme/backend-dojo/internal/invoice"
	"github.com/noah-isme/backend-dojo/internal/obs"
	"github.com/noah-isme/backend-dojo/internal/payment"
	"github.com/noah-isme/backend-dojo/internal/ratelimit"
	"github.com/noah-isme/backend-dojo/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "dojo")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "dojo-api",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			SamplingRatio: envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0),
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if envBool("DB_MIGRATE_ON_START", true) {
		m, err := migrate.New(envOrDefault("DB_MIGRATIONS_PATH", "file://migrations"), cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("open migrations")
		}
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			logger.Fatal().Err(err).Msg("apply migrations")
		}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "dojo-api"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metricsEnabled {
		if err := redisotel.InstrumentMetrics(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}

	taskClient := asynq.NewClient(asynq.RedisClientOpt{Addr: redisOpts.Addr, Password: redisOpts.Password, DB: redisOpts.DB})
	defer func() {
		if err := taskClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close task client")
		}
	}()

	queries := store.New(pool)
	validate := validator.New()

	bus := &events.Bus{Store: queries, Tasks: taskClient, Logger: logger}

	authSvc := &auth.Service{
		Q:          queries,
		Sessions:   redisClient,
		Hasher:     auth.Argon2Hasher{},
		Secret:     []byte(cfg.JWTSecret),
		Issuer:     "dojo-api",
		Audience:   "dojo-portal",
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
	}
	authHandler := &auth.Handler{Svc: authSvc, Validate: validate}
	authMiddleware := auth.Middleware{Service: authSvc}

	familySvc := &family.Service{Q: queries, Bus: bus}
	familyHandler := &family.Handler{Svc: familySvc, Validate: validate}

	enrollSvc := &enrollment.Service{Q: queries, Bus: bus, TrialLimit: cfg.TrialClassLimit}
	enrollHandler := &enrollment.Handler{Svc: enrollSvc, Validate: validate}

	provider := payment.NewStripe(cfg.StripeSecretKey, cfg.StripeWebhookSecret, cfg.WebhookTolerance)
	paymentSvc := &payment.Service{
		Q:        queries,
		Provider: provider,
		TaxBps:   int32(cfg.DefaultTaxBps),
		Currency: cfg.DefaultCurrency,
	}
	paymentHandler := &payment.Handler{Svc: paymentSvc, Validate: validate}
	webhookHandler := &payment.Webhook{
		Provider:  provider,
		Store:     queries,
		Pool:      pool,
		Replay:    redisClient,
		ReplayTTL: cfg.WebhookReplayTTL,
		Bus:       bus,
		Logger:    logger,
	}

	invoiceSvc := &invoice.Service{Q: queries, Pool: pool, Bus: bus, Currency: cfg.DefaultCurrency}
	invoiceHandler := &invoice.Handler{Svc: invoiceSvc, Validate: validate}

	discountSvc := &discount.Service{Q: queries, Logger: logger}
	discountHandler := &discount.Handler{Svc: discountSvc}

	idem := common.Idem{R: redisClient, TTL: cfg.IdempotencyTTL}

	authLimiter, err := ratelimit.New(redisClient, cfg.RateLimitAuth, "rl:auth")
	if err != nil {
		logger.Fatal().Err(err).Msg("build auth limiter")
	}
	webhookLimiter, err := ratelimit.New(redisClient, cfg.RateLimitWebhook, "rl:webhook")
	if err != nil {
		logger.Fatal().Err(err).Msg("build webhook limiter")
	}

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, nil, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if metricsEnabled && httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if envBool("OBS_ENABLE_PPROF", cfg.AppEnv != "production") {
		r.Mount("/debug/pprof", pprofMux())
	}

	healthHandler := health.New(pool, redisClient)
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Route("/auth", func(a chi.Router) {
			a.Use(ratelimit.Middleware{L: authLimiter}.Handler)
			a.Post("/register", authHandler.Register)
			a.Post("/login", authHandler.Login)
			a.Post("/refresh", authHandler.Refresh)
			a.Post("/logout", authHandler.Logout)
			a.Group(func(protected chi.Router) {
				protected.Use(authMiddleware.RequireAuth)
				protected.Get("/me", authHandler.Me)
			})
		})

		v.With(authMiddleware.RequireAuth).Get("/classes", enrollHandler.ListClasses)

		v.Group(func(g chi.Router) {
			g.Use(authMiddleware.RequireAuth)

			g.Route("/families/{familyID}", func(f chi.Router) {
				f.Get("/", familyHandler.Get)
				f.Put("/", familyHandler.Update)
				f.Post("/students", familyHandler.AddStudent)
				f.Get("/invoices", invoiceHandler.ListForFamily)
			})
			g.Get("/students/{studentID}", familyHandler.GetStudent)
			g.Get("/students/{studentID}/enrollments", enrollHandler.ForStudent)
			g.With(idem.Middleware).Post("/enrollments", enrollHandler.Enroll)

			g.With(idem.Middleware).Post("/payments/checkout", paymentHandler.Checkout)
			g.Get("/payments", paymentHandler.History)

			g.Get("/invoices/{invoiceID}", invoiceHandler.Get)
			g.Get("/discounts/assignments", discountHandler.ListAssignments)
		})

		v.Route("/admin", func(admin chi.Router) {
			admin.Use(authMiddleware.RequireAuth)
			admin.Use(auth.RequireAdmin)
			admin.Post("/accounts", authHandler.CreateAdmin)
			admin.Post("/families", familyHandler.Register)
			admin.Post("/students/{studentID}/promote", familyHandler.PromoteBelt)
			admin.Post("/students/{studentID}/attendance", familyHandler.RecordAttendance)
			admin.Delete("/students/{studentID}", familyHandler.DeactivateStudent)
			admin.Post("/families/{familyID}/sessions/consume", familyHandler.ConsumeSession)
			admin.Patch("/enrollments/{enrollmentID}", enrollHandler.Transition)
			admin.With(idem.Middleware).Post("/invoices", invoiceHandler.Create)
			admin.Post("/invoices/{invoiceID}/lines", invoiceHandler.AddLine)
			admin.Delete("/invoices/{invoiceID}/lines/{lineID}", invoiceHandler.RemoveLine)
			admin.Post("/invoices/{invoiceID}/transition", invoiceHandler.Transition)
			admin.With(idem.Middleware).Post("/invoices/{invoiceID}/payments", invoiceHandler.RecordPayment)
		})

		v.With(ratelimit.Middleware{L: webhookLimiter}.Handler).
			Post("/payments/webhook/stripe", webhookHandler.Handle)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown")
	}
	logger.Info().Msg("server stopped")
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func pprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/heap", pprof.Handler("heap"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/allocs", pprof.Handler("allocs"))
	return mux
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}
