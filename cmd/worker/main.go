package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-dojo/internal/config"
	"github.com/noah-isme/backend-dojo/internal/discount"
	"github.com/noah-isme/backend-dojo/internal/events"
	"github.com/noah-isme/backend-dojo/internal/obs"
	"github.com/noah-isme/backend-dojo/internal/store"
	"github.com/noah-isme/backend-dojo/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("component", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := mustInitDatabase(ctx, cfg, logger)
	defer pool.Close()
	queries := store.New(pool)

	redisClient, redisOpts := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	taskClient := asynq.NewClient(asynq.RedisClientOpt{Addr: redisOpts.Addr, Password: redisOpts.Password, DB: redisOpts.DB})
	defer func() {
		if err := taskClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close task client")
		}
	}()

	bus := &events.Bus{Store: queries, Tasks: taskClient, Logger: logger}
	discountSvc := &discount.Service{Q: queries, Logger: logger}

	w := worker{
		Q:        queries,
		Discount: discountSvc,
		Bus:      bus,
		Logger:   logger,
	}

	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeDiscountEvaluate, w.handleDiscountEvaluate)
	mux.HandleFunc(tasks.TypeOverdueNotify, w.handleOverdueNotify)

	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: redisOpts.Addr, Password: redisOpts.Password, DB: redisOpts.DB},
		asynq.Config{
			Concurrency: envInt("WORKER_CONCURRENCY", 10),
			Queues:      map[string]int{"default": 1},
			Logger:      asynqLogger{logger},
		},
	)

	scheduler := asynq.NewScheduler(
		asynq.RedisClientOpt{Addr: redisOpts.Addr, Password: redisOpts.Password, DB: redisOpts.DB},
		&asynq.SchedulerOpts{Logger: asynqLogger{logger}},
	)
	overdueCron := envOrDefault("OVERDUE_SWEEP_CRON", "0 8 * * *")
	if _, err := scheduler.Register(overdueCron, tasks.NewOverdueNotifyTask()); err != nil {
		logger.Fatal().Err(err).Msg("register overdue sweep")
	}

	go func() {
		if err := scheduler.Run(); err != nil {
			logger.Error().Err(err).Msg("scheduler stopped")
		}
	}()

	logger.Info().Msg("worker starting")
	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start worker")
	}
	<-ctx.Done()
	scheduler.Shutdown()
	srv.Shutdown()
	logger.Info().Msg("worker shutdown complete")
}

type worker struct {
	Q        *store.Store
	Discount *discount.Service
	Bus      *events.Bus
	Logger   zerolog.Logger
}

// handleDiscountEvaluate replays the persisted event through the rule engine.
// Returning an error lets asynq retry; per-event unique assignments keep
// retries idempotent.
func (w worker) handleDiscountEvaluate(ctx context.Context, t *asynq.Task) error {
	var payload tasks.DiscountEvaluatePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", asynq.SkipRetry)
	}
	ev, err := w.Q.GetDomainEvent(ctx, payload.EventID)
	if err != nil {
		return fmt.Errorf("load event %s: %w", payload.EventID, err)
	}
	var envelope events.Payload
	if err := json.Unmarshal(ev.Payload, &envelope); err != nil {
		w.Logger.Error().Err(err).Str("event_id", ev.ID.String()).Msg("event payload undecodable")
		return asynq.SkipRetry
	}

	assigned, err := w.Discount.Evaluate(ctx, discount.EvaluateInput{
		EventID:  ev.ID,
		FamilyID: payload.FamilyID,
		Event: discount.Event{
			Trigger:    payload.Trigger,
			OccurredAt: ev.OccurredAt,
			BeltRank:   contextString(envelope.Context, "belt_rank"),
			Program:    contextString(envelope.Context, "program"),
			Attendance: contextInt32(envelope.Context, "attendance"),
			AgeYears:   contextInt32(envelope.Context, "age_years"),
		},
	})
	if err != nil {
		return fmt.Errorf("evaluate rules for event %s: %w", ev.ID, err)
	}
	if len(assigned) > 0 {
		w.Logger.Info().Str("event_id", ev.ID.String()).Str("trigger", payload.Trigger).
			Int("codes", len(assigned)).Msg("discount codes assigned")
	}
	return nil
}

// handleOverdueNotify sweeps unpaid invoices past due and emits one notice
// event per invoice. The stored status is never touched; overdue stays a
// read-time derivation.
func (w worker) handleOverdueNotify(ctx context.Context, _ *asynq.Task) error {
	invoices, err := w.Q.ListOverdueInvoices(ctx)
	if err != nil {
		return fmt.Errorf("list overdue invoices: %w", err)
	}
	for _, inv := range invoices {
		entity, err := w.Q.GetEntity(ctx, inv.EntityID)
		if err != nil {
			w.Logger.Error().Err(err).Str("invoice", inv.Number).Msg("resolve invoice entity")
			continue
		}
		payload := events.Payload{Context: map[string]any{
			"invoice_number": inv.Number,
			"due_cents":      inv.TotalCents - inv.AmountPaidCents,
		}}
		if entity.FamilyID != nil {
			payload.FamilyID = *entity.FamilyID
		}
		if _, err := w.Bus.Emit(ctx, events.TopicInvoiceOverdueNotice, inv.ID, payload); err != nil {
			w.Logger.Error().Err(err).Str("invoice", inv.Number).Msg("emit overdue notice")
			continue
		}
		w.Logger.Info().Str("invoice", inv.Number).
			Int64("due_cents", inv.TotalCents-inv.AmountPaidCents).Msg("overdue notice queued")
	}
	return nil
}

func contextString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}

func contextInt32(m map[string]any, key string) int32 {
	if m == nil {
		return 0
	}
	// JSON numbers decode as float64.
	if f, ok := m[key].(float64); ok {
		return int32(f)
	}
	return 0
}

type asynqLogger struct{ l zerolog.Logger }

func (a asynqLogger) Debug(args ...any) { a.l.Debug().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...any)  { a.l.Info().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...any)  { a.l.Warn().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...any) { a.l.Error().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...any) { a.l.Fatal().Msg(fmt.Sprint(args...)) }

func mustInitDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "dojo-worker"
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*redis.Client, *redis.Options) {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return redisClient, redisOpts
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(val), "%d", &n); err == nil {
			return n
		}
	}
	return fallback
}
