// jobmate-alert-service
//
// Periodically re-runs every active job alert against the job-search
// provider and emails each owner the listings they have not been sent yet.
//
//   - cron scheduler fans alerts out onto a Redis-backed queue
//   - a rate-limited worker runs one alert check per item
//   - the notification ledger in PostgreSQL guarantees at most one email per
//     (user, listing)
//   - a circuit breaker pauses the queue after repeated provider rate limits
//
// Without Redis the service runs degraded: alerts are checked inline, spaced
// by ALERT_SPACING. Operators drive the queue over the admin gRPC service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"jobmate/alert-service/internal/admin"
	"jobmate/alert-service/internal/alert"
	"jobmate/alert-service/internal/breaker"
	"jobmate/alert-service/internal/config"
	"jobmate/alert-service/internal/db"
	"jobmate/alert-service/internal/engine"
	"jobmate/alert-service/internal/events"
	"jobmate/alert-service/internal/ledger"
	"jobmate/alert-service/internal/mailer"
	"jobmate/alert-service/internal/metrics"
	"jobmate/alert-service/internal/queue"
	"jobmate/alert-service/internal/scheduler"
	"jobmate/alert-service/internal/scraper"
)

const version = "1.0.0"

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "[alert-service] .env: %v\n", err)
	}

	// ── Config ──────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[alert-service] Config error: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[alert-service] Logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	// ── PostgreSQL ───────────────────────────────────────────────────────────
	log.Info("connecting to PostgreSQL")
	pool, err := db.NewPostgresPool(ctx, cfg.DatabaseURL, 0)
	if err != nil {
		log.Fatal("postgres", zap.Error(err))
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatal("postgres migrate", zap.Error(err))
	}
	store := ledger.NewPostgresStore(pool)
	log.Info("PostgreSQL connected")

	// ── Redis ────────────────────────────────────────────────────────────────
	// The producer connection also carries push events; losing it only costs
	// the queue when QUEUE_BACKEND=redis.
	rdbProducer, err := db.NewRedisClient(ctx, cfg.RedisURL, db.RedisProducer)
	if err != nil {
		log.Warn("redis unavailable", zap.Error(err))
	} else {
		defer rdbProducer.Close()
	}

	var backend queue.Backend
	switch cfg.QueueBackend {
	case config.QueueMemory:
		backend = queue.NewMemoryQueue()
	case config.QueueRedis:
		if rdbProducer != nil {
			rdbConsumer, err := db.NewRedisClient(ctx, cfg.RedisURL, db.RedisConsumer)
			if err != nil {
				log.Warn("redis consumer unavailable", zap.Error(err))
			} else {
				defer rdbConsumer.Close()
				backend = queue.NewRedisQueue(rdbProducer, rdbConsumer)
			}
		}
	}
	if backend == nil {
		log.Warn("running in degraded mode: alerts are processed inline")
	}

	// ── Alert pipeline ───────────────────────────────────────────────────────
	smtp, err := mailer.New(mailer.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.MailFrom,
	})
	if err != nil {
		log.Fatal("mailer", zap.Error(err))
	}

	var sink alert.EventSink
	if rdbProducer != nil {
		sink = events.NewRedisSink(rdbProducer)
	}

	fetcher := scraper.NewAdzunaFetcher(cfg.AdzunaAppID, cfg.AdzunaAppKey, cfg.AdzunaCountry, cfg.AdzunaMaxPages)
	proc := alert.NewProcessor(fetcher, ledger.New(store, log), smtp, sink, m, log)

	var adminSrv *admin.Server
	var pauser breaker.Pauser
	if backend != nil {
		pauser = backend
	}
	br := breaker.New(breaker.Config{
		Threshold: cfg.BreakerThreshold,
		Cooldown:  cfg.BreakerCooldown,
		OnStateChange: func(from, to breaker.State) {
			open := to == breaker.Paused
			m.SetBreakerOpen(open)
			if adminSrv != nil {
				adminSrv.SetBreakerOpen(open)
			}
			log.Warn("breaker state changed", zap.Stringer("from", from), zap.Stringer("to", to))
		},
	}, pauser, log)
	defer br.Stop()

	var producer *queue.Producer
	if backend != nil {
		producer = queue.NewProducer(backend, queue.ProducerConfig{
			Bucket:      cfg.IDBucket,
			Spacing:     cfg.Spacing,
			MaxAttempts: cfg.MaxAttempts,
		}, log)
	}

	eng := engine.New(store, producer, proc, br, m, log)
	adminSrv = admin.NewServer(eng, log)

	// ── Worker ───────────────────────────────────────────────────────────────
	workerDone := make(chan struct{})
	if backend != nil {
		w := queue.NewWorker(backend, proc.Handle, br, queue.WorkerConfig{
			Concurrency:       cfg.WorkerConcurrency,
			RequestsPerMinute: cfg.ProviderRPM,
			Backoff:           queue.Exponential{Initial: cfg.BackoffBase, Max: 30 * time.Minute},
			Retryable:         scraper.Retryable,
		}, m, log)
		go func() {
			defer close(workerDone)
			w.Run(ctx)
		}()
	} else {
		close(workerDone)
	}

	// ── Scheduler ────────────────────────────────────────────────────────────
	sched := scheduler.New(scheduler.Config{
		Interval: cfg.CheckInterval,
		Spacing:  cfg.Spacing,
	}, store, producer, proc, br, m, log)
	if err := sched.Start(ctx); err != nil {
		log.Fatal("scheduler", zap.Error(err))
	}

	// ── Admin gRPC server ────────────────────────────────────────────────────
	lis, err := net.Listen("tcp", ":"+cfg.AdminPort)
	if err != nil {
		log.Fatal("admin listen", zap.Error(err))
	}
	gs := grpc.NewServer()
	adminSrv.Register(gs)
	go func() {
		log.Info("admin gRPC listening", zap.String("port", cfg.AdminPort))
		if err := gs.Serve(lis); err != nil {
			log.Error("admin gRPC server error", zap.Error(err))
		}
	}()

	// ── HTTP server ──────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler(eng, rdbProducer))
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("alert-service listening", zap.String("version", version), zap.String("port", cfg.Port), zap.String("mode", string(eng.Mode())))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	sched.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown error", zap.Error(err))
	}
	adminSrv.Shutdown()
	gs.GracefulStop()

	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		log.Warn("worker did not stop in time")
	}
	log.Info("stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	log, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return log.With(zap.String("service", "alert-service")), nil
}

func healthHandler(eng *engine.Engine, rdb *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		if rdb != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := rdb.Ping(ctx).Err(); err != nil {
				status = "degraded"
			}
		}
		brk := eng.Breaker()
		if brk.State == breaker.Paused.String() {
			status = "paused"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":  status,
			"service": "alert-service",
			"version": version,
			"mode":    eng.Mode(),
			"breaker": brk,
		})
	}
}
