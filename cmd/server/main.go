package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/biometric"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/scheduler"
	"github.com/stemsi/exstem-proctor/internal/security"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("rate_limit_backend", cfg.RateLimitBackend).
		Msg("Starting ExStem Proctor")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	examRepo := repository.NewExamRepository(pool)
	sessionRepo := repository.NewExamSessionRepository(pool)
	responseRepo := repository.NewResponseRepository(pool)
	draftRepo := repository.NewAnswerDraftRepository(pool)
	attemptRepo := repository.NewVerificationRepository(pool)
	eventRepo := repository.NewSecurityEventRepository(pool)
	monitorRepo := repository.NewMonitorRepository(pool, rdb)
	answerCache := repository.NewAnswerCache(rdb, cfg.CacheGracePeriod, cfg.UnlimitedSessionTTL)
	jobQueue := repository.NewJobQueue(rdb)

	// ─── Security Monitor ──────────────────────────────────────────────
	// Events always go through Redis: the monitor feed subscribes there and
	// the event worker drains the persistence queue.
	var (
		limitStore  security.Store
		memoryStore *security.MemoryStore
	)
	if cfg.RateLimitBackend == "memory" {
		memoryStore = security.NewMemoryStore()
		limitStore = memoryStore
	} else {
		limitStore = security.NewRedisStore(rdb)
	}

	thresholds := security.DefaultAnomalyThresholds()
	thresholds.Threshold = cfg.AnomalyThreshold
	monitor := security.NewMonitor(
		security.NewRateLimiter(limitStore, nil),
		security.NewAnomalyDetector(thresholds),
		security.NewSessionValidator(cfg.MaxSessionDuration),
		security.NewEventLog(security.NewRedisEventStore(rdb, cfg.SecurityEventCap)),
		log,
	)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg)
	verificationService := service.NewVerificationService(
		attemptRepo,
		biometric.NewHTTPReferenceStore(cfg.ReferenceImageURL, cfg.MaxLiveImageBytes, cfg.BiometricTimeout),
		biometric.NewHTTPComparer(cfg.BiometricURL, cfg.BiometricTimeout),
		monitor,
		cfg.VerificationWindow,
		cfg.BiometricTimeout,
		cfg.MaxLiveImageBytes,
		log,
	)
	reconciler := service.NewReconciler(responseRepo, log)
	sessionService := service.NewSessionService(service.SessionDeps{
		Sessions:   sessionRepo,
		Exams:      examRepo,
		Responses:  responseRepo,
		Drafts:     draftRepo,
		Cache:      answerCache,
		Queue:      jobQueue,
		Gate:       verificationService,
		Monitor:    monitor,
		Reconciler: reconciler,
	}, log)
	defer sessionService.Close()
	monitorService := service.NewMonitorService(monitorRepo)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Session:      handler.NewSessionHandler(sessionService, log),
		Verification: handler.NewVerificationHandler(verificationService, cfg.MaxLiveImageBytes, log),
		WS:           handler.NewWSHandler(sessionService, log, cfg.AllowedOrigins),
		Monitor:      handler.NewMonitorHandler(rdb, examRepo, monitor, monitorService, log),
		System:       handler.NewSystemHandler(pool, rdb, sessionService, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	draftWorker := worker.NewDraftWorker(draftRepo, rdb, log)
	eventWorker := worker.NewSecurityEventWorker(eventRepo, rdb, log)
	reconcileWorker := worker.NewReconcileWorker(sessionService, jobQueue, rdb, cfg.ReconcileMaxAttempts, cfg.ReconcileRetryBackoff, log)

	workers.Go(func() { draftWorker.Start(workerCtx) })
	workers.Go(func() { eventWorker.Start(workerCtx) })
	workers.Go(func() { reconcileWorker.Start(workerCtx) })

	// ─── Start Scheduler ──────────────────────────────────────────────
	sched := scheduler.New(scheduler.Jobs{
		Sessions: sessionService,
		Events:   eventRepo,
		Drafts:   draftRepo,
		Limiter:  memoryStore,
	}, cfg.OverdueSweepInterval, cfg.SecurityEventRetention, log)
	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	var ipLimiter *middleware.IPRateLimiter
	if cfg.HTTPRateLimit > 0 {
		ipLimiter = middleware.NewIPRateLimiter(limitStore, cfg.HTTPRateLimit, cfg.HTTPRateWindow, log)
	}
	r := router.SetupRouter(authService, handlers, ipLimiter, cfg, log)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests. Hijacked websocket connections
	// are not tracked by Shutdown and close with the process.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. No new sweeps, then let in-flight queue jobs finish.
	sched.Stop()
	workerCancel()
	workers.Wait()

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
