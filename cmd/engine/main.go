package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/autonomy-engine/internal/arbiter"
	"github.com/xela07ax/autonomy-engine/internal/audit"
	"github.com/xela07ax/autonomy-engine/internal/authz"
	"github.com/xela07ax/autonomy-engine/internal/domain"
	"github.com/xela07ax/autonomy-engine/internal/executor"
	"github.com/xela07ax/autonomy-engine/internal/infra"
	"github.com/xela07ax/autonomy-engine/internal/infra/auth"
	"github.com/xela07ax/autonomy-engine/internal/ledger"
	"github.com/xela07ax/autonomy-engine/internal/repository/postgres"
	"github.com/xela07ax/autonomy-engine/internal/server"
	"github.com/xela07ax/autonomy-engine/internal/server/handler"
	"github.com/xela07ax/autonomy-engine/internal/server/service"
	"github.com/xela07ax/autonomy-engine/internal/taskqueue"
	"go.uber.org/zap"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	// Контекст жизни процесса: SIGINT/SIGTERM запускают graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Инициализация ресурсов (Postgres, Redis)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	pgRepo, err := postgres.NewRepo(pingCtx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		logger.Fatal("postgres init", zap.Error(err))
	}
	defer pgRepo.Close()
	if err := pgRepo.Ping(pingCtx); err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Fatal("redis unreachable", zap.Error(err))
	}
	cancel()

	// 3. Метрики и аудит
	promReg := prometheus.NewRegistry()
	metrics := infra.NewMetrics(promReg)

	trail := audit.NewTrail(pgRepo, metrics, logger, cfg.Engine.AuditBufferSize, cfg.Engine.AuditFlushInterval)
	trail.Start()
	defer trail.Stop() // Дожимаем буфер аудита в самом конце

	// 4. Авторизация: RAM-кэш грантов + евалюатор
	grantCache := authz.NewGrantCache(pgRepo, rdb, logger)
	if err := grantCache.Refresh(ctx); err != nil {
		logger.Fatal("grant cache warmup", zap.Error(err))
	}
	go grantCache.StartListener(ctx)

	throttle := ledger.NewThrottle(rdb)
	evaluator := authz.NewEvaluator(grantCache, throttle, metrics, logger)
	conflictArbiter := arbiter.New(pgRepo, logger)

	// 5. Леджер интервенций и cron-свип
	ledgerSvc := ledger.New(pgRepo, pgRepo, evaluator, conflictArbiter, throttle, rdb, trail, metrics, logger, cfg.Engine.ProposalTTL)

	sweeper := ledger.NewSweeper(pgRepo, pgRepo, throttle, rdb, trail, metrics, logger,
		cfg.Engine.SweepInterval, cfg.Engine.ConsentTimeout)
	go sweeper.Run(ctx)

	// 6. Асинхронная очередь доставки + dead letters
	queue := taskqueue.New(pgRepo, pgRepo, deliveryHandler(logger), trail, metrics, logger, taskqueue.Options{
		Workers:       cfg.Queue.Workers,
		MaxRetries:    cfg.Queue.MaxRetries,
		LockLease:     cfg.Queue.LockLease,
		HandleTimeout: cfg.Queue.HandleTimeout,
		PollInterval:  cfg.Queue.PollInterval,
	})
	go queue.Start(ctx)

	deadLetters := taskqueue.NewDeadLetters(pgRepo, queue, trail, logger)

	// 7. Исполнитель: реестр диспетчеров под защитой Circuit Breaker
	integrations := executor.NewProtectedDispatcher(&executor.MockDispatcher{}, executor.ReliabilityOptions{
		Name:        "integrations",
		MaxRequests: cfg.Engine.CBMaxRequests,
		Interval:    cfg.Engine.CBInterval,
		Timeout:     cfg.Engine.CBTimeout,
		Rate:        cfg.Engine.DispatchRate,
		Burst:       cfg.Engine.DispatchBurst,
		CallTimeout: cfg.Engine.DispatchTimeout,
	}, metrics)

	registry := executor.NewRegistry()
	registry.Register("notify_user", executor.NewNotifyDispatcher(queue))
	for _, t := range []string{"schedule_event", "create_task", "log_health", "log_sleep", "log_expense"} {
		registry.Register(t, integrations)
	}

	exec := executor.New(pgRepo, pgRepo, registry, rdb, trail, metrics, logger,
		cfg.Engine.ExecutorWorkers, cfg.Engine.ClaimInterval)
	go exec.Start(ctx)

	// 8. HTTP-периметр
	publicKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		logger.Fatal("parse public key", zap.Error(err))
	}
	privateKey, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		logger.Fatal("parse private key", zap.Error(err))
	}

	authService := service.NewAuthService(pgRepo, auth.NewBaseValidator(publicKey), privateKey, cfg.Auth.TokenTTL)
	grantService := service.NewGrantService(pgRepo, grantCache, trail, logger)

	srv := server.NewServer(cfg, logger,
		authService,
		handler.NewAuthHandler(authService, logger),
		handler.NewInterventionHandler(ledgerSvc),
		handler.NewGrantHandler(grantService),
		handler.NewConflictHandler(conflictArbiter),
		handler.NewProfileHandler(pgRepo),
		handler.NewDeadLetterHandler(deadLetters),
		handler.NewAuditHandler(pgRepo),
	)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.Info("engine API started", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	// Метрики на отдельном порту: не светим их наружу через основной периметр
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown", zap.Error(err))
	}
	logger.Info("engine stopped")
}

// deliveryHandler — доставка сообщений для дев-стенда: пишет в лог.
// Боевые каналы (sms, email) подключаются сюда же через Handler.
func deliveryHandler(logger *zap.Logger) taskqueue.Handler {
	log := logger.Named("delivery")
	return taskqueue.HandlerFunc(func(ctx context.Context, t *domain.AsyncTask) (string, error) {
		log.Info("message delivered",
			zap.String("task_id", t.ID),
			zap.String("channel", t.Channel),
			zap.String("reply_to", t.ReplyTo))
		return "delivered", nil
	})
}
