package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/market2agent/internal/connectors"
	"github.com/xela07ax/market2agent/internal/infra"
	"github.com/xela07ax/market2agent/internal/lock"
	"github.com/xela07ax/market2agent/internal/provisioner"
	"github.com/xela07ax/market2agent/internal/repository/postgres"
	"github.com/xela07ax/market2agent/internal/runfs"
	"github.com/xela07ax/market2agent/internal/runner"
	"github.com/xela07ax/market2agent/internal/scheduler"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	// Контекст для управления жизненным циклом фоновых горутин
	// SIGTERM/SIGINT гасят планировщик и дают дорисоваться текущим прогонам
	appCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 2. Инфраструктура и ресурсы
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	repo, err := postgres.NewAgentRepo(appCtx, postgres.Config{
		URL:      cfg.Database.URL,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		logger.Fatal("failed to init postgres", zap.Error(err))
	}
	defer repo.Close()

	pingCtx, pingCancel := context.WithTimeout(appCtx, 5*time.Second)
	if err := repo.Ping(pingCtx); err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	pingCancel()

	// 3. История запусков: буферизованная запись пачками
	runFS := runfs.New(repo, logger, cfg.RunFS.BufferSize, cfg.RunFS.FlushInterval)
	runFS.Start()

	// 4. Аудит-движок + слой надежности (rate limit, breaker, retries)
	var auditor connectors.DomainAuditor
	if cfg.Auditor.BaseURL != "" {
		auditor = connectors.NewHTTPAdapter(cfg.Auditor.BaseURL, cfg.Auditor.RequestTimeout)
	} else {
		// Без внешнего движка работаем на моке: удобно для локальной отладки
		logger.Warn("auditor.base_url is empty, using mock auditor")
		auditor = &connectors.MockAuditor{}
	}
	safeAuditor := connectors.NewReliabilityWrapper(auditor,
		cfg.Auditor.RateLimit, cfg.Auditor.RateBurst, cfg.Auditor.RequestTimeout)

	// 5. Метрики
	reg := prometheus.NewRegistry()
	metrics := scheduler.NewMetrics(reg)

	// Экспортируем метрики для Prometheus
	go func() {
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		log.Fatal(http.ListenAndServe(":9090", nil))
	}()

	// 6. Сборка ядра: сигналы переходов, блокировки, исполнитель, планировщик
	signalBus := provisioner.NewRedisSignal(rdb, logger)
	locker := lock.NewRedisLock(rdb)

	exec := runner.New(repo, safeAuditor, runFS, signalBus, logger, cfg.Scheduler.ExecutionTimeout)
	sched := scheduler.New(repo, locker, exec, runFS, metrics, logger, cfg.Scheduler)

	logger.Info("agentd started",
		zap.Duration("tick_interval", cfg.Scheduler.TickInterval),
		zap.Int("max_workers", cfg.Scheduler.MaxWorkers))

	// Блокируемся до сигнала. Run сам дожидается активных прогонов
	sched.Run(appCtx)

	// 7. Graceful Shutdown: доливаем буфер истории в базу
	logger.Info("agentd stopping, draining run history buffer")
	runFS.Stop()

	if err := rdb.Close(); err != nil {
		logger.Warn("redis close failed", zap.Error(err))
	}
	logger.Info("agentd stopped")
}
