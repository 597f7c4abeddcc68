package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"creditledger/internal/config"
	"creditledger/internal/handler"
	"creditledger/internal/infrastructure/cache"
	"creditledger/internal/infrastructure/database"
	"creditledger/internal/infrastructure/lock"
	"creditledger/internal/infrastructure/matcher"
	"creditledger/internal/infrastructure/mq"
	"creditledger/internal/infrastructure/processor"
	"creditledger/internal/job"
	"creditledger/internal/metrics"
	"creditledger/internal/repository"
	"creditledger/internal/service"
	"creditledger/pkg/idgen"
	"creditledger/pkg/logger"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "启动失败: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env 可选
	_ = godotenv.Load()

	configPath := os.Getenv("LEDGER_CONFIG")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	// 加载配置
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer log.Sync()

	// 初始化 ID 生成器
	ids, err := idgen.New(cfg.Server.WorkerID)
	if err != nil {
		return err
	}

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 初始化 MySQL
	db, err := database.InitMySQL(&cfg.MySQL, log)
	if err != nil {
		return err
	}

	// 初始化 Redis（未配置时不使用缓存和分布式锁）
	redisClient, err := cache.InitRedis(ctx, &cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient == nil {
		log.Warn("未配置 Redis，余额缓存和对账锁已禁用")
	} else {
		defer redisClient.Close()
	}

	// 初始化撮合服务
	matcherClient, err := matcher.Dial(cfg.Matcher.Address)
	if err != nil {
		return err
	}
	defer matcherClient.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mt := metrics.New(registry)

	transactionRepo := repository.NewTransactionRepository(db)
	discrepancyRepo := repository.NewDiscrepancyRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)

	balanceCache := cache.NewBalanceCache(redisClient, time.Duration(cfg.Ledger.BalanceCacheTTLSeconds)*time.Second)
	balanceReader := service.NewBalanceReader(transactionRepo, balanceCache, log)
	topics := cfg.Kafka.OutboxTopics()
	recorder := service.NewRecorder(transactionRepo, balanceCache, ids, topics.LedgerTransaction, log)
	retry := service.RetryPolicy{
		Attempts:  cfg.Ledger.StaleRetryAttempts,
		BaseDelay: time.Duration(cfg.Ledger.StaleRetryBaseMs) * time.Millisecond,
	}

	pricer, err := service.NewPricer(&cfg.Pricing)
	if err != nil {
		return err
	}
	gate := service.NewAdmissionGate(pricer, balanceReader, recorder, matcherClient, retry,
		time.Duration(cfg.Matcher.TimeoutMs)*time.Millisecond, mt, log)

	processorClient := processor.NewClient(cfg.Payment.APIBase, cfg.Payment.SecretKey, 10*time.Second)
	paymentService, err := service.NewPaymentService(&cfg.Payment, transactionRepo, balanceReader, recorder, processorClient, retry, mt, log)
	if err != nil {
		return err
	}

	// 启动后台任务
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := mq.InitKafka(&cfg.Kafka)
		if err != nil {
			return err
		}
		defer producer.Close()

		outboxSender := job.NewOutboxSender(outboxRepo, producer, cfg.Business.MaxRetryCount, log)
		go outboxSender.Start(ctx)
	} else {
		log.Warn("未配置 Kafka，不发布账本事件")
	}

	reconcileJob := job.NewReconcileJob(
		transactionRepo,
		discrepancyRepo,
		transactionRepo,
		lock.NewReconcileLock(redisClient, time.Duration(cfg.Reconcile.LockTTLSeconds)*time.Second),
		ids,
		mt,
		job.ReconcileOptions{
			Interval:    time.Duration(cfg.Reconcile.IntervalSeconds) * time.Second,
			BatchSize:   cfg.Reconcile.BatchSize,
			Parallelism: cfg.Reconcile.Parallelism,
			Topic:       topics.LedgerDiscrepancy,
		},
		log,
	)
	go reconcileJob.Start(ctx)

	// 设置路由
	h := handler.NewHandler(handler.Services{
		Account:     service.NewAccountService(balanceReader, transactionRepo),
		Admission:   gate,
		Payment:     paymentService,
		Adjustment:  service.NewAdjustmentService(balanceReader, recorder, retry, mt, log),
		Discrepancy: service.NewDiscrepancyService(discrepancyRepo),
	}, cfg.Matcher, log)
	router := handler.SetupRouter(h, cfg.Auth, registry, log)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("服务启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("服务启动失败: %w", err)
	}

	log.Info("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("服务关闭异常", zap.Error(err))
	}

	log.Info("服务已关闭")
	return nil
}
