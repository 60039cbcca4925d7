// Package main 是压测平台网关服务的入口点。
// 网关对外提供 REST、SSE 和 WebSocket 接口，并在进程内运行任务编排器。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/oriys/surge/internal/account"
	"github.com/oriys/surge/internal/api"
	"github.com/oriys/surge/internal/auth"
	"github.com/oriys/surge/internal/config"
	"github.com/oriys/surge/internal/domain"
	"github.com/oriys/surge/internal/events"
	"github.com/oriys/surge/internal/loadgen"
	"github.com/oriys/surge/internal/logstream"
	"github.com/oriys/surge/internal/metrics"
	"github.com/oriys/surge/internal/orchestrator"
	"github.com/oriys/surge/internal/registry"
	"github.com/oriys/surge/internal/report"
	"github.com/oriys/surge/internal/storage"
	"github.com/oriys/surge/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/ulule/limiter/v3"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// version 在构建时通过 -ldflags "-X main.version=..." 注入
var version = "dev"

func main() {
	// 本地开发时从 .env 读取环境变量，文件不存在时忽略
	_ = godotenv.Load()

	// 默认配置文件路径为 /etc/surge/config.yaml，文件不存在时使用默认配置
	configPath := flag.String("config", "/etc/surge/config.yaml", "Path to config file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)
	logger.AddHook(telemetry.NewLogrusHook())

	cfg, fromFile, err := loadConfig(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load config")
	}
	applyLogging(logger, cfg.Logging)
	if !fromFile {
		logger.WithField("path", *configPath).Warn("Config file not found, using defaults")
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Fatal("auth.jwt_secret is required (or set SURGE_AUTH_JWT_SECRET)")
	}

	logger.WithFields(logrus.Fields{
		"version": version,
		"storage": cfg.Storage.Driver,
		"port":    cfg.Server.HTTPPort,
	}).Info("Starting Surge Gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 初始化分布式追踪，未启用时使用空实现
	tel, err := telemetry.New(ctx, cfg.Telemetry, version)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize telemetry")
	}

	// 初始化存储层，可选 PostgreSQL 或进程内存储
	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize storage")
	}
	defer store.Close()
	checks := []api.ReadinessCheck{{Name: "storage", Pinger: store}}

	// 多实例部署时通过 Redis 共享任务锁、容量账本、已注销令牌和登录计数
	var (
		locker       orchestrator.Locker
		capacity     orchestrator.CapacityManager
		revoker      auth.Revoker = auth.NewMemoryRevoker()
		limiterStore limiter.Store
	)
	if cfg.Storage.Redis.Address != "" {
		redisStore, err := storage.NewRedisStore(ctx, cfg.Storage.Redis)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redisStore.Close()

		locker = orchestrator.NewRedisLocker(redisStore, 30*time.Second, 10*time.Second, logger)
		capacity = orchestrator.NewSharedCapacity(redisStore, cfg.Orchestrator.MaxConcurrentTasks, cfg.Orchestrator.MaxTotalClients)
		revoker = redisStore
		limiterStore, err = sredis.NewStoreWithOptions(redisStore.Client(), limiter.StoreOptions{
			Prefix: cfg.Storage.Redis.KeyPrefix + "login",
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to create rate limit store")
		}
		checks = append(checks, api.ReadinessCheck{Name: "redis", Pinger: redisStore})
		logger.WithField("address", cfg.Storage.Redis.Address).Info("Connected to Redis")
	} else {
		locker = orchestrator.NewLocalLocker()
	}

	// 连接 NATS 发布领域事件，未配置时丢弃事件
	var publisher events.Publisher = events.Nop{}
	var listener events.Listener
	if cfg.Events.NatsURL != "" {
		bus, err := events.NewEventBus(cfg.Events.NatsURL, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to NATS")
		}
		defer bus.Close()
		publisher = bus
		listener = bus
		logger.WithField("url", cfg.Events.NatsURL).Info("Connected to NATS")
	}

	// 初始化指标收集器
	var m *metrics.Metrics
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(cfg.Metrics.Namespace)
		metricsHandler = promhttp.Handler()
	}

	// 日志流、报告生成器和任务编排器
	stream := logstream.NewStream(store, logger)
	generator := report.NewGenerator(store, publisher, logger)

	deps := orchestrator.Deps{
		Store:    store,
		Logs:     stream,
		Reports:  generator,
		Locker:   locker,
		Capacity: capacity,
		Executor: loadgen.NewEngine(),
		Events:   publisher,
		Listener: listener,
		Logger:   logger,
	}
	if m != nil {
		generator.SetRecorder(m)
		deps.Recorder = m
		m.ObserveLogSubscribers(cfg.Metrics.Namespace, stream.Broadcaster().Total)
	}
	orch := orchestrator.New(cfg.Orchestrator, deps)

	registrySvc := registry.NewService(store, orch, locker, publisher, logger, registry.Options{
		ConcurrencyOptions: cfg.Registry.ConcurrencyOptions,
		DurationOptions:    cfg.Registry.DurationOptions,
	})

	// 账号与认证
	jwtManager := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiration, cfg.Auth.RefreshExpiration)
	accounts := account.NewService(store, jwtManager, revoker, logger)
	authMiddleware := auth.NewMiddleware(jwtManager, revoker, accounts, cfg.Auth.UserCacheTTL)
	accounts.OnUserChange(authMiddleware.InvalidateUser)
	feedback := account.NewFeedbackService(store, logger)

	if cfg.Auth.AdminPassword != "" {
		admin, err := accounts.EnsureAdmin(ctx, cfg.Auth.AdminUsername, cfg.Auth.AdminEmail, cfg.Auth.AdminPassword)
		if err != nil {
			logger.WithError(err).Fatal("Failed to ensure admin account")
		}
		logger.WithField("username", admin.Username).Info("Admin account ready")
	} else {
		logger.Warn("SURGE_ADMIN_PASSWORD not set, skipping admin bootstrap")
	}

	// 恢复遗留任务并启动工作协程
	if err := orch.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start orchestrator")
	}

	handler := api.NewHandler(api.HandlerConfig{
		Registry:       registrySvc,
		Tasks:          orch,
		Logs:           stream,
		Reports:        generator,
		Accounts:       accounts,
		Feedback:       feedback,
		Stats:          store,
		Auth:           authMiddleware,
		Checks:         checks,
		Logger:         logger,
		Debug:          cfg.Server.Debug,
		AllowedOrigins: cfg.Server.CORSOrigins,
	})

	loginLimiter, err := api.NewLoginLimiter(cfg.RateLimit.Login, limiterStore)
	if err != nil {
		logger.WithError(err).Fatal("Invalid login rate limit")
	}

	router := api.NewRouter(&api.RouterConfig{
		Handler:        handler,
		Auth:           authMiddleware,
		Metrics:        m,
		MetricsHandler: metricsHandler,
		LoginLimiter:   loginLimiter,
		CORSOrigins:    cfg.Server.CORSOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
		ServiceName:    cfg.Telemetry.ServiceName,
		Logger:         logger,
	})

	// 配置文件变化时热更新日志级别和格式，其余配置需要重启生效
	if fromFile {
		err := config.Watch(ctx, *configPath, func(next *config.Config) {
			applyLogging(logger, next.Logging)
			logger.WithField("level", logger.GetLevel().String()).Info("Config reloaded")
		}, func(err error) {
			logger.WithError(err).Warn("Config reload failed")
		})
		if err != nil {
			logger.WithError(err).Warn("Failed to watch config file")
		}
	}

	// WriteTimeout 为 0，日志流连接由处理器自行控制生命周期
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.WithField("port", cfg.Server.HTTPPort).Info("HTTP server started")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("HTTP server error")
		}
	}()

	// 等待终止信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gateway...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown error")
	}

	// 中断进行中的压测，未完成的任务标记为失败
	orch.Stop()

	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Telemetry shutdown error")
	}

	logger.Info("Gateway stopped")
}

// loadConfig 加载配置文件，文件不存在时返回默认配置。
func loadConfig(path string) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), false, nil
	}
	return nil, false, err
}

// openStore 按驱动创建存储。
func openStore(ctx context.Context, cfg config.StorageConfig) (domain.Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "memory":
		return storage.NewMemoryStore()
	case "", "postgres":
		return storage.NewPostgresStore(ctx, cfg.Postgres)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// applyLogging 按配置设置日志级别和格式，非法级别保持不变。
func applyLogging(logger *logrus.Logger, cfg config.LoggingConfig) {
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
}
