package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"tradecore/internal/auth"
	"tradecore/internal/broker"
	"tradecore/internal/client/alpaca"
	"tradecore/internal/config"
	cronrunner "tradecore/internal/cron"
	"tradecore/internal/db"
	"tradecore/internal/events"
	"tradecore/internal/execution"
	"tradecore/internal/handler"
	"tradecore/internal/lock"
	"tradecore/internal/logger"
	"tradecore/internal/metrics"
	"tradecore/internal/readiness"
	"tradecore/internal/reconcile"
	gormrepository "tradecore/internal/repository/gorm"
	"tradecore/internal/retry"
	"tradecore/internal/risk"
	"tradecore/internal/scheduler"
	"tradecore/internal/service"
	"tradecore/internal/telemetry"

	_ "tradecore/docs"
)

func main() {
	cfgPath := os.Getenv("TC_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("TC_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Log, cfg.App.Name)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.App.Name, cfg.App.Env, cfg.Telemetry, log)
	if err != nil {
		log.Warn("tracer init failed (continuing without traces)", zap.Error(err))
	} else {
		defer shutdownTracer()
	}

	dbConn, err := db.Open(cfg.DB, log)
	if err != nil {
		log.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close(dbConn)

	if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
		log.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(dbConn); err != nil {
		log.Fatal("auto-migrate failed", zap.Error(err))
	}
	store := gormrepository.New(dbConn.Gorm, log)

	rawGateway, alpacaClient := newGateway(cfg.Broker, log)
	policy := retry.New(cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay, cfg.Retry.MaxDelay, broker.IsTransient)
	gateway := broker.NewRetrying(rawGateway, policy, cfg.Broker.Timeout, log)

	publisher := newPublisher(cfg, log)
	locker := newLocker(cfg.Redis, log)

	settingsSvc := &service.SystemSettingsService{Repo: store}
	if err := settingsSvc.EnsureDefaultSwitches(ctx); err != nil {
		log.Warn("init default safety switches failed", zap.Error(err))
	}
	safety := &risk.Manager{Switches: settingsSvc, Logger: log}

	gate := readiness.New(gateway, log)
	executor := &execution.Executor{Store: store, Broker: gateway, Events: publisher, Logger: log}
	sched := &scheduler.Scheduler{
		Store:    store,
		Executor: executor,
		Gate:     gate,
		Safety:   safety,
		Clock:    gateway,
		Events:   publisher,
		Logger:   log,
		Config:   cfg.Scheduler,
	}
	sched.Start(ctx)
	defer sched.Stop()

	engine := &reconcile.Engine{
		Repo:     store,
		Broker:   gateway,
		Gate:     gate,
		Locker:   locker,
		Events:   publisher,
		Executor: executor,
		Logger:   log,
		Config:   cfg.Reconciliation,
	}

	// Slices are only recovered once the broker view is trusted.
	var recoverOnce sync.Once
	gate.OnReady(func() {
		recoverOnce.Do(func() {
			actions, err := sched.Recover(ctx)
			if err != nil {
				log.Error("slice recovery failed", zap.Error(err))
				return
			}
			log.Info("slice recovery complete", zap.Any("actions", actions))
		})
	})

	orderSvc := &service.OrderService{
		Repo:      store,
		Gate:      gate,
		Safety:    safety,
		Executor:  executor,
		Scheduler: sched,
		Settings:  settingsSvc,
		Logger:    log,
		Config:    cfg.Executor,

		DefaultInterval: cfg.Scheduler.DefaultInterval,
	}
	updates := &service.TradeUpdateService{Repo: store, Executor: executor, Events: publisher, Logger: log}
	jwtAuth := auth.JWT{Secret: []byte(cfg.Auth.JWTSecret), TokenTTL: cfg.Auth.TokenTTL}
	if cfg.Auth.JWTSecret == "" {
		log.Warn("auth.jwt_secret is empty; operator endpoints are disabled")
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.PrometheusMiddleware())
	r.Use(corsMiddleware())

	(&handler.HealthHandler{DB: dbConn.Gorm, Gate: gate}).Register(r)
	(&handler.DocsHandler{}).Register(r)
	(&handler.OrderHandler{Repo: store, Orders: orderSvc}).Register(r)
	(&handler.ReconciliationHandler{Engine: engine, Auth: jwtAuth}).Register(r)
	(&handler.OrphanHandler{Repo: store, Engine: engine, Auth: jwtAuth}).Register(r)
	(&handler.PositionHandler{Repo: store}).Register(r)
	(&handler.WebhookHandler{Updates: updates, Secret: cfg.Broker.WebhookSecret, Logger: log}).Register(r)
	(&handler.SystemSettingsHandler{Settings: settingsSvc, Auth: jwtAuth, Logger: log}).Register(r)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: r,
	}

	go engine.StartupLoop(ctx)

	cronRunner := cronrunner.New(log, ctx)
	if cfg.Reconciliation.Enabled {
		if _, err := cronRunner.Add("reconciliation", cfg.Reconciliation.Schedule, cfg.Reconciliation.LockTTL, func(ctx context.Context) error {
			if !gate.IsReady() {
				// StartupLoop owns the startup run.
				return nil
			}
			return engine.Tick(ctx)
		}); err != nil {
			log.Warn("cron register reconciliation failed", zap.Error(err))
		}
		if _, err := cronRunner.Add("orphan-sweep", "@every 10m", time.Minute, func(ctx context.Context) error {
			n, err := engine.SweepOrphans(ctx)
			if n > 0 {
				log.Info("orphans auto-resolved", zap.Int("count", n))
			}
			return err
		}); err != nil {
			log.Warn("cron register orphan sweep failed", zap.Error(err))
		}
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	if cfg.Broker.StreamEnabled && alpacaClient != nil {
		stream := alpaca.NewTradeStream(alpaca.TradeStreamOptions{
			URL:       cfg.Broker.StreamURL,
			KeyID:     cfg.Broker.KeyID,
			SecretKey: cfg.Broker.SecretKey,
			Logger:    log,
		})
		go func() {
			if err := updates.RunStream(ctx, stream); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("trade update stream stopped", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// newGateway returns the configured broker and, for alpaca, the REST client
// the trade stream shares credentials with.
func newGateway(cfg config.BrokerConfig, log *zap.Logger) (broker.Gateway, *alpaca.Client) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "alpaca":
		client := alpaca.NewClient(&http.Client{Timeout: cfg.Timeout}, cfg.BaseURL, cfg.KeyID, cfg.SecretKey)
		log.Info("broker gateway", zap.String("kind", "alpaca"), zap.String("base_url", cfg.BaseURL))
		return broker.NewAlpacaGateway(client), client
	default:
		log.Warn("broker gateway is the in-memory paper simulator", zap.String("kind", cfg.Kind))
		return broker.NewPaper(), nil
	}
}

func newPublisher(cfg config.Config, log *zap.Logger) events.Publisher {
	if !cfg.NATS.Enabled {
		return events.Noop{}
	}
	pub, err := events.NewNATSPublisher(events.NATSOptions{
		URL:           cfg.NATS.URL,
		Name:          cfg.App.Name,
		SubjectPrefix: cfg.NATS.SubjectPrefix,
		ReconnectWait: cfg.NATS.ReconnectWait,
		MaxReconnects: cfg.NATS.MaxReconnects,
		Logger:        log,
	})
	if err != nil {
		log.Warn("nats connect failed (events disabled)", zap.Error(err))
		return events.Noop{}
	}
	return pub
}

func newLocker(cfg config.RedisConfig, log *zap.Logger) lock.Locker {
	if !cfg.Enabled {
		return lock.NewLocal()
	}
	l := lock.NewRedisLocker(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}, "tradecore:")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := l.Client.Ping(ctx).Err(); err != nil {
		log.Warn("redis ping failed; reconciliation lock falls back to local", zap.Error(err))
		_ = l.Close()
		return lock.NewLocal()
	}
	return l
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-Webhook-Secret")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
