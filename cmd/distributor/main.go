// 文件: cmd/distributor/main.go
// 分润服务入口
//
// config → logger → db → idgen → 锁存储 → 事件发布 → 协调器 → HTTP + cron
// SIGINT/SIGTERM: 先停 cron, 再关 HTTP, 正在进行的运行在各自的 ctx 上收尾

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"yieldcore.com/pkg/api"
	"yieldcore.com/pkg/config"
	"yieldcore.com/pkg/db"
	"yieldcore.com/pkg/distribution"
	"yieldcore.com/pkg/fund"
	"yieldcore.com/pkg/idgen"
	"yieldcore.com/pkg/kafka"
	"yieldcore.com/pkg/logger"
	"yieldcore.com/pkg/scheduler"
)

func main() {
	cfgPath := os.Getenv("PD_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if raw := os.Getenv("PD_ENV_ONLY"); raw != "" {
		envOnly = strings.EqualFold(raw, "true") || raw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}
	loc, _ := cfg.Engine.LoadLocation()

	dbConn, err := db.Open(cfg.DB, log)
	if err != nil {
		log.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close(dbConn)

	if cfg.DB.AutoMigrate {
		if err := db.AutoMigrate(dbConn.Gorm); err != nil {
			log.Fatal("auto-migrate failed", zap.Error(err))
		}
	}

	if err := idgen.Init(cfg.Snowflake.NodeID); err != nil {
		log.Fatal("snowflake init failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	locks, closeLocks, err := newLockStore(ctx, cfg, dbConn)
	if err != nil {
		log.Fatal("lock store init failed", zap.Error(err))
	}
	defer closeLocks()

	publisher, err := newPublisher(cfg.Events, log)
	if err != nil {
		log.Fatal("event publisher init failed", zap.Error(err))
	}
	defer publisher.Close()

	engineCfg := distribution.Config{
		Workers:        cfg.Engine.Workers,
		BatchSize:      cfg.Engine.BatchSize,
		MaxRetries:     cfg.Engine.MaxRetries,
		RetryBackoff:   cfg.Engine.RetryBackoff,
		StorageTimeout: cfg.Engine.StorageTimeout,
		Location:       loc,
		CapitalBack:    cfg.Engine.ReturnPrincipal,
		Guard: distribution.GuardConfig{
			StaleAfter:     cfg.Lock.StaleAfter,
			ManualCooldown: cfg.Lock.ManualCooldown,
		},
	}
	coordinator := distribution.NewCoordinator(dbConn.Gorm, locks, idgen.Default(), engineCfg, log,
		distribution.WithPublisher(publisher))

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.Options{
		TriggerSecret:  cfg.Server.TriggerSecret,
		AdminJWTSecret: cfg.Server.AdminJWTSecret,
		DB:             dbConn.Gorm,
		Engine:         coordinator,
		Positions:      coordinator.Lifecycle(),
		Logger:         log,
		RunTimeout:     cfg.Engine.RunTimeout,
	})

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: router,
	}

	cronRunner := scheduler.New(log, ctx, loc)
	if cfg.Cron.Enabled {
		err := scheduler.RegisterDistribution(cronRunner, coordinator, []scheduler.Job{
			{Kind: distribution.KindInvestment, Spec: cfg.Cron.Investment},
			{Kind: distribution.KindLiveTrade, Spec: cfg.Cron.LiveTrade},
		}, cfg.Engine.RunTimeout, log)
		if err != nil {
			log.Fatal("cron register failed", zap.Error(err))
		}
		cronRunner.Start()
	}

	go func() {
		log.Info("http server started", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	if cfg.Cron.Enabled {
		cronRunner.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", zap.Error(err))
	}
}

// newLockStore 按配置选择运行锁存储
func newLockStore(ctx context.Context, cfg config.Config, dbConn *db.DB) (distribution.LockStore, func(), error) {
	if cfg.Lock.Backend != "redis" {
		return distribution.NewGormLockStore(dbConn.Gorm), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return distribution.NewRedisLockStore(client, cfg.Lock.RedisTTL), func() { _ = client.Close() }, nil
}

// newPublisher 按配置组合事件发布器
func newPublisher(cfg config.EventsConfig, log *zap.Logger) (fund.ProfitPublisher, error) {
	var pubs fund.MultiPublisher
	backend := strings.ToLower(cfg.Backend)

	if backend == "nats" || backend == "both" {
		p, err := fund.NewNatsEventPublisher(cfg.NATS.URL)
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, p)
		log.Info("nats event publisher enabled", zap.String("url", cfg.NATS.URL))
	}
	if backend == "kafka" || backend == "both" {
		producer, err := kafka.NewProducer(kafka.DefaultProducerConfig(cfg.Kafka.Brokers), log)
		if err != nil {
			_ = pubs.Close()
			return nil, err
		}
		pubs = append(pubs, fund.NewKafkaPublisher(producer))
		log.Info("kafka event publisher enabled", zap.Strings("brokers", cfg.Kafka.Brokers))
	}

	if len(pubs) == 0 {
		return fund.NopPublisher{}, nil
	}
	return pubs, nil
}
