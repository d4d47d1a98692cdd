package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wisefido-alert/internal/config"
	"wisefido-alert/internal/consumer"
	"wisefido-alert/internal/dispatcher"
	httpapi "wisefido-alert/internal/http"
	"wisefido-alert/internal/metrics"
	"wisefido-alert/internal/repository"
	"wisefido-alert/internal/scheduler"
	"wisefido-alert/internal/service"

	"wisefido-alert/common/database"
	"wisefido-alert/common/logger"
	mqttcommon "wisefido-alert/common/mqtt"
	rediscommon "wisefido-alert/common/redis"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "wisefido-alert")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	policies, err := cfg.PolicyRepository()
	if err != nil {
		log.Fatal("Failed to load escalation policies", zap.String("file", cfg.PolicyFile), zap.Error(err))
	}

	// 存储：DB 不可用时回退到内存
	var db *sql.DB
	if cfg.DBEnabled {
		if d, err := database.NewPostgresDB(&cfg.Database); err == nil {
			if err := repository.EnsureSchema(ctx, d); err != nil {
				log.Warn("Failed to ensure schema, falling back to memory store", zap.Error(err))
				_ = d.Close()
			} else {
				db = d
				log.Info("DB enabled for wisefido-alert", zap.Stringer("database", &cfg.Database))
			}
		} else {
			log.Warn("DB enabled but connection failed, falling back to memory store", zap.Error(err))
		}
	}
	var stores service.Stores
	stores.Policies = policies
	if db != nil {
		stores.Alerts = repository.NewPostgresAlertsRepository(db, log.Named("repository"))
		stores.Hospitals = repository.NewPostgresHospitalsRepo(db)
	} else {
		stores.Alerts = repository.NewMemoryAlertsRepo()
		stores.Hospitals = repository.NewMemoryHospitalsRepo(cfg.Hospitals...)
	}

	recorder := metrics.NewRecorder(prometheus.DefaultRegisterer)
	engine := service.NewEngine(service.EngineConfig{
		Scheduler: scheduler.Config{
			RetryInitial: cfg.Scheduler.RetryInitial,
			RetryMax:     cfg.Scheduler.RetryMax,
		},
		Dispatcher: dispatcher.Config{
			QueueSize:        cfg.Dispatch.QueueSize,
			MaxAttempts:      cfg.Dispatch.MaxAttempts,
			RetryDelay:       cfg.Dispatch.RetryDelay,
			DegradeAfter:     cfg.Dispatch.DegradeAfter,
			DropWhenDegraded: cfg.Dispatch.DropWhenDegraded,
			DedupCapacity:    cfg.Dispatch.DedupCapacity,
		},
	}, stores, nil, recorder, log)

	// Redis：事件流 + 命令流
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		client := rediscommon.NewRedisClient(&cfg.Redis)
		if err := rediscommon.Ping(ctx, client); err != nil {
			log.Warn("Redis unavailable, streams disabled", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
			_ = client.Close()
		} else {
			redisClient = client
			if _, err := engine.Dispatcher.Subscribe(dispatcher.Filter{},
				dispatcher.NewStreamSink(redisClient, cfg.Streams.Events, cfg.Streams.EventsMaxLen)); err != nil {
				log.Error("Failed to register event stream sink", zap.Error(err))
			}
		}
	}

	// 角色通知
	var mqttClient *mqttcommon.Client
	if cfg.Notify.MQTTEnabled {
		if c, err := mqttcommon.NewClient(&cfg.Notify.MQTT, log.Named("mqtt")); err == nil {
			mqttClient = c
			notifier := dispatcher.NewMQTTNotifier(c, cfg.Notify.TopicPrefix, cfg.Notify.MQTT.QoS, log.Named("notify"))
			if _, err := engine.Dispatcher.AddRoleNotifier(notifier); err != nil {
				log.Error("Failed to register MQTT notifier", zap.Error(err))
			}
		} else {
			log.Warn("MQTT enabled but connection failed, role notifications via MQTT disabled", zap.Error(err))
		}
	}
	if cfg.Notify.WebhookURL != "" {
		notifier := dispatcher.NewWebhookNotifier(dispatcher.WebhookConfig{
			URL:              cfg.Notify.WebhookURL,
			Token:            cfg.Notify.WebhookToken,
			Timeout:          cfg.Notify.WebhookTimeout,
			RatePerSecond:    cfg.Notify.WebhookRate,
			Burst:            cfg.Notify.WebhookBurst,
			BreakerFailures:  uint32(cfg.Notify.BreakerFailures),
			BreakerOpenDelay: cfg.Notify.BreakerOpenPeriod,
		}, log.Named("notify"))
		if _, err := engine.Dispatcher.AddRoleNotifier(notifier); err != nil {
			log.Error("Failed to register webhook notifier", zap.Error(err))
		}
	}

	router := httpapi.NewRouter(log)
	router.RegisterAlertRoutes(httpapi.NewAlertHandler(engine.Alerts, engine.Queries, log.Named("http")))
	realtime := httpapi.NewRealtimeHandler(engine.Dispatcher, log.Named("ws"))
	router.RegisterRealtimeRoutes(realtime)
	router.RegisterHealthRoutes(realtime, engine.Scheduler, promhttp.Handler())

	srv := service.NewServer(cfg.HTTP.Addr, router, log)

	errCh := make(chan error, 3)
	go func() {
		errCh <- engine.Run(ctx)
	}()
	if redisClient != nil {
		cmdConsumer := consumer.NewCommandConsumer(consumer.Config{
			Stream:       cfg.Streams.Commands,
			Group:        cfg.Streams.ConsumerGroup,
			Consumer:     cfg.Streams.ConsumerName,
			BatchSize:    cfg.Streams.BatchSize,
			Block:        cfg.Streams.Block,
			RetryInitial: cfg.Streams.RetryInitial,
			RetryMax:     cfg.Streams.RetryMax,
		}, redisClient, engine.Alerts, log.Named("consumer"))
		go func() {
			errCh <- cmdConsumer.Start(ctx)
		}()
	}
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			log.Error("Component stopped", zap.Error(err))
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Stop(shutdownCtx)
	_ = engine.Shutdown(shutdownCtx)
	if mqttClient != nil {
		mqttClient.Disconnect()
	}
	if redisClient != nil {
		_ = rediscommon.Close(redisClient)
	}
	if db != nil {
		_ = database.Close(db)
	}
}
