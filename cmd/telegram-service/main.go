package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/AlexVitesse/telegram-service/internal/bus"
	"github.com/AlexVitesse/telegram-service/internal/config"
	"github.com/AlexVitesse/telegram-service/internal/confirm"
	"github.com/AlexVitesse/telegram-service/internal/database"
	"github.com/AlexVitesse/telegram-service/internal/dispatcher"
	"github.com/AlexVitesse/telegram-service/internal/identity"
	"github.com/AlexVitesse/telegram-service/internal/logger"
	"github.com/AlexVitesse/telegram-service/internal/notifier"
	"github.com/AlexVitesse/telegram-service/internal/presence"
	"github.com/AlexVitesse/telegram-service/internal/registry"
	"github.com/AlexVitesse/telegram-service/internal/repository"
	"github.com/AlexVitesse/telegram-service/internal/router"
	"github.com/AlexVitesse/telegram-service/internal/scheduler"
	"github.com/AlexVitesse/telegram-service/internal/service"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "telegram-service")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. 基础设施连接
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()

	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	mqttClient, err := bus.NewClient(&cfg.MQTT, log)
	if err != nil {
		log.Fatal("Failed to connect to MQTT broker", zap.Error(err))
	}
	defer mqttClient.Disconnect()

	// 4. 组装各组件
	index := identity.NewIndex()
	store := registry.NewStore(redisClient, cfg, log)
	cache := registry.NewCache(store, index, cfg.Registry.CacheTTL, log)
	listener := registry.NewListener(store, cache, cfg.Bridge.ListenerTimeout, log)
	tracker := presence.NewTracker(index, cfg.Bridge.OfflineTimeout, cfg.Bridge.DefaultExitTime, log)
	dispatch := dispatcher.NewDispatcher(mqttClient, tracker, index,
		cfg.MQTT.QoS, cfg.Bridge.PendingMaxAge, cfg.Bridge.AckWait, log)
	notify := notifier.NewPushNotifier(cfg, log)
	workflow := confirm.NewWorkflow(dispatch, notify, index,
		cfg.Bridge.ConfirmTimeout, cfg.Bridge.ConfirmReminder, log)
	rt := router.NewRouter(cfg, mqttClient, cache, tracker, dispatch, workflow, notify, listener, index, log)
	state := scheduler.NewState(redisClient, cfg.Registry.StateKey, log)

	repo := repository.NewBridgeEventsRepository(db, log)
	audit := service.NewAuditRecorder(repo, log)
	dispatch.SetAuditSink(audit)
	rt.SetAuditSink(audit)

	bridge := service.NewBridgeService(cfg, cache, store, tracker, dispatch, workflow,
		state, rt, notify, index, log)
	listener.SetDeviceConfigSink(rt)
	listener.SetScheduleSink(bridge)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. 预热：镜像全量拉取 + 调度器状态恢复
	initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := cache.Refresh(initCtx); err != nil {
		log.Fatal("Failed to load registry mirror", zap.Error(err))
	}
	if err := bridge.Scheduler().Load(initCtx); err != nil {
		log.Fatal("Failed to load scheduler state", zap.Error(err))
	}
	initCancel()

	// 6. 启动后台任务
	errChan := make(chan error, 3)
	go func() {
		if err := listener.Start(ctx); err != nil {
			errChan <- fmt.Errorf("registry listener: %w", err)
		}
	}()
	go func() {
		if err := bridge.Scheduler().Start(ctx); err != nil {
			errChan <- fmt.Errorf("scheduler: %w", err)
		}
	}()
	go func() {
		if err := rt.Start(ctx); err != nil {
			errChan <- fmt.Errorf("event router: %w", err)
		}
	}()

	log.Info("telegram-service started",
		zap.String("mqtt_broker", cfg.MQTT.Broker),
		zap.String("redis_addr", cfg.Redis.Addr))

	// 7. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down",
			zap.String("signal", sig.String()))
		cancel()
	case err := <-errChan:
		log.Fatal("Service error", zap.Error(err))
	}

	log.Info("telegram-service stopped")
}
