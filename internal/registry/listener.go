package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DeviceConfigSink 接收远端设备配置变更（需要下发到设备）
type DeviceConfigSink interface {
	OnRemoteDeviceConfig(ctx context.Context, deviceID, field string, value interface{})
}

// ScheduleSink 接收远端定时配置变更
type ScheduleSink interface {
	OnRemoteSchedule(ctx context.Context, principalID string, doc *ScheduleDoc)
}

// Listener 变更推送监听器。
// 持续消费推送 stream 并合入镜像；读循环长时间无进展时由健康巡检重建订阅。
type Listener struct {
	store   *Store
	cache   *Cache
	timeout time.Duration

	deviceSink   DeviceConfigSink
	scheduleSink ScheduleSink

	mu       sync.Mutex
	lastPoll time.Time

	logger *zap.Logger
}

// NewListener 创建变更监听器
func NewListener(store *Store, cache *Cache, timeout time.Duration, logger *zap.Logger) *Listener {
	return &Listener{
		store:   store,
		cache:   cache,
		timeout: timeout,
		logger:  logger,
	}
}

// SetDeviceConfigSink 注册设备配置变更的接收方（Start 之前调用）
func (l *Listener) SetDeviceConfigSink(sink DeviceConfigSink) {
	l.deviceSink = sink
}

// SetScheduleSink 注册定时配置变更的接收方（Start 之前调用）
func (l *Listener) SetScheduleSink(sink ScheduleSink) {
	l.scheduleSink = sink
}

// Start 启动消费循环，阻塞直到 ctx 取消
func (l *Listener) Start(ctx context.Context) error {
	if err := l.store.EnsureFeedGroup(ctx); err != nil {
		return err
	}
	l.cache.SetListenerActive(true)
	l.markPoll()

	l.logger.Info("registry change listener started")
	for {
		select {
		case <-ctx.Done():
			l.cache.SetListenerActive(false)
			l.logger.Info("registry change listener stopped")
			return nil
		default:
		}

		msgs, err := l.store.ReadFeed(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			l.logger.Error("failed to read change feed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		l.markPoll()

		for _, msg := range msgs {
			l.handle(ctx, msg)
		}
	}
}

func (l *Listener) handle(ctx context.Context, msg FeedMessage) {
	result, err := l.cache.ApplyChange(ctx, msg.Event)
	if err != nil {
		l.logger.Error("failed to apply change event",
			zap.String("message_id", msg.ID),
			zap.String("tree", msg.Event.Tree),
			zap.String("path", msg.Event.Path),
			zap.Error(err))
		// 无法合入的事件也要确认，否则会卡住整个消费组
		l.store.AckFeed(ctx, msg.ID)
		return
	}

	if l.deviceSink != nil {
		for _, ch := range result.DeviceFields {
			l.deviceSink.OnRemoteDeviceConfig(ctx, ch.DeviceID, ch.Field, ch.Value)
		}
	}
	if l.scheduleSink != nil {
		for _, ch := range result.Schedules {
			l.scheduleSink.OnRemoteSchedule(ctx, ch.PrincipalID, ch.Doc)
		}
	}

	if err := l.store.AckFeed(ctx, msg.ID); err != nil {
		l.logger.Warn("failed to ack change event",
			zap.String("message_id", msg.ID),
			zap.Error(err))
	}
}

func (l *Listener) markPoll() {
	l.mu.Lock()
	l.lastPoll = time.Now()
	l.mu.Unlock()
}

// Healthy 判断读循环是否仍在推进
func (l *Listener) Healthy(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.lastPoll.IsZero() && now.Sub(l.lastPoll) < l.timeout
}

// Resubscribe 读循环失联后重建消费组并全量刷新镜像
func (l *Listener) Resubscribe(ctx context.Context) error {
	l.logger.Warn("registry change listener unhealthy, resubscribing")
	if err := l.store.EnsureFeedGroup(ctx); err != nil {
		return err
	}
	if err := l.cache.Refresh(ctx); err != nil {
		return err
	}
	l.markPoll()
	l.cache.SetListenerActive(true)
	return nil
}
