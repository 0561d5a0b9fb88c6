package router

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AlexVitesse/telegram-service/internal/bus"
	"github.com/AlexVitesse/telegram-service/internal/config"
	"github.com/AlexVitesse/telegram-service/internal/confirm"
	"github.com/AlexVitesse/telegram-service/internal/dispatcher"
	"github.com/AlexVitesse/telegram-service/internal/identity"
	"github.com/AlexVitesse/telegram-service/internal/models"
	"github.com/AlexVitesse/telegram-service/internal/notifier"
	"github.com/AlexVitesse/telegram-service/internal/presence"
	"github.com/AlexVitesse/telegram-service/internal/registry"
)

// Subscriber 消息订阅接口（由 bus.Client 实现）
type Subscriber interface {
	Subscribe(topic string, qos byte, handler bus.MessageHandler) error
}

// AuditSink 设备事件审计（可选）
type AuditSink interface {
	RecordDeviceEvent(ctx context.Context, deviceID, eventType string, payload map[string]interface{})
}

// 巡检任务启动延迟：给设备留出上报首轮遥测的时间
const (
	offlineMonitorDelay = 60 * time.Second
	alarmReminderDelay  = 30 * time.Second
)

// Router 事件路由器：订阅设备事件与遥测，驱动状态镜像、在线跟踪、
// 威慑确认流程和通知广播，并承接注册表推送下来的设备配置变更。
type Router struct {
	cfg      *config.Config
	sub      Subscriber
	cache    *registry.Cache
	tracker  *presence.Tracker
	dispatch *dispatcher.Dispatcher
	confirm  *confirm.Workflow
	notify   notifier.Notifier
	listener *registry.Listener
	index    *identity.Index
	audit    AuditSink

	mu              sync.Mutex
	lastArmEvent    map[string]time.Time // 布防/撤防事件时间（宽限期判定用）
	lastAlarmRemind map[string]time.Time
	flareChangedAt  map[string]time.Time // 本地威慑配置修改时间（抑制遥测回同步）
	sensors         map[string]*models.SensorsList

	logger *zap.Logger
}

// NewRouter 创建事件路由器
func NewRouter(cfg *config.Config, sub Subscriber, cache *registry.Cache, tracker *presence.Tracker,
	dispatch *dispatcher.Dispatcher, workflow *confirm.Workflow, notify notifier.Notifier,
	listener *registry.Listener, index *identity.Index, logger *zap.Logger) *Router {
	return &Router{
		cfg:             cfg,
		sub:             sub,
		cache:           cache,
		tracker:         tracker,
		dispatch:        dispatch,
		confirm:         workflow,
		notify:          notify,
		listener:        listener,
		index:           index,
		lastArmEvent:    make(map[string]time.Time),
		lastAlarmRemind: make(map[string]time.Time),
		flareChangedAt:  make(map[string]time.Time),
		sensors:         make(map[string]*models.SensorsList),
		logger:          logger,
	}
}

// SetAuditSink 注册设备事件审计接收方
func (r *Router) SetAuditSink(sink AuditSink) {
	r.audit = sink
}

// Start 订阅设备主题并启动巡检任务，阻塞直到 ctx 取消
func (r *Router) Start(ctx context.Context) error {
	if err := r.sub.Subscribe(models.TopicEvents, r.cfg.MQTT.QoS, r.HandleEvent); err != nil {
		return err
	}
	if err := r.sub.Subscribe(models.TopicTelemetry, r.cfg.MQTT.QoS, r.HandleTelemetry); err != nil {
		return err
	}
	r.logger.Info("event router started",
		zap.String("events_topic", models.TopicEvents),
		zap.String("telemetry_topic", models.TopicTelemetry))

	go r.offlineLoop(ctx)
	go r.alarmReminderLoop(ctx)
	go r.listenerHealthLoop(ctx)

	<-ctx.Done()
	r.logger.Info("event router stopped")
	return nil
}

// HandleEvent 处理设备事件消息
func (r *Router) HandleEvent(topic string, payload []byte) error {
	ev, err := models.ParseEvent(payload)
	if err != nil {
		return err
	}

	// 传感器清单走单独的结构，先于通用事件处理
	if ev.EventType == models.EventSensorsList {
		return r.handleSensorsList(payload)
	}

	ctx := context.Background()
	deviceID := r.index.Register(ev.DeviceID)

	r.logger.Info("device event received",
		zap.String("device_id", deviceID),
		zap.String("event_type", ev.EventType))

	if r.audit != nil {
		r.audit.RecordDeviceEvent(ctx, deviceID, ev.EventType, ev.Data)
	}

	switch ev.EventType {
	case models.EventAlarmTriggered:
		r.writeState(ctx, deviceID, map[string]interface{}{registry.FieldAlarming: true})

		if r.cache.FlareEnabled(ctx, deviceID) && r.cache.FlareMode(ctx, deviceID) == models.FlareAsk {
			principals := r.cache.AuthorizedPrincipals(ctx, deviceID)
			if len(principals) > 0 {
				// 询问模式：确认流程自己负责通知；重复触发在流程内忽略
				r.confirm.Request(ctx, deviceID, r.location(ctx, deviceID), principals)
				return nil
			}
		}
		// 自动模式下固件自行点火，这里只广播

	case models.EventAlarmStopped:
		r.writeState(ctx, deviceID, map[string]interface{}{registry.FieldAlarming: false})
		r.confirm.Clear(deviceID)

	case models.EventSystemArmed, models.EventKeypadArm:
		r.noteArmEvent(deviceID)
		r.writeState(ctx, deviceID, map[string]interface{}{registry.FieldArmed: true})

	case models.EventSystemDisarmed, models.EventKeypadDisarm:
		r.noteArmEvent(deviceID)
		r.writeState(ctx, deviceID, map[string]interface{}{
			registry.FieldArmed:    false,
			registry.FieldAlarming: false,
		})
		r.confirm.Clear(deviceID)
	}

	r.broadcast(ctx, deviceID, formatEvent(ev, r.location(ctx, deviceID)))
	return nil
}

// HandleTelemetry 处理遥测消息
func (r *Router) HandleTelemetry(topic string, payload []byte) error {
	t, err := models.ParseTelemetry(payload)
	if err != nil {
		return err
	}

	ctx := context.Background()
	deviceID := r.index.Register(t.DeviceID)
	now := time.Now()

	reconnected := r.tracker.MarkSeen(deviceID, now)
	if t.ExitTimeSec > 0 {
		r.tracker.SetExitTime(deviceID, time.Duration(t.ExitTimeSec)*time.Second)
	}

	if reconnected {
		if sent := r.dispatch.FlushPending(ctx, deviceID); sent > 0 {
			r.logger.Info("queued commands delivered after reconnect",
				zap.String("device_id", deviceID),
				zap.Int("sent", sent))
		}
		r.broadcast(ctx, deviceID, r.reconnectNotice(ctx, deviceID))
	}

	fields := map[string]interface{}{
		registry.FieldTelemetry: telemetrySnapshot(t),
	}

	r.mu.Lock()
	lastArm := r.lastArmEvent[deviceID]
	flareChanged := r.flareChangedAt[deviceID]
	r.mu.Unlock()

	// 布防/撤防事件后的宽限期内忽略遥测里的布防状态，
	// 固件可能还在退出延时倒计时中
	grace := r.tracker.ExitTime(deviceID) + r.cfg.Bridge.ArmGraceExtra
	if since := now.Sub(lastArm); since > grace {
		if r.cache.IsArmed(ctx, deviceID) != t.Armed {
			fields[registry.FieldArmed] = t.Armed
		}
	} else {
		r.logger.Debug("ignoring armed state from telemetry during grace period",
			zap.String("device_id", deviceID),
			zap.Duration("since_event", now.Sub(lastArm)),
			zap.Duration("grace", grace))
	}

	// 设备侧是威慑配置的权威来源，但本地刚改过时先不回同步
	if now.Sub(flareChanged) > r.cfg.Bridge.FlareSyncGrace {
		fields[registry.FieldFlareMode] = int(t.FlareMode)
		fields[registry.FieldFlareOn] = t.FlareEnabled
	}
	if t.ExitTimeSec > 0 {
		fields[registry.FieldExitTime] = t.ExitTimeSec
	}

	if err := r.cache.WriteDeviceState(ctx, deviceID, fields); err != nil {
		r.logger.Error("failed to persist telemetry snapshot",
			zap.String("device_id", deviceID),
			zap.Error(err))
	}
	return nil
}

func (r *Router) handleSensorsList(payload []byte) error {
	list, err := models.ParseSensorsList(payload)
	if err != nil {
		return err
	}
	deviceID := r.index.Register(list.DeviceID)

	r.mu.Lock()
	r.sensors[deviceID] = list
	r.mu.Unlock()

	r.logger.Info("sensors list updated",
		zap.String("device_id", deviceID),
		zap.Int("total", list.TotalSensors),
		zap.Int("active", list.ActiveSensors))
	return nil
}

// Sensors 返回某设备最近上报的传感器清单
func (r *Router) Sensors(deviceID string) (*models.SensorsList, bool) {
	canonical, _ := r.index.Resolve(deviceID)

	r.mu.Lock()
	defer r.mu.Unlock()
	list, ok := r.sensors[canonical]
	return list, ok
}

// MarkFlareChanged 记录一次本地威慑配置修改，
// 宽限期内遥测里的旧值不会回写到注册表
func (r *Router) MarkFlareChanged(deviceID string) {
	canonical, _ := r.index.Resolve(deviceID)

	r.mu.Lock()
	r.flareChangedAt[canonical] = time.Now()
	r.mu.Unlock()
}

func (r *Router) noteArmEvent(deviceID string) {
	r.mu.Lock()
	r.lastArmEvent[deviceID] = time.Now()
	r.mu.Unlock()
}

// OnRemoteDeviceConfig 注册表侧修改了设备配置，转成命令下发给设备
func (r *Router) OnRemoteDeviceConfig(ctx context.Context, deviceID, field string, value interface{}) {
	canonical, _ := r.index.Resolve(deviceID)

	switch field {
	case registry.FieldFlareMode:
		mode, ok := toInt(value)
		if !ok || (mode != int(models.FlareAuto) && mode != int(models.FlareAsk)) {
			r.logger.Warn("ignoring invalid remote flare mode",
				zap.String("device_id", canonical),
				zap.Any("value", value))
			return
		}
		r.MarkFlareChanged(canonical)
		r.sendOrQueue(ctx, canonical, models.CmdSetFlareMode, map[string]interface{}{"mode": mode})

	case registry.FieldFlareOn:
		enabled, ok := toBool(value)
		if !ok {
			r.logger.Warn("ignoring invalid remote flare toggle",
				zap.String("device_id", canonical),
				zap.Any("value", value))
			return
		}
		r.MarkFlareChanged(canonical)
		cmd := models.CmdDeactivateFlare
		if enabled {
			cmd = models.CmdActivateFlare
		}
		r.sendOrQueue(ctx, canonical, cmd, nil)

	case registry.FieldExitTime:
		seconds, ok := toInt(value)
		if !ok || seconds < 10 {
			r.logger.Warn("ignoring invalid remote exit time",
				zap.String("device_id", canonical),
				zap.Any("value", value))
			return
		}
		r.tracker.SetExitTime(canonical, time.Duration(seconds)*time.Second)
		r.sendOrQueue(ctx, canonical, models.CmdSetExitTime, map[string]interface{}{"seconds": seconds})
	}
}

func (r *Router) sendOrQueue(ctx context.Context, deviceID, cmd string, args map[string]interface{}) {
	queued, err := r.dispatch.SendOrQueue(ctx, deviceID, cmd, args)
	if err != nil {
		r.logger.Error("failed to forward remote config to device",
			zap.String("device_id", deviceID),
			zap.String("command", cmd),
			zap.Error(err))
		return
	}
	r.logger.Info("remote config forwarded to device",
		zap.String("device_id", deviceID),
		zap.String("command", cmd),
		zap.Bool("queued", queued))
}

func (r *Router) offlineLoop(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(offlineMonitorDelay):
	}

	ticker := time.NewTicker(r.cfg.Bridge.OfflineSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOffline(ctx)
		}
	}
}

func (r *Router) sweepOffline(ctx context.Context) {
	for _, dev := range r.tracker.SweepOffline(time.Now()) {
		location := r.location(ctx, dev.DeviceID)
		if location == "" {
			location = "Desconocida"
		}
		r.logger.Warn("device went offline",
			zap.String("device_id", dev.DeviceID),
			zap.Time("last_seen", dev.LastSeen))

		r.broadcast(ctx, dev.DeviceID, notifier.Notice{
			DeviceID: dev.DeviceID,
			Kind:     notifier.KindOffline,
			Title:    "🔴 DISPOSITIVO SIN CONEXIÓN",
			Body: "📍 Ubicación: " + location + "\n📱 ID: " + dev.DeviceID +
				"\n\n⚠️ El dispositivo ha dejado de responder.\nVerifique la conexión a internet o alimentación.",
		})
	}
}

func (r *Router) alarmReminderLoop(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(alarmReminderDelay):
	}

	ticker := time.NewTicker(r.cfg.Bridge.AlarmSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepAlarms(ctx)
		}
	}
}

// sweepAlarms 给警报仍在响的在线设备发周期提醒。
// 离线的报警设备直接清掉报警状态（遥测不回传 Alarming，留着会在重连后误报），
// 确认流程等待中的设备由流程自己提醒。
func (r *Router) sweepAlarms(ctx context.Context) {
	now := time.Now()

	for id, rec := range r.cache.Devices(ctx) {
		alarming, _ := rec.Bool(registry.FieldAlarming)
		if !alarming {
			continue
		}
		deviceID, _ := r.index.Resolve(id)
		if !r.tracker.IsOnline(id, now) {
			r.logger.Info("clearing alarm state of offline device",
				zap.String("device_id", deviceID))
			r.writeState(ctx, deviceID, map[string]interface{}{
				registry.FieldAlarming: false,
			})
			r.mu.Lock()
			delete(r.lastAlarmRemind, deviceID)
			r.mu.Unlock()
			continue
		}
		if r.confirm.Pending(deviceID) {
			continue
		}

		r.mu.Lock()
		if now.Sub(r.lastAlarmRemind[deviceID]) < r.cfg.Bridge.AlarmReminderEvery {
			r.mu.Unlock()
			continue
		}
		r.lastAlarmRemind[deviceID] = now
		r.mu.Unlock()

		location := r.location(ctx, deviceID)
		if location == "" {
			location = deviceID
		}
		askMode := r.cache.FlareMode(ctx, deviceID) == models.FlareAsk

		r.logger.Info("sending active alarm reminder",
			zap.String("device_id", deviceID),
			zap.Bool("ask_mode", askMode))

		for _, principal := range r.cache.AuthorizedPrincipals(ctx, deviceID) {
			notice := notifier.Notice{
				DeviceID: deviceID,
				Kind:     notifier.KindReminder,
				Title:    "🚨 ALARMA SIGUE ACTIVA",
				Body:     "📍 " + location + "\n\nLa sirena continúa sonando.",
			}
			// 询问模式下私聊附带威慑操作，群组只通知
			if askMode && !notifier.IsGroupPrincipal(principal) {
				notice.Body += "\n🔥 ¿Disparar bengala?"
				notice.WithActions = true
			}
			if err := r.notify.Notify(ctx, principal, notice); err != nil {
				r.logger.Error("failed to send alarm reminder",
					zap.String("principal_id", principal),
					zap.Error(err))
			}
		}
	}
}

func (r *Router) listenerHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Bridge.ListenerSweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.listener.Healthy(time.Now()) {
				continue
			}
			r.cache.SetListenerActive(false)
			if err := r.listener.Resubscribe(ctx); err != nil {
				r.logger.Error("failed to resubscribe change listener", zap.Error(err))
			}
		}
	}
}

func (r *Router) writeState(ctx context.Context, deviceID string, fields map[string]interface{}) {
	if err := r.cache.WriteDeviceState(ctx, deviceID, fields); err != nil {
		r.logger.Error("failed to write device state",
			zap.String("device_id", deviceID),
			zap.Error(err))
	}
}

func (r *Router) location(ctx context.Context, deviceID string) string {
	rec, _, ok := r.cache.Device(ctx, deviceID)
	if !ok {
		return ""
	}
	return rec.String(registry.FieldName)
}

func (r *Router) reconnectNotice(ctx context.Context, deviceID string) notifier.Notice {
	location := r.location(ctx, deviceID)
	if location == "" {
		location = "Desconocida"
	}
	return notifier.Notice{
		DeviceID: deviceID,
		Kind:     notifier.KindReconnect,
		Title:    "🟢 DISPOSITIVO RECONECTADO",
		Body: "📍 Ubicación: " + location + "\n📱 ID: " + deviceID +
			"\n\nEl dispositivo ha restablecido la conexión.",
	}
}

func (r *Router) broadcast(ctx context.Context, deviceID string, notice notifier.Notice) {
	principals := r.cache.AuthorizedPrincipals(ctx, deviceID)
	for _, principal := range principals {
		if err := r.notify.Notify(ctx, principal, notice); err != nil {
			r.logger.Error("failed to deliver notification",
				zap.String("principal_id", principal),
				zap.String("kind", notice.Kind),
				zap.Error(err))
		}
	}
}

// telemetrySnapshot 写入注册表的遥测快照（字段名与 App 约定一致）
func telemetrySnapshot(t *models.Telemetry) map[string]interface{} {
	return map[string]interface{}{
		"wifi_rssi":             t.WifiRSSI,
		"heap_free":             t.HeapFree,
		"lora_sensors_active":   t.LoraSensorsActive,
		"uptime_sec":            t.UptimeSec,
		"armed":                 t.Armed,
		"bengala_enabled":       t.FlareEnabled,
		"bengala_mode":          int(t.FlareMode),
		"auto_schedule_enabled": t.AutoScheduleEnabled,
		"tiempo_bomba":          t.ExitTimeSec,
		"tiempo_pre":            t.PreAlarmSec,
		"timestamp":             time.Now().Unix(),
	}
}

func toInt(v interface{}) (int, bool) {
	switch val := v.(type) {
	case float64:
		return int(val), true
	case int:
		return val, true
	}
	return 0, false
}

func toBool(v interface{}) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case float64:
		return val != 0, true
	case string:
		return val == "true" || val == "1", true
	}
	return false, false
}
