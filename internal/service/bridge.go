package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/AlexVitesse/telegram-service/internal/config"
	"github.com/AlexVitesse/telegram-service/internal/confirm"
	"github.com/AlexVitesse/telegram-service/internal/dispatcher"
	"github.com/AlexVitesse/telegram-service/internal/identity"
	"github.com/AlexVitesse/telegram-service/internal/models"
	"github.com/AlexVitesse/telegram-service/internal/notifier"
	"github.com/AlexVitesse/telegram-service/internal/presence"
	"github.com/AlexVitesse/telegram-service/internal/registry"
	"github.com/AlexVitesse/telegram-service/internal/router"
	"github.com/AlexVitesse/telegram-service/internal/scheduler"
)

// scheduleAuthor 写进注册表的来源标记，监听到自己的写入时据此跳过
const scheduleAuthor = "telegram"

// schedulePseudoDevice App 用该伪设备键表示“此会话的全部设备”
const schedulePseudoDevice = "system"

// BridgeService 面向通知前端的操作入口。
// 所有操作先鉴权（会话必须在设备的授权名单里），再经防抖器下发。
type BridgeService struct {
	cfg      *config.Config
	cache    *registry.Cache
	store    *registry.Store
	tracker  *presence.Tracker
	dispatch *dispatcher.Dispatcher
	workflow *confirm.Workflow
	sched    *scheduler.Scheduler
	router   *router.Router
	notify   notifier.Notifier
	index    *identity.Index
	guard    *Guard

	logger *zap.Logger
}

// NewBridgeService 创建桥接服务。调度器由服务自己持有（服务即其回调实现）。
func NewBridgeService(cfg *config.Config, cache *registry.Cache, store *registry.Store,
	tracker *presence.Tracker, dispatch *dispatcher.Dispatcher, workflow *confirm.Workflow,
	state *scheduler.State, rt *router.Router, notify notifier.Notifier,
	index *identity.Index, logger *zap.Logger) *BridgeService {
	s := &BridgeService{
		cfg:      cfg,
		cache:    cache,
		store:    store,
		tracker:  tracker,
		dispatch: dispatch,
		workflow: workflow,
		router:   rt,
		notify:   notify,
		index:    index,
		guard:    NewGuard(cfg.Bridge.CommandCooldown),
		logger:   logger,
	}
	s.sched = scheduler.NewScheduler(state, s, cfg.Bridge.SchedulerTick, logger)
	return s
}

// Scheduler 返回服务持有的调度器（调用方负责 Load/Start）
func (s *BridgeService) Scheduler() *scheduler.Scheduler {
	return s.sched
}

// authorize 校验会话对设备的权限，返回注册表中实际使用的设备键
func (s *BridgeService) authorize(ctx context.Context, principalID, deviceID string) (string, error) {
	rec, storedID, ok := s.cache.Device(ctx, deviceID)
	if !ok {
		return "", fmt.Errorf("unknown device %s", deviceID)
	}
	if !rec.HasPrincipal(principalID) {
		s.logger.Warn("unauthorized device access attempt",
			zap.String("principal_id", principalID),
			zap.String("device_id", deviceID))
		return "", fmt.Errorf("principal %s is not authorized for device %s", principalID, deviceID)
	}
	return storedID, nil
}

// run 防抖 + 鉴权的统一入口
func (s *BridgeService) run(ctx context.Context, principalID, deviceID, command string,
	fn func(id string) error) error {
	if err := s.guard.Acquire(principalID, command); err != nil {
		return err
	}
	defer s.guard.Release(principalID, command)

	id, err := s.authorize(ctx, principalID, deviceID)
	if err != nil {
		return err
	}
	return fn(id)
}

// Arm 布防
func (s *BridgeService) Arm(ctx context.Context, principalID, deviceID string) error {
	return s.run(ctx, principalID, deviceID, models.CmdArm, func(id string) error {
		return s.dispatch.Send(ctx, id, models.CmdArm, nil)
	})
}

// Disarm 撤防（同时清除等待中的威慑确认）
func (s *BridgeService) Disarm(ctx context.Context, principalID, deviceID string) error {
	return s.run(ctx, principalID, deviceID, models.CmdDisarm, func(id string) error {
		s.workflow.Clear(id)
		return s.dispatch.Send(ctx, id, models.CmdDisarm, nil)
	})
}

// TriggerAlarm 手动拉响警报
func (s *BridgeService) TriggerAlarm(ctx context.Context, principalID, deviceID string) error {
	return s.run(ctx, principalID, deviceID, models.CmdTriggerAlarm, func(id string) error {
		return s.dispatch.Send(ctx, id, models.CmdTriggerAlarm, nil)
	})
}

// StopAlarm 停止警报
func (s *BridgeService) StopAlarm(ctx context.Context, principalID, deviceID string) error {
	return s.run(ctx, principalID, deviceID, models.CmdStopAlarm, func(id string) error {
		s.workflow.Clear(id)
		return s.dispatch.Send(ctx, id, models.CmdStopAlarm, nil)
	})
}

// Beep 让设备鸣响定位
func (s *BridgeService) Beep(ctx context.Context, principalID, deviceID string) error {
	return s.run(ctx, principalID, deviceID, models.CmdBeep, func(id string) error {
		return s.dispatch.Send(ctx, id, models.CmdBeep, nil)
	})
}

// ConfirmFlare 用户对威慑确认应答“是”
func (s *BridgeService) ConfirmFlare(ctx context.Context, principalID, deviceID string) (bool, error) {
	id, err := s.authorize(ctx, principalID, deviceID)
	if err != nil {
		return false, err
	}
	return s.workflow.Confirm(ctx, id, principalID), nil
}

// DeclineFlare 用户对威慑确认应答“否”
func (s *BridgeService) DeclineFlare(ctx context.Context, principalID, deviceID string) (bool, error) {
	id, err := s.authorize(ctx, principalID, deviceID)
	if err != nil {
		return false, err
	}
	return s.workflow.Decline(ctx, id, principalID), nil
}

// SetFlareMode 设置威慑触发模式，离线时排队
func (s *BridgeService) SetFlareMode(ctx context.Context, principalID, deviceID string, mode models.FlareMode) error {
	return s.run(ctx, principalID, deviceID, models.CmdSetFlareMode, func(id string) error {
		s.router.MarkFlareChanged(id)

		queued, err := s.dispatch.SendOrQueue(ctx, id, models.CmdSetFlareMode,
			map[string]interface{}{"mode": int(mode)})
		if err != nil {
			return err
		}
		if err := s.cache.WriteDeviceState(ctx, id, map[string]interface{}{
			registry.FieldFlareMode: int(mode),
		}); err != nil {
			return err
		}

		s.logger.Info("flare mode changed",
			zap.String("principal_id", principalID),
			zap.String("device_id", id),
			zap.String("mode", mode.String()),
			zap.Bool("queued", queued))
		return nil
	})
}

// SetFlareEnabled 启用/停用威慑装置，离线时排队
func (s *BridgeService) SetFlareEnabled(ctx context.Context, principalID, deviceID string, enabled bool) error {
	cmd := models.CmdDeactivateFlare
	if enabled {
		cmd = models.CmdActivateFlare
	}
	return s.run(ctx, principalID, deviceID, cmd, func(id string) error {
		s.router.MarkFlareChanged(id)

		queued, err := s.dispatch.SendOrQueue(ctx, id, cmd, nil)
		if err != nil {
			return err
		}
		if err := s.cache.WriteDeviceState(ctx, id, map[string]interface{}{
			registry.FieldFlareOn: enabled,
		}); err != nil {
			return err
		}

		s.logger.Info("flare toggled",
			zap.String("principal_id", principalID),
			zap.String("device_id", id),
			zap.Bool("enabled", enabled),
			zap.Bool("queued", queued))
		return nil
	})
}

// SetExitTime 设置退出延时（秒），下限 10 秒
func (s *BridgeService) SetExitTime(ctx context.Context, principalID, deviceID string, seconds int) error {
	if seconds < 10 {
		return fmt.Errorf("exit time must be at least 10 seconds, got %d", seconds)
	}
	return s.run(ctx, principalID, deviceID, models.CmdSetExitTime, func(id string) error {
		s.tracker.SetExitTime(id, time.Duration(seconds)*time.Second)

		if _, err := s.dispatch.SendOrQueue(ctx, id, models.CmdSetExitTime,
			map[string]interface{}{"seconds": seconds}); err != nil {
			return err
		}
		return s.cache.WriteDeviceState(ctx, id, map[string]interface{}{
			registry.FieldExitTime: seconds,
		})
	})
}

// SetSchedule 设置定时布防：更新本地调度器、写注册表、推送到设备。
// 注册表写入带来源标记，变更推送回来时据此跳过。
func (s *BridgeService) SetSchedule(ctx context.Context, principalID, deviceID string,
	enabled bool, activation, deactivation string, days []string) error {
	return s.run(ctx, principalID, deviceID, models.CmdSetSchedule, func(id string) error {
		if len(days) == 0 {
			days = append([]string(nil), scheduler.DayNames...)
		}
		if err := s.sched.ApplyRemote(ctx, id, enabled, activation, deactivation, days); err != nil {
			return err
		}

		if err := s.store.WriteSchedule(ctx, principalID, id, registry.ScheduleEntry{
			Enabled:          enabled,
			ActivationTime:   activation,
			DeactivationTime: deactivation,
			Days:             days,
			LastUpdatedBy:    scheduleAuthor,
		}); err != nil {
			return err
		}

		return s.pushScheduleToDevice(ctx, id)
	})
}

// ScheduleInfo 返回某设备当前的定时配置
func (s *BridgeService) ScheduleInfo(deviceID string) (scheduler.Schedule, bool) {
	id, _ := s.index.Resolve(deviceID)
	return s.sched.Get(id)
}

// DeviceStatus 请求设备状态，返回设备是否在确认窗口内有响应。
// 状态详情由设备经 status_response 事件推送。
func (s *BridgeService) DeviceStatus(ctx context.Context, principalID, deviceID string) (bool, error) {
	var acked bool
	err := s.run(ctx, principalID, deviceID, models.CmdGetStatus, func(id string) error {
		var err error
		acked, err = s.dispatch.SendWithAck(ctx, id, models.CmdGetStatus, nil)
		return err
	})
	return acked, err
}

// RequestSensors 请求传感器清单（结果异步经 sensors_list 事件返回）
func (s *BridgeService) RequestSensors(ctx context.Context, principalID, deviceID string) error {
	return s.run(ctx, principalID, deviceID, models.CmdGetSensors, func(id string) error {
		return s.dispatch.Send(ctx, id, models.CmdGetSensors, nil)
	})
}

// Sensors 返回某设备最近上报的传感器清单
func (s *BridgeService) Sensors(deviceID string) (*models.SensorsList, bool) {
	return s.router.Sensors(deviceID)
}

// AuthorizedDevices 返回某会话有权限的设备列表
func (s *BridgeService) AuthorizedDevices(ctx context.Context, principalID string) []string {
	return s.cache.AuthorizedDevices(ctx, principalID)
}

// DeviceOnline 判断设备是否在线
func (s *BridgeService) DeviceOnline(deviceID string) bool {
	return s.tracker.IsOnline(deviceID, time.Now())
}

// ---- scheduler.Hooks ----

// OnArm 到达布防时间：下发命令并广播
func (s *BridgeService) OnArm(ctx context.Context, deviceID string) {
	if err := s.dispatch.Send(ctx, deviceID, models.CmdArm, nil); err != nil {
		s.logger.Error("failed to send scheduled arm",
			zap.String("device_id", deviceID),
			zap.Error(err))
	}

	sched, _ := s.sched.Get(deviceID)
	s.broadcast(ctx, deviceID, notifier.Notice{
		DeviceID: deviceID,
		Kind:     notifier.KindInfo,
		Title:    "🔒 ACTIVACION AUTOMATICA",
		Body: fmt.Sprintf("⏰ Hora programada: %s\nEl sistema se esta armando automaticamente.",
			sched.FormatOnTime()),
	})
}

// OnDisarm 到达撤防时间：下发命令并广播
func (s *BridgeService) OnDisarm(ctx context.Context, deviceID string) {
	if err := s.dispatch.Send(ctx, deviceID, models.CmdDisarm, nil); err != nil {
		s.logger.Error("failed to send scheduled disarm",
			zap.String("device_id", deviceID),
			zap.Error(err))
	}

	sched, _ := s.sched.Get(deviceID)
	s.broadcast(ctx, deviceID, notifier.Notice{
		DeviceID: deviceID,
		Kind:     notifier.KindInfo,
		Title:    "🔓 DESACTIVACION AUTOMATICA",
		Body: fmt.Sprintf("⏰ Hora programada: %s\nEl sistema se ha desarmado automaticamente.",
			sched.FormatOffTime()),
	})
}

// OnReminder 定时动作的提前提醒
func (s *BridgeService) OnReminder(ctx context.Context, deviceID, action string, minutes int) {
	sched, ok := s.sched.Get(deviceID)
	if !ok {
		return
	}

	var body string
	if action == "on" {
		body = fmt.Sprintf("🔒 El sistema se activara en %d minutos\nHora: %s",
			minutes, sched.FormatOnTime())
	} else {
		body = fmt.Sprintf("🔓 El sistema se desactivara en %d minutos\nHora: %s",
			minutes, sched.FormatOffTime())
	}

	s.broadcast(ctx, deviceID, notifier.Notice{
		DeviceID: deviceID,
		Kind:     notifier.KindReminder,
		Title:    "⏰ RECORDATORIO",
		Body:     body,
	})
}

// ---- registry.ScheduleSink ----

// OnRemoteSchedule 注册表侧的定时配置变更。
// doc 为 nil 表示整份配置被删除；"system" 伪设备展开为该会话的全部设备；
// 自己写入的条目（来源标记）跳过，避免回环。
func (s *BridgeService) OnRemoteSchedule(ctx context.Context, principalID string, doc *registry.ScheduleDoc) {
	if doc == nil {
		for _, dev := range s.cache.AuthorizedDevices(ctx, principalID) {
			id, _ := s.index.Resolve(dev)
			s.sched.Disable(ctx, id)
			s.pushScheduleDisable(ctx, id)
		}
		return
	}

	for devKey, entry := range doc.Devices {
		if entry.LastUpdatedBy == scheduleAuthor {
			s.logger.Debug("skipping own schedule write echoed from feed",
				zap.String("principal_id", principalID),
				zap.String("device", devKey))
			continue
		}

		targets := []string{devKey}
		if devKey == schedulePseudoDevice {
			targets = s.cache.AuthorizedDevices(ctx, principalID)
		}

		for _, dev := range targets {
			id, _ := s.index.Resolve(dev)
			if err := s.sched.ApplyRemote(ctx, id, entry.Enabled,
				entry.ActivationTime, entry.DeactivationTime, entry.Days); err != nil {
				s.logger.Error("failed to apply remote schedule",
					zap.String("principal_id", principalID),
					zap.String("device_id", id),
					zap.Error(err))
				continue
			}
			if err := s.pushScheduleToDevice(ctx, id); err != nil {
				s.logger.Error("failed to push schedule to device",
					zap.String("device_id", id),
					zap.Error(err))
			}
		}
	}
}

// pushScheduleToDevice 把当前定时配置下发到设备，离线时排队
func (s *BridgeService) pushScheduleToDevice(ctx context.Context, deviceID string) error {
	sched, ok := s.sched.Get(deviceID)
	if !ok {
		return s.pushScheduleDisable(ctx, deviceID)
	}

	args := map[string]interface{}{
		"enabled":    sched.Enabled,
		"on_hour":    sched.OnHour,
		"on_minute":  sched.OnMinute,
		"off_hour":   sched.OffHour,
		"off_minute": sched.OffMinute,
		"days":       sched.DayIndices(),
	}
	queued, err := s.dispatch.SendOrQueue(ctx, deviceID, models.CmdSetSchedule, args)
	if err != nil {
		return err
	}
	s.logger.Info("schedule pushed to device",
		zap.String("device_id", deviceID),
		zap.Bool("enabled", sched.Enabled),
		zap.Bool("queued", queued))
	return nil
}

func (s *BridgeService) pushScheduleDisable(ctx context.Context, deviceID string) error {
	_, err := s.dispatch.SendOrQueue(ctx, deviceID, models.CmdSetSchedule,
		map[string]interface{}{"enabled": false})
	return err
}

func (s *BridgeService) broadcast(ctx context.Context, deviceID string, notice notifier.Notice) {
	for _, principal := range s.cache.AuthorizedPrincipals(ctx, deviceID) {
		if err := s.notify.Notify(ctx, principal, notice); err != nil {
			s.logger.Error("failed to deliver notification",
				zap.String("principal_id", principal),
				zap.Error(err))
		}
	}
}
