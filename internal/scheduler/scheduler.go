package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// 日期索引与 App 约定一致：0=Domingo(周日)
var DayNames = []string{"Domingo", "Lunes", "Martes", "Miércoles", "Jueves", "Viernes", "Sábado"}

// Hooks 定时动作的回调接口
type Hooks interface {
	// OnArm 到达布防时间
	OnArm(ctx context.Context, deviceID string)
	// OnDisarm 到达撤防时间
	OnDisarm(ctx context.Context, deviceID string)
	// OnReminder 提前提醒，action 为 "on" 或 "off"
	OnReminder(ctx context.Context, deviceID, action string, minutes int)
}

// Schedule 某设备的定时布防配置
type Schedule struct {
	Enabled             bool     `json:"enabled"`
	OnHour              int      `json:"on_hour"`
	OnMinute            int      `json:"on_minute"`
	OffHour             int      `json:"off_hour"`
	OffMinute           int      `json:"off_minute"`
	Days                []string `json:"days"`
	NotifyBeforeMinutes int      `json:"notify_before_minutes"`

	// 当天是否已执行/已提醒的标记（日期字符串，防止一分钟内重复触发）
	LastOnExecuted      string `json:"last_on_executed"`
	LastOffExecuted     string `json:"last_off_executed"`
	LastOnReminderSent  string `json:"last_on_reminder_sent"`
	LastOffReminderSent string `json:"last_off_reminder_sent"`
}

// DefaultSchedule 默认配置：22:00 布防，06:00 撤防，每天，提前 5 分钟提醒
func DefaultSchedule() *Schedule {
	return &Schedule{
		OnHour:              22,
		OffHour:             6,
		Days:                append([]string(nil), DayNames...),
		NotifyBeforeMinutes: 5,
	}
}

// FormatOnTime 布防时间 HH:MM
func (s *Schedule) FormatOnTime() string {
	return fmt.Sprintf("%02d:%02d", s.OnHour, s.OnMinute)
}

// FormatOffTime 撤防时间 HH:MM
func (s *Schedule) FormatOffTime() string {
	return fmt.Sprintf("%02d:%02d", s.OffHour, s.OffMinute)
}

// DayIndices 返回启用日期的索引（发给设备用）
func (s *Schedule) DayIndices() []int {
	var out []int
	for i, name := range DayNames {
		for _, d := range s.Days {
			if d == name {
				out = append(out, i)
				break
			}
		}
	}
	return out
}

func (s *Schedule) activeToday(now time.Time) bool {
	today := DayNames[int(now.Weekday())]
	for _, d := range s.Days {
		if d == today {
			return true
		}
	}
	return false
}

// ParseClock 解析时间字符串，支持 "HH:MM" 和带 T 的 ISO 形式
func ParseClock(s string) (hour, minute int, ok bool) {
	if i := strings.LastIndex(s, "T"); i >= 0 {
		s = s[i+1:]
	}
	if len(s) > 5 {
		s = s[:5]
	}
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}

// DaysFromIndices 把日期索引转为名称（0=Domingo）
func DaysFromIndices(indices []int) []string {
	var out []string
	for _, i := range indices {
		if i >= 0 && i <= 6 {
			out = append(out, DayNames[i])
		}
	}
	return out
}

// Scheduler 定时布防/撤防调度器。
// 按固定周期检查，时间匹配按分钟粒度；执行标记先落盘再触发回调，保证每天至多执行一次。
type Scheduler struct {
	mu        sync.Mutex
	state     *State
	hooks     Hooks
	schedules map[string]*Schedule

	tick time.Duration
	now  func() time.Time

	logger *zap.Logger
}

// NewScheduler 创建调度器。tick 是检查周期，不能超过一分钟（时间匹配按分钟粒度）。
func NewScheduler(state *State, hooks Hooks, tick time.Duration, logger *zap.Logger) *Scheduler {
	if tick <= 0 || tick > time.Minute {
		tick = time.Minute
	}
	return &Scheduler{
		state:     state,
		hooks:     hooks,
		schedules: make(map[string]*Schedule),
		tick:      tick,
		now:       time.Now,
		logger:    logger,
	}
}

// Load 从持久化层恢复全部配置
func (s *Scheduler) Load(ctx context.Context) error {
	schedules, err := s.state.LoadAll(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.schedules = schedules
	s.mu.Unlock()

	s.logger.Info("scheduler state loaded", zap.Int("devices", len(schedules)))
	return nil
}

// Start 启动检查循环，阻塞直到 ctx 取消。
// 执行标记保证同一分钟内的重复检查不会重复触发。
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started", zap.Duration("tick", s.tick))

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.CheckNow(ctx, s.now())
		}
	}
}

// CheckNow 执行一轮检查（测试可直接注入时间）
func (s *Scheduler) CheckNow(ctx context.Context, now time.Time) {
	type action struct {
		deviceID string
		kind     string // "arm" / "disarm" / "remind_on" / "remind_off"
		minutes  int
	}
	var actions []action

	today := now.Format("2006-01-02")
	currentMinutes := now.Hour()*60 + now.Minute()

	s.mu.Lock()
	for deviceID, sched := range s.schedules {
		if !sched.Enabled || !sched.activeToday(now) {
			continue
		}
		onMinutes := sched.OnHour*60 + sched.OnMinute
		offMinutes := sched.OffHour*60 + sched.OffMinute

		if sched.NotifyBeforeMinutes > 0 {
			if sched.LastOnReminderSent != today && currentMinutes == onMinutes-sched.NotifyBeforeMinutes {
				sched.LastOnReminderSent = today
				s.saveLocked(ctx, deviceID, sched)
				actions = append(actions, action{deviceID, "remind_on", sched.NotifyBeforeMinutes})
			}
			if sched.LastOffReminderSent != today && currentMinutes == offMinutes-sched.NotifyBeforeMinutes {
				sched.LastOffReminderSent = today
				s.saveLocked(ctx, deviceID, sched)
				actions = append(actions, action{deviceID, "remind_off", sched.NotifyBeforeMinutes})
			}
		}

		if sched.LastOnExecuted != today && currentMinutes == onMinutes {
			// 标记在回调之前落盘，崩溃重启也不会重复执行
			sched.LastOnExecuted = today
			s.saveLocked(ctx, deviceID, sched)
			actions = append(actions, action{deviceID, "arm", 0})
		}
		if sched.LastOffExecuted != today && currentMinutes == offMinutes {
			sched.LastOffExecuted = today
			s.saveLocked(ctx, deviceID, sched)
			actions = append(actions, action{deviceID, "disarm", 0})
		}
	}
	s.mu.Unlock()

	for _, a := range actions {
		switch a.kind {
		case "arm":
			s.logger.Info("scheduled arm", zap.String("device_id", a.deviceID))
			s.hooks.OnArm(ctx, a.deviceID)
		case "disarm":
			s.logger.Info("scheduled disarm", zap.String("device_id", a.deviceID))
			s.hooks.OnDisarm(ctx, a.deviceID)
		case "remind_on":
			s.hooks.OnReminder(ctx, a.deviceID, "on", a.minutes)
		case "remind_off":
			s.hooks.OnReminder(ctx, a.deviceID, "off", a.minutes)
		}
	}
}

func (s *Scheduler) saveLocked(ctx context.Context, deviceID string, sched *Schedule) {
	if err := s.state.Save(ctx, deviceID, sched); err != nil {
		s.logger.Error("failed to persist schedule",
			zap.String("device_id", deviceID),
			zap.Error(err))
	}
}

// Get 返回某设备配置的副本
func (s *Scheduler) Get(deviceID string) (Schedule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[deviceID]
	if !ok {
		return Schedule{}, false
	}
	out := *sched
	out.Days = append([]string(nil), sched.Days...)
	return out, true
}

func (s *Scheduler) getOrCreateLocked(deviceID string) *Schedule {
	sched, ok := s.schedules[deviceID]
	if !ok {
		sched = DefaultSchedule()
		s.schedules[deviceID] = sched
	}
	return sched
}

// SetEnabled 启用/停用某设备的定时。提醒标记清零，当天可重新提醒。
func (s *Scheduler) SetEnabled(ctx context.Context, deviceID string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched := s.getOrCreateLocked(deviceID)
	sched.Enabled = enabled
	sched.LastOnReminderSent = ""
	sched.LastOffReminderSent = ""
	s.saveLocked(ctx, deviceID, sched)

	s.logger.Info("schedule toggled",
		zap.String("device_id", deviceID),
		zap.Bool("enabled", enabled))
}

// SetTimes 设置布防/撤防时间
func (s *Scheduler) SetTimes(ctx context.Context, deviceID string, onHour, onMinute, offHour, offMinute int) error {
	if onHour < 0 || onHour > 23 || onMinute < 0 || onMinute > 59 ||
		offHour < 0 || offHour > 23 || offMinute < 0 || offMinute > 59 {
		return fmt.Errorf("invalid schedule time %02d:%02d-%02d:%02d", onHour, onMinute, offHour, offMinute)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sched := s.getOrCreateLocked(deviceID)
	sched.OnHour, sched.OnMinute = onHour, onMinute
	sched.OffHour, sched.OffMinute = offHour, offMinute
	sched.LastOnReminderSent = ""
	sched.LastOffReminderSent = ""
	s.saveLocked(ctx, deviceID, sched)
	return nil
}

// SetDays 设置启用日期（名称形式）
func (s *Scheduler) SetDays(ctx context.Context, deviceID string, days []string) error {
	var valid []string
	for _, d := range days {
		for _, name := range DayNames {
			if d == name {
				valid = append(valid, name)
				break
			}
		}
	}
	if len(valid) == 0 {
		return fmt.Errorf("no valid days in %v", days)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sched := s.getOrCreateLocked(deviceID)
	sched.Days = valid
	s.saveLocked(ctx, deviceID, sched)
	return nil
}

// ApplyRemote 应用来自注册表的外部改写。
// 执行与提醒标记全部清零（外部改写意味着重新生效）。entry 各参数已解析。
func (s *Scheduler) ApplyRemote(ctx context.Context, deviceID string, enabled bool,
	activation, deactivation string, days []string) error {
	onH, onM, okOn := ParseClock(activation)
	offH, offM, okOff := ParseClock(deactivation)
	if enabled && (!okOn || !okOff) {
		return fmt.Errorf("invalid schedule times %q / %q", activation, deactivation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sched := s.getOrCreateLocked(deviceID)
	sched.Enabled = enabled
	if okOn {
		sched.OnHour, sched.OnMinute = onH, onM
	}
	if okOff {
		sched.OffHour, sched.OffMinute = offH, offM
	}
	if len(days) > 0 {
		sched.Days = days
	}
	sched.LastOnExecuted = ""
	sched.LastOffExecuted = ""
	sched.LastOnReminderSent = ""
	sched.LastOffReminderSent = ""
	s.saveLocked(ctx, deviceID, sched)

	s.logger.Info("schedule updated from registry",
		zap.String("device_id", deviceID),
		zap.Bool("enabled", enabled))
	return nil
}

// Disable 删除某设备的定时（注册表配置被删除时）
func (s *Scheduler) Disable(ctx context.Context, deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[deviceID]; !ok {
		return
	}
	delete(s.schedules, deviceID)
	if err := s.state.Delete(ctx, deviceID); err != nil {
		s.logger.Error("failed to delete schedule state",
			zap.String("device_id", deviceID),
			zap.Error(err))
	}
	s.logger.Info("schedule removed", zap.String("device_id", deviceID))
}
