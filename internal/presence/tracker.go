package presence

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AlexVitesse/telegram-service/internal/identity"
)

// OfflineDevice 刚判定为离线的设备
type OfflineDevice struct {
	DeviceID string
	LastSeen time.Time
}

// Tracker 设备在线状态跟踪器（以遥测时间为准）
type Tracker struct {
	mu       sync.Mutex
	index    *identity.Index
	timeout  time.Duration // 超过该时长无遥测即判定离线
	defaultExit time.Duration

	lastSeen map[string]time.Time
	notified map[string]bool // 离线通知一次性标记
	exitTime map[string]time.Duration

	logger *zap.Logger
}

// NewTracker 创建在线状态跟踪器
func NewTracker(index *identity.Index, timeout, defaultExit time.Duration, logger *zap.Logger) *Tracker {
	return &Tracker{
		index:       index,
		timeout:     timeout,
		defaultExit: defaultExit,
		lastSeen:    make(map[string]time.Time),
		notified:    make(map[string]bool),
		exitTime:    make(map[string]time.Duration),
		logger:      logger,
	}
}

// MarkSeen 记录一次遥测。返回 true 表示设备刚从离线恢复（需要通知并补发命令）。
func (t *Tracker) MarkSeen(deviceID string, at time.Time) bool {
	canonical := t.index.Register(deviceID)

	t.mu.Lock()
	defer t.mu.Unlock()

	reconnected := t.notified[canonical]
	t.lastSeen[canonical] = at
	if reconnected {
		delete(t.notified, canonical)
		t.logger.Info("device reconnected",
			zap.String("device_id", canonical))
	}
	return reconnected
}

// IsOnline 判断设备是否在线（接受任意 ID 形式）
func (t *Tracker) IsOnline(deviceID string, now time.Time) bool {
	canonical, _ := t.index.Resolve(deviceID)

	t.mu.Lock()
	defer t.mu.Unlock()

	seen, ok := t.lastSeen[canonical]
	if !ok {
		return false
	}
	return now.Sub(seen) < t.timeout
}

// LastSeen 返回设备最后一次遥测时间
func (t *Tracker) LastSeen(deviceID string) (time.Time, bool) {
	canonical, _ := t.index.Resolve(deviceID)

	t.mu.Lock()
	defer t.mu.Unlock()

	seen, ok := t.lastSeen[canonical]
	return seen, ok
}

// SetExitTime 记录设备上报的退出延时
func (t *Tracker) SetExitTime(deviceID string, d time.Duration) {
	if d <= 0 {
		return
	}
	canonical, _ := t.index.Resolve(deviceID)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.exitTime[canonical] = d
}

// ExitTime 返回设备的退出延时，未知时返回默认值
func (t *Tracker) ExitTime(deviceID string) time.Duration {
	canonical, _ := t.index.Resolve(deviceID)

	t.mu.Lock()
	defer t.mu.Unlock()

	if d, ok := t.exitTime[canonical]; ok {
		return d
	}
	return t.defaultExit
}

// SweepOffline 找出刚超时且尚未通知的设备并打上标记。
// 每次离线转换只返回一次。
func (t *Tracker) SweepOffline(now time.Time) []OfflineDevice {
	t.mu.Lock()
	defer t.mu.Unlock()

	var gone []OfflineDevice
	for id, seen := range t.lastSeen {
		if now.Sub(seen) >= t.timeout && !t.notified[id] {
			t.notified[id] = true
			gone = append(gone, OfflineDevice{DeviceID: id, LastSeen: seen})
		}
	}
	return gone
}

// KnownDevices 返回所有出现过遥测的设备（规范键）
func (t *Tracker) KnownDevices() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.lastSeen))
	for id := range t.lastSeen {
		ids = append(ids, id)
	}
	return ids
}
