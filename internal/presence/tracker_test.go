package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/AlexVitesse/telegram-service/internal/identity"
)

func newTestTracker() *Tracker {
	return NewTracker(identity.NewIndex(), 90*time.Second, 60*time.Second, zap.NewNop())
}

func TestMarkSeenAndIsOnline(t *testing.T) {
	tracker := newTestTracker()
	now := time.Now()

	reconnected := tracker.MarkSeen("6C_C8_40_4F_C7_B2", now)
	assert.False(t, reconnected)

	assert.True(t, tracker.IsOnline("6C_C8_40_4F_C7_B2", now.Add(30*time.Second)))
	assert.False(t, tracker.IsOnline("6C_C8_40_4F_C7_B2", now.Add(91*time.Second)))

	// 截断形式也能查到
	assert.True(t, tracker.IsOnline("6C_C8_40_4F_C7", now.Add(10*time.Second)))
}

func TestIsOnlineUnknownDevice(t *testing.T) {
	tracker := newTestTracker()
	assert.False(t, tracker.IsOnline("desconocido", time.Now()))
}

func TestSweepOfflineNotifiesOnce(t *testing.T) {
	tracker := newTestTracker()
	now := time.Now()

	tracker.MarkSeen("dev_A1", now)
	tracker.MarkSeen("dev_B2", now.Add(-5*time.Minute))

	gone := tracker.SweepOffline(now)
	assert.Len(t, gone, 1)
	assert.Equal(t, "dev_B2", gone[0].DeviceID)

	// 第二次巡检不再重复
	assert.Empty(t, tracker.SweepOffline(now))
}

func TestReconnectionClearsNotifiedFlag(t *testing.T) {
	tracker := newTestTracker()
	now := time.Now()

	tracker.MarkSeen("dev_A1", now.Add(-5*time.Minute))
	gone := tracker.SweepOffline(now)
	assert.Len(t, gone, 1)

	// 新遥测到达，视为重连
	reconnected := tracker.MarkSeen("dev_A1", now)
	assert.True(t, reconnected)

	// 再次离线后还会通知
	gone = tracker.SweepOffline(now.Add(5 * time.Minute))
	assert.Len(t, gone, 1)
}

func TestExitTime(t *testing.T) {
	tracker := newTestTracker()

	assert.Equal(t, 60*time.Second, tracker.ExitTime("dev_A1"))

	tracker.MarkSeen("dev_A1", time.Now())
	tracker.SetExitTime("dev_A1", 45*time.Second)
	assert.Equal(t, 45*time.Second, tracker.ExitTime("dev_A1"))

	// 非法值不覆盖
	tracker.SetExitTime("dev_A1", 0)
	assert.Equal(t, 45*time.Second, tracker.ExitTime("dev_A1"))
}
