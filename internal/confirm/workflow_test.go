package confirm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AlexVitesse/telegram-service/internal/identity"
	"github.com/AlexVitesse/telegram-service/internal/models"
	"github.com/AlexVitesse/telegram-service/internal/notifier"
)

type fakeSender struct {
	mu   sync.Mutex
	cmds []string
}

func (f *fakeSender) Send(ctx context.Context, deviceID, cmd string, args map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	return nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cmds...)
}

type sentNotice struct {
	principal string
	notice    notifier.Notice
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []sentNotice
}

func (f *fakeNotifier) Notify(ctx context.Context, principalID string, notice notifier.Notice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, sentNotice{principalID, notice})
	return nil
}

func (f *fakeNotifier) all() []sentNotice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentNotice(nil), f.notices...)
}

func newTestWorkflow(timeout, reminder time.Duration) (*Workflow, *fakeSender, *fakeNotifier) {
	sender := &fakeSender{}
	notify := &fakeNotifier{}
	w := NewWorkflow(sender, notify, identity.NewIndex(), timeout, reminder, zap.NewNop())
	return w, sender, notify
}

func TestRequestNotifiesAllPrincipals(t *testing.T) {
	w, _, notify := newTestWorkflow(time.Minute, time.Minute)

	ok := w.Request(context.Background(), "dev_A1", "Casa", []string{"100", "-500"})
	require.True(t, ok)
	assert.True(t, w.Pending("dev_A1"))

	notices := notify.all()
	require.Len(t, notices, 2)
	// 私聊带操作按钮，群组不带
	for _, n := range notices {
		if n.principal == "100" {
			assert.True(t, n.notice.WithActions)
		} else {
			assert.False(t, n.notice.WithActions)
		}
	}

	w.Clear("dev_A1")
}

func TestDuplicateRequestIgnored(t *testing.T) {
	w, _, _ := newTestWorkflow(time.Minute, time.Minute)
	ctx := context.Background()

	require.True(t, w.Request(ctx, "dev_A1", "Casa", []string{"100"}))
	assert.False(t, w.Request(ctx, "dev_A1", "Casa", []string{"100"}))

	w.Clear("dev_A1")
}

func TestConfirmFiresFlareAndAlarm(t *testing.T) {
	w, sender, _ := newTestWorkflow(time.Minute, time.Minute)
	ctx := context.Background()

	w.Request(ctx, "dev_A1", "Casa", []string{"100"})
	ok := w.Confirm(ctx, "dev_A1", "100")
	require.True(t, ok)

	assert.Equal(t, []string{models.CmdActivateFlare, models.CmdTriggerAlarm}, sender.sent())
	assert.False(t, w.Pending("dev_A1"))

	// 再次确认无效
	assert.False(t, w.Confirm(ctx, "dev_A1", "100"))
}

func TestDeclineStopsAlarm(t *testing.T) {
	w, sender, _ := newTestWorkflow(time.Minute, time.Minute)
	ctx := context.Background()

	w.Request(ctx, "dev_A1", "Casa", []string{"100"})
	ok := w.Decline(ctx, "dev_A1", "100")
	require.True(t, ok)

	assert.Equal(t, []string{models.CmdStopAlarm}, sender.sent())
	assert.False(t, w.Pending("dev_A1"))
}

func TestConfirmResolvesAlias(t *testing.T) {
	w, sender, _ := newTestWorkflow(time.Minute, time.Minute)
	ctx := context.Background()

	w.Request(ctx, "6C_C8_40_4F_C7_B2", "Casa", []string{"100"})
	// 用户用截断形式确认
	require.True(t, w.Confirm(ctx, "6C_C8_40_4F_C7", "100"))
	assert.Len(t, sender.sent(), 2)
}

func TestExpiryNotifiesAndKeepsArmed(t *testing.T) {
	w, sender, notify := newTestWorkflow(20*time.Millisecond, time.Hour)
	ctx := context.Background()

	w.Request(ctx, "dev_A1", "Casa", []string{"100"})

	require.Eventually(t, func() bool { return !w.Pending("dev_A1") },
		time.Second, 5*time.Millisecond)

	// 超时不下发任何命令（保持布防，警报由固件自行停止）
	assert.Empty(t, sender.sent())

	notices := notify.all()
	require.GreaterOrEqual(t, len(notices), 2)
	last := notices[len(notices)-1]
	assert.Equal(t, notifier.KindInfo, last.notice.Kind)
}

func TestRemindersOnlyToPrivate(t *testing.T) {
	w, _, notify := newTestWorkflow(time.Hour, 15*time.Millisecond)
	ctx := context.Background()

	w.Request(ctx, "dev_A1", "Casa", []string{"100", "-500"})

	require.Eventually(t, func() bool {
		for _, n := range notify.all() {
			if n.notice.Kind == notifier.KindReminder {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	for _, n := range notify.all() {
		if n.notice.Kind == notifier.KindReminder {
			assert.Equal(t, "100", n.principal)
		}
	}

	w.Clear("dev_A1")
}

// slowNotifier 在提醒投递中途阻塞，用于验证取消与投递的同步
type slowNotifier struct {
	fakeNotifier
	entered chan struct{}
	release chan struct{}
}

func (f *slowNotifier) Notify(ctx context.Context, principalID string, notice notifier.Notice) error {
	if notice.Kind == notifier.KindReminder {
		f.entered <- struct{}{}
		<-f.release
	}
	return f.fakeNotifier.Notify(ctx, principalID, notice)
}

func TestConfirmWaitsForInFlightReminder(t *testing.T) {
	sender := &fakeSender{}
	notify := &slowNotifier{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	w := NewWorkflow(sender, notify, identity.NewIndex(), time.Hour, 10*time.Millisecond, zap.NewNop())
	ctx := context.Background()

	w.Request(ctx, "dev_A1", "Casa", []string{"100"})
	<-notify.entered // 提醒投递进行中

	confirmed := make(chan struct{})
	go func() {
		w.Confirm(ctx, "dev_A1", "100")
		close(confirmed)
	}()

	// 确认要等在途投递结束才返回
	select {
	case <-confirmed:
		t.Fatal("Confirm returned while a reminder delivery was in flight")
	case <-time.After(30 * time.Millisecond):
	}

	close(notify.release)
	<-confirmed

	// 状态清除后不再有新的提醒发出
	reminders := func() int {
		count := 0
		for _, n := range notify.all() {
			if n.notice.Kind == notifier.KindReminder {
				count++
			}
		}
		return count
	}
	before := reminders()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, reminders())
}

func TestClearCancelsSilently(t *testing.T) {
	w, sender, notify := newTestWorkflow(30*time.Millisecond, time.Hour)
	ctx := context.Background()

	w.Request(ctx, "dev_A1", "Casa", []string{"100"})
	before := len(notify.all())
	w.Clear("dev_A1")

	// 等待超过原定超时，确认超时通知没有发出
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, notify.all(), before)
	assert.Empty(t, sender.sent())
}
