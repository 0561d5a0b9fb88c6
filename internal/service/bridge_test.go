package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

type fakePublisher struct {
	mu       sync.Mutex
	payloads map[string][][]byte
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.payloads == nil {
		f.payloads = make(map[string][][]byte)
	}
	f.payloads[topic] = append(f.payloads[topic], payload)
	return nil
}

func (f *fakePublisher) commands() []models.Command {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.Command
	for _, msgs := range f.payloads {
		for _, p := range msgs {
			var cmd models.Command
			if json.Unmarshal(p, &cmd) == nil && cmd.Command != "" {
				out = append(out, cmd)
			}
		}
	}
	return out
}

func (f *fakePublisher) commandNames() []string {
	var out []string
	for _, c := range f.commands() {
		out = append(out, c.Command)
	}
	return out
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

type testEnv struct {
	svc     *BridgeService
	store   *registry.Store
	cache   *registry.Cache
	tracker *presence.Tracker
	pub     *fakePublisher
	notify  *fakeNotifier
	cfg     *config.Config
	mr      *miniredis.Miniredis
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg, err := config.Load()
	require.NoError(t, err)

	nop := zap.NewNop()
	index := identity.NewIndex()
	store := registry.NewStore(client, cfg, nop)
	cache := registry.NewCache(store, index, time.Minute, nop)
	tracker := presence.NewTracker(index, cfg.Bridge.OfflineTimeout, cfg.Bridge.DefaultExitTime, nop)
	pub := &fakePublisher{}
	dispatch := dispatcher.NewDispatcher(pub, tracker, index,
		cfg.MQTT.QoS, cfg.Bridge.PendingMaxAge, cfg.Bridge.AckWait, nop)
	notify := &fakeNotifier{}
	workflow := confirm.NewWorkflow(dispatch, notify, index,
		cfg.Bridge.ConfirmTimeout, cfg.Bridge.ConfirmReminder, nop)
	listener := registry.NewListener(store, cache, cfg.Bridge.ListenerTimeout, nop)
	rt := router.NewRouter(cfg, nil, cache, tracker, dispatch, workflow, notify, listener, index, nop)
	state := scheduler.NewState(client, cfg.Registry.StateKey, nop)

	svc := NewBridgeService(cfg, cache, store, tracker, dispatch, workflow, state, rt, notify, index, nop)
	return &testEnv{
		svc:     svc,
		store:   store,
		cache:   cache,
		tracker: tracker,
		pub:     pub,
		notify:  notify,
		cfg:     cfg,
		mr:      mr,
	}
}

func (e *testEnv) seedDevice(t *testing.T, id string, rec registry.DeviceRecord) {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	e.mr.HSet(e.cfg.Registry.DevicesKey, id, string(data))
	require.NoError(t, e.cache.Refresh(context.Background()))
}

func TestUnauthorizedPrincipalRejected(t *testing.T) {
	e := newTestEnv(t)
	e.seedDevice(t, "dev_A1", registry.DeviceRecord{registry.FieldOwner: "100"})

	err := e.svc.Arm(context.Background(), "999", "dev_A1")
	require.Error(t, err)
	assert.Empty(t, e.pub.commandNames())
}

func TestUnknownDeviceRejected(t *testing.T) {
	e := newTestEnv(t)

	err := e.svc.Arm(context.Background(), "100", "dev_missing")
	require.Error(t, err)
}

func TestArmPublishesToBothTopicForms(t *testing.T) {
	e := newTestEnv(t)
	e.seedDevice(t, "6C_C8_40_4F_C7_B2", registry.DeviceRecord{registry.FieldOwner: "100"})

	require.NoError(t, e.svc.Arm(context.Background(), "100", "6C_C8_40_4F_C7_B2"))

	e.pub.mu.Lock()
	_, full := e.pub.payloads[models.CommandTopic("6C_C8_40_4F_C7_B2")]
	_, short := e.pub.payloads[models.CommandTopic("6C_C8_40_4F_C7")]
	e.pub.mu.Unlock()
	assert.True(t, full)
	assert.True(t, short)
}

func TestCommandCooldown(t *testing.T) {
	e := newTestEnv(t)
	e.seedDevice(t, "dev_A1", registry.DeviceRecord{registry.FieldOwner: "100"})
	ctx := context.Background()

	require.NoError(t, e.svc.Arm(ctx, "100", "dev_A1"))
	err := e.svc.Arm(ctx, "100", "dev_A1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cooldown")

	// 其他会话不受影响
	e.seedDevice(t, "dev_A1", registry.DeviceRecord{
		registry.FieldOwner:     "100",
		registry.FieldSecondary: "200",
	})
	assert.NoError(t, e.svc.Arm(ctx, "200", "dev_A1"))
}

func TestSetFlareModeQueuesWhenOffline(t *testing.T) {
	e := newTestEnv(t)
	e.seedDevice(t, "dev_A1", registry.DeviceRecord{
		registry.FieldOwner:     "100",
		registry.FieldFlareMode: 1,
	})
	ctx := context.Background()

	require.NoError(t, e.svc.SetFlareMode(ctx, "100", "dev_A1", models.FlareAuto))

	// 设备离线：命令排队，注册表立即更新
	assert.Empty(t, e.pub.commandNames())
	assert.Equal(t, models.FlareAuto, e.cache.FlareMode(ctx, "dev_A1"))
}

func TestSetFlareModeSendsWhenOnline(t *testing.T) {
	e := newTestEnv(t)
	e.seedDevice(t, "dev_A1", registry.DeviceRecord{registry.FieldOwner: "100"})
	ctx := context.Background()

	e.tracker.MarkSeen("dev_A1", time.Now())
	require.NoError(t, e.svc.SetFlareMode(ctx, "100", "dev_A1", models.FlareAsk))

	assert.Contains(t, e.pub.commandNames(), models.CmdSetFlareMode)
}

func TestSetExitTimeValidation(t *testing.T) {
	e := newTestEnv(t)
	e.seedDevice(t, "dev_A1", registry.DeviceRecord{registry.FieldOwner: "100"})
	ctx := context.Background()

	require.Error(t, e.svc.SetExitTime(ctx, "100", "dev_A1", 5))

	e.tracker.MarkSeen("dev_A1", time.Now())
	require.NoError(t, e.svc.SetExitTime(ctx, "100", "dev_A1", 120))
	assert.Equal(t, 120*time.Second, e.tracker.ExitTime("dev_A1"))
}

func TestSetScheduleWritesRegistryAndPushes(t *testing.T) {
	e := newTestEnv(t)
	e.seedDevice(t, "dev_A1", registry.DeviceRecord{registry.FieldOwner: "100"})
	ctx := context.Background()
	e.tracker.MarkSeen("dev_A1", time.Now())

	err := e.svc.SetSchedule(ctx, "100", "dev_A1", true, "21:30", "07:00",
		[]string{"Lunes", "Martes"})
	require.NoError(t, err)

	// 本地调度器已更新
	sched, ok := e.svc.ScheduleInfo("dev_A1")
	require.True(t, ok)
	assert.True(t, sched.Enabled)
	assert.Equal(t, "21:30", sched.FormatOnTime())
	assert.Equal(t, "07:00", sched.FormatOffTime())
	assert.Equal(t, []int{1, 2}, sched.DayIndices())

	// 注册表写入带来源标记
	doc, err := e.store.FetchSchedule(ctx, "100")
	require.NoError(t, err)
	require.NotNil(t, doc)
	entry, ok := doc.Devices["dev_A1"]
	require.True(t, ok)
	assert.Equal(t, "telegram", entry.LastUpdatedBy)
	assert.Equal(t, "21:30", entry.ActivationTime)

	// 配置推送到设备
	var found bool
	for _, cmd := range e.pub.commands() {
		if cmd.Command == models.CmdSetSchedule {
			found = true
			assert.Equal(t, true, cmd.Args["enabled"])
			assert.Equal(t, float64(21), cmd.Args["on_hour"])
			assert.Equal(t, float64(30), cmd.Args["on_minute"])
		}
	}
	assert.True(t, found)
}

func TestOnRemoteScheduleSkipsOwnWrites(t *testing.T) {
	e := newTestEnv(t)
	e.seedDevice(t, "dev_A1", registry.DeviceRecord{registry.FieldOwner: "100"})
	ctx := context.Background()
	e.tracker.MarkSeen("dev_A1", time.Now())

	e.svc.OnRemoteSchedule(ctx, "100", &registry.ScheduleDoc{
		Devices: map[string]registry.ScheduleEntry{
			"dev_A1": {
				Enabled:        true,
				ActivationTime: "20:00",
				LastUpdatedBy:  "telegram",
			},
		},
	})

	_, ok := e.svc.ScheduleInfo("dev_A1")
	assert.False(t, ok)
	assert.Empty(t, e.pub.commandNames())
}

func TestOnRemoteScheduleAppliesAndPushes(t *testing.T) {
	e := newTestEnv(t)
	e.seedDevice(t, "dev_A1", registry.DeviceRecord{registry.FieldOwner: "100"})
	ctx := context.Background()
	e.tracker.MarkSeen("dev_A1", time.Now())

	e.svc.OnRemoteSchedule(ctx, "100", &registry.ScheduleDoc{
		Devices: map[string]registry.ScheduleEntry{
			"dev_A1": {
				Enabled:          true,
				ActivationTime:   "2024-01-01T20:15",
				DeactivationTime: "06:45",
				Days:             []string{"Domingo", "Sábado"},
				LastUpdatedBy:    "app",
			},
		},
	})

	sched, ok := e.svc.ScheduleInfo("dev_A1")
	require.True(t, ok)
	assert.Equal(t, "20:15", sched.FormatOnTime())
	assert.Equal(t, "06:45", sched.FormatOffTime())
	assert.Equal(t, []int{0, 6}, sched.DayIndices())
	assert.Contains(t, e.pub.commandNames(), models.CmdSetSchedule)
}

func TestOnRemoteScheduleSystemFansOut(t *testing.T) {
	e := newTestEnv(t)
	e.seedDevice(t, "dev_A1", registry.DeviceRecord{registry.FieldOwner: "100"})
	e.seedDevice(t, "patio_B2", registry.DeviceRecord{registry.FieldOwner: "100"})
	ctx := context.Background()

	e.svc.OnRemoteSchedule(ctx, "100", &registry.ScheduleDoc{
		Devices: map[string]registry.ScheduleEntry{
			"system": {
				Enabled:          true,
				ActivationTime:   "22:00",
				DeactivationTime: "06:00",
				LastUpdatedBy:    "app",
			},
		},
	})

	_, okA := e.svc.ScheduleInfo("dev_A1")
	_, okB := e.svc.ScheduleInfo("patio_B2")
	assert.True(t, okA)
	assert.True(t, okB)
}

func TestOnRemoteScheduleNilDisables(t *testing.T) {
	e := newTestEnv(t)
	e.seedDevice(t, "dev_A1", registry.DeviceRecord{registry.FieldOwner: "100"})
	ctx := context.Background()
	e.tracker.MarkSeen("dev_A1", time.Now())

	require.NoError(t, e.svc.SetSchedule(ctx, "100", "dev_A1", true, "22:00", "06:00", nil))
	_, ok := e.svc.ScheduleInfo("dev_A1")
	require.True(t, ok)

	e.svc.OnRemoteSchedule(ctx, "100", nil)

	_, ok = e.svc.ScheduleInfo("dev_A1")
	assert.False(t, ok)

	// 设备也收到停用
	var disabled bool
	for _, cmd := range e.pub.commands() {
		if cmd.Command == models.CmdSetSchedule && cmd.Args["enabled"] == false {
			disabled = true
		}
	}
	assert.True(t, disabled)
}

func TestScheduledArmSendsAndBroadcasts(t *testing.T) {
	e := newTestEnv(t)
	e.seedDevice(t, "dev_A1", registry.DeviceRecord{
		registry.FieldOwner: "100",
		registry.FieldGroup: "-500",
	})
	ctx := context.Background()

	require.NoError(t, e.svc.SetSchedule(ctx, "100", "dev_A1", true, "22:00", "06:00", nil))
	e.svc.OnArm(ctx, "dev_A1")

	assert.Contains(t, e.pub.commandNames(), models.CmdArm)

	var broadcasted int
	for _, n := range e.notify.all() {
		if n.notice.Title == "🔒 ACTIVACION AUTOMATICA" {
			broadcasted++
			assert.Contains(t, n.notice.Body, "22:00")
		}
	}
	assert.Equal(t, 2, broadcasted)
}

func TestConfirmFlareThroughService(t *testing.T) {
	e := newTestEnv(t)
	e.seedDevice(t, "dev_A1", registry.DeviceRecord{registry.FieldOwner: "100"})
	ctx := context.Background()

	e.svc.workflow.Request(ctx, "dev_A1", "Casa", []string{"100"})

	ok, err := e.svc.ConfirmFlare(ctx, "100", "dev_A1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, e.pub.commandNames(), models.CmdActivateFlare)
	assert.Contains(t, e.pub.commandNames(), models.CmdTriggerAlarm)

	// 没有等待中的请求时返回 false
	ok, err = e.svc.ConfirmFlare(ctx, "100", "dev_A1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGuardConcurrent(t *testing.T) {
	g := NewGuard(time.Hour)

	require.NoError(t, g.Acquire("100", "arm"))
	assert.Error(t, g.Acquire("100", "arm"))
	// 不同命令和不同会话互不影响
	assert.NoError(t, g.Acquire("100", "disarm"))
	assert.NoError(t, g.Acquire("200", "arm"))

	g.Release("100", "arm")
	// 冷却仍然生效
	assert.Error(t, g.Acquire("100", "arm"))
}

func TestGuardCooldownExpires(t *testing.T) {
	g := NewGuard(10 * time.Millisecond)

	require.NoError(t, g.Acquire("100", "arm"))
	g.Release("100", "arm")
	require.Error(t, g.Acquire("100", "arm"))

	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, g.Acquire("100", "arm"))
}
