package dispatcher

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AlexVitesse/telegram-service/internal/bus"
	"github.com/AlexVitesse/telegram-service/internal/identity"
	"github.com/AlexVitesse/telegram-service/internal/models"
)

// PresenceChecker 在线状态查询（由 presence.Tracker 实现）
type PresenceChecker interface {
	IsOnline(deviceID string, now time.Time) bool
	LastSeen(deviceID string) (time.Time, bool)
}

// AuditSink 命令下发审计（可选）
type AuditSink interface {
	RecordCommand(ctx context.Context, deviceID, command string, queued bool)
}

// pendingCommand 离线期间排队的命令
type pendingCommand struct {
	cmd      string
	args     map[string]interface{}
	queuedAt time.Time
}

// Dispatcher 命令下发器。
// 每个命令同时发布到完整 ID 和截断 ID 两个主题（固件可能订阅任一形式）。
// 设备离线时配置类命令进入待发队列，重连后按入队顺序补发。
type Dispatcher struct {
	pub      bus.Publisher
	presence PresenceChecker
	index    *identity.Index
	audit    AuditSink

	qos     byte
	maxAge  time.Duration // 排队命令的最大保留时间
	ackWait time.Duration // 发送后等待遥测确认的时间

	mu      sync.Mutex
	pending map[string][]pendingCommand

	logger *zap.Logger
}

// NewDispatcher 创建命令下发器
func NewDispatcher(pub bus.Publisher, presence PresenceChecker, index *identity.Index,
	qos byte, maxAge, ackWait time.Duration, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		pub:      pub,
		presence: presence,
		index:    index,
		qos:      qos,
		maxAge:   maxAge,
		ackWait:  ackWait,
		pending:  make(map[string][]pendingCommand),
		logger:   logger,
	}
}

// SetAuditSink 注册命令审计接收方
func (d *Dispatcher) SetAuditSink(sink AuditSink) {
	d.audit = sink
}

// Send 立即下发命令（不检查在线状态）
func (d *Dispatcher) Send(ctx context.Context, deviceID, cmd string, args map[string]interface{}) error {
	payload, err := models.NewCommand(cmd, args).Encode()
	if err != nil {
		return err
	}

	if err := d.pub.Publish(models.CommandTopic(deviceID), d.qos, false, payload); err != nil {
		return err
	}
	d.logger.Info("command sent",
		zap.String("device_id", deviceID),
		zap.String("command", cmd))

	// 截断 ID 不同则同时发布（固件 MAC 截断的兼容回退）
	if truncated := identity.Truncate(deviceID); truncated != deviceID {
		if err := d.pub.Publish(models.CommandTopic(truncated), d.qos, false, payload); err != nil {
			d.logger.Warn("failed to publish to truncated topic",
				zap.String("device_id", truncated),
				zap.Error(err))
		}
	}

	if d.audit != nil {
		d.audit.RecordCommand(ctx, deviceID, cmd, false)
	}
	return nil
}

// SendOrQueue 下发命令；设备离线时改为排队，返回是否排队。
// 队列中同名的配置类命令被新命令覆盖。
func (d *Dispatcher) SendOrQueue(ctx context.Context, deviceID, cmd string, args map[string]interface{}) (bool, error) {
	if d.presence.IsOnline(deviceID, time.Now()) {
		return false, d.Send(ctx, deviceID, cmd, args)
	}

	canonical := d.index.Register(deviceID)

	d.mu.Lock()
	queue := d.pending[canonical]
	if models.IsConfigCommand(cmd) {
		kept := queue[:0]
		for _, pc := range queue {
			if pc.cmd != cmd {
				kept = append(kept, pc)
			}
		}
		queue = kept
	}
	queue = append(queue, pendingCommand{cmd: cmd, args: args, queuedAt: time.Now()})
	d.pending[canonical] = queue
	total := len(queue)
	d.mu.Unlock()

	d.logger.Info("device offline, command queued",
		zap.String("device_id", deviceID),
		zap.String("command", cmd),
		zap.Int("pending", total))

	if d.audit != nil {
		d.audit.RecordCommand(ctx, deviceID, cmd, true)
	}
	return true, nil
}

// FlushPending 设备重连后补发排队命令。
// 队列可能挂在任一 ID 形式下，全部收集后按入队顺序发送；过期命令丢弃。
func (d *Dispatcher) FlushPending(ctx context.Context, deviceID string) int {
	canonical, _ := d.index.Resolve(deviceID)

	d.mu.Lock()
	var batch []pendingCommand
	for id, queue := range d.pending {
		if id != canonical && !identity.SameDevice(id, deviceID) {
			continue
		}
		batch = append(batch, queue...)
		delete(d.pending, id)
	}
	d.mu.Unlock()

	if len(batch) == 0 {
		return 0
	}

	// 队列可能来自多个别名键，按入队时间恢复全局顺序
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].queuedAt.Before(batch[j].queuedAt)
	})

	now := time.Now()
	sent := 0
	for _, pc := range batch {
		if now.Sub(pc.queuedAt) >= d.maxAge {
			d.logger.Info("discarding expired pending command",
				zap.String("device_id", deviceID),
				zap.String("command", pc.cmd))
			continue
		}
		if err := d.Send(ctx, deviceID, pc.cmd, pc.args); err != nil {
			d.logger.Error("failed to flush pending command",
				zap.String("device_id", deviceID),
				zap.String("command", pc.cmd),
				zap.Error(err))
			continue
		}
		sent++
	}

	if sent > 0 {
		d.logger.Info("pending commands flushed",
			zap.String("device_id", deviceID),
			zap.Int("sent", sent))
	}
	return sent
}

// PendingCount 返回某设备排队中的命令数
func (d *Dispatcher) PendingCount(deviceID string) int {
	canonical, _ := d.index.Resolve(deviceID)

	d.mu.Lock()
	defer d.mu.Unlock()

	count := 0
	for id, queue := range d.pending {
		if id == canonical || identity.SameDevice(id, deviceID) {
			count += len(queue)
		}
	}
	return count
}

// SendConfig 下发配置项到设备的配置主题
func (d *Dispatcher) SendConfig(ctx context.Context, deviceID, key string, value interface{}) error {
	payload, err := models.NewConfigMessage(key, value).Encode()
	if err != nil {
		return err
	}
	if err := d.pub.Publish(models.ConfigTopic(deviceID), d.qos, false, payload); err != nil {
		return err
	}
	if truncated := identity.Truncate(deviceID); truncated != deviceID {
		if err := d.pub.Publish(models.ConfigTopic(truncated), d.qos, false, payload); err != nil {
			d.logger.Warn("failed to publish config to truncated topic",
				zap.String("device_id", truncated),
				zap.Error(err))
		}
	}
	d.logger.Info("config sent",
		zap.String("device_id", deviceID),
		zap.String("config_key", key))
	return nil
}

// SendWithAck 下发命令后等待一段时间，以发送之后出现的新遥测作为收到的依据。
// 返回设备是否在窗口内有响应（尽力而为，不保证命令被执行）。
func (d *Dispatcher) SendWithAck(ctx context.Context, deviceID, cmd string, args map[string]interface{}) (bool, error) {
	sentAt := time.Now()
	if err := d.Send(ctx, deviceID, cmd, args); err != nil {
		return false, err
	}

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(d.ackWait):
	}

	seen, ok := d.presence.LastSeen(deviceID)
	acked := ok && seen.After(sentAt)
	if !acked {
		d.logger.Warn("no telemetry after command, device may not have received it",
			zap.String("device_id", deviceID),
			zap.String("command", cmd))
	}
	return acked, nil
}
