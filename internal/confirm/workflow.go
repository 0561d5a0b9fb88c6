package confirm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AlexVitesse/telegram-service/internal/identity"
	"github.com/AlexVitesse/telegram-service/internal/models"
	"github.com/AlexVitesse/telegram-service/internal/notifier"
)

// CommandSender 命令下发接口（由 dispatcher 实现）
type CommandSender interface {
	Send(ctx context.Context, deviceID, cmd string, args map[string]interface{}) error
}

// pending 一次等待用户确认的威慑请求
type pending struct {
	deviceID   string // 规范键
	label      string // 通知中的设备称呼（位置或 ID）
	principals []string
	startedAt  time.Time
	cancel     chan struct{}
	done       chan struct{} // watch 退出后关闭，取消方据此等待在途投递结束
	once       sync.Once
}

func (p *pending) stop() {
	p.once.Do(func() { close(p.cancel) })
}

// Workflow 威慑装置的确认流程。
// 询问模式下报警触发后先向授权会话请求确认：确认则点火并拉响警报，
// 拒绝则停止警报（保持布防），超时则通知所有人并保持布防。
// 每个设备的提醒/超时任务挂在 pending 表里，可同步取消。
type Workflow struct {
	sender   CommandSender
	notify   notifier.Notifier
	index    *identity.Index
	timeout  time.Duration
	reminder time.Duration

	mu      sync.Mutex
	pending map[string]*pending

	logger *zap.Logger
}

// NewWorkflow 创建确认流程
func NewWorkflow(sender CommandSender, notify notifier.Notifier, index *identity.Index,
	timeout, reminder time.Duration, logger *zap.Logger) *Workflow {
	return &Workflow{
		sender:   sender,
		notify:   notify,
		index:    index,
		timeout:  timeout,
		reminder: reminder,
		pending:  make(map[string]*pending),
		logger:   logger,
	}
}

// Pending 判断某设备是否有确认在等待
func (w *Workflow) Pending(deviceID string) bool {
	canonical, _ := w.index.Resolve(deviceID)

	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.pending[canonical]
	return ok
}

// Request 发起确认请求。已有等待中的请求时返回 false（重复触发被忽略）。
func (w *Workflow) Request(ctx context.Context, deviceID, label string, principals []string) bool {
	canonical := w.index.Register(deviceID)

	w.mu.Lock()
	if _, ok := w.pending[canonical]; ok {
		w.mu.Unlock()
		w.logger.Info("confirmation already pending, ignoring duplicate trigger",
			zap.String("device_id", canonical))
		return false
	}
	p := &pending{
		deviceID:   canonical,
		label:      label,
		principals: principals,
		startedAt:  time.Now(),
		cancel:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	w.pending[canonical] = p
	w.mu.Unlock()

	w.logger.Info("flare confirmation requested",
		zap.String("device_id", canonical),
		zap.Int("principals", len(principals)))

	for _, principal := range principals {
		notice := notifier.Notice{
			DeviceID: canonical,
			Kind:     notifier.KindConfirm,
			Title:    "🚨 Alarma disparada",
			Body:     fmt.Sprintf("Alarma en %s. ¿Disparar bengala? Responde Sí o No.", label),
			// 操作按钮只给私聊会话，群组仅通知
			WithActions: !notifier.IsGroupPrincipal(principal),
		}
		if err := w.notify.Notify(ctx, principal, notice); err != nil {
			w.logger.Error("failed to notify principal",
				zap.String("principal_id", principal),
				zap.Error(err))
		}
	}

	go w.watch(p)
	return true
}

// watch 提醒与超时任务，随 pending 一起取消
func (w *Workflow) watch(p *pending) {
	defer close(p.done)

	ticker := time.NewTicker(w.reminder)
	defer ticker.Stop()
	expire := time.NewTimer(w.timeout)
	defer expire.Stop()

	for {
		select {
		case <-p.cancel:
			return
		case <-ticker.C:
			w.remind(p)
		case <-expire.C:
			w.expire(p)
			return
		}
	}
}

// remind 仅提醒私聊会话，群组不刷屏
func (w *Workflow) remind(p *pending) {
	// 请求已被取走（确认/拒绝/清除）则不再投递
	w.mu.Lock()
	current, ok := w.pending[p.deviceID]
	w.mu.Unlock()
	if !ok || current != p {
		return
	}

	ctx := context.Background()
	remaining := w.timeout - time.Since(p.startedAt)
	if remaining < 0 {
		remaining = 0
	}

	for _, principal := range p.principals {
		if notifier.IsGroupPrincipal(principal) {
			continue
		}
		notice := notifier.Notice{
			DeviceID:    p.deviceID,
			Kind:        notifier.KindReminder,
			Title:       "⏳ Esperando confirmación",
			Body:        fmt.Sprintf("Bengala en espera para %s (%ds restantes).", p.label, int(remaining.Seconds())),
			WithActions: true,
		}
		if err := w.notify.Notify(ctx, principal, notice); err != nil {
			w.logger.Error("failed to send confirmation reminder",
				zap.String("principal_id", principal),
				zap.Error(err))
		}
	}
}

func (w *Workflow) expire(p *pending) {
	w.mu.Lock()
	current, ok := w.pending[p.deviceID]
	if !ok || current != p {
		w.mu.Unlock()
		return
	}
	delete(w.pending, p.deviceID)
	w.mu.Unlock()

	w.logger.Warn("flare confirmation expired",
		zap.String("device_id", p.deviceID))

	ctx := context.Background()
	for _, principal := range p.principals {
		notice := notifier.Notice{
			DeviceID: p.deviceID,
			Kind:     notifier.KindInfo,
			Title:    "⌛ Confirmación expirada",
			Body:     fmt.Sprintf("Nadie respondió para %s. El sistema sigue armado, la bengala no se disparó.", p.label),
		}
		if err := w.notify.Notify(ctx, principal, notice); err != nil {
			w.logger.Error("failed to notify expiry",
				zap.String("principal_id", principal),
				zap.Error(err))
		}
	}
}

// take 取走并取消等待中的请求，等 watch 退出后才返回，
// 保证返回时没有在途的提醒投递。
func (w *Workflow) take(deviceID string) *pending {
	canonical, _ := w.index.Resolve(deviceID)

	w.mu.Lock()
	p, ok := w.pending[canonical]
	if ok {
		delete(w.pending, canonical)
	}
	w.mu.Unlock()

	if !ok {
		return nil
	}
	p.stop()
	<-p.done
	return p
}

// Confirm 用户确认：点火并拉响警报。没有等待中的请求时返回 false。
func (w *Workflow) Confirm(ctx context.Context, deviceID, principalID string) bool {
	p := w.take(deviceID)
	if p == nil {
		return false
	}

	w.logger.Info("flare confirmed",
		zap.String("device_id", p.deviceID),
		zap.String("principal_id", principalID))

	// 先点火，再拉响警报
	if err := w.sender.Send(ctx, p.deviceID, models.CmdActivateFlare, nil); err != nil {
		w.logger.Error("failed to activate flare", zap.Error(err))
	}
	if err := w.sender.Send(ctx, p.deviceID, models.CmdTriggerAlarm, nil); err != nil {
		w.logger.Error("failed to trigger alarm", zap.Error(err))
	}

	w.broadcast(ctx, p, "🔥 Bengala disparada", fmt.Sprintf("Confirmado para %s.", p.label))
	return true
}

// Decline 用户拒绝：停止警报，保持布防。没有等待中的请求时返回 false。
func (w *Workflow) Decline(ctx context.Context, deviceID, principalID string) bool {
	p := w.take(deviceID)
	if p == nil {
		return false
	}

	w.logger.Info("flare declined",
		zap.String("device_id", p.deviceID),
		zap.String("principal_id", principalID))

	if err := w.sender.Send(ctx, p.deviceID, models.CmdStopAlarm, nil); err != nil {
		w.logger.Error("failed to stop alarm", zap.Error(err))
	}

	w.broadcast(ctx, p, "✅ Bengala cancelada", fmt.Sprintf("Sirena detenida en %s. El sistema sigue armado.", p.label))
	return true
}

// Clear 静默清除等待中的请求（系统撤防或警报已停止时）
func (w *Workflow) Clear(deviceID string) {
	if p := w.take(deviceID); p != nil {
		w.logger.Info("pending confirmation cleared",
			zap.String("device_id", p.deviceID))
	}
}

func (w *Workflow) broadcast(ctx context.Context, p *pending, title, body string) {
	for _, principal := range p.principals {
		notice := notifier.Notice{
			DeviceID: p.deviceID,
			Kind:     notifier.KindInfo,
			Title:    title,
			Body:     body,
		}
		if err := w.notify.Notify(ctx, principal, notice); err != nil {
			w.logger.Error("failed to broadcast confirmation result",
				zap.String("principal_id", principal),
				zap.Error(err))
		}
	}
}
