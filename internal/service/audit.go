package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/AlexVitesse/telegram-service/internal/repository"
)

// AuditRecorder 把审计写入仓库，失败只记日志不影响主流程。
// 同时满足 dispatcher 和 router 的审计接口。
type AuditRecorder struct {
	repo   *repository.BridgeEventsRepository
	logger *zap.Logger
}

// NewAuditRecorder 创建审计记录器
func NewAuditRecorder(repo *repository.BridgeEventsRepository, logger *zap.Logger) *AuditRecorder {
	return &AuditRecorder{
		repo:   repo,
		logger: logger,
	}
}

// RecordDeviceEvent 记录设备事件
func (a *AuditRecorder) RecordDeviceEvent(ctx context.Context, deviceID, eventType string, payload map[string]interface{}) {
	if _, err := a.repo.CreateDeviceEvent(ctx, deviceID, eventType, payload); err != nil {
		a.logger.Error("failed to record device event",
			zap.String("device_id", deviceID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// RecordCommand 记录下发命令
func (a *AuditRecorder) RecordCommand(ctx context.Context, deviceID, command string, queued bool) {
	if _, err := a.repo.CreateCommandAudit(ctx, deviceID, command, queued); err != nil {
		a.logger.Error("failed to record command audit",
			zap.String("device_id", deviceID),
			zap.String("command", command),
			zap.Error(err))
	}
}
