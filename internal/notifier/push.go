package notifier

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/AlexVitesse/telegram-service/internal/config"
)

// pushRequest 推送网关的请求体
type pushRequest struct {
	To string `json:"to"`
	Notice
}

// PushNotifier 通过 HTTP 推送网关发送通知
type PushNotifier struct {
	client   *resty.Client
	endpoint string
	logger   *zap.Logger
}

// NewPushNotifier 创建推送通知器
func NewPushNotifier(cfg *config.Config, logger *zap.Logger) *PushNotifier {
	client := resty.New().
		SetTimeout(cfg.Push.Timeout).
		SetRetryCount(2)
	if cfg.Push.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.Push.APIKey)
	}

	return &PushNotifier{
		client:   client,
		endpoint: cfg.Push.Endpoint,
		logger:   logger,
	}
}

// Notify 推送一条通知。网关未配置时静默丢弃（本地开发模式）。
func (p *PushNotifier) Notify(ctx context.Context, principalID string, notice Notice) error {
	if p.endpoint == "" {
		p.logger.Debug("push endpoint not configured, dropping notice",
			zap.String("principal_id", principalID),
			zap.String("kind", notice.Kind))
		return nil
	}

	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(pushRequest{To: principalID, Notice: notice}).
		Post(p.endpoint)
	if err != nil {
		return fmt.Errorf("failed to push notice to %s: %w", principalID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("push gateway returned %d for %s", resp.StatusCode(), principalID)
	}

	p.logger.Debug("notice pushed",
		zap.String("principal_id", principalID),
		zap.String("kind", notice.Kind),
		zap.String("device_id", notice.DeviceID))
	return nil
}
