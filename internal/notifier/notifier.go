package notifier

import (
	"context"
	"strings"
)

// 通知类别
const (
	KindAlarm     = "alarm"
	KindOffline   = "offline"
	KindReconnect = "reconnect"
	KindConfirm   = "confirm"
	KindReminder  = "reminder"
	KindInfo      = "info"
)

// Notice 推送给某个会话的一条通知
type Notice struct {
	DeviceID    string `json:"deviceId"`
	Kind        string `json:"kind"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	WithActions bool   `json:"withActions"` // 附带确认/拒绝操作（仅私聊会话）
}

// Notifier 通知前端的出口
type Notifier interface {
	Notify(ctx context.Context, principalID string, notice Notice) error
}

// IsGroupPrincipal 判断会话是否为群组（群组会话 ID 为负数）
func IsGroupPrincipal(principalID string) bool {
	return strings.HasPrefix(principalID, "-")
}
