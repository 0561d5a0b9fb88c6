package models

import "time"

// 审计记录类别
const (
	AuditDeviceEvent = "device_event" // 设备上报的事件
	AuditCommand     = "command"      // 服务下发的命令
)

// BridgeEvent 桥接服务的审计记录
type BridgeEvent struct {
	EventID   string                 `json:"event_id"`
	DeviceID  string                 `json:"device_id"`
	Kind      string                 `json:"kind"`
	Name      string                 `json:"name"`   // 事件类型或命令名
	Queued    bool                   `json:"queued"` // 命令是否因离线而排队
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
