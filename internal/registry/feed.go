package registry

import (
	"encoding/json"
	"fmt"
	"strings"
)

// 变更推送的目标树
const (
	TreeDevices   = "devices"
	TreeSchedules = "schedules"
)

// 变更操作类型（语义与远程存储的 put/patch 一致）
const (
	OpPut   = "put"   // 替换路径下的全部内容，data 为 null 表示删除
	OpPatch = "patch" // 浅合并路径下的内容
)

// ChangeEvent 注册表变更推送事件
type ChangeEvent struct {
	Tree string          `json:"tree"`
	Op   string          `json:"op"`
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}

// ParseChangeEvent 解析变更事件 JSON
func ParseChangeEvent(payload []byte) (*ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("failed to parse change event: %w", err)
	}
	if ev.Tree != TreeDevices && ev.Tree != TreeSchedules {
		return nil, fmt.Errorf("unknown change tree: %q", ev.Tree)
	}
	if ev.Op == "" {
		ev.Op = OpPut
	}
	return &ev, nil
}

// Segments 拆分路径。根路径返回空切片。
func (e *ChangeEvent) Segments() []string {
	p := strings.Trim(e.Path, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// IsNull 判断 data 是否为 null（删除语义）
func (e *ChangeEvent) IsNull() bool {
	trimmed := strings.TrimSpace(string(e.Data))
	return trimmed == "" || trimmed == "null"
}
