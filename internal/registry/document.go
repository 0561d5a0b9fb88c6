package registry

import (
	"encoding/json"
	"strconv"
	"strings"
)

// 注册表中设备节点的字段名（与 App 约定保持一致，不可更改）
const (
	FieldOwner      = "Telegram_ID"   // 主用户会话 ID（历史数据可能用 ||| 连接多个）
	FieldSecondary  = "Telegram_ID_2" // 次用户会话 ID
	FieldGroup      = "Group_ID"      // 群组会话 ID
	FieldArmed      = "Estado"        // 布防状态
	FieldAlarming   = "Alarming"      // 报警状态
	FieldFlareMode  = "ModoBengala"   // 威慑模式 0=自动 1=询问
	FieldFlareOn    = "BengalaHab"    // 威慑装置是否启用
	FieldExitTime   = "Tiempo_Bomba"  // 退出延时（秒）
	FieldTelemetry  = "telemetry"     // 最近一次遥测快照
	FieldName       = "Nombre"        // 设备名称/位置（App 写入）
)

// legacySeparator 历史数据中多个会话 ID 的连接符
const legacySeparator = "|||"

// DeviceRecord 注册表中的一个设备节点。
// 字段集合由 App 决定，这里保持无模式，按需取值。
type DeviceRecord map[string]interface{}

// Clone 深拷贝一层（值本身不复制）
func (r DeviceRecord) Clone() DeviceRecord {
	out := make(DeviceRecord, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge 浅合并：value 为 nil 的键被删除
func (r DeviceRecord) Merge(fields map[string]interface{}) {
	for k, v := range fields {
		if v == nil {
			delete(r, k)
			continue
		}
		r[k] = v
	}
}

// String 取字符串字段（数字也转为字符串形式返回空则视为缺失）
func (r DeviceRecord) String(field string) string {
	v, ok := r[field]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		// 会话 ID 可能被写成数字
		return strconv.FormatFloat(val, 'f', -1, 64)
	}
	return ""
}

// Bool 取布尔字段
func (r DeviceRecord) Bool(field string) (bool, bool) {
	v, ok := r[field]
	if !ok || v == nil {
		return false, false
	}
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		return val == "true" || val == "1", true
	case float64:
		return val != 0, true
	}
	return false, false
}

// Int 取整数字段
func (r DeviceRecord) Int(field string) (int, bool) {
	v, ok := r[field]
	if !ok || v == nil {
		return 0, false
	}
	switch val := v.(type) {
	case float64:
		return int(val), true
	case int:
		return val, true
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return int(n), true
		}
	}
	return 0, false
}

// Principals 返回该设备的全部授权会话 ID（拆分历史 ||| 连接形式）
func (r DeviceRecord) Principals() []string {
	var out []string
	for _, field := range []string{FieldOwner, FieldSecondary, FieldGroup} {
		raw := r.String(field)
		if raw == "" {
			continue
		}
		for _, id := range strings.Split(raw, legacySeparator) {
			id = strings.TrimSpace(id)
			if id != "" {
				out = append(out, id)
			}
		}
	}
	return dedupStrings(out)
}

// HasPrincipal 判断某会话 ID 是否被授权使用该设备
func (r DeviceRecord) HasPrincipal(principalID string) bool {
	for _, id := range r.Principals() {
		if id == principalID {
			return true
		}
	}
	return false
}

func dedupStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// ScheduleEntry 某设备的定时布防配置（App 写入的格式）
type ScheduleEntry struct {
	Enabled          bool     `json:"enabled"`
	ActivationTime   string   `json:"activationTime"`
	DeactivationTime string   `json:"deactivationTime"`
	Days             []string `json:"days"`
	LastUpdated      string   `json:"lastUpdated,omitempty"`
	LastUpdatedBy    string   `json:"lastUpdatedBy,omitempty"`
}

// ScheduleDoc 某会话在注册表中的定时配置文档
type ScheduleDoc struct {
	Devices map[string]ScheduleEntry `json:"devices"`
}
