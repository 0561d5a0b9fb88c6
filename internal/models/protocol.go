package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// MQTT 主题定义（与固件约定保持一致，不可更改）
const (
	TopicEvents    = "dispositivos/eventos"
	TopicTelemetry = "dispositivos/estado_telemetria"

	topicCommands = "dispositivos/comandos/%s"
	topicConfig   = "dispositivos/configuracion/%s"
)

// CommandTopic 返回指定设备的命令主题
func CommandTopic(deviceID string) string {
	return fmt.Sprintf(topicCommands, deviceID)
}

// ConfigTopic 返回指定设备的配置主题
func ConfigTopic(deviceID string) string {
	return fmt.Sprintf(topicConfig, deviceID)
}

// 事件类型（设备 -> 服务）
const (
	EventSystemBoot         = "system_boot"
	EventSystemArmed        = "system_armed"
	EventSystemDisarmed     = "system_disarmed"
	EventAlarmTriggered     = "alarm_triggered"
	EventAlarmStopped       = "alarm_stopped"
	EventFlareActivated     = "bengala_activated"
	EventFlareDeactivated   = "bengala_deactivated"
	EventMovementDetected   = "movement_detected"
	EventDoorOpen           = "door_open"
	EventSensorOnline       = "sensor_online"
	EventSensorOffline      = "sensor_offline"
	EventWifiConnected      = "wifi_connected"
	EventWifiDisconnected   = "wifi_disconnected"
	EventKeypadArm          = "keypad_arm"
	EventKeypadDisarm       = "keypad_disarm"
	EventStatusResponse     = "status_response"
	EventSensorsList        = "sensors_list"
)

// 命令类型（服务 -> 设备）
const (
	CmdArm             = "arm"
	CmdDisarm          = "disarm"
	CmdTriggerAlarm    = "trigger_alarm"
	CmdStopAlarm       = "stop_alarm"
	CmdActivateFlare   = "activate_bengala"
	CmdDeactivateFlare = "deactivate_bengala"
	CmdSetFlareMode    = "set_bengala_mode"
	CmdGetStatus       = "get_status"
	CmdSetSchedule     = "set_schedule"
	CmdSetExitTime     = "set_exit_time"
	CmdBeep            = "beep"
	CmdGetSensors      = "get_sensors"
)

// FlareMode 威慑装置触发模式
type FlareMode int

const (
	// FlareAuto 报警时自动触发
	FlareAuto FlareMode = 0
	// FlareAsk 报警时先向用户请求确认
	FlareAsk FlareMode = 1
)

func (m FlareMode) String() string {
	if m == FlareAsk {
		return "ask"
	}
	return "auto"
}

// Event 设备上报的事件
type Event struct {
	DeviceID  string                 `json:"deviceId"`
	Timestamp int64                  `json:"timestamp"`
	EventType string                 `json:"eventType"`
	Data      map[string]interface{} `json:"data"`
}

// ParseEvent 解析事件 JSON
func ParseEvent(payload []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("failed to parse event payload: %w", err)
	}
	if e.DeviceID == "" {
		return nil, fmt.Errorf("event missing deviceId")
	}
	if e.EventType == "" {
		return nil, fmt.Errorf("event missing eventType")
	}
	return &e, nil
}

// Telemetry 设备周期性上报的遥测数据
type Telemetry struct {
	DeviceID            string    `json:"deviceId"`
	Timestamp           int64     `json:"timestamp"`
	Armed               bool      `json:"armed"`
	AlarmActive         bool      `json:"alarm_active"`
	FlareEnabled        bool      `json:"bengala_enabled"`
	FlareMode           FlareMode `json:"bengala_mode"`
	WifiRSSI            int       `json:"wifi_rssi"`
	HeapFree            int       `json:"heap_free"`
	UptimeSec           int64     `json:"uptime_sec"`
	LoraSensorsActive   int       `json:"lora_sensors_active"`
	AutoScheduleEnabled bool      `json:"auto_schedule_enabled"`
	ExitTimeSec         int       `json:"tiempo_bomba"`
	PreAlarmSec         int       `json:"tiempo_pre"`
	Location            string    `json:"location"`
	Name                string    `json:"name"`
}

// ParseTelemetry 解析遥测 JSON
func ParseTelemetry(payload []byte) (*Telemetry, error) {
	var t Telemetry
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("failed to parse telemetry payload: %w", err)
	}
	if t.DeviceID == "" {
		return nil, fmt.Errorf("telemetry missing deviceId")
	}
	return &t, nil
}

// SensorInfo 单个 LoRa 传感器状态
type SensorInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Active      bool   `json:"active"`
	BatteryPct  int    `json:"battery_pct"`
	LastSeenSec int64  `json:"last_seen_sec"`
}

// SensorsList 设备上报的 LoRa 传感器清单
type SensorsList struct {
	DeviceID      string       `json:"deviceId"`
	Timestamp     int64        `json:"timestamp"`
	TotalSensors  int          `json:"total_sensors"`
	ActiveSensors int          `json:"active_sensors"`
	Sensors       []SensorInfo `json:"sensors"`
}

// ParseSensorsList 解析传感器清单 JSON
func ParseSensorsList(payload []byte) (*SensorsList, error) {
	var s SensorsList
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("failed to parse sensors list payload: %w", err)
	}
	if s.DeviceID == "" {
		return nil, fmt.Errorf("sensors list missing deviceId")
	}
	return &s, nil
}

// Command 下发给设备的命令
type Command struct {
	Timestamp int64                  `json:"timestamp"`
	Command   string                 `json:"command"`
	Args      map[string]interface{} `json:"args"`
}

// NewCommand 创建命令，timestamp 取当前时间
func NewCommand(cmd string, args map[string]interface{}) *Command {
	if args == nil {
		args = map[string]interface{}{}
	}
	return &Command{
		Timestamp: time.Now().Unix(),
		Command:   cmd,
		Args:      args,
	}
}

// Encode 序列化为 JSON
func (c *Command) Encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command %s: %w", c.Command, err)
	}
	return data, nil
}

// IsConfigCommand 判断是否为配置类命令（排队时同类命令互相覆盖）
func IsConfigCommand(cmd string) bool {
	switch cmd {
	case CmdSetFlareMode, CmdSetSchedule, CmdSetExitTime:
		return true
	}
	return false
}

// ConfigMessage 下发给设备的配置项
type ConfigMessage struct {
	Timestamp   int64       `json:"timestamp"`
	ConfigKey   string      `json:"configKey"`
	ConfigValue interface{} `json:"configValue"`
}

// NewConfigMessage 创建配置消息
func NewConfigMessage(key string, value interface{}) *ConfigMessage {
	return &ConfigMessage{
		Timestamp:   time.Now().Unix(),
		ConfigKey:   key,
		ConfigValue: value,
	}
}

// Encode 序列化为 JSON
func (c *ConfigMessage) Encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config %s: %w", c.ConfigKey, err)
	}
	return data, nil
}
