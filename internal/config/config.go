package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// Config 报警桥接服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	// 注册表（远程存储镜像）配置
	Registry struct {
		DevicesKey   string // 设备注册表 hash 键
		SchedulesKey string // 定时配置 hash 键
		FeedStream   string // 变更推送 stream
		FeedGroup    string // 消费者组名
		Consumer     string        // 消费者名
		StateKey     string        // 定时器本地状态 hash 键
		CacheTTL     time.Duration // 监听器不可用时镜像的回退 TTL
	}

	// 桥接服务特定配置
	Bridge struct {
		OfflineTimeout       time.Duration // 无遥测判定离线的阈值
		OfflineSweepInterval time.Duration // 离线巡检周期
		DefaultExitTime      time.Duration // 设备未上报时的默认退出延时
		ArmGraceExtra        time.Duration // 布防宽限期在退出延时之上的余量
		FlareSyncGrace       time.Duration // 本地修改后抑制遥测回同步的窗口
		PendingMaxAge        time.Duration // 排队命令的最大保留时间
		AckWait              time.Duration // 发送命令后等待遥测确认的时间
		ConfirmTimeout       time.Duration // 威慑确认超时
		ConfirmReminder      time.Duration // 威慑确认提醒间隔
		AlarmReminderEvery   time.Duration // 报警持续提醒的最小间隔
		AlarmSweepInterval   time.Duration // 报警提醒巡检周期
		ListenerTimeout      time.Duration // 变更监听无消息判定失联的阈值
		ListenerSweep        time.Duration // 监听器健康巡检周期
		SchedulerTick        time.Duration // 定时器检查周期
		CommandCooldown      time.Duration // 同一会话同一命令的冷却时间
	}

	// 推送通知配置
	Push struct {
		Endpoint string
		APIKey   string
		Timeout  time.Duration
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 从环境变量加载（默认值）
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "sentinel")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = 10
	cfg.Database.MaxIdle = 5

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = 0

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "telegram-service")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1

	cfg.Registry.DevicesKey = getEnv("REGISTRY_DEVICES_KEY", "sentinel:registry:devices")
	cfg.Registry.SchedulesKey = getEnv("REGISTRY_SCHEDULES_KEY", "sentinel:registry:schedules")
	cfg.Registry.FeedStream = getEnv("REGISTRY_FEED_STREAM", "sentinel:registry:feed")
	cfg.Registry.FeedGroup = getEnv("REGISTRY_FEED_GROUP", "telegram-service")
	cfg.Registry.Consumer = getEnv("REGISTRY_FEED_CONSUMER", "bridge-1")
	cfg.Registry.StateKey = getEnv("SCHEDULER_STATE_KEY", "sentinel:scheduler:state")
	cfg.Registry.CacheTTL = 60 * time.Second

	cfg.Bridge.OfflineTimeout = 90 * time.Second
	cfg.Bridge.OfflineSweepInterval = 30 * time.Second
	cfg.Bridge.DefaultExitTime = 60 * time.Second
	cfg.Bridge.ArmGraceExtra = 5 * time.Second
	cfg.Bridge.FlareSyncGrace = 5 * time.Minute
	cfg.Bridge.PendingMaxAge = 24 * time.Hour
	cfg.Bridge.AckWait = 5 * time.Second
	cfg.Bridge.ConfirmTimeout = 120 * time.Second
	cfg.Bridge.ConfirmReminder = 30 * time.Second
	cfg.Bridge.AlarmReminderEvery = 60 * time.Second
	cfg.Bridge.AlarmSweepInterval = 15 * time.Second
	cfg.Bridge.ListenerTimeout = 300 * time.Second
	cfg.Bridge.ListenerSweep = 60 * time.Second
	cfg.Bridge.SchedulerTick = 60 * time.Second
	cfg.Bridge.CommandCooldown = 5 * time.Second

	cfg.Push.Endpoint = getEnv("PUSH_ENDPOINT", "")
	cfg.Push.APIKey = getEnv("PUSH_API_KEY", "")
	cfg.Push.Timeout = 10 * time.Second

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
