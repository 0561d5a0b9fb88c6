package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// State 定时配置的持久化层（Redis hash，按设备一个字段）。
// 进程重启后恢复执行标记，避免同一天重复触发。
type State struct {
	client *redis.Client
	key    string
	logger *zap.Logger
}

// NewState 创建持久化层
func NewState(client *redis.Client, key string, logger *zap.Logger) *State {
	return &State{client: client, key: key, logger: logger}
}

// LoadAll 加载全部设备的定时配置
func (s *State) LoadAll(ctx context.Context) (map[string]*Schedule, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load scheduler state: %w", err)
	}

	out := make(map[string]*Schedule, len(raw))
	for deviceID, val := range raw {
		var sched Schedule
		if err := json.Unmarshal([]byte(val), &sched); err != nil {
			s.logger.Warn("skipping malformed schedule state",
				zap.String("device_id", deviceID),
				zap.Error(err))
			continue
		}
		out[deviceID] = &sched
	}
	return out, nil
}

// Save 保存某设备的定时配置
func (s *State) Save(ctx context.Context, deviceID string, sched *Schedule) error {
	data, err := json.Marshal(sched)
	if err != nil {
		return fmt.Errorf("failed to encode schedule state: %w", err)
	}
	if err := s.client.HSet(ctx, s.key, deviceID, data).Err(); err != nil {
		return fmt.Errorf("failed to save schedule state %s: %w", deviceID, err)
	}
	return nil
}

// Delete 删除某设备的定时配置
func (s *State) Delete(ctx context.Context, deviceID string) error {
	return s.client.HDel(ctx, s.key, deviceID).Err()
}
