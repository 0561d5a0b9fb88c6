package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/AlexVitesse/telegram-service/internal/config"
)

// Store 远程注册表访问层。
// 设备与定时配置各存一个 hash，所有写入同时发布变更事件到推送 stream，
// 使各实例的本地镜像保持同步。
type Store struct {
	client       *redis.Client
	devicesKey   string
	schedulesKey string
	feedStream   string
	feedGroup    string
	consumer     string
	logger       *zap.Logger
}

// NewStore 创建注册表访问层
func NewStore(client *redis.Client, cfg *config.Config, logger *zap.Logger) *Store {
	return &Store{
		client:       client,
		devicesKey:   cfg.Registry.DevicesKey,
		schedulesKey: cfg.Registry.SchedulesKey,
		feedStream:   cfg.Registry.FeedStream,
		feedGroup:    cfg.Registry.FeedGroup,
		consumer:     cfg.Registry.Consumer,
		logger:       logger,
	}
}

// FetchDevices 拉取全部设备节点
func (s *Store) FetchDevices(ctx context.Context) (map[string]DeviceRecord, error) {
	raw, err := s.client.HGetAll(ctx, s.devicesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch device registry: %w", err)
	}

	devices := make(map[string]DeviceRecord, len(raw))
	for id, val := range raw {
		var rec DeviceRecord
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			s.logger.Warn("skipping malformed device record",
				zap.String("device_id", id),
				zap.Error(err))
			continue
		}
		devices[id] = rec
	}
	return devices, nil
}

// FetchDevice 拉取单个设备节点，不存在时返回 nil
func (s *Store) FetchDevice(ctx context.Context, deviceID string) (DeviceRecord, error) {
	val, err := s.client.HGet(ctx, s.devicesKey, deviceID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch device %s: %w", deviceID, err)
	}

	var rec DeviceRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, fmt.Errorf("malformed device record %s: %w", deviceID, err)
	}
	return rec, nil
}

// UpdateDeviceFields 浅合并写入设备字段（value 为 nil 的键删除），并发布 patch 事件
func (s *Store) UpdateDeviceFields(ctx context.Context, deviceID string, fields map[string]interface{}) error {
	rec, err := s.FetchDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = DeviceRecord{}
	}
	rec.Merge(fields)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode device record %s: %w", deviceID, err)
	}
	if err := s.client.HSet(ctx, s.devicesKey, deviceID, data).Err(); err != nil {
		return fmt.Errorf("failed to write device %s: %w", deviceID, err)
	}

	patch, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode device patch %s: %w", deviceID, err)
	}
	return s.publish(ctx, &ChangeEvent{
		Tree: TreeDevices,
		Op:   OpPatch,
		Path: "/" + deviceID,
		Data: patch,
	})
}

// FetchSchedules 拉取全部定时配置
func (s *Store) FetchSchedules(ctx context.Context) (map[string]*ScheduleDoc, error) {
	raw, err := s.client.HGetAll(ctx, s.schedulesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch schedule registry: %w", err)
	}

	docs := make(map[string]*ScheduleDoc, len(raw))
	for principal, val := range raw {
		var doc ScheduleDoc
		if err := json.Unmarshal([]byte(val), &doc); err != nil {
			s.logger.Warn("skipping malformed schedule doc",
				zap.String("principal_id", principal),
				zap.Error(err))
			continue
		}
		docs[principal] = &doc
	}
	return docs, nil
}

// FetchSchedule 拉取单个会话的定时配置，不存在时返回 nil
func (s *Store) FetchSchedule(ctx context.Context, principalID string) (*ScheduleDoc, error) {
	val, err := s.client.HGet(ctx, s.schedulesKey, principalID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch schedule %s: %w", principalID, err)
	}

	var doc ScheduleDoc
	if err := json.Unmarshal([]byte(val), &doc); err != nil {
		return nil, fmt.Errorf("malformed schedule doc %s: %w", principalID, err)
	}
	return &doc, nil
}

// WriteSchedule 写入某设备的定时配置并发布变更事件。
// lastUpdatedBy 标记写入来源，用于抑制反馈循环。
func (s *Store) WriteSchedule(ctx context.Context, principalID, deviceID string, entry ScheduleEntry) error {
	doc, err := s.FetchSchedule(ctx, principalID)
	if err != nil {
		return err
	}
	if doc == nil {
		doc = &ScheduleDoc{}
	}
	if doc.Devices == nil {
		doc.Devices = make(map[string]ScheduleEntry)
	}
	entry.LastUpdated = time.Now().UTC().Format(time.RFC3339)
	doc.Devices[deviceID] = entry

	if err := s.writeScheduleDoc(ctx, principalID, doc); err != nil {
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode schedule entry: %w", err)
	}
	return s.publish(ctx, &ChangeEvent{
		Tree: TreeSchedules,
		Op:   OpPut,
		Path: "/" + principalID + "/devices/" + deviceID,
		Data: data,
	})
}

// DeleteSchedule 删除某设备的定时配置并发布变更事件
func (s *Store) DeleteSchedule(ctx context.Context, principalID, deviceID string) error {
	doc, err := s.FetchSchedule(ctx, principalID)
	if err != nil {
		return err
	}
	if doc == nil || doc.Devices == nil {
		return nil
	}
	delete(doc.Devices, deviceID)

	if err := s.writeScheduleDoc(ctx, principalID, doc); err != nil {
		return err
	}
	return s.publish(ctx, &ChangeEvent{
		Tree: TreeSchedules,
		Op:   OpPut,
		Path: "/" + principalID + "/devices/" + deviceID,
		Data: json.RawMessage("null"),
	})
}

func (s *Store) writeScheduleDoc(ctx context.Context, principalID string, doc *ScheduleDoc) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode schedule doc %s: %w", principalID, err)
	}
	if err := s.client.HSet(ctx, s.schedulesKey, principalID, data).Err(); err != nil {
		return fmt.Errorf("failed to write schedule %s: %w", principalID, err)
	}
	return nil
}

func (s *Store) publish(ctx context.Context, ev *ChangeEvent) error {
	if _, err := PublishJSONToStream(ctx, s.client, s.feedStream, ev); err != nil {
		return fmt.Errorf("failed to publish change event: %w", err)
	}
	return nil
}

// FeedMessage 推送 stream 中的一条变更
type FeedMessage struct {
	ID    string
	Event *ChangeEvent
}

// EnsureFeedGroup 创建推送 stream 的消费者组
func (s *Store) EnsureFeedGroup(ctx context.Context) error {
	return CreateConsumerGroup(ctx, s.client, s.feedStream, s.feedGroup)
}

// ReadFeed 读取一批变更事件（阻塞最多 5 秒）。无法解析的消息被跳过并确认。
func (s *Store) ReadFeed(ctx context.Context) ([]FeedMessage, error) {
	msgs, err := ReadFromStream(ctx, s.client, s.feedStream, s.feedGroup, s.consumer, 64)
	if err != nil {
		return nil, err
	}

	var out []FeedMessage
	for _, msg := range msgs {
		raw, ok := msg.Values["data"].(string)
		if !ok {
			s.AckFeed(ctx, msg.ID)
			continue
		}
		ev, err := ParseChangeEvent([]byte(raw))
		if err != nil {
			s.logger.Warn("skipping malformed change event",
				zap.String("message_id", msg.ID),
				zap.Error(err))
			s.AckFeed(ctx, msg.ID)
			continue
		}
		out = append(out, FeedMessage{ID: msg.ID, Event: ev})
	}
	return out, nil
}

// AckFeed 确认已处理的变更事件
func (s *Store) AckFeed(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.client.XAck(ctx, s.feedStream, s.feedGroup, ids...).Err()
}
