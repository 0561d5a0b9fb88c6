package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/AlexVitesse/telegram-service/internal/models"
)

// BridgeEventsRepository 桥接审计仓库（设备事件与下发命令的持久记录）
type BridgeEventsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewBridgeEventsRepository 创建审计仓库
func NewBridgeEventsRepository(db *sql.DB, logger *zap.Logger) *BridgeEventsRepository {
	return &BridgeEventsRepository{
		db:     db,
		logger: logger,
	}
}

// CreateDeviceEvent 记录一条设备事件
func (r *BridgeEventsRepository) CreateDeviceEvent(ctx context.Context, deviceID, eventType string, payload map[string]interface{}) (string, error) {
	if deviceID == "" {
		return "", fmt.Errorf("device_id is required")
	}
	if eventType == "" {
		return "", fmt.Errorf("event_type is required")
	}

	eventID := uuid.New().String()
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode event payload: %w", err)
	}

	query := `
		INSERT INTO bridge_events (event_id, device_id, kind, name, queued, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.db.ExecContext(ctx, query,
		eventID, deviceID, models.AuditDeviceEvent, eventType, false, payloadJSON, time.Now())
	if err != nil {
		return "", fmt.Errorf("failed to insert device event: %w", err)
	}
	return eventID, nil
}

// CreateCommandAudit 记录一条下发命令
func (r *BridgeEventsRepository) CreateCommandAudit(ctx context.Context, deviceID, command string, queued bool) (string, error) {
	if deviceID == "" {
		return "", fmt.Errorf("device_id is required")
	}
	if command == "" {
		return "", fmt.Errorf("command is required")
	}

	eventID := uuid.New().String()
	query := `
		INSERT INTO bridge_events (event_id, device_id, kind, name, queued, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		eventID, deviceID, models.AuditCommand, command, queued, []byte("{}"), time.Now())
	if err != nil {
		return "", fmt.Errorf("failed to insert command audit: %w", err)
	}
	return eventID, nil
}

// ListRecent 查询某设备最近的审计记录
func (r *BridgeEventsRepository) ListRecent(ctx context.Context, deviceID string, limit int) ([]*models.BridgeEvent, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT event_id, device_id, kind, name, queued, payload, created_at
		FROM bridge_events
		WHERE device_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query bridge events: %w", err)
	}
	defer rows.Close()

	var events []*models.BridgeEvent
	for rows.Next() {
		var ev models.BridgeEvent
		var payload []byte
		if err := rows.Scan(&ev.EventID, &ev.DeviceID, &ev.Kind, &ev.Name, &ev.Queued, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bridge event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				r.logger.Warn("malformed payload in bridge event",
					zap.String("event_id", ev.EventID),
					zap.Error(err))
			}
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bridge events: %w", err)
	}
	return events, nil
}

// PurgeOlderThan 清理过期审计记录，返回删除数量
func (r *BridgeEventsRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM bridge_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge bridge events: %w", err)
	}
	return result.RowsAffected()
}
