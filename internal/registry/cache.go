package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AlexVitesse/telegram-service/internal/identity"
	"github.com/AlexVitesse/telegram-service/internal/models"
)

// DeviceFieldChange 远端修改了某个受关注的设备配置字段
type DeviceFieldChange struct {
	DeviceID string
	Field    string
	Value    interface{}
}

// ScheduleChange 远端修改了某会话的定时配置。Doc 为 nil 表示删除。
type ScheduleChange struct {
	PrincipalID string
	Doc         *ScheduleDoc
}

// ChangeResult ApplyChange 产生的需要外部响应的变更
type ChangeResult struct {
	DeviceFields []DeviceFieldChange
	Schedules    []ScheduleChange
}

// watchedFields 变更后需要下发到设备的注册表字段
var watchedFields = []string{FieldFlareMode, FieldFlareOn, FieldExitTime}

// Cache 注册表本地镜像（权限缓存）。
// 正常情况下由变更推送保持最新；监听失联时按 TTL 回退到全量拉取。
type Cache struct {
	mu    sync.RWMutex
	store *Store
	index *identity.Index
	ttl   time.Duration

	devices   map[string]DeviceRecord
	schedules map[string]*ScheduleDoc
	lastKnown map[string]map[string]interface{}

	initialized bool
	fetchedAt   time.Time
	listenerOK  bool

	logger *zap.Logger
}

// NewCache 创建权限缓存
func NewCache(store *Store, index *identity.Index, ttl time.Duration, logger *zap.Logger) *Cache {
	return &Cache{
		store:     store,
		index:     index,
		ttl:       ttl,
		devices:   make(map[string]DeviceRecord),
		schedules: make(map[string]*ScheduleDoc),
		lastKnown: make(map[string]map[string]interface{}),
		logger:    logger,
	}
}

// Refresh 全量拉取注册表到本地镜像
func (c *Cache) Refresh(ctx context.Context) error {
	devices, err := c.store.FetchDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh device mirror: %w", err)
	}
	schedules, err := c.store.FetchSchedules(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh schedule mirror: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.devices = devices
	c.schedules = schedules
	for id, rec := range devices {
		c.index.Register(id)
		c.primeLocked(id, rec)
	}
	c.initialized = true
	c.fetchedAt = time.Now()

	c.logger.Info("registry mirror refreshed",
		zap.Int("devices", len(devices)),
		zap.Int("schedules", len(schedules)))
	return nil
}

// SetListenerActive 由监听器上报健康状态
func (c *Cache) SetListenerActive(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listenerOK = active
}

// ListenerActive 返回监听器健康状态
func (c *Cache) ListenerActive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.listenerOK
}

// ensureFresh 镜像不可信时回退到全量拉取
func (c *Cache) ensureFresh(ctx context.Context) {
	c.mu.RLock()
	fresh := c.initialized && (c.listenerOK || time.Since(c.fetchedAt) < c.ttl)
	c.mu.RUnlock()
	if fresh {
		return
	}

	c.logger.Info("registry mirror stale, falling back to full fetch")
	if err := c.Refresh(ctx); err != nil {
		// 保留旧镜像继续工作
		c.logger.Error("failed to refresh stale mirror", zap.Error(err))
	}
}

// ApplyChange 将一条变更推送合入镜像，返回需要外部响应的变更。
func (c *Cache) ApplyChange(ctx context.Context, ev *ChangeEvent) (*ChangeResult, error) {
	switch ev.Tree {
	case TreeDevices:
		return c.applyDeviceChange(ctx, ev)
	case TreeSchedules:
		return c.applyScheduleChange(ctx, ev)
	}
	return nil, fmt.Errorf("unknown change tree: %q", ev.Tree)
}

func (c *Cache) applyDeviceChange(ctx context.Context, ev *ChangeEvent) (*ChangeResult, error) {
	seg := ev.Segments()
	result := &ChangeResult{}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case len(seg) == 0:
		// 根路径：null 清空，对象整体替换
		if ev.IsNull() {
			c.devices = make(map[string]DeviceRecord)
			return result, nil
		}
		var all map[string]DeviceRecord
		if err := json.Unmarshal(ev.Data, &all); err != nil {
			return nil, fmt.Errorf("malformed root snapshot: %w", err)
		}
		c.devices = all
		for id, rec := range all {
			c.index.Register(id)
			result.DeviceFields = append(result.DeviceFields, c.diffLocked(id, rec)...)
		}

	case len(seg) == 1:
		id := seg[0]
		if ev.IsNull() {
			delete(c.devices, id)
			delete(c.lastKnown, id)
			return result, nil
		}
		var fields map[string]interface{}
		if err := json.Unmarshal(ev.Data, &fields); err != nil {
			return nil, fmt.Errorf("malformed device change %s: %w", id, err)
		}
		rec, ok := c.devices[id]
		if !ok || ev.Op == OpPut {
			rec = DeviceRecord{}
		}
		if ev.Op == OpPatch {
			rec = rec.Clone()
		}
		rec.Merge(fields)
		c.devices[id] = rec
		c.index.Register(id)
		result.DeviceFields = append(result.DeviceFields, c.diffLocked(id, rec)...)

	default:
		// 字段级或更深路径：重新拉取该设备
		id := seg[0]
		rec, err := c.store.FetchDevice(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			delete(c.devices, id)
			delete(c.lastKnown, id)
			return result, nil
		}
		c.devices[id] = rec
		c.index.Register(id)
		result.DeviceFields = append(result.DeviceFields, c.diffLocked(id, rec)...)
	}

	return result, nil
}

func (c *Cache) applyScheduleChange(ctx context.Context, ev *ChangeEvent) (*ChangeResult, error) {
	seg := ev.Segments()
	result := &ChangeResult{}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case len(seg) == 0:
		if ev.IsNull() {
			for principal := range c.schedules {
				result.Schedules = append(result.Schedules, ScheduleChange{PrincipalID: principal})
			}
			c.schedules = make(map[string]*ScheduleDoc)
			return result, nil
		}
		var all map[string]*ScheduleDoc
		if err := json.Unmarshal(ev.Data, &all); err != nil {
			return nil, fmt.Errorf("malformed schedule snapshot: %w", err)
		}
		c.schedules = all
		for principal, doc := range all {
			result.Schedules = append(result.Schedules, ScheduleChange{PrincipalID: principal, Doc: doc})
		}

	case len(seg) == 1:
		principal := seg[0]
		if ev.IsNull() {
			delete(c.schedules, principal)
			result.Schedules = append(result.Schedules, ScheduleChange{PrincipalID: principal})
			return result, nil
		}
		var doc ScheduleDoc
		if err := json.Unmarshal(ev.Data, &doc); err != nil {
			return nil, fmt.Errorf("malformed schedule change %s: %w", principal, err)
		}
		c.schedules[principal] = &doc
		result.Schedules = append(result.Schedules, ScheduleChange{PrincipalID: principal, Doc: &doc})

	default:
		// 设备级或更深路径：重新拉取该会话的整份配置
		principal := seg[0]
		doc, err := c.store.FetchSchedule(ctx, principal)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			delete(c.schedules, principal)
			result.Schedules = append(result.Schedules, ScheduleChange{PrincipalID: principal})
			return result, nil
		}
		c.schedules[principal] = doc
		result.Schedules = append(result.Schedules, ScheduleChange{PrincipalID: principal, Doc: doc})
	}

	return result, nil
}

// primeLocked 记录字段基线，不产生变更
func (c *Cache) primeLocked(id string, rec DeviceRecord) {
	known := c.lastKnown[id]
	if known == nil {
		known = make(map[string]interface{})
		c.lastKnown[id] = known
	}
	for _, f := range watchedFields {
		if v, ok := rec[f]; ok {
			known[f] = v
		}
	}
}

// diffLocked 对比受关注字段，返回真正发生的变更并更新基线。
// 首次见到的字段只记录基线，不视为变更。
func (c *Cache) diffLocked(id string, rec DeviceRecord) []DeviceFieldChange {
	known := c.lastKnown[id]
	if known == nil {
		c.primeLocked(id, rec)
		return nil
	}

	var changes []DeviceFieldChange
	for _, f := range watchedFields {
		v, ok := rec[f]
		if !ok {
			continue
		}
		prev, seen := known[f]
		if seen && fmt.Sprint(prev) == fmt.Sprint(v) {
			continue
		}
		known[f] = v
		if seen {
			changes = append(changes, DeviceFieldChange{DeviceID: id, Field: f, Value: v})
		}
	}
	return changes
}

// Devices 返回设备镜像的浅拷贝
func (c *Cache) Devices(ctx context.Context) map[string]DeviceRecord {
	c.ensureFresh(ctx)

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]DeviceRecord, len(c.devices))
	for id, rec := range c.devices {
		out[id] = rec
	}
	return out
}

// Device 按任意 ID 形式查找设备节点，返回注册表中实际使用的键
func (c *Cache) Device(ctx context.Context, deviceID string) (DeviceRecord, string, bool) {
	c.ensureFresh(ctx)

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceLocked(deviceID)
}

func (c *Cache) deviceLocked(deviceID string) (DeviceRecord, string, bool) {
	if rec, ok := c.devices[deviceID]; ok {
		return rec, deviceID, true
	}
	canonical, _ := c.index.Resolve(deviceID)
	for id, rec := range c.devices {
		stored, _ := c.index.Resolve(id)
		if stored == canonical || identity.SameDevice(id, deviceID) {
			return rec, id, true
		}
	}
	return nil, "", false
}

// AuthorizedDevices 返回某会话有权限的设备列表。
// 同一设备的长短两种形式只保留短形式。
func (c *Cache) AuthorizedDevices(ctx context.Context, principalID string) []string {
	c.ensureFresh(ctx)

	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []string
	for id, rec := range c.devices {
		if !rec.HasPrincipal(principalID) {
			continue
		}
		merged := false
		for i, existing := range out {
			if identity.SameDevice(existing, id) {
				out[i] = identity.ShorterForm(existing, id)
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, id)
		}
	}
	return out
}

// AuthorizedPrincipals 返回某设备的全部授权会话 ID
func (c *Cache) AuthorizedPrincipals(ctx context.Context, deviceID string) []string {
	c.ensureFresh(ctx)

	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []string
	for id, rec := range c.devices {
		if !identity.SameDevice(id, deviceID) {
			continue
		}
		out = append(out, rec.Principals()...)
	}
	return dedupStrings(out)
}

// Schedule 返回某会话的定时配置镜像
func (c *Cache) Schedule(ctx context.Context, principalID string) (*ScheduleDoc, bool) {
	c.ensureFresh(ctx)

	c.mu.RLock()
	defer c.mu.RUnlock()

	doc, ok := c.schedules[principalID]
	return doc, ok
}

// Schedules 返回全部定时配置镜像
func (c *Cache) Schedules(ctx context.Context) map[string]*ScheduleDoc {
	c.ensureFresh(ctx)

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]*ScheduleDoc, len(c.schedules))
	for principal, doc := range c.schedules {
		out[principal] = doc
	}
	return out
}

// FlareMode 返回设备的威慑模式，默认询问模式
func (c *Cache) FlareMode(ctx context.Context, deviceID string) models.FlareMode {
	rec, _, ok := c.Device(ctx, deviceID)
	if !ok {
		return models.FlareAsk
	}
	if mode, found := rec.Int(FieldFlareMode); found {
		if mode == int(models.FlareAuto) {
			return models.FlareAuto
		}
	}
	return models.FlareAsk
}

// FlareEnabled 返回威慑装置是否启用，默认启用
func (c *Cache) FlareEnabled(ctx context.Context, deviceID string) bool {
	rec, _, ok := c.Device(ctx, deviceID)
	if !ok {
		return true
	}
	if enabled, found := rec.Bool(FieldFlareOn); found {
		return enabled
	}
	return true
}

// IsArmed 返回设备布防状态
func (c *Cache) IsArmed(ctx context.Context, deviceID string) bool {
	rec, _, ok := c.Device(ctx, deviceID)
	if !ok {
		return false
	}
	armed, _ := rec.Bool(FieldArmed)
	return armed
}

// IsAlarming 返回设备报警状态
func (c *Cache) IsAlarming(ctx context.Context, deviceID string) bool {
	rec, _, ok := c.Device(ctx, deviceID)
	if !ok {
		return false
	}
	alarming, _ := rec.Bool(FieldAlarming)
	return alarming
}

// WriteDeviceState 写穿注册表：先写远端，再立即回读该设备防止读到旧值。
// 受关注字段的基线同步更新，避免自己的写入经推送绕回来再下发一遍。
func (c *Cache) WriteDeviceState(ctx context.Context, deviceID string, fields map[string]interface{}) error {
	c.mu.Lock()
	_, storedID, ok := c.deviceLocked(deviceID)
	if !ok {
		storedID, _ = c.index.Resolve(deviceID)
	}
	known := c.lastKnown[storedID]
	if known == nil {
		known = make(map[string]interface{})
		c.lastKnown[storedID] = known
	}
	for _, f := range watchedFields {
		if v, ok := fields[f]; ok {
			known[f] = v
		}
	}
	c.mu.Unlock()

	if err := c.store.UpdateDeviceFields(ctx, storedID, fields); err != nil {
		return err
	}

	rec, err := c.store.FetchDevice(ctx, storedID)
	if err != nil {
		return fmt.Errorf("failed to re-read device %s after write: %w", storedID, err)
	}

	c.mu.Lock()
	if rec != nil {
		c.devices[storedID] = rec
	}
	c.mu.Unlock()
	return nil
}
