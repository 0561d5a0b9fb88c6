package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateDeviceFieldsPublishesPatch(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureFeedGroup(ctx))
	require.NoError(t, store.UpdateDeviceFields(ctx, "dev_A1", map[string]interface{}{
		FieldArmed: true,
	}))

	// 写入可读
	rec, err := store.FetchDevice(ctx, "dev_A1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	armed, _ := rec.Bool(FieldArmed)
	assert.True(t, armed)

	// 推送事件可消费
	msgs, err := store.ReadFeed(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, TreeDevices, msgs[0].Event.Tree)
	assert.Equal(t, OpPatch, msgs[0].Event.Op)
	assert.Equal(t, "/dev_A1", msgs[0].Event.Path)
	require.NoError(t, store.AckFeed(ctx, msgs[0].ID))
}

func TestUpdateDeviceFieldsDeletesNilValues(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpdateDeviceFields(ctx, "dev_A1", map[string]interface{}{
		FieldFlareMode: 1,
		FieldArmed:     true,
	}))
	require.NoError(t, store.UpdateDeviceFields(ctx, "dev_A1", map[string]interface{}{
		FieldFlareMode: nil,
	}))

	rec, err := store.FetchDevice(ctx, "dev_A1")
	require.NoError(t, err)
	_, found := rec.Int(FieldFlareMode)
	assert.False(t, found)
	armed, _ := rec.Bool(FieldArmed)
	assert.True(t, armed)
}

func TestFetchDeviceMissing(t *testing.T) {
	store, _, _ := newTestStore(t)

	rec, err := store.FetchDevice(context.Background(), "no_such_device")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestWriteAndDeleteSchedule(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureFeedGroup(ctx))

	entry := ScheduleEntry{
		Enabled:          true,
		ActivationTime:   "22:00",
		DeactivationTime: "06:00",
		Days:             []string{"Lunes", "Martes"},
		LastUpdatedBy:    "telegram",
	}
	require.NoError(t, store.WriteSchedule(ctx, "100", "dev_A1", entry))

	doc, err := store.FetchSchedule(ctx, "100")
	require.NoError(t, err)
	require.NotNil(t, doc)
	got := doc.Devices["dev_A1"]
	assert.True(t, got.Enabled)
	assert.Equal(t, "telegram", got.LastUpdatedBy)
	assert.NotEmpty(t, got.LastUpdated)

	require.NoError(t, store.DeleteSchedule(ctx, "100", "dev_A1"))
	doc, err = store.FetchSchedule(ctx, "100")
	require.NoError(t, err)
	_, ok := doc.Devices["dev_A1"]
	assert.False(t, ok)

	// 写入与删除各产生一条推送
	msgs, err := store.ReadFeed(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, TreeSchedules, msgs[0].Event.Tree)
	assert.True(t, msgs[1].Event.IsNull())
}
