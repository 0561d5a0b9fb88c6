package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventValidation(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"deviceId":"dev_A1","timestamp":1700000000,"eventType":"alarm_triggered","data":{"sensorName":"PIR"}}`))
	require.NoError(t, err)
	assert.Equal(t, "dev_A1", ev.DeviceID)
	assert.Equal(t, EventAlarmTriggered, ev.EventType)
	assert.Equal(t, "PIR", ev.Data["sensorName"])

	_, err = ParseEvent([]byte(`{"timestamp":1,"eventType":"alarm_triggered"}`))
	assert.Error(t, err)

	_, err = ParseEvent([]byte(`{"deviceId":"dev_A1","timestamp":1}`))
	assert.Error(t, err)

	_, err = ParseEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestParseTelemetry(t *testing.T) {
	tel, err := ParseTelemetry([]byte(`{"deviceId":"dev_A1","armed":true,"bengala_mode":1,"tiempo_bomba":120,"wifi_rssi":-60}`))
	require.NoError(t, err)
	assert.True(t, tel.Armed)
	assert.Equal(t, FlareAsk, tel.FlareMode)
	assert.Equal(t, 120, tel.ExitTimeSec)
	assert.Equal(t, -60, tel.WifiRSSI)

	_, err = ParseTelemetry([]byte(`{"armed":true}`))
	assert.Error(t, err)
}

func TestCommandEncode(t *testing.T) {
	cmd := NewCommand(CmdSetFlareMode, map[string]interface{}{"mode": 0})
	assert.NotZero(t, cmd.Timestamp)

	data, err := cmd.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"command":"set_bengala_mode"`)

	// args 永远是对象，固件侧不处理 null
	empty := NewCommand(CmdArm, nil)
	data, err = empty.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"args":{}`)
}

func TestTopicHelpers(t *testing.T) {
	assert.Equal(t, "dispositivos/comandos/dev_A1", CommandTopic("dev_A1"))
	assert.Equal(t, "dispositivos/configuracion/dev_A1", ConfigTopic("dev_A1"))
}

func TestIsConfigCommand(t *testing.T) {
	assert.True(t, IsConfigCommand(CmdSetFlareMode))
	assert.True(t, IsConfigCommand(CmdSetSchedule))
	assert.True(t, IsConfigCommand(CmdSetExitTime))
	assert.False(t, IsConfigCommand(CmdArm))
	assert.False(t, IsConfigCommand(CmdBeep))
}

func TestFlareModeString(t *testing.T) {
	assert.Equal(t, "auto", FlareAuto.String())
	assert.Equal(t, "ask", FlareAsk.String())
}
