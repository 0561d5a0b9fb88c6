package router

import (
	"fmt"

	"github.com/AlexVitesse/telegram-service/internal/models"
	"github.com/AlexVitesse/telegram-service/internal/notifier"
)

// formatEvent 把设备事件转成通知内容（文案与既有前端保持一致）
func formatEvent(ev *models.Event, location string) notifier.Notice {
	place := location
	if place == "" {
		place = ev.DeviceID
	}

	notice := notifier.Notice{
		DeviceID: ev.DeviceID,
		Kind:     notifier.KindInfo,
	}

	str := func(key, fallback string) string {
		if v, ok := ev.Data[key].(string); ok && v != "" {
			return v
		}
		return fallback
	}

	switch ev.EventType {
	case models.EventSystemBoot:
		notice.Title = "🔄 Sistema reiniciado"
		notice.Body = fmt.Sprintf("📍 %s", place)

	case models.EventSystemArmed, models.EventKeypadArm:
		notice.Title = "🔒 Sistema ARMADO"
		notice.Body = fmt.Sprintf("📍 %s\n⚙️ Via: %s", place, str("source", "remoto"))

	case models.EventSystemDisarmed, models.EventKeypadDisarm:
		notice.Title = "🔓 Sistema DESARMADO"
		notice.Body = fmt.Sprintf("📍 %s\n⚙️ Via: %s", place, str("source", "remoto"))

	case models.EventAlarmTriggered:
		notice.Kind = notifier.KindAlarm
		notice.Title = "🚨 ¡ALARMA ACTIVADA!"
		notice.Body = fmt.Sprintf("📍 %s\n📡 Sensor: %s", place, str("sensorName", "Manual"))

	case models.EventAlarmStopped:
		notice.Title = "✅ Alarma detenida"
		notice.Body = fmt.Sprintf("📍 %s", place)

	case models.EventFlareActivated:
		notice.Title = "🔥 Bengala ACTIVADA"
		notice.Body = fmt.Sprintf("📍 %s", place)

	case models.EventFlareDeactivated:
		notice.Title = "🔥 Bengala desactivada"
		notice.Body = fmt.Sprintf("📍 %s", place)

	case models.EventMovementDetected:
		notice.Kind = notifier.KindAlarm
		notice.Title = "🚶 Movimiento detectado"
		notice.Body = fmt.Sprintf("📡 %s\n📍 %s", str("sensorName", "Desconocido"), str("location", place))

	case models.EventDoorOpen:
		notice.Kind = notifier.KindAlarm
		notice.Title = "🚪 Puerta/ventana abierta"
		notice.Body = fmt.Sprintf("📡 %s\n📍 %s", str("sensorName", "Desconocido"), str("location", place))

	case models.EventSensorOnline:
		notice.Title = "📡 Sensor conectado"
		notice.Body = str("sensorName", "Desconocido")

	case models.EventSensorOffline:
		notice.Title = "⚠️ Sensor desconectado"
		notice.Body = str("sensorName", "Desconocido")

	case models.EventStatusResponse:
		armed := "DESARMADO"
		if b, ok := ev.Data["armed"].(bool); ok && b {
			armed = "ARMADO"
		}
		flare := "No"
		if b, ok := ev.Data["bengala_enabled"].(bool); ok && b {
			flare = "Si"
		}
		sched := "No"
		if b, ok := ev.Data["auto_schedule_enabled"].(bool); ok && b {
			sched = "Si"
		}
		sensors := 0
		if n, ok := ev.Data["sensors_count"].(float64); ok {
			sensors = int(n)
		}
		notice.Title = "📊 Estado del Sistema"
		notice.Body = fmt.Sprintf("📍 %s\n\n🔒 Sistema: %s\n🔥 Bengala: %s\n📡 Sensores: %d\n⏰ Horario auto: %s",
			place, armed, flare, sensors, sched)

	default:
		notice.Title = fmt.Sprintf("📢 Evento: %s", ev.EventType)
		notice.Body = fmt.Sprintf("📍 %s", place)
	}

	return notice
}
