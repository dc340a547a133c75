package events

import (
	. "github.com/berfenger/meter2mqtt/internal/core/domain"
	"github.com/berfenger/meter2mqtt/internal/present"
	mm "github.com/berfenger/meter2mqtt/pkg/meter_modbus"
)

// ReadAllToUpdateEvents maps a ReadAll snapshot of one meter to sensor update events.
// Values are emitted in directory order.
func ReadAllToUpdateEvents(meter string, dir mm.Directory, kind mm.RegisterKind, values map[string]float64, scaled bool) []any {
	var events []any
	holdingIsMeasurement := HoldingIsMeasurement(dir)

	for _, key := range dir.Keys(kind) {
		value, ok := values[key]
		if !ok {
			continue
		}
		if ev := registerUpdateEvent(meter, key, dir[key], value, scaled, holdingIsMeasurement); ev != nil {
			events = append(events, ev)
		}
	}
	return events
}

// RegisterUpdateEvent builds the event for a single register value.
func RegisterUpdateEvent(meter string, dir mm.Directory, key string, value float64, scaled bool) any {
	desc, ok := dir[key]
	if !ok {
		return nil
	}
	return registerUpdateEvent(meter, key, desc, value, scaled, HoldingIsMeasurement(dir))
}

func registerUpdateEvent(meter, key string, desc mm.RegisterDescriptor, value float64, scaled, holdingIsMeasurement bool) any {
	mixIn := SensorUpdateEventMixIn{
		Id: SensorId(meter, key),
	}
	switch RegisterEntity(desc, holdingIsMeasurement) {
	case ENTITY_SENSOR:
		return FloatSensorUpdateEvent{
			SensorUpdateEventMixIn: mixIn,
			Value:                  value,
			Decimals:               Decimals(desc, scaled),
		}
	case ENTITY_NUMBER:
		return InputNumberSensorUpdateEvent{
			SensorUpdateEventMixIn: mixIn,
			Value:                  value,
			Decimals:               Decimals(desc, scaled),
		}
	case ENTITY_TEXT:
		return TextSensorUpdateEvent{
			SensorUpdateEventMixIn: mixIn,
			Value:                  present.FormatValue(desc, value),
		}
	default:
		return nil
	}
}

func MeterOnlineUpdateEvent(meter string, online bool) any {
	return BinarySensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: SensorId(meter, SENSOR_KEY_ONLINE),
		},
		Value: online,
	}
}
