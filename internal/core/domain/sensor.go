package domain

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	mm "github.com/berfenger/meter2mqtt/pkg/meter_modbus"
	"github.com/carlmjohnson/versioninfo"
)

const (
	SENSOR_ID_BRIDGE_STATE       = "bridge"
	SENSOR_ID_SEPARATOR          = "__"
	SENSOR_KEY_ONLINE            = "online"
	STATE_CLASS_MEASUREMENT      = "measurement"
	STATE_CLASS_TOTAL_INCREASING = "total_increasing"
	DEVICE_CLASS_APPARENT_POWER  = "apparent_power"
	DEVICE_CLASS_CURRENT         = "current"
	DEVICE_CLASS_DURATION        = "duration"
	DEVICE_CLASS_ENERGY          = "energy"
	DEVICE_CLASS_FREQUENCY       = "frequency"
	DEVICE_CLASS_POWER           = "power"
	DEVICE_CLASS_REACTIVE_POWER  = "reactive_power"
	DEVICE_CLASS_VOLTAGE         = "voltage"
	DEVICE_CLASS_CONNECTIVITY    = "connectivity"
	ENTITY_CLASS_DIAGNOSTIC      = "diagnostic"
	ENTITY_CLASS_CONFIG          = "config"
	SENSOR_TYPE_SENSOR           = "sensor"
	SENSOR_TYPE_BINARY           = "binary_sensor"
	INPUT_NUMBER_MODE_BOX        = "box"
	INPUT_NUMBER_MODE_SLIDER     = "slider"
)

type EntityKind uint8

const (
	ENTITY_NONE EntityKind = iota
	ENTITY_SENSOR
	ENTITY_TEXT
	ENTITY_NUMBER
)

// SensorId joins a meter name and a register key: <meter>__<key>.
func SensorId(meter, key string) string {
	return meter + SENSOR_ID_SEPARATOR + key
}

func ParseSensorId(id string) (meter, key string, ok bool) {
	meter, key, ok = strings.Cut(id, SENSOR_ID_SEPARATOR)
	if !ok || meter == "" || key == "" {
		return "", "", false
	}
	return meter, key, true
}

// HoldingIsMeasurement is true for models that expose their readings as holding
// registers only (e.g. the ESP P1 bridge).
func HoldingIsMeasurement(dir mm.Directory) bool {
	return len(dir.Keys(mm.INPUT_REGISTER)) == 0
}

// RegisterEntity tells how a register is exposed over MQTT.
func RegisterEntity(desc mm.RegisterDescriptor, holdingIsMeasurement bool) EntityKind {
	if desc.WireType.Words() == 0 {
		return ENTITY_NONE
	}
	if !desc.Format.IsUnit() {
		return ENTITY_TEXT
	}
	if desc.Kind == mm.HOLDING_REGISTER && !holdingIsMeasurement {
		return ENTITY_NUMBER
	}
	return ENTITY_SENSOR
}

// Decimals picks the published precision from the value type and scale factor.
func Decimals(desc mm.RegisterDescriptor, scaled bool) uint {
	scale := desc.Scale()
	if !scaled || scale >= 1 {
		if desc.ValueType == mm.VALUE_INT {
			return 0
		}
		return 3
	}
	return uint(math.Ceil(-math.Log10(scale) - 1e-9))
}

func BridgeDevice(baseTopic string) Device {
	return Device{
		Id:           fmt.Sprintf("meter2mqtt_bridge_%s", md5HashShort(baseTopic)),
		Manufacturer: "ACasal",
		Model:        "Meter2MQTT",
		Version:      versioninfo.Short(),
		Name:         fmt.Sprintf("Meter2MQTT %s", md5HashShort(baseTopic)),
	}
}

func MeterDevice(baseTopic string, info MeterInfo) Device {
	return Device{
		Id:    fmt.Sprintf("meter2mqtt_%s_%s", info.Name, md5HashShort(baseTopic)),
		Name:  info.Name,
		Model: info.Model,
	}
}

func IdDevice(device Device) Device {
	return Device{
		Id:   device.Id,
		Name: device.Name,
	}
}

func BridgeSensors(bridgeDevice Device) []GenericSensor {

	var sensors []GenericSensor

	sensors = append(sensors, GenericSensor{
		Device:         bridgeDevice,
		Id:             SENSOR_ID_BRIDGE_STATE,
		SensorType:     SENSOR_TYPE_BINARY,
		Name:           "Connection state",
		DeviceClass:    DEVICE_CLASS_CONNECTIVITY,
		EntityCategory: ENTITY_CLASS_DIAGNOSTIC,
		UniqueId:       uniqueId(bridgeDevice.Id, SENSOR_ID_BRIDGE_STATE),
	})

	return sensors
}

// MeterSensors lists the sensors of a meter. The first one carries the full device.
func MeterSensors(meterDevice Device, info MeterInfo, readHolding bool) []GenericSensor {
	var sensors []GenericSensor

	onlineId := SensorId(info.Name, SENSOR_KEY_ONLINE)
	sensors = append(sensors, GenericSensor{
		Device:         meterDevice,
		Meter:          info.Name,
		Id:             onlineId,
		SensorType:     SENSOR_TYPE_BINARY,
		Name:           "Online",
		DeviceClass:    DEVICE_CLASS_CONNECTIVITY,
		EntityCategory: ENTITY_CLASS_DIAGNOSTIC,
		UniqueId:       uniqueId(meterDevice.Id, onlineId),
	})

	holdingIsMeasurement := HoldingIsMeasurement(info.Registers)
	kinds := []mm.RegisterKind{mm.INPUT_REGISTER}
	if readHolding || holdingIsMeasurement {
		kinds = append(kinds, mm.HOLDING_REGISTER)
	}

	for _, kind := range kinds {
		for _, key := range info.Registers.Keys(kind) {
			desc := info.Registers[key]
			id := SensorId(info.Name, key)
			sensor := GenericSensor{
				Device:     IdDevice(meterDevice),
				Meter:      info.Name,
				Id:         id,
				SensorType: SENSOR_TYPE_SENSOR,
				Name:       desc.Label,
				UniqueId:   uniqueId(meterDevice.Id, id),
			}
			switch RegisterEntity(desc, holdingIsMeasurement) {
			case ENTITY_SENSOR:
				sensor.UnitOfMeasurement = desc.Format.Unit
				sensor.DeviceClass, sensor.StateClass = unitClasses(desc.Format.Unit)
			case ENTITY_TEXT:
				if desc.Kind == mm.HOLDING_REGISTER {
					sensor.EntityCategory = ENTITY_CLASS_CONFIG
				}
			default:
				continue
			}
			sensors = append(sensors, sensor)
		}
	}
	return sensors
}

// MeterInputNumbers lists the writable holding registers that carry a unit.
func MeterInputNumbers(meterDevice Device, info MeterInfo, readHolding, scaled bool) []GenericInputNumber {
	if !readHolding || HoldingIsMeasurement(info.Registers) {
		return nil
	}
	var numbers []GenericInputNumber
	for _, key := range info.Registers.Keys(mm.HOLDING_REGISTER) {
		desc := info.Registers[key]
		if RegisterEntity(desc, false) != ENTITY_NUMBER {
			continue
		}
		id := SensorId(info.Name, key)
		min, max := wireRange(desc.WireType)
		step := 1.0
		if desc.ValueType == mm.VALUE_FLOAT {
			step = 0.001
		}
		if scaled {
			min, max, step = min*desc.Scale(), max*desc.Scale(), step*desc.Scale()
		}
		numbers = append(numbers, GenericInputNumber{
			Device:            IdDevice(meterDevice),
			Meter:             info.Name,
			Id:                id,
			Name:              desc.Label,
			UniqueId:          uniqueId(meterDevice.Id, id),
			UnitOfMeasurement: desc.Format.Unit,
			EntityCategory:    ENTITY_CLASS_CONFIG,
			Min:               min,
			Max:               max,
			Step:              step,
			Mode:              INPUT_NUMBER_MODE_BOX,
		})
	}
	return numbers
}

func unitClasses(unit string) (deviceClass string, stateClass string) {
	switch strings.ToLower(unit) {
	case "v":
		return DEVICE_CLASS_VOLTAGE, STATE_CLASS_MEASUREMENT
	case "a":
		return DEVICE_CLASS_CURRENT, STATE_CLASS_MEASUREMENT
	case "w", "kw":
		return DEVICE_CLASS_POWER, STATE_CLASS_MEASUREMENT
	case "va", "kva":
		return DEVICE_CLASS_APPARENT_POWER, STATE_CLASS_MEASUREMENT
	case "var", "kvar":
		return DEVICE_CLASS_REACTIVE_POWER, STATE_CLASS_MEASUREMENT
	case "hz":
		return DEVICE_CLASS_FREQUENCY, STATE_CLASS_MEASUREMENT
	case "wh", "kwh":
		return DEVICE_CLASS_ENERGY, STATE_CLASS_TOTAL_INCREASING
	case "kvah", "kvarh", "m3", "gj":
		return "", STATE_CLASS_TOTAL_INCREASING
	case "s", "ms", "h":
		return DEVICE_CLASS_DURATION, ""
	case "":
		return "", ""
	default:
		return "", STATE_CLASS_MEASUREMENT
	}
}

func wireRange(wt mm.WireType) (float64, float64) {
	switch wt {
	case mm.WIRE_INT16:
		return math.MinInt16, math.MaxInt16
	case mm.WIRE_UINT16:
		return 0, math.MaxUint16
	case mm.WIRE_INT32:
		return math.MinInt32, math.MaxInt32
	case mm.WIRE_UINT32:
		return 0, math.MaxUint32
	default:
		return -1e6, 1e6
	}
}

func uniqueId(baseId, id string) string {
	return fmt.Sprintf("uid_%s_%s", baseId, id)
}

func md5Hash(text string) string {
	hash := md5.Sum([]byte(text))
	return hex.EncodeToString(hash[:])
}

func md5HashShort(text string) string {
	hash := md5Hash(text)
	return hash[0:8]
}
