package domain

import (
	"strings"
	"testing"

	mm "github.com/berfenger/meter2mqtt/pkg/meter_modbus"
	"github.com/berfenger/meter2mqtt/pkg/meter_modbus/models"

	"github.com/stretchr/testify/assert"
)

func meterInfo(t *testing.T, name, model string) MeterInfo {
	m, err := models.Lookup(model)
	if err != nil {
		t.Fatal(err)
	}
	return MeterInfo{Name: name, Model: m.Name, Unit: 1, Registers: m.Registers}
}

func TestSensorId(t *testing.T) {
	assert := assert.New(t)

	id := SensorId("main", "power_active")
	assert.Equal("main__power_active", id)

	meter, key, ok := ParseSensorId(id)
	assert.True(ok)
	assert.Equal("main", meter)
	assert.Equal("power_active", key)

	_, _, ok = ParseSensorId("main")
	assert.False(ok)
	_, _, ok = ParseSensorId("__voltage")
	assert.False(ok)
}

func TestRegisterEntity(t *testing.T) {
	assert := assert.New(t)

	sdm := meterInfo(t, "main", "SDM120").Registers
	assert.False(HoldingIsMeasurement(sdm))
	assert.Equal(ENTITY_SENSOR, RegisterEntity(sdm["voltage"], false))
	assert.Equal(ENTITY_NUMBER, RegisterEntity(sdm["demand_period"], false))
	assert.Equal(ENTITY_TEXT, RegisterEntity(sdm["baud"], false))

	p1 := meterInfo(t, "p1", "ESP-P1-MODBUS").Registers
	assert.True(HoldingIsMeasurement(p1))
	assert.Equal(ENTITY_SENSOR, RegisterEntity(p1["import_power_active"], true))

	unsupported := mm.RegisterDescriptor{Kind: mm.INPUT_REGISTER, WireType: mm.WireType(99)}
	assert.Equal(ENTITY_NONE, RegisterEntity(unsupported, false))
}

func TestDecimals(t *testing.T) {
	assert := assert.New(t)

	sdm := meterInfo(t, "main", "SDM120").Registers
	assert.Equal(uint(3), Decimals(sdm["voltage"], true))
	assert.Equal(uint(0), Decimals(sdm["demand_period"], true))

	em24 := meterInfo(t, "em", "EM24").Registers
	assert.Equal(uint(1), Decimals(em24["frequency"], true))
	assert.Equal(uint(3), Decimals(mm.RegisterDescriptor{ValueType: mm.VALUE_FLOAT, ScaleFactor: 0.1}, false))
}

func TestMeterSensors(t *testing.T) {
	assert := assert.New(t)

	info := meterInfo(t, "main", "SDM120")
	device := MeterDevice("meter2mqtt", info)
	assert.True(strings.HasPrefix(device.Id, "meter2mqtt_main_"))

	sensors := MeterSensors(device, info, false)
	assert.Equal("main__online", sensors[0].Id)
	assert.Equal(SENSOR_TYPE_BINARY, sensors[0].SensorType)
	assert.Equal(device, sensors[0].Device)
	assert.Len(sensors, 1+len(info.Registers.Keys(mm.INPUT_REGISTER)))

	byId := map[string]GenericSensor{}
	for _, s := range MeterSensors(device, info, true) {
		byId[s.Id] = s
	}
	energy := byId["main__import_energy_active"]
	assert.Equal("kWh", energy.UnitOfMeasurement)
	assert.Equal(DEVICE_CLASS_ENERGY, energy.DeviceClass)
	assert.Equal(STATE_CLASS_TOTAL_INCREASING, energy.StateClass)
	assert.Equal(IdDevice(device), energy.Device)

	// list formats become config text sensors, unit holdings become numbers
	assert.Equal(ENTITY_CLASS_CONFIG, byId["main__baud"].EntityCategory)
	assert.NotContains(byId, "main__demand_period")
}

func TestMeterInputNumbers(t *testing.T) {
	assert := assert.New(t)

	info := meterInfo(t, "main", "SDM120")
	device := MeterDevice("meter2mqtt", info)

	assert.Empty(MeterInputNumbers(device, info, false, true))

	numbers := MeterInputNumbers(device, info, true, true)
	var ids []string
	for _, n := range numbers {
		ids = append(ids, n.Id)
	}
	assert.Contains(ids, "main__demand_period")
	assert.NotContains(ids, "main__baud")
	assert.Equal("main__demand_time", numbers[0].Id)
	assert.Equal(1.0, numbers[0].Step)
	assert.Equal(-1e6, numbers[0].Min)
	assert.Equal("s", numbers[0].UnitOfMeasurement)

	p1 := meterInfo(t, "p1", "ESP-P1-MODBUS")
	assert.Empty(MeterInputNumbers(MeterDevice("meter2mqtt", p1), p1, true, true))
}

func TestBridgeDevice(t *testing.T) {
	assert := assert.New(t)

	a := BridgeDevice("meter2mqtt")
	b := BridgeDevice("other")
	assert.NotEqual(a.Id, b.Id)
	assert.True(strings.HasPrefix(a.Id, "meter2mqtt_bridge_"))

	sensors := BridgeSensors(a)
	assert.Len(sensors, 1)
	assert.Equal(SENSOR_ID_BRIDGE_STATE, sensors[0].Id)
}
