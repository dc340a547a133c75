package mqtt

import (
	"testing"

	"github.com/berfenger/meter2mqtt/internal/config"
	"github.com/berfenger/meter2mqtt/internal/core/domain"
	"github.com/stretchr/testify/assert"
)

func TestInputNumberCommandParse(t *testing.T) {

	assert := assert.New(t)

	baseTopic := "loremTopic"
	topic := "loremTopic/number/main__demand_period/set"
	r := inputNumberCommandExtractor(baseTopic)
	matches := r.FindAllStringSubmatch(topic, 1)

	assert.Equal(matches[0][1], "main__demand_period", "number_id extract")
}

func TestInputNumberCommandParseFail(t *testing.T) {

	assert := assert.New(t)

	baseTopic := "loremTopic"
	r := inputNumberCommandExtractor(baseTopic)

	matches := r.FindAllStringSubmatch("loremTopic/switch/number_name/command", 1)
	assert.Equal(len(matches), 0, "no matches")

	matches = r.FindAllStringSubmatch("other/loremTopic/number/number_name/set", 1)
	assert.Equal(len(matches), 0, "no matches")
}

func TestParseInputNumberCommand(t *testing.T) {
	assert := assert.New(t)
	client := testClient()

	cmd, err := client.parseInputNumberCommand("meter2mqtt/number/main__demand_period/set", " 30 ")
	assert.NoError(err)
	assert.Equal(&ParsedMQTTCommand{Command: COMMAND_NUMBER, Meter: "main", Key: "demand_period", Value: 30}, cmd)
	assert.Equal("main__demand_period", cmd.EntityId())

	_, err = client.parseInputNumberCommand("meter2mqtt/number/main/set", "30")
	assert.ErrorIs(err, ErrInvalidCommand)
	_, err = client.parseInputNumberCommand("meter2mqtt/number/main__demand_period/set", "thirty")
	assert.ErrorIs(err, ErrInvalidCommand)
	_, err = client.parseInputNumberCommand("meter2mqtt/sensor/main__voltage/state", "1")
	assert.ErrorIs(err, ErrInvalidCommand)
}

func testClient() *MQTTClient {
	cfg := config.Config{
		MQTT: config.MQTTConfig{
			Host:             "localhost",
			Port:             1883,
			BaseTopic:        "meter2mqtt",
			HADiscoveryTopic: "homeassistant",
		},
	}
	return CreateMQTTClient(&cfg, OptsFromConfig(&cfg), nil, nil)
}

func TestTopics(t *testing.T) {
	assert := assert.New(t)
	client := testClient()

	assert.Equal("meter2mqtt/bridge/state", client.BridgeStateTopic())
	assert.Equal("meter2mqtt/sensor/main__voltage/state", client.SensorStateTopic("main__voltage"))
	assert.Equal("meter2mqtt/number/main__demand_period/set", client.InputNumberCommandTopic("main__demand_period"))
	assert.Equal("meter2mqtt/number/+/set", client.commandTopic())
	assert.Equal("meter2mqtt/binary_sensor/main__online/state", client.BinarySensorStateTopic("main__online"))
	assert.Equal("meter2mqtt/number/main__demand_period/state", client.InputNumberStateTopic("main__demand_period"))
}

func TestDiscoveryMessages(t *testing.T) {
	assert := assert.New(t)
	client := testClient()
	dev := domain.Device{Id: "meter2mqtt_main_abcd", Name: "main", Model: "SDM120"}

	sensor := domain.GenericSensor{
		Device:            dev,
		Meter:             "main",
		Id:                "main__voltage",
		SensorType:        domain.SENSOR_TYPE_SENSOR,
		Name:              "Voltage",
		UniqueId:          "uid_x",
		UnitOfMeasurement: "V",
		DeviceClass:       domain.DEVICE_CLASS_VOLTAGE,
	}
	msg := GenericSensorToHADiscoveryMessage(client, sensor)
	assert.Equal("meter2mqtt/sensor/main__voltage/state", msg.StateTopic)
	assert.Equal(HA_AVAILABILITY_ALL, msg.AvailabilityMode)
	if assert.Len(msg.Availability, 2) {
		assert.Equal("meter2mqtt/bridge/state", msg.Availability[0].Topic)
		assert.Equal("meter2mqtt/binary_sensor/main__online/state", msg.Availability[1].Topic)
		assert.Equal(MQTT_PAYLOAD_ON, msg.Availability[1].PayloadAvailable)
	}
	assert.Equal([]string{dev.Id}, msg.Device.Id)
	assert.Equal("homeassistant/sensor/meter2mqtt_main_abcd/main__voltage/config", HADiscoverySensorTopic(client, sensor))

	online := GenericSensorToHADiscoveryMessage(client, domain.GenericSensor{Device: dev, Meter: "main", Id: "main__online", SensorType: domain.SENSOR_TYPE_BINARY})
	assert.Len(online.Availability, 1)
	assert.Empty(online.AvailabilityMode)
	assert.Equal(MQTT_PAYLOAD_ON, online.PayloadOn)

	bridge := GenericSensorToHADiscoveryMessage(client, domain.GenericSensor{Id: domain.SENSOR_ID_BRIDGE_STATE, SensorType: domain.SENSOR_TYPE_BINARY})
	assert.Equal("meter2mqtt/bridge/state", bridge.StateTopic)
	assert.Empty(bridge.Availability)
	assert.Equal(MQTT_PAYLOAD_ONLINE, bridge.PayloadOn)

	number := domain.GenericInputNumber{Device: dev, Meter: "main", Id: "main__demand_period", Name: "Demand Period", Min: 0, Max: 60, Step: 1}
	nmsg := GenericInputNumberToHADiscoveryMessage(client, number)
	assert.Equal("meter2mqtt/number/main__demand_period/set", nmsg.CommandTopic)
	assert.Equal(0.0, *nmsg.Min)
	assert.Equal(60.0, *nmsg.Max)
	assert.Equal("homeassistant/number/meter2mqtt_main_abcd/main__demand_period/config", HADiscoveryInputNumberTopic(client, number))
}
