package mqtt

import (
	"fmt"

	"github.com/berfenger/meter2mqtt/internal/core/domain"
)

const (
	HA_PLATFORM             = "mqtt"
	HA_AVAILABILITY_ALL     = "all"
	HA_DISCOVERY_CONFIG_KEY = "config"
)

// HADiscoveryConfig is the retained payload Home Assistant reads from
// <discovery>/<component>/<device>/<entity>/config.
type HADiscoveryConfig struct {
	Device            HADiscoveryDevice `json:"device"`
	StateTopic        string            `json:"state_topic"`
	CommandTopic      string            `json:"command_topic,omitempty"`
	StateClass        string            `json:"state_class,omitempty"`
	DeviceClass       string            `json:"device_class,omitempty"`
	UnitOfMeasurement string            `json:"unit_of_measurement,omitempty"`
	Availability      []HAAvailability  `json:"availability,omitempty"`
	AvailabilityMode  string            `json:"availability_mode,omitempty"`
	EntityCategory    string            `json:"entity_category,omitempty"`
	Name              string            `json:"name"`
	UniqueId          string            `json:"unique_id"`
	Platform          string            `json:"platform"`
	PayloadOn         string            `json:"payload_on,omitempty"`
	PayloadOff        string            `json:"payload_off,omitempty"`
	Min               *float64          `json:"min,omitempty"`
	Max               *float64          `json:"max,omitempty"`
	Step              float64           `json:"step,omitempty"`
	Mode              string            `json:"mode,omitempty"`
}

type HAAvailability struct {
	Topic               string `json:"topic"`
	PayloadAvailable    string `json:"payload_available,omitempty"`
	PayloadNotAvailable string `json:"payload_not_available,omitempty"`
}

type HADiscoveryDevice struct {
	Id           []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Version      string   `json:"sw_version,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name,omitempty"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

func HADiscoverySensorTopic(client *MQTTClient, sensor domain.GenericSensor) string {
	return discoveryTopic(client, sensor.SensorType, sensor.Device.Id, sensor.Id)
}

func HADiscoveryInputNumberTopic(client *MQTTClient, inputNumber domain.GenericInputNumber) string {
	return discoveryTopic(client, COMMAND_NUMBER, inputNumber.Device.Id, inputNumber.Id)
}

func discoveryTopic(client *MQTTClient, component, deviceId, entityId string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", client.DiscoveryTopic(), component, deviceId, entityId, HA_DISCOVERY_CONFIG_KEY)
}

func GenericSensorToHADiscoveryMessage(client *MQTTClient, sensor domain.GenericSensor) HADiscoveryConfig {
	conf := HADiscoveryConfig{
		Device:            device(sensor.Device),
		StateClass:        sensor.StateClass,
		DeviceClass:       sensor.DeviceClass,
		UnitOfMeasurement: sensor.UnitOfMeasurement,
		EntityCategory:    sensor.EntityCategory,
		Name:              sensor.Name,
		UniqueId:          sensor.UniqueId,
		Platform:          HA_PLATFORM,
	}
	switch {
	case sensor.Id == domain.SENSOR_ID_BRIDGE_STATE:
		// the bridge entity is its own availability
		conf.StateTopic = client.BridgeStateTopic()
		conf.PayloadOn = MQTT_PAYLOAD_ONLINE
		conf.PayloadOff = MQTT_PAYLOAD_OFFLINE
		return conf
	case sensor.SensorType == domain.SENSOR_TYPE_BINARY:
		conf.StateTopic = client.BinarySensorStateTopic(sensor.Id)
		conf.PayloadOn = MQTT_PAYLOAD_ON
		conf.PayloadOff = MQTT_PAYLOAD_OFF
	default:
		conf.StateTopic = client.SensorStateTopic(sensor.Id)
	}
	conf.Availability, conf.AvailabilityMode = availability(client, sensor.Meter, sensor.Id)
	return conf
}

func GenericInputNumberToHADiscoveryMessage(client *MQTTClient, inputNumber domain.GenericInputNumber) HADiscoveryConfig {
	min, max := inputNumber.Min, inputNumber.Max
	conf := HADiscoveryConfig{
		Device:            device(inputNumber.Device),
		StateTopic:        client.InputNumberStateTopic(inputNumber.Id),
		CommandTopic:      client.InputNumberCommandTopic(inputNumber.Id),
		EntityCategory:    inputNumber.EntityCategory,
		UnitOfMeasurement: inputNumber.UnitOfMeasurement,
		Name:              inputNumber.Name,
		UniqueId:          inputNumber.UniqueId,
		Platform:          HA_PLATFORM,
		Min:               &min,
		Max:               &max,
		Step:              inputNumber.Step,
		Mode:              inputNumber.Mode,
	}
	conf.Availability, conf.AvailabilityMode = availability(client, inputNumber.Meter, inputNumber.Id)
	return conf
}

// availability makes meter entities unavailable while the bridge is offline or
// the meter stops answering. The online sensor of a meter only follows the bridge.
func availability(client *MQTTClient, meter, id string) ([]HAAvailability, string) {
	av := []HAAvailability{{
		Topic:               client.BridgeStateTopic(),
		PayloadAvailable:    MQTT_PAYLOAD_ONLINE,
		PayloadNotAvailable: MQTT_PAYLOAD_OFFLINE,
	}}
	onlineId := domain.SensorId(meter, domain.SENSOR_KEY_ONLINE)
	if meter == "" || id == onlineId {
		return av, ""
	}
	av = append(av, HAAvailability{
		Topic:               client.BinarySensorStateTopic(onlineId),
		PayloadAvailable:    MQTT_PAYLOAD_ON,
		PayloadNotAvailable: MQTT_PAYLOAD_OFF,
	})
	return av, HA_AVAILABILITY_ALL
}

func device(d domain.Device) HADiscoveryDevice {
	return HADiscoveryDevice{
		Id:           []string{d.Id},
		Manufacturer: d.Manufacturer,
		Version:      d.Version,
		Model:        d.Model,
		Name:         d.Name,
		ViaDevice:    d.ViaDevice,
	}
}
