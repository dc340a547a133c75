package actor

import (
	"sync"
	"testing"
	"time"

	"github.com/berfenger/meter2mqtt/internal/core/domain"
	"github.com/berfenger/meter2mqtt/internal/mqtt"
	"github.com/berfenger/meter2mqtt/internal/util"
	"github.com/berfenger/meter2mqtt/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestMQTTActor(t *testing.T) {

	cfg := util.LoadTestConfig()

	logger := zap.Must(zap.NewDevelopment())

	as := actorutil.NewActorSystemWithZapLogger(logger)
	defer as.Shutdown()

	context := as.Root

	var mu sync.Mutex
	var published []any
	sink := func(msg any) {
		mu.Lock()
		defer mu.Unlock()
		published = append(published, msg)
	}

	props := actor.PropsFromProducer(func() actor.Actor { return NewTestMQTTActor(&cfg, logger, sink) })
	pid := context.Spawn(props)

	msg := domain.ActorHealthRequest{}
	result, err := context.RequestFuture(pid, msg, 2*time.Second).Result()
	if err != nil {
		t.Error(err)
		return
	}
	resp, ok := result.(domain.ActorHealthResponse)
	assert.True(t, ok)
	assert.True(t, resp.Healthy)

	_, err = context.RequestFuture(pid, domain.PublishSensorUpdateRequest{
		Event: domain.FloatSensorUpdateEvent{
			SensorUpdateEventMixIn: domain.SensorUpdateEventMixIn{Id: "main__voltage"},
			Value:                  230.5,
			Decimals:               1,
		},
	}, 2*time.Second).Result()
	assert.NoError(t, err)

	context.Send(pid, domain.PublishDiscoveryRequest{})
	_, err = context.RequestFuture(pid, domain.PublishMessageRequest{Topic: "a", Payload: "b"}, 2*time.Second).Result()
	assert.NoError(t, err)

	mu.Lock()
	assert.Len(t, published, 3)
	mu.Unlock()

	context.Stop(pid)
}

func TestEvent2MQTTMessage(t *testing.T) {
	assert := assert.New(t)

	cfg := util.LoadTestConfig()
	state := NewTestMQTTActor(&cfg, zap.NewNop(), nil)
	state.client = mqtt.CreateMQTTClient(&cfg, mqtt.OptsFromConfig(&cfg), nil, nil)

	raw := state.event2MQTTMessage(domain.FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: domain.SensorUpdateEventMixIn{Id: "main__voltage"},
		Value:                  230.456,
		Decimals:               2,
	})
	assert.Equal("meter2mqtt/sensor/main__voltage/state", raw.topic)
	assert.Equal("230.46", raw.message)

	raw = state.event2MQTTMessage(domain.BinarySensorUpdateEvent{
		SensorUpdateEventMixIn: domain.SensorUpdateEventMixIn{Id: "main__online"},
		Value:                  true,
	})
	assert.Equal("meter2mqtt/binary_sensor/main__online/state", raw.topic)
	assert.Equal(mqtt.MQTT_PAYLOAD_ON, raw.message)

	raw = state.event2MQTTMessage(domain.InputNumberSensorUpdateEvent{
		SensorUpdateEventMixIn: domain.SensorUpdateEventMixIn{Id: "main__demand_period"},
		Value:                  60,
	})
	assert.Equal("meter2mqtt/number/main__demand_period/state", raw.topic)
	assert.Equal("60", raw.message)
	assert.True(raw.retain)

	raw = state.event2MQTTMessage(domain.TextSensorUpdateEvent{
		SensorUpdateEventMixIn: domain.SensorUpdateEventMixIn{Id: "main__baud"},
		Value:                  "9600",
	})
	assert.Equal("meter2mqtt/sensor/main__baud/state", raw.topic)
	assert.Equal("9600", raw.message)

	assert.Nil(state.event2MQTTMessage("unknown"))
}

func TestDiscoveryMessagesForMeter(t *testing.T) {
	assert := assert.New(t)

	cfg := util.LoadTestConfig()
	state := NewTestMQTTActor(&cfg, zap.NewNop(), nil)
	state.client = mqtt.CreateMQTTClient(&cfg, mqtt.OptsFromConfig(&cfg), nil, nil)

	dev := domain.Device{Id: "meter2mqtt_main_abcd", Name: "main", Model: "SDM120"}
	sensors := []domain.GenericSensor{{Device: dev, Id: "main__voltage", SensorType: domain.SENSOR_TYPE_SENSOR, Name: "Voltage"}}
	numbers := []domain.GenericInputNumber{{Device: dev, Id: "main__demand_period", Name: "Demand Period", Max: 60, Step: 1}}

	messages, err := state.discoveryMessages(sensors, numbers)
	assert.NoError(err)
	assert.Len(messages, 2)
	assert.Equal("homeassistant/sensor/meter2mqtt_main_abcd/main__voltage/config", messages[0].topic)
	assert.Contains(messages[0].message, `"state_topic":"meter2mqtt/sensor/main__voltage/state"`)
	assert.True(messages[0].retain)
	assert.Equal("homeassistant/number/meter2mqtt_main_abcd/main__demand_period/config", messages[1].topic)
	assert.Contains(messages[1].message, `"command_topic":"meter2mqtt/number/main__demand_period/set"`)
}

func TestFormatDecimal(t *testing.T) {
	assert.Equal(t, "230", formatDecimal(230.4, 0))
	assert.Equal(t, "0.125", formatDecimal(0.125, 3))
	assert.Equal(t, "-1.5", formatDecimal(-1.5, 1))
}
