package actor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/berfenger/meter2mqtt/internal/config"
	"github.com/berfenger/meter2mqtt/internal/core/domain"
	"github.com/berfenger/meter2mqtt/internal/mqtt"
	"github.com/berfenger/meter2mqtt/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	MQTT_CONNECT_TIMEOUT = 10 * time.Second
	MQTT_PUBLISH_TIMEOUT = 5 * time.Second
	MQTT_CONTROL_TIMEOUT = 500 * time.Millisecond
)

// MQTTActor owns the broker connection. It publishes one message at a time and
// stashes the rest until the broker acknowledges.
type MQTTActor struct {
	config   *config.Config
	behavior actor.Behavior
	stash    *actorutil.Stash
	client   *mqtt.MQTTClient
	logger   *zap.Logger
	sink     func(any)
}

type MQTTConnected struct {
}

type MQTTSubscribed struct {
}

type MQTTConnectionLost struct {
	Error error
}

// ParsedCommand is a valid command received on the command topic. It is routed
// to the parent.
type ParsedCommand struct {
	Command *mqtt.ParsedMQTTCommand
}

type publishResult struct {
	replyTo  *actor.PID
	response func(error) domain.ActorResponse
	err      error
}

type rawMessage struct {
	topic   string
	message string
	retain  bool
}

func NewMQTTActor(config *config.Config, logger *zap.Logger) *MQTTActor {
	act := &MQTTActor{
		config:   config,
		behavior: actor.NewBehavior(),
		stash:    &actorutil.Stash{},
		logger:   actorutil.ActorLogger(domain.ACTOR_ID_MQTT, logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *MQTTActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *MQTTActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("mqtt@starting started")

		state.client = mqtt.CreateMQTTClient(state.config, mqtt.OptsFromConfig(state.config), nil, func(_ pahomqtt.Client, err error) {
			ctx.Send(ctx.Self(), MQTTConnectionLost{Error: err})
		})
		state.client.Connect(func(err error) {
			if err != nil {
				ctx.Send(ctx.Self(), MQTTConnectionLost{Error: err})
			} else {
				ctx.Send(ctx.Self(), MQTTConnected{})
			}
		}, MQTT_CONNECT_TIMEOUT)

	case MQTTConnected:
		state.logger.Info("mqtt@starting connected", zap.String("bridge", state.client.BridgeStateTopic()))

		state.client.Publish(state.client.BridgeStateTopic(), mqtt.MQTT_PAYLOAD_ONLINE, 0, true, func(error) {}, MQTT_CONTROL_TIMEOUT)

		state.client.SubscribeToCommandTopic(func(c pahomqtt.Client, m pahomqtt.Message) {
			cmd, err := state.client.ParseMQTTCommand(m)
			if err != nil {
				state.logger.Warn("mqtt: invalid command", zap.String("topic", m.Topic()), zap.Error(err))
				return
			}
			ctx.Send(ctx.Self(), ParsedCommand{Command: cmd})
		}, func(err error) {
			if err != nil {
				ctx.Send(ctx.Self(), MQTTConnectionLost{Error: err})
			} else {
				ctx.Send(ctx.Self(), MQTTSubscribed{})
			}
		}, time.Second)
	case MQTTSubscribed:
		state.logger.Debug("mqtt@starting subscribed")
		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	case MQTTConnectionLost:
		// stop actor and let supervisor decide
		state.logger.Error("mqtt@starting connection lost", zap.Error(msg.Error))
		panic(msg.Error)
	case *actor.Restarting:
		state.stop()
	default:
		state.logger.Debug("mqtt@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MQTTActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Restarting:
		state.stop()
	case *actor.Stopping:
		state.stop()
	case domain.ActorHealthRequest:
		state.logger.Debug("mqtt@default ActorHealthRequest")
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_MQTT,
			Healthy: state.client.IsConnected(),
			State:   connectionState(state.client.IsConnected()),
		})
	case ParsedCommand:
		state.logger.Debug("mqtt@default parsedCommand", zap.String("entity", msg.Command.EntityId()), zap.Float64("value", msg.Command.Value))
		ctx.Send(ctx.Parent(), msg)
	case domain.PublishMessageRequest:
		state.logger.Debug("mqtt@default PublishMessageRequest", zap.String("topic", msg.Topic))
		state.publish(ctx, rawMessage{topic: msg.Topic, message: msg.Payload, retain: msg.Retain}, 1,
			actorutil.ForRequest(msg).ReplyTo(ctx), func(err error) domain.ActorResponse {
				return domain.PublishMessageResponse{ActorResponseMixIn: domain.Failed(err)}
			})
	case domain.PublishSensorUpdateRequest:
		state.publishSensorValue(ctx, msg.Event, msg.Retain, actorutil.ForRequest(msg).ReplyTo(ctx))
	case domain.PublishDiscoveryRequest:
		err := state.PublishHomeAssistantDiscovery(msg.Sensors, msg.InputNumbers)
		if err != nil {
			state.logger.Error("mqtt@default PublishHADiscovery error", zap.Error(err))
		} else {
			state.logger.Info("mqtt@default published discovery", zap.Int("sensors", len(msg.Sensors)), zap.Int("numbers", len(msg.InputNumbers)))
		}
		actorutil.ForRequest(msg).Respond(ctx, domain.PublishDiscoveryResponse{ActorResponseMixIn: domain.Failed(err)})
	case MQTTConnectionLost:
		// stop actor and let supervisor decide
		state.logger.Error("mqtt@default connection lost", zap.Error(msg.Error))
		panic(msg.Error)
	default:
		state.logger.Debug("mqtt@default ignored", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// PublishingReceive waits for the broker to acknowledge the message in flight.
func (state *MQTTActor) PublishingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case publishResult:
		if msg.err != nil {
			state.logger.Error("mqtt@publishing could not publish a message", zap.Error(msg.err))
		}
		if msg.replyTo != nil && msg.response != nil {
			ctx.Send(msg.replyTo, msg.response(msg.err))
		}
		state.behavior.UnbecomeStacked()
		state.stash.UnstashOldest(ctx)
	default:
		state.stash.Stash(ctx, msg)
	}
}

func (state *MQTTActor) event2MQTTMessage(event any) *rawMessage {
	switch msg := event.(type) {
	case domain.FloatSensorUpdateEvent:
		return &rawMessage{
			topic:   state.client.SensorStateTopic(msg.Id),
			message: formatDecimal(msg.Value, msg.Decimals),
		}
	case domain.BinarySensorUpdateEvent:
		return &rawMessage{
			topic:   state.client.BinarySensorStateTopic(msg.Id),
			message: bool2MQTTPayload(msg.Value),
			retain:  true,
		}
	case domain.InputNumberSensorUpdateEvent:
		return &rawMessage{
			topic:   state.client.InputNumberStateTopic(msg.Id),
			message: formatDecimal(msg.Value, msg.Decimals),
			retain:  true,
		}
	case domain.TextSensorUpdateEvent:
		return &rawMessage{
			topic:   state.client.SensorStateTopic(msg.Id),
			message: msg.Value,
		}
	default:
		return nil
	}
}

func (state *MQTTActor) publishSensorValue(ctx actor.Context, event domain.SensorUpdateEvent, retain bool, replyTo *actor.PID) {
	msg := state.event2MQTTMessage(event)
	if msg == nil {
		state.logger.Debug("mqtt@default no topic for event", zap.String("type", fmt.Sprintf("%T", event)))
		if replyTo != nil {
			ctx.Send(replyTo, domain.PublishSensorUpdateResponse{})
		}
		return
	}
	msg.retain = msg.retain || retain
	state.logger.Debug("mqtt@default sensor update", zap.String("meter", event.Meter()), zap.String("topic", msg.topic), zap.String("value", msg.message))
	state.publish(ctx, *msg, 1, replyTo, func(err error) domain.ActorResponse {
		return domain.PublishSensorUpdateResponse{ActorResponseMixIn: domain.Failed(err)}
	})
}

func (state *MQTTActor) publish(ctx actor.Context, msg rawMessage, qos byte, replyTo *actor.PID, response func(error) domain.ActorResponse) {
	state.client.Publish(msg.topic, msg.message, qos, msg.retain, func(err error) {
		ctx.Send(ctx.Self(), publishResult{replyTo: replyTo, response: response, err: err})
	}, MQTT_PUBLISH_TIMEOUT)
	state.behavior.BecomeStacked(state.PublishingReceive)
}

// PublishHomeAssistantDiscovery publishes retained discovery configs without
// waiting for acknowledgement.
func (state *MQTTActor) PublishHomeAssistantDiscovery(sensors []domain.GenericSensor, inputNumbers []domain.GenericInputNumber) error {
	messages, err := state.discoveryMessages(sensors, inputNumbers)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		topic := msg.topic
		state.client.Publish(topic, msg.message, 0, msg.retain, func(err error) {
			if err != nil {
				state.logger.Warn("mqtt: discovery publish failed", zap.String("topic", topic), zap.Error(err))
			}
		}, time.Second)
	}
	return nil
}

func (state *MQTTActor) discoveryMessages(sensors []domain.GenericSensor, inputNumbers []domain.GenericInputNumber) ([]rawMessage, error) {
	messages := make([]rawMessage, 0, len(sensors)+len(inputNumbers))
	for i := range sensors {
		payload, err := json.Marshal(mqtt.GenericSensorToHADiscoveryMessage(state.client, sensors[i]))
		if err != nil {
			return nil, fmt.Errorf("sensor %s: %w", sensors[i].Id, err)
		}
		messages = append(messages, rawMessage{
			topic:   mqtt.HADiscoverySensorTopic(state.client, sensors[i]),
			message: string(payload),
			retain:  true,
		})
	}
	for i := range inputNumbers {
		payload, err := json.Marshal(mqtt.GenericInputNumberToHADiscoveryMessage(state.client, inputNumbers[i]))
		if err != nil {
			return nil, fmt.Errorf("number %s: %w", inputNumbers[i].Id, err)
		}
		messages = append(messages, rawMessage{
			topic:   mqtt.HADiscoveryInputNumberTopic(state.client, inputNumbers[i]),
			message: string(payload),
			retain:  true,
		})
	}
	return messages, nil
}

func (state *MQTTActor) stop() {
	if state.client == nil {
		return
	}
	state.logger.Debug("mqtt: disconnect")
	if state.client.IsConnected() {
		state.client.UnsubscribeFromCommandTopic(func(error) {}, MQTT_CONTROL_TIMEOUT)
		state.client.Publish(state.client.BridgeStateTopic(), mqtt.MQTT_PAYLOAD_OFFLINE, 0, true, func(error) {}, MQTT_CONTROL_TIMEOUT)
	}
	state.client.Disconnect(MQTT_CONTROL_TIMEOUT)
}

func connectionState(connected bool) string {
	if connected {
		return "connected"
	}
	return "disconnected"
}

func formatDecimal(value float64, decimals uint) string {
	return strconv.FormatFloat(value, 'f', int(decimals), 64)
}

func bool2MQTTPayload(value bool) string {
	if value {
		return mqtt.MQTT_PAYLOAD_ON
	}
	return mqtt.MQTT_PAYLOAD_OFF
}

// NewTestMQTTActor never connects to a broker. Every publish request is handed to sink.
func NewTestMQTTActor(config *config.Config, logger *zap.Logger, sink func(any)) *MQTTActor {
	act := &MQTTActor{
		config:   config,
		behavior: actor.NewBehavior(),
		stash:    &actorutil.Stash{},
		logger:   actorutil.ActorLogger(domain.ACTOR_ID_MQTT, logger),
		sink:     sink,
	}
	act.behavior.Become(act.DummyReceive)
	return act
}

func (state *MQTTActor) DummyReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.client = mqtt.CreateMQTTClient(state.config, mqtt.OptsFromConfig(state.config), nil, nil)
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_MQTT,
			Healthy: true,
			State:   "idle",
		})
	case ParsedCommand:
		ctx.Send(ctx.Parent(), msg)
	case domain.PublishSensorUpdateRequest:
		state.record(msg)
		if raw := state.event2MQTTMessage(msg.Event); raw != nil {
			state.logger.Debug("mqtt@dummy sensor update", zap.String("topic", raw.topic), zap.String("value", raw.message))
		}
		actorutil.ForRequest(msg).Respond(ctx, domain.PublishSensorUpdateResponse{})
	case domain.PublishMessageRequest:
		state.record(msg)
		actorutil.ForRequest(msg).Respond(ctx, domain.PublishMessageResponse{})
	case domain.PublishDiscoveryRequest:
		state.record(msg)
		_, err := state.discoveryMessages(msg.Sensors, msg.InputNumbers)
		actorutil.ForRequest(msg).Respond(ctx, domain.PublishDiscoveryResponse{ActorResponseMixIn: domain.Failed(err)})
	}
}

func (state *MQTTActor) record(msg any) {
	if state.sink != nil {
		state.sink(msg)
	}
}
