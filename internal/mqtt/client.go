package mqtt

import (
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/berfenger/meter2mqtt/internal/config"
	"github.com/berfenger/meter2mqtt/internal/core/domain"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	MQTT_PAYLOAD_ONLINE  = "online"
	MQTT_PAYLOAD_OFFLINE = "offline"
	MQTT_PAYLOAD_ON      = "on"
	MQTT_PAYLOAD_OFF     = "off"
	COMMAND_NUMBER       = "number"
)

var ErrInvalidCommand = errors.New("invalid command")

func OptsFromConfig(cfg *config.Config) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTT.Host, cfg.MQTT.Port))
	opts.SetClientID(fmt.Sprintf("meter2mqtt_%d", rand.Intn(1000)))
	if cfg.MQTT.Username != "" && cfg.MQTT.Password != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}
	// the broker flags the bridge offline when the daemon dies without a clean disconnect
	opts.SetBinaryWill(bridgeStateTopic(cfg.MQTT.BaseTopic), []byte(MQTT_PAYLOAD_OFFLINE), 0, true)
	opts.SetAutoReconnect(false)

	return opts
}

func CreateMQTTClient(cfg *config.Config, opts *mqtt.ClientOptions, onConnectHandler func(client mqtt.Client),
	onConnectionLostHandler func(mqtt.Client, error)) *MQTTClient {
	if onConnectHandler != nil {
		opts.OnConnect = onConnectHandler
	}
	if onConnectionLostHandler != nil {
		opts.OnConnectionLost = onConnectionLostHandler
	}
	return &MQTTClient{
		client:                   mqtt.NewClient(opts),
		cfg:                      cfg.MQTT,
		inputNumberCommandRegexp: inputNumberCommandExtractor(cfg.MQTT.BaseTopic),
	}
}

type MQTTClient struct {
	client                   mqtt.Client
	cfg                      config.MQTTConfig
	inputNumberCommandRegexp *regexp.Regexp
}

// ParsedMQTTCommand is a value sent to the number entity of a meter register.
type ParsedMQTTCommand struct {
	Command string
	Meter   string
	Key     string
	Value   float64
}

func (c *ParsedMQTTCommand) EntityId() string {
	return domain.SensorId(c.Meter, c.Key)
}

func (c *MQTTClient) baseTopic() string {
	return c.cfg.BaseTopic
}

func (c *MQTTClient) BridgeStateTopic() string {
	return bridgeStateTopic(c.baseTopic())
}

func (c *MQTTClient) SensorStateTopic(sensorId string) string {
	return c.entityTopic(domain.SENSOR_TYPE_SENSOR, sensorId, "state")
}

func (c *MQTTClient) BinarySensorStateTopic(sensorId string) string {
	return c.entityTopic(domain.SENSOR_TYPE_BINARY, sensorId, "state")
}

func (c *MQTTClient) InputNumberStateTopic(id string) string {
	return c.entityTopic(COMMAND_NUMBER, id, "state")
}

func (c *MQTTClient) InputNumberCommandTopic(id string) string {
	return c.entityTopic(COMMAND_NUMBER, id, "set")
}

func (c *MQTTClient) entityTopic(component, id, leaf string) string {
	return strings.Join([]string{c.baseTopic(), component, id, leaf}, "/")
}

// ParseMQTTCommand accepts <base>/number/<meter>__<key>/set with a numeric payload.
func (c *MQTTClient) ParseMQTTCommand(msg mqtt.Message) (*ParsedMQTTCommand, error) {
	return c.parseInputNumberCommand(msg.Topic(), string(msg.Payload()))
}

func (c *MQTTClient) parseInputNumberCommand(topic, payload string) (*ParsedMQTTCommand, error) {
	matches := c.inputNumberCommandRegexp.FindStringSubmatch(topic)
	if len(matches) != 2 {
		return nil, fmt.Errorf("%w: unexpected topic %s", ErrInvalidCommand, topic)
	}
	meter, key, ok := domain.ParseSensorId(matches[1])
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a meter register", ErrInvalidCommand, matches[1])
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(payload), 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCommand, err)
	}

	return &ParsedMQTTCommand{
		Command: COMMAND_NUMBER,
		Meter:   meter,
		Key:     key,
		Value:   value,
	}, nil
}

func (c *MQTTClient) Publish(topic string, payload any, qos byte, retain bool, continuation func(error), timeout time.Duration) {
	await(c.client.Publish(topic, qos, retain, payload), "publish", timeout, continuation)
}

func (c *MQTTClient) Subscribe(topic string, qos byte, handler mqtt.MessageHandler, continuation func(error), timeout time.Duration) {
	await(c.client.Subscribe(topic, qos, handler), "subscribe", timeout, continuation)
}

func (c *MQTTClient) SubscribeToCommandTopic(handler mqtt.MessageHandler, continuation func(error), timeout time.Duration) {
	c.Subscribe(c.commandTopic(), 1, handler, continuation, timeout)
}

func (c *MQTTClient) IsConnected() bool {
	return c.client.IsConnected()
}

func (c *MQTTClient) Unsubscribe(topic string, continuation func(error), timeout time.Duration) {
	await(c.client.Unsubscribe(topic), "unsubscribe", timeout, continuation)
}

func (c *MQTTClient) UnsubscribeFromCommandTopic(continuation func(error), timeout time.Duration) {
	c.Unsubscribe(c.commandTopic(), continuation, timeout)
}

func (c *MQTTClient) Connect(continuation func(error), timeout time.Duration) {
	await(c.client.Connect(), "connect", timeout, continuation)
}

func (c *MQTTClient) Disconnect(timeout time.Duration) {
	c.client.Disconnect(uint(timeout.Milliseconds()))
}

func (c *MQTTClient) commandTopic() string {
	return c.InputNumberCommandTopic("+")
}

// DiscoveryTopic is the Home Assistant discovery prefix.
func (c *MQTTClient) DiscoveryTopic() string {
	return c.cfg.HADiscoveryTopic
}

// await waits for token off the caller goroutine, continuation runs exactly once.
func await(token mqtt.Token, op string, timeout time.Duration, continuation func(error)) {
	go func() {
		if !token.WaitTimeout(timeout) {
			continuation(fmt.Errorf("MQTT %s timed out", op))
			return
		}
		continuation(token.Error())
	}()
}

func inputNumberCommandExtractor(baseTopic string) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf("^%s/%s/([a-z0-9_]+)/set$", regexp.QuoteMeta(baseTopic), COMMAND_NUMBER))
}

func bridgeStateTopic(baseTopic string) string {
	return fmt.Sprintf("%s/bridge/state", baseTopic)
}
