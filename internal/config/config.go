package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	mm "github.com/berfenger/meter2mqtt/pkg/meter_modbus"
	"go.uber.org/zap/zapcore"
)

const MIN_POLL_INTERVAL_MILLIS = 1000

type Config struct {
	LogLevel      zapcore.Level
	Meters        []MeterConfig `mapstructure:"meters"`
	ModelsFile    string        `mapstructure:"models_file"`
	MQTT          MQTTConfig    `mapstructure:"mqtt"`
	MonitorConfig MonitorConfig `mapstructure:"monitor"`
	Port          uint          `mapstructure:"port"`
	HttpLog       bool          `mapstructure:"http_log"`
}

// MeterConfig describes one meter. A meter with a parent shares the parent's bus
// and only uses Name, Model and Unit.
type MeterConfig struct {
	Name          string
	Model         string
	Unit          uint8
	Mode          string
	Device        string
	Baud          uint
	Parity        string
	StopBits      uint `mapstructure:"stopbits"`
	Host          string
	Port          uint
	TimeoutMillis uint32 `mapstructure:"timeout_millis"`
	Retries       uint
	BackoffMillis uint32 `mapstructure:"backoff_millis"`
	Parent        string
	Driver        string
}

type MonitorConfig struct {
	PollIntervalMillis uint32 `mapstructure:"poll_interval_millis"`
	ReadHolding        bool   `mapstructure:"read_holding"`
	Scaled             bool   `mapstructure:"scaled"`
	Strict             bool   `mapstructure:"strict"`
}

type MQTTConfig struct {
	Host              string
	Port              int
	Username          string
	Password          string
	BaseTopic         string `mapstructure:"base_topic"`
	HADiscoveryEnable bool   `mapstructure:"ha_discovery_enable"`
	HADiscoveryTopic  string `mapstructure:"ha_discovery_topic"`
}

func (c *Config) Validate() error {
	if len(c.Meters) == 0 {
		return errors.New("no meters configured")
	}

	meters := make(map[string]MeterConfig, len(c.Meters))
	for _, m := range c.Meters {
		name, err := CheckMQTTTopic(m.Name)
		if err != nil || name != m.Name || strings.Contains(m.Name, "__") {
			return fmt.Errorf("invalid meter name %q. must be lowercase letters, numbers and underscores", m.Name)
		}
		if _, ok := meters[m.Name]; ok {
			return fmt.Errorf("duplicated meter name %q", m.Name)
		}
		meters[m.Name] = m
	}

	for _, m := range c.Meters {
		if m.Model == "" {
			return fmt.Errorf("meter %s: model is required", m.Name)
		}
		if m.Parent != "" {
			parent, ok := meters[m.Parent]
			if !ok {
				return fmt.Errorf("meter %s: unknown parent %q", m.Name, m.Parent)
			}
			if parent.Name == m.Name || parent.Parent != "" {
				return fmt.Errorf("meter %s: parent %q must be a root meter", m.Name, m.Parent)
			}
			continue
		}
		if _, err := mm.ParseMode(m.Mode); err != nil {
			return fmt.Errorf("meter %s: %w", m.Name, err)
		}
		if _, err := mm.ParseParity(m.Parity); err != nil {
			return fmt.Errorf("meter %s: %w", m.Name, err)
		}
		switch strings.ToLower(m.Driver) {
		case "", mm.DRIVER_SIMONVETTER, mm.DRIVER_GOBURROW:
		default:
			return fmt.Errorf("meter %s: unknown driver %q", m.Name, m.Driver)
		}
	}

	if c.MonitorConfig.PollIntervalMillis < MIN_POLL_INTERVAL_MILLIS {
		return fmt.Errorf("poll interval must be at least %d millis", MIN_POLL_INTERVAL_MILLIS)
	}

	baseTopic, err := CheckMQTTTopic(c.MQTT.BaseTopic)
	if err != nil {
		return fmt.Errorf("mqtt base topic: %w", err)
	}
	c.MQTT.BaseTopic = baseTopic
	if c.MQTT.HADiscoveryEnable {
		discoveryTopic, err := CheckMQTTTopic(c.MQTT.HADiscoveryTopic)
		if err != nil {
			return fmt.Errorf("mqtt ha discovery topic: %w", err)
		}
		c.MQTT.HADiscoveryTopic = discoveryTopic
	}
	return nil
}

// Children returns the meters attached to the bus of parent.
func (c *Config) Children(parent string) []MeterConfig {
	var children []MeterConfig
	for _, m := range c.Meters {
		if m.Parent == parent {
			children = append(children, m)
		}
	}
	return children
}

func CheckMQTTTopic(baseTopic string) (string, error) {
	// check and fix base topic
	lowerBaseTopic := strings.ToLower(baseTopic)
	baseTopicRegexp := regexp.MustCompile("^[a-z0-9_]+$")
	matches := baseTopicRegexp.FindAllStringSubmatch(lowerBaseTopic, 1)
	if len(matches) <= 0 {
		return "", errors.New("invalid topic. can only contain letters, numbers and underscores")
	}
	return lowerBaseTopic, nil
}
