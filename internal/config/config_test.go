package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validConfig() Config {
	return Config{
		Meters: []MeterConfig{
			{Name: "main", Model: "SDM630", Mode: "rtu", Device: "/dev/ttyUSB0", Baud: 9600, Parity: "N", StopBits: 1, Unit: 1},
			{Name: "garage", Model: "SDM120", Parent: "main", Unit: 2},
			{Name: "p1", Model: "ESP-P1-MODBUS", Mode: "tcp", Host: "10.0.0.2", Port: 502, Driver: "goburrow"},
		},
		MQTT:          MQTTConfig{BaseTopic: "Meter2MQTT", HADiscoveryEnable: true, HADiscoveryTopic: "homeassistant"},
		MonitorConfig: MonitorConfig{PollIntervalMillis: 5000},
	}
}

func TestValidate(t *testing.T) {
	assert := assert.New(t)

	c := validConfig()
	assert.NoError(c.Validate())
	assert.Equal("meter2mqtt", c.MQTT.BaseTopic)
	assert.Len(c.Children("main"), 1)
	assert.Empty(c.Children("p1"))
}

func TestValidateErrors(t *testing.T) {
	assert := assert.New(t)

	cases := map[string]func(c *Config){
		"no meters":      func(c *Config) { c.Meters = nil },
		"bad name":       func(c *Config) { c.Meters[0].Name = "Main Meter" },
		"separator":      func(c *Config) { c.Meters[0].Name = "main__a" },
		"duplicated":     func(c *Config) { c.Meters[2].Name = "main" },
		"no model":       func(c *Config) { c.Meters[0].Model = "" },
		"unknown parent": func(c *Config) { c.Meters[1].Parent = "nope" },
		"chained parent": func(c *Config) { c.Meters[2].Parent = "garage" },
		"self parent":    func(c *Config) { c.Meters[0].Parent = "main" },
		"bad mode":       func(c *Config) { c.Meters[0].Mode = "ascii" },
		"bad parity":     func(c *Config) { c.Meters[0].Parity = "M" },
		"bad driver":     func(c *Config) { c.Meters[2].Driver = "libmodbus" },
		"fast poll":      func(c *Config) { c.MonitorConfig.PollIntervalMillis = 500 },
		"bad topic":      func(c *Config) { c.MQTT.BaseTopic = "meters/home" },
		"bad ha topic":   func(c *Config) { c.MQTT.HADiscoveryTopic = "" },
	}
	for name, mutate := range cases {
		c := validConfig()
		mutate(&c)
		assert.Error(c.Validate(), name)
	}
}

func TestCheckMQTTTopic(t *testing.T) {
	assert := assert.New(t)

	topic, err := CheckMQTTTopic("Meter_2")
	assert.NoError(err)
	assert.Equal("meter_2", topic)

	_, err = CheckMQTTTopic("a-b")
	assert.Error(err)
}
