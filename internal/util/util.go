package util

import (
	"github.com/berfenger/meter2mqtt/internal/config"

	"go.uber.org/zap"
)

func LoadTestConfig() config.Config {
	return config.Config{
		LogLevel: zap.DebugLevel,
		Meters: []config.MeterConfig{
			{
				Name:          "main",
				Model:         "SDM120",
				Unit:          1,
				Mode:          "rtu",
				Device:        "/dev/ttyUSB0",
				Baud:          2400,
				Parity:        "N",
				StopBits:      1,
				TimeoutMillis: 500,
				Retries:       1,
			},
			{
				Name:   "garage",
				Model:  "SDM120",
				Unit:   2,
				Parent: "main",
			},
		},
		MQTT: config.MQTTConfig{
			Host:              "localhost",
			Port:              1883,
			BaseTopic:         "meter2mqtt",
			HADiscoveryEnable: true,
			HADiscoveryTopic:  "homeassistant",
		},
		MonitorConfig: config.MonitorConfig{
			PollIntervalMillis: 5000,
			ReadHolding:        true,
			Scaled:             true,
		},
		Port: 8080,
	}
}
