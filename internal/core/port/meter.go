package port

import (
	mm "github.com/berfenger/meter2mqtt/pkg/meter_modbus"
)

// Meter is what the bus actor needs from a meter. *meter_modbus.Meter satisfies it.
type Meter interface {
	Model() string
	Unit() uint8
	Registers() mm.Directory
	Connect() bool
	IsConnected() bool
	Release()
	Read(key string) (float64, error)
	ReadScaled(key string) (float64, error)
	Write(key string, value float64) error
	ReadAll(kind mm.RegisterKind, scaled bool) (map[string]float64, error)
	GetScaling(key string) (float64, error)
}

var _ Meter = (*mm.Meter)(nil)
