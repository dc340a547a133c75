package domain

// SensorUpdateEventMixIn carries the entity id, <meter>__<key> for meter
// registers.
type SensorUpdateEventMixIn struct {
	Id string
}

// SensorUpdateEvent is a new state for one MQTT entity.
type SensorUpdateEvent interface {
	SensorId() string
	Meter() string
}

func (e SensorUpdateEventMixIn) SensorId() string {
	return e.Id
}

// Meter is empty for entities that do not belong to a meter.
func (e SensorUpdateEventMixIn) Meter() string {
	meter, _, _ := ParseSensorId(e.Id)
	return meter
}

// FloatSensorUpdateEvent is a numeric reading, published with Decimals digits.
type FloatSensorUpdateEvent struct {
	SensorUpdateEventMixIn
	Value    float64
	Decimals uint
}

type BinarySensorUpdateEvent struct {
	SensorUpdateEventMixIn
	Value bool
}

// TextSensorUpdateEvent is an enumerated register already rendered to its label.
type TextSensorUpdateEvent struct {
	SensorUpdateEventMixIn
	Value string
}

// InputNumberSensorUpdateEvent is the state of a writable holding register.
type InputNumberSensorUpdateEvent struct {
	SensorUpdateEventMixIn
	Value    float64
	Decimals uint
}
