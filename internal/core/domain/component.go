package domain

// Device groups entities in Home Assistant. Meters hang from the bridge device
// through ViaDevice.
type Device struct {
	Id           string
	Name         string
	Version      string
	Model        string
	Manufacturer string
	ViaDevice    string
}

// GenericSensor is a read-only entity. Meter is empty for bridge entities.
type GenericSensor struct {
	Device            Device
	Meter             string
	Id                string
	SensorType        string
	Name              string
	UniqueId          string
	UnitOfMeasurement string
	StateClass        string
	DeviceClass       string
	EntityCategory    string
}

// GenericInputNumber is a writable holding register. Min, Max and Step are in
// the units the register is published with.
type GenericInputNumber struct {
	Device            Device
	Meter             string
	Id                string
	Name              string
	UniqueId          string
	UnitOfMeasurement string
	EntityCategory    string
	Min               float64
	Max               float64
	Step              float64
	Mode              string
}
