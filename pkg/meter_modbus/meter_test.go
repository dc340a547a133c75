package meter_modbus

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testDirectory() Directory {
	return Directory{
		"voltage":     {Address: 0x0000, Length: 2, Kind: INPUT_REGISTER, WireType: WIRE_FLOAT32, ValueType: VALUE_FLOAT, Label: "Voltage", Format: UnitFormat("V"), BatchGroup: 1, ScaleFactor: 1},
		"current":     {Address: 0x0006, Length: 2, Kind: INPUT_REGISTER, WireType: WIRE_FLOAT32, ValueType: VALUE_FLOAT, Label: "Current", Format: UnitFormat("A"), BatchGroup: 1, ScaleFactor: 1},
		"energy":      {Address: 0x0156, Length: 2, Kind: INPUT_REGISTER, WireType: WIRE_FLOAT32, ValueType: VALUE_FLOAT, Label: "Total Energy", Format: UnitFormat("kWh"), BatchGroup: 3, ScaleFactor: 1},
		"pf":          {Address: 0x0200, Length: 1, Kind: INPUT_REGISTER, WireType: WIRE_INT16, ValueType: VALUE_FLOAT, Label: "Power Factor", BatchGroup: 5, ScaleFactor: 0.001},
		"demand_time": {Address: 0x0002, Length: 2, Kind: HOLDING_REGISTER, WireType: WIRE_FLOAT32, ValueType: VALUE_INT, Label: "Demand Time", Format: UnitFormat("s"), BatchGroup: 1, ScaleFactor: 1},
		"counter":     {Address: 0x0010, Length: 2, Kind: HOLDING_REGISTER, WireType: WIRE_INT32, ValueType: VALUE_INT, Label: "Counter", BatchGroup: 2, ScaleFactor: 1},
		"limit":       {Address: 0x0020, Length: 2, Kind: HOLDING_REGISTER, WireType: WIRE_INT32, ValueType: VALUE_FLOAT, Label: "Limit", Format: UnitFormat("kW"), BatchGroup: 2, ScaleFactor: 0.1},
	}
}

func noSleep(time.Duration) {}

func newTestMeter(opts ...Option) (*Meter, *SimulatedTransport) {
	sim := NewSimulatedTransport()
	opts = append([]Option{WithModel("TEST"), WithSleep(noSleep)}, opts...)
	return NewMeter(sim, testDirectory(), opts...), sim
}

func TestReadFloat(t *testing.T) {
	assert := assert.New(t)
	m, sim := newTestMeter()

	sim.SetInput(1, 0x0000, 0x4366, 0x0000)
	v, err := m.Read("voltage")
	assert.NoError(err)
	assert.Equal(230.0, v)

	calls := sim.Calls()
	assert.Len(calls, 1)
	assert.Equal(SimulatedCall{Op: "read_input", Address: 0, Count: 2, Unit: 1}, calls[0])
}

func TestReadWordOrderLittle(t *testing.T) {
	assert := assert.New(t)
	m, sim := newTestMeter(WithWordOrder(LITTLE_ENDIAN))

	sim.SetInput(1, 0x0000, 0x0000, 0x4366)
	v, err := m.Read("voltage")
	assert.NoError(err)
	assert.Equal(230.0, v)
}

func TestReadScaled(t *testing.T) {
	assert := assert.New(t)
	m, sim := newTestMeter()

	sim.SetInput(1, 0x0200, uint16(985))
	v, err := m.Read("pf")
	assert.NoError(err)
	assert.Equal(985.0, v)

	v, err = m.ReadScaled("pf")
	assert.NoError(err)
	assert.InDelta(0.985, v, 1e-9)

	s, err := m.GetScaling("pf")
	assert.NoError(err)
	assert.Equal(0.001, s)
}

func TestReadIntTruncates(t *testing.T) {
	assert := assert.New(t)
	m, sim := newTestMeter()

	words, _ := Encode(59.9, WIRE_FLOAT32, BIG_ENDIAN, BIG_ENDIAN)
	sim.SetHolding(1, 0x0002, words...)
	v, err := m.Read("demand_time")
	assert.NoError(err)
	assert.Equal(59.0, v)
}

func TestUnknownKey(t *testing.T) {
	assert := assert.New(t)
	m, sim := newTestMeter()

	_, err := m.Read("nope")
	assert.True(errors.Is(err, ErrNotFound))
	_, err = m.GetScaling("nope")
	assert.True(errors.Is(err, ErrNotFound))
	err = m.Write("nope", 1)
	assert.True(errors.Is(err, ErrNotFound))

	assert.Equal(0, sim.CallCount(""))
}

func TestWriteHolding(t *testing.T) {
	assert := assert.New(t)
	m, sim := newTestMeter()

	assert.NoError(m.Write("counter", 60))
	assert.Equal([]uint16{0x0000, 0x003c}, sim.Holding(1, 0x0010, 2))

	assert.NoError(m.Write("demand_time", 60))
	assert.Equal([]uint16{0x4270, 0x0000}, sim.Holding(1, 0x0002, 2))

	v, err := m.Read("counter")
	assert.NoError(err)
	assert.Equal(60.0, v)
}

func TestWriteDemandPeriod(t *testing.T) {
	assert := assert.New(t)
	sim := NewSimulatedTransport()
	m := NewMeter(sim, Directory{
		"demand_period": {Address: 0x0002, Length: 2, Kind: HOLDING_REGISTER, WireType: WIRE_INT32, ValueType: VALUE_INT, Label: "Demand Period", Format: UnitFormat("min"), BatchGroup: 1, ScaleFactor: 1},
	}, WithSleep(noSleep))

	assert.NoError(m.Write("demand_period", 60))

	calls := sim.Calls()
	if assert.Len(calls, 1) {
		assert.Equal(SimulatedCall{Op: "write_holding", Address: 0x0002, Count: 2, Unit: 1, Values: []uint16{0x0000, 0x003c}}, calls[0])
	}
	assert.Equal([]uint16{0x0000, 0x003c}, sim.Holding(1, 0x0002, 2))
}

func TestWriteDividesByScale(t *testing.T) {
	assert := assert.New(t)
	m, sim := newTestMeter()

	assert.NoError(m.Write("limit", 5))
	assert.Equal([]uint16{0x0000, 0x0032}, sim.Holding(1, 0x0020, 2))

	v, err := m.ReadScaled("limit")
	assert.NoError(err)
	assert.InDelta(5.0, v, 1e-9)
}

func TestWriteInputRejected(t *testing.T) {
	assert := assert.New(t)
	m, sim := newTestMeter()

	err := m.Write("voltage", 1)
	assert.True(errors.Is(err, ErrReadOnlyRegister))
	assert.Equal(0, sim.CallCount(""))
}

func TestUnsupportedRejectedBeforeIO(t *testing.T) {
	assert := assert.New(t)
	m, sim := newTestMeter()
	m.registers["frequency"] = RegisterDescriptor{Address: 0x0300, Length: 1, Kind: INPUT_REGISTER, WireType: WIRE_UINT16, BatchGroup: 9}
	m.registers["flag"] = RegisterDescriptor{Address: 0x0300, Length: 1, Kind: HOLDING_REGISTER, WireType: WIRE_UINT16, BatchGroup: 9}

	_, err := m.Read("frequency")
	assert.True(errors.Is(err, ErrUnsupportedWireType))
	err = m.Write("flag", 1)
	assert.True(errors.Is(err, ErrUnsupportedWireType))
	assert.Equal(0, sim.CallCount(""))
}

func TestChildSharesBus(t *testing.T) {
	assert := assert.New(t)
	parent, sim := newTestMeter()
	child := parent.NewChild(2, Directory{
		"voltage": {Address: 0x0000, Length: 2, Kind: INPUT_REGISTER, WireType: WIRE_FLOAT32, BatchGroup: 1},
	}, WithModel("CHILD"))

	assert.Equal(uint8(2), child.Unit())
	assert.Equal("CHILD", child.Model())
	assert.Same(parent.Bus(), child.Bus())
	assert.Equal(2, parent.Bus().Holders())

	sim.SetInput(1, 0, 0x4366, 0)
	sim.SetInput(2, 0, 0x4348, 0)

	v, err := parent.Read("voltage")
	assert.NoError(err)
	assert.Equal(230.0, v)
	v, err = child.Read("voltage")
	assert.NoError(err)
	assert.Equal(200.0, v)

	calls := sim.Calls()
	assert.Equal(uint8(1), calls[0].Unit)
	assert.Equal(uint8(2), calls[1].Unit)

	// releasing one holder keeps the link up
	child.Release()
	assert.True(parent.IsConnected())
	child.Release()
	assert.Equal(1, parent.Bus().Holders())

	parent.Release()
	assert.False(parent.IsConnected())
}

func TestDisconnectAffectsChildren(t *testing.T) {
	assert := assert.New(t)
	parent, _ := newTestMeter()
	child := parent.NewChild(3, testDirectory())

	parent.Disconnect()
	assert.False(child.IsConnected())
	assert.True(child.Connect())
	assert.True(parent.IsConnected())
}
