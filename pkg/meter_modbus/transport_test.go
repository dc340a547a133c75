package meter_modbus

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/simonvetter/modbus"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

const testServerPort = 5502

// bankHandler serves a SimulatedTransport bank over a real modbus server.
type bankHandler struct {
	sim *SimulatedTransport
}

func (h *bankHandler) HandleCoils(req *modbus.CoilsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

func (h *bankHandler) HandleDiscreteInputs(req *modbus.DiscreteInputsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

func (h *bankHandler) HandleHoldingRegisters(req *modbus.HoldingRegistersRequest) ([]uint16, error) {
	if req.Addr >= 0xff00 {
		return nil, modbus.ErrIllegalDataAddress
	}
	if req.IsWrite {
		if err := h.sim.WriteHoldingRegisters(req.Addr, req.Args, req.UnitId); err != nil {
			return nil, modbus.ErrServerDeviceFailure
		}
		return req.Args, nil
	}
	return h.sim.ReadHoldingRegisters(req.Addr, req.Quantity, req.UnitId)
}

func (h *bankHandler) HandleInputRegisters(req *modbus.InputRegistersRequest) ([]uint16, error) {
	if req.Addr >= 0xff00 {
		return nil, modbus.ErrIllegalDataAddress
	}
	return h.sim.ReadInputRegisters(req.Addr, req.Quantity, req.UnitId)
}

func startTestServer(t *testing.T, port int) *SimulatedTransport {
	sim := NewSimulatedTransport()
	server, err := modbus.NewServer(&modbus.ServerConfiguration{
		URL:        fmt.Sprintf("tcp://localhost:%d", port),
		Timeout:    10 * time.Second,
		MaxClients: 2,
	}, &bankHandler{sim: sim})
	if err != nil {
		t.Fatal(err)
	}
	if err := server.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { server.Stop() })
	return sim
}

func testConnection(port int) ConnectionConfig {
	return ConnectionConfig{
		Mode:    MODE_TCP,
		Host:    "localhost",
		Port:    uint(port),
		Timeout: time.Second,
	}
}

func exerciseTransport(t *testing.T, driver string, port int) {
	assert := assert.New(t)
	sim := startTestServer(t, port)
	sim.SetInput(1, 0x0000, 0x4366, 0x0000)
	sim.SetInput(2, 0x0000, 0x4348, 0x0000)

	transport, err := NewTransport(driver, testConnection(port), zap.NewNop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	assert.False(transport.IsConnected())
	assert.True(transport.Connect())
	assert.True(transport.IsConnected())
	defer transport.Disconnect()

	words, err := transport.ReadInputRegisters(0, 2, 1)
	assert.NoError(err)
	assert.Equal([]uint16{0x4366, 0x0000}, words)

	words, err = transport.ReadInputRegisters(0, 2, 2)
	assert.NoError(err)
	assert.Equal([]uint16{0x4348, 0x0000}, words)

	assert.NoError(transport.WriteHoldingRegisters(0x0010, []uint16{0, 60}, 1))
	words, err = transport.ReadHoldingRegisters(0x0010, 2, 1)
	assert.NoError(err)
	assert.Equal([]uint16{0, 60}, words)

	// exception responses keep the link up
	_, err = transport.ReadInputRegisters(0xff00, 2, 1)
	assert.Error(err)
	assert.True(transport.IsConnected())
}

func TestModbusTransportTCP(t *testing.T) {
	exerciseTransport(t, DRIVER_SIMONVETTER, testServerPort)
}

func TestGoburrowTransportTCP(t *testing.T) {
	exerciseTransport(t, DRIVER_GOBURROW, testServerPort+1)
}

// concurrent callers on different units must each get their own unit's registers
func exerciseConcurrentUnits(t *testing.T, driver string, port int) {
	assert := assert.New(t)
	sim := startTestServer(t, port)
	sim.SetInput(1, 0x0000, 0x0001)
	sim.SetInput(2, 0x0000, 0x0002)

	transport, err := NewTransport(driver, testConnection(port), zap.NewNop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	assert.True(transport.Connect())
	defer transport.Disconnect()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var mismatches, failures int
	for i := 0; i < 8; i++ {
		unit := uint8(i%2 + 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				words, err := transport.ReadInputRegisters(0, 1, unit)
				mu.Lock()
				if err != nil {
					failures++
				} else if words[0] != uint16(unit) {
					mismatches++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Zero(failures)
	assert.Zero(mismatches)
}

func TestModbusTransportConcurrentUnits(t *testing.T) {
	exerciseConcurrentUnits(t, DRIVER_SIMONVETTER, testServerPort+3)
}

func TestGoburrowTransportConcurrentUnits(t *testing.T) {
	exerciseConcurrentUnits(t, DRIVER_GOBURROW, testServerPort+4)
}

func TestMeterOverTCP(t *testing.T) {
	assert := assert.New(t)
	port := testServerPort + 2
	sim := startTestServer(t, port)

	transport, err := NewTransport(DRIVER_SIMONVETTER, testConnection(port), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	m := NewMeter(transport, testDirectory(), WithModel("TEST"))
	defer m.Release()
	loadTestValues(t, sim, m)

	// the first read connects on demand
	v, err := m.Read("voltage")
	assert.NoError(err)
	assert.Equal(230.5, v)

	values, err := m.ReadAll(INPUT_REGISTER, true)
	assert.NoError(err)
	assert.Len(values, 4)

	assert.NoError(m.Write("limit", 7.5))
	v, err = m.ReadScaled("limit")
	assert.NoError(err)
	assert.InDelta(7.5, v, 1e-9)
}

func TestMeterUnreachable(t *testing.T) {
	assert := assert.New(t)
	conf := testConnection(testServerPort + 9)
	conf.Timeout = 100 * time.Millisecond

	transport, err := NewTransport(DRIVER_SIMONVETTER, conf, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	m := NewMeter(transport, testDirectory(), WithRetries(2), WithBackoff(time.Millisecond))
	_, err = m.Read("voltage")
	assert.True(errors.Is(err, ErrIOFailure))
	assert.False(m.IsConnected())
}

func TestConnectionConfig(t *testing.T) {
	assert := assert.New(t)

	rtu := ConnectionConfig{Mode: MODE_RTU, Device: "/dev/ttyUSB0", Baud: 9600, Parity: "E", StopBits: 1}
	assert.Equal("rtu:///dev/ttyUSB0", rtu.URL())
	assert.NoError(rtu.Validate())

	rtu.Parity = "X"
	assert.Error(rtu.Validate())

	udp := ConnectionConfig{Mode: MODE_UDP, Host: "10.0.0.2", Port: 502}
	assert.Equal("udp://10.0.0.2:502", udp.URL())
	assert.NoError(udp.Validate())

	assert.Error(ConnectionConfig{Mode: MODE_TCP}.Validate())

	_, err := NewTransport(DRIVER_GOBURROW, udp, nil, nil)
	assert.Error(err)
	_, err = NewTransport("other", udp, nil, nil)
	assert.Error(err)

	mode, err := ParseMode("UDP")
	assert.NoError(err)
	assert.Equal(MODE_UDP, mode)
}
