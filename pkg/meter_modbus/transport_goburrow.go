package meter_modbus

import (
	"encoding/binary"
	"sync"

	"github.com/goburrow/modbus"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type goburrowHandler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

// GoburrowTransport is the goburrow/modbus backed transport (rtu, tcp).
type GoburrowTransport struct {
	mu         sync.Mutex
	conf       ConnectionConfig
	handler    goburrowHandler
	setUnit    func(unit uint8)
	client     modbus.Client
	connected  bool
	logger     *zap.Logger
	instrument []ModbusInstrument
}

func NewGoburrowTransport(conf ConnectionConfig, logger *zap.Logger, instrumentation *ModbusInstrument) (*GoburrowTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &GoburrowTransport{
		conf:   conf,
		logger: logger.With(zap.String("transport", conf.URL()), zap.String("driver", DRIVER_GOBURROW)),
	}
	t.instrument = buildInstruments(t.logger, instrumentation)

	switch conf.Mode {
	case MODE_RTU:
		if _, err := ParseParity(conf.Parity); err != nil {
			return nil, err
		}
		h := modbus.NewRTUClientHandler(conf.Device)
		h.BaudRate = int(conf.Baud)
		h.DataBits = 8
		h.Parity = conf.Parity
		if h.Parity == "" {
			h.Parity = "N"
		}
		h.StopBits = int(conf.StopBits)
		h.Timeout = conf.Timeout
		t.handler = h
		t.setUnit = func(unit uint8) { h.SlaveId = unit }
	case MODE_TCP:
		h := modbus.NewTCPClientHandler(conf.URL()[len("tcp://"):])
		h.Timeout = conf.Timeout
		t.handler = h
		t.setUnit = func(unit uint8) { h.SlaveId = unit }
	default:
		return nil, errors.Errorf("goburrow driver does not support %s", conf.Mode)
	}
	t.client = modbus.NewClient(t.handler)
	return t, nil
}

func (t *GoburrowTransport) String() string {
	return t.conf.String()
}

func (t *GoburrowTransport) Connect() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return true
	}
	if err := t.handler.Connect(); err != nil {
		t.logger.Debug("modbus connect failed", zap.Error(err))
		return false
	}
	t.connected = true
	return true
}

func (t *GoburrowTransport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnect()
}

func (t *GoburrowTransport) disconnect() {
	if !t.connected {
		return
	}
	if err := t.handler.Close(); err != nil {
		t.logger.Debug("modbus close failed", zap.Error(err))
	}
	t.connected = false
}

func (t *GoburrowTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *GoburrowTransport) ReadInputRegisters(address uint16, count uint16, unit uint8) ([]uint16, error) {
	defer RecordTimer("ReadInputRegisters", t.instrument)()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setUnit(unit)
	data, err := t.client.ReadInputRegisters(address, count)
	if err != nil {
		t.checkLink(err)
		return nil, errors.Wrap(err, "read input registers failed")
	}
	return unpackRegisters(data), nil
}

func (t *GoburrowTransport) ReadHoldingRegisters(address uint16, count uint16, unit uint8) ([]uint16, error) {
	defer RecordTimer("ReadHoldingRegisters", t.instrument)()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setUnit(unit)
	data, err := t.client.ReadHoldingRegisters(address, count)
	if err != nil {
		t.checkLink(err)
		return nil, errors.Wrap(err, "read holding registers failed")
	}
	return unpackRegisters(data), nil
}

func (t *GoburrowTransport) WriteHoldingRegisters(address uint16, values []uint16, unit uint8) error {
	defer RecordTimer("WriteHoldingRegisters", t.instrument)()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setUnit(unit)
	if _, err := t.client.WriteMultipleRegisters(address, uint16(len(values)), packRegisters(values)); err != nil {
		t.checkLink(err)
		return errors.Wrap(err, "write multiple registers failed")
	}
	return nil
}

// checkLink must be called with mu held.
func (t *GoburrowTransport) checkLink(err error) {
	var exc *modbus.ModbusError
	if errors.As(err, &exc) {
		return
	}
	t.disconnect()
}

func unpackRegisters(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return out
}

func packRegisters(values []uint16) []byte {
	out := make([]byte, 2*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(out[2*i:], v)
	}
	return out
}
