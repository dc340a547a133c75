package meter_modbus

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/simonvetter/modbus"
	"go.uber.org/zap"
)

// protocol limit for FC3/FC4
const MAX_REGISTERS_PER_READ = 125

const (
	DRIVER_SIMONVETTER = "simonvetter"
	DRIVER_GOBURROW    = "goburrow"
)

type Mode uint8

const (
	MODE_RTU Mode = iota + 1
	MODE_TCP
	MODE_UDP
)

func (m Mode) String() string {
	switch m {
	case MODE_RTU:
		return "rtu"
	case MODE_TCP:
		return "tcp"
	case MODE_UDP:
		return "udp"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "rtu":
		return MODE_RTU, nil
	case "tcp", "":
		return MODE_TCP, nil
	case "udp":
		return MODE_UDP, nil
	default:
		return 0, fmt.Errorf("unknown transport mode %q", s)
	}
}

// Transport is one physical link. It is not reentrant: callers serialize.
type Transport interface {
	Connect() bool
	Disconnect()
	IsConnected() bool
	ReadInputRegisters(address uint16, count uint16, unit uint8) ([]uint16, error)
	ReadHoldingRegisters(address uint16, count uint16, unit uint8) ([]uint16, error)
	WriteHoldingRegisters(address uint16, values []uint16, unit uint8) error
}

type ConnectionConfig struct {
	Mode     Mode
	Device   string
	Baud     uint
	Parity   string
	StopBits uint
	Host     string
	Port     uint
	Timeout  time.Duration
}

func (c ConnectionConfig) URL() string {
	switch c.Mode {
	case MODE_RTU:
		return fmt.Sprintf("rtu://%s", c.Device)
	case MODE_UDP:
		return fmt.Sprintf("udp://%s:%d", c.Host, c.Port)
	default:
		return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
	}
}

func (c ConnectionConfig) String() string {
	if c.Mode == MODE_RTU {
		return fmt.Sprintf("%s(%s, baud=%d, parity=%s, stopbits=%d, timeout=%s)",
			c.Mode, c.Device, c.Baud, c.Parity, c.StopBits, c.Timeout)
	}
	return fmt.Sprintf("%s(%s:%d, timeout=%s)", c.Mode, c.Host, c.Port, c.Timeout)
}

func (c ConnectionConfig) Validate() error {
	switch c.Mode {
	case MODE_RTU:
		if c.Device == "" {
			return errors.New("rtu transport requires a device")
		}
		if _, err := ParseParity(c.Parity); err != nil {
			return err
		}
	case MODE_TCP, MODE_UDP:
		if c.Host == "" {
			return fmt.Errorf("%s transport requires a host", c.Mode)
		}
	default:
		return fmt.Errorf("unknown transport mode %s", c.Mode)
	}
	return nil
}

// ParseParity accepts N, E or O.
func ParseParity(p string) (uint, error) {
	switch strings.ToUpper(p) {
	case "N", "":
		return modbus.PARITY_NONE, nil
	case "E":
		return modbus.PARITY_EVEN, nil
	case "O":
		return modbus.PARITY_ODD, nil
	default:
		return 0, fmt.Errorf("invalid parity %q, expected N, E or O", p)
	}
}

// NewTransport builds a transport for the given driver.
func NewTransport(driver string, conf ConnectionConfig, logger *zap.Logger, instrumentation *ModbusInstrument) (Transport, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	switch strings.ToLower(driver) {
	case DRIVER_SIMONVETTER, "":
		return NewModbusTransport(conf, logger, instrumentation)
	case DRIVER_GOBURROW:
		return NewGoburrowTransport(conf, logger, instrumentation)
	default:
		return nil, fmt.Errorf("unknown modbus driver %q", driver)
	}
}

type ModbusClient struct {
	client     *modbus.ModbusClient
	instrument []ModbusInstrument
}

func (reader ModbusClient) readRegisters(addr uint16, quantity uint16, regType modbus.RegType, unit uint8) ([]uint16, error) {
	defer RecordTimer("ReadRegisters", reader.instrument)()
	if err := reader.client.SetUnitId(unit); err != nil {
		return nil, err
	}
	return reader.client.ReadRegisters(addr, quantity, regType)
}

func (reader ModbusClient) writeRegisters(addr uint16, values []uint16, unit uint8) error {
	defer RecordTimer("WriteRegisters", reader.instrument)()
	if err := reader.client.SetUnitId(unit); err != nil {
		return err
	}
	return reader.client.WriteRegisters(addr, values)
}

// ModbusTransport is the simonvetter/modbus backed transport (rtu, tcp, udp).
type ModbusTransport struct {
	ModbusClient
	conf      ConnectionConfig
	mu        sync.Mutex
	connected bool
	// held from SetUnitId until the response is in
	io     sync.Mutex
	logger *zap.Logger
}

func NewModbusTransport(conf ConnectionConfig, logger *zap.Logger, instrumentation *ModbusInstrument) (*ModbusTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	parity, err := ParseParity(conf.Parity)
	if err != nil {
		return nil, err
	}
	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:      conf.URL(),
		Speed:    conf.Baud,
		Parity:   parity,
		StopBits: conf.StopBits,
		Timeout:  conf.Timeout,
	})
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("transport", conf.URL()))
	return &ModbusTransport{
		ModbusClient: ModbusClient{
			client:     client,
			instrument: buildInstruments(logger, instrumentation),
		},
		conf:   conf,
		logger: logger,
	}, nil
}

func (t *ModbusTransport) String() string {
	return t.conf.String()
}

func (t *ModbusTransport) Connect() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return true
	}
	if err := t.client.Open(); err != nil {
		t.logger.Debug("modbus open failed", zap.Error(err))
		return false
	}
	t.connected = true
	return true
}

func (t *ModbusTransport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return
	}
	if err := t.client.Close(); err != nil {
		t.logger.Debug("modbus close failed", zap.Error(err))
	}
	t.connected = false
}

func (t *ModbusTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *ModbusTransport) ReadInputRegisters(address uint16, count uint16, unit uint8) ([]uint16, error) {
	return t.read(address, count, modbus.INPUT_REGISTER, unit)
}

func (t *ModbusTransport) ReadHoldingRegisters(address uint16, count uint16, unit uint8) ([]uint16, error) {
	return t.read(address, count, modbus.HOLDING_REGISTER, unit)
}

func (t *ModbusTransport) WriteHoldingRegisters(address uint16, values []uint16, unit uint8) error {
	t.io.Lock()
	err := t.writeRegisters(address, values, unit)
	t.io.Unlock()
	t.checkLink(err)
	return err
}

func (t *ModbusTransport) read(address uint16, count uint16, regType modbus.RegType, unit uint8) ([]uint16, error) {
	t.io.Lock()
	values, err := t.readRegisters(address, count, regType, unit)
	t.io.Unlock()
	t.checkLink(err)
	return values, err
}

// checkLink drops the connection on link level errors so the next attempt reconnects.
// Modbus exception responses leave the link up.
func (t *ModbusTransport) checkLink(err error) {
	if err == nil || isExceptionError(err) {
		return
	}
	t.Disconnect()
}

func isExceptionError(err error) bool {
	for _, e := range []error{
		modbus.ErrIllegalFunction,
		modbus.ErrIllegalDataAddress,
		modbus.ErrIllegalDataValue,
		modbus.ErrServerDeviceFailure,
		modbus.ErrAcknowledge,
		modbus.ErrServerDeviceBusy,
		modbus.ErrMemoryParityError,
		modbus.ErrGWPathUnavailable,
		modbus.ErrGWTargetFailedToRespond,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
