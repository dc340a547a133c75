package meter_modbus

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Bus is a transport shared between a meter and its children.
// The link is closed when the last holder releases it.
type Bus struct {
	Transport
	mu   sync.Mutex
	refs int
}

func NewBus(t Transport) *Bus {
	return &Bus{Transport: t}
}

func (b *Bus) acquire() *Bus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refs++
	return b
}

func (b *Bus) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refs == 0 {
		return
	}
	b.refs--
	if b.refs == 0 {
		b.Transport.Disconnect()
	}
}

func (b *Bus) Holders() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refs
}

// Meter is a register directory bound to a unit id on a shared bus.
type Meter struct {
	model      string
	bus        *Bus
	unit       uint8
	registers  Directory
	byteOrder  ByteOrder
	wordOrder  ByteOrder
	retry      RetryPolicy
	strict     bool
	base       *zap.Logger
	logger     *zap.Logger
	instrument []ModbusInstrument
	released   bool
}

type Option func(*Meter)

func WithModel(model string) Option {
	return func(m *Meter) { m.model = model }
}

func WithUnit(unit uint8) Option {
	return func(m *Meter) { m.unit = unit }
}

func WithByteOrder(o ByteOrder) Option {
	return func(m *Meter) { m.byteOrder = o }
}

func WithWordOrder(o ByteOrder) Option {
	return func(m *Meter) { m.wordOrder = o }
}

// WithRetries sets the attempt budget. Values below 1 are raised to 1.
func WithRetries(retries uint) Option {
	return func(m *Meter) {
		if retries < 1 {
			retries = 1
		}
		m.retry.Retries = retries
	}
}

func WithBackoff(d time.Duration) Option {
	return func(m *Meter) { m.retry.Backoff = d }
}

func WithSleep(sleep func(time.Duration)) Option {
	return func(m *Meter) { m.retry.Sleep = sleep }
}

// WithStrictReadAll makes ReadAll report groups lost to I/O failures.
func WithStrictReadAll() Option {
	return func(m *Meter) { m.strict = true }
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Meter) {
		if logger != nil {
			m.base = logger
		}
	}
}

func WithInstrument(instrument ModbusInstrument) Option {
	return func(m *Meter) { m.instrument = append(m.instrument, instrument) }
}

func NewMeter(transport Transport, registers Directory, opts ...Option) *Meter {
	bus, ok := transport.(*Bus)
	if !ok {
		bus = NewBus(transport)
	}
	m := &Meter{
		bus:       bus.acquire(),
		unit:      DEFAULT_UNIT,
		registers: registers,
		retry:     DefaultRetryPolicy(),
		base:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.base.With(zap.String("model", m.model), zap.Uint8("unit", m.unit))
	return m
}

// NewChild returns a meter on the same bus with another unit id and directory.
// Retry settings carry over; byte and word order default to big unless set in opts.
func (m *Meter) NewChild(unit uint8, registers Directory, opts ...Option) *Meter {
	child := &Meter{
		bus:        m.bus.acquire(),
		unit:       unit,
		registers:  registers,
		retry:      m.retry,
		strict:     m.strict,
		base:       m.base,
		instrument: m.instrument,
	}
	for _, opt := range opts {
		opt(child)
	}
	child.unit = unit
	child.logger = child.base.With(zap.String("model", child.model), zap.Uint8("unit", unit))
	return child
}

func (m *Meter) String() string {
	return fmt.Sprintf("%s(%v, unit=%d, retries=%d)", m.model, m.bus.Transport, m.unit, m.retry.Retries)
}

func (m *Meter) Model() string {
	return m.model
}

func (m *Meter) Unit() uint8 {
	return m.unit
}

func (m *Meter) Registers() Directory {
	return m.registers
}

func (m *Meter) Bus() *Bus {
	return m.bus
}

func (m *Meter) Connect() bool {
	return m.bus.Connect()
}

// Disconnect closes the shared link for every meter on the bus.
func (m *Meter) Disconnect() {
	m.bus.Disconnect()
}

func (m *Meter) IsConnected() bool {
	return m.bus.IsConnected()
}

// Release drops this meter's hold on the bus. The last holder closes the link.
func (m *Meter) Release() {
	if m.released {
		return
	}
	m.released = true
	m.bus.release()
}

func (m *Meter) GetScaling(key string) (float64, error) {
	desc, err := m.registers.Lookup(key)
	if err != nil {
		return 0, err
	}
	return desc.Scale(), nil
}

// Read returns the raw value of key converted to its value type.
func (m *Meter) Read(key string) (float64, error) {
	desc, err := m.registers.Lookup(key)
	if err != nil {
		return 0, err
	}
	if desc.WireType.Words() == 0 {
		return 0, &RegisterError{Key: key, Err: unsupported(desc.WireType)}
	}
	words, err := m.retry.readRegisters(m.bus, desc.Kind, desc.Address, desc.Length, m.unit, m.instrument)
	if err != nil {
		m.logger.Debug("read failed", zap.String("key", key), zap.Error(err))
		return 0, &RegisterError{Key: key, Err: err}
	}
	value, err := NewPayloadDecoder(words, m.byteOrder, m.wordOrder).Decode(desc.WireType)
	if err != nil {
		return 0, &RegisterError{Key: key, Err: err}
	}
	return desc.ValueType.Convert(value), nil
}

// ReadScaled returns Read(key) multiplied by the key's scale factor.
func (m *Meter) ReadScaled(key string) (float64, error) {
	value, err := m.Read(key)
	if err != nil {
		return 0, err
	}
	return value * m.registers[key].Scale(), nil
}

// Write stores value into a holding register, dividing by the scale factor first.
func (m *Meter) Write(key string, value float64) error {
	desc, err := m.registers.Lookup(key)
	if err != nil {
		return err
	}
	if desc.Kind != HOLDING_REGISTER {
		return &RegisterError{Key: key, Err: ErrReadOnlyRegister}
	}
	words, err := Encode(value/desc.Scale(), desc.WireType, m.byteOrder, m.wordOrder)
	if err != nil {
		return &RegisterError{Key: key, Err: err}
	}
	if err := m.retry.writeRegisters(m.bus, desc.Address, words, m.unit, m.instrument); err != nil {
		m.logger.Debug("write failed", zap.String("key", key), zap.Error(err))
		return &RegisterError{Key: key, Err: err}
	}
	return nil
}
