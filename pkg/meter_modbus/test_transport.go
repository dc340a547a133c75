package meter_modbus

import (
	"errors"
	"fmt"
	"sync"
)

var ErrSimulatedFailure = errors.New("simulated failure")

type SimulatedCall struct {
	Op      string
	Address uint16
	Count   uint16
	Unit    uint8
	Values  []uint16
}

type simulatedDevice struct {
	input   map[uint16]uint16
	holding map[uint16]uint16
}

// SimulatedTransport is an in-memory register bank per unit id.
type SimulatedTransport struct {
	mu        sync.Mutex
	connected bool
	devices   map[uint8]*simulatedDevice
	calls     []SimulatedCall

	// FailNext fails that many upcoming transactions.
	FailNext int
	// FailAlways fails every transaction.
	FailAlways bool
	// ShortNext truncates that many upcoming read responses by one register.
	ShortNext int
	// DropOnFailure marks the link down when a transaction fails.
	DropOnFailure bool
	// ConnectFailures makes that many upcoming Connect calls fail.
	ConnectFailures int
	// FailAddresses fails any read that covers one of these addresses.
	FailAddresses map[uint16]bool
}

func NewSimulatedTransport() *SimulatedTransport {
	return &SimulatedTransport{
		connected:     true,
		devices:       map[uint8]*simulatedDevice{},
		FailAddresses: map[uint16]bool{},
	}
}

func (s *SimulatedTransport) String() string {
	return "simulated"
}

func (s *SimulatedTransport) device(unit uint8) *simulatedDevice {
	d, ok := s.devices[unit]
	if !ok {
		d = &simulatedDevice{input: map[uint16]uint16{}, holding: map[uint16]uint16{}}
		s.devices[unit] = d
	}
	return d
}

func (s *SimulatedTransport) SetInput(unit uint8, address uint16, words ...uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.device(unit)
	for i, w := range words {
		d.input[address+uint16(i)] = w
	}
}

func (s *SimulatedTransport) SetHolding(unit uint8, address uint16, words ...uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.device(unit)
	for i, w := range words {
		d.holding[address+uint16(i)] = w
	}
}

func (s *SimulatedTransport) Holding(unit uint8, address uint16, count uint16) []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bank(s.device(unit).holding, address, count)
}

// Load encodes values into the bank of unit using the directory layout.
func (s *SimulatedTransport) Load(unit uint8, dir Directory, values map[string]float64, byteOrder, wordOrder ByteOrder) error {
	for key, value := range values {
		desc, err := dir.Lookup(key)
		if err != nil {
			return err
		}
		words, err := Encode(value, desc.WireType, byteOrder, wordOrder)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if desc.Kind == HOLDING_REGISTER {
			s.SetHolding(unit, desc.Address, words...)
		} else {
			s.SetInput(unit, desc.Address, words...)
		}
	}
	return nil
}

func (s *SimulatedTransport) Calls() []SimulatedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SimulatedCall(nil), s.calls...)
}

// CallCount counts transactions of op, or all transactions when op is empty.
func (s *SimulatedTransport) CallCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if op == "" || c.Op == op {
			n++
		}
	}
	return n
}

func (s *SimulatedTransport) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

func (s *SimulatedTransport) Connect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, SimulatedCall{Op: "connect"})
	if s.ConnectFailures > 0 {
		s.ConnectFailures--
		return false
	}
	s.connected = true
	return true
}

func (s *SimulatedTransport) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
}

func (s *SimulatedTransport) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *SimulatedTransport) ReadInputRegisters(address uint16, count uint16, unit uint8) ([]uint16, error) {
	return s.read("read_input", address, count, unit)
}

func (s *SimulatedTransport) ReadHoldingRegisters(address uint16, count uint16, unit uint8) ([]uint16, error) {
	return s.read("read_holding", address, count, unit)
}

func (s *SimulatedTransport) WriteHoldingRegisters(address uint16, values []uint16, unit uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, SimulatedCall{Op: "write_holding", Address: address, Count: uint16(len(values)), Unit: unit, Values: values})
	if err := s.fail(); err != nil {
		return err
	}
	d := s.device(unit)
	for i, v := range values {
		d.holding[address+uint16(i)] = v
	}
	return nil
}

func (s *SimulatedTransport) read(op string, address uint16, count uint16, unit uint8) ([]uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, SimulatedCall{Op: op, Address: address, Count: count, Unit: unit})
	if err := s.fail(); err != nil {
		return nil, err
	}
	for a := uint32(address); a < uint32(address)+uint32(count); a++ {
		if s.FailAddresses[uint16(a)] {
			return nil, s.failed()
		}
	}
	d := s.device(unit)
	bank := d.input
	if op == "read_holding" {
		bank = d.holding
	}
	out := s.bank(bank, address, count)
	if s.ShortNext > 0 && len(out) > 0 {
		s.ShortNext--
		out = out[:len(out)-1]
	}
	return out, nil
}

func (s *SimulatedTransport) bank(bank map[uint16]uint16, address uint16, count uint16) []uint16 {
	out := make([]uint16, count)
	for i := range out {
		out[i] = bank[address+uint16(i)]
	}
	return out
}

// fail must be called with mu held.
func (s *SimulatedTransport) fail() error {
	if !s.connected {
		return errors.New("simulated link is down")
	}
	if s.FailAlways {
		return s.failed()
	}
	if s.FailNext > 0 {
		s.FailNext--
		return s.failed()
	}
	return nil
}

func (s *SimulatedTransport) failed() error {
	if s.DropOnFailure {
		s.connected = false
	}
	return ErrSimulatedFailure
}
