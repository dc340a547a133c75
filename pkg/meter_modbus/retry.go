package meter_modbus

import (
	"errors"
	"fmt"
	"time"
)

var errConnectFailed = errors.New("connect failed")

const (
	DEFAULT_UNIT    uint8 = 1
	DEFAULT_RETRIES uint  = 3
	DEFAULT_BACKOFF       = 100 * time.Millisecond
	DEFAULT_TIMEOUT       = 1 * time.Second
)

// RetryPolicy bounds how many attempts a single transaction gets.
type RetryPolicy struct {
	Retries uint
	Backoff time.Duration
	// Sleep replaces time.Sleep, tests use it to avoid waiting.
	Sleep func(time.Duration)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Retries: DEFAULT_RETRIES,
		Backoff: DEFAULT_BACKOFF,
	}
}

func (p RetryPolicy) sleep() {
	if p.Backoff <= 0 {
		return
	}
	if p.Sleep != nil {
		p.Sleep(p.Backoff)
		return
	}
	time.Sleep(p.Backoff)
}

// run executes op up to Retries times. A disconnected transport is reconnected
// before the attempt; a failed reconnect consumes the attempt.
func (p RetryPolicy) run(t Transport, name string, instrument []ModbusInstrument, op func() error) error {
	var last error
	var attempt uint
	for attempt = 1; attempt <= p.Retries; attempt++ {
		if !t.IsConnected() {
			connected := t.Connect()
			p.sleep()
			if !connected {
				last = errConnectFailed
				recordRetry(instrument, name, attempt, last)
				continue
			}
		}
		if last = op(); last == nil {
			return nil
		}
		recordRetry(instrument, name, attempt, last)
	}
	err := ioFailure(p.Retries, last)
	recordFailure(instrument, name, err)
	return err
}

func (p RetryPolicy) readRegisters(t Transport, kind RegisterKind, address, count uint16, unit uint8, instrument []ModbusInstrument) ([]uint16, error) {
	var values []uint16
	err := p.run(t, "read "+kind.String(), instrument, func() error {
		var err error
		switch kind {
		case HOLDING_REGISTER:
			values, err = t.ReadHoldingRegisters(address, count, unit)
		default:
			values, err = t.ReadInputRegisters(address, count, unit)
		}
		if err != nil {
			return err
		}
		if len(values) != int(count) {
			return fmt.Errorf("%w: got %d registers, want %d", ErrShortResponse, len(values), count)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return values, nil
}

func (p RetryPolicy) writeRegisters(t Transport, address uint16, values []uint16, unit uint8, instrument []ModbusInstrument) error {
	return p.run(t, "write holding", instrument, func() error {
		return t.WriteHoldingRegisters(address, values, unit)
	})
}
