package meter_modbus

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetrySucceedsOnLastAttempt(t *testing.T) {
	assert := assert.New(t)
	m, sim := newTestMeter(WithRetries(3))
	sim.SetInput(1, 0, 0x4366, 0)
	sim.FailNext = 2

	v, err := m.Read("voltage")
	assert.NoError(err)
	assert.Equal(230.0, v)
	assert.Equal(3, sim.CallCount("read_input"))
}

func TestRetryBudgetExhausted(t *testing.T) {
	assert := assert.New(t)
	m, sim := newTestMeter(WithRetries(4))
	sim.FailAlways = true

	_, err := m.Read("voltage")
	assert.True(errors.Is(err, ErrIOFailure))
	assert.True(errors.Is(err, ErrSimulatedFailure))
	var regErr *RegisterError
	assert.True(errors.As(err, &regErr))
	assert.Equal("voltage", regErr.Key)
	assert.Equal(4, sim.CallCount("read_input"))
}

func TestRetryReconnectsWithBackoff(t *testing.T) {
	assert := assert.New(t)
	var slept []time.Duration
	m, sim := newTestMeter(WithSleep(func(d time.Duration) { slept = append(slept, d) }))
	sim.SetInput(1, 0, 0x4366, 0)
	sim.Disconnect()

	_, err := m.Read("voltage")
	assert.NoError(err)
	assert.Equal(1, sim.CallCount("connect"))
	assert.Equal(1, sim.CallCount("read_input"))
	assert.Equal([]time.Duration{DEFAULT_BACKOFF}, slept)
}

func TestRetryFailedConnectUsesAttempt(t *testing.T) {
	assert := assert.New(t)
	m, sim := newTestMeter(WithRetries(3), WithBackoff(5*time.Millisecond))
	sim.SetInput(1, 0, 0x4366, 0)
	sim.Disconnect()
	sim.ConnectFailures = 1

	_, err := m.Read("voltage")
	assert.NoError(err)
	assert.Equal(2, sim.CallCount("connect"))
	assert.Equal(1, sim.CallCount("read_input"))

	sim.Disconnect()
	sim.ConnectFailures = 3
	_, err = m.Read("voltage")
	assert.True(errors.Is(err, ErrIOFailure))
	assert.Equal(1, sim.CallCount("read_input"))
}

func TestRetryDroppedLink(t *testing.T) {
	assert := assert.New(t)
	m, sim := newTestMeter()
	sim.SetInput(1, 0, 0x4366, 0)
	sim.DropOnFailure = true
	sim.FailNext = 1

	_, err := m.Read("voltage")
	assert.NoError(err)
	assert.Equal(2, sim.CallCount("read_input"))
	assert.Equal(1, sim.CallCount("connect"))
}

func TestRetryShortResponse(t *testing.T) {
	assert := assert.New(t)
	m, sim := newTestMeter(WithRetries(2))
	sim.SetInput(1, 0, 0x4366, 0)
	sim.ShortNext = 1

	v, err := m.Read("voltage")
	assert.NoError(err)
	assert.Equal(230.0, v)
	assert.Equal(2, sim.CallCount("read_input"))

	sim.ShortNext = 2
	_, err = m.Read("voltage")
	assert.True(errors.Is(err, ErrIOFailure))
	assert.True(errors.Is(err, ErrShortResponse))
}

func TestRetryWrite(t *testing.T) {
	assert := assert.New(t)
	m, sim := newTestMeter()
	sim.FailNext = 1

	assert.NoError(m.Write("counter", 7))
	assert.Equal(2, sim.CallCount("write_holding"))
	assert.Equal([]uint16{0, 7}, sim.Holding(1, 0x0010, 2))
}

func TestRetryInstrumentation(t *testing.T) {
	assert := assert.New(t)
	var retries, failures int
	m, sim := newTestMeter(WithRetries(2), WithInstrument(ModbusInstrument{
		RecordRetry:   func(string, uint, error) { retries++ },
		RecordFailure: func(string, error) { failures++ },
	}))
	sim.FailAlways = true

	_, err := m.Read("voltage")
	assert.Error(err)
	assert.Equal(2, retries)
	assert.Equal(1, failures)
}
