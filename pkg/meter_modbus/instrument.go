package meter_modbus

import (
	"time"

	"go.uber.org/zap"
)

type ModbusInstrument struct {
	RecordTime    func(fnName string, readTime time.Duration)
	RecordRetry   func(fnName string, attempt uint, err error)
	RecordFailure func(fnName string, err error)
}

func RecordTimer(name string, instrument []ModbusInstrument) func() {
	if instrument == nil {
		return func() {}
	}

	start := time.Now()
	return func() {
		duration := time.Since(start)
		for i := range instrument {
			if instrument[i].RecordTime != nil {
				instrument[i].RecordTime(name, duration)
			}
		}
	}
}

func recordRetry(instrument []ModbusInstrument, name string, attempt uint, err error) {
	for i := range instrument {
		if instrument[i].RecordRetry != nil {
			instrument[i].RecordRetry(name, attempt, err)
		}
	}
}

func recordFailure(instrument []ModbusInstrument, name string, err error) {
	for i := range instrument {
		if instrument[i].RecordFailure != nil {
			instrument[i].RecordFailure(name, err)
		}
	}
}

func traceLoggerInstrumentation(logger *zap.Logger) *ModbusInstrument {
	if logger == nil {
		return nil
	}
	return &ModbusInstrument{
		RecordTime: func(fnName string, readTime time.Duration) {
			logger.Debug("modbus timing", zap.String("fn", fnName), zap.Int64("millis", readTime.Milliseconds()))
		},
		RecordRetry: func(fnName string, attempt uint, err error) {
			logger.Debug("modbus attempt failed", zap.String("fn", fnName), zap.Uint("attempt", attempt), zap.Error(err))
		},
	}
}

func buildInstruments(logger *zap.Logger, instrumentation *ModbusInstrument) []ModbusInstrument {
	var inst []ModbusInstrument
	if logInst := traceLoggerInstrumentation(logger); logInst != nil {
		inst = append(inst, *logInst)
	}
	if instrumentation != nil {
		inst = append(inst, *instrumentation)
	}
	return inst
}
