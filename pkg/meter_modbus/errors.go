package meter_modbus

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("register not found")
	ErrReadOnlyRegister    = errors.New("register is read only")
	ErrUnsupportedWireType = errors.New("unsupported wire type")
	ErrIOFailure           = errors.New("modbus io failure")
	ErrShortResponse       = errors.New("unexpected response length")
	ErrValueOutOfRange     = errors.New("value out of range")
)

// RegisterError ties a failure to the symbolic key that caused it.
type RegisterError struct {
	Key string
	Err error
}

func (e *RegisterError) Error() string {
	return fmt.Sprintf("register %q: %s", e.Key, e.Err)
}

func (e *RegisterError) Unwrap() error {
	return e.Err
}

// BatchError reports a batch group that could not be read or decoded.
type BatchError struct {
	Kind  RegisterKind
	Group uint
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%s batch %d: %s", e.Kind, e.Group, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

func notFound(key string) error {
	return &RegisterError{Key: key, Err: ErrNotFound}
}

func ioFailure(attempts uint, last error) error {
	if last == nil {
		return fmt.Errorf("%w: no valid response after %d attempts", ErrIOFailure, attempts)
	}
	return fmt.Errorf("%w: no valid response after %d attempts: %w", ErrIOFailure, attempts, last)
}

func unsupported(wt WireType) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedWireType, wt)
}
