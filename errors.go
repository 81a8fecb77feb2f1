package modbus

import "errors"

// Sentinel errors for the two error strata described by the mapping and
// reader contracts: programmer errors (wrapped in ConfigError) are
// fail-fast and never occur once a caller respects the constructors;
// operational errors are ordinary wrapped errors returned by a Transport.
var (
	// ErrInvalidConfiguration is wrapped by ConfigError when a Mapping or
	// Group construction violates the legal RegisterKind/OutputType/
	// OperationType combinations or one of the mapping invariants.
	ErrInvalidConfiguration = errors.New("modbus: invalid configuration")

	// ErrInvalidArgument is wrapped by ConfigError when a call supplies a
	// value of the wrong shape: a write to the wrong kind, a mismatched
	// word count, or a codec call given the wrong number of registers. A
	// write against an unregistered slave address wraps ErrUnknownSlave
	// instead.
	ErrInvalidArgument = errors.New("modbus: invalid argument")

	// ErrUnknownSlave is returned when a write targets a device whose
	// slave address was never registered with the Reader via AddDevice.
	ErrUnknownSlave = errors.New("modbus: unknown slave address")
)

// ConfigError wraps a programmer error: a mapping or group was built from
// an illegal combination of kind/output type/operation, or a caller
// violated a documented precondition. ConfigError is never returned for a
// transport failure — those come back as plain errors from Transport
// methods or Reader write calls.
type ConfigError struct {
	Op  string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error { return e.Err }

func newConfigError(op string, sentinel error) *ConfigError {
	return &ConfigError{Op: op, Err: sentinel}
}
