// Package errors provides the error taxonomy of the guest runtime lifecycle.
// All error types support errors.Is against the category sentinels and
// errors.As to recover details; Status maps any error to its StatusCode.
package errors

import (
	stdErrors "errors"
	"fmt"

	"github.com/reglet-dev/reglet-embed/domain/entities"
)

// Lifecycle sentinels. These are returned as-is by the state machine.
var (
	// ErrAlreadyRunning is returned by start while the runtime is starting or running.
	ErrAlreadyRunning = stdErrors.New("guest runtime already running")

	// ErrShuttingDown is returned by start, run or stop while the runtime is stopping.
	ErrShuttingDown = stdErrors.New("guest runtime shutting down")

	// ErrNotRunning is returned by run (and stop during start) when the runtime is not running.
	ErrNotRunning = stdErrors.New("guest runtime not running")
)

// Category sentinels, matched by the structured error types through Is.
var (
	ErrNativeFailure  = stdErrors.New("native call failed")
	ErrLoaderFailure  = stdErrors.New("bridge library could not be loaded")
	ErrMarshalFailure = stdErrors.New("argument marshaling failed")
	ErrInvalidConfig  = stdErrors.New("invalid configuration")
)

// DetailedError is implemented by errors that convert themselves to an ErrorDetail.
type DetailedError interface {
	error
	ToErrorDetail() *entities.ErrorDetail
}

// NativeError reports a native entry point that returned a failure code or did not complete.
type NativeError struct {
	// Err is the engine error when the call did not complete (trap), else nil.
	Err error
	// Op is the entry point: "start", "run" or "stop".
	Op string
	// Raw is the code returned by the guest; zero when Err is set.
	Raw int32
	// Status is the re-tagged status code.
	Status entities.StatusCode
}

func (e *NativeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("native %s did not complete: %v", e.Op, e.Err)
	}
	if e.Status == entities.StatusNativeOutOfRange {
		return fmt.Sprintf("native %s returned out-of-range code %d", e.Op, e.Raw)
	}
	return fmt.Sprintf("native %s failed with code %d", e.Op, e.Raw)
}

func (e *NativeError) Unwrap() error {
	return e.Err
}

// Is matches ErrNativeFailure.
func (e *NativeError) Is(target error) bool {
	return target == ErrNativeFailure
}

// ToErrorDetail implements DetailedError.
func (e *NativeError) ToErrorDetail() *entities.ErrorDetail {
	return detail(e, "native", e.Status).WithDetails(map[string]any{"op": e.Op, "raw": e.Raw})
}

// NewNativeError builds the error for a completed native call that returned raw != 0.
func NewNativeError(op string, raw int32) *NativeError {
	return &NativeError{Op: op, Raw: raw, Status: Retag(raw)}
}

// NewNativeTrap builds the error for a native call that did not complete.
func NewNativeTrap(op string, err error) *NativeError {
	status := entities.StatusNativeTrap
	if op == "stop" {
		status = entities.StatusNativeStopFailure
	}
	return &NativeError{Op: op, Err: err, Status: status}
}

// LoaderError reports a bridge library that could not be resolved.
type LoaderError struct {
	Err    error
	Source string
}

func (e *LoaderError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("load bridge %s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("load bridge: %v", e.Err)
}

func (e *LoaderError) Unwrap() error {
	return e.Err
}

// Is matches ErrLoaderFailure.
func (e *LoaderError) Is(target error) bool {
	return target == ErrLoaderFailure
}

// ToErrorDetail implements DetailedError.
func (e *LoaderError) ToErrorDetail() *entities.ErrorDetail {
	return detail(e, "loader", entities.StatusLoaderFailure).WithDetails(map[string]any{"source": e.Source})
}

// MarshalError reports an argument that could not be encoded for the native boundary.
type MarshalError struct {
	Err   error
	Field string
}

func (e *MarshalError) Error() string {
	return fmt.Sprintf("marshal %s: %v", e.Field, e.Err)
}

func (e *MarshalError) Unwrap() error {
	return e.Err
}

// Is matches ErrMarshalFailure.
func (e *MarshalError) Is(target error) bool {
	return target == ErrMarshalFailure
}

// ToErrorDetail implements DetailedError.
func (e *MarshalError) ToErrorDetail() *entities.ErrorDetail {
	return detail(e, "marshal", entities.StatusMarshalFailure).WithDetails(map[string]any{"field": e.Field})
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Err   error
	Field string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config validation failed for field '%s': %v", e.Field, e.Err)
	}
	return fmt.Sprintf("config validation failed: %v", e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Is matches ErrInvalidConfig.
func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// ToErrorDetail implements DetailedError.
func (e *ConfigError) ToErrorDetail() *entities.ErrorDetail {
	return detail(e, "config", entities.StatusInvalidConfig).WithDetails(map[string]any{"field": e.Field})
}

// Retag range-checks a raw guest code. Zero stays success, codes in
// 1..MaxNativeStatus pass through, and anything else would collide with the
// host-reserved space, so it becomes StatusNativeOutOfRange.
func Retag(raw int32) entities.StatusCode {
	switch {
	case raw == 0:
		return entities.StatusOK
	case raw > 0 && raw <= entities.MaxNativeStatus:
		return entities.StatusCode(raw)
	default:
		return entities.StatusNativeOutOfRange
	}
}

// Status maps an error returned by the lifecycle API to its StatusCode.
func Status(err error) entities.StatusCode {
	if err == nil {
		return entities.StatusOK
	}

	var nativeErr *NativeError
	if stdErrors.As(err, &nativeErr) {
		return nativeErr.Status
	}

	switch {
	case stdErrors.Is(err, ErrAlreadyRunning):
		return entities.StatusAlreadyRunning
	case stdErrors.Is(err, ErrShuttingDown):
		return entities.StatusShuttingDown
	case stdErrors.Is(err, ErrNotRunning):
		return entities.StatusNotRunning
	case stdErrors.Is(err, ErrLoaderFailure):
		return entities.StatusLoaderFailure
	case stdErrors.Is(err, ErrMarshalFailure):
		return entities.StatusMarshalFailure
	case stdErrors.Is(err, ErrInvalidConfig):
		return entities.StatusInvalidConfig
	default:
		return entities.StatusInternal
	}
}

// ToErrorDetail converts an error to its structured ErrorDetail.
func ToErrorDetail(err error) *entities.ErrorDetail {
	if err == nil {
		return nil
	}

	var e *entities.ErrorDetail
	if stdErrors.As(err, &e) {
		return e
	}

	var de DetailedError
	if stdErrors.As(err, &de) {
		return de.ToErrorDetail()
	}

	status := Status(err)
	typ := "lifecycle"
	if status == entities.StatusInternal {
		typ = "internal"
	}
	return detail(err, typ, status)
}

func detail(err error, typ string, status entities.StatusCode) *entities.ErrorDetail {
	return &entities.ErrorDetail{
		Message: err.Error(),
		Type:    typ,
		Code:    status.String(),
		Status:  status,
	}
}
