package entities

import "strconv"

// StatusCode is the signed status of a lifecycle operation.
// Zero is success. Negative values are host-defined categories;
// positive values are guest status codes that passed range checking.
type StatusCode int32

// Host-defined status categories.
const (
	StatusOK                StatusCode = 0
	StatusAlreadyRunning    StatusCode = -1
	StatusShuttingDown      StatusCode = -2
	StatusNotRunning        StatusCode = -3
	StatusLoaderFailure     StatusCode = -4
	StatusMarshalFailure    StatusCode = -5
	StatusNativeStopFailure StatusCode = -6
	StatusNativeTrap        StatusCode = -7
	StatusNativeOutOfRange  StatusCode = -8
	StatusInvalidConfig     StatusCode = -9
	StatusInternal          StatusCode = -99
)

// MaxNativeStatus is the largest raw guest code that is passed through unchanged.
const MaxNativeStatus = 0xFFFF

// OK reports whether the status is success.
func (c StatusCode) OK() bool {
	return c == StatusOK
}

// Native reports whether the status is a guest code rather than a host category.
func (c StatusCode) Native() bool {
	return c > 0
}

// String returns the category name, or "native(<n>)" for guest codes.
func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "ok"
	case StatusAlreadyRunning:
		return "already_running"
	case StatusShuttingDown:
		return "shutting_down"
	case StatusNotRunning:
		return "not_running"
	case StatusLoaderFailure:
		return "loader_failure"
	case StatusMarshalFailure:
		return "marshal_failure"
	case StatusNativeStopFailure:
		return "native_stop_failure"
	case StatusNativeTrap:
		return "native_trap"
	case StatusNativeOutOfRange:
		return "native_out_of_range"
	case StatusInvalidConfig:
		return "invalid_config"
	case StatusInternal:
		return "internal"
	}
	if c > 0 {
		return "native(" + strconv.Itoa(int(c)) + ")"
	}
	return "unknown(" + strconv.Itoa(int(c)) + ")"
}
