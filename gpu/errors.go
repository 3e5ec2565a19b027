package gpu

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Result classifies the outcome of a backend call.
type Result int

const (
	ResultOK Result = iota
	ResultFailed
	ResultInvalidCall
	ResultOutOfMemory
	ResultDeviceRemoved
	ResultDeviceReset
	ResultDeviceHung
	ResultWaitTimeout
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultFailed:
		return "failed"
	case ResultInvalidCall:
		return "invalid call"
	case ResultOutOfMemory:
		return "out of memory"
	case ResultDeviceRemoved:
		return "device removed"
	case ResultDeviceReset:
		return "device reset"
	case ResultDeviceHung:
		return "device hung"
	case ResultWaitTimeout:
		return "wait timeout"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// DeviceLost returns true for results that can only be cleared by
// recreating the device.
func (r Result) DeviceLost() bool {
	return r == ResultDeviceRemoved || r == ResultDeviceReset || r == ResultDeviceHung
}

// ErrDeviceLost marks every error whose result is a device-lost result.
var ErrDeviceLost = errors.New("gpu: device lost")

// Error is returned by backend calls. It carries the operation that failed
// and the result code the backend reported.
type Error struct {
	Op     string
	Result Result
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("gpu: %s: %s: %v", e.Op, e.Result, e.cause)
	}
	return fmt.Sprintf("gpu: %s: %s", e.Op, e.Result)
}

func (e *Error) Unwrap() error { return e.cause }

// Fail builds an error for op with the given result.
func Fail(op string, res Result) error {
	return errors.WithStackDepth(build(op, res, nil), 1)
}

// Failf builds an error for op with the given result and a formatted cause.
func Failf(op string, res Result, format string, args ...interface{}) error {
	return errors.WithStackDepth(build(op, res, errors.Newf(format, args...)), 1)
}

// Wrap annotates cause with op and res. A nil cause yields nil.
func Wrap(cause error, op string, res Result) error {
	if cause == nil {
		return nil
	}
	return errors.WithStackDepth(build(op, res, cause), 1)
}

func build(op string, res Result, cause error) error {
	var err error = &Error{Op: op, Result: res, cause: cause}
	if res.DeviceLost() {
		err = errors.Mark(err, ErrDeviceLost)
	}
	return err
}

// IsDeviceLost reports whether err was caused by a removed, reset or hung
// device.
func IsDeviceLost(err error) bool {
	return err != nil && errors.Is(err, ErrDeviceLost)
}

// ResultOf extracts the result code carried by err.
func ResultOf(err error) Result {
	if err == nil {
		return ResultOK
	}

	var gpuErr *Error
	if errors.As(err, &gpuErr) {
		return gpuErr.Result
	}
	return ResultFailed
}
