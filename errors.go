package wult

import "errors"

// Error taxonomy for the measurement substrate. Callers classify
// failures with errors.Is; the error message carries operation and
// host context added at the point of failure.
var (
	// ErrNotFound means a device, driver, or path is absent on the
	// target host.
	ErrNotFound = errors.New("not found")

	// ErrNotSupported means the device or clock state does not satisfy
	// the preconditions for measuring with it.
	ErrNotSupported = errors.New("not supported")

	// ErrConflict means the device is already owned by a different
	// driver. The owner is reported, never preempted.
	ErrConflict = errors.New("conflict")

	// ErrTimeout means a trace pull exceeded its deadline, or a kill
	// confirmation exceeded its grace window.
	ErrTimeout = errors.New("timed out")

	// ErrProcess means a supervised subprocess died unexpectedly or
	// produced diagnostic output.
	ErrProcess = errors.New("process failure")
)
