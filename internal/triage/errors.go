package triage

import "errors"

var (
	// ErrCalibration reports calibrate_case returning an execution error —
	// a fatal condition.
	ErrCalibration = errors.New("triage: calibration failed")

	// ErrTargetFault reports the executor returning FaultError — fatal.
	ErrTargetFault = errors.New("triage: target reported an unrecoverable fault")
)

// FatalError wraps a fatal-class error: callers should treat it as "abort
// the fuzzer", not "this input wasn't interesting".
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

func fatal(err error) error {
	return &FatalError{Err: err}
}
