package capture

import "errors"

var (
	// ErrConfigurationFailed indicates Configure could not bring the capture
	// sources up; the orchestrator is left in the failed state.
	ErrConfigurationFailed = errors.New("capture configuration failed")

	// ErrPreconditionFailed indicates a recording could not start because a
	// precondition (disk space, output directory) did not hold. The
	// orchestrator stays ready.
	ErrPreconditionFailed = errors.New("recording precondition failed")

	// ErrInvalidState indicates an operation was requested in a state that
	// does not permit it.
	ErrInvalidState = errors.New("operation not permitted in current state")
)
