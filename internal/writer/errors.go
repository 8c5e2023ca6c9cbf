package writer

import "errors"

var (
	// ErrOpenFailed wraps failures to create the output container
	ErrOpenFailed = errors.New("writer open failed")

	// ErrFinishFailed wraps failures while finalizing the container. The
	// partial file is left in place for forensic purposes.
	ErrFinishFailed = errors.New("writer finish failed")
)
