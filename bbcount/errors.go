package bbcount

import "errors"

var (
	// ErrConfig is wrapped by every configuration error. Configuration
	// errors are detected before the target starts.
	ErrConfig = errors.New("configuration error")
	// ErrReported is returned when the report is written a second time.
	ErrReported = errors.New("report already written")
	// ErrAttached is returned when a session is attached to a second host.
	ErrAttached = errors.New("session already attached")
)
