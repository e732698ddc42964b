package bbcount

import (
	"fmt"
	"time"
)

// DefaultTimeout is the watchdog delay used when none is configured.
const DefaultTimeout = 10 * time.Second

// Config holds the options of a profiling session.
type Config struct {
	// Output is the report path.
	Output string
	// MonitorLibc adds the C library to the monitored regions.
	MonitorLibc bool
	// Timeout is the watchdog delay. A non-positive value disables the
	// watchdog.
	Timeout time.Duration
	// Libraries are module name substrings; matching modules are monitored.
	Libraries []string
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		Output:  DefaultOutput,
		Timeout: DefaultTimeout,
	}
}

// Validate checks the configuration for errors that must stop the session
// before the target starts.
func (c Config) Validate() error {
	for i, lib := range c.Libraries {
		if lib == "" {
			return fmt.Errorf("%w: library filter %d is empty", ErrConfig, i)
		}
	}
	return nil
}
