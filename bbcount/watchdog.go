package bbcount

import (
	"sync"
	"time"
)

// A WatchdogState is the current state of a Watchdog.
type WatchdogState int

const (
	// WatchdogDisarmed means the watchdog was never started or has a
	// non-positive timeout.
	WatchdogDisarmed WatchdogState = iota
	// WatchdogArmed means the timer is running.
	WatchdogArmed
	// WatchdogFiring means the timer expired and the fire function is
	// running.
	WatchdogFiring
	// WatchdogFired means the fire function has returned.
	WatchdogFired
	// WatchdogStopped means Stop was called before the timer expired.
	WatchdogStopped
)

func (s WatchdogState) String() string {
	switch s {
	case WatchdogDisarmed:
		return "disarmed"
	case WatchdogArmed:
		return "armed"
	case WatchdogFiring:
		return "firing"
	case WatchdogFired:
		return "fired"
	case WatchdogStopped:
		return "stopped"
	}
	return "unknown"
}

// A Watchdog calls a function once after a fixed delay. It is one-shot: once
// it has fired or been stopped it cannot be re-armed.
type Watchdog struct {
	timeout time.Duration
	fire    func()

	mu    sync.Mutex
	state WatchdogState
	stop  chan struct{}
	done  chan struct{}
}

// NewWatchdog returns a disarmed watchdog that will call fire once timeout
// has elapsed after Start.
func NewWatchdog(timeout time.Duration, fire func()) *Watchdog {
	return &Watchdog{
		timeout: timeout,
		fire:    fire,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start arms the watchdog using spawn to run the timer task, or a plain
// goroutine if spawn is nil. It does nothing if the timeout is not positive
// or the watchdog was already started.
func (w *Watchdog) Start(spawn func(func())) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timeout <= 0 || w.state != WatchdogDisarmed {
		return
	}
	w.state = WatchdogArmed
	if spawn == nil {
		spawn = func(fn func()) { go fn() }
	}
	logger.Debugf("watchdog armed for %s", w.timeout)
	spawn(w.run)
}

func (w *Watchdog) run() {
	defer close(w.done)

	t := time.NewTimer(w.timeout)
	defer t.Stop()

	select {
	case <-t.C:
	case <-w.stop:
		return
	}

	w.mu.Lock()
	if w.state != WatchdogArmed {
		w.mu.Unlock()
		return
	}
	w.state = WatchdogFiring
	w.mu.Unlock()

	logger.Infof("watchdog fired after %s", w.timeout)
	w.fire()

	w.mu.Lock()
	w.state = WatchdogFired
	w.mu.Unlock()
}

// Stop cancels an armed watchdog and waits for its task to exit. It has no
// effect on a watchdog that is already firing or has fired, other than
// waiting for it to finish.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	switch w.state {
	case WatchdogDisarmed:
		w.state = WatchdogStopped
		w.mu.Unlock()
		return
	case WatchdogArmed:
		w.state = WatchdogStopped
		close(w.stop)
	case WatchdogStopped:
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()
	<-w.done
}

// State returns the current state.
func (w *Watchdog) State() WatchdogState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Done returns a channel closed when the timer task has exited. It is never
// closed for a watchdog that was not armed.
func (w *Watchdog) Done() <-chan struct{} {
	return w.done
}
