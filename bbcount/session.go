package bbcount

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/acidghost/uberfuzz/host"
)

// Stats are counters describing what a session has seen so far.
type Stats struct {
	Modules   int64
	Monitored int64
	Traces    int64
	Probes    int64
}

// A Session connects the monitoring core to an instrumentation host. Both
// ways a target can end (natural exit and the watchdog) converge on the
// host's fini hook, which writes the report exactly once.
type Session struct {
	cfg        Config
	regions    *RegionSet
	table      *CounterTable
	classifier *Classifier
	selector   *Selector
	reporter   *Reporter
	watchdog   *Watchdog

	modules   atomic.Int64
	monitored atomic.Int64
	traces    atomic.Int64
	probes    atomic.Int64

	mu       sync.Mutex
	host     host.Host
	start    time.Time
	elapsed  time.Duration
	finished bool
	exitCode int
	finiOnce sync.Once
	finiErr  error
}

// NewSession validates cfg and opens the report file. Any error is a
// configuration error and nothing has been started.
func NewSession(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r, err := NewReporter(cfg.Output)
	if err != nil {
		return nil, err
	}
	return newSession(cfg, r), nil
}

// NewWriterSession is like NewSession but writes the report to w.
func NewWriterSession(cfg Config, w io.WriteCloser) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newSession(cfg, NewWriterReporter(w)), nil
}

func newSession(cfg Config, r *Reporter) *Session {
	regions := NewRegionSet()
	table := NewCounterTable()
	return &Session{
		cfg:        cfg,
		regions:    regions,
		table:      table,
		classifier: NewClassifier(regions, cfg.MonitorLibc, cfg.Libraries),
		selector:   NewSelector(regions, table),
		reporter:   r,
	}
}

// Attach registers the session's callbacks with h. A session can only be
// attached once.
func (s *Session) Attach(h host.Host) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.host != nil {
		return ErrAttached
	}
	s.host = h

	h.OnModuleLoaded(s.onModuleLoaded)
	h.OnTraceCompiled(s.onTraceCompiled)
	h.OnFini(s.finalize)
	return nil
}

func (s *Session) onModuleLoaded(m host.Module) {
	s.modules.Inc()
	if s.classifier.OnModuleLoaded(m) {
		s.monitored.Inc()
	}
}

func (s *Session) onTraceCompiled(t host.Trace) {
	s.traces.Inc()
	s.probes.Add(int64(s.selector.OnTraceCompiled(t)))
}

func (s *Session) finalize(code int) {
	s.finiOnce.Do(func() {
		s.mu.Lock()
		s.finished = true
		s.exitCode = code
		s.elapsed = time.Since(s.start)
		s.mu.Unlock()

		logger.Debugf("target exited with code %d after %s", code, s.elapsed)
		s.finiErr = s.reporter.Report(s.table)
	})
}

// Run attaches the session to h if needed, arms the watchdog and runs the
// target to completion. It returns the code the target exited with and any
// error from the host or from writing the report.
func (s *Session) Run(ctx context.Context, h host.Host) (int, error) {
	s.mu.Lock()
	attached := s.host
	s.mu.Unlock()
	if attached == nil {
		if err := s.Attach(h); err != nil {
			return 0, err
		}
	} else if attached != h {
		return 0, ErrAttached
	}

	s.mu.Lock()
	s.start = time.Now()
	s.watchdog = NewWatchdog(s.cfg.Timeout, func() {
		h.Exit(0)
	})
	s.mu.Unlock()

	s.watchdog.Start(h.Spawn)
	code, err := h.Run(ctx)
	s.watchdog.Stop()

	s.mu.Lock()
	finished := s.finished
	s.mu.Unlock()
	if !finished {
		// the target never ran, leave no report behind
		return code, multierr.Append(err, s.reporter.Discard())
	}
	return code, multierr.Append(err, s.finiErr)
}

// Regions returns the monitored regions.
func (s *Session) Regions() *RegionSet {
	return s.regions
}

// Table returns the block counter table.
func (s *Session) Table() *CounterTable {
	return s.table
}

// Watchdog returns the session's watchdog, or nil before Run.
func (s *Session) Watchdog() *Watchdog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watchdog
}

// Elapsed returns how long the target ran.
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsed
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		Modules:   s.modules.Load(),
		Monitored: s.monitored.Load(),
		Traces:    s.traces.Load(),
		Probes:    s.probes.Load(),
	}
}
