package perfcount

import (
	"fmt"
	"time"

	"github.com/zyedidia/perf"
	"go.uber.org/multierr"

	"github.com/acidghost/uberfuzz/bbcount"
)

// A Result is the scaled value of one event.
type Result struct {
	Label string
	Value uint64
}

// Results are the event totals of a run.
type Results struct {
	Values  []Result
	Elapsed time.Duration
}

// WriteTo writes the results as an event/count table.
func (r Results) WriteTo(mw bbcount.MetricsWriter) {
	mw.SetHeader([]string{"event", "count"})
	for _, v := range r.Values {
		mw.Append([]string{
			v.Label,
			fmt.Sprintf("%d", v.Value),
		})
	}
	mw.Append([]string{
		"time-elapsed",
		r.Elapsed.String(),
	})
	mw.Render()
}

// Counters count a set of events for a process and every thread and child
// it creates after the counters are opened.
type Counters struct {
	events []*perf.Event
}

// Open opens one counter per configurator for pid. The counters start
// disabled. Events that cannot be opened are skipped and reported in the
// returned error.
func Open(pid int, configs []perf.Configurator, opts perf.Options) (*Counters, error) {
	opts.Disabled = true
	opts.Inherit = true

	c := &Counters{}
	var errs error
	for _, config := range configs {
		attr := &perf.Attr{
			CountFormat: perf.CountFormat{
				Enabled: true,
				Running: true,
			},
			Options: opts,
		}
		if err := config.Configure(attr); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		ev, err := perf.Open(attr, pid, perf.AnyCPU, nil)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", attr.Label, err))
			continue
		}
		c.events = append(c.events, ev)
	}
	return c, errs
}

// Len returns the number of open counters.
func (c *Counters) Len() int {
	return len(c.events)
}

// Enable starts counting.
func (c *Counters) Enable() error {
	var errs error
	for _, ev := range c.events {
		errs = multierr.Append(errs, ev.Enable())
	}
	return errs
}

// Disable stops counting.
func (c *Counters) Disable() error {
	var errs error
	for _, ev := range c.events {
		errs = multierr.Append(errs, ev.Disable())
	}
	return errs
}

// Results reads every counter. Values are scaled by enabled/running time
// when the kernel had to multiplex the counters.
func (c *Counters) Results() (Results, error) {
	var r Results
	var errs error
	for _, ev := range c.events {
		count, err := ev.ReadCount()
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		value := count.Value
		if count.Running > 0 && count.Enabled != count.Running {
			value = uint64(float64(count.Value) * float64(count.Enabled) / float64(count.Running))
		}
		r.Values = append(r.Values, Result{
			Label: count.Label,
			Value: value,
		})
		if count.Enabled > r.Elapsed {
			r.Elapsed = count.Enabled
		}
	}
	return r, errs
}

// Close releases the counters.
func (c *Counters) Close() error {
	var errs error
	for _, ev := range c.events {
		errs = multierr.Append(errs, ev.Close())
	}
	return errs
}
