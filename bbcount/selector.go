package bbcount

import (
	"github.com/acidghost/uberfuzz/host"
)

// A Selector attaches counting probes to the blocks of compiled traces that
// start inside a monitored region.
type Selector struct {
	regions *RegionSet
	table   *CounterTable
	probe   host.Probe
}

// NewSelector returns a selector whose probes increment table.
func NewSelector(regions *RegionSet, table *CounterTable) *Selector {
	return &Selector{
		regions: regions,
		table:   table,
		probe:   table.Increment,
	}
}

// Qualifies returns true if a block starting at addr needs a probe.
func (s *Selector) Qualifies(addr uint64) bool {
	return s.regions.Contains(addr)
}

// OnTraceCompiled attaches the counting probe to every qualifying block in
// trace and returns how many probes were attached. Blocks outside the
// monitored regions are left untouched.
func (s *Selector) OnTraceCompiled(trace host.Trace) int {
	n := 0
	for _, b := range trace.Blocks() {
		if !s.Qualifies(b.Address()) {
			continue
		}
		b.InsertCall(s.probe)
		n++
	}
	return n
}
