// Package perfcount counts perf events for a whole process, to put the block
// counts of a run next to its hardware and software event totals.
package perfcount

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/zyedidia/perf"
	"go.uber.org/multierr"
)

const (
	traceDir = "/sys/kernel/debug/tracing"
)

var hardwareEvents = map[string]perf.HardwareCounter{
	"instructions":            perf.Instructions,
	"cpu-cycles":              perf.CPUCycles,
	"cache-references":        perf.CacheReferences,
	"cache-misses":            perf.CacheMisses,
	"branch-instructions":     perf.BranchInstructions,
	"branch-misses":           perf.BranchMisses,
	"bus-cycles":              perf.BusCycles,
	"stalled-cycles-frontend": perf.StalledCyclesFrontend,
	"stalled-cycles-backend":  perf.StalledCyclesBackend,
	"ref-cycles":              perf.RefCPUCycles,
}

var softwareEvents = map[string]perf.SoftwareCounter{
	"cpu-clock":        perf.CPUClock,
	"task-clock":       perf.TaskClock,
	"page-faults":      perf.PageFaults,
	"context-switches": perf.ContextSwitches,
	"cpu-migrations":   perf.CPUMigrations,
	"minor-faults":     perf.MinorPageFaults,
	"major-faults":     perf.MajorPageFaults,
	"alignment-faults": perf.AlignmentFaults,
	"emulation-faults": perf.EmulationFaults,
}

var caches = map[string]perf.Cache{
	"l1d":  perf.L1D,
	"l1i":  perf.L1I,
	"ll":   perf.LL,
	"dtlb": perf.DTLB,
	"itlb": perf.ITLB,
	"bpu":  perf.BPU,
	"node": perf.NODE,
}

var cacheAccesses = map[string]perf.CacheOp{
	"read":     perf.Read,
	"write":    perf.Write,
	"prefetch": perf.Prefetch,
}

var cacheResults = map[string]perf.CacheOpResult{
	"accesses": perf.Access,
	"misses":   perf.Miss,
}

type cacheEvent struct {
	cache  perf.Cache
	op     perf.CacheOp
	result perf.CacheOpResult
	label  string
}

func (e cacheEvent) Configure(attr *perf.Attr) error {
	attr.Type = perf.HardwareCacheEvent
	attr.Config = uint64(e.cache) | uint64(e.op<<8) | uint64(e.result<<16)
	attr.Label = e.label
	return nil
}

func cacheEvents() map[string]cacheEvent {
	events := make(map[string]cacheEvent)
	for cn, c := range caches {
		for an, a := range cacheAccesses {
			for rn, r := range cacheResults {
				evn := fmt.Sprintf("%s-%s-%s", cn, an, rn)
				events[evn] = cacheEvent{
					cache:  c,
					op:     a,
					result: r,
					label:  evn,
				}
			}
		}
	}
	return events
}

// IsAvailable returns true if the given event can be opened on the current
// system.
func IsAvailable(ev perf.Configurator) bool {
	fa := &perf.Attr{}
	ev.Configure(fa)
	p, err := perf.Open(fa, perf.CallingThread, perf.AnyCPU, nil)
	if err == nil {
		p.Close()
		return true
	}
	return false
}

// AvailableEvents returns the sorted names of the available events of the
// given kind: hardware, software, cache or trace.
func AvailableEvents(kind string) ([]string, error) {
	var events []string
	switch kind {
	case "hardware":
		for evn, ev := range hardwareEvents {
			if IsAvailable(ev) {
				events = append(events, evn)
			}
		}
	case "software":
		for evn, ev := range softwareEvents {
			if IsAvailable(ev) {
				events = append(events, evn)
			}
		}
	case "cache":
		for evn, ev := range cacheEvents() {
			if IsAvailable(ev) {
				events = append(events, evn)
			}
		}
	case "trace":
		data, err := os.ReadFile(traceDir + "/available_events")
		if err != nil {
			return nil, nil
		}
		for _, l := range strings.Split(string(data), "\n") {
			if l != "" {
				events = append(events, l)
			}
		}
	default:
		return nil, fmt.Errorf("invalid event type %q, must be one of {hardware, software, cache, trace}", kind)
	}
	sort.Strings(events)
	return events, nil
}

// NameToConfig converts a string representation of an event to a perf
// configurator. Tracepoints are written as subsystem:event.
func NameToConfig(name string) (perf.Configurator, error) {
	if ev, ok := hardwareEvents[name]; ok {
		return ev, nil
	} else if ev, ok := softwareEvents[name]; ok {
		return ev, nil
	} else if ev, ok := cacheEvents()[name]; ok {
		return ev, nil
	} else if strings.Contains(name, ":") {
		parts := strings.SplitN(name, ":", 2)
		return perf.Tracepoint(parts[0], parts[1]), nil
	}

	return nil, fmt.Errorf("not found: event %s", name)
}

// ParseEventList looks at a comma-separated list of events and returns the
// perf configurators corresponding to those events. Unknown events are
// reported together in the error; the known ones are still returned.
func ParseEventList(s string) ([]perf.Configurator, error) {
	var configs []perf.Configurator
	var errs error
	for _, ev := range strings.Split(s, ",") {
		ev = strings.TrimSpace(ev)
		if ev == "" {
			continue
		}
		config, err := NameToConfig(ev)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		configs = append(configs, config)
	}
	return configs, errs
}
