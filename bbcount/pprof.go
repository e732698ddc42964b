package bbcount

import (
	"io"
	"time"

	"github.com/google/pprof/profile"
)

// BuildProfile converts the block counts into a pprof profile with one sample
// per executed block. Each monitored range becomes a mapping. sym may be nil.
func BuildProfile(table *CounterTable, regions *RegionSet, sym Symbolizer, duration time.Duration) (*profile.Profile, error) {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "executions", Unit: "count"},
		},
		PeriodType:    &profile.ValueType{Type: "executions", Unit: "count"},
		Period:        1,
		TimeNanos:     time.Now().UnixNano(),
		DurationNanos: duration.Nanoseconds(),
	}

	ranges := regions.Ranges()
	mappings := make([]*profile.Mapping, len(ranges))
	for i, r := range ranges {
		m := &profile.Mapping{
			ID:    uint64(i + 1),
			Start: r.Low,
			Limit: r.High + 1,
			File:  r.Name,
		}
		mappings[i] = m
		p.Mapping = append(p.Mapping, m)
	}

	funcs := make(map[string]*profile.Function)
	for _, e := range table.Snapshot() {
		loc := &profile.Location{
			ID:      uint64(len(p.Location) + 1),
			Address: e.Addr,
		}
		for i, r := range ranges {
			if r.Contains(e.Addr) {
				loc.Mapping = mappings[i]
				break
			}
		}
		if sym != nil {
			if name, ok := sym.Symbolize(e.Addr); ok {
				fn, ok := funcs[name]
				if !ok {
					fn = &profile.Function{
						ID:         uint64(len(p.Function) + 1),
						Name:       name,
						SystemName: name,
					}
					funcs[name] = fn
					p.Function = append(p.Function, fn)
				}
				loc.Line = []profile.Line{{Function: fn}}
				if loc.Mapping != nil {
					loc.Mapping.HasFunctions = true
				}
			}
		}
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(e.Count)},
		})
	}

	return p, p.CheckValid()
}

// WriteProfile writes the gzipped pprof encoding of the block counts to w.
func WriteProfile(w io.Writer, table *CounterTable, regions *RegionSet, sym Symbolizer, duration time.Duration) error {
	p, err := BuildProfile(table, regions, sym, duration)
	if err != nil {
		return err
	}
	return p.Write(w)
}
