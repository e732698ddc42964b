package bbcount

import (
	"fmt"
	"sort"
)

// A Symbolizer maps a code address to the name of the function containing
// it.
type Symbolizer interface {
	Symbolize(addr uint64) (string, bool)
}

// A SummaryRow describes one block in a Summary.
type SummaryRow struct {
	BlockCount
	Module string
	Func   string
}

// A Summary lists the most executed blocks of a run.
type Summary struct {
	Rows       []SummaryRow
	Blocks     int
	Executions uint64
}

// Summarize returns the top most executed blocks in table, hottest first.
// Ties are broken by address. A non-positive top keeps every block. sym may
// be nil.
func Summarize(table *CounterTable, regions *RegionSet, sym Symbolizer, top int) Summary {
	entries := table.Snapshot()

	var total uint64
	for _, e := range entries {
		total += e.Count
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Count > entries[j].Count
	})
	if top > 0 && len(entries) > top {
		entries = entries[:top]
	}

	rows := make([]SummaryRow, 0, len(entries))
	for _, e := range entries {
		row := SummaryRow{
			BlockCount: e,
		}
		if r, ok := regions.Lookup(e.Addr); ok {
			row.Module = r.Name
		}
		if sym != nil {
			if fn, ok := sym.Symbolize(e.Addr); ok {
				row.Func = fn
			}
		}
		rows = append(rows, row)
	}

	return Summary{
		Rows:       rows,
		Blocks:     table.Len(),
		Executions: total,
	}
}

// WriteTo writes the summary as a table.
func (s Summary) WriteTo(mw MetricsWriter) {
	mw.SetHeader([]string{"block", "count", "share", "module", "function"})
	for _, r := range s.Rows {
		share := 0.0
		if s.Executions > 0 {
			share = 100 * float64(r.Count) / float64(s.Executions)
		}
		mw.Append([]string{
			fmt.Sprintf("0x%x", r.Addr),
			fmt.Sprintf("%d", r.Count),
			fmt.Sprintf("%.2f%%", share),
			r.Module,
			r.Func,
		})
	}
	mw.Render()
}
