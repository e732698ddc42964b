package bbcount

import (
	"sort"
	"sync"

	"github.com/dolthub/swiss"
	"go.uber.org/atomic"
)

const numShards = 64

// A BlockCount is one entry of a CounterTable snapshot.
type BlockCount struct {
	Addr  uint64
	Count uint64
}

type shard struct {
	mu     sync.RWMutex
	counts *swiss.Map[uint64, *atomic.Uint64]
}

// A CounterTable maps basic block start addresses to execution counts. It is
// safe for concurrent use. Entries are created on the first increment, so an
// address that was never incremented is absent rather than zero.
//
// Counts are 64 bits wide and wrap silently on overflow.
type CounterTable struct {
	shards [numShards]shard
}

// NewCounterTable returns an empty table.
func NewCounterTable() *CounterTable {
	t := &CounterTable{}
	for i := range t.shards {
		t.shards[i].counts = swiss.NewMap[uint64, *atomic.Uint64](64)
	}
	return t
}

func (t *CounterTable) shard(addr uint64) *shard {
	// blocks are rarely closer than a few bytes apart, so skip the low bits
	return &t.shards[(addr>>4)%numShards]
}

// Increment adds one to the count for addr, creating the entry if needed.
// After the first execution of a block this only takes a shared lock and an
// atomic add.
func (t *CounterTable) Increment(addr uint64) {
	s := t.shard(addr)

	s.mu.RLock()
	c, ok := s.counts.Get(addr)
	s.mu.RUnlock()
	if ok {
		c.Inc()
		return
	}

	s.mu.Lock()
	c, ok = s.counts.Get(addr)
	if !ok {
		c = atomic.NewUint64(0)
		s.counts.Put(addr, c)
	}
	s.mu.Unlock()
	c.Inc()
}

// Count returns the current count for addr and whether an entry exists.
func (t *CounterTable) Count(addr uint64) (uint64, bool) {
	s := t.shard(addr)
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.counts.Get(addr)
	if !ok {
		return 0, false
	}
	return c.Load(), true
}

// Len returns the number of distinct blocks that have executed.
func (t *CounterTable) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		n += s.counts.Count()
		s.mu.RUnlock()
	}
	return n
}

// Total returns the sum of all counts.
func (t *CounterTable) Total() uint64 {
	var total uint64
	for _, bc := range t.Snapshot() {
		total += bc.Count
	}
	return total
}

// Snapshot returns every entry sorted by ascending address.
func (t *CounterTable) Snapshot() []BlockCount {
	entries := make([]BlockCount, 0, t.Len())
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		s.counts.Iter(func(addr uint64, c *atomic.Uint64) bool {
			entries = append(entries, BlockCount{
				Addr:  addr,
				Count: c.Load(),
			})
			return false
		})
		s.mu.RUnlock()
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Addr < entries[j].Addr
	})
	return entries
}
