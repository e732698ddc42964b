package bbcount

import (
	"fmt"
	"sync"
)

// An AddressRange is a monitored code region. Both bounds are inclusive.
type AddressRange struct {
	Low  uint64
	High uint64
	// Name is the module the range was taken from, if known. It does not
	// affect membership.
	Name string
}

// Contains returns true if addr lies within the range.
func (r AddressRange) Contains(addr uint64) bool {
	return addr >= r.Low && addr <= r.High
}

func (r AddressRange) String() string {
	if r.Name == "" {
		return fmt.Sprintf("0x%x-0x%x", r.Low, r.High)
	}
	return fmt.Sprintf("%s 0x%x-0x%x", r.Name, r.Low, r.High)
}

// A RegionSet is an append-only list of monitored address ranges. Ranges may
// overlap; an address is monitored if any range contains it.
type RegionSet struct {
	mu     sync.RWMutex
	ranges []AddressRange
}

// NewRegionSet returns an empty region set.
func NewRegionSet() *RegionSet {
	return &RegionSet{}
}

// AddRange appends the inclusive range [low, high].
func (s *RegionSet) AddRange(low, high uint64) {
	s.Add(AddressRange{Low: low, High: high})
}

// Add appends r to the set.
func (s *RegionSet) Add(r AddressRange) {
	s.mu.Lock()
	s.ranges = append(s.ranges, r)
	s.mu.Unlock()
}

// Contains returns true if addr falls within any recorded range. The number of
// monitored modules is small, so this is a linear scan.
func (s *RegionSet) Contains(addr uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.ranges {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}

// Lookup returns the first range containing addr.
func (s *RegionSet) Lookup(addr uint64) (AddressRange, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.ranges {
		if r.Contains(addr) {
			return r, true
		}
	}
	return AddressRange{}, false
}

// Ranges returns a copy of the recorded ranges in insertion order.
func (s *RegionSet) Ranges() []AddressRange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs := make([]AddressRange, len(s.ranges))
	copy(rs, s.ranges)
	return rs
}

// Len returns the number of recorded ranges.
func (s *RegionSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ranges)
}
