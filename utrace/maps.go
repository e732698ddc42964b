//go:build linux && amd64

package utrace

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/prometheus/procfs"

	"github.com/acidghost/uberfuzz/bininfo"
	"github.com/acidghost/uberfuzz/host"
)

const pageSize = 0x1000

// A module is a file-backed image mapped into the traced process.
type module struct {
	host.Module

	path string
	// base is the start of the mapping of file offset 0
	base uint64
	exec bool
	bin  *bininfo.BinFile
	bias uint64
}

// contains returns true if addr is mapped by the module.
func (m *module) contains(addr uint64) bool {
	return addr >= m.Low && addr <= m.High
}

// readModules groups the file-backed mappings of pid by path. The result is
// sorted by load address.
func readModules(pid int) ([]*module, error) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return nil, err
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return nil, err
	}
	exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return nil, err
	}
	return groupMappings(maps, exe), nil
}

func groupMappings(maps []*procfs.ProcMap, exe string) []*module {
	byPath := make(map[string]*module)
	var modules []*module
	for _, pm := range maps {
		if !strings.HasPrefix(pm.Pathname, "/") {
			// anonymous, [heap], [stack], [vdso] and friends
			continue
		}
		start, end := uint64(pm.StartAddr), uint64(pm.EndAddr)
		m, ok := byPath[pm.Pathname]
		if !ok {
			m = &module{
				Module: host.Module{
					Name: pm.Pathname,
					Low:  start,
					High: end - 1,
					Main: pm.Pathname == exe,
				},
				path: pm.Pathname,
			}
			byPath[pm.Pathname] = m
			modules = append(modules, m)
		}
		if start < m.Low {
			m.Low = start
		}
		if end-1 > m.High {
			m.High = end - 1
		}
		if pm.Offset == 0 && (m.base == 0 || start < m.base) {
			m.base = start
		}
		if pm.Perms != nil && pm.Perms.Execute {
			m.exec = true
		}
	}
	sort.Slice(modules, func(i, j int) bool {
		return modules[i].Low < modules[j].Low
	})
	return modules
}

// load reads the module's elf file and computes its load bias.
func (m *module) load() error {
	bin, err := bininfo.Open(m.path)
	if err != nil {
		return err
	}
	m.bin = bin
	m.bias = m.base - (bin.FirstLoad() &^ (pageSize - 1))
	return nil
}

// symbolize returns the function containing the runtime address addr.
func (m *module) symbolize(addr uint64) (string, bool) {
	if m.bin == nil {
		return "", false
	}
	return m.bin.Symbolize(addr - m.bias)
}

// traces splits the module's code into traces, one per function symbol. If
// the module has no function symbols, each executable segment becomes one
// trace, swept from the entry point when the segment contains it. Addresses
// are runtime addresses.
func (m *module) traces() [][]uint64 {
	if m.bin == nil {
		return nil
	}
	var traces [][]uint64
	funcs := m.bin.Funcs()
	if len(funcs) == 0 {
		entry := m.bin.Entry()
		for _, s := range m.bin.Segments() {
			start, data := s.Vaddr, s.Data
			if s.Contains(entry) {
				// skip the elf header and whatever precedes the code
				data = data[entry-s.Vaddr:]
				start = entry
			}
			if blocks := findBlocks(data, start+m.bias); len(blocks) > 0 {
				traces = append(traces, blocks)
			}
		}
		return traces
	}
	for _, fn := range funcs {
		code, err := m.bin.Code(fn.Addr, fn.Size)
		if err != nil {
			continue
		}
		if blocks := findBlocks(code, fn.Addr+m.bias); len(blocks) > 0 {
			traces = append(traces, blocks)
		}
	}
	return traces
}
