// Package bininfo provides functions for reading elf binary files: function
// symbols, executable segments, and address to function name lookups.
package bininfo

import (
	"debug/elf"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/ianlancetaylor/demangle"
)

var (
	ErrInvalidElfType = errors.New("invalid elf type")
	ErrNoCode         = errors.New("address is not in an executable segment")
)

// A Func is a function symbol. Addresses are link-time virtual addresses.
type Func struct {
	Name string
	Addr uint64
	Size uint64
}

// End returns the first address past the function.
func (f Func) End() uint64 {
	return f.Addr + f.Size
}

// A Segment is an executable PT_LOAD segment together with its file
// contents.
type Segment struct {
	Vaddr uint64
	Data  []byte
}

// Contains returns true if the link-time address addr is backed by file data
// in this segment.
func (s *Segment) Contains(addr uint64) bool {
	return addr >= s.Vaddr && addr < s.Vaddr+uint64(len(s.Data))
}

// A BinFile describes the code of an elf executable or shared object. The
// BinFile also tracks if the object is position-independent, in which case
// all addresses must be shifted by the load bias of a running instance.
type BinFile struct {
	pie       bool
	name      string
	entry     uint64
	firstLoad uint64
	funcs     []Func
	segments  []Segment
}

// Open reads the elf file at path.
func Open(path string) (*BinFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f, filepath.Base(path))
}

// Read creates a new BinFile from an io.ReaderAt.
func Read(r io.ReaderAt, name string) (*BinFile, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	b := &BinFile{
		pie:   false,
		name:  name,
		entry: f.Entry,
	}

	if f.Type == elf.ET_DYN {
		b.pie = true
	} else if f.Type != elf.ET_EXEC {
		return nil, ErrInvalidElfType
	}

	first := true
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if first {
			b.firstLoad = p.Vaddr
			first = false
		}
		if p.Flags&elf.PF_X == 0 || p.Filesz == 0 {
			continue
		}
		data := make([]byte, p.Filesz)
		if _, err := p.ReadAt(data, 0); err != nil && err != io.EOF {
			return nil, err
		}
		b.segments = append(b.segments, Segment{
			Vaddr: p.Vaddr,
			Data:  data,
		})
	}

	b.buildFuncCache(f)

	return b, nil
}

func (b *BinFile) buildFuncCache(f *elf.File) {
	seen := make(map[uint64]bool)
	add := func(symbols []elf.Symbol) {
		for _, s := range symbols {
			if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Value == 0 || s.Size == 0 {
				continue
			}
			if seen[s.Value] {
				continue
			}
			seen[s.Value] = true
			b.funcs = append(b.funcs, Func{
				Name: s.Name,
				Addr: s.Value,
				Size: s.Size,
			})
		}
	}

	// stripped binaries still have dynamic symbols for their exports
	if symbols, err := f.Symbols(); err == nil {
		add(symbols)
	}
	if symbols, err := f.DynamicSymbols(); err == nil {
		add(symbols)
	}

	sort.Slice(b.funcs, func(i, j int) bool {
		return b.funcs[i].Addr < b.funcs[j].Addr
	})
}

// Name returns the base name of the file.
func (b *BinFile) Name() string {
	return b.name
}

// Pie returns true if this executable is position-independent.
func (b *BinFile) Pie() bool {
	return b.pie
}

// Entry returns the link-time entry point.
func (b *BinFile) Entry() uint64 {
	return b.entry
}

// FirstLoad returns the virtual address of the first PT_LOAD segment. The
// mapping of file offset 0 in a running process sits at this address plus
// the load bias (rounded down to a page).
func (b *BinFile) FirstLoad() uint64 {
	return b.firstLoad
}

// Funcs returns the function symbols sorted by address.
func (b *BinFile) Funcs() []Func {
	return b.funcs
}

// Segments returns the executable segments.
func (b *BinFile) Segments() []Segment {
	return b.segments
}

// Code returns the bytes of [addr, addr+size) from the executable segments.
// The result is truncated at the end of the segment.
func (b *BinFile) Code(addr, size uint64) ([]byte, error) {
	for i := range b.segments {
		s := &b.segments[i]
		if !s.Contains(addr) {
			continue
		}
		off := addr - s.Vaddr
		end := off + size
		if end > uint64(len(s.Data)) {
			end = uint64(len(s.Data))
		}
		return s.Data[off:end], nil
	}
	return nil, ErrNoCode
}

// FuncAt returns the function containing the link-time address addr.
func (b *BinFile) FuncAt(addr uint64) (Func, bool) {
	i := sort.Search(len(b.funcs), func(i int) bool {
		return b.funcs[i].Addr > addr
	})
	if i == 0 {
		return Func{}, false
	}
	fn := b.funcs[i-1]
	if addr >= fn.End() {
		return Func{}, false
	}
	return fn, true
}

// Symbolize returns the demangled name of the function containing the
// link-time address addr.
func (b *BinFile) Symbolize(addr uint64) (string, bool) {
	fn, ok := b.FuncAt(addr)
	if !ok {
		return "", false
	}
	return demangle.Filter(fn.Name), true
}
