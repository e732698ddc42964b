package utrace

import (
	"sort"

	"golang.org/x/arch/x86/x86asm"
)

// ops that end a basic block
var blockEnds = map[x86asm.Op]bool{
	x86asm.JMP:     true,
	x86asm.LJMP:    true,
	x86asm.JA:      true,
	x86asm.JAE:     true,
	x86asm.JB:      true,
	x86asm.JBE:     true,
	x86asm.JE:      true,
	x86asm.JNE:     true,
	x86asm.JG:      true,
	x86asm.JGE:     true,
	x86asm.JL:      true,
	x86asm.JLE:     true,
	x86asm.JO:      true,
	x86asm.JNO:     true,
	x86asm.JP:      true,
	x86asm.JNP:     true,
	x86asm.JS:      true,
	x86asm.JNS:     true,
	x86asm.JCXZ:    true,
	x86asm.JECXZ:   true,
	x86asm.JRCXZ:   true,
	x86asm.LOOP:    true,
	x86asm.LOOPE:   true,
	x86asm.LOOPNE:  true,
	x86asm.CALL:    true,
	x86asm.LCALL:   true,
	x86asm.RET:     true,
	x86asm.LRET:    true,
	x86asm.SYSCALL: true,
	x86asm.INT:     true,
	x86asm.UD2:     true,
	x86asm.HLT:     true,
}

// findBlocks returns the start addresses of the basic blocks in code, which
// is loaded at addr. A block starts at addr, after every instruction that
// transfers control, and at every direct branch target inside code. Targets
// that do not fall on an instruction boundary of the linear sweep are
// ignored. Decoding stops at the first invalid instruction.
func findBlocks(code []byte, addr uint64) []uint64 {
	end := addr + uint64(len(code))
	boundaries := make(map[uint64]bool)
	leaders := map[uint64]bool{
		addr: true,
	}
	var targets []uint64

	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			break
		}
		pc := addr + uint64(off)
		next := pc + uint64(inst.Len)
		boundaries[pc] = true

		if blockEnds[inst.Op] {
			if next < end {
				leaders[next] = true
			}
			if rel, ok := inst.Args[0].(x86asm.Rel); ok {
				t := uint64(int64(next) + int64(rel))
				if t >= addr && t < end {
					targets = append(targets, t)
				}
			}
		}
		off += inst.Len
	}

	for _, t := range targets {
		leaders[t] = true
	}

	blocks := make([]uint64, 0, len(leaders))
	for l := range leaders {
		if boundaries[l] {
			blocks = append(blocks, l)
		}
	}
	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i] < blocks[j]
	})
	return blocks
}
