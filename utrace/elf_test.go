//go:build linux && amd64

package utrace

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	elfBase  = 0x400000
	elfEntry = elfBase + 64 + 56
)

var (
	// mov ecx, 5; l: dec ecx; jnz l; mov eax, 231; mov edi, 3; syscall
	loopCode = []byte{
		0xb9, 0x05, 0x00, 0x00, 0x00,
		0xff, 0xc9,
		0x75, 0xfc,
		0xb8, 0xe7, 0x00, 0x00, 0x00,
		0xbf, 0x03, 0x00, 0x00, 0x00,
		0x0f, 0x05,
	}
	// l: jmp l
	spinCode = []byte{0xeb, 0xfe}

	// threadData holds the done flag at offset 0 and ends with the stack
	// of the second thread.
	threadData = make([]byte, 0x400)
	// The entry clones a thread that shares its memory and starts on the
	// same instruction. Both threads count down threadLoops in the block
	// at threadLoop. The child sets the flag and exits, the parent spins
	// on the flag and exits the group with 0.
	threadCode = []byte{
		0xb8, 0x38, 0x00, 0x00, 0x00, // mov eax, 56
		0xbf, 0x00, 0x0f, 0x05, 0x00, // mov edi, CLONE_VM|CLONE_FS|CLONE_FILES|CLONE_SIGHAND|CLONE_THREAD|CLONE_SYSVSEM
		0x48, 0x8d, 0x35, 0xef, 0xff, 0xff, 0xff, // lea rsi, [stack top]
		0x31, 0xd2, // xor edx, edx
		0x45, 0x31, 0xd2, // xor r10d, r10d
		0x45, 0x31, 0xc0, // xor r8d, r8d
		0x0f, 0x05, // syscall
		0xb9, 0x88, 0x13, 0x00, 0x00, // mov ecx, 5000
		0xff, 0xc9, // l: dec ecx
		0x75, 0xfc, // jnz l
		0x85, 0xc0, // test eax, eax
		0x74, 0x12, // jz child
		0x80, 0x3d, 0xd1, 0xfb, 0xff, 0xff, 0x00, // w: cmp byte [flag], 0
		0x74, 0xf7, // jz w
		0xb8, 0xe7, 0x00, 0x00, 0x00, // mov eax, 231
		0x31, 0xff, // xor edi, edi
		0x0f, 0x05, // syscall
		0xc6, 0x05, 0xbf, 0xfb, 0xff, 0xff, 0x01, // child: mov byte [flag], 1
		0xb8, 0x3c, 0x00, 0x00, 0x00, // mov eax, 60
		0x31, 0xff, // xor edi, edi
		0x0f, 0x05, // syscall
	}
	threadLoops = 5000
	threadLoop  = 0x20
)

// buildELF returns a static, symbol-less x86-64 executable that maps
// itself at elfBase and starts executing code at elfEntry.
func buildELF(code []byte) []byte {
	return buildImage(nil, code)
}

// buildImage is buildELF with data placed between the headers and code, in
// a segment that is also writable. Execution starts at the first byte of
// code, elfEntry+len(data).
func buildImage(data, code []byte) []byte {
	entry := uint64(elfEntry + len(data))
	size := uint64(elfEntry - elfBase + len(data) + len(code))
	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Phoff:     64,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     1,
		Shentsize: 64,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	prog := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_W | elf.PF_X),
		Vaddr:  elfBase,
		Paddr:  elfBase,
		Filesz: size,
		Memsz:  size,
		Align:  0x1000,
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &hdr)
	binary.Write(&buf, binary.LittleEndian, &prog)
	buf.Write(data)
	buf.Write(code)
	return buf.Bytes()
}

func writeELF(t *testing.T, code []byte) string {
	return writeImage(t, nil, code)
}

func writeImage(t *testing.T, data, code []byte) string {
	path := filepath.Join(t.TempDir(), "target")
	require.NoError(t, os.WriteFile(path, buildImage(data, code), 0755))
	return path
}
