package utrace

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFindBlocksLoop(t *testing.T) {
	// mov ecx, 5; l: dec ecx; jnz l; mov eax, 231; mov edi, 3; syscall
	code := []byte{
		0xb9, 0x05, 0x00, 0x00, 0x00,
		0xff, 0xc9,
		0x75, 0xfc,
		0xb8, 0xe7, 0x00, 0x00, 0x00,
		0xbf, 0x03, 0x00, 0x00, 0x00,
		0x0f, 0x05,
	}
	require.Equal(t, []uint64{0x1000, 0x1005, 0x1009}, findBlocks(code, 0x1000))
}

func TestFindBlocksCall(t *testing.T) {
	// call next; ret
	code := []byte{0xe8, 0x00, 0x00, 0x00, 0x00, 0xc3}
	require.Equal(t, []uint64{0x2000, 0x2005}, findBlocks(code, 0x2000))
}

func TestFindBlocksTargetInsideInstruction(t *testing.T) {
	// jmp +1 lands in the middle of the mov
	code := []byte{0xeb, 0x01, 0xb8, 0x00, 0x00, 0x00, 0x00, 0xc3}
	require.Equal(t, []uint64{0x3000, 0x3002}, findBlocks(code, 0x3000))
}

func TestFindBlocksTargetOutside(t *testing.T) {
	// jmp -16 leaves the function
	code := []byte{0x90, 0xeb, 0xee, 0x90}
	require.Equal(t, []uint64{0x4000, 0x4003}, findBlocks(code, 0x4000))
}

func TestFindBlocksEmpty(t *testing.T) {
	require.Equal(t, []uint64{}, findBlocks(nil, 0x1000))
}
