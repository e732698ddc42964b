//go:build linux && amd64

package utrace

import (
	"bytes"
	"testing"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/require"

	"github.com/acidghost/uberfuzz/bininfo"
)

func mapping(start, end uintptr, perms string, off int64, path string) *procfs.ProcMap {
	return &procfs.ProcMap{
		StartAddr: start,
		EndAddr:   end,
		Perms: &procfs.ProcMapPermissions{
			Read:    perms[0] == 'r',
			Write:   perms[1] == 'w',
			Execute: perms[2] == 'x',
			Private: perms[3] == 'p',
			Shared:  perms[3] == 's',
		},
		Offset:   off,
		Pathname: path,
	}
}

func TestGroupMappings(t *testing.T) {
	maps := []*procfs.ProcMap{
		mapping(0x555555554000, 0x555555556000, "r--p", 0, "/usr/bin/target"),
		mapping(0x555555556000, 0x555555558000, "r-xp", 0x2000, "/usr/bin/target"),
		mapping(0x555555558000, 0x555555559000, "rw-p", 0x4000, "/usr/bin/target"),
		mapping(0x555555559000, 0x55555557a000, "rw-p", 0, "[heap]"),
		mapping(0x7ffff7d80000, 0x7ffff7da8000, "r--p", 0, "/usr/lib/libc.so.6"),
		mapping(0x7ffff7da8000, 0x7ffff7f3d000, "r-xp", 0x28000, "/usr/lib/libc.so.6"),
		mapping(0x7ffff7f3d000, 0x7ffff7f40000, "rw-p", 0, ""),
		mapping(0x7ffff7fc0000, 0x7ffff7fc2000, "r--p", 0, "/usr/share/locale/data"),
		mapping(0x7ffff7fc3000, 0x7ffff7fc5000, "r-xp", 0, "[vdso]"),
	}

	modules := groupMappings(maps, "/usr/bin/target")
	require.Len(t, modules, 3)

	exe := modules[0]
	require.Equal(t, "/usr/bin/target", exe.Name)
	require.True(t, exe.Main)
	require.True(t, exe.exec)
	require.EqualValues(t, 0x555555554000, exe.Low)
	require.EqualValues(t, 0x555555558fff, exe.High)
	require.EqualValues(t, 0x555555554000, exe.base)
	require.True(t, exe.contains(0x555555558fff))
	require.False(t, exe.contains(0x555555559000))

	libc := modules[1]
	require.Equal(t, "/usr/lib/libc.so.6", libc.Name)
	require.False(t, libc.Main)
	require.True(t, libc.exec)
	require.EqualValues(t, 0x7ffff7d80000, libc.base)
	require.EqualValues(t, 0x7ffff7f3cfff, libc.High)

	data := modules[2]
	require.False(t, data.exec)
}

func TestModuleTraces(t *testing.T) {
	bin, err := bininfo.Read(bytes.NewReader(buildELF(loopCode)), "target")
	require.NoError(t, err)
	require.Empty(t, bin.Funcs())

	m := &module{bin: bin}
	require.Equal(t, [][]uint64{{elfEntry, elfEntry + 5, elfEntry + 9}}, m.traces())

	m.bias = 0x10000
	require.Equal(t, [][]uint64{{elfEntry + 0x10000, elfEntry + 0x10005, elfEntry + 0x10009}}, m.traces())

	_, ok := m.symbolize(elfEntry)
	require.False(t, ok)
}

func TestModuleTracesAfterData(t *testing.T) {
	bin, err := bininfo.Read(bytes.NewReader(buildImage(threadData, threadCode)), "target")
	require.NoError(t, err)

	entry := uint64(elfEntry + len(threadData))
	require.Equal(t, entry, bin.Entry())

	m := &module{bin: bin}
	var want []uint64
	for _, off := range []uint64{0, 0x1b, uint64(threadLoop), 0x24, 0x28, 0x31, 0x3a} {
		want = append(want, entry+off)
	}
	require.Equal(t, [][]uint64{want}, m.traces())
}

func TestModuleLoad(t *testing.T) {
	path := writeELF(t, loopCode)
	m := &module{path: path, base: elfBase}
	require.NoError(t, m.load())
	require.Zero(t, m.bias)

	m = &module{path: path, base: 0x7f0000000000}
	require.NoError(t, m.load())
	require.EqualValues(t, 0x7f0000000000-elfBase, m.bias)
}
