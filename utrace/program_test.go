//go:build linux && amd64

package utrace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/acidghost/uberfuzz/bbcount"
	"github.com/acidghost/uberfuzz/host"
)

// Tests in this file trace real processes and are skipped where ptrace is
// not permitted (see /proc/sys/kernel/yama/ptrace_scope and seccomp
// profiles of container runtimes).

func runSession(t *testing.T, target string, timeout time.Duration) (string, int, *Program) {
	cfg := bbcount.DefaultConfig()
	cfg.Output = filepath.Join(t.TempDir(), "bbcount.out")
	cfg.Timeout = timeout
	s, err := bbcount.NewSession(cfg)
	require.NoError(t, err)

	prog := NewProgram(target, nil)
	var pid int
	prog.OnStart(func(p int) {
		pid = p
	})

	code, err := s.Run(context.Background(), prog)
	if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
		t.Skip("cannot trace:", err)
	}
	require.NoError(t, err)
	require.NotZero(t, pid)
	require.Equal(t, pid, prog.Pid())

	data, err := os.ReadFile(cfg.Output)
	require.NoError(t, err)
	return string(data), code, prog
}

func TestProgramCountsBlocks(t *testing.T) {
	report, code, prog := runSession(t, writeELF(t, loopCode), 10*time.Second)

	require.Equal(t, 3, code)
	require.Equal(t, fmt.Sprintf("0x%x 1\n0x%x 5\n0x%x 1\n", elfEntry, elfEntry+5, elfEntry+9), report)

	_, ok := prog.Symbolize(elfEntry)
	require.False(t, ok)
}

func TestProgramTimeout(t *testing.T) {
	start := time.Now()
	report, code, _ := runSession(t, writeELF(t, spinCode), 100*time.Millisecond)

	require.Zero(t, code)
	require.Less(t, time.Since(start), 10*time.Second)
	require.Regexp(t, regexp.MustCompile(fmt.Sprintf(`^0x%x [1-9][0-9]*\n$`, elfEntry)), report)
}

func TestProgramCancel(t *testing.T) {
	prog := NewProgram(writeELF(t, spinCode), nil)
	var fini []int
	prog.OnFini(func(code int) {
		fini = append(fini, code)
	})

	ctx, cancel := context.WithCancel(context.Background())
	prog.OnStart(func(int) {
		time.AfterFunc(50*time.Millisecond, cancel)
	})
	defer cancel()

	code, err := prog.Run(ctx)
	if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
		t.Skip("cannot trace:", err)
	}
	require.NoError(t, err)
	require.Zero(t, code)
	require.Equal(t, []int{0}, fini)

	_, err = prog.Run(ctx)
	require.ErrorIs(t, err, ErrStarted)
}

func parseReport(t *testing.T, report string) map[uint64]uint64 {
	counts := make(map[uint64]uint64)
	for _, line := range strings.Split(strings.TrimSpace(report), "\n") {
		var addr, count uint64
		_, err := fmt.Sscanf(line, "0x%x %d", &addr, &count)
		require.NoError(t, err, line)
		counts[addr] = count
	}
	return counts
}

func TestProgramThreadsShareBlocks(t *testing.T) {
	report, code, _ := runSession(t, writeImage(t, threadData, threadCode), 30*time.Second)
	require.Zero(t, code)

	entry := uint64(elfEntry + len(threadData))
	counts := parseReport(t, report)
	require.EqualValues(t, 1, counts[entry])
	require.EqualValues(t, 2, counts[entry+0x1b])
	require.EqualValues(t, 2*threadLoops, counts[entry+uint64(threadLoop)])
	require.EqualValues(t, 2, counts[entry+0x24])
	require.EqualValues(t, 1, counts[entry+0x31])
	require.EqualValues(t, 1, counts[entry+0x3a])
}

func TestProgramExitDuringInstrumentation(t *testing.T) {
	cfg := bbcount.DefaultConfig()
	cfg.Output = filepath.Join(t.TempDir(), "bbcount.out")
	s, err := bbcount.NewSession(cfg)
	require.NoError(t, err)

	prog := NewProgram(writeELF(t, loopCode), nil)
	prog.OnModuleLoaded(func(host.Module) {
		prog.Exit(0)
	})
	var fini []int
	prog.OnFini(func(code int) {
		fini = append(fini, code)
	})

	code, err := s.Run(context.Background(), prog)
	if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
		t.Skip("cannot trace:", err)
	}
	require.NoError(t, err)
	require.Zero(t, code)
	require.Equal(t, []int{0}, fini)

	data, err := os.ReadFile(cfg.Output)
	require.NoError(t, err)
	require.Empty(t, data)
}

func TestProgramExitBeforeStart(t *testing.T) {
	prog := NewProgram(writeELF(t, spinCode), nil)
	var fini []int
	prog.OnFini(func(code int) {
		fini = append(fini, code)
	})
	prog.OnStart(func(int) {
		t.Error("target resumed after a forced exit")
	})
	prog.Exit(7)

	code, err := prog.Run(context.Background())
	if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
		t.Skip("cannot trace:", err)
	}
	require.NoError(t, err)
	require.Equal(t, 7, code)
	require.Equal(t, []int{7}, fini)
}

func TestProgramTimeoutDuringStartup(t *testing.T) {
	target := writeELF(t, spinCode)
	for i := 0; i < 10; i++ {
		cfg := bbcount.DefaultConfig()
		cfg.Output = filepath.Join(t.TempDir(), "bbcount.out")
		cfg.Timeout = time.Nanosecond
		s, err := bbcount.NewSession(cfg)
		require.NoError(t, err)

		prog := NewProgram(target, nil)
		fini := 0
		prog.OnFini(func(int) {
			fini++
		})

		code, err := s.Run(context.Background(), prog)
		if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
			t.Skip("cannot trace:", err)
		}
		require.NoError(t, err)
		require.Zero(t, code)
		require.Equal(t, 1, fini)
		require.FileExists(t, cfg.Output)
	}
}

func TestProgramMissingTarget(t *testing.T) {
	cfg := bbcount.DefaultConfig()
	cfg.Output = filepath.Join(t.TempDir(), "bbcount.out")
	s, err := bbcount.NewSession(cfg)
	require.NoError(t, err)

	prog := NewProgram(filepath.Join(t.TempDir(), "missing"), nil)
	prog.OnFini(func(int) {
		t.Error("fini hook ran for a target that never started")
	})

	_, err = s.Run(context.Background(), prog)
	require.Error(t, err)
	require.NoFileExists(t, cfg.Output)
}
