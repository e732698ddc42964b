package simhost

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/acidghost/uberfuzz/host"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestHookOrder(t *testing.T) {
	var events []string
	h := New().
		AddModule(host.Module{Name: "a", Low: 0x1000, High: 0x1fff, Main: true}).
		AddTrace(0x1000, 0x1010).
		AddThread(func(cpu *CPU) error {
			events = append(events, "thread")
			return nil
		})
	h.OnModuleLoaded(func(m host.Module) {
		events = append(events, "module "+m.Name)
	})
	h.OnTraceCompiled(func(tr host.Trace) {
		events = append(events, "trace")
		require.Len(t, tr.Blocks(), 2)
		require.EqualValues(t, 0x1010, tr.Blocks()[1].Address())
	})
	h.OnFini(func(code int) {
		events = append(events, "fini")
		require.Zero(t, code)
	})

	code, err := h.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, code)
	require.Equal(t, []string{"module a", "trace", "thread", "fini"}, events)

	_, err = h.Run(context.Background())
	require.ErrorIs(t, err, ErrStarted)
}

func TestProbesFire(t *testing.T) {
	hits := make(map[uint64]int)
	h := New().
		AddTrace(0x1000, 0x2000).
		AddThread(func(cpu *CPU) error {
			if err := cpu.ExecN(0x1000, 4); err != nil {
				return err
			}
			return cpu.Exec(0x3000)
		})
	h.OnTraceCompiled(func(tr host.Trace) {
		tr.Blocks()[0].InsertCall(func(addr uint64) {
			hits[addr]++
		})
	})

	_, err := h.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[uint64]int{0x1000: 4}, hits)
	require.Equal(t, []uint64{0x1000}, h.Instrumented())
	require.Equal(t, 1, h.Probes(0x1000))
	require.Zero(t, h.Probes(0x2000))
}

func TestExit(t *testing.T) {
	h := New().AddThread(func(cpu *CPU) error {
		for {
			if err := cpu.Exec(0x1000); err != nil {
				return err
			}
		}
	})
	var fini []int
	h.OnFini(func(code int) {
		fini = append(fini, code)
	})
	h.Spawn(func() {
		h.Exit(7)
		h.Exit(9)
	})

	code, err := h.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, code)
	require.Equal(t, []int{7}, fini)
	h.Wait()
}

func TestThreadError(t *testing.T) {
	h := New().
		AddThread(func(cpu *CPU) error { return nil }).
		AddThread(func(cpu *CPU) error { return errors.New("crash") })

	code, err := h.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, code)
}

func TestContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := New().AddThread(func(cpu *CPU) error {
		cancel()
		<-cpu.Done()
		return cpu.Exec(0x1000)
	})

	code, err := h.Run(ctx)
	require.NoError(t, err)
	require.Zero(t, code)
}

func TestSymbolize(t *testing.T) {
	h := New().
		AddSymbol(Symbol{Name: "main", Low: 0x1000, High: 0x10ff}).
		AddSymbol(Symbol{Name: "helper", Low: 0x1100, High: 0x11ff})

	name, ok := h.Symbolize(0x10ff)
	require.True(t, ok)
	require.Equal(t, "main", name)

	name, ok = h.Symbolize(0x1100)
	require.True(t, ok)
	require.Equal(t, "helper", name)

	_, ok = h.Symbolize(0x2000)
	require.False(t, ok)
}
