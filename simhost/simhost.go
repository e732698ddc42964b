// Package simhost is an in-process instrumentation host. It replays scripted
// module loads and trace compilations, then runs a set of goroutines that
// stand in for the threads of the monitored program. Every block a thread
// executes fires the probes attached to it.
//
// It exists so that the monitoring core can be driven deterministically
// without ptrace permissions.
package simhost

import (
	"context"
	"errors"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/acidghost/uberfuzz/host"
)

// ErrExited is returned by CPU.Exec once the program has been terminated.
var ErrExited = errors.New("program exited")

// ErrStarted is returned when Run is called twice.
var ErrStarted = errors.New("program already started")

// A Thread is the body of one simulated thread. Returning ErrExited (or nil)
// ends the thread normally; any other error makes the program exit with
// code 1.
type Thread func(cpu *CPU) error

// A Symbol names an inclusive address range.
type Symbol struct {
	Name string
	Low  uint64
	High uint64
}

// Host is a simulated instrumentation host. Modules, traces, threads and
// symbols must be added before Run.
type Host struct {
	modules []host.Module
	traces  [][]uint64
	threads []Thread
	symbols []Symbol

	onModule []func(host.Module)
	onTrace  []func(host.Trace)
	onFini   []func(int)

	mu     sync.RWMutex
	probes map[uint64][]host.Probe

	exitOnce sync.Once
	exitCode int
	exited   chan struct{}
	started  bool
	spawned  sync.WaitGroup
}

// New returns an empty simulated host.
func New() *Host {
	return &Host{
		probes: make(map[uint64][]host.Probe),
		exited: make(chan struct{}),
	}
}

// AddModule schedules a module load.
func (h *Host) AddModule(m host.Module) *Host {
	h.modules = append(h.modules, m)
	return h
}

// AddTrace schedules the compilation of a trace made of blocks starting at
// the given addresses.
func (h *Host) AddTrace(blocks ...uint64) *Host {
	h.traces = append(h.traces, blocks)
	return h
}

// AddThread adds a thread to the program.
func (h *Host) AddThread(t Thread) *Host {
	h.threads = append(h.threads, t)
	return h
}

// AddSymbol adds a function name used by Symbolize.
func (h *Host) AddSymbol(s Symbol) *Host {
	h.symbols = append(h.symbols, s)
	return h
}

// OnModuleLoaded implements host.Host.
func (h *Host) OnModuleLoaded(fn func(host.Module)) {
	h.onModule = append(h.onModule, fn)
}

// OnTraceCompiled implements host.Host.
func (h *Host) OnTraceCompiled(fn func(host.Trace)) {
	h.onTrace = append(h.onTrace, fn)
}

// OnFini implements host.Host.
func (h *Host) OnFini(fn func(code int)) {
	h.onFini = append(h.onFini, fn)
}

// Spawn implements host.Host.
func (h *Host) Spawn(fn func()) {
	h.spawned.Add(1)
	go func() {
		defer h.spawned.Done()
		fn()
	}()
}

// Exit implements host.Host. Threads observe the exit the next time they
// execute a block or check Done.
func (h *Host) Exit(code int) {
	h.exitOnce.Do(func() {
		h.mu.Lock()
		h.exitCode = code
		h.mu.Unlock()
		close(h.exited)
	})
}

// Probes returns the number of probes attached at addr.
func (h *Host) Probes(addr uint64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.probes[addr])
}

// Instrumented returns every address with at least one probe, sorted.
func (h *Host) Instrumented() []uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	addrs := make([]uint64, 0, len(h.probes))
	for a, ps := range h.probes {
		if len(ps) > 0 {
			addrs = append(addrs, a)
		}
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// Symbolize returns the name of the first symbol containing addr.
func (h *Host) Symbolize(addr uint64) (string, bool) {
	for _, s := range h.symbols {
		if addr >= s.Low && addr <= s.High {
			return s.Name, true
		}
	}
	return "", false
}

// Run loads the modules, compiles the traces, runs every thread to
// completion (or until Exit is called or ctx is done) and then runs the fini
// hooks. A cancelled context behaves like Exit(0).
func (h *Host) Run(ctx context.Context) (int, error) {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return 0, ErrStarted
	}
	h.started = true
	h.mu.Unlock()

	for _, m := range h.modules {
		for _, fn := range h.onModule {
			fn(m)
		}
	}
	for _, blocks := range h.traces {
		t := h.compile(blocks)
		for _, fn := range h.onTrace {
			fn(t)
		}
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			h.Exit(0)
		case <-stop:
		}
	}()

	var g errgroup.Group
	for _, t := range h.threads {
		t := t
		g.Go(func() error {
			err := t(&CPU{h: h})
			if errors.Is(err, ErrExited) {
				return nil
			}
			return err
		})
	}
	err := g.Wait()
	close(stop)

	code := 0
	if err != nil {
		code = 1
	}
	select {
	case <-h.exited:
		h.mu.RLock()
		code = h.exitCode
		h.mu.RUnlock()
	default:
	}

	for _, fn := range h.onFini {
		fn(code)
	}
	return code, nil
}

// Wait blocks until every task started with Spawn has returned.
func (h *Host) Wait() {
	h.spawned.Wait()
}

func (h *Host) compile(addrs []uint64) host.Trace {
	t := &trace{
		blocks: make([]host.Block, len(addrs)),
	}
	for i, a := range addrs {
		t.blocks[i] = &block{h: h, addr: a}
	}
	return t
}

func (h *Host) exec(addr uint64) error {
	select {
	case <-h.exited:
		return ErrExited
	default:
	}

	h.mu.RLock()
	probes := h.probes[addr]
	h.mu.RUnlock()
	for _, p := range probes {
		p(addr)
	}
	return nil
}

type trace struct {
	blocks []host.Block
}

func (t *trace) Blocks() []host.Block {
	return t.blocks
}

type block struct {
	h    *Host
	addr uint64
}

func (b *block) Address() uint64 {
	return b.addr
}

func (b *block) InsertCall(p host.Probe) {
	b.h.mu.Lock()
	b.h.probes[b.addr] = append(b.h.probes[b.addr], p)
	b.h.mu.Unlock()
}

// A CPU executes blocks on behalf of one simulated thread.
type CPU struct {
	h *Host
}

// Exec executes the block at addr once. It returns ErrExited if the program
// has been terminated.
func (c *CPU) Exec(addr uint64) error {
	return c.h.exec(addr)
}

// ExecN executes the block at addr n times.
func (c *CPU) ExecN(addr uint64, n int) error {
	for i := 0; i < n; i++ {
		if err := c.h.exec(addr); err != nil {
			return err
		}
	}
	return nil
}

// Done returns a channel that is closed once the program has been
// terminated.
func (c *CPU) Done() <-chan struct{} {
	return c.h.exited
}
