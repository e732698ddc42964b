//go:build linux && amd64

// Package utrace is an instrumentation host built on ptrace. It starts a
// program under ptrace, lets the dynamic loader map the program's libraries,
// and stops it at its entry point. At that point every file-backed module is
// reported, the code of each module is split into traces (one per function
// symbol) and basic blocks, and probes are implemented as software
// breakpoints. When a thread hits a breakpoint the probes run, the original
// instruction is single-stepped and the breakpoint is re-armed.
//
// While one thread steps over a breakpoint, the other threads of its thread
// group are held with SIGSTOP so none of them runs the block untrapped.
//
// Limitations: libraries loaded with dlopen after the entry point are not
// reported. Processes forked by the target keep their breakpoints and are
// counted too, until they call execve, at which point they are released.
//
// NOTE: all ptrace requests are issued from the goroutine running Run, which
// locks itself to its OS thread for the duration of the call.
package utrace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/prometheus/procfs"

	"github.com/acidghost/uberfuzz/host"
	"github.com/acidghost/uberfuzz/utrace/ptrace"
)

var (
	interrupt = []byte{0xCC}

	ErrInvalidBreakpoint = errors.New("invalid breakpoint")
	ErrExitedEarly       = errors.New("program exited before reaching its entry point")
	ErrStarted           = errors.New("program already started")
)

type breakpoint struct {
	addr   uint64
	orig   []byte
	probes []host.Probe
}

type thread struct {
	tracer *ptrace.Tracer
	// fresh threads have not yet reported their initial SIGSTOP
	fresh bool
	// stopping threads have a SIGSTOP sent by us still to be reported
	stopping bool
	tgid     int
}

// a wait status collected out of order, to be handled by the main loop
type waitEvent struct {
	wpid int
	ws   unix.WaitStatus
}

// A Program is a traced process together with the callbacks registered by
// the monitoring core. It implements host.Host.
type Program struct {
	target string
	args   []string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	onModule []func(host.Module)
	onTrace  []func(host.Trace)
	onFini   []func(int)
	onStart  []func(pid int)

	pid         int
	threads     map[int]*thread
	released    map[int]bool
	breakpoints map[uint64]*breakpoint
	modules     []*module
	queue       []waitEvent
	// tid of a stopped thread that ptrace requests for memory go through
	cur int

	mu         sync.Mutex
	started    bool
	forced     bool
	forcedCode int
}

// NewProgram returns a program that will run 'target args...' when Run is
// called. The program inherits the standard streams of the current process.
func NewProgram(target string, args []string) *Program {
	return &Program{
		target:      target,
		args:        args,
		Stdin:       os.Stdin,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
		threads:     make(map[int]*thread),
		released:    make(map[int]bool),
		breakpoints: make(map[uint64]*breakpoint),
	}
}

// OnModuleLoaded implements host.Host.
func (p *Program) OnModuleLoaded(fn func(host.Module)) {
	p.onModule = append(p.onModule, fn)
}

// OnTraceCompiled implements host.Host.
func (p *Program) OnTraceCompiled(fn func(host.Trace)) {
	p.onTrace = append(p.onTrace, fn)
}

// OnFini implements host.Host.
func (p *Program) OnFini(fn func(code int)) {
	p.onFini = append(p.onFini, fn)
}

// OnStart registers fn to be called with the PID of the target once it has
// been instrumented and just before it resumes execution.
func (p *Program) OnStart(fn func(pid int)) {
	p.onStart = append(p.onStart, fn)
}

// Spawn implements host.Host.
func (p *Program) Spawn(fn func()) {
	go fn()
}

// Exit implements host.Host. It kills the whole thread group of the target
// with SIGKILL; Run observes the death and runs the fini hooks with code. It
// is safe to call from any goroutine, and before the target has started.
func (p *Program) Exit(code int) {
	p.mu.Lock()
	if p.forced {
		p.mu.Unlock()
		return
	}
	p.forced = true
	p.forcedCode = code
	pid := p.pid
	p.mu.Unlock()

	if pid > 0 {
		logger.Infof("%d: forcing exit", pid)
		unix.Kill(pid, unix.SIGKILL)
	}
}

// Pid returns the PID of the target, or 0 if it has not started.
func (p *Program) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// Symbolize returns the demangled name of the function containing the
// runtime address addr.
func (p *Program) Symbolize(addr uint64) (string, bool) {
	for _, m := range p.modules {
		if m.contains(addr) {
			return m.symbolize(addr)
		}
	}
	return "", false
}

// Run implements host.Host. It returns an error without running the fini
// hooks if the target could not be started or instrumented, unless the
// failure was caused by Exit killing the target.
func (p *Program) Run(ctx context.Context) (int, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return 0, ErrStarted
	}
	p.started = true
	p.mu.Unlock()

	if err := p.start(); err != nil {
		return p.abort(err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			p.Exit(0)
		case <-stop:
		}
	}()

	if err := p.instrument(); err != nil {
		return p.abort(err)
	}

	for _, fn := range p.onStart {
		fn(p.pid)
	}

	code, err := p.loop()
	if err != nil {
		return p.abort(err)
	}
	p.fini(code)
	return code, nil
}

func (p *Program) fini(code int) {
	for _, fn := range p.onFini {
		fn(code)
	}
}

// abort kills the target after Run failed. A failure that follows Exit is
// the forced exit itself: the fini hooks run with the forced code.
func (p *Program) abort(err error) (int, error) {
	p.kill()

	p.mu.Lock()
	forced, code, pid := p.forced, p.forcedCode, p.pid
	p.mu.Unlock()
	if !forced || pid == 0 {
		return 0, err
	}
	logger.Debugf("%d: forced exit interrupted run: %v", pid, err)
	p.fini(code)
	return code, nil
}

func (p *Program) isForced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forced
}

// start forks and execs the target and waits for the exec stop.
func (p *Program) start() error {
	cmd := exec.Command(p.target, p.args...)
	cmd.Stdin = p.Stdin
	cmd.Stdout = p.Stdout
	cmd.Stderr = p.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Ptrace: true,
	}

	if err := cmd.Start(); err != nil {
		return err
	}
	pid := cmd.Process.Pid

	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, unix.WALL, nil); err != nil {
		return err
	}
	if !ws.Stopped() {
		return ErrExitedEarly
	}

	p.mu.Lock()
	p.pid = pid
	forced := p.forced
	p.mu.Unlock()

	p.threads[pid] = &thread{
		tracer: ptrace.NewTracer(pid),
		tgid:   pid,
	}
	p.cur = pid
	logger.Debugf("%d: started %s", pid, p.target)

	if forced {
		p.kill()
		return ErrExitedEarly
	}

	opts := unix.PTRACE_O_EXITKILL |
		unix.PTRACE_O_TRACECLONE |
		unix.PTRACE_O_TRACEFORK |
		unix.PTRACE_O_TRACEVFORK |
		unix.PTRACE_O_TRACEEXEC
	return p.threads[pid].tracer.SetOptions(opts)
}

// instrument runs the target to its entry point, reports its modules and
// compiles its traces.
func (p *Program) instrument() error {
	if err := p.runToEntry(); err != nil {
		return err
	}

	modules, err := readModules(p.pid)
	if err != nil {
		return err
	}
	p.modules = modules

	for _, m := range modules {
		logger.Debugf("%d: module %s 0x%x-0x%x", p.pid, m.Name, m.Low, m.High)
		for _, fn := range p.onModule {
			fn(m.Module)
		}
	}

	for _, m := range modules {
		if !m.exec {
			continue
		}
		if err := m.load(); err != nil {
			logger.Warnf("%s: %v", m.path, err)
			continue
		}
		logger.Debugf("%d: %s: %d functions (pie: %v)", p.pid, m.bin.Name(), len(m.bin.Funcs()), m.bin.Pie())
		for _, blocks := range m.traces() {
			t := p.compile(blocks)
			for _, fn := range p.onTrace {
				fn(t)
			}
		}
	}
	logger.Debugf("%d: %d breakpoints inserted", p.pid, len(p.breakpoints))
	return nil
}

func (p *Program) runToEntry() error {
	entry, err := auxvEntry(p.pid)
	if err != nil {
		return err
	}
	if err := p.setBreak(entry); err != nil {
		return err
	}
	logger.Debugf("%d: running to entry point 0x%x", p.pid, entry)

	tracer := p.threads[p.pid].tracer
	sig := unix.Signal(0)
	for {
		if err := tracer.Cont(sig); err != nil {
			return err
		}
		var ws unix.WaitStatus
		if _, err := unix.Wait4(p.pid, &ws, unix.WALL, nil); err != nil {
			return err
		}
		if ws.Exited() || ws.Signaled() {
			delete(p.threads, p.pid)
			return ErrExitedEarly
		}
		sig = 0
		if !ws.Stopped() {
			continue
		}
		if ws.StopSignal() != unix.SIGTRAP {
			sig = ws.StopSignal()
			continue
		}
		if ws.TrapCause() > 0 {
			continue
		}

		var regs unix.PtraceRegs
		if err := tracer.GetRegs(&regs); err != nil {
			return err
		}
		if regs.Rip-uint64(len(interrupt)) != entry {
			sig = unix.SIGTRAP
			continue
		}
		regs.Rip = entry
		if err := tracer.SetRegs(&regs); err != nil {
			return err
		}
		return p.removeBreak(entry)
	}
}

func (p *Program) compile(addrs []uint64) host.Trace {
	t := &trace{
		blocks: make([]host.Block, len(addrs)),
	}
	for i, a := range addrs {
		t.blocks[i] = &block{
			p:    p,
			addr: a,
		}
	}
	return t
}

// addProbe attaches probe to the breakpoint at addr, inserting the
// breakpoint if it does not exist yet.
func (p *Program) addProbe(addr uint64, probe host.Probe) {
	if p.isForced() {
		// the target is gone
		return
	}
	bp, ok := p.breakpoints[addr]
	if !ok {
		if err := p.setBreak(addr); err != nil {
			logger.Warnf("0x%x: cannot insert breakpoint: %v", addr, err)
			return
		}
		bp = p.breakpoints[addr]
	}
	bp.probes = append(bp.probes, probe)
}

func (p *Program) setBreak(addr uint64) error {
	if _, ok := p.breakpoints[addr]; ok {
		// breakpoint already exists
		return nil
	}

	tracer := p.threads[p.cur].tracer
	orig := make([]byte, len(interrupt))
	if _, err := tracer.PeekData(uintptr(addr), orig); err != nil {
		return err
	}
	if _, err := tracer.PokeData(uintptr(addr), interrupt); err != nil {
		return err
	}

	p.breakpoints[addr] = &breakpoint{
		addr: addr,
		orig: orig,
	}
	return nil
}

func (p *Program) removeBreak(addr uint64) error {
	bp, ok := p.breakpoints[addr]
	if !ok {
		return ErrInvalidBreakpoint
	}
	_, err := p.threads[p.cur].tracer.PokeData(uintptr(addr), bp.orig)
	delete(p.breakpoints, addr)
	return err
}

// loop resumes the target and dispatches ptrace stops until the thread group
// leader exits. It returns the exit code for the fini hooks.
func (p *Program) loop() (int, error) {
	if err := p.threads[p.pid].tracer.Cont(0); err != nil {
		return 0, err
	}

	for {
		wpid, ws, err := p.wait()
		if err == unix.EINTR {
			continue
		} else if err == unix.ECHILD {
			return p.exitCode(ws), nil
		} else if err != nil {
			return 0, err
		}

		if ws.Exited() || ws.Signaled() {
			if done := p.reap(wpid, ws); done {
				return p.exitCode(ws), nil
			}
			continue
		}
		if !ws.Stopped() {
			continue
		}

		t, ok := p.threads[wpid]
		if !ok {
			if p.released[wpid] {
				continue
			}
			// a new thread or child can report its first stop before
			// its parent reports the clone event
			t = &thread{
				tracer: ptrace.NewTracer(wpid),
				fresh:  true,
			}
			p.threads[wpid] = t
			logger.Debugf("%d: new thread (tracing enabled)", wpid)
		}
		p.cur = wpid

		var sig unix.Signal
		switch {
		case ws.StopSignal() == unix.SIGSTOP && (t.fresh || t.stopping):
			t.fresh, t.stopping = false, false
		case ws.StopSignal() != unix.SIGTRAP:
			logger.Debugf("%d: received signal '%s'", wpid, ws.StopSignal())
			sig = ws.StopSignal()
		case ws.TrapCause() > 0:
			if p.event(wpid, t, ws.TrapCause()) {
				continue
			}
		default:
			handled, pending, exited, err := p.handleInterrupt(wpid, t)
			if err != nil {
				return 0, err
			}
			if exited != nil {
				if done := p.reap(wpid, *exited); done {
					return p.exitCode(*exited), nil
				}
				continue
			}
			if !handled {
				sig = unix.SIGTRAP
			} else {
				sig = pending
			}
		}

		if err := t.tracer.Cont(sig); err != nil {
			logger.Debugf("%d: cont: %v", wpid, err)
		}
	}
}

// wait returns the next queued wait status, or waits for any traced thread.
func (p *Program) wait() (int, unix.WaitStatus, error) {
	var ws unix.WaitStatus
	if len(p.queue) > 0 {
		ev := p.queue[0]
		p.queue = p.queue[1:]
		return ev.wpid, ev.ws, nil
	}
	wpid, err := unix.Wait4(-1, &ws, unix.WALL, nil)
	return wpid, ws, err
}

func (p *Program) queued(tid int) bool {
	for _, ev := range p.queue {
		if ev.wpid == tid {
			return true
		}
	}
	return false
}

// tgid returns the thread group of a traced thread.
func (p *Program) tgid(tid int, t *thread) int {
	if t.tgid != 0 {
		return t.tgid
	}
	t.tgid = tid
	if proc, err := procfs.NewProc(tid); err == nil {
		if st, err := proc.NewStatus(); err == nil {
			t.tgid = st.TGID
		}
	}
	return t.tgid
}

// stopSiblings stops the running threads that share wpid's address space
// and returns the ones now held in a SIGSTOP. A thread that reports another
// stop first is queued for the main loop and sees its SIGSTOP later.
func (p *Program) stopSiblings(wpid int, t *thread) []int {
	tgid := p.tgid(wpid, t)

	var sent []int
	for tid, other := range p.threads {
		if tid == wpid || other.fresh || p.queued(tid) || p.tgid(tid, other) != tgid {
			continue
		}
		if !other.stopping {
			if err := unix.Tgkill(tgid, tid, unix.SIGSTOP); err != nil {
				continue
			}
			other.stopping = true
		}
		sent = append(sent, tid)
	}

	var held []int
	for _, tid := range sent {
		var ws unix.WaitStatus
		_, err := unix.Wait4(tid, &ws, unix.WALL, nil)
		for err == unix.EINTR {
			_, err = unix.Wait4(tid, &ws, unix.WALL, nil)
		}
		if err != nil {
			continue
		}
		if ws.Stopped() && ws.StopSignal() == unix.SIGSTOP {
			p.threads[tid].stopping = false
			held = append(held, tid)
			continue
		}
		p.queue = append(p.queue, waitEvent{wpid: tid, ws: ws})
	}
	return held
}

func (p *Program) resumeSiblings(held []int) {
	for _, tid := range held {
		if t, ok := p.threads[tid]; ok {
			if err := t.tracer.Cont(0); err != nil {
				logger.Debugf("%d: cont: %v", tid, err)
			}
		}
	}
}

// event handles a PTRACE_EVENT stop. It returns true if the thread was
// released and must not be continued.
func (p *Program) event(wpid int, t *thread, cause int) bool {
	switch cause {
	case unix.PTRACE_EVENT_CLONE, unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK:
		msg, err := t.tracer.GetEventMsg()
		if err != nil {
			logger.Debugf("%d: event message: %v", wpid, err)
			return false
		}
		child := int(msg)
		if _, ok := p.threads[child]; !ok {
			p.threads[child] = &thread{
				tracer: ptrace.NewTracer(child),
				fresh:  true,
			}
		}
		logger.Debugf("%d: created %d", wpid, child)
	case unix.PTRACE_EVENT_EXEC:
		if wpid == p.pid {
			// the new image has none of our breakpoints
			logger.Infof("%d: called exec(), counting stopped", wpid)
			p.breakpoints = make(map[uint64]*breakpoint)
			return false
		}
		logger.Debugf("%d: called exec() (tracing disabled)", wpid)
		t.tracer.Detach()
		delete(p.threads, wpid)
		p.released[wpid] = true
		return true
	}
	return false
}

// handleInterrupt handles a SIGTRAP. If the trap comes from one of our
// breakpoints, the probes run and the original instruction is stepped over.
// It returns a signal that arrived during the step and must be delivered, and
// the wait status if the thread died while stepping.
func (p *Program) handleInterrupt(wpid int, t *thread) (bool, unix.Signal, *unix.WaitStatus, error) {
	var regs unix.PtraceRegs
	if err := t.tracer.GetRegs(&regs); err != nil {
		return false, 0, nil, err
	}
	pc := regs.Rip - uint64(len(interrupt))
	bp, ok := p.breakpoints[pc]
	if !ok {
		return false, 0, nil, nil
	}

	for _, probe := range bp.probes {
		probe(pc)
	}

	held := p.stopSiblings(wpid, t)
	defer p.resumeSiblings(held)

	regs.Rip = pc
	if err := t.tracer.SetRegs(&regs); err != nil {
		return false, 0, nil, err
	}
	if _, err := t.tracer.PokeData(uintptr(pc), bp.orig); err != nil {
		return false, 0, nil, err
	}

	var pending unix.Signal
	for {
		if err := t.tracer.SingleStep(); err != nil {
			return false, 0, nil, err
		}
		var ws unix.WaitStatus
		if _, err := unix.Wait4(wpid, &ws, unix.WALL, nil); err != nil {
			return false, 0, nil, err
		}
		if ws.Exited() || ws.Signaled() {
			return true, 0, &ws, nil
		}
		if ws.Stopped() && ws.StopSignal() == unix.SIGSTOP && t.stopping {
			t.stopping = false
			continue
		}
		if ws.Stopped() && ws.StopSignal() != unix.SIGTRAP {
			// the instruction did not run, deliver the signal later
			pending = ws.StopSignal()
			continue
		}
		break
	}

	if _, err := t.tracer.PokeData(uintptr(pc), interrupt); err != nil {
		return false, 0, nil, err
	}
	return true, pending, nil, nil
}

// reap forgets a dead thread and returns true if it was the thread group
// leader.
func (p *Program) reap(wpid int, ws unix.WaitStatus) bool {
	delete(p.threads, wpid)
	if wpid != p.pid {
		logger.Debugf("%d: exited", wpid)
		return false
	}
	if ws.Signaled() {
		logger.Debugf("%d: killed by '%s'", wpid, ws.Signal())
	} else {
		logger.Debugf("%d: exited with status %d", wpid, ws.ExitStatus())
	}
	return true
}

func (p *Program) exitCode(ws unix.WaitStatus) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.forced {
		return p.forcedCode
	}
	if ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ws.ExitStatus()
}

// kill terminates and reaps the traced threads that are still alive. It is
// used when Run fails after the target was started.
func (p *Program) kill() {
	for _, ev := range p.queue {
		if ev.ws.Exited() || ev.ws.Signaled() {
			delete(p.threads, ev.wpid)
		}
	}
	p.queue = nil

	for tid := range p.threads {
		unix.Kill(tid, unix.SIGKILL)
	}
	for len(p.threads) > 0 {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(-1, &ws, unix.WALL, nil)
		if err != nil {
			break
		}
		if ws.Exited() || ws.Signaled() {
			delete(p.threads, wpid)
		}
	}
}

// String returns the command line of the program.
func (p *Program) String() string {
	return fmt.Sprintf("%s %v", p.target, p.args)
}

type trace struct {
	blocks []host.Block
}

func (t *trace) Blocks() []host.Block {
	return t.blocks
}

type block struct {
	p    *Program
	addr uint64
}

func (b *block) Address() uint64 {
	return b.addr
}

func (b *block) InsertCall(probe host.Probe) {
	b.p.addProbe(b.addr, probe)
}
