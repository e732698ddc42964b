//go:build linux && amd64

package ptrace

import (
	"golang.org/x/sys/unix"
)

// A Tracer keeps track of a thread and allows running ptrace functions on
// that thread. All calls must come from the OS thread that attached.
type Tracer struct {
	pid int
}

// NewTracer returns a tracer for the given PID or TID.
func NewTracer(pid int) *Tracer {
	return &Tracer{
		pid: pid,
	}
}

// SetOptions changes the ptrace options.
func (t *Tracer) SetOptions(options int) error {
	return unix.PtraceSetOptions(t.pid, options)
}

// GetEventMsg returns the newest event message.
func (t *Tracer) GetEventMsg() (uint, error) {
	return unix.PtraceGetEventMsg(t.pid)
}

// Cont continues execution of the child until the next event.
func (t *Tracer) Cont(sig unix.Signal) error {
	return unix.PtraceCont(t.pid, int(sig))
}

// SingleStep executes one instruction in the child and stops it again.
func (t *Tracer) SingleStep() error {
	return unix.PtraceSingleStep(t.pid)
}

// Detach stops tracing the child and lets it continue.
func (t *Tracer) Detach() error {
	return unix.PtraceDetach(t.pid)
}

// SetRegs assigns the registers of the tracee.
func (t *Tracer) SetRegs(regs *unix.PtraceRegs) error {
	return unix.PtraceSetRegs(t.pid, regs)
}

// GetRegs fetches the registers of the tracee.
func (t *Tracer) GetRegs(regs *unix.PtraceRegs) error {
	return unix.PtraceGetRegs(t.pid, regs)
}

// PeekData reads len(data) bytes at 'addr' in the child and places the bytes
// in the data slice. It returns the amount of data read or an error.
func (t *Tracer) PeekData(addr uintptr, data []byte) (int, error) {
	var nread int
	for nread < len(data) {
		n, err := unix.PtracePeekData(t.pid, addr+uintptr(nread), data[nread:])
		if n == 0 || err != nil {
			return nread, err
		}
		nread += n
	}
	return nread, nil
}

// PokeData writes data to the child's memory at 'addr'. Text pages are
// writable through ptrace even when the mapping is not.
func (t *Tracer) PokeData(addr uintptr, data []byte) (int, error) {
	var nwritten int
	for nwritten < len(data) {
		n, err := unix.PtracePokeData(t.pid, addr+uintptr(nwritten), data[nwritten:])
		if n == 0 || err != nil {
			return nwritten, err
		}
		nwritten += n
	}
	return nwritten, nil
}
