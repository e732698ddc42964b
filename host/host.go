// Package host describes the capabilities bbcount needs from an
// instrumentation host: module-load and trace-compile notifications, probe
// insertion, a finalization hook, and process-wide termination.
package host

import "context"

// A Probe is invoked once per execution of the block it is attached to. The
// argument is the start address of that block.
type Probe func(addr uint64)

// A Block is a basic block offered by the host at trace-compile time.
type Block interface {
	// Address returns the start address of the block.
	Address() uint64
	// InsertCall requests that p be invoked every time the block executes.
	InsertCall(p Probe)
}

// A Trace is a unit of compiled code made of one or more basic blocks.
type Trace interface {
	Blocks() []Block
}

// A Module is a loaded image (executable or shared library). Low and High are
// inclusive bounds.
type Module struct {
	Name string
	Low  uint64
	High uint64
	Main bool
}

// Host is implemented by instrumentation runtimes. Callbacks must be
// registered before Run is called.
type Host interface {
	// OnModuleLoaded registers fn to be called once per loaded module.
	OnModuleLoaded(fn func(Module))
	// OnTraceCompiled registers fn to be called once per compiled trace.
	OnTraceCompiled(fn func(Trace))
	// OnFini registers fn to run exactly once when the monitored process
	// exits, by any path, after the last probe invocation.
	OnFini(fn func(code int))
	// Spawn runs fn as an independent background task.
	Spawn(fn func())
	// Exit forcibly terminates the monitored process and all its threads.
	// The fini hooks still run.
	Exit(code int)
	// Run starts the monitored program and blocks until it has exited and
	// the fini hooks have run. It returns the exit code passed to the hooks.
	Run(ctx context.Context) (int, error)
}
