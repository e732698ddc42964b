package main

import (
	"time"

	"github.com/acidghost/uberfuzz/bbcount"
)

var opts struct {
	Output    string `short:"o" long:"output" default:"bbcount.out" description:"Write the block count table to this file"`
	Libc      uint   `long:"libc" default:"0" description:"Monitor libc basic blocks if non-zero"`
	Timeout   int    `short:"x" long:"timeout" default:"10000" description:"Kill the target after this many milliseconds (0 disables the timeout)"`
	Libraries string `short:"l" long:"libraries" description:"Shared libraries to monitor: comma-separated substrings of their names"`
	Summary   bool   `short:"s" long:"summary" description:"Show the hottest blocks after the run"`
	Top       int    `long:"top" default:"20" description:"Number of blocks in the summary (0 shows all)"`
	Csv       bool   `long:"csv" description:"Write the summary in CSV format"`
	Pprof     string `long:"pprof" description:"Also write the block counts as a pprof profile to this file"`
	Events    string `short:"e" long:"events" description:"Comma-separated list of perf events to count for the whole run (shown with --summary)"`
	List      string `long:"list" description:"List available events for {hardware, software, cache, trace} event types"`
	Kernel    bool   `long:"kernel" description:"Include kernel code in perf event counts"`
	Verbose   bool   `short:"V" long:"verbose" description:"Show verbose debug information"`
	Version   bool   `short:"v" long:"version" description:"Show version information"`
	Help      bool   `short:"h" long:"help" description:"Show this help message"`
}

// config converts the command-line options into a session configuration.
func config() bbcount.Config {
	return bbcount.Config{
		Output:      opts.Output,
		MonitorLibc: opts.Libc > 0,
		Timeout:     time.Duration(opts.Timeout) * time.Millisecond,
		Libraries:   bbcount.ParseLibraryList(opts.Libraries),
	}
}
