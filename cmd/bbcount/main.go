package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"
	"github.com/zyedidia/perf"

	"github.com/acidghost/uberfuzz/bbcount"
	"github.com/acidghost/uberfuzz/perfcount"
	"github.com/acidghost/uberfuzz/utrace"
)

func fatal(a ...interface{}) {
	fmt.Fprintln(os.Stderr, a...)
	os.Exit(1)
}

func must(desc string, err error) {
	if err != nil {
		fatal(desc, ":", err)
	}
}

func metricsWriter(w io.Writer) bbcount.MetricsWriter {
	if opts.Csv {
		return bbcount.NewCSVWriter(w)
	}
	return bbcount.NewTableWriter(w)
}

func main() {
	flagparser := flags.NewParser(&opts, flags.PassDoubleDash|flags.PassAfterNonOption|flags.PrintErrors)
	flagparser.Usage = "[OPTIONS] [--] COMMAND [ARGS]"
	flagparser.ShortDescription = "count basic block executions"
	args, err := flagparser.Parse()
	if err != nil {
		os.Exit(1)
	}

	if opts.Version {
		fmt.Println("bbcount version", versionString())
		os.Exit(0)
	}

	if opts.Help {
		flagparser.WriteHelp(os.Stdout)
		os.Exit(0)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	if opts.Verbose {
		logger.SetOutput(os.Stderr)
		logger.SetLevel(logrus.DebugLevel)
		bbcount.SetLogger(logger)
		utrace.SetLogger(logger)
	}

	if opts.List != "" {
		events, err := perfcount.AvailableEvents(opts.List)
		must("list", err)
		if len(events) == 0 {
			fmt.Println("No events found, do you have the right permissions?")
		}
		for _, e := range events {
			fmt.Printf("[%s event]: %s\n", opts.List, e)
		}
		os.Exit(0)
	}

	if len(args) <= 0 {
		fmt.Fprintln(os.Stderr, "This tool counts the number of basic blocks executed with their frequencies")
		flagparser.WriteHelp(os.Stderr)
		os.Exit(1)
	}

	var configs []perf.Configurator
	if opts.Events != "" {
		configs, err = perfcount.ParseEventList(opts.Events)
		must("event-parse", err)
	}

	// the output file is opened here so that the target never starts if it
	// is not writable
	sess, err := bbcount.NewSession(config())
	if err != nil {
		flagparser.WriteHelp(os.Stderr)
		fatal("config :", err)
	}

	prog := utrace.NewProgram(args[0], args[1:])

	var counters *perfcount.Counters
	if len(configs) > 0 {
		prog.OnStart(func(pid int) {
			var err error
			counters, err = perfcount.Open(pid, configs, perf.Options{
				ExcludeKernel:     !opts.Kernel,
				ExcludeHypervisor: true,
			})
			if err != nil {
				fmt.Fprintln(os.Stderr, "perf-open :", err)
			}
			logger.Debugf("%d: %d/%d perf counters open", pid, counters.Len(), len(configs))
			if err := counters.Enable(); err != nil {
				fmt.Fprintln(os.Stderr, "perf-enable :", err)
			}
		})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	code, err := sess.Run(ctx, prog)
	must("run", err)

	stats := sess.Stats()
	logger.Infof("target exited with code %d: %d/%d modules monitored, %d probes, %d blocks executed %d times",
		code, stats.Monitored, stats.Modules, stats.Probes, sess.Table().Len(), sess.Table().Total())

	if opts.Pprof != "" {
		f, err := os.Create(opts.Pprof)
		must("pprof", err)
		err = bbcount.WriteProfile(f, sess.Table(), sess.Regions(), prog, sess.Elapsed())
		f.Close()
		must("pprof", err)
	}

	if opts.Summary {
		summary := bbcount.Summarize(sess.Table(), sess.Regions(), prog, opts.Top)
		summary.WriteTo(metricsWriter(os.Stdout))

		if counters != nil {
			counters.Disable()
			results, err := counters.Results()
			if err != nil {
				fmt.Fprintln(os.Stderr, "perf-read :", err)
			}
			results.WriteTo(metricsWriter(os.Stdout))
		}
	}
	if counters != nil {
		counters.Close()
	}
}
