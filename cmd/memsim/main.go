// Package main provides the memsim command: a harness that drives the
// memory allocator simulator from scenario files. It handles subcommand
// routing and delegates the memory semantics to the internal packages.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/memsim-project/memsim/internal/cli"
	"github.com/memsim-project/memsim/internal/script"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	sub := os.Args[1]
	args := os.Args[2:]

	switch sub {
	case "help", "-h", "--help":
		usage()
	case "version", "-v", "--version":
		jsonOutput := false

		for _, arg := range args {
			if arg == "--json" || arg == "-j" {
				jsonOutput = true

				break
			}
		}

		cli.PrintVersion("memsim", jsonOutput)
		os.Exit(0)
	case "run":
		must(runScenario(args))
	case "watch":
		must(watchScenario(args))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", sub)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`memsim - memory allocator simulator

Usage:
  memsim run [-verbose] [-metrics-addr host:port] <scenario.yaml>
  memsim watch [-verbose] <scenario.yaml>
  memsim version [--json]

Commands:
  run      Execute a scenario file once and print a report
  watch    Re-run a scenario whenever the file changes
  version  Show version information`)
}

func must(err error) {
	if err != nil {
		cli.ExitWithError("%v", err)
	}
}

// newLogger builds the event logger. Quiet runs still log collection
// cycles; verbose runs log every allocation.
func newLogger(verbose bool) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	if verbose {
		return level.NewFilter(logger, level.AllowDebug())
	}

	return level.NewFilter(logger, level.AllowInfo())
}

func runScenario(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	verbose := fs.Bool("verbose", false, "log every memory event")
	metricsAddr := fs.String("metrics-addr", "", "serve prometheus metrics on this address during the run")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() != 1 {
		return fmt.Errorf("run expects exactly one scenario file")
	}

	return runOnce(fs.Arg(0), newLogger(*verbose), *metricsAddr)
}

func runOnce(path string, logger log.Logger, metricsAddr string) error {
	sc, err := script.Load(path)
	if err != nil {
		return err
	}

	runner := script.NewRunner(logger)

	// The metrics listener, when requested, outlives the run so a scrape
	// can observe the end state.
	if metricsAddr != "" {
		return runWithMetrics(runner, sc, metricsAddr)
	}

	result, err := runner.Run(sc)
	if err != nil {
		return err
	}

	report(result)

	return nil
}

func runWithMetrics(runner *script.Runner, sc *script.Scenario, addr string) error {
	registry := prometheus.NewRegistry()

	result, err := runner.RunInstrumented(sc, registry)
	if err != nil {
		return err
	}

	report(result)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	fmt.Printf("serving metrics on %s (ctrl-c to stop)\n", addr)

	server := &http.Server{Addr: addr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}

		return nil
	})
	g.Go(func() error {
		<-ctx.Done()

		return server.Close()
	})

	return g.Wait()
}

func watchScenario(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	verbose := fs.Bool("verbose", false, "log every memory event")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() != 1 {
		return fmt.Errorf("watch expects exactly one scenario file")
	}

	path := fs.Arg(0)
	logger := newLogger(*verbose)

	if err := runOnce(path, logger, ""); err != nil {
		fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory rather than the file: editors replace files on
	// save, which drops a direct file watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		target := filepath.Clean(path)

		for {
			select {
			case <-ctx.Done():
				return nil
			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}

				if filepath.Clean(event.Name) != target {
					continue
				}

				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}

				fmt.Printf("--- %s changed, re-running\n", path)

				if err := runOnce(path, logger, ""); err != nil {
					fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}

				fmt.Fprintf(os.Stderr, "watch error: %v\n", err)
			}
		}
	})

	return g.Wait()
}

func report(result *script.Result) {
	name := result.Name
	if name == "" {
		name = "scenario"
	}

	fmt.Printf("%s: %d ops executed\n", name, result.Executed)
	fmt.Printf("  heap: %s live, %s free in %d blocks (peak %s)\n",
		humanize.IBytes(result.HeapStats.BytesLive),
		humanize.IBytes(result.HeapStats.BytesFree),
		result.HeapStats.FreeBlockCount,
		humanize.IBytes(result.HeapStats.PeakLive))
	fmt.Printf("  fragmentation: %.3f\n", result.Fragmentation)

	if result.Collected > 0 {
		fmt.Printf("  collected: %d objects\n", result.Collected)
	}

	if len(result.Leaks) == 0 {
		fmt.Println("  no leaks detected")

		return
	}

	fmt.Printf("  detected %d leaked allocations:\n", len(result.Leaks))

	for _, leak := range result.Leaks {
		fmt.Printf("    allocation %d still owned by %q\n", leak.ID, leak.Owner)
	}
}
