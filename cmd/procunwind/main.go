// Copyright The ProcUnwind Authors
// SPDX-License-Identifier: Apache-2.0

// procunwind inspects the unwind metadata of running processes: it attaches
// to the given PIDs, discovers their loaded objects, maps the unwind
// sections and prints what it found.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/peterbourgon/ff/v3"
	"golang.org/x/sync/errgroup"

	"github.com/procunwind/procunwind/libpf"
	"github.com/procunwind/procunwind/log"
	"github.com/procunwind/procunwind/process"
	"github.com/procunwind/procunwind/unwind"
)

var (
	pidsHelp    = "Comma-separated list of PIDs to inspect."
	verboseHelp = "Enable verbose logging."
)

type arguments struct {
	pids    string
	verbose bool
}

func parseArgs() (*arguments, error) {
	var args arguments

	fs := flag.NewFlagSet("procunwind", flag.ExitOnError)
	fs.StringVar(&args.pids, "pids", "", pidsHelp)
	fs.BoolVar(&args.verbose, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&args.verbose, "verbose", false, verboseHelp)
	fs.Usage = func() {
		fs.PrintDefaults()
	}

	err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("PROCUNWIND"))
	if err != nil {
		return nil, err
	}
	if args.pids == "" {
		return nil, fmt.Errorf("no PIDs given, use -pids")
	}
	return &args, nil
}

func parsePIDs(arg string) ([]libpf.PID, error) {
	var pids []libpf.PID
	for _, field := range strings.Split(arg, ",") {
		pid, err := strconv.ParseUint(strings.TrimSpace(field), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad PID %q: %w", field, err)
		}
		pids = append(pids, libpf.PID(pid))
	}
	return pids, nil
}

func inspectProcess(pid libpf.PID) error {
	pr := process.New(pid)
	defer pr.Close()

	compat, err := pr.IsCompat()
	if err != nil {
		return fmt.Errorf("PID %d: %w", pid, err)
	}
	ctx, err := unwind.NewContext(pr, compat)
	if err != nil {
		return err
	}
	defer ctx.Teardown()

	if err = ctx.Discover(); err != nil {
		return fmt.Errorf("PID %d: %w", pid, err)
	}

	records := ctx.Modules()
	fmt.Printf("PID %d: %d modules with unwind metadata\n", pid, len(records))
	for _, mr := range records {
		fmt.Printf("  %#16x hdr %#x+%#x eh_frame %#x+%#x dynamic=%v %s\n",
			uint64(mr.ObjAddr), uint64(mr.HdrAddr()), mr.HdrSize,
			uint64(mr.EhFrameAddr), mr.EhFrameLen, mr.Dynamic, mr.Name)
	}
	return nil
}

func mainWithExitCode() int {
	args, err := parseArgs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse command line: %v\n", err)
		return 1
	}
	if args.verbose {
		log.SetLevel(slog.LevelDebug)
	}

	pids, err := parsePIDs(args.pids)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	var g errgroup.Group
	for _, pid := range pids {
		pid := pid
		g.Go(func() error {
			return inspectProcess(pid)
		})
	}
	if err = g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(mainWithExitCode())
}
