package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alfaoz/groundcontrol/internal/cli"
	"github.com/alfaoz/groundcontrol/internal/mission"
	"github.com/alfaoz/groundcontrol/internal/session"
	"github.com/alfaoz/groundcontrol/internal/stations"
	"github.com/alfaoz/groundcontrol/internal/version"
	"golang.org/x/term"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, err := cli.Parse(args)
	if err != nil {
		printErr(err)
		cli.PrintHelp()
		return cli.ExitUsage
	}

	if opts.Help {
		cli.PrintHelp()
		return cli.ExitSuccess
	}

	if opts.VersionOnly {
		fmt.Printf("groundcontrol v%s\n", version.AppVersion)
		return cli.ExitSuccess
	}

	store, err := stations.NewStore(strings.TrimSpace(os.Getenv("GROUNDCONTROL_STATIONS_DIR")))
	if err != nil {
		printErr(fmt.Errorf("initialize stations store: %w", err))
		return cli.ExitFailure
	}

	svc := mission.NewService(logf)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	isTTY := isTerminalFile(os.Stdin) && isTerminalFile(os.Stdout)
	if cli.RequiresNonInteractive(opts, isTTY) {
		runner := &cli.Runner{Store: store, Mission: svc}
		code, err := runner.Run(ctx, opts)
		if err != nil {
			printErr(err)
		}
		return code
	}

	flow := cli.NewFlow(store, svc, session.NewPasswordCache())
	if err := flow.Run(ctx); err != nil {
		printErr(err)
		return cli.ExitFailure
	}
	return cli.ExitSuccess
}

func logf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[groundcontrol] "+format+"\n", args...)
}

func printErr(err error) {
	fmt.Fprintf(os.Stderr, "[groundcontrol] ERROR: %v\n", err)
}

func isTerminalFile(f *os.File) bool {
	fd := f.Fd()
	// Guard against uintptr->int overflow (paranoia, but keeps scanners quiet).
	if fd > uintptr(^uint(0)>>1) {
		return false
	}
	return term.IsTerminal(int(fd))
}
