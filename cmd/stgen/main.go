package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/zsiec/stgen/pkg/version"
)

// errQoSFailed makes validate exit non-zero without printing an error line.
var errQoSFailed = errors.New("qos validation failed")

type command struct {
	name  string
	usage string
	flags func(fs *pflag.FlagSet)
	run   func(ctx context.Context, env *environment, fs *pflag.FlagSet) error
}

var commands = []command{
	{"send", "generate paced UDP traffic towards a receiver", sendFlags, runSend},
	{"recv", "receive traffic and measure loss and latency", recvFlags, runRecv},
	{"analyze", "analyze a pcap capture or a recv.log offline", analyzeFlags, runAnalyze},
	{"validate", "check a run summary against QoS thresholds", validateFlags, runValidate},
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Fprintln(stdout, version.GetInfo().String())
		return 0
	case "help", "--help", "-h":
		usage(stdout)
		return 0
	}

	cmd, ok := lookup(args[0])
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		usage(stderr)
		return 2
	}

	fs := pflag.NewFlagSet("stgen "+cmd.name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	commonFlags(fs)
	cmd.flags(fs)
	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	env, err := newEnvironment(fs, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "stgen %s: %v\n", cmd.name, err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			env.log.WithField("signal", sig.String()).Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	err = cmd.run(ctx, env, fs)
	env.close()

	switch {
	case err == nil:
		return 0
	case errors.Is(err, errQoSFailed):
		return 1
	default:
		env.log.WithError(err).Error("Command failed")
		fmt.Fprintf(stderr, "stgen %s: %v\n", cmd.name, err)
		return 1
	}
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "Usage: stgen <command> [flags]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-9s %s\n", c.name, c.usage)
	}
	fmt.Fprintf(w, "  %-9s %s\n", "version", "print build information")
	fmt.Fprintf(w, "\nRun 'stgen <command> --help' for command flags.\n")
}
