// Command escalation runs the alert escalation service.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"escalation/internal/app"
	"escalation/internal/clock"
	"escalation/internal/config"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// run parses flags and either validates config (--check) or serves until
// SIGINT/SIGTERM. It returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("escalation", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configFile := flags.String("config-file", "", "path to one TOML config file")
	configDir := flags.String("config-dir", "", "path to directory with TOML config fragments")
	check := flags.Bool("check", false, "validate configuration, print selected backends and exit")
	if err := flags.Parse(args); err != nil {
		return exitUsage
	}

	source, err := config.FromCLI(*configFile, *configDir)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	if *check {
		cfg, err := config.LoadSnapshot(source)
		if err != nil {
			fmt.Fprintf(stderr, "config invalid: %v\n", err)
			return exitError
		}
		fmt.Fprintf(stdout, "config ok: mode=%s state=%s policy=%s timer=%s\n",
			cfg.Service.Mode, cfg.State.Backend, cfg.Policy.Backend, cfg.Timer.Backend)
		return exitOK
	}

	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		fmt.Fprintf(stderr, "service init failed: %v\n", err)
		return exitError
	}
	if err := service.Run(ctx); err != nil {
		fmt.Fprintf(stderr, "service run failed: %v\n", err)
		return exitError
	}
	return exitOK
}
