// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// clusterfs administers clusterfs volumes: key generation, object
// creation, byte-level reads and writes, truncation, inspection of the
// stored clusters, and FUSE mounts.
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

	"github.com/bureau-foundation/clusterfs/cmd/clusterfs/cli"
	"github.com/bureau-foundation/clusterfs/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		// Commands that print their own outcome return a SilentExit.
		var silent *cli.SilentExit
		if errors.As(err, &silent) {
			os.Exit(silent.Code)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var usage *cli.UsageError
		if errors.As(err, &usage) {
			os.Exit(cli.ExitUsage)
		}
		os.Exit(cli.ExitError)
	}
}

func run(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	global := &globalFlags{}
	flagSet := global.flagSet()
	flagSet.SetOutput(io.Discard)
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			rootCommand(global).PrintHelp(os.Stderr)
			return nil
		}
		return cli.Usagef("%v\n\nRun 'clusterfs --help' for usage.", err)
	}
	if global.showVersion {
		fmt.Fprintf(cli.Stdout, "clusterfs %s\n", version.Full())
		return nil
	}

	logger, err := cli.NewCommandLogger(global.logLevel, global.logFormat)
	if err != nil {
		return err
	}
	return rootCommand(global).Execute(ctx, flagSet.Args(), logger)
}
