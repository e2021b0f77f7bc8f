// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/clusterfs/cmd/clusterfs/cli"
	"github.com/bureau-foundation/clusterfs/lib/version"
)

// rootCommand builds the command tree. global is filled by the
// caller's parse of the leading flags.
func rootCommand(global *globalFlags) *cli.Command {
	return &cli.Command{
		Name: "clusterfs",
		Description: `clusterfs: compressed, encrypted files over a storage tree.

Every object is a sequence of fixed-size logical clusters. Each cluster
is compressed, padded, encrypted and checked independently, and stored
as a chain of tree items. The volume config selects the tree backend,
the default transforms of new files, and the writeback policy.`,
		Usage: "clusterfs [global flags] <command> [flags]",
		Flags: func() *pflag.FlagSet { return new(globalFlags).flagSet() },
		Subcommands: []*cli.Command{
			initCommand(global),
			keygenCommand(global),
			createCommand(global),
			writeCommand(global),
			readCommand(global),
			truncateCommand(global),
			statCommand(global),
			lsCommand(global),
			rmCommand(global),
			syncCommand(global),
			mountCommand(global),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(_ context.Context, _ []string, _ *slog.Logger) error {
					fmt.Fprintf(cli.Stdout, "clusterfs %s\n", version.Full())
					return nil
				},
			},
		},
	}
}
