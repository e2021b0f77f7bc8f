// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the command framework of the clusterfs binary: a tree
// of [Command] values with pflag flag sets, generated help, typo
// suggestions for commands and flags, optional --json output, and the
// invocation logger.
//
// Errors returned from Execute carry their exit code: [UsageError] for
// command-line mistakes (exit 2), [SilentExit] for commands that have
// already reported their outcome, anything else exits 1.
package cli
