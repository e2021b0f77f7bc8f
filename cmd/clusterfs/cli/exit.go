// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import "fmt"

// Exit codes of the clusterfs binary.
const (
	ExitOK    = 0
	ExitError = 1
	ExitUsage = 2
)

// SilentExit signals a non-zero exit code without printing an extra
// error message. The command is expected to have already written its
// own output.
type SilentExit struct {
	Code int
}

func (e *SilentExit) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// ExitCode returns the exit code.
func (e *SilentExit) ExitCode() int {
	return e.Code
}

// UsageError is a mistake on the command line. main prints it and
// exits with ExitUsage.
type UsageError struct {
	Err error
}

// Usagef formats a UsageError.
func Usagef(format string, args ...any) error {
	return &UsageError{Err: fmt.Errorf(format, args...)}
}

func (e *UsageError) Error() string { return e.Err.Error() }

func (e *UsageError) Unwrap() error { return e.Err }

// ExitCode returns ExitUsage.
func (e *UsageError) ExitCode() int { return ExitUsage }
