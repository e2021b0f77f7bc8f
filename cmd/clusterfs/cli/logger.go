// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// Stderr receives log output. Tests replace it.
var Stderr io.Writer = os.Stderr

// NewCommandLogger creates the structured logger for one invocation.
// format is "text", "json" or "" (auto). Auto uses slog.TextHandler when
// stderr is a terminal and slog.JSONHandler when it is piped or
// redirected, so scripts and log collectors get machine-parseable
// lines.
func NewCommandLogger(level, format string) (*slog.Logger, error) {
	terminal := Stderr == io.Writer(os.Stderr) && term.IsTerminal(int(os.Stderr.Fd()))
	return newLogger(Stderr, level, format, terminal)
}

func newLogger(w io.Writer, level, format string, terminal bool) (*slog.Logger, error) {
	var parsed slog.Level
	if err := parsed.UnmarshalText([]byte(level)); err != nil {
		return nil, Usagef("invalid --log-level %q (want debug, info, warn or error)", level)
	}
	options := &slog.HandlerOptions{Level: parsed}

	switch strings.ToLower(format) {
	case "":
		if terminal {
			return slog.New(slog.NewTextHandler(w, options)), nil
		}
		return slog.New(slog.NewJSONHandler(w, options)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, options)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, options)), nil
	default:
		return nil, Usagef("invalid --log-format %q (want text or json)", format)
	}
}
