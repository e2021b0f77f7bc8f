// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/clusterfs/cmd/clusterfs/cli"
	"github.com/bureau-foundation/clusterfs/lib/config"
	"github.com/bureau-foundation/clusterfs/lib/volume"
)

// globalFlags precede the subcommand: clusterfs [global flags] <command>.
type globalFlags struct {
	configPath     string
	logLevel       string
	logFormat      string
	identityFile   string
	passphraseFile string
	showVersion    bool
}

func (g *globalFlags) flagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("clusterfs", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	flagSet.StringVar(&g.configPath, "config", "", "volume config file (default $"+config.EnvironmentVariable+")")
	flagSet.StringVar(&g.logLevel, "log-level", "info", "debug, info, warn or error")
	flagSet.StringVar(&g.logFormat, "log-format", "", "text or json (default: text on a terminal, else json)")
	flagSet.StringVar(&g.identityFile, "identity-file", "", "file holding the AGE-SECRET-KEY-1 identity that opens the key file")
	flagSet.StringVar(&g.passphraseFile, "passphrase-file", "", "file holding the key file passphrase")
	flagSet.BoolVar(&g.showVersion, "version", false, "print version information and exit")
	return flagSet
}

func (g *globalFlags) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if g.configPath != "" {
		cfg, err = config.LoadFile(g.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// identity returns what unlocks cfg.KeyFile: the identity file, the
// passphrase file, or a passphrase typed at the terminal, in that
// order. It returns "" when the volume has no key file.
func (g *globalFlags) identity(cfg *config.Config) (string, error) {
	if cfg.KeyFile == "" {
		return "", nil
	}
	if g.identityFile != "" {
		return readSecretFile(g.identityFile)
	}
	if g.passphraseFile != "" {
		return readSecretFile(g.passphraseFile)
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return promptPassphrase("Passphrase for " + cfg.KeyFile + ": ")
	}
	return "", volume.ErrIdentityRequired
}

// openVolume loads the config and opens its volume. The caller closes
// the volume.
func (g *globalFlags) openVolume(ctx context.Context, logger *slog.Logger, registerer prometheus.Registerer) (*volume.Volume, *config.Config, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	identity, err := g.identity(cfg)
	if err != nil {
		return nil, nil, err
	}
	v, err := volume.Open(ctx, cfg, volume.Options{
		Identity:   identity,
		Registerer: registerer,
		Logger:     logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return v, cfg, nil
}

// readSecretFile returns the first line of path.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	line, _, _ := bytes.Cut(data, []byte("\n"))
	secret := strings.TrimSuffix(string(line), "\r")
	if secret == "" {
		return "", fmt.Errorf("%s is empty", path)
	}
	return secret, nil
}

func promptPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	passphrase, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	if len(passphrase) == 0 {
		return "", fmt.Errorf("empty passphrase")
	}
	return string(passphrase), nil
}

func parseObjectID(arg string) (uint64, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil || id == 0 {
		return 0, cli.Usagef("invalid object id %q", arg)
	}
	return id, nil
}

// closeVolume closes v and joins the error into *err, so that a failed
// final sync fails the command.
func closeVolume(v *volume.Volume, err *error) {
	if closeErr := v.Close(context.Background()); closeErr != nil && *err == nil {
		*err = fmt.Errorf("closing volume: %w", closeErr)
	}
}
