// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/clusterfs/cmd/clusterfs/cli"
	"github.com/bureau-foundation/clusterfs/lib/keyfile"
)

func keygenCommand(global *globalFlags) *cli.Command {
	var (
		out              string
		recipient        string
		newIdentity      string
		scryptWorkFactor int
	)
	command := &cli.Command{
		Name:    "keygen",
		Summary: "Generate a master key and seal it into a key file",
		Description: `Generate a random master key and write it, sealed with age, to a new
key file. The key is sealed to an X25519 recipient when one is given
or generated, and to a passphrase otherwise. The passphrase comes from
--passphrase-file or is prompted for twice.

The output defaults to the key_file of the volume config. Existing
files are never overwritten.`,
		Usage: "clusterfs keygen [flags]",
		Examples: []cli.Example{
			{Description: "Seal to a new identity kept beside the key", Command: "clusterfs keygen --out volume.key --new-identity volume.identity"},
			{Description: "Seal to a passphrase", Command: "clusterfs --passphrase-file pass.txt keygen --out volume.key"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
			flagSet.StringVar(&out, "out", "", "key file to create (default: key_file of the config)")
			flagSet.StringVar(&recipient, "recipient", "", "age1... public key to seal to")
			flagSet.StringVar(&newIdentity, "new-identity", "", "generate an identity, write its secret here, and seal to it")
			flagSet.IntVar(&scryptWorkFactor, "scrypt-work-factor", 0, "log2 scrypt cost for passphrase sealing (default: age's)")
			return flagSet
		},
	}
	command.Run = func(_ context.Context, args []string, logger *slog.Logger) error {
		if err := command.RequireArgs(args, 0); err != nil {
			return err
		}
		if recipient != "" && newIdentity != "" {
			return cli.Usagef("--recipient and --new-identity are mutually exclusive")
		}
		if out == "" {
			cfg, err := global.loadConfig()
			if err != nil {
				return err
			}
			if cfg.KeyFile == "" {
				return cli.Usagef("--out is required when the config has no key_file")
			}
			out = cfg.KeyFile
		}

		sealTo := recipient
		if newIdentity != "" {
			identity, err := keyfile.GenerateIdentity()
			if err != nil {
				return err
			}
			defer identity.Close()
			if err := writeSecret(newIdentity, identity.Private.Bytes()); err != nil {
				return fmt.Errorf("writing identity: %w", err)
			}
			sealTo = identity.Public
		}
		if sealTo == "" {
			passphrase, err := newPassphrase(global)
			if err != nil {
				return err
			}
			sealTo = passphrase
		}

		key, err := keyfile.Generate()
		if err != nil {
			return err
		}
		defer key.Close()
		if err := keyfile.WriteFileWith(out, key, sealTo, keyfile.Options{ScryptWorkFactor: scryptWorkFactor}); err != nil {
			return fmt.Errorf("writing key file: %w", err)
		}
		logger.Info("key file written", "path", out, "identity_file", newIdentity)
		fmt.Fprintln(cli.Stdout, out)
		return nil
	}
	return command
}

// writeSecret creates path with mode 0600 and writes data followed by
// a newline. It refuses to overwrite.
func writeSecret(path string, data []byte) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(path)
		return err
	}
	if _, err := file.Write([]byte("\n")); err != nil {
		file.Close()
		os.Remove(path)
		return err
	}
	return file.Close()
}

func newPassphrase(global *globalFlags) (string, error) {
	if global.passphraseFile != "" {
		return readSecretFile(global.passphraseFile)
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", cli.Usagef("no recipient given: pass --recipient, --new-identity or --passphrase-file")
	}
	first, err := promptPassphrase("New passphrase: ")
	if err != nil {
		return "", err
	}
	second, err := promptPassphrase("Repeat passphrase: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("passphrases do not match")
	}
	return first, nil
}
