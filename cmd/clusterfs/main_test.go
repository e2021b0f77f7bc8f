// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/clusterfs/cmd/clusterfs/cli"
	"github.com/bureau-foundation/clusterfs/lib/cryptcompress"
)

func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buffer bytes.Buffer
	previous := cli.Stdout
	cli.Stdout = &buffer
	t.Cleanup(func() { cli.Stdout = previous })
	return &buffer
}

// writeConfig writes a small SQLite volume config into a temp dir and
// returns its path.
func writeConfig(t *testing.T) string {
	t.Helper()
	directory := t.TempDir()
	path := filepath.Join(directory, "clusterfs.yaml")
	content := `volume:
  backend: sqlite
  path: ` + filepath.Join(directory, "volume.db") + `
  capacity_blocks: 65536
file:
  cluster_shift: 12
  compression: zstd
cache:
  max_pages: 256
  max_idle_pages: 128
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func runWith(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	output := captureStdout(t)
	err := run(append([]string{"--config", configPath, "--log-level", "error"}, args...))
	return output.String(), err
}

func TestCommandTreeIsDocumented(t *testing.T) {
	root := rootCommand(&globalFlags{})
	if root.Flags == nil || root.Flags().Lookup("config") == nil {
		t.Fatal("root help does not list the global flags")
	}
	seen := map[string]bool{}
	for _, command := range root.Subcommands {
		if command.Summary == "" {
			t.Errorf("command %q has no summary", command.Name)
		}
		if command.Run == nil {
			t.Errorf("command %q has no Run", command.Name)
		}
		if seen[command.Name] {
			t.Errorf("command %q registered twice", command.Name)
		}
		seen[command.Name] = true
		if command.Flags != nil {
			// Building twice must not redefine flags on a shared set.
			command.Flags()
			command.Flags()
		}
	}
}

func TestObjectLifecycle(t *testing.T) {
	configPath := writeConfig(t)

	output, err := runWith(t, configPath, "create")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if strings.TrimSpace(output) != "1" {
		t.Fatalf("create printed %q, want 1", output)
	}

	content := bytes.Repeat([]byte("cluster contents "), 600)
	input := filepath.Join(t.TempDir(), "input")
	if err := os.WriteFile(input, content, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := runWith(t, configPath, "write", "1", "--input", input); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	output, err = runWith(t, configPath, "read", "1")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if output != string(content) {
		t.Fatalf("read returned %d bytes, want the %d written", len(output), len(content))
	}

	output, err = runWith(t, configPath, "read", "1", "--offset", "17", "--length", "8")
	if err != nil {
		t.Fatalf("ranged read failed: %v", err)
	}
	if output != "cluster " {
		t.Errorf("ranged read = %q, want %q", output, "cluster ")
	}

	output, err = runWith(t, configPath, "stat", "1", "--clusters", "--json")
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	var stat statOutput
	if err := json.Unmarshal([]byte(output), &stat); err != nil {
		t.Fatalf("decoding stat output %q: %v", output, err)
	}
	if stat.Size != int64(len(content)) || stat.Compression != "zstd" || len(stat.Clusters) != 3 {
		t.Fatalf("stat = %+v", stat)
	}
	for _, cluster := range stat.Clusters {
		if cluster.State != "prepped" {
			t.Errorf("cluster %d state = %s, want prepped", cluster.Index, cluster.State)
		}
	}
	if stat.Clusters[0].Logical != 4096 || stat.Clusters[2].Logical != len(content)-8192 {
		t.Errorf("logical lengths = %d, %d", stat.Clusters[0].Logical, stat.Clusters[2].Logical)
	}

	if _, err := runWith(t, configPath, "truncate", "1", "4KiB"); err != nil {
		t.Fatalf("truncate failed: %v", err)
	}
	output, err = runWith(t, configPath, "ls", "--json")
	if err != nil {
		t.Fatalf("ls failed: %v", err)
	}
	var listing []objectOutput
	if err := json.Unmarshal([]byte(output), &listing); err != nil {
		t.Fatalf("decoding ls output %q: %v", output, err)
	}
	if len(listing) != 1 || listing[0].ID != 1 || listing[0].Size != 4096 {
		t.Fatalf("ls = %+v, want object 1 of 4096 bytes", listing)
	}

	if _, err := runWith(t, configPath, "rm", "1"); err != nil {
		t.Fatalf("rm failed: %v", err)
	}
	output, err = runWith(t, configPath, "ls", "--json")
	if err != nil {
		t.Fatalf("ls failed: %v", err)
	}
	if strings.TrimSpace(output) != "[]" {
		t.Errorf("ls after rm = %q, want []", output)
	}
}

func TestCreateWithTransforms(t *testing.T) {
	configPath := writeConfig(t)
	output, err := runWith(t, configPath, "create", "--compression", "s2", "--mode", "force", "--json")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	var created objectOutput
	if err := json.Unmarshal([]byte(output), &created); err != nil {
		t.Fatalf("decoding create output %q: %v", output, err)
	}
	if created.ID != 1 || created.Compression != "s2" || created.Mode != "force" || created.ClusterShift != 12 {
		t.Errorf("create = %+v", created)
	}

	_, err = runWith(t, configPath, "create", "--compression", "brotli")
	var usage *cli.UsageError
	if !errors.As(err, &usage) {
		t.Errorf("create --compression brotli = %v, want a usage error", err)
	}
}

func TestCommandErrors(t *testing.T) {
	configPath := writeConfig(t)

	tests := []struct {
		name  string
		args  []string
		usage bool
	}{
		{"zero id", []string{"read", "0"}, true},
		{"non-numeric id", []string{"stat", "seven"}, true},
		{"missing size", []string{"truncate", "1"}, true},
		{"bad size", []string{"truncate", "1", "lots"}, true},
		{"rm without ids", []string{"rm"}, true},
		{"unknown command", []string{"frobnicate"}, true},
		{"absent object", []string{"read", "99"}, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := runWith(t, configPath, test.args...)
			if err == nil {
				t.Fatal("command succeeded, want an error")
			}
			var usage *cli.UsageError
			if errors.As(err, &usage) != test.usage {
				t.Errorf("error %v: usage = %v, want %v", err, !test.usage, test.usage)
			}
		})
	}

	_, err := runWith(t, configPath, "read", "99")
	if !errors.Is(err, cryptcompress.ErrNotFound) {
		t.Errorf("read of an absent object = %v, want ErrNotFound", err)
	}
}

func TestKeygenPassphraseFile(t *testing.T) {
	directory := t.TempDir()
	passphrase := filepath.Join(directory, "passphrase")
	if err := os.WriteFile(passphrase, []byte("correct horse\n"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	keyPath := filepath.Join(directory, "volume.key")

	output := captureStdout(t)
	err := run([]string{"--passphrase-file", passphrase, "--log-level", "error",
		"keygen", "--out", keyPath, "--scrypt-work-factor", "10"})
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	if strings.TrimSpace(output.String()) != keyPath {
		t.Errorf("keygen printed %q, want %q", output.String(), keyPath)
	}
	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("key file mode = %v, want 0600", info.Mode().Perm())
	}

	err = run([]string{"--passphrase-file", passphrase, "--log-level", "error",
		"keygen", "--out", keyPath})
	if err == nil {
		t.Error("keygen overwrote an existing key file")
	}
}

func TestKeygenIdentityOpensCipherVolume(t *testing.T) {
	directory := t.TempDir()
	keyPath := filepath.Join(directory, "volume.key")
	identityPath := filepath.Join(directory, "volume.identity")
	configPath := filepath.Join(directory, "clusterfs.yaml")
	content := `volume:
  backend: bolt
  path: ` + filepath.Join(directory, "volume.bolt") + `
  capacity_blocks: 65536
file:
  cluster_shift: 12
  cipher: xchacha20
cache:
  max_pages: 256
  max_idle_pages: 128
key_file: ` + keyPath + `
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := runWith(t, configPath, "keygen", "--new-identity", identityPath); err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	identity, err := os.ReadFile(identityPath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.HasPrefix(string(identity), "AGE-SECRET-KEY-1") {
		t.Fatalf("identity file holds %q", identity)
	}

	withIdentity := []string{"--identity-file", identityPath}
	if _, err := runWith(t, configPath, append(withIdentity, "create")...); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	input := filepath.Join(directory, "input")
	if err := os.WriteFile(input, []byte("sealed bytes"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := runWith(t, configPath, append(withIdentity, "write", "1", "--input", input)...); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	output, err := runWith(t, configPath, append(withIdentity, "read", "1")...)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if output != "sealed bytes" {
		t.Errorf("read = %q, want %q", output, "sealed bytes")
	}
}

func TestVersionFlag(t *testing.T) {
	output := captureStdout(t)
	if err := run([]string{"--version"}); err != nil {
		t.Fatalf("run --version failed: %v", err)
	}
	if !strings.HasPrefix(output.String(), "clusterfs ") {
		t.Errorf("--version printed %q", output.String())
	}
}

func TestWriteLogsCompression(t *testing.T) {
	configPath := writeConfig(t)
	if _, err := runWith(t, configPath, "create"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	input := filepath.Join(t.TempDir(), "input")
	if err := os.WriteFile(input, bytes.Repeat([]byte("cluster contents "), 600), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	var logs bytes.Buffer
	previous := cli.Stderr
	cli.Stderr = &logs
	t.Cleanup(func() { cli.Stderr = previous })
	captureStdout(t)
	err := run([]string{"--config", configPath, "--log-level", "info", "--log-format", "json",
		"write", "1", "--input", input})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}

	var written map[string]any
	for line := range strings.SplitSeq(strings.TrimSpace(logs.String()), "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("decoding log line %q: %v", line, err)
		}
		if entry["msg"] == "object written" {
			written = entry
		}
	}
	if written == nil {
		t.Fatalf("no object written line in %q", logs.String())
	}
	if written["compressed_clusters"] != float64(3) || written["compression_discards"] != float64(0) {
		t.Errorf("compression counts = %v, %v, want 3, 0", written["compressed_clusters"], written["compression_discards"])
	}
}
