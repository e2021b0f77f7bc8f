// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package volume

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/clusterfs/lib/clock"
	"github.com/bureau-foundation/clusterfs/lib/config"
	"github.com/bureau-foundation/clusterfs/lib/cryptcompress"
	"github.com/bureau-foundation/clusterfs/lib/keyfile"
	"github.com/bureau-foundation/clusterfs/lib/testutil"
	"github.com/bureau-foundation/clusterfs/lib/transform"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Volume.Backend = "memory"
	cfg.Volume.Path = ""
	cfg.File.ClusterShift = 12
	cfg.Cache.MaxPages = 256
	cfg.Cache.MaxIdlePages = 128
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	return cfg
}

// writeKeyFile seals a fresh master key to a fresh X25519 identity and
// returns the identity that opens it.
func writeKeyFile(t *testing.T, path string) string {
	t.Helper()
	identity, err := keyfile.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	t.Cleanup(func() { identity.Close() })
	key, err := keyfile.Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	defer key.Close()
	if err := keyfile.WriteFile(path, key, identity.Public); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return string(identity.Private.Bytes())
}

func TestOpenMemoryVolume(t *testing.T) {
	ctx := context.Background()
	registry := prometheus.NewRegistry()
	volume, err := Open(ctx, memoryConfig(t), Options{Registerer: registry})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	defaults := volume.Engine.Defaults()
	if defaults.ClusterShift != 12 || defaults.Compression != transform.CompressionLZ4 || defaults.Cipher != transform.CipherNone {
		t.Errorf("Defaults() = %+v", defaults)
	}
	if defaults.Policy.Mode != transform.ModeLattice || defaults.Policy.MinSize != 256 {
		t.Errorf("default policy = %+v", defaults.Policy)
	}

	file, err := volume.Engine.Create(ctx, defaults)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := file.WriteAt(ctx, []byte("memory"), 0); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	if stats := volume.Stats(); stats.DirtyClusters != 1 || stats.OpenFiles != 1 {
		t.Errorf("Stats() = %+v, want one dirty cluster in one open file", stats)
	}

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Error("no metrics registered")
	}
	if err := volume.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestOpenRequiresIdentity(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.File.Cipher = "aes"
	cfg.KeyFile = filepath.Join(t.TempDir(), "master.age")

	_, err := Open(context.Background(), cfg, Options{})
	if !errors.Is(err, ErrIdentityRequired) {
		t.Fatalf("Open error = %v, want ErrIdentityRequired", err)
	}
}

func TestOpenRejectsWrongIdentity(t *testing.T) {
	directory := t.TempDir()
	cfg := memoryConfig(t)
	cfg.File.Cipher = "aes"
	cfg.KeyFile = filepath.Join(directory, "master.age")
	writeKeyFile(t, cfg.KeyFile)

	other, err := keyfile.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	defer other.Close()
	if _, err := Open(context.Background(), cfg, Options{Identity: string(other.Private.Bytes())}); err == nil {
		t.Fatal("Open with the wrong identity succeeded")
	}
}

func TestCipherVolumePersists(t *testing.T) {
	for _, backend := range []string{"sqlite", "bolt"} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			directory := t.TempDir()
			cfg := memoryConfig(t)
			cfg.Volume.Backend = backend
			cfg.Volume.Path = filepath.Join(directory, "volume", "tree.db")
			cfg.File.Cipher = "xchacha20"
			cfg.File.Compression = "zstd"
			cfg.KeyFile = filepath.Join(directory, "master.age")
			identity := writeKeyFile(t, cfg.KeyFile)
			if err := cfg.Validate(); err != nil {
				t.Fatalf("Validate failed: %v", err)
			}

			volume, err := Open(ctx, cfg, Options{Identity: identity})
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			file, err := volume.Engine.Create(ctx, volume.Engine.Defaults())
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			data := testutil.RandomBytes(1, 3*4096+7)
			if _, err := file.WriteAt(ctx, data, 0); err != nil {
				t.Fatalf("WriteAt failed: %v", err)
			}
			id := file.ObjectID()
			if err := volume.Close(ctx); err != nil {
				t.Fatalf("Close failed: %v", err)
			}

			volume, err = Open(ctx, cfg, Options{Identity: identity})
			if err != nil {
				t.Fatalf("reopen failed: %v", err)
			}
			defer volume.Close(ctx)
			file, err = volume.Engine.Open(ctx, id)
			if err != nil {
				t.Fatalf("Engine.Open failed: %v", err)
			}
			if file.Size() != int64(len(data)) {
				t.Fatalf("Size() = %d, want %d", file.Size(), len(data))
			}
			got := make([]byte, len(data))
			if _, err := file.ReadAt(ctx, got, 0); err != nil {
				t.Fatalf("ReadAt failed: %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Error("data read after reopen differs from data written")
			}
			if used := volume.Stats().Space.Used; used == 0 {
				t.Error("reopened volume charged no stored blocks")
			}
		})
	}
}

func TestWritebackDrainsOnCancel(t *testing.T) {
	ctx := context.Background()
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	volume, err := Open(ctx, memoryConfig(t), Options{Clock: fake})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer volume.Close(ctx)

	file, err := volume.Engine.Create(ctx, volume.Engine.Defaults())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := file.WriteAt(ctx, []byte("drained"), 0); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	volume.StartWriteback(loopCtx)
	fake.WaitForTimers(1)
	cancel()
	testutil.RequireClosed(t, volume.WritebackDone(), 5*time.Second, "waiting for writeback to drain")

	if dirty := volume.Stats().DirtyClusters; dirty != 0 {
		t.Errorf("DirtyClusters = %d after drain, want 0", dirty)
	}
	info, err := file.Probe(ctx, 0)
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if info.State != cryptcompress.Prepped || info.Logical != len("drained") {
		t.Errorf("cluster 0 after drain = %+v", info)
	}
}

func TestOpenTreeUnknownBackend(t *testing.T) {
	if _, err := OpenTree(config.VolumeConfig{Backend: "tape"}, nil); err == nil {
		t.Fatal("OpenTree accepted an unknown backend")
	}
}
