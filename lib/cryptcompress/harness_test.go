// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cryptcompress

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/clusterfs/lib/pagecache"
	"github.com/bureau-foundation/clusterfs/lib/secret"
	"github.com/bureau-foundation/clusterfs/lib/space"
	"github.com/bureau-foundation/clusterfs/lib/testutil"
	"github.com/bureau-foundation/clusterfs/lib/transform"
	"github.com/bureau-foundation/clusterfs/lib/tree"
	"github.com/bureau-foundation/clusterfs/lib/txn"
)

const testShift = 12

type harnessConfig struct {
	pageSize    int
	maxPages    int
	maxItemSize int
	capacity    uint64
	defaults    Attributes
	punchHoles  bool
	txn         txn.Config
	tree        tree.Tree
	keys        *transform.KeySet
	registry    *prometheus.Registry
}

type harness struct {
	tree    tree.Tree
	cache   *pagecache.Cache
	space   *space.Accountant
	txn     *txn.Manager
	keys    *transform.KeySet
	metrics *Metrics
	engine  *Engine
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	if cfg.pageSize == 0 {
		cfg.pageSize = 1024
	}
	if cfg.maxPages == 0 {
		cfg.maxPages = 1024
	}
	if cfg.capacity == 0 {
		cfg.capacity = 1 << 20
	}
	if cfg.defaults.ClusterShift == 0 {
		cfg.defaults = plainAttributes()
	}
	if cfg.tree == nil {
		cfg.tree = tree.NewMemory(cfg.maxItemSize)
	}
	if cfg.keys == nil {
		cfg.keys = testKeys(t, 7)
	}
	cfg.txn.IsRetry = IsRetry

	cache, err := pagecache.New(pagecache.Options{PageSize: cfg.pageSize, MaxPages: cfg.maxPages})
	if err != nil {
		t.Fatalf("pagecache.New failed: %v", err)
	}
	h := &harness{
		tree:  cfg.tree,
		cache: cache,
		space: space.NewAccountant(cfg.capacity),
		txn:   txn.NewManager(cfg.txn),
		keys:  cfg.keys,
	}
	if cfg.registry != nil {
		h.metrics, err = NewMetrics(cfg.registry)
		if err != nil {
			t.Fatalf("NewMetrics failed: %v", err)
		}
	}
	h.engine, err = New(context.Background(), Config{
		Tree:       h.tree,
		Cache:      h.cache,
		Space:      h.space,
		Txn:        h.txn,
		Keys:       h.keys,
		Defaults:   cfg.defaults,
		PunchHoles: cfg.punchHoles,
		Metrics:    h.metrics,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return h
}

func testKeys(t *testing.T, seed uint64) *transform.KeySet {
	t.Helper()
	master, err := secret.NewFromBytes(testutil.RandomBytes(seed, transform.KeySize))
	if err != nil {
		t.Fatalf("secret.NewFromBytes failed: %v", err)
	}
	keys, err := transform.NewKeySet(master)
	if err != nil {
		t.Fatalf("NewKeySet failed: %v", err)
	}
	t.Cleanup(func() { keys.Close() })
	return keys
}

func plainAttributes() Attributes {
	return Attributes{ClusterShift: testShift, Policy: transform.Policy{Mode: transform.ModeNone}}
}

func attributes(compression transform.Compression, cipher transform.CipherKind) Attributes {
	return Attributes{
		ClusterShift: testShift,
		Compression:  compression,
		Cipher:       cipher,
		Policy:       transform.Policy{Mode: transform.ModeForce},
	}
}

func (h *harness) create(t *testing.T, attrs Attributes) *File {
	t.Helper()
	file, err := h.engine.Create(context.Background(), attrs)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return file
}

func (h *harness) checkSpace(t *testing.T) space.Stats {
	t.Helper()
	stats := h.space.Stats()
	if stats.Free+stats.Reserved+stats.Used != stats.Total {
		t.Fatalf("space pools %+v do not add up to the total", stats)
	}
	return stats
}

func mustWrite(t *testing.T, file *File, data []byte, off int64) {
	t.Helper()
	n, err := file.WriteAt(context.Background(), data, off)
	if err != nil {
		t.Fatalf("WriteAt(%d bytes at %d) failed: %v", len(data), off, err)
	}
	if n != len(data) {
		t.Fatalf("WriteAt wrote %d bytes, want %d", n, len(data))
	}
}

func mustRead(t *testing.T, file *File, off int64, n int) []byte {
	t.Helper()
	buffer := make([]byte, n)
	got, err := file.ReadAt(context.Background(), buffer, off)
	if err != nil && !(errors.Is(err, io.EOF) && got == n) {
		t.Fatalf("ReadAt(%d bytes at %d) failed after %d bytes: %v", n, off, got, err)
	}
	return buffer
}

func mustSync(t *testing.T, h *harness) {
	t.Helper()
	if err := h.engine.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
}

func mustProbe(t *testing.T, file *File, index uint64) ClusterInfo {
	t.Helper()
	info, err := file.Probe(context.Background(), index)
	if err != nil {
		t.Fatalf("Probe(%d) failed: %v", index, err)
	}
	return info
}

func requireState(t *testing.T, file *File, index uint64, want DiskState) ClusterInfo {
	t.Helper()
	info := mustProbe(t, file, index)
	if info.State != want {
		t.Fatalf("cluster %d is %s, want %s", index, info.State, want)
	}
	return info
}

func requireBytes(t *testing.T, what string, got, want []byte) {
	t.Helper()
	if bytes.Equal(got, want) {
		return
	}
	for i := range min(len(got), len(want)) {
		if got[i] != want[i] {
			t.Fatalf("%s differs at byte %d: got %#x, want %#x (lengths %d, %d)", what, i, got[i], want[i], len(got), len(want))
		}
	}
	t.Fatalf("%s has %d bytes, want %d", what, len(got), len(want))
}

func compressible(n int) []byte {
	return bytes.Repeat([]byte("cluster transform "), n/18+1)[:n]
}

func nodeOf(file *File, index uint64) *clusterNode {
	file.nodesMu.Lock()
	defer file.nodesMu.Unlock()
	return file.nodes[index]
}

func nodeCount(file *File) int {
	file.nodesMu.Lock()
	defer file.nodesMu.Unlock()
	return len(file.nodes)
}

// counterValue sums the samples of a counter family whose labels
// include every pair in labels.
func counterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			matched := 0
			for _, pair := range metric.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want == pair.GetValue() {
					matched++
				}
			}
			if matched != len(labels) {
				continue
			}
			if counter := metric.GetCounter(); counter != nil {
				total += counter.GetValue()
			}
			if gauge := metric.GetGauge(); gauge != nil {
				total += gauge.GetValue()
			}
		}
	}
	return total
}
