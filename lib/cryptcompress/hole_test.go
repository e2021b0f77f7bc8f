// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cryptcompress

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/bureau-foundation/clusterfs/lib/testutil"
	"github.com/bureau-foundation/clusterfs/lib/transform"
	"github.com/bureau-foundation/clusterfs/lib/txn"
)

func TestHoleClustersStayFake(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()
	file := h.create(t, plainAttributes())

	if err := file.Truncate(ctx, 3*4096); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	for index := range uint64(3) {
		requireState(t, file, index, Fake)
	}
	requireBytes(t, "hole", mustRead(t, file, 4096, 4096), make([]byte, 4096))
	if pages := h.cache.Stats().Pages; pages != 0 {
		t.Errorf("reading a hole left %d pages resident", pages)
	}
	if h.txn.Dirty() != 0 {
		t.Errorf("Dirty() = %d, want 0", h.txn.Dirty())
	}
	if stats := h.checkSpace(t); stats.Free != stats.Total {
		t.Errorf("hole file holds space: %+v", stats)
	}
}

func TestWriteBeyondEndLeavesHole(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	file := h.create(t, plainAttributes())
	mustWrite(t, file, []byte("head"), 0)
	mustWrite(t, file, []byte("tail"), 3*4096+5)

	for index, want := range []DiskState{Unprepped, Fake, Fake, Unprepped} {
		requireState(t, file, uint64(index), want)
	}
	if h.txn.Dirty() != 2 {
		t.Errorf("Dirty() = %d, want 2", h.txn.Dirty())
	}

	want := make([]byte, 3*4096+9)
	copy(want, "head")
	copy(want[3*4096+5:], "tail")
	requireBytes(t, "file", mustRead(t, file, 0, len(want)), want)

	mustSync(t, h)
	if info := mustProbe(t, file, 0); info.Logical != 4096 {
		t.Errorf("cluster 0 logical length %d, want the zero-filled 4096", info.Logical)
	}
	h.cache.DropFile(file.ObjectID())
	requireBytes(t, "file after sync", mustRead(t, file, 0, len(want)), want)
}

func TestReadPastEnd(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	file := h.create(t, plainAttributes())
	mustWrite(t, file, []byte("short"), 0)

	buffer := make([]byte, 10)
	n, err := file.ReadAt(context.Background(), buffer, 0)
	if n != 5 || !errors.Is(err, io.EOF) {
		t.Fatalf("ReadAt = %d, %v, want 5, io.EOF", n, err)
	}
	if _, err := file.ReadAt(context.Background(), buffer, 100); !errors.Is(err, io.EOF) {
		t.Errorf("ReadAt past the end error = %v, want io.EOF", err)
	}
}

func TestTruncateShrinksAcrossClusters(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()
	file := h.create(t, attributes(transform.CompressionLZ4, transform.CipherNone))
	data := testutil.RandomBytes(21, 3*4096-100)
	mustWrite(t, file, data, 0)
	mustSync(t, h)

	if err := file.Truncate(ctx, 5000); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	if file.Size() != 5000 {
		t.Fatalf("Size() = %d, want 5000", file.Size())
	}
	requireState(t, file, 2, Fake)
	requireState(t, file, 0, Prepped)
	if h.txn.Dirty() != 1 || nodeOf(file, 1) == nil {
		t.Errorf("want only cluster 1 pending, %d dirty", h.txn.Dirty())
	}
	requireBytes(t, "kept bytes", mustRead(t, file, 0, 5000), data[:5000])

	mustSync(t, h)
	if info := requireState(t, file, 1, Prepped); info.Logical != 904 {
		t.Errorf("cluster 1 logical length %d, want 904", info.Logical)
	}
	if stats := h.checkSpace(t); stats.Reserved != 0 || stats.Used != 2 {
		t.Errorf("space after truncate %+v, want 2 used", stats)
	}

	// Growing again exposes zeros, not the cut bytes.
	if err := file.Truncate(ctx, 12000); err != nil {
		t.Fatalf("Truncate up failed: %v", err)
	}
	requireState(t, file, 2, Fake)
	requireBytes(t, "regrown tail", mustRead(t, file, 5000, 7000), make([]byte, 7000))
	mustSync(t, h)
	h.cache.DropFile(file.ObjectID())
	requireBytes(t, "kept bytes after sync", mustRead(t, file, 0, 5000), data[:5000])
	requireBytes(t, "regrown tail after sync", mustRead(t, file, 5000, 7000), make([]byte, 7000))
}

func TestTruncateDiscardsPendingClusters(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()
	file := h.create(t, plainAttributes())
	mustWrite(t, file, testutil.RandomBytes(22, 4*4096), 0)
	if h.txn.Dirty() != 4 {
		t.Fatalf("Dirty() = %d, want 4", h.txn.Dirty())
	}

	if err := file.Truncate(ctx, 4096); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	if h.txn.Dirty() != 1 {
		t.Errorf("Dirty() = %d after truncate, want 1", h.txn.Dirty())
	}
	for index := range uint64(4) {
		if index > 0 && nodeOf(file, index) != nil {
			t.Errorf("cluster %d kept its node", index)
		}
	}
	for index, want := range []DiskState{Unprepped, Fake, Fake, Fake} {
		requireState(t, file, uint64(index), want)
	}

	mustSync(t, h)
	if stats := h.checkSpace(t); stats.Reserved != 0 || stats.Used != 1 {
		t.Errorf("space after sync %+v, want 1 used", stats)
	}
}

func TestTruncateFlushesUnderBackPressure(t *testing.T) {
	h := newHarness(t, harnessConfig{txn: txn.Config{CommitThreshold: 1}})
	ctx := context.Background()
	shrinking := h.create(t, plainAttributes())
	other := h.create(t, plainAttributes())
	mustWrite(t, shrinking, testutil.RandomBytes(23, 3*4096), 0)
	mustSync(t, h)
	mustWrite(t, other, []byte("pending"), 0)

	if err := shrinking.Truncate(ctx, 0); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	for index := range uint64(3) {
		requireState(t, shrinking, index, Fake)
	}
	// The truncate let a flush pass run between cuts.
	requireState(t, other, 0, Prepped)
	if h.txn.Dirty() != 0 {
		t.Errorf("Dirty() = %d, want 0", h.txn.Dirty())
	}
}

func TestExpandZeroFillsTail(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()
	file := h.create(t, attributes(transform.CompressionNone, transform.CipherAES))
	mustWrite(t, file, []byte("abc"), 0)
	mustSync(t, h)

	if err := file.Expand(ctx, 2*4096+10); err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	if file.Size() != 2*4096+10 {
		t.Fatalf("Size() = %d, want %d", file.Size(), 2*4096+10)
	}
	requireState(t, file, 1, Fake)
	requireState(t, file, 2, Fake)
	if err := file.Expand(ctx, 5); err != nil {
		t.Fatalf("Expand to a smaller size failed: %v", err)
	}
	if file.Size() != 2*4096+10 {
		t.Errorf("Expand shrank the file to %d", file.Size())
	}

	mustSync(t, h)
	h.cache.DropFile(file.ObjectID())
	want := make([]byte, 2*4096+10)
	copy(want, "abc")
	requireBytes(t, "expanded file", mustRead(t, file, 0, len(want)), want)
	if info := mustProbe(t, file, 0); info.Logical != 4096 {
		t.Errorf("cluster 0 logical length %d, want 4096", info.Logical)
	}
}

// windowHook is a pending node that runs a callback from inside the
// flush pass that drains it.
type windowHook struct {
	manager *txn.Manager
	run     func(ctx context.Context)
}

func (w *windowHook) FlushKey() string { return "window" }

func (w *windowHook) Flush(ctx context.Context) error {
	w.manager.Unregister(w)
	if w.run != nil {
		w.run(ctx)
	}
	return nil
}

func TestTruncateWithWriteInFlushWindow(t *testing.T) {
	tests := []struct {
		name string
		off  int64
	}{
		{"inside the remaining file", 0},
		{"beyond the old end", 5 * 4096},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			h := newHarness(t, harnessConfig{txn: txn.Config{CommitThreshold: 1}})
			ctx := context.Background()
			file := h.create(t, plainAttributes())
			data := testutil.RandomBytes(24, 3*4096)
			mustWrite(t, file, data, 0)
			mustSync(t, h)

			var (
				windowSize  int64
				windowBytes []byte
				windowErrs  []error
			)
			fill := make([]byte, 4096)
			for i := range fill {
				fill[i] = 0x07
			}
			hook := &windowHook{manager: h.txn, run: func(ctx context.Context) {
				windowSize = file.Size()
				windowBytes = make([]byte, windowSize)
				_, readErr := file.ReadAt(ctx, windowBytes, 0)
				_, writeErr := file.WriteAt(ctx, fill, test.off)
				flushErr := file.FlushPageRange(ctx, test.off, test.off+int64(len(fill)))
				windowErrs = append(windowErrs, readErr, writeErr, flushErr)
			}}
			if err := h.txn.RegisterDirty(hook); err != nil {
				t.Fatalf("RegisterDirty failed: %v", err)
			}

			if err := file.Truncate(ctx, 0); err != nil {
				t.Fatalf("Truncate failed: %v", err)
			}
			if err := errors.Join(windowErrs...); err != nil {
				t.Fatalf("operations in the flush window failed: %v", err)
			}
			// The window sees the file cut back to the clusters not yet
			// removed, with their contents intact.
			if windowSize != 2*4096 {
				t.Fatalf("size during the window = %d, want %d", windowSize, 2*4096)
			}
			requireBytes(t, "file during the window", windowBytes, data[:windowSize])

			// The truncate completes after the write.
			if file.Size() != 0 {
				t.Fatalf("Size() = %d after Truncate, want 0", file.Size())
			}
			for index := range uint64(6) {
				requireState(t, file, index, Fake)
			}
			if h.txn.Dirty() != 0 || nodeCount(file) != 0 {
				t.Errorf("truncate left %d dirty, %d nodes", h.txn.Dirty(), nodeCount(file))
			}
			if stats := h.checkSpace(t); stats.Free != stats.Total {
				t.Errorf("space after truncate %+v, want all free", stats)
			}
			if n, err := file.ReadAt(ctx, make([]byte, 1), 0); n != 0 || !errors.Is(err, io.EOF) {
				t.Errorf("ReadAt after truncate = %d, %v, want 0, io.EOF", n, err)
			}

			mustWrite(t, file, fill, 4096)
			mustSync(t, h)
			h.cache.DropFile(file.ObjectID())
			want := append(make([]byte, 4096), fill...)
			requireBytes(t, "rewritten file", mustRead(t, file, 0, len(want)), want)
		})
	}
}

func TestTruncateUnderMaxDirty(t *testing.T) {
	tests := []struct {
		name   string
		length int
		target int64
	}{
		{"expand", 100, 8000},
		{"shrink", 2 * 4096, 5000},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			h := newHarness(t, harnessConfig{txn: txn.Config{MaxDirty: 1}})
			ctx := context.Background()
			file := h.create(t, plainAttributes())
			other := h.create(t, plainAttributes())
			data := testutil.RandomBytes(25, test.length)
			mustWrite(t, file, data, 0)
			mustSync(t, h)
			mustWrite(t, other, []byte("pending"), 0)

			if err := file.Truncate(ctx, test.target); err != nil {
				t.Fatalf("Truncate(%d) failed: %v", test.target, err)
			}
			if file.Size() != test.target {
				t.Fatalf("Size() = %d, want %d", file.Size(), test.target)
			}
			// The other file's cluster was flushed to make room.
			requireState(t, other, 0, Prepped)
			if h.txn.Dirty() != 1 {
				t.Errorf("Dirty() = %d, want the truncated cluster alone", h.txn.Dirty())
			}

			want := make([]byte, test.target)
			copy(want, data)
			requireBytes(t, "truncated file", mustRead(t, file, 0, len(want)), want)
			mustSync(t, h)
			h.cache.DropFile(file.ObjectID())
			requireBytes(t, "truncated file after sync", mustRead(t, file, 0, len(want)), want)
			if stats := h.checkSpace(t); stats.Reserved != 0 {
				t.Errorf("space after sync %+v, want nothing reserved", stats)
			}
		})
	}
}
