// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cryptcompress

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/clusterfs/lib/tree"
	"github.com/bureau-foundation/clusterfs/lib/txn"
)

// Truncate sets the logical size, expanding or pruning as needed, and
// writes the stat record.
func (f *File) Truncate(ctx context.Context, size int64) error {
	if size < 0 {
		return fmt.Errorf("cryptcompress: negative size %d", size)
	}
	if err := f.engine.checkOpen(); err != nil {
		return err
	}

	f.truncMu.Lock()
	defer f.truncMu.Unlock()

	var err error
	switch current := f.Size(); {
	case size > current:
		err = f.expandLocked(ctx, size)
	case size < current:
		err = f.pruneLocked(ctx, size)
	}
	if err != nil {
		return err
	}
	return f.writeStat(ctx)
}

// Expand grows the file to size. Shrinking is not done here.
func (f *File) Expand(ctx context.Context, size int64) error {
	if err := f.engine.checkOpen(); err != nil {
		return err
	}
	f.truncMu.Lock()
	defer f.truncMu.Unlock()
	if err := f.expandLocked(ctx, size); err != nil {
		return err
	}
	return f.writeStat(ctx)
}

// expandLocked zero-fills the tail of the cluster straddling the old
// size and checks it in. Whole clusters beyond stay Fake.
func (f *File) expandLocked(ctx context.Context, size int64) error {
	current := f.Size()
	if size <= current {
		return nil
	}
	err := f.zeroTail(ctx, size)
	if errors.Is(err, txn.ErrTooManyDirty) {
		f.flushWindow(ctx)
		err = f.zeroTail(ctx, size)
	}
	if err != nil {
		return err
	}

	f.checkinMu.Lock()
	if size > f.size.Load() {
		f.size.Store(size)
	}
	f.checkinMu.Unlock()
	f.logger.Debug("file expanded", "from", current, "to", size)
	return nil
}

// zeroTail zero-fills the cluster holding the current size out to size
// or the cluster end.
func (f *File) zeroTail(ctx context.Context, size int64) error {
	current := f.Size()
	if size <= current || current%int64(f.geo.clusterSize) == 0 {
		return nil
	}
	index := f.geo.index(current)
	target := int(min(size-f.geo.base(index), int64(f.geo.clusterSize)))
	return f.writeCluster(ctx, index, target, nil)
}

// flushWindow releases truncMu around one flush pass. The caller holds
// truncMu exclusively and must re-read file state afterwards.
func (f *File) flushWindow(ctx context.Context) {
	f.truncMu.Unlock()
	_, err := f.engine.txn.Flush(ctx)
	f.truncMu.Lock()
	if err != nil {
		f.logger.Warn("flush pass during truncate failed", "error", err)
	}
}

// pruneLocked shrinks the file to size: every cluster beyond the new
// last one is cut, and the new last cluster is zero-padded past size
// and checked in. The caller holds truncMu exclusively.
//
// Stored clusters are cut from the end, and the size follows each cut
// down, so the file is a consistent shorter version of itself whenever
// truncMu is dropped for a flush pass. After each pass the remaining
// clusters are scanned again.
func (f *File) pruneLocked(ctx context.Context, size int64) error {
	from := f.Size()
	keep := f.geo.clusterCount(size)

	cut := 0
	for pruned := false; !pruned; {
		stored, err := f.storedClusters(ctx, keep)
		if err != nil {
			return err
		}
		pruned = true
		for i := len(stored) - 1; i >= 0; i-- {
			f.dropFrom(stored[i], max(size, f.geo.base(stored[i])))
			if err := f.cut(ctx, stored[i], 0); err != nil {
				return err
			}
			cut++
			if i > 0 && f.engine.txn.ShouldCommit() {
				f.flushWindow(ctx)
				pruned = false
				break
			}
		}
	}
	f.dropFrom(keep, size)

	if tail := int(size % int64(f.geo.clusterSize)); tail != 0 {
		err := f.shrinkCluster(ctx, keep-1, tail)
		if errors.Is(err, txn.ErrTooManyDirty) {
			f.flushWindow(ctx)
			// A write in the window already zero-filled past the old tail
			// if it moved the size.
			err = nil
			if f.Size() == size {
				err = f.shrinkCluster(ctx, keep-1, tail)
			}
		}
		if err != nil {
			return err
		}
	}
	f.logger.Debug("file pruned", "from", from, "to", size, "clusters_cut", cut)
	return nil
}

// dropFrom lowers the size to at most size and forgets the pages and
// pending state of every cluster from index on. The caller holds
// truncMu exclusively.
func (f *File) dropFrom(index uint64, size int64) {
	f.checkinMu.Lock()
	if size < f.size.Load() {
		f.size.Store(size)
	}
	f.checkinMu.Unlock()

	f.engine.cache.Drop(f.id, index, 0)
	f.nodesMu.Lock()
	var doomed []uint64
	for nodeIndex := range f.nodes {
		if nodeIndex >= index {
			doomed = append(doomed, nodeIndex)
		}
	}
	f.nodesMu.Unlock()
	for _, nodeIndex := range doomed {
		f.discardNode(nodeIndex)
	}
}

// shrinkCluster cuts cluster index down to length bytes, zeroing the
// rest of its last page.
func (f *File) shrinkCluster(ctx context.Context, index uint64, length int) error {
	f.checkinMu.Lock()
	defer f.checkinMu.Unlock()

	pageCount := f.geo.pagesFor(length)
	f.engine.cache.DropCluster(f.id, index, uint32(pageCount))

	info, err := f.probe(ctx, index, nil)
	if err != nil {
		return err
	}
	if info.State == Fake && !f.hasNode(index) {
		return nil
	}
	return f.updateCluster(ctx, index, length, 0, func(pc *pageCluster) {
		pc.zero(length, pageCount*f.geo.pageSize, f.geo.pageSize)
	})
}

func (f *File) hasNode(index uint64) bool {
	f.nodesMu.Lock()
	defer f.nodesMu.Unlock()
	_, ok := f.nodes[index]
	return ok
}

// storedClusters lists, in ascending order, the clusters at or after
// from that have a stored form.
func (f *File) storedClusters(ctx context.Context, from uint64) ([]uint64, error) {
	start := f.geo.key(from)
	cursor, err := f.engine.tree.Lookup(ctx, start, tree.Next)
	if errors.Is(err, tree.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, ioError("scan", start, err)
	}
	defer cursor.Close()

	stride := uint64(f.geo.clusterSize + f.geo.blockSize)
	var indexes []uint64
	for {
		key := cursor.Item().Key
		if key.ObjectID != f.id || key.Kind != tree.KindBody {
			break
		}
		if f.geo.isClusterBase(key.Offset) {
			indexes = append(indexes, key.Offset/stride)
		}
		more, err := cursor.Next(ctx)
		if err != nil {
			return nil, ioError("scan", key, err)
		}
		if !more {
			break
		}
	}
	return indexes, nil
}
