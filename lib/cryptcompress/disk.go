// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cryptcompress

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/clusterfs/lib/space"
	"github.com/bureau-foundation/clusterfs/lib/stream"
	"github.com/bureau-foundation/clusterfs/lib/tree"
)

// probe classifies the disk cluster of index. With a non-nil payload
// the whole item chain is read into it and verified; without one only
// the first item is examined.
func (f *File) probe(ctx context.Context, index uint64, payload *stream.Buffer) (ClusterInfo, error) {
	key := f.geo.key(index)
	cursor, err := f.engine.tree.Lookup(ctx, key, tree.Exact)
	if errors.Is(err, tree.ErrNotFound) {
		return ClusterInfo{State: Fake}, nil
	}
	if err != nil {
		return ClusterInfo{}, ioError("lookup", key, err)
	}
	defer cursor.Close()

	first := cursor.Item()
	info := ClusterInfo{
		Logical:     int(first.Logical),
		Transformed: int(first.Total),
		Items:       1,
	}
	switch first.State {
	case tree.StateUnprepped:
		info.State = Unprepped
		return info, nil
	case tree.StateTruncated:
		info.State = Truncated
		return info, nil
	case tree.StatePrepped:
		info.State = Prepped
	default:
		return ClusterInfo{}, fmt.Errorf("%w: item %s has state %s", ErrCorruptCluster, key, first.State)
	}
	if info.Logical > f.geo.clusterSize || info.Transformed > f.geo.clusterSize+f.geo.blockSize {
		return ClusterInfo{}, fmt.Errorf("%w: item %s records logical %d, transformed %d",
			ErrCorruptCluster, key, info.Logical, info.Transformed)
	}

	if payload == nil {
		info.Items = int(f.geo.diskBlocks(info.Transformed))
		return info, nil
	}

	payload.Reset()
	payload.Append(first.Data)
	next := key.Offset + uint64(len(first.Data))
	for payload.Len() < info.Transformed {
		more, err := cursor.Next(ctx)
		if err != nil {
			return ClusterInfo{}, ioError("scan", key, err)
		}
		if !more {
			return ClusterInfo{}, fmt.Errorf("%w: %s ends after %d of %d bytes",
				ErrIncompleteCluster, key, payload.Len(), info.Transformed)
		}
		item := cursor.Item()
		if !f.geo.belongs(item.Key, index) || item.Key.Offset != next {
			return ClusterInfo{}, fmt.Errorf("%w: %s ends after %d of %d bytes, next item %s",
				ErrIncompleteCluster, key, payload.Len(), info.Transformed, item.Key)
		}
		if item.State == tree.StateTruncated {
			info.State = Truncated
			return info, nil
		}
		if int(item.Logical) != info.Logical || int(item.Total) != info.Transformed {
			return ClusterInfo{}, fmt.Errorf("%w: item %s disagrees with the head of its cluster",
				ErrCorruptCluster, item.Key)
		}
		payload.Append(item.Data)
		next += uint64(len(item.Data))
		info.Items++
	}
	if payload.Len() != info.Transformed {
		return ClusterInfo{}, fmt.Errorf("%w: %s holds %d bytes, records %d",
			ErrCorruptCluster, key, payload.Len(), info.Transformed)
	}
	return info, nil
}

// createUnprepped inserts the placeholder of a cluster that had no
// stored form and spends the insert overhead of res. A truncated
// remnant is replaced and its blocks freed.
func (f *File) createUnprepped(ctx context.Context, index uint64, res *space.Reservation, previous ClusterInfo) error {
	overhead, err := res.Split(uint64(f.geo.insertOverhead))
	if err != nil {
		return fmt.Errorf("placeholder of cluster %d: %w", index, err)
	}
	from, to := f.geo.keyRange(index)
	placeholder := tree.Item{Key: from, State: tree.StateUnprepped}
	if err := f.engine.tree.Replace(ctx, from, to, []tree.Item{placeholder}); err != nil {
		overhead.Release()
		return ioError("insert", from, err)
	}
	if err := overhead.Spend(overhead.Blocks()); err != nil {
		return fmt.Errorf("placeholder of cluster %d: %w", index, err)
	}
	if previous.State == Truncated {
		f.engine.space.Free(f.geo.diskBlocks(previous.Transformed))
	}
	f.logger.Debug("cluster placeholder inserted", "object_id", f.id, "cluster", index)
	return nil
}

// commit replaces the stored cluster with encoded, split into items of
// at most MaxItemSize bytes. spent is the reservation already moved to
// used; the difference to the real size is freed.
func (f *File) commit(ctx context.Context, index uint64, encoded []byte, logical int, spent uint64) error {
	previous, err := f.probe(ctx, index, nil)
	if err != nil {
		return err
	}

	from, to := f.geo.keyRange(index)
	items := make([]tree.Item, 0, f.geo.diskBlocks(len(encoded)))
	for offset := 0; offset < len(encoded); offset += f.geo.maxItemSize {
		end := min(offset+f.geo.maxItemSize, len(encoded))
		items = append(items, tree.Item{
			Key:     tree.Key{ObjectID: f.id, Kind: tree.KindBody, Offset: from.Offset + uint64(offset)},
			State:   tree.StatePrepped,
			Logical: uint32(logical),
			Total:   uint32(len(encoded)),
			Data:    encoded[offset:end],
		})
	}
	if err := f.engine.tree.Replace(ctx, from, to, items); err != nil {
		return ioError("commit", from, err)
	}

	stored := f.geo.diskBlocks(len(encoded))
	assertf(stored <= spent, "cluster %d of object %d stores %d blocks, spent %d", index, f.id, stored, spent)
	f.engine.space.Free(spent + f.storedBlocks(previous) - stored)
	return nil
}

// cut deletes the stored cluster. The first item is marked Truncated
// before the range is removed. spent blocks already moved to used are
// freed with the cluster's own.
func (f *File) cut(ctx context.Context, index uint64, spent uint64) error {
	info, err := f.probe(ctx, index, nil)
	if err != nil {
		return err
	}
	if info.State == Fake {
		f.engine.space.Free(spent)
		return nil
	}

	from, to := f.geo.keyRange(index)
	if info.State != Truncated {
		marker := tree.Item{
			Key:     from,
			State:   tree.StateTruncated,
			Logical: uint32(info.Logical),
			Total:   uint32(info.Transformed),
		}
		if err := f.engine.tree.Insert(ctx, marker); err != nil {
			return ioError("mark truncated", from, err)
		}
	}
	if _, err := f.engine.tree.Cut(ctx, from, to); err != nil {
		return ioError("cut", from, err)
	}
	f.engine.space.Free(spent + f.storedBlocks(info))
	f.logger.Debug("cluster cut", "object_id", f.id, "cluster", index, "state", info.State.String())
	return nil
}

// storedBlocks is the accounted size of a probed cluster.
func (f *File) storedBlocks(info ClusterInfo) uint64 {
	if info.State == Fake {
		return 0
	}
	return f.geo.diskBlocks(info.Transformed)
}
