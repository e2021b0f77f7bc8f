// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cryptcompress

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/clusterfs/lib/pagecache"
	"github.com/bureau-foundation/clusterfs/lib/space"
)

// checkinLocked submits the modified cluster of node. The caller holds
// checkinMu and references the cluster's pageCount pages. A positive
// end advances the logical size. res must hold the update cost; it is
// consumed on success and still the caller's on error, in which case
// the node is left clean.
func (f *File) checkinLocked(node *clusterNode, res *space.Reservation, end int64, pageCount int) error {
	previousSize := f.size.Load()
	if end > previousSize {
		f.size.Store(end)
	}

	node.mu.Lock()
	defer node.mu.Unlock()

	if node.dirty {
		// Amend the pending modification.
		node.reservation.Release()
		node.reservation = res
		if pageCount < node.pages {
			f.engine.cache.DropCluster(f.id, node.index, uint32(pageCount))
		}
		node.pages = pageCount
		f.engine.metrics.checkin()
		return nil
	}

	if err := f.engine.txn.RegisterDirty(node); err != nil {
		if end > previousSize {
			f.size.CompareAndSwap(end, previousSize)
		}
		return fmt.Errorf("registering cluster %d of object %d: %w", node.index, f.id, err)
	}
	node.dirty = true
	node.reservation = res
	node.pages = pageCount
	assertf(node.reservation.Blocks() == f.geo.updateCost(),
		"cluster %d of object %d checked in holding %d blocks", node.index, f.id, node.reservation.Blocks())
	f.engine.metrics.checkin()
	return nil
}

// checkout drains the pending modification of node to the tree. It
// returns ErrRetry when the node has nothing pending.
//
// truncMu is held shared from the dirty check through encode and the
// tree write. A truncate of the file therefore waits for the checkout
// to finish; the pages cannot shrink under the copy, so the length
// read under node.mu is the one committed.
func (f *File) checkout(ctx context.Context, node *clusterNode) error {
	if !f.holdNode(node) {
		f.engine.metrics.checkout(outcomeRetry)
		return ErrRetry
	}
	defer f.putNode(node)

	node.flushMu.Lock()
	defer node.flushMu.Unlock()
	f.truncMu.RLock()
	defer f.truncMu.RUnlock()

	node.mu.Lock()
	if !node.dirty {
		node.mu.Unlock()
		f.engine.metrics.checkout(outcomeRetry)
		return ErrRetry
	}
	node.dirty = false
	res := node.reservation
	node.reservation = nil
	spent := res.Blocks()
	if err := res.Spend(spent); err != nil {
		node.mu.Unlock()
		return err
	}
	length := f.geo.clusterLen(f.size.Load(), node.index)
	pageCount := f.geo.pagesFor(length)
	f.engine.txn.Unregister(node)
	node.mu.Unlock()

	tc := f.newTransformCluster()
	defer tc.release()
	pc, err := f.copyOut(ctx, node.index, pageCount, length, tc)
	if err != nil {
		f.engine.metrics.checkout(outcomeFailed)
		f.redirty(node, nil, spent)
		return fmt.Errorf("checking out cluster %d of object %d: %w", node.index, f.id, err)
	}
	defer f.release(pc, false)

	var (
		outcome string
		logical = tc.pair.In().Len()
	)
	switch {
	case logical == 0:
		// The cluster was truncated to nothing before the checkout.
		f.engine.space.Free(spent)
		outcome = outcomeEmpty
	case f.engine.punchHoles && isZero(tc.bytes()):
		err = f.cut(ctx, node.index, spent)
		outcome = outcomePunched
	default:
		var result encodeResult
		result, err = f.encode(node.index, tc)
		if err == nil {
			err = f.commit(ctx, node.index, tc.bytes(), logical, spent)
		}
		f.engine.metrics.compression(result)
		outcome = outcomeCommitted
	}
	if err != nil {
		f.engine.metrics.checkout(outcomeFailed)
		f.redirty(node, pc.pages, spent)
		return fmt.Errorf("checking out cluster %d of object %d: %w", node.index, f.id, err)
	}

	f.engine.metrics.checkout(outcome)
	if outcome == outcomeCommitted {
		f.engine.metrics.encoded(logical, tc.transformed)
	}
	f.logger.Debug("cluster checked out",
		"object_id", f.id,
		"cluster", node.index,
		"outcome", outcome,
		"logical_len", logical,
		"transformed_len", tc.transformed,
	)
	return nil
}

// copyOut grabs the pageCount pages of cluster index, loads any that
// were evicted from the stored cluster, copies length bytes into tc and
// clears the dirty markers. An evicted page was clean, so the stored
// cluster holds its contents. The returned pages are still referenced.
func (f *File) copyOut(ctx context.Context, index uint64, pageCount, length int, tc *transformCluster) (*pageCluster, error) {
	pc, err := f.grab(index, pageCount, false)
	if err != nil {
		return nil, err
	}
	pc.lock()
	err = f.prepare(ctx, pc)
	if err == nil {
		plain := tc.pair.In()
		plain.Reset()
		for i, page := range pc.pages {
			plain.Append(page.Data[:min(f.geo.pageSize, length-i*f.geo.pageSize)])
			page.ClearDirty()
		}
	}
	pc.unlock()
	if err != nil {
		f.release(pc, false)
		return nil, err
	}
	return pc, nil
}

// redirty puts a cluster whose checkout failed back into the pending
// set, so the copied pages are not lost. The spent blocks become the
// node's reservation again and the node is reinstated past MaxDirty.
func (f *File) redirty(node *clusterNode, pages []*pagecache.Page, spent uint64) {
	res := f.engine.space.Reclaim(spent)
	for _, page := range pages {
		page.Lock()
		if page.Uptodate() {
			page.SetDirty()
		}
		page.Unlock()
	}

	node.mu.Lock()
	defer node.mu.Unlock()
	if node.dirty {
		// A checkin registered the node again while it was out.
		res.Release()
		return
	}
	f.engine.txn.Reinstate(node)
	node.dirty = true
	node.reservation = res
	f.logger.Warn("cluster pending again after failed checkout", "object_id", f.id, "cluster", node.index)
}
