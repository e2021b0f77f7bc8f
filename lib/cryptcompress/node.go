// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cryptcompress

import (
	"context"
	"fmt"
	"sync"

	"github.com/bureau-foundation/clusterfs/lib/space"
	"github.com/bureau-foundation/clusterfs/lib/txn"
)

// clusterNode is the synchronization handle of one page cluster.
type clusterNode struct {
	file  *File
	index uint64

	// mu guards dirty and reservation. A dirty node always holds a
	// reservation of the update cost.
	mu          sync.Mutex
	dirty       bool
	reservation *space.Reservation

	// pages is the page count of the last checkin.
	pages int

	// flushMu serializes checkouts of this cluster.
	flushMu sync.Mutex

	// refs counts page clusters and checkouts using the node. Guarded
	// by File.nodesMu.
	refs int
}

var _ txn.Flushable = (*clusterNode)(nil)

// Flush checks the node out.
func (n *clusterNode) Flush(ctx context.Context) error {
	return n.file.checkout(ctx, n)
}

// FlushKey orders nodes by object then cluster.
func (n *clusterNode) FlushKey() string {
	return fmt.Sprintf("%016x/%016x", n.file.id, n.index)
}

// isDirty reads the dirty flag under the node lock.
func (n *clusterNode) isDirty() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dirty
}

// attachNode returns the node of cluster index with a reference held,
// creating it if needed.
func (f *File) attachNode(index uint64) *clusterNode {
	f.nodesMu.Lock()
	defer f.nodesMu.Unlock()
	node, ok := f.nodes[index]
	if !ok {
		node = &clusterNode{file: f, index: index}
		f.nodes[index] = node
	}
	node.refs++
	return node
}

// holdNode takes a reference on node if it is still the live node of
// its cluster.
func (f *File) holdNode(node *clusterNode) bool {
	f.nodesMu.Lock()
	defer f.nodesMu.Unlock()
	if f.nodes[node.index] != node {
		return false
	}
	node.refs++
	return true
}

// putNode drops a reference and forgets a node that has neither users
// nor pending state.
func (f *File) putNode(node *clusterNode) {
	f.nodesMu.Lock()
	defer f.nodesMu.Unlock()
	node.refs--
	assertf(node.refs >= 0, "cluster %d of object %d: node refs %d", node.index, f.id, node.refs)
	if node.refs > 0 || f.nodes[node.index] != node {
		return
	}
	if !node.isDirty() {
		delete(f.nodes, node.index)
	}
}

// discardNode drops the pending state of a cluster that is being
// truncated away. The cluster's pages must already be dropped.
func (f *File) discardNode(index uint64) {
	f.nodesMu.Lock()
	node, ok := f.nodes[index]
	f.nodesMu.Unlock()
	if !ok {
		return
	}

	node.mu.Lock()
	wasDirty := node.dirty
	node.dirty = false
	node.reservation.Release()
	node.reservation = nil
	if wasDirty {
		f.engine.txn.Unregister(node)
	}
	node.mu.Unlock()

	f.nodesMu.Lock()
	if node.refs == 0 && f.nodes[index] == node {
		delete(f.nodes, index)
	}
	f.nodesMu.Unlock()
}

// dirtyNodes snapshots the dirty nodes of clusters in [from, to).
func (f *File) dirtyNodes(from, to uint64) []*clusterNode {
	f.nodesMu.Lock()
	defer f.nodesMu.Unlock()
	var nodes []*clusterNode
	for index, node := range f.nodes {
		if index >= from && index < to && node.isDirty() {
			nodes = append(nodes, node)
		}
	}
	return nodes
}
