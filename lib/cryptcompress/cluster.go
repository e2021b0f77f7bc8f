// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cryptcompress

import (
	"fmt"

	"github.com/bureau-foundation/clusterfs/lib/transform"
	"github.com/bureau-foundation/clusterfs/lib/tree"
)

// DefaultInsertOverhead is the extra reservation taken when a write
// creates a disk cluster, on top of the update cost.
const DefaultInsertOverhead = 2

// DiskState classifies the stored form of one logical cluster.
type DiskState uint8

const (
	// Invalid is a cluster that has not been probed.
	Invalid DiskState = iota

	// Fake is a cluster with no stored bytes. It reads as zeros.
	Fake

	// Unprepped is a placeholder inserted by the first write.
	Unprepped

	// Prepped is a cluster in its encoded form.
	Prepped

	// Truncated is a cluster whose deletion is in progress.
	Truncated
)

func (s DiskState) String() string {
	switch s {
	case Invalid:
		return "invalid"
	case Fake:
		return "fake"
	case Unprepped:
		return "unprepped"
	case Prepped:
		return "prepped"
	case Truncated:
		return "truncated"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// WindowKind tells data windows from hole windows.
type WindowKind uint8

const (
	// WindowData covers bytes supplied by the writer.
	WindowData WindowKind = iota

	// WindowHole covers a gap that is zero-filled in place.
	WindowHole
)

// Slide describes the part of one cluster a write touches. For a hole
// window, Count bytes at Off are zero-filled and Delta is the number of
// data bytes that follow the hole in the same cluster.
type Slide struct {
	Off   int
	Count int
	Delta int
	Kind  WindowKind
}

// End is the cluster-relative offset just past the window.
func (s Slide) End() int { return s.Off + s.Count + s.Delta }

// Materialized is the data window that remains once a hole window has
// been zero-filled.
func (s Slide) Materialized() Slide {
	if s.Kind != WindowHole {
		return s
	}
	return Slide{Off: s.Off + s.Count, Count: s.Delta, Kind: WindowData}
}

// ClusterInfo is the result of probing a disk cluster.
type ClusterInfo struct {
	State DiskState

	// Logical is the decoded length recorded on disk.
	Logical int

	// Transformed is the encoded length of the whole cluster.
	Transformed int

	// Items is the number of tree items holding the cluster.
	Items int
}

// geometry is the fixed layout of one file.
type geometry struct {
	objectID        uint64
	clusterShift    uint
	clusterSize     int
	pageSize        int
	pagesPerCluster int

	// blockSize is the cipher block size, zero without a cipher.
	blockSize      int
	maxItemSize    int
	insertOverhead int
}

func newGeometry(objectID uint64, attrs Attributes, pageSize, maxItemSize, insertOverhead int) geometry {
	blockSize := 0
	if attrs.Cipher != transform.CipherNone {
		blockSize = transform.CipherBlockSize
	}
	return geometry{
		objectID:        objectID,
		clusterShift:    uint(attrs.ClusterShift),
		clusterSize:     attrs.ClusterSize(),
		pageSize:        pageSize,
		pagesPerCluster: attrs.ClusterSize() / pageSize,
		blockSize:       blockSize,
		maxItemSize:     maxItemSize,
		insertOverhead:  insertOverhead,
	}
}

func (g geometry) index(offset int64) uint64 { return uint64(offset) >> g.clusterShift }

func (g geometry) base(index uint64) int64 { return int64(index << g.clusterShift) }

// clusterCount is the number of clusters holding size bytes.
func (g geometry) clusterCount(size int64) uint64 {
	return (uint64(size) + uint64(g.clusterSize) - 1) >> g.clusterShift
}

// clusterLen is the logical length of cluster index in a file of size
// bytes.
func (g geometry) clusterLen(size int64, index uint64) int {
	remaining := size - g.base(index)
	if remaining <= 0 {
		return 0
	}
	return int(min(remaining, int64(g.clusterSize)))
}

func (g geometry) pagesFor(length int) int {
	return (length + g.pageSize - 1) / g.pageSize
}

// scale maps a logical byte offset to a key offset, leaving room for
// the cipher padding of every preceding cluster.
func (g geometry) scale(offset uint64) uint64 {
	if g.blockSize == 0 {
		return offset
	}
	return offset + (offset>>g.clusterShift)*uint64(g.blockSize)
}

func (g geometry) key(index uint64) tree.Key {
	return tree.Key{ObjectID: g.objectID, Kind: tree.KindBody, Offset: g.scale(index << g.clusterShift)}
}

// keyRange is the half-open key range owned by cluster index.
func (g geometry) keyRange(index uint64) (tree.Key, tree.Key) {
	return g.key(index), g.key(index + 1)
}

func (g geometry) belongs(key tree.Key, index uint64) bool {
	from, to := g.keyRange(index)
	return key.Compare(from) >= 0 && key.Compare(to) < 0
}

// isClusterBase reports whether a body key starts a cluster.
func (g geometry) isClusterBase(offset uint64) bool {
	return offset%uint64(g.clusterSize+g.blockSize) == 0
}

// expectedLen is the stored length of an uncompressed cluster of
// logical bytes.
func (g geometry) expectedLen(logical int) int {
	if g.blockSize == 0 {
		return logical
	}
	return transform.PaddedLen(logical, g.blockSize)
}

// updateCost is the worst-case block count of rewriting one cluster.
func (g geometry) updateCost() uint64 {
	worst := g.clusterSize + g.blockSize + transform.ChecksumSize
	return uint64((worst + g.maxItemSize - 1) / g.maxItemSize)
}

// insertCost is the worst-case block count of creating one cluster.
func (g geometry) insertCost() uint64 {
	return g.updateCost() + uint64(g.insertOverhead)
}

// diskBlocks is the accounted size of a stored cluster. A placeholder
// carries no bytes and is charged the insert overhead.
func (g geometry) diskBlocks(transformed int) uint64 {
	if transformed == 0 {
		return uint64(g.insertOverhead)
	}
	return uint64((transformed + g.maxItemSize - 1) / g.maxItemSize)
}
