// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package tree defines the ordered item store that holds disk clusters
// and stat records, and provides an in-memory implementation.
//
// Keys order lexicographically by (ObjectID, Kind, Offset). A logical
// cluster may be stored as several consecutive body items; every item
// of a cluster carries the cluster's logical length and total encoded
// length so a reader can tell a complete chain from a broken one.
//
// Implementations: [Memory] here, sqltree (SQLite) and bolttree (bbolt)
// in subpackages. All are safe for concurrent use. Item.Data returned
// by a Cursor must be treated as read-only.
package tree

import (
	"cmp"
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Lookup when no item matches.
var ErrNotFound = errors.New("tree: item not found")

// ErrClosed is returned by every operation on a closed tree.
var ErrClosed = errors.New("tree: closed")

// Kind separates the item families of one object.
type Kind uint8

const (
	// KindStat holds the object's stat record at Offset 0.
	KindStat Kind = 1

	// KindBody holds encoded cluster bytes at scaled byte offsets.
	KindBody Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindStat:
		return "stat"
	case KindBody:
		return "body"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Key addresses one item.
type Key struct {
	ObjectID uint64
	Kind     Kind
	Offset   uint64
}

// Compare orders keys by object, kind, then offset.
func (k Key) Compare(other Key) int {
	if c := cmp.Compare(k.ObjectID, other.ObjectID); c != 0 {
		return c
	}
	if c := cmp.Compare(k.Kind, other.Kind); c != 0 {
		return c
	}
	return cmp.Compare(k.Offset, other.Offset)
}

func (k Key) String() string {
	return fmt.Sprintf("(%d,%s,%d)", k.ObjectID, k.Kind, k.Offset)
}

// State is the conversion state of a body item.
type State uint8

const (
	// StateUnprepped is a placeholder inserted by the first write to a
	// cluster that has not been through a flush yet.
	StateUnprepped State = 1

	// StatePrepped is a cluster in its final encoded form.
	StatePrepped State = 2

	// StateTruncated marks a cluster whose deletion is in progress.
	StateTruncated State = 3
)

func (s State) String() string {
	switch s {
	case StateUnprepped:
		return "unprepped"
	case StatePrepped:
		return "prepped"
	case StateTruncated:
		return "truncated"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Item is one stored record.
type Item struct {
	Key   Key
	State State

	// Logical is the decoded length of the cluster this item belongs
	// to. Total is the encoded length of the whole cluster, summed over
	// all of its items.
	Logical uint32
	Total   uint32

	Data []byte
}

// Bias selects Lookup matching.
type Bias uint8

const (
	// Exact matches only the given key.
	Exact Bias = iota

	// Next matches the first key at or after the given key.
	Next
)

// Cursor walks items in key order.
type Cursor interface {
	// Item returns the current item.
	Item() Item

	// Next advances to the following item. It returns false at the end
	// of the tree.
	Next(ctx context.Context) (bool, error)

	Close() error
}

// Tree is the storage engine contract.
type Tree interface {
	// Lookup positions a cursor at key according to bias.
	Lookup(ctx context.Context, key Key, bias Bias) (Cursor, error)

	// Insert stores item, replacing any item with the same key.
	Insert(ctx context.Context, item Item) error

	// Cut removes every item in [from, to) and returns the count.
	Cut(ctx context.Context, from, to Key) (int, error)

	// Replace atomically cuts [from, to) and inserts items.
	Replace(ctx context.Context, from, to Key, items []Item) error

	// MaxItemSize is the largest Data length one item may carry.
	MaxItemSize() int

	Close() error
}

// DefaultMaxItemSize is used by implementations when no size is
// configured.
const DefaultMaxItemSize = 4096

// ValidateItem checks an item against the size limit.
func ValidateItem(item Item, maxItemSize int) error {
	if len(item.Data) > maxItemSize {
		return fmt.Errorf("tree: item %s carries %d bytes, limit %d", item.Key, len(item.Data), maxItemSize)
	}
	if item.Key.Kind != KindStat && item.Key.Kind != KindBody {
		return fmt.Errorf("tree: item %s has unknown kind", item.Key)
	}
	return nil
}
