// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bolttree stores tree items in a bbolt database.
//
// All items live in one bucket. Keys are 17 bytes: the object id and
// offset big-endian around a one-byte kind, so bbolt's byte order
// equals tree.Key order. Values are a 9-byte header (state, logical,
// total) followed by the payload.
package bolttree

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/bureau-foundation/clusterfs/lib/tree"
)

const (
	keySize    = 17
	headerSize = 9
)

var itemsBucket = []byte("items")

// Config configures a Tree.
type Config struct {
	// Path is the database file, created with mode 0600.
	Path string

	// MaxItemSize bounds item payloads. Zero selects
	// tree.DefaultMaxItemSize.
	MaxItemSize int

	// NoSync skips fsync on commit. Only for tests.
	NoSync bool
}

// Tree implements tree.Tree on bbolt.
type Tree struct {
	db          *bolt.DB
	maxItemSize int
	closed      atomic.Bool
}

var _ tree.Tree = (*Tree)(nil)

// Open opens or creates the database at cfg.Path.
func Open(cfg Config) (*Tree, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("bolttree: Path is required")
	}
	maxItemSize := cfg.MaxItemSize
	if maxItemSize <= 0 {
		maxItemSize = tree.DefaultMaxItemSize
	}

	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: 5 * time.Second, NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("bolttree: opening %s: %w", cfg.Path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(itemsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bolttree: initializing %s: %w", cfg.Path, err)
	}
	return &Tree{db: db, maxItemSize: maxItemSize}, nil
}

func encodeKey(key tree.Key) []byte {
	buffer := make([]byte, keySize)
	binary.BigEndian.PutUint64(buffer[0:8], key.ObjectID)
	buffer[8] = byte(key.Kind)
	binary.BigEndian.PutUint64(buffer[9:17], key.Offset)
	return buffer
}

func decodeKey(buffer []byte) (tree.Key, error) {
	if len(buffer) != keySize {
		return tree.Key{}, fmt.Errorf("bolttree: key has %d bytes, want %d", len(buffer), keySize)
	}
	return tree.Key{
		ObjectID: binary.BigEndian.Uint64(buffer[0:8]),
		Kind:     tree.Kind(buffer[8]),
		Offset:   binary.BigEndian.Uint64(buffer[9:17]),
	}, nil
}

func encodeValue(item tree.Item) []byte {
	buffer := make([]byte, headerSize+len(item.Data))
	buffer[0] = byte(item.State)
	binary.BigEndian.PutUint32(buffer[1:5], item.Logical)
	binary.BigEndian.PutUint32(buffer[5:9], item.Total)
	copy(buffer[headerSize:], item.Data)
	return buffer
}

// decodeItem copies out of bbolt's mmap, which is only valid inside
// the transaction.
func decodeItem(key, value []byte) (tree.Item, error) {
	decoded, err := decodeKey(key)
	if err != nil {
		return tree.Item{}, err
	}
	if len(value) < headerSize {
		return tree.Item{}, fmt.Errorf("bolttree: value for %s has %d bytes", decoded, len(value))
	}
	item := tree.Item{
		Key:     decoded,
		State:   tree.State(value[0]),
		Logical: binary.BigEndian.Uint32(value[1:5]),
		Total:   binary.BigEndian.Uint32(value[5:9]),
	}
	if len(value) > headerSize {
		item.Data = bytes.Clone(value[headerSize:])
	}
	return item, nil
}

// seek returns the first item at or after key, or strictly after it.
func (t *Tree) seek(key tree.Key, after bool) (tree.Item, error) {
	var (
		item  tree.Item
		found bool
	)
	encoded := encodeKey(key)
	err := t.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(itemsBucket).Cursor()
		k, v := cursor.Seek(encoded)
		if after && k != nil && bytes.Equal(k, encoded) {
			k, v = cursor.Next()
		}
		if k == nil {
			return nil
		}
		var err error
		item, err = decodeItem(k, v)
		found = err == nil
		return err
	})
	if err != nil {
		return tree.Item{}, err
	}
	if !found {
		return tree.Item{}, tree.ErrNotFound
	}
	return item, nil
}

// Lookup implements tree.Tree.
func (t *Tree) Lookup(ctx context.Context, key tree.Key, bias tree.Bias) (tree.Cursor, error) {
	if t.closed.Load() {
		return nil, tree.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	item, err := t.seek(key, false)
	if err != nil {
		return nil, err
	}
	if bias == tree.Exact && item.Key != key {
		return nil, tree.ErrNotFound
	}
	return &cursor{tree: t, current: item}, nil
}

// Insert implements tree.Tree.
func (t *Tree) Insert(ctx context.Context, item tree.Item) error {
	if t.closed.Load() {
		return tree.ErrClosed
	}
	if err := tree.ValidateItem(item, t.maxItemSize); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(itemsBucket).Put(encodeKey(item.Key), encodeValue(item))
	})
	if err != nil {
		return fmt.Errorf("bolttree: insert %s: %w", item.Key, err)
	}
	return nil
}

func cut(bucket *bolt.Bucket, from, to tree.Key) (int, error) {
	upper := encodeKey(to)
	cursor := bucket.Cursor()
	removed := 0
	for k, _ := cursor.Seek(encodeKey(from)); k != nil && bytes.Compare(k, upper) < 0; {
		deleted := bytes.Clone(k)
		if err := cursor.Delete(); err != nil {
			return removed, err
		}
		removed++
		// Delete leaves the cursor between items; re-seek from the
		// deleted key.
		k, _ = cursor.Seek(deleted)
	}
	return removed, nil
}

// Cut implements tree.Tree.
func (t *Tree) Cut(ctx context.Context, from, to tree.Key) (int, error) {
	if t.closed.Load() {
		return 0, tree.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var removed int
	err := t.db.Update(func(tx *bolt.Tx) error {
		var err error
		removed, err = cut(tx.Bucket(itemsBucket), from, to)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("bolttree: cut [%s, %s): %w", from, to, err)
	}
	return removed, nil
}

// Replace implements tree.Tree.
func (t *Tree) Replace(ctx context.Context, from, to tree.Key, items []tree.Item) error {
	if t.closed.Load() {
		return tree.ErrClosed
	}
	for _, item := range items {
		if err := tree.ValidateItem(item, t.maxItemSize); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := t.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(itemsBucket)
		if _, err := cut(bucket, from, to); err != nil {
			return err
		}
		for _, item := range items {
			if err := bucket.Put(encodeKey(item.Key), encodeValue(item)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("bolttree: replace [%s, %s): %w", from, to, err)
	}
	return nil
}

// MaxItemSize implements tree.Tree.
func (t *Tree) MaxItemSize() int { return t.maxItemSize }

// Close implements tree.Tree.
func (t *Tree) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.db.Close()
}

type cursor struct {
	tree    *Tree
	current tree.Item
}

func (c *cursor) Item() tree.Item { return c.current }

func (c *cursor) Next(ctx context.Context) (bool, error) {
	if c.tree.closed.Load() {
		return false, tree.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	item, err := c.tree.seek(c.current.Key, true)
	if errors.Is(err, tree.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.current = item
	return true, nil
}

func (c *cursor) Close() error { return nil }
