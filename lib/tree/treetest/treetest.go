// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package treetest is the behavioral test suite shared by every
// tree.Tree implementation.
package treetest

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/bureau-foundation/clusterfs/lib/tree"
)

// Opener returns a fresh, empty tree. The suite closes it.
type Opener func(t *testing.T, maxItemSize int) tree.Tree

// Run exercises open against the Tree contract.
func Run(t *testing.T, open Opener) {
	t.Run("InsertLookupExact", func(t *testing.T) { testInsertLookupExact(t, open) })
	t.Run("LookupNext", func(t *testing.T) { testLookupNext(t, open) })
	t.Run("InsertReplacesSameKey", func(t *testing.T) { testInsertReplaces(t, open) })
	t.Run("CursorOrder", func(t *testing.T) { testCursorOrder(t, open) })
	t.Run("Cut", func(t *testing.T) { testCut(t, open) })
	t.Run("Replace", func(t *testing.T) { testReplace(t, open) })
	t.Run("ItemSizeLimit", func(t *testing.T) { testItemSizeLimit(t, open) })
	t.Run("Closed", func(t *testing.T) { testClosed(t, open) })
}

func body(objectID, offset uint64, data string) tree.Item {
	return tree.Item{
		Key:     tree.Key{ObjectID: objectID, Kind: tree.KindBody, Offset: offset},
		State:   tree.StatePrepped,
		Logical: uint32(len(data)),
		Total:   uint32(len(data)),
		Data:    []byte(data),
	}
}

func mustInsert(t *testing.T, store tree.Tree, items ...tree.Item) {
	t.Helper()
	for _, item := range items {
		if err := store.Insert(context.Background(), item); err != nil {
			t.Fatalf("Insert(%s): %v", item.Key, err)
		}
	}
}

func collect(t *testing.T, store tree.Tree, from tree.Key) []tree.Item {
	t.Helper()
	ctx := context.Background()
	cursor, err := store.Lookup(ctx, from, tree.Next)
	if errors.Is(err, tree.ErrNotFound) {
		return nil
	}
	if err != nil {
		t.Fatalf("Lookup(%s): %v", from, err)
	}
	defer cursor.Close()

	items := []tree.Item{cursor.Item()}
	for {
		more, err := cursor.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !more {
			return items
		}
		items = append(items, cursor.Item())
	}
}

func openTree(t *testing.T, open Opener, maxItemSize int) tree.Tree {
	t.Helper()
	store := open(t, maxItemSize)
	t.Cleanup(func() { store.Close() })
	return store
}

func testInsertLookupExact(t *testing.T, open Opener) {
	store := openTree(t, open, 0)
	ctx := context.Background()
	item := body(5, 4096, "payload")
	item.State = tree.StateUnprepped
	item.Logical = 100
	item.Total = 7
	mustInsert(t, store, item)

	cursor, err := store.Lookup(ctx, item.Key, tree.Exact)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	defer cursor.Close()

	got := cursor.Item()
	if got.Key != item.Key || got.State != item.State || got.Logical != 100 || got.Total != 7 {
		t.Errorf("Lookup returned %+v, want %+v", got, item)
	}
	if !bytes.Equal(got.Data, item.Data) {
		t.Errorf("Data = %q, want %q", got.Data, item.Data)
	}

	_, err = store.Lookup(ctx, tree.Key{ObjectID: 5, Kind: tree.KindBody, Offset: 0}, tree.Exact)
	if !errors.Is(err, tree.ErrNotFound) {
		t.Errorf("Lookup(missing) error = %v, want ErrNotFound", err)
	}
}

func testLookupNext(t *testing.T, open Opener) {
	store := openTree(t, open, 0)
	ctx := context.Background()
	mustInsert(t, store, body(1, 100, "a"), body(1, 300, "b"))

	cursor, err := store.Lookup(ctx, tree.Key{ObjectID: 1, Kind: tree.KindBody, Offset: 101}, tree.Next)
	if err != nil {
		t.Fatalf("Lookup(Next): %v", err)
	}
	if got := cursor.Item().Key.Offset; got != 300 {
		t.Errorf("Lookup(Next, 101) landed on %d, want 300", got)
	}
	cursor.Close()

	_, err = store.Lookup(ctx, tree.Key{ObjectID: 1, Kind: tree.KindBody, Offset: 301}, tree.Next)
	if !errors.Is(err, tree.ErrNotFound) {
		t.Errorf("Lookup(Next) past end error = %v, want ErrNotFound", err)
	}
}

func testInsertReplaces(t *testing.T, open Opener) {
	store := openTree(t, open, 0)
	first := body(1, 0, "first")
	second := body(1, 0, "second")
	second.State = tree.StateTruncated
	mustInsert(t, store, first, second)

	items := collect(t, store, tree.Key{})
	if len(items) != 1 {
		t.Fatalf("tree holds %d items, want 1", len(items))
	}
	if string(items[0].Data) != "second" || items[0].State != tree.StateTruncated {
		t.Errorf("item = %+v, want the second insert", items[0])
	}
}

func testCursorOrder(t *testing.T, open Opener) {
	store := openTree(t, open, 0)
	stat := tree.Item{Key: tree.Key{ObjectID: 2, Kind: tree.KindStat}, Data: []byte("stat")}
	mustInsert(t, store,
		body(2, 8192, "c"),
		body(1, 0, "a"),
		stat,
		body(2, 0, "b"),
		body(3, 0, "d"),
	)

	var got []tree.Key
	for _, item := range collect(t, store, tree.Key{}) {
		got = append(got, item.Key)
	}
	want := []tree.Key{
		{ObjectID: 1, Kind: tree.KindBody, Offset: 0},
		{ObjectID: 2, Kind: tree.KindStat, Offset: 0},
		{ObjectID: 2, Kind: tree.KindBody, Offset: 0},
		{ObjectID: 2, Kind: tree.KindBody, Offset: 8192},
		{ObjectID: 3, Kind: tree.KindBody, Offset: 0},
	}
	if len(got) != len(want) {
		t.Fatalf("cursor visited %v, want %v", got, want)
	}
	for index := range want {
		if got[index] != want[index] {
			t.Errorf("position %d: %s, want %s", index, got[index], want[index])
		}
	}
}

func testCut(t *testing.T, open Opener) {
	store := openTree(t, open, 0)
	ctx := context.Background()
	mustInsert(t, store, body(1, 0, "a"), body(1, 10, "b"), body(1, 20, "c"), body(2, 0, "d"))

	removed, err := store.Cut(ctx,
		tree.Key{ObjectID: 1, Kind: tree.KindBody, Offset: 10},
		tree.Key{ObjectID: 2, Kind: tree.KindBody, Offset: 0})
	if err != nil {
		t.Fatalf("Cut: %v", err)
	}
	if removed != 2 {
		t.Errorf("Cut removed %d, want 2", removed)
	}

	items := collect(t, store, tree.Key{})
	if len(items) != 2 || string(items[0].Data) != "a" || string(items[1].Data) != "d" {
		t.Errorf("after Cut tree holds %+v", items)
	}

	removed, err = store.Cut(ctx, tree.Key{ObjectID: 9}, tree.Key{ObjectID: 10})
	if err != nil || removed != 0 {
		t.Errorf("Cut(empty range) = %d, %v", removed, err)
	}
}

func testReplace(t *testing.T, open Opener) {
	store := openTree(t, open, 0)
	ctx := context.Background()
	mustInsert(t, store, body(1, 0, "old0"), body(1, 4, "old1"), body(1, 100, "keep"))

	err := store.Replace(ctx,
		tree.Key{ObjectID: 1, Kind: tree.KindBody, Offset: 0},
		tree.Key{ObjectID: 1, Kind: tree.KindBody, Offset: 100},
		[]tree.Item{body(1, 0, "new")})
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}

	items := collect(t, store, tree.Key{})
	if len(items) != 2 || string(items[0].Data) != "new" || string(items[1].Data) != "keep" {
		t.Errorf("after Replace tree holds %+v", items)
	}
}

func testItemSizeLimit(t *testing.T, open Opener) {
	store := openTree(t, open, 64)
	if store.MaxItemSize() != 64 {
		t.Errorf("MaxItemSize() = %d, want 64", store.MaxItemSize())
	}
	err := store.Insert(context.Background(), body(1, 0, string(make([]byte, 65))))
	if err == nil {
		t.Error("Insert of oversized item succeeded")
	}
}

func testClosed(t *testing.T, open Opener) {
	store := open(t, 0)
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := store.Insert(context.Background(), body(1, 0, "x")); err == nil {
		t.Error("Insert after Close succeeded")
	}
}
