// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bolttree_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/clusterfs/lib/tree"
	"github.com/bureau-foundation/clusterfs/lib/tree/bolttree"
	"github.com/bureau-foundation/clusterfs/lib/tree/treetest"
)

func TestTree(t *testing.T) {
	treetest.Run(t, func(t *testing.T, maxItemSize int) tree.Tree {
		store, err := bolttree.Open(bolttree.Config{
			Path:        filepath.Join(t.TempDir(), "volume.bolt"),
			MaxItemSize: maxItemSize,
			NoSync:      true,
		})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		return store
	})
}

func TestCutSpansManyKeys(t *testing.T) {
	store, err := bolttree.Open(bolttree.Config{Path: filepath.Join(t.TempDir(), "volume.bolt"), NoSync: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	for offset := uint64(0); offset < 500; offset++ {
		item := tree.Item{Key: tree.Key{ObjectID: 3, Kind: tree.KindBody, Offset: offset}, Data: []byte{byte(offset)}}
		if err := store.Insert(ctx, item); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	removed, err := store.Cut(ctx,
		tree.Key{ObjectID: 3, Kind: tree.KindBody, Offset: 100},
		tree.Key{ObjectID: 3, Kind: tree.KindBody, Offset: 400})
	if err != nil {
		t.Fatalf("Cut: %v", err)
	}
	if removed != 300 {
		t.Errorf("Cut removed %d, want 300", removed)
	}

	cursor, err := store.Lookup(ctx, tree.Key{ObjectID: 3, Kind: tree.KindBody, Offset: 99}, tree.Next)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	more, err := cursor.Next(ctx)
	if err != nil || !more {
		t.Fatalf("Next = %v, %v", more, err)
	}
	if got := cursor.Item().Key.Offset; got != 400 {
		t.Errorf("item after the cut range is at %d, want 400", got)
	}
}
