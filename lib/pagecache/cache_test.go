// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pagecache

import (
	"errors"
	"testing"
)

func newTestCache(t *testing.T, maxPages int) *Cache {
	t.Helper()
	cache, err := New(Options{PageSize: 1024, MaxPages: maxPages})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return cache
}

func TestGrabAllocatesZeroPage(t *testing.T) {
	cache := newTestCache(t, 4)
	page, err := cache.Grab(Key{File: 1, Cluster: 0, Page: 0})
	if err != nil {
		t.Fatalf("Grab: %v", err)
	}
	defer cache.Release(page)

	if len(page.Data) != 1024 {
		t.Errorf("len(Data) = %d, want 1024", len(page.Data))
	}
	if page.Uptodate() || page.Dirty() {
		t.Error("fresh page is uptodate or dirty")
	}
}

func TestGrabReturnsResidentPage(t *testing.T) {
	cache := newTestCache(t, 4)
	key := Key{File: 1, Cluster: 2, Page: 1}

	first, _ := cache.Grab(key)
	first.Data[0] = 42
	first.SetUptodate()
	cache.Release(first)

	second, err := cache.Grab(key)
	if err != nil {
		t.Fatalf("Grab: %v", err)
	}
	defer cache.Release(second)
	if second != first || second.Data[0] != 42 {
		t.Error("Grab did not return the resident page")
	}
	if stats := cache.Stats(); stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("Stats() = %+v, want 1 hit and 1 miss", stats)
	}
}

func TestGrabEvictsIdleCleanPage(t *testing.T) {
	cache := newTestCache(t, 2)

	for index := uint32(0); index < 2; index++ {
		page, err := cache.Grab(Key{File: 1, Page: index})
		if err != nil {
			t.Fatalf("Grab(%d): %v", index, err)
		}
		cache.Release(page)
	}

	page, err := cache.Grab(Key{File: 1, Page: 2})
	if err != nil {
		t.Fatalf("Grab beyond MaxPages with idle pages: %v", err)
	}
	defer cache.Release(page)

	if cache.Lookup(Key{File: 1, Page: 0}) != nil {
		t.Error("oldest idle page was not evicted")
	}
	if stats := cache.Stats(); stats.Pages != 2 || stats.Evictions != 1 {
		t.Errorf("Stats() = %+v, want 2 pages and 1 eviction", stats)
	}
}

func TestGrabOutOfMemory(t *testing.T) {
	cache := newTestCache(t, 2)

	held, _ := cache.Grab(Key{File: 1, Page: 0})
	defer cache.Release(held)

	dirty, _ := cache.Grab(Key{File: 1, Page: 1})
	dirty.SetDirty()
	cache.Release(dirty)

	_, err := cache.Grab(Key{File: 1, Page: 2})
	if !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("Grab error = %v, want ErrOutOfMemory", err)
	}

	// The dirty page must survive the failed eviction attempt.
	again := cache.Lookup(Key{File: 1, Page: 1})
	if again == nil || !again.Dirty() {
		t.Fatal("dirty page lost")
	}
	cache.Release(again)
}

func TestDropDetachesPages(t *testing.T) {
	cache := newTestCache(t, 16)
	var held *Page
	for cluster := uint64(0); cluster < 3; cluster++ {
		for index := uint32(0); index < 2; index++ {
			page, _ := cache.Grab(Key{File: 1, Cluster: cluster, Page: index})
			page.SetUptodate()
			if cluster == 2 && index == 1 {
				held = page
				continue
			}
			cache.Release(page)
		}
	}
	other, _ := cache.Grab(Key{File: 2, Cluster: 5})
	cache.Release(other)

	if dropped := cache.Drop(1, 1, 1); dropped != 3 {
		t.Errorf("Drop returned %d, want 3", dropped)
	}
	if held.Uptodate() {
		t.Error("held page still uptodate after Drop")
	}
	cache.Release(held)

	for _, key := range []Key{{1, 0, 0}, {1, 0, 1}, {1, 1, 0}, {2, 5, 0}} {
		page := cache.Lookup(key)
		if page == nil {
			t.Errorf("page %s dropped", key)
			continue
		}
		cache.Release(page)
	}
	if page := cache.Lookup(Key{1, 1, 1}); page != nil {
		t.Error("page 1/1/1 survived Drop")
	}
	if stats := cache.Stats(); stats.Pages != 4 {
		t.Errorf("Stats().Pages = %d, want 4", stats.Pages)
	}
}

func TestReleaseUnreferencedPanics(t *testing.T) {
	cache := newTestCache(t, 2)
	page, _ := cache.Grab(Key{})
	cache.Release(page)

	defer func() {
		if recover() == nil {
			t.Error("double release did not panic")
		}
	}()
	cache.Release(page)
}

func TestDropClusterLeavesOtherClusters(t *testing.T) {
	cache := newTestCache(t, 8)
	keys := []Key{{1, 0, 0}, {1, 0, 1}, {1, 1, 0}, {1, 1, 1}, {1, 2, 0}}
	for _, key := range keys {
		page, err := cache.Grab(key)
		if err != nil {
			t.Fatalf("Grab(%s): %v", key, err)
		}
		page.SetUptodate()
		cache.Release(page)
	}

	if dropped := cache.DropCluster(1, 1, 1); dropped != 1 {
		t.Errorf("DropCluster dropped %d pages, want 1", dropped)
	}
	if page := cache.Lookup(Key{1, 1, 1}); page != nil {
		t.Error("page 1/1/1 survived DropCluster")
	}
	for _, key := range []Key{{1, 0, 1}, {1, 1, 0}, {1, 2, 0}} {
		page := cache.Lookup(key)
		if page == nil {
			t.Errorf("page %s dropped", key)
			continue
		}
		cache.Release(page)
	}
}
