// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cryptcompress

import (
	"github.com/bureau-foundation/clusterfs/lib/pagecache"
)

// pageCluster is the run of cache pages backing one logical cluster.
type pageCluster struct {
	index uint64
	pages []*pagecache.Page

	// node is attached for write grabs only.
	node *clusterNode
}

func (f *File) pageKey(index uint64, page int) pagecache.Key {
	return pagecache.Key{File: f.id, Cluster: index, Page: uint32(page)}
}

// grab returns count referenced pages of cluster index. A write grab
// also attaches the cluster node. On failure every page taken so far is
// released.
func (f *File) grab(index uint64, count int, forWrite bool) (*pageCluster, error) {
	pc := &pageCluster{index: index, pages: make([]*pagecache.Page, 0, count)}
	for page := range count {
		grabbed, err := f.engine.cache.Grab(f.pageKey(index, page))
		if err != nil {
			f.releasePages(pc.pages)
			return nil, err
		}
		pc.pages = append(pc.pages, grabbed)
		f.inFlight.Add(1)
	}
	if forWrite {
		pc.node = f.attachNode(index)
	}
	return pc, nil
}

func (f *File) releasePages(pages []*pagecache.Page) {
	for _, page := range pages {
		f.engine.cache.Release(page)
		f.inFlight.Add(-1)
	}
}

// release drops the caller's references. A write release also drops
// the node reference; a node left clean is forgotten.
func (f *File) release(pc *pageCluster, isWrite bool) {
	f.releasePages(pc.pages)
	pc.pages = nil
	if isWrite && pc.node != nil {
		f.putNode(pc.node)
		pc.node = nil
	}
}

func (pc *pageCluster) lock() {
	for _, page := range pc.pages {
		page.Lock()
	}
}

func (pc *pageCluster) unlock() {
	for _, page := range pc.pages {
		page.Unlock()
	}
}

// uptodate reports whether every page holds valid contents.
func (pc *pageCluster) uptodate() bool {
	for _, page := range pc.pages {
		if !page.Uptodate() {
			return false
		}
	}
	return true
}

// markDirtyAndUptodate runs with the pages locked, after the edit.
func (pc *pageCluster) markDirtyAndUptodate() {
	for _, page := range pc.pages {
		page.SetUptodate()
		page.SetDirty()
	}
}

// fill copies plain into the pages that are not uptodate and zeroes
// what plain does not cover. Pages must be locked.
func (pc *pageCluster) fill(plain []byte, pageSize int) {
	for i, page := range pc.pages {
		if page.Uptodate() {
			continue
		}
		start := i * pageSize
		copied := 0
		if start < len(plain) {
			copied = copy(page.Data, plain[start:])
		}
		clear(page.Data[copied:])
		page.SetUptodate()
	}
}

// zero clears cluster-relative bytes [from, to). Pages must be locked.
func (pc *pageCluster) zero(from, to, pageSize int) {
	for from < to {
		page, offset := from/pageSize, from%pageSize
		n := min(pageSize-offset, to-from)
		clear(pc.pages[page].Data[offset : offset+n])
		from += n
	}
}

// write copies data to cluster-relative offset at. Pages must be
// locked.
func (pc *pageCluster) write(at int, data []byte, pageSize int) {
	for len(data) > 0 {
		page, offset := at/pageSize, at%pageSize
		n := copy(pc.pages[page].Data[offset:], data)
		data = data[n:]
		at += n
	}
}

// read copies cluster-relative bytes at offset into dst. Pages must be
// locked.
func (pc *pageCluster) read(at int, dst []byte, pageSize int) {
	for len(dst) > 0 {
		page, offset := at/pageSize, at%pageSize
		n := copy(dst, pc.pages[page].Data[offset:])
		dst = dst[n:]
		at += n
	}
}
