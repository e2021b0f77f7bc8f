// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tree

import (
	"context"
	"slices"
	"sync"
)

// Memory is a Tree backed by a sorted slice. Used in tests and for
// scratch volumes.
type Memory struct {
	mu          sync.RWMutex
	items       []Item
	maxItemSize int
	closed      bool
}

var _ Tree = (*Memory)(nil)

// NewMemory returns an empty tree. A maxItemSize of zero selects
// DefaultMaxItemSize.
func NewMemory(maxItemSize int) *Memory {
	if maxItemSize <= 0 {
		maxItemSize = DefaultMaxItemSize
	}
	return &Memory{maxItemSize: maxItemSize}
}

func (m *Memory) search(key Key) (int, bool) {
	return slices.BinarySearchFunc(m.items, key, func(item Item, target Key) int {
		return item.Key.Compare(target)
	})
}

// Lookup implements Tree.
func (m *Memory) Lookup(_ context.Context, key Key, bias Bias) (Cursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	index, found := m.search(key)
	if bias == Exact && !found {
		return nil, ErrNotFound
	}
	if index >= len(m.items) {
		return nil, ErrNotFound
	}
	return &memoryCursor{tree: m, current: m.items[index]}, nil
}

// Insert implements Tree.
func (m *Memory) Insert(_ context.Context, item Item) error {
	if err := ValidateItem(item, m.maxItemSize); err != nil {
		return err
	}
	item.Data = slices.Clone(item.Data)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.insertLocked(item)
	return nil
}

func (m *Memory) insertLocked(item Item) {
	index, found := m.search(item.Key)
	if found {
		m.items[index] = item
		return
	}
	m.items = slices.Insert(m.items, index, item)
}

// Cut implements Tree.
func (m *Memory) Cut(_ context.Context, from, to Key) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return m.cutLocked(from, to), nil
}

func (m *Memory) cutLocked(from, to Key) int {
	start, _ := m.search(from)
	end, _ := m.search(to)
	if end <= start {
		return 0
	}
	m.items = slices.Delete(m.items, start, end)
	return end - start
}

// Replace implements Tree.
func (m *Memory) Replace(_ context.Context, from, to Key, items []Item) error {
	cloned := make([]Item, len(items))
	for index, item := range items {
		if err := ValidateItem(item, m.maxItemSize); err != nil {
			return err
		}
		item.Data = slices.Clone(item.Data)
		cloned[index] = item
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.cutLocked(from, to)
	for _, item := range cloned {
		m.insertLocked(item)
	}
	return nil
}

// MaxItemSize implements Tree.
func (m *Memory) MaxItemSize() int { return m.maxItemSize }

// Len returns the number of stored items.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Close implements Tree.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.items = nil
	return nil
}

// memoryCursor re-seeks on every Next so it stays valid across
// concurrent mutation.
type memoryCursor struct {
	tree    *Memory
	current Item
}

func (c *memoryCursor) Item() Item { return c.current }

func (c *memoryCursor) Next(_ context.Context) (bool, error) {
	c.tree.mu.RLock()
	defer c.tree.mu.RUnlock()
	if c.tree.closed {
		return false, ErrClosed
	}

	index, found := c.tree.search(c.current.Key)
	if found {
		index++
	}
	if index >= len(c.tree.items) {
		return false, nil
	}
	c.current = c.tree.items[index]
	return true, nil
}

func (c *memoryCursor) Close() error { return nil }
