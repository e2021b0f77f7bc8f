// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package space accounts for volume capacity in blocks.
//
// Capacity moves between three pools: free, reserved and used. A
// caller reserves the worst-case cost of a change before mutating
// anything, then either spends the reservation (reserved → used) once
// the change is on disk or releases it (reserved → free) if the change
// is abandoned. Freeing used blocks returns them when items are cut.
//
// The Accountant is the only state shared across files and serializes
// every debit and credit under one mutex.
package space

import (
	"errors"
	"fmt"
	"sync"
)

// ErrExhausted is returned by Reserve when free capacity is smaller
// than the request.
var ErrExhausted = errors.New("space: capacity exhausted")

// Stats is a snapshot of the pools.
type Stats struct {
	Total    uint64
	Free     uint64
	Reserved uint64
	Used     uint64
}

// Accountant tracks the capacity of one volume.
type Accountant struct {
	mu       sync.Mutex
	total    uint64
	free     uint64
	reserved uint64
	used     uint64
}

// NewAccountant returns an accountant with total free blocks.
func NewAccountant(total uint64) *Accountant {
	return &Accountant{total: total, free: total}
}

// Reserve debits n blocks from the free pool.
func (a *Accountant) Reserve(n uint64) (*Reservation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n > a.free {
		return nil, fmt.Errorf("%w: want %d blocks, %d free", ErrExhausted, n, a.free)
	}
	a.free -= n
	a.reserved += n
	return &Reservation{accountant: a, blocks: n}, nil
}

// Charge moves n blocks straight from free to used, for state that was
// already on disk when the volume was opened.
func (a *Accountant) Charge(n uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n > a.free {
		n = a.free
	}
	a.free -= n
	a.used += n
}

// Free returns n used blocks to the free pool.
func (a *Accountant) Free(n uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n > a.used {
		panic(fmt.Sprintf("space: freeing %d blocks with %d used", n, a.used))
	}
	a.used -= n
	a.free += n
}

// Reclaim moves n used blocks back into a new reservation, for a
// change that was spent but then failed to reach the disk.
func (a *Accountant) Reclaim(n uint64) *Reservation {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n > a.used {
		panic(fmt.Sprintf("space: reclaiming %d blocks with %d used", n, a.used))
	}
	a.used -= n
	a.reserved += n
	return &Reservation{accountant: a, blocks: n}
}

// Stats returns the current pools.
func (a *Accountant) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{Total: a.total, Free: a.free, Reserved: a.reserved, Used: a.used}
}

// Reservation is a lease on reserved blocks. It is not safe for
// concurrent use; the engine guards each one with its cluster lock.
// Spending or releasing a reservation leaves it empty.
type Reservation struct {
	accountant *Accountant
	blocks     uint64
}

// Blocks returns the blocks still held. A nil reservation holds none.
func (r *Reservation) Blocks() uint64 {
	if r == nil {
		return 0
	}
	return r.blocks
}

// Release returns every held block to the free pool.
func (r *Reservation) Release() {
	if r == nil || r.blocks == 0 {
		return
	}
	r.accountant.mu.Lock()
	r.accountant.reserved -= r.blocks
	r.accountant.free += r.blocks
	r.accountant.mu.Unlock()
	r.blocks = 0
}

// Spend converts n held blocks to used. n larger than Blocks is an
// error and spends nothing.
func (r *Reservation) Spend(n uint64) error {
	if n > r.Blocks() {
		return fmt.Errorf("space: spending %d blocks from a reservation of %d", n, r.Blocks())
	}
	if n == 0 {
		return nil
	}
	r.accountant.mu.Lock()
	r.accountant.reserved -= n
	r.accountant.used += n
	r.accountant.mu.Unlock()
	r.blocks -= n
	return nil
}

// Split moves n blocks into a new reservation.
func (r *Reservation) Split(n uint64) (*Reservation, error) {
	if n > r.Blocks() {
		return nil, fmt.Errorf("space: splitting %d blocks from a reservation of %d", n, r.Blocks())
	}
	r.blocks -= n
	return &Reservation{accountant: r.accountant, blocks: n}, nil
}
