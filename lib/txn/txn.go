// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package txn tracks dirty clusters and drains them to storage.
//
// A Manager is the explicit transaction handle the engine registers
// dirty cluster nodes with. Flush drains a snapshot of the registered
// nodes in parallel; each node unregisters itself while flushing. A
// Writeback goroutine calls Flush on a timer and whenever the dirty
// count crosses the commit threshold.
package txn

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrClosed is returned by RegisterDirty after Close.
	ErrClosed = errors.New("txn: manager closed")

	// ErrTooManyDirty is returned by RegisterDirty when MaxDirty nodes
	// are already registered.
	ErrTooManyDirty = errors.New("txn: too many dirty nodes")
)

// Flushable is a unit of pending work.
type Flushable interface {
	// Flush writes the pending state out.
	Flush(ctx context.Context) error

	// FlushKey identifies the node. Registering a second node with
	// the same key replaces the first.
	FlushKey() string
}

// Config configures a Manager.
type Config struct {
	// CommitThreshold is the dirty count at which ShouldCommit turns
	// true and the writeback loop is kicked. Zero disables the
	// threshold.
	CommitThreshold int

	// MaxDirty bounds registrations. Zero is unbounded.
	MaxDirty int

	// Parallelism bounds concurrent Flush calls in one pass. Zero
	// selects 4.
	Parallelism int

	// IsRetry classifies a Flush error as a benign race. Such nodes
	// count as skipped rather than failed.
	IsRetry func(error) bool

	Logger *slog.Logger
}

// FlushStats summarizes one flush pass.
type FlushStats struct {
	Flushed int
	Skipped int
	Failed  int
}

// Manager is safe for concurrent use.
type Manager struct {
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	dirty  map[string]Flushable
	closed bool

	// kick has capacity 1 and is signalled when the dirty count
	// reaches CommitThreshold.
	kick chan struct{}
}

// NewManager returns an empty manager.
func NewManager(config Config) *Manager {
	if config.Parallelism <= 0 {
		config.Parallelism = 4
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		config: config,
		logger: logger,
		dirty:  make(map[string]Flushable),
		kick:   make(chan struct{}, 1),
	}
}

// RegisterDirty adds node to the pending set.
func (m *Manager) RegisterDirty(node Flushable) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	key := node.FlushKey()
	if _, present := m.dirty[key]; !present && m.config.MaxDirty > 0 && len(m.dirty) >= m.config.MaxDirty {
		return fmt.Errorf("%w: %d registered", ErrTooManyDirty, len(m.dirty))
	}
	m.addLocked(key, node)
	return nil
}

// Reinstate puts back a node whose Flush failed after it unregistered
// itself. Neither MaxDirty nor Close refuse it, so the pending state
// stays visible to the next Flush.
func (m *Manager) Reinstate(node Flushable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addLocked(node.FlushKey(), node)
}

func (m *Manager) addLocked(key string, node Flushable) {
	m.dirty[key] = node
	if m.config.CommitThreshold > 0 && len(m.dirty) >= m.config.CommitThreshold {
		select {
		case m.kick <- struct{}{}:
		default:
		}
	}
}

// Unregister removes node. Removing an absent node is a no-op.
func (m *Manager) Unregister(node Flushable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := node.FlushKey()
	if m.dirty[key] == node {
		delete(m.dirty, key)
	}
}

// ShouldCommit reports back-pressure: the dirty count has reached
// CommitThreshold.
func (m *Manager) ShouldCommit() bool {
	if m.config.CommitThreshold <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dirty) >= m.config.CommitThreshold
}

// Dirty returns the number of registered nodes.
func (m *Manager) Dirty() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dirty)
}

// Kicked is signalled when the commit threshold is crossed.
func (m *Manager) Kicked() <-chan struct{} { return m.kick }

// Flush drains a snapshot of the registered nodes. Nodes registered
// during the pass are left for the next one. The returned error joins
// every failure that IsRetry does not classify as benign.
func (m *Manager) Flush(ctx context.Context) (FlushStats, error) {
	m.mu.Lock()
	snapshot := make([]Flushable, 0, len(m.dirty))
	for _, node := range m.dirty {
		snapshot = append(snapshot, node)
	}
	m.mu.Unlock()

	slices.SortFunc(snapshot, func(a, b Flushable) int { return cmp.Compare(a.FlushKey(), b.FlushKey()) })

	var (
		statsMu sync.Mutex
		stats   FlushStats
		errs    []error
	)
	group, groupContext := errgroup.WithContext(ctx)
	group.SetLimit(m.config.Parallelism)
	for _, node := range snapshot {
		group.Go(func() error {
			err := node.Flush(groupContext)

			statsMu.Lock()
			defer statsMu.Unlock()
			switch {
			case err == nil:
				stats.Flushed++
			case m.config.IsRetry != nil && m.config.IsRetry(err):
				stats.Skipped++
			default:
				stats.Failed++
				errs = append(errs, fmt.Errorf("flushing %s: %w", node.FlushKey(), err))
			}
			// The group never fails; errors are collected above.
			return nil
		})
	}
	group.Wait()

	if stats.Flushed+stats.Failed > 0 {
		m.logger.Debug("flush pass complete",
			"flushed", stats.Flushed,
			"skipped", stats.Skipped,
			"failed", stats.Failed,
		)
	}
	return stats, errors.Join(errs...)
}

// Close rejects further registrations. Registered and reinstated nodes
// stay pending so a final Flush can drain them.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}
