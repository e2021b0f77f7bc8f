// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package txn

import (
	"context"
	"log/slog"
	"time"

	"github.com/bureau-foundation/clusterfs/lib/clock"
)

// drainFlushTimeout bounds the final flush after Run's context ends.
const drainFlushTimeout = 30 * time.Second

// WritebackConfig configures a Writeback loop.
type WritebackConfig struct {
	// Interval between timed flush passes. Required.
	Interval time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Writeback periodically flushes a Manager.
type Writeback struct {
	manager  *Manager
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	done     chan struct{}
}

// NewWriteback returns a loop over manager. Start it with Run.
func NewWriteback(manager *Manager, config WritebackConfig) *Writeback {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Writeback{
		manager:  manager,
		interval: config.Interval,
		clock:    config.Clock,
		logger:   config.Logger,
		done:     make(chan struct{}),
	}
}

// Run flushes on every tick and every threshold kick until ctx ends,
// then performs a final drain flush and closes Done. Call Run once.
func (w *Writeback) Run(ctx context.Context) {
	defer close(w.done)

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.pass(ctx, "timer")
		case <-w.manager.Kicked():
			w.pass(ctx, "threshold")
		case <-ctx.Done():
			drainContext, cancel := context.WithTimeout(context.Background(), drainFlushTimeout)
			w.pass(drainContext, "drain")
			cancel()
			return
		}
	}
}

// Done is closed after Run has returned.
func (w *Writeback) Done() <-chan struct{} { return w.done }

func (w *Writeback) pass(ctx context.Context, reason string) {
	stats, err := w.manager.Flush(ctx)
	if err != nil {
		w.logger.Warn("writeback pass failed",
			"reason", reason,
			"failed", stats.Failed,
			"error", err,
		)
		return
	}
	if stats.Flushed > 0 {
		w.logger.Info("writeback pass",
			"reason", reason,
			"flushed", stats.Flushed,
			"skipped", stats.Skipped,
		)
	}
}
