// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package volume assembles a cryptcompress engine from a [config.Config]:
// the storage tree for the configured backend, the page cache, the
// space accountant, the transaction manager and its writeback loop, and
// the master key.
package volume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/clusterfs/lib/clock"
	"github.com/bureau-foundation/clusterfs/lib/config"
	"github.com/bureau-foundation/clusterfs/lib/cryptcompress"
	"github.com/bureau-foundation/clusterfs/lib/keyfile"
	"github.com/bureau-foundation/clusterfs/lib/pagecache"
	"github.com/bureau-foundation/clusterfs/lib/space"
	"github.com/bureau-foundation/clusterfs/lib/transform"
	"github.com/bureau-foundation/clusterfs/lib/tree"
	"github.com/bureau-foundation/clusterfs/lib/tree/bolttree"
	"github.com/bureau-foundation/clusterfs/lib/tree/sqltree"
	"github.com/bureau-foundation/clusterfs/lib/txn"
)

// ErrIdentityRequired is returned by Open when the configuration names a
// key file and no identity was supplied to unlock it.
var ErrIdentityRequired = errors.New("volume: key file configured but no identity or passphrase given")

// Options carries what the configuration file does not.
type Options struct {
	// Identity unlocks the key file: an AGE-SECRET-KEY-1... string or
	// the passphrase it was sealed with. Ignored without a key file.
	Identity string

	// Registerer receives the engine collectors. Nil disables metrics.
	Registerer prometheus.Registerer

	// Clock drives the writeback loop. Nil selects clock.Real.
	Clock clock.Clock

	Logger *slog.Logger
}

// Volume is an open engine and everything it runs on.
type Volume struct {
	Engine  *cryptcompress.Engine
	Metrics *cryptcompress.Metrics

	tree            tree.Tree
	cache           *pagecache.Cache
	space           *space.Accountant
	txn             *txn.Manager
	keys            *transform.KeySet
	writebackConfig config.WritebackConfig
	clock           clock.Clock
	logger          *slog.Logger

	writeback *txn.Writeback
	stop      context.CancelFunc
}

// Open builds the volume described by cfg. cfg must already be
// validated. On error every collaborator opened so far is closed.
func Open(ctx context.Context, cfg *config.Config, options Options) (volume *Volume, err error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}

	defaults, err := DefaultAttributes(cfg)
	if err != nil {
		return nil, err
	}

	var closers []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	keys, err := openKeys(cfg, options.Identity)
	if err != nil {
		return nil, err
	}
	if keys != nil {
		closers = append(closers, keys.Close)
	}

	if err := cfg.EnsureVolumeDirectory(); err != nil {
		return nil, fmt.Errorf("volume: %w", err)
	}
	store, err := OpenTree(cfg.Volume, logger)
	if err != nil {
		return nil, err
	}
	closers = append(closers, store.Close)

	cache, err := pagecache.New(pagecache.Options{
		PageSize:     1 << cfg.Cache.PageShift,
		MaxPages:     cfg.Cache.MaxPages,
		MaxIdlePages: cfg.Cache.MaxIdlePages,
		Logger:       logger.With("component", "pagecache"),
	})
	if err != nil {
		return nil, fmt.Errorf("volume: %w", err)
	}

	accountant := space.NewAccountant(cfg.Volume.CapacityBlocks)
	manager := txn.NewManager(txn.Config{
		CommitThreshold: cfg.Writeback.CommitThreshold,
		MaxDirty:        cfg.Writeback.MaxDirty,
		Parallelism:     cfg.Writeback.Parallelism,
		IsRetry:         cryptcompress.IsRetry,
		Logger:          logger.With("component", "txn"),
	})
	closers = append(closers, func() error { manager.Close(); return nil })

	var metrics *cryptcompress.Metrics
	if options.Registerer != nil {
		metrics, err = cryptcompress.NewMetrics(options.Registerer)
		if err != nil {
			return nil, fmt.Errorf("volume: registering metrics: %w", err)
		}
	}

	engine, err := cryptcompress.New(ctx, cryptcompress.Config{
		Tree:           store,
		Cache:          cache,
		Space:          accountant,
		Txn:            manager,
		Keys:           keys,
		Defaults:       defaults,
		InsertOverhead: int(cfg.Policy.InsertOverhead),
		PunchHoles:     cfg.Policy.PunchHoles,
		Metrics:        metrics,
		Logger:         logger.With("component", "cryptcompress"),
	})
	if err != nil {
		return nil, err
	}
	if metrics != nil {
		if err := metrics.Observe(engine); err != nil {
			engine.Close(ctx)
			return nil, fmt.Errorf("volume: registering gauges: %w", err)
		}
	}

	return &Volume{
		Engine:          engine,
		Metrics:         metrics,
		tree:            store,
		cache:           cache,
		space:           accountant,
		txn:             manager,
		keys:            keys,
		writebackConfig: cfg.Writeback,
		clock:           options.Clock,
		logger:          logger,
	}, nil
}

// DefaultAttributes converts the file section of cfg into the attributes
// given to files created without explicit ones.
func DefaultAttributes(cfg *config.Config) (cryptcompress.Attributes, error) {
	compression, err := transform.ParseCompression(cfg.File.Compression)
	if err != nil {
		return cryptcompress.Attributes{}, fmt.Errorf("volume: %w", err)
	}
	cipher, err := transform.ParseCipher(cfg.File.Cipher)
	if err != nil {
		return cryptcompress.Attributes{}, fmt.Errorf("volume: %w", err)
	}
	policy, err := cfg.CompressionPolicy()
	if err != nil {
		return cryptcompress.Attributes{}, fmt.Errorf("volume: %w", err)
	}
	return cryptcompress.Attributes{
		ClusterShift: uint8(cfg.File.ClusterShift),
		Compression:  compression,
		Cipher:       cipher,
		Policy:       policy,
	}, nil
}

// OpenTree opens the storage tree of the configured backend.
func OpenTree(cfg config.VolumeConfig, logger *slog.Logger) (tree.Tree, error) {
	switch cfg.Backend {
	case "memory":
		return tree.NewMemory(cfg.MaxItemSize), nil
	case "sqlite":
		return sqltree.Open(sqltree.Config{
			Path:        cfg.Path,
			Synchronous: cfg.Synchronous,
			MaxItemSize: cfg.MaxItemSize,
			Logger:      logger.With("component", "sqltree"),
		})
	case "bolt":
		return bolttree.Open(bolttree.Config{
			Path:        cfg.Path,
			MaxItemSize: cfg.MaxItemSize,
			NoSync:      cfg.Synchronous == "OFF",
		})
	default:
		return nil, fmt.Errorf("volume: unknown backend %q", cfg.Backend)
	}
}

func openKeys(cfg *config.Config, identity string) (*transform.KeySet, error) {
	if cfg.KeyFile == "" {
		return nil, nil
	}
	if identity == "" {
		return nil, ErrIdentityRequired
	}
	master, err := keyfile.ReadFile(cfg.KeyFile, identity)
	if err != nil {
		return nil, fmt.Errorf("volume: reading %s: %w", cfg.KeyFile, err)
	}
	keys, err := transform.NewKeySet(master)
	if err != nil {
		master.Close()
		return nil, fmt.Errorf("volume: %w", err)
	}
	return keys, nil
}

// StartWriteback runs the writeback loop until Close or until ctx ends.
// Calling it twice is a no-op.
func (v *Volume) StartWriteback(ctx context.Context) {
	if v.writeback != nil {
		return
	}
	ctx, v.stop = context.WithCancel(ctx)
	v.writeback = txn.NewWriteback(v.txn, txn.WritebackConfig{
		Interval: v.writebackConfig.Interval,
		Clock:    v.clock,
		Logger:   v.logger.With("component", "writeback"),
	})
	go v.writeback.Run(ctx)
}

// WritebackDone is closed when a started writeback loop has drained.
// It is nil when StartWriteback was never called.
func (v *Volume) WritebackDone() <-chan struct{} {
	if v.writeback == nil {
		return nil
	}
	return v.writeback.Done()
}

// Stats returns a snapshot of the engine.
func (v *Volume) Stats() cryptcompress.Stats { return v.Engine.Stats() }

// Close stops writeback, syncs and closes the engine, then closes the
// tree and releases the master key.
func (v *Volume) Close(ctx context.Context) error {
	if v.writeback != nil {
		v.stop()
		select {
		case <-v.writeback.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	errs := []error{v.Engine.Close(ctx)}
	v.txn.Close()
	errs = append(errs, v.tree.Close())
	if v.keys != nil {
		errs = append(errs, v.keys.Close())
	}
	v.logger.Info("volume closed",
		"used_blocks", v.space.Stats().Used,
		"cache_pages", v.cache.Stats().Pages,
	)
	return errors.Join(errs...)
}
