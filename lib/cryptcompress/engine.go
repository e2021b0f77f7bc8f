// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cryptcompress

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"

	"github.com/bureau-foundation/clusterfs/lib/codec"
	"github.com/bureau-foundation/clusterfs/lib/pagecache"
	"github.com/bureau-foundation/clusterfs/lib/space"
	"github.com/bureau-foundation/clusterfs/lib/stream"
	"github.com/bureau-foundation/clusterfs/lib/transform"
	"github.com/bureau-foundation/clusterfs/lib/tree"
	"github.com/bureau-foundation/clusterfs/lib/txn"
)

// superObjectID holds the volume super record.
const superObjectID = 0

// Config wires an Engine to its collaborators. The engine does not own
// them: closing the tree, the transaction manager and the key set is
// the caller's job.
type Config struct {
	Tree  tree.Tree
	Cache *pagecache.Cache
	Space *space.Accountant

	// Txn receives dirty clusters. Its IsRetry hook should be
	// [IsRetry] so that benign checkout races count as skips.
	Txn *txn.Manager

	// Keys derives per-file cipher keys. Required to create or open
	// any file with a cipher.
	Keys *transform.KeySet

	// Defaults are the attributes of files created without explicit
	// ones.
	Defaults Attributes

	// InsertOverhead is the extra reservation for creating a disk
	// cluster. Zero selects DefaultInsertOverhead.
	InsertOverhead int

	// PunchHoles cuts all-zero clusters at checkout instead of
	// storing them.
	PunchHoles bool

	// Metrics is optional.
	Metrics *Metrics

	Logger *slog.Logger
}

// Engine is a set of files stored in one tree. It is safe for
// concurrent use.
type Engine struct {
	tree           tree.Tree
	cache          *pagecache.Cache
	space          *space.Accountant
	txn            *txn.Manager
	keys           *transform.KeySet
	defaults       Attributes
	insertOverhead int
	punchHoles     bool
	metrics        *Metrics
	logger         *slog.Logger
	pool           stream.Pool

	mu           sync.Mutex
	files        map[uint64]*File
	nextObjectID uint64
	closed       bool
}

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	ID         uint64
	Size       int64
	Attributes Attributes
}

// Stats is a snapshot of engine state.
type Stats struct {
	OpenFiles     int
	DirtyClusters int
	Space         space.Stats
	Cache         pagecache.Stats
}

type superRecord struct {
	Version      uint   `cbor:"1,keyasint"`
	NextObjectID uint64 `cbor:"2,keyasint"`
	ClusterShift uint8  `cbor:"3,keyasint"`
}

const superRecordVersion = 1

func (r *superRecord) RecordVersion() uint { return r.Version }

// IsRetry classifies checkout results for txn.Config.IsRetry.
func IsRetry(err error) bool { return errors.Is(err, ErrRetry) }

// New opens the engine over cfg.Tree, creating the super record of an
// empty volume. Blocks already stored are charged to cfg.Space.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Tree == nil || cfg.Cache == nil || cfg.Space == nil || cfg.Txn == nil {
		return nil, fmt.Errorf("cryptcompress: Tree, Cache, Space and Txn are required")
	}
	if err := cfg.Defaults.Validate(cfg.Cache.PageSize()); err != nil {
		return nil, fmt.Errorf("cryptcompress: default attributes: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	insertOverhead := cfg.InsertOverhead
	if insertOverhead <= 0 {
		insertOverhead = DefaultInsertOverhead
	}

	engine := &Engine{
		tree:           cfg.Tree,
		cache:          cfg.Cache,
		space:          cfg.Space,
		txn:            cfg.Txn,
		keys:           cfg.Keys,
		defaults:       cfg.Defaults,
		insertOverhead: insertOverhead,
		punchHoles:     cfg.PunchHoles,
		metrics:        cfg.Metrics,
		logger:         logger,
		files:          make(map[uint64]*File),
	}
	if err := engine.loadSuper(ctx); err != nil {
		return nil, err
	}
	objects, charged, err := engine.chargeStored(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info("volume opened",
		"objects", objects,
		"charged_blocks", charged,
		"next_object_id", engine.nextObjectID,
		"punch_holes", engine.punchHoles,
	)
	return engine, nil
}

func (e *Engine) loadSuper(ctx context.Context) error {
	key := statKey(superObjectID)
	cursor, err := e.tree.Lookup(ctx, key, tree.Exact)
	if errors.Is(err, tree.ErrNotFound) {
		e.nextObjectID = 1
		return e.writeSuper(ctx)
	}
	if err != nil {
		return ioError("lookup super", key, err)
	}
	defer cursor.Close()

	var record superRecord
	if err := codec.UnmarshalVersioned(cursor.Item().Data, &record, superRecordVersion); err != nil {
		return fmt.Errorf("cryptcompress: decoding super record: %w", err)
	}
	e.nextObjectID = max(record.NextObjectID, 1)
	return nil
}

func (e *Engine) writeSuper(ctx context.Context) error {
	data, err := codec.Marshal(superRecord{
		Version:      superRecordVersion,
		NextObjectID: e.nextObjectID,
		ClusterShift: e.defaults.ClusterShift,
	})
	if err != nil {
		return fmt.Errorf("cryptcompress: encoding super record: %w", err)
	}
	key := statKey(superObjectID)
	if err := e.tree.Insert(ctx, tree.Item{Key: key, Data: data}); err != nil {
		return ioError("write super", key, err)
	}
	return nil
}

// chargeStored walks every object and charges the blocks of its stored
// clusters to the accountant.
func (e *Engine) chargeStored(ctx context.Context) (objects int, charged uint64, err error) {
	start := statKey(superObjectID + 1)
	cursor, err := e.tree.Lookup(ctx, start, tree.Next)
	if errors.Is(err, tree.ErrNotFound) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, ioError("scan", start, err)
	}
	defer cursor.Close()

	var current *geometry
	for {
		item := cursor.Item()
		switch item.Key.Kind {
		case tree.KindStat:
			var record statRecord
			if err := codec.UnmarshalVersioned(item.Data, &record, statRecordVersion); err != nil {
				return 0, 0, fmt.Errorf("cryptcompress: stat of object %d: %w", item.Key.ObjectID, err)
			}
			geo := newGeometry(item.Key.ObjectID, record.Attributes, e.cache.PageSize(), e.tree.MaxItemSize(), e.insertOverhead)
			current = &geo
			objects++
		case tree.KindBody:
			if current != nil && current.objectID == item.Key.ObjectID && current.isClusterBase(item.Key.Offset) {
				charged += current.diskBlocks(int(item.Total))
			}
		}
		more, err := cursor.Next(ctx)
		if err != nil {
			return 0, 0, ioError("scan", item.Key, err)
		}
		if !more {
			break
		}
	}

	if free := e.space.Stats().Free; charged > free {
		return 0, 0, fmt.Errorf("cryptcompress: stored clusters use %d blocks, capacity has %d: %w",
			charged, free, ErrReservationExhausted)
	}
	e.space.Charge(charged)
	return objects, charged, nil
}

func (e *Engine) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

// Defaults returns the attributes of files created without explicit
// ones.
func (e *Engine) Defaults() Attributes { return e.defaults }

// Create allocates a new empty object.
func (e *Engine) Create(ctx context.Context, attrs Attributes) (*File, error) {
	if err := attrs.Validate(e.cache.PageSize()); err != nil {
		return nil, fmt.Errorf("cryptcompress: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	return e.createLocked(ctx, e.nextObjectID, attrs)
}

// CreateID creates an empty object with a caller-chosen id. It fails
// with ErrExists when the id is taken. Later Create calls allocate ids
// above it.
func (e *Engine) CreateID(ctx context.Context, id uint64, attrs Attributes) (*File, error) {
	if id == superObjectID {
		return nil, fmt.Errorf("%w: %d is reserved", ErrExists, id)
	}
	if err := attrs.Validate(e.cache.PageSize()); err != nil {
		return nil, fmt.Errorf("cryptcompress: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if _, ok := e.files[id]; ok {
		return nil, fmt.Errorf("%w: %d", ErrExists, id)
	}
	if _, err := e.readStat(ctx, id); err == nil {
		return nil, fmt.Errorf("%w: %d", ErrExists, id)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return e.createLocked(ctx, id, attrs)
}

func (e *Engine) createLocked(ctx context.Context, id uint64, attrs Attributes) (*File, error) {
	file, err := newFile(e, id, attrs, 0)
	if err != nil {
		return nil, err
	}
	previous := e.nextObjectID
	e.nextObjectID = max(e.nextObjectID, id+1)
	if err := e.writeSuper(ctx); err != nil {
		e.nextObjectID = previous
		file.close()
		return nil, err
	}
	if err := file.writeStat(ctx); err != nil {
		file.close()
		return nil, err
	}
	e.files[id] = file
	e.logger.Info("object created",
		"object_id", id,
		"cluster_shift", attrs.ClusterShift,
		"compression", attrs.Compression.String(),
		"cipher", attrs.Cipher.String(),
	)
	return file, nil
}

// Open returns the file of an existing object. Every Open of the same
// id returns the same *File.
func (e *Engine) Open(ctx context.Context, id uint64) (*File, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if file, ok := e.files[id]; ok {
		return file, nil
	}
	if id == superObjectID {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	record, err := e.readStat(ctx, id)
	if err != nil {
		return nil, err
	}
	file, err := newFile(e, id, record.Attributes, record.Size)
	if err != nil {
		return nil, err
	}
	e.files[id] = file
	return file, nil
}

func (e *Engine) readStat(ctx context.Context, id uint64) (statRecord, error) {
	key := statKey(id)
	cursor, err := e.tree.Lookup(ctx, key, tree.Exact)
	if errors.Is(err, tree.ErrNotFound) {
		return statRecord{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return statRecord{}, ioError("lookup stat", key, err)
	}
	defer cursor.Close()

	var record statRecord
	if err := codec.UnmarshalVersioned(cursor.Item().Data, &record, statRecordVersion); err != nil {
		return statRecord{}, fmt.Errorf("cryptcompress: stat of object %d: %w", id, err)
	}
	return record, nil
}

// List returns every object in id order. Open files report their
// current in-memory size.
func (e *Engine) List(ctx context.Context) ([]ObjectInfo, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	var objects []ObjectInfo
	for id := uint64(superObjectID + 1); ; id++ {
		start := statKey(id)
		cursor, err := e.tree.Lookup(ctx, start, tree.Next)
		if errors.Is(err, tree.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, ioError("scan", start, err)
		}
		item := cursor.Item()
		cursor.Close()
		if item.Key.Kind != tree.KindStat {
			// Body items of an object whose stat is gone; skip past
			// them to the next object.
			if item.Key.ObjectID == math.MaxUint64 {
				break
			}
			id = item.Key.ObjectID
			continue
		}

		var record statRecord
		if err := codec.UnmarshalVersioned(item.Data, &record, statRecordVersion); err != nil {
			return nil, fmt.Errorf("cryptcompress: stat of object %d: %w", item.Key.ObjectID, err)
		}
		info := ObjectInfo{ID: item.Key.ObjectID, Size: record.Size, Attributes: record.Attributes}
		e.mu.Lock()
		if file, ok := e.files[info.ID]; ok {
			info.Size = file.Size()
		}
		e.mu.Unlock()
		objects = append(objects, info)
		id = item.Key.ObjectID
	}
	return objects, nil
}

// Remove deletes an object and every stored cluster of it.
func (e *Engine) Remove(ctx context.Context, id uint64) error {
	file, err := e.Open(ctx, id)
	if err != nil {
		return err
	}

	file.truncMu.Lock()
	defer file.truncMu.Unlock()
	if err := file.pruneLocked(ctx, 0); err != nil {
		return err
	}
	key := statKey(id)
	if _, err := e.tree.Cut(ctx, key, file.geo.key(0)); err != nil {
		return ioError("remove stat", key, err)
	}

	e.mu.Lock()
	delete(e.files, id)
	e.mu.Unlock()
	e.cache.DropFile(id)
	file.close()
	e.logger.Info("object removed", "object_id", id)
	return nil
}

// Sync flushes every dirty cluster of every file and writes the stat
// records of open files.
func (e *Engine) Sync(ctx context.Context) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.sync(ctx)
}

func (e *Engine) sync(ctx context.Context) error {
	stats, flushErr := e.txn.Flush(ctx)

	e.mu.Lock()
	files := make([]*File, 0, len(e.files))
	for _, file := range e.files {
		files = append(files, file)
	}
	e.mu.Unlock()
	slices.SortFunc(files, func(a, b *File) int { return cmp.Compare(a.id, b.id) })

	errs := []error{flushErr}
	for _, file := range files {
		errs = append(errs, file.writeStat(ctx))
	}
	e.logger.Info("volume synced",
		"flushed", stats.Flushed,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
		"files", len(files),
	)
	return errors.Join(errs...)
}

// Close syncs and releases every file. The engine's collaborators stay
// open.
func (e *Engine) Close(ctx context.Context) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	err := e.sync(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for _, file := range e.files {
		assertf(file.InFlightPages() == 0, "object %d closed with %d pages in flight", file.id, file.InFlightPages())
		file.close()
	}
	e.files = nil
	return err
}

// Stats returns a snapshot of engine state.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	openFiles := len(e.files)
	e.mu.Unlock()
	return Stats{
		OpenFiles:     openFiles,
		DirtyClusters: e.txn.Dirty(),
		Space:         e.space.Stats(),
		Cache:         e.cache.Stats(),
	}
}
