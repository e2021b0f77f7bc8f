// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cryptcompress

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/clusterfs/lib/codec"
	"github.com/bureau-foundation/clusterfs/lib/transform"
	"github.com/bureau-foundation/clusterfs/lib/tree"
	"github.com/bureau-foundation/clusterfs/lib/txn"
)

// File is one object of the engine. It is safe for concurrent use.
type File struct {
	engine *Engine
	id     uint64
	attrs  Attributes
	geo    geometry
	logger *slog.Logger

	compressor transform.Compressor
	cipher     transform.Cipher
	heuristic  *transform.Heuristic

	// truncMu is held shared by every cluster operation and checkout,
	// exclusively by Truncate.
	truncMu sync.RWMutex

	// checkinMu serializes cluster state transitions of this file.
	checkinMu sync.Mutex

	size atomic.Int64

	nodesMu sync.Mutex
	nodes   map[uint64]*clusterNode

	inFlight atomic.Int64
}

func newFile(engine *Engine, id uint64, attrs Attributes, size int64) (*File, error) {
	compressor, err := transform.NewCompressor(attrs.Compression)
	if err != nil {
		return nil, err
	}
	var cipher transform.Cipher
	if attrs.Cipher != transform.CipherNone {
		if engine.keys == nil {
			return nil, fmt.Errorf("object %d uses cipher %s but the volume has no master key", id, attrs.Cipher)
		}
		fileKey, err := engine.keys.FileKey(id)
		if err != nil {
			return nil, fmt.Errorf("deriving key of object %d: %w", id, err)
		}
		cipher, err = transform.NewCipher(attrs.Cipher, fileKey)
		fileKey.Close()
		if err != nil {
			return nil, fmt.Errorf("cipher of object %d: %w", id, err)
		}
	}

	file := &File{
		engine:     engine,
		id:         id,
		attrs:      attrs,
		geo:        newGeometry(id, attrs, engine.cache.PageSize(), engine.tree.MaxItemSize(), engine.insertOverhead),
		logger:     engine.logger.With("object_id", id),
		compressor: compressor,
		cipher:     cipher,
		heuristic:  transform.NewHeuristic(attrs.Policy),
		nodes:      make(map[uint64]*clusterNode),
	}
	file.size.Store(size)
	return file, nil
}

// ObjectID returns the object id.
func (f *File) ObjectID() uint64 { return f.id }

// Attributes returns the transform settings.
func (f *File) Attributes() Attributes { return f.attrs }

// Size returns the logical size in bytes.
func (f *File) Size() int64 { return f.size.Load() }

// InFlightPages returns the number of page references held by
// operations on this file. It is zero whenever the file is quiet.
func (f *File) InFlightPages() int64 { return f.inFlight.Load() }

// CompressionStats returns how many clusters were stored compressed
// and how many compression results were thrown away.
func (f *File) CompressionStats() (accepts, discards uint64) { return f.heuristic.Stats() }

// Probe classifies the stored form of cluster index.
func (f *File) Probe(ctx context.Context, index uint64) (ClusterInfo, error) {
	f.truncMu.RLock()
	defer f.truncMu.RUnlock()
	return f.probe(ctx, index, nil)
}

// WriteAt writes p at off, extending the file as needed. Clusters
// checked in before an error stay written; the count reports them.
func (f *File) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("cryptcompress: negative offset %d", off)
	}
	if off > math.MaxInt64-int64(len(p)) {
		return 0, fmt.Errorf("cryptcompress: write of %d bytes at %d overflows", len(p), off)
	}
	if err := f.engine.checkOpen(); err != nil {
		return 0, err
	}

	// Zero the tail of the cluster holding the old size when the write
	// starts in a later cluster. Whole clusters in between stay Fake.
	if size := f.Size(); off > size && size%int64(f.geo.clusterSize) != 0 && f.geo.index(off) > f.geo.index(size) {
		index := f.geo.index(size)
		if err := f.withRetry(ctx, func() error { return f.writeHole(ctx, index) }); err != nil {
			return 0, err
		}
	}

	written := 0
	for written < len(p) {
		pos := off + int64(written)
		index := f.geo.index(pos)
		at := int(pos - f.geo.base(index))
		n := min(len(p)-written, f.geo.clusterSize-at)
		data := p[written : written+n]
		err := f.withRetry(ctx, func() error {
			f.truncMu.RLock()
			defer f.truncMu.RUnlock()
			return f.writeCluster(ctx, index, at, data)
		})
		if err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

// withRetry runs op once more after a flush pass when the transaction
// manager refused a registration for back-pressure.
func (f *File) withRetry(ctx context.Context, op func() error) error {
	err := op()
	if !errors.Is(err, txn.ErrTooManyDirty) {
		return err
	}
	if _, flushErr := f.engine.txn.Flush(ctx); flushErr != nil {
		f.logger.Warn("flush pass for back-pressure failed", "error", flushErr)
	}
	return op()
}

// writeHole zero-fills cluster index out to its full length.
func (f *File) writeHole(ctx context.Context, index uint64) error {
	f.truncMu.RLock()
	defer f.truncMu.RUnlock()
	return f.writeCluster(ctx, index, f.geo.clusterSize, nil)
}

// writeCluster writes data at cluster-relative offset at. Bytes between
// the cluster's current length and at are zero-filled in the same
// checkin. The caller holds truncMu.
func (f *File) writeCluster(ctx context.Context, index uint64, at int, data []byte) error {
	f.checkinMu.Lock()
	defer f.checkinMu.Unlock()

	oldLen := f.geo.clusterLen(f.size.Load(), index)
	window := Slide{Off: at, Count: len(data), Kind: WindowData}
	if at > oldLen {
		window = Slide{Off: oldLen, Count: at - oldLen, Delta: len(data), Kind: WindowHole}
	}
	if len(data) == 0 && window.End() <= oldLen {
		return nil
	}
	assertf(window.End() <= f.geo.clusterSize, "window %+v exceeds cluster size %d", window, f.geo.clusterSize)

	length := max(oldLen, window.End())
	end := f.geo.base(index) + int64(length)
	return f.updateCluster(ctx, index, length, end, func(pc *pageCluster) {
		if window.Kind == WindowHole {
			pc.zero(window.Off, window.Off+window.Count, f.geo.pageSize)
			window = window.Materialized()
		}
		pc.write(window.Off, data, f.geo.pageSize)
	})
}

// updateCluster runs one modification of cluster index: reserve,
// grab and prepare length bytes of pages, apply the edit, and check
// in. The caller holds truncMu and checkinMu.
func (f *File) updateCluster(ctx context.Context, index uint64, length int, end int64, apply func(*pageCluster)) error {
	info, err := f.probe(ctx, index, nil)
	if err != nil {
		return err
	}
	create := info.State == Fake || info.State == Truncated
	cost := f.geo.updateCost()
	if create {
		cost = f.geo.insertCost()
	}
	res, err := f.engine.space.Reserve(cost)
	if err != nil {
		return fmt.Errorf("cluster %d of object %d: %w", index, f.id, err)
	}

	pc, err := f.grab(index, f.geo.pagesFor(length), true)
	if err != nil {
		res.Release()
		return fmt.Errorf("cluster %d of object %d: %w", index, f.id, err)
	}
	defer f.release(pc, true)

	pc.lock()
	if err := f.prepare(ctx, pc); err != nil {
		pc.unlock()
		res.Release()
		return err
	}
	apply(pc)
	pc.markDirtyAndUptodate()
	pc.unlock()

	if create {
		if err := f.createUnprepped(ctx, index, res, info); err != nil {
			res.Release()
			f.engine.cache.DropCluster(f.id, index, 0)
			return err
		}
	}
	if err := f.checkinLocked(pc.node, res, end, len(pc.pages)); err != nil {
		res.Release()
		f.engine.cache.DropCluster(f.id, index, 0)
		if create {
			// Nothing was stored before; take the placeholder back out.
			if cutErr := f.cut(ctx, index, 0); cutErr != nil {
				f.logger.Warn("placeholder left after failed checkin", "cluster", index, "error", cutErr)
			}
		}
		return err
	}
	return nil
}

// prepare makes every page of pc uptodate, decoding the stored cluster
// when there is one. Pages must be locked; the probe runs under them so
// a concurrent commit cannot slip between the probe and the fill.
func (f *File) prepare(ctx context.Context, pc *pageCluster) error {
	if pc.uptodate() {
		return nil
	}
	tc := f.newTransformCluster()
	defer tc.release()
	if _, err := f.load(ctx, pc.index, tc); err != nil {
		return err
	}
	pc.fill(tc.bytes(), f.geo.pageSize)
	return nil
}

// ReadAt reads len(p) bytes at off. It returns io.EOF when the read
// reaches the end of the file.
func (f *File) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("cryptcompress: negative offset %d", off)
	}
	if err := f.engine.checkOpen(); err != nil {
		return 0, err
	}
	read := 0
	for read < len(p) {
		n, err := f.readCluster(ctx, p[read:], off+int64(read))
		read += n
		if err != nil {
			return read, err
		}
		if n == 0 {
			return read, io.EOF
		}
	}
	return read, nil
}

// readCluster copies from the cluster holding pos into dst and returns
// the count, zero at end of file.
func (f *File) readCluster(ctx context.Context, dst []byte, pos int64) (int, error) {
	f.truncMu.RLock()
	defer f.truncMu.RUnlock()

	size := f.size.Load()
	if pos >= size {
		return 0, nil
	}
	index := f.geo.index(pos)
	at := int(pos - f.geo.base(index))
	length := f.geo.clusterLen(size, index)
	dst = dst[:min(len(dst), length-at)]

	if f.readResident(index, at, dst) {
		return len(dst), nil
	}

	info, err := f.probe(ctx, index, nil)
	if err != nil {
		return 0, err
	}
	if info.State == Fake {
		clear(dst)
		return len(dst), nil
	}

	pc, err := f.grab(index, f.geo.pagesFor(length), false)
	if err != nil {
		return 0, fmt.Errorf("cluster %d of object %d: %w", index, f.id, err)
	}
	defer f.release(pc, false)
	pc.lock()
	defer pc.unlock()
	if err := f.prepare(ctx, pc); err != nil {
		return 0, err
	}
	pc.read(at, dst, f.geo.pageSize)
	return len(dst), nil
}

// readResident serves dst from resident uptodate pages only.
func (f *File) readResident(index uint64, at int, dst []byte) bool {
	first := at / f.geo.pageSize
	last := (at + len(dst) - 1) / f.geo.pageSize
	for page := first; page <= last; page++ {
		resident := f.engine.cache.Lookup(f.pageKey(index, page))
		if resident == nil {
			return false
		}
		resident.Lock()
		if !resident.Uptodate() {
			resident.Unlock()
			f.engine.cache.Release(resident)
			return false
		}
		start := max(at, page*f.geo.pageSize)
		end := min(at+len(dst), (page+1)*f.geo.pageSize)
		copy(dst[start-at:end-at], resident.Data[start-page*f.geo.pageSize:])
		resident.Unlock()
		f.engine.cache.Release(resident)
	}
	return true
}

// FlushPageRange checks out every dirty cluster overlapping byte range
// [from, to).
func (f *File) FlushPageRange(ctx context.Context, from, to int64) error {
	if to <= from {
		return nil
	}
	nodes := f.dirtyNodes(f.geo.index(from), f.geo.clusterCount(to))
	slices.SortFunc(nodes, func(a, b *clusterNode) int { return cmp.Compare(a.index, b.index) })

	var errs []error
	for _, node := range nodes {
		if err := f.checkout(ctx, node); err != nil && !errors.Is(err, ErrRetry) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sync checks out every dirty cluster of the file and writes its stat
// record.
func (f *File) Sync(ctx context.Context) error {
	if err := f.engine.checkOpen(); err != nil {
		return err
	}
	if err := f.FlushPageRange(ctx, 0, math.MaxInt64); err != nil {
		return err
	}
	return f.writeStat(ctx)
}

// statRecord is the persisted form of a file's metadata.
type statRecord struct {
	Version    uint       `cbor:"1,keyasint"`
	Size       int64      `cbor:"2,keyasint"`
	Attributes Attributes `cbor:"3,keyasint"`
}

const statRecordVersion = 1

func (r *statRecord) RecordVersion() uint { return r.Version }

func statKey(id uint64) tree.Key {
	return tree.Key{ObjectID: id, Kind: tree.KindStat}
}

func (f *File) writeStat(ctx context.Context) error {
	data, err := codec.Marshal(statRecord{Version: statRecordVersion, Size: f.Size(), Attributes: f.attrs})
	if err != nil {
		return fmt.Errorf("encoding stat of object %d: %w", f.id, err)
	}
	key := statKey(f.id)
	if err := f.engine.tree.Insert(ctx, tree.Item{Key: key, Data: data}); err != nil {
		return ioError("write stat", key, err)
	}
	return nil
}

func (f *File) close() {
	if f.cipher != nil {
		f.cipher.Close()
	}
}
