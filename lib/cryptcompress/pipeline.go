// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cryptcompress

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/clusterfs/lib/stream"
	"github.com/bureau-foundation/clusterfs/lib/transform"
)

// transformCluster stages one cluster through an encode or decode
// pass. The current stage input is always pair.In().
type transformCluster struct {
	pair        *stream.Pair
	logical     int
	transformed int
	uptodate    bool
}

func (f *File) newTransformCluster() *transformCluster {
	capacity := f.geo.clusterSize + f.geo.blockSize + transform.ChecksumSize
	return &transformCluster{pair: stream.NewPair(&f.engine.pool, capacity)}
}

func (tc *transformCluster) release() { tc.pair.Release() }

// bytes is the current stage input: plaintext before encode and after
// decode, the stored stream after encode.
func (tc *transformCluster) bytes() []byte { return tc.pair.In().Bytes() }

// encodeResult reports what the encode pass did.
type encodeResult struct {
	attempted  bool
	compressed bool
}

// encode turns the plaintext in tc into its stored form. Compression
// is kept only when the result, with checksum and worst-case padding,
// is smaller than the plaintext.
func (f *File) encode(index uint64, tc *transformCluster) (encodeResult, error) {
	var result encodeResult
	tc.logical = tc.pair.In().Len()

	if f.compressor != nil && f.heuristic.ShouldCompress(index, tc.logical) {
		result.attempted = true
		compressed, err := f.compressor.Compress(tc.pair.Out().Scratch(), tc.pair.In().Bytes())
		switch {
		case err == nil && len(compressed)+transform.ChecksumSize+f.geo.blockSize < tc.logical:
			tc.pair.Out().Adopt(compressed)
			tc.pair.Swap()
			result.compressed = true
			f.heuristic.Accept(index)
		case err == nil || errors.Is(err, transform.ErrIncompressible):
			f.heuristic.Discard(index)
		default:
			return result, fmt.Errorf("compressing cluster %d: %w", index, err)
		}
	}

	if f.cipher != nil {
		out := tc.pair.Out()
		out.Set(tc.pair.In().Bytes())
		out.Adopt(transform.Pad(out.Bytes(), f.geo.blockSize))
		if err := f.cipher.Encrypt(out.Bytes(), index); err != nil {
			return result, fmt.Errorf("encrypting cluster %d: %w", index, err)
		}
		tc.pair.Swap()
	}

	if result.compressed {
		in := tc.pair.In()
		in.Adopt(transform.AppendChecksum(in.Bytes()))
	}
	tc.transformed = tc.pair.In().Len()
	assertf(tc.transformed <= f.geo.clusterSize+f.geo.blockSize,
		"cluster %d of object %d encoded to %d bytes", index, f.id, tc.transformed)
	return result, nil
}

// decode turns the stored stream in tc back into plaintext. The cluster
// is compressed exactly when its stored length differs from the
// uncompressed layout of its logical length.
func (f *File) decode(index uint64, tc *transformCluster, info ClusterInfo) error {
	in := tc.pair.In()
	data := in.Bytes()
	compressed := info.Transformed != f.geo.expectedLen(info.Logical)

	if compressed {
		body, err := transform.VerifyChecksum(data)
		if err != nil {
			return fmt.Errorf("%w: cluster %d of object %d: %w", ErrCorruptCluster, index, f.id, err)
		}
		data = body
	}

	if f.cipher != nil {
		if len(data)%f.geo.blockSize != 0 {
			return fmt.Errorf("%w: cluster %d of object %d: %d bytes is not a whole number of cipher blocks",
				ErrCorruptCluster, index, f.id, len(data))
		}
		if err := f.cipher.Decrypt(data, index); err != nil {
			return fmt.Errorf("decrypting cluster %d: %w", index, err)
		}
		unpadded, err := transform.Unpad(data, f.geo.blockSize)
		if err != nil {
			return fmt.Errorf("%w: cluster %d of object %d: %w", ErrCorruptCluster, index, f.id, err)
		}
		data = unpadded
	}

	if compressed {
		if f.compressor == nil {
			return fmt.Errorf("%w: cluster %d of object %d is compressed but the file has no compressor",
				ErrCorruptCluster, index, f.id)
		}
		plain, err := f.compressor.Decompress(tc.pair.Out().Scratch(), data, info.Logical)
		if err != nil {
			return fmt.Errorf("%w: cluster %d of object %d: %w", ErrCorruptCluster, index, f.id, err)
		}
		tc.pair.Out().Adopt(plain)
		tc.pair.Swap()
	} else {
		if len(data) != info.Logical {
			return fmt.Errorf("%w: cluster %d of object %d decodes to %d bytes, records %d",
				ErrCorruptCluster, index, f.id, len(data), info.Logical)
		}
		in.Adopt(data)
	}

	tc.logical = info.Logical
	tc.transformed = info.Transformed
	tc.uptodate = true
	return nil
}

// load reads and decodes cluster index into tc. Clusters without
// stored bytes decode to an empty plaintext.
func (f *File) load(ctx context.Context, index uint64, tc *transformCluster) (ClusterInfo, error) {
	info, err := f.probe(ctx, index, tc.pair.In())
	if err != nil {
		return info, err
	}
	if info.State != Prepped {
		tc.pair.In().Reset()
		tc.logical, tc.transformed, tc.uptodate = 0, 0, true
		return info, nil
	}
	if err := f.decode(index, tc, info); err != nil {
		f.engine.metrics.corrupt()
		f.logger.Warn("cluster failed to decode",
			"object_id", f.id, "cluster", index, "transformed_len", info.Transformed, "error", err)
		return info, err
	}
	f.engine.metrics.decoded(info.Logical)
	return info, nil
}

func isZero(data []byte) bool {
	for _, value := range data {
		if value != 0 {
			return false
		}
	}
	return true
}
