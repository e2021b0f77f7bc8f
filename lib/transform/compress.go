// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transform

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies a compression backend. Values are persisted
// in file attributes; changing them breaks existing volumes.
type Compression uint8

const (
	// CompressionNone stores clusters uncompressed.
	CompressionNone Compression = 0

	// CompressionLZ4 is LZ4 block mode. Fastest decode, moderate ratio.
	CompressionLZ4 Compression = 1

	// CompressionZstd is zstd at the default level.
	CompressionZstd Compression = 2

	// CompressionZlib is deflate with a zlib wrapper.
	CompressionZlib Compression = 3

	// CompressionS2 is the S2 extension of Snappy.
	CompressionS2 Compression = 4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	case CompressionZlib:
		return "zlib"
	case CompressionS2:
		return "s2"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses the String form of a compression backend.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none", "":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	case "zlib":
		return CompressionZlib, nil
	case "s2":
		return CompressionS2, nil
	default:
		return 0, fmt.Errorf("unknown compression: %q", name)
	}
}

// ErrIncompressible is returned by Compress when the output would not
// be smaller than the input.
var ErrIncompressible = errors.New("data is incompressible")

// Compressor is one compression backend. Compress and Decompress reuse
// dst's capacity when it is large enough.
type Compressor interface {
	Tag() Compression

	// Compress returns the compressed form of src, or
	// ErrIncompressible.
	Compress(dst, src []byte) ([]byte, error)

	// Decompress returns exactly size bytes decoded from src.
	Decompress(dst, src []byte, size int) ([]byte, error)
}

// NewCompressor returns the backend for tag. CompressionNone has no
// backend and returns nil.
func NewCompressor(tag Compression) (Compressor, error) {
	switch tag {
	case CompressionNone:
		return nil, nil
	case CompressionLZ4:
		return lz4Compressor{}, nil
	case CompressionZstd:
		return zstdCompressor{}, nil
	case CompressionZlib:
		return zlibCompressor{}, nil
	case CompressionS2:
		return s2Compressor{}, nil
	default:
		return nil, fmt.Errorf("unsupported compression: %s", tag)
	}
}

func grow(dst []byte, size int) []byte {
	if cap(dst) < size {
		return make([]byte, size)
	}
	return dst[:size]
}

type lz4Compressor struct{}

func (lz4Compressor) Tag() Compression { return CompressionLZ4 }

func (lz4Compressor) Compress(dst, src []byte) ([]byte, error) {
	dst = grow(dst, lz4.CompressBlockBound(len(src)))
	written, err := lz4.CompressBlock(src, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock reports 0 for incompressible input.
	if written == 0 || written >= len(src) {
		return nil, ErrIncompressible
	}
	return dst[:written], nil
}

func (lz4Compressor) Decompress(dst, src []byte, size int) ([]byte, error) {
	dst = grow(dst, size)
	read, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
	}
	return dst, nil
}

// zstd.Encoder and zstd.Decoder are safe for concurrent EncodeAll and
// DecodeAll calls.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderCRC(false),
	)
	if err != nil {
		panic("transform: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("transform: zstd decoder initialization failed: " + err.Error())
	}
}

type zstdCompressor struct{}

func (zstdCompressor) Tag() Compression { return CompressionZstd }

func (zstdCompressor) Compress(dst, src []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(src, dst[:0])
	if len(compressed) >= len(src) {
		return nil, ErrIncompressible
	}
	return compressed, nil
}

func (zstdCompressor) Decompress(dst, src []byte, size int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(src, dst[:0])
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
	}
	return result, nil
}

var zlibWriters = sync.Pool{
	New: func() any {
		writer, err := zlib.NewWriterLevel(io.Discard, zlib.DefaultCompression)
		if err != nil {
			panic("transform: zlib writer initialization failed: " + err.Error())
		}
		return writer
	},
}

type zlibCompressor struct{}

func (zlibCompressor) Tag() Compression { return CompressionZlib }

func (zlibCompressor) Compress(dst, src []byte) ([]byte, error) {
	output := bytes.NewBuffer(dst[:0])
	writer := zlibWriters.Get().(*zlib.Writer)
	defer zlibWriters.Put(writer)
	writer.Reset(output)

	if _, err := writer.Write(src); err != nil {
		return nil, fmt.Errorf("zlib compress: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("zlib compress: %w", err)
	}
	if output.Len() >= len(src) {
		return nil, ErrIncompressible
	}
	return output.Bytes(), nil
}

func (zlibCompressor) Decompress(dst, src []byte, size int) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("zlib decompress: %w", err)
	}
	defer reader.Close()

	dst = grow(dst, size)
	if _, err := io.ReadFull(reader, dst); err != nil {
		return nil, fmt.Errorf("zlib decompress: %w", err)
	}
	// Trailing data past size means the stream was not ours.
	var extra [1]byte
	if n, _ := reader.Read(extra[:]); n != 0 {
		return nil, fmt.Errorf("zlib decompress: stream longer than expected %d bytes", size)
	}
	return dst, nil
}

type s2Compressor struct{}

func (s2Compressor) Tag() Compression { return CompressionS2 }

func (s2Compressor) Compress(dst, src []byte) ([]byte, error) {
	bound := s2.MaxEncodedLen(len(src))
	if bound < 0 {
		return nil, fmt.Errorf("s2 compress: input of %d bytes too large", len(src))
	}
	compressed := s2.Encode(grow(dst, bound), src)
	if len(compressed) >= len(src) {
		return nil, ErrIncompressible
	}
	return compressed, nil
}

func (s2Compressor) Decompress(dst, src []byte, size int) ([]byte, error) {
	decodedLen, err := s2.DecodedLen(src)
	if err != nil {
		return nil, fmt.Errorf("s2 decompress: %w", err)
	}
	if decodedLen != size {
		return nil, fmt.Errorf("s2 decompress: header claims %d bytes, expected %d", decodedLen, size)
	}
	result, err := s2.Decode(grow(dst, size), src)
	if err != nil {
		return nil, fmt.Errorf("s2 decompress: %w", err)
	}
	return result, nil
}
