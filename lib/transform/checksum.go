// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transform

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// ChecksumSize is the length of the trailer appended to compressed
// clusters.
const ChecksumSize = 4

var (
	// ErrChecksumMismatch means the stored trailer does not match the
	// stream it covers.
	ErrChecksumMismatch = errors.New("cluster checksum mismatch")

	// ErrBadPadding means the trailing pad-length byte is out of range
	// or the pad bytes disagree with it.
	ErrBadPadding = errors.New("invalid cipher padding")
)

// Checksum is the first four bytes of the BLAKE3 digest of data,
// little-endian.
func Checksum(data []byte) uint32 {
	digest := blake3.Sum256(data)
	return binary.LittleEndian.Uint32(digest[:ChecksumSize])
}

// AppendChecksum appends the checksum of data to data.
func AppendChecksum(data []byte) []byte {
	return binary.LittleEndian.AppendUint32(data, Checksum(data))
}

// VerifyChecksum checks and strips the trailer.
func VerifyChecksum(data []byte) ([]byte, error) {
	if len(data) < ChecksumSize {
		return nil, fmt.Errorf("%w: stream of %d bytes has no trailer", ErrChecksumMismatch, len(data))
	}
	body := data[:len(data)-ChecksumSize]
	stored := binary.LittleEndian.Uint32(data[len(body):])
	if computed := Checksum(body); computed != stored {
		return nil, fmt.Errorf("%w: stored %08x, computed %08x", ErrChecksumMismatch, stored, computed)
	}
	return body, nil
}

// PaddedLen is the length of an n-byte stream after Pad. The pad is
// always at least one byte so the final byte can carry its length.
func PaddedLen(n, blockSize int) int {
	return n + blockSize - n%blockSize
}

// Pad appends 1..blockSize bytes, each equal to the pad length.
// blockSize must be in 1..255.
func Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	for range pad {
		data = append(data, byte(pad))
	}
	return data
}

// Unpad validates and strips the trailing pad.
func Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("%w: stream of %d bytes", ErrBadPadding, len(data))
	}
	pad := int(data[len(data)-1])
	if pad < 1 || pad > blockSize || pad > len(data) {
		return nil, fmt.Errorf("%w: pad length %d", ErrBadPadding, pad)
	}
	for _, value := range data[len(data)-pad:] {
		if int(value) != pad {
			return nil, fmt.Errorf("%w: pad byte %d, want %d", ErrBadPadding, value, pad)
		}
	}
	return data[:len(data)-pad], nil
}
