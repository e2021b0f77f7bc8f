// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transform is the backend contract for cluster encoding:
// compression, block encryption, padding, and the trailing checksum.
//
// Every operation here is stateless per call and safe for concurrent
// use; the engine resolves a [Compressor] and a [Cipher] once per file
// and drives them from its encode and decode passes. Length accounting
// is integer-only. [Heuristic] is the only stateful type and belongs to
// a single open file.
//
// The on-disk byte layout of an encoded cluster is
//
//	[compressed or plain bytes] [pad (1..BlockSize bytes, each = pad length)] [checksum (4 bytes LE)]
//
// where the pad is present only with a cipher and the checksum only
// when compression was accepted.
package transform
