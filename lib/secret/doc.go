// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds key material outside the Go heap.
//
// A [Buffer] is an anonymous mmap region locked into RAM and excluded
// from core dumps. The volume master key and every per-file key derived
// from it live in Buffers so that the garbage collector never copies
// them. Close zeroes and unmaps the region; any later access panics.
//
// Constructors:
//
//   - [New] allocates a zero-filled buffer
//   - [NewFromBytes] moves a heap slice into protected memory and zeroes the source
//   - [NewFromReader] reads an exact number of bytes from an io.Reader
package secret
