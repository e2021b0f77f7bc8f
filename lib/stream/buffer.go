// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package stream provides the growable byte buffers that stage one
// cluster's plaintext and transformed bytes during an encode or decode
// pass.
package stream

import (
	"math/bits"
	"sync"
)

// Buffer is a growable byte slice with an explicit length.
type Buffer struct {
	data []byte
}

// Bytes returns the valid region.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the valid length.
func (b *Buffer) Len() int { return len(b.data) }

// Cap returns the allocated capacity.
func (b *Buffer) Cap() int { return cap(b.data) }

// Grow ensures capacity for at least n bytes without changing Len.
func (b *Buffer) Grow(n int) {
	if cap(b.data) >= n {
		return
	}
	grown := make([]byte, len(b.data), roundUp(n))
	copy(grown, b.data)
	b.data = grown
}

// SetLen sets the valid length, growing as needed. Bytes exposed by
// growth are zero.
func (b *Buffer) SetLen(n int) {
	previous := len(b.data)
	b.Grow(n)
	b.data = b.data[:n]
	if n > previous {
		clear(b.data[previous:n])
	}
}

// Set replaces the contents with data.
func (b *Buffer) Set(data []byte) {
	b.Grow(len(data))
	b.data = append(b.data[:0], data...)
}

// Append appends data.
func (b *Buffer) Append(data []byte) {
	b.Grow(len(b.data) + len(data))
	b.data = append(b.data, data...)
}

// Reset empties the buffer, keeping its capacity.
func (b *Buffer) Reset() { b.data = b.data[:0] }

// Scratch returns the whole capacity as a zero-length slice for
// backends that write into a caller-provided destination.
func (b *Buffer) Scratch() []byte { return b.data[:0] }

// Adopt takes data as the buffer contents when a backend returned a
// fresh allocation instead of writing into Scratch.
func (b *Buffer) Adopt(data []byte) { b.data = data }

func roundUp(n int) int {
	if n <= minClassSize {
		return minClassSize
	}
	return 1 << bits.Len(uint(n-1))
}

const (
	minClassSize = 512
	maxClassBits = 20 // 1 MiB
)

// Pool recycles buffers by power-of-two size class. Buffers beyond
// the largest class are not retained.
type Pool struct {
	classes [maxClassBits + 1]sync.Pool
}

// Get returns an empty buffer with capacity for at least size bytes.
func (p *Pool) Get(size int) *Buffer {
	class := bits.Len(uint(roundUp(size) - 1))
	if class <= maxClassBits {
		if pooled, ok := p.classes[class].Get().(*Buffer); ok {
			pooled.Reset()
			return pooled
		}
	}
	return &Buffer{data: make([]byte, 0, roundUp(size))}
}

// Put returns a buffer to the pool. The caller must not use it again.
func (p *Pool) Put(buffer *Buffer) {
	if buffer == nil || buffer.Cap() == 0 {
		return
	}
	// File the buffer under the largest class it fully satisfies.
	class := bits.Len(uint(buffer.Cap())) - 1
	if class > maxClassBits || 1<<class < minClassSize {
		return
	}
	p.classes[class].Put(buffer)
}

// Pair is the input/output buffer pair of an encode or decode pass.
// Every stage reads In and writes Out, then Swap makes its output the
// next stage's input.
type Pair struct {
	pool *Pool
	in   *Buffer
	out  *Buffer
}

// NewPair takes two buffers sized for capacity bytes from pool.
func NewPair(pool *Pool, capacity int) *Pair {
	return &Pair{
		pool: pool,
		in:   pool.Get(capacity),
		out:  pool.Get(capacity),
	}
}

// In is the current stage input.
func (p *Pair) In() *Buffer { return p.in }

// Out is the current stage output.
func (p *Pair) Out() *Buffer { return p.out }

// Swap exchanges input and output and empties the new output.
func (p *Pair) Swap() {
	p.in, p.out = p.out, p.in
	p.out.Reset()
}

// Release returns both buffers to the pool.
func (p *Pair) Release() {
	p.pool.Put(p.in)
	p.pool.Put(p.out)
	p.in, p.out = nil, nil
}
