// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transform

import (
	"fmt"
	"sync"
)

// Mode selects how a file decides whether to attempt compression.
type Mode uint8

const (
	// ModeNone never attempts compression.
	ModeNone Mode = 0

	// ModeForce attempts compression on every cluster regardless of
	// earlier discards.
	ModeForce Mode = 1

	// ModeLattice backs off after repeated discards: once
	// VetoThreshold consecutive clusters were incompressible, only
	// clusters whose index is a multiple of LatticeStride are tried.
	// Any accepted cluster lifts the veto.
	ModeLattice Mode = 2

	// ModeUltimate stops compressing the file after its first discard.
	ModeUltimate Mode = 3
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeForce:
		return "force"
	case ModeLattice:
		return "lattice"
	case ModeUltimate:
		return "ultimate"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(m))
	}
}

// ParseMode parses the String form of a compression mode.
func ParseMode(name string) (Mode, error) {
	switch name {
	case "none":
		return ModeNone, nil
	case "force":
		return ModeForce, nil
	case "lattice", "":
		return ModeLattice, nil
	case "ultimate":
		return ModeUltimate, nil
	default:
		return 0, fmt.Errorf("unknown compression mode: %q", name)
	}
}

// Policy holds the compressibility thresholds of one file.
type Policy struct {
	Mode Mode `cbor:"1,keyasint"`

	// MinSize is the smallest logical cluster length worth compressing.
	MinSize int `cbor:"2,keyasint"`

	// LatticeStride spaces the probe clusters tried while vetoed.
	LatticeStride uint64 `cbor:"3,keyasint"`

	// VetoThreshold is the number of consecutive discards that
	// triggers the veto.
	VetoThreshold int `cbor:"4,keyasint"`
}

// DefaultPolicy is used when a file does not specify one.
func DefaultPolicy() Policy {
	return Policy{
		Mode:          ModeLattice,
		MinSize:       256,
		LatticeStride: 8,
		VetoThreshold: 4,
	}
}

// Heuristic is the per-file moving record of compression outcomes.
// It is safe for concurrent use.
type Heuristic struct {
	mu             sync.Mutex
	policy         Policy
	incompressible int
	disabled       bool
	accepts        uint64
	discards       uint64
}

// NewHeuristic returns a heuristic applying policy.
func NewHeuristic(policy Policy) *Heuristic {
	if policy.LatticeStride == 0 {
		policy.LatticeStride = 1
	}
	return &Heuristic{policy: policy}
}

// ShouldCompress reports whether a cluster at index holding length
// plaintext bytes should be tried.
func (h *Heuristic) ShouldCompress(index uint64, length int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if length < h.policy.MinSize {
		return false
	}
	switch h.policy.Mode {
	case ModeNone:
		return false
	case ModeForce:
		return true
	case ModeUltimate:
		return !h.disabled
	case ModeLattice:
		if h.policy.VetoThreshold > 0 && h.incompressible >= h.policy.VetoThreshold {
			return index%h.policy.LatticeStride == 0
		}
		return true
	default:
		return false
	}
}

// Accept records that the cluster at index compressed usefully.
func (h *Heuristic) Accept(index uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.accepts++
	h.incompressible = 0
}

// Discard records that the compressed form of the cluster at index
// was thrown away.
func (h *Heuristic) Discard(index uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.discards++
	h.incompressible++
	if h.policy.Mode == ModeUltimate {
		h.disabled = true
	}
}

// Stats returns the accept and discard counts.
func (h *Heuristic) Stats() (accepts, discards uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.accepts, h.discards
}
