// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cryptcompress

import (
	"fmt"

	"github.com/bureau-foundation/clusterfs/lib/transform"
)

const (
	// MinClusterShift is the smallest supported cluster, 4 KiB.
	MinClusterShift = 12

	// MaxClusterShift is the largest supported cluster, 64 KiB.
	MaxClusterShift = 16
)

// Attributes are the per-file transform settings, fixed at creation
// and persisted in the stat record.
type Attributes struct {
	ClusterShift uint8                 `cbor:"1,keyasint"`
	Compression  transform.Compression `cbor:"2,keyasint"`
	Cipher       transform.CipherKind  `cbor:"3,keyasint"`
	Policy       transform.Policy      `cbor:"4,keyasint"`
}

// ClusterSize returns 1 << ClusterShift.
func (a Attributes) ClusterSize() int { return 1 << a.ClusterShift }

// Validate checks a against the page size of the cache in use.
func (a Attributes) Validate(pageSize int) error {
	if a.ClusterShift < MinClusterShift || a.ClusterShift > MaxClusterShift {
		return fmt.Errorf("cluster shift %d outside %d..%d", a.ClusterShift, MinClusterShift, MaxClusterShift)
	}
	if pageSize <= 0 || a.ClusterSize()%pageSize != 0 {
		return fmt.Errorf("cluster size %d is not a multiple of page size %d", a.ClusterSize(), pageSize)
	}
	if _, err := transform.NewCompressor(a.Compression); err != nil {
		return err
	}
	switch a.Cipher {
	case transform.CipherNone, transform.CipherAES, transform.CipherXChaCha20:
	default:
		return fmt.Errorf("unknown cipher %s", a.Cipher)
	}
	return nil
}
