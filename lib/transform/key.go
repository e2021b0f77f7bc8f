// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transform

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/clusterfs/lib/secret"
)

// KeySize is the size of the volume master key and every derived key.
const KeySize = 32

var hkdfInfoFileKey = []byte("clusterfs.file.v1")

// KeySet owns the volume master key and derives per-file keys from it.
type KeySet struct {
	master *secret.Buffer
}

// NewKeySet takes ownership of master, which must be KeySize bytes.
func NewKeySet(master *secret.Buffer) (*KeySet, error) {
	if master == nil {
		return nil, fmt.Errorf("master key is required")
	}
	if master.Len() != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, master.Len())
	}
	return &KeySet{master: master}, nil
}

// FileKey derives the key for one object. The caller closes the
// returned buffer.
func (k *KeySet) FileKey(objectID uint64) (*secret.Buffer, error) {
	info := make([]byte, len(hkdfInfoFileKey)+8)
	copy(info, hkdfInfoFileKey)
	binary.BigEndian.PutUint64(info[len(hkdfInfoFileKey):], objectID)
	return deriveKey(k.master.Bytes(), info)
}

// Close releases the master key.
func (k *KeySet) Close() error {
	return k.master.Close()
}

// deriveKey is HKDF-SHA256 with a nil salt; the input key material is
// already uniformly random.
func deriveKey(inputKeyMaterial []byte, info []byte) (*secret.Buffer, error) {
	reader := hkdf.New(sha256.New, inputKeyMaterial, nil, info)
	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		secret.Zero(derived)
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return secret.NewFromBytes(derived)
}
