// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Records are small fixed structs; anything deeper or larger
		// than this is a damaged item, not data.
		MaxNestedLevels:  8,
		MaxArrayElements: 1024,
		MaxMapPairs:      64,
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v with Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v. Trailing bytes after the first item
// are an error.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Versioned is implemented by records that carry a format version.
type Versioned interface {
	RecordVersion() uint
}

// UnmarshalVersioned decodes data into v and rejects versions newer
// than maxVersion.
func UnmarshalVersioned(data []byte, v Versioned, maxVersion uint) error {
	if err := Unmarshal(data, v); err != nil {
		return err
	}
	if version := v.RecordVersion(); version > maxVersion {
		return fmt.Errorf("codec: record version %d is newer than supported version %d", version, maxVersion)
	}
	return nil
}

// Diagnose returns the RFC 8949 diagnostic notation of data.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
