// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the CBOR configuration for records stored in the
// tree: per-object stat records and the volume super record.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2), so equal
// records always produce equal bytes and an unchanged stat record
// never causes a tree write. Record structs use integer keys
// (`cbor:"1,keyasint"`) to keep items small.
//
//	data, err := codec.Marshal(record)
//	err = codec.UnmarshalVersioned(data, &record, currentVersion)
package codec
