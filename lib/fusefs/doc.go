// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fusefs exposes a cryptcompress engine as a FUSE filesystem.
//
// The mount is a single flat directory. Each entry is an engine
// object named by its decimal object id:
//
//	<mountpoint>/1
//	<mountpoint>/2
//
// Creating a file whose name is an unused id creates the object with
// the engine's default attributes. Reads, writes and truncation go
// through the engine's page cache; close flushes the object's dirty
// clusters and fsync also writes its stat record. Names that are not
// canonical decimal ids are rejected. There is no rename, link or
// unlink; objects are removed with the clusterfs CLI.
package fusefs
