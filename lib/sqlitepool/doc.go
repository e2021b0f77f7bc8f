// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the SQLite database that backs a persistent
// volume.
//
// It wraps zombiezen.com/go/sqlite/sqlitex.Pool and applies the
// volume pragmas to every connection:
//
//   - journal_mode=WAL so cursor reads never block cluster commits
//   - synchronous per [Config.Synchronous], FULL by default, because
//     the database is the only copy of file contents
//   - busy_timeout=5000 for write contention between the writeback
//     loop and foreground truncates
//   - cache_size=-8192 and temp_store=MEMORY
//
// Callers Take a connection, run SQL through sqlitex.Execute, and Put
// it back. [Pool.Write] runs a function inside an IMMEDIATE
// transaction.
package sqlitepool
