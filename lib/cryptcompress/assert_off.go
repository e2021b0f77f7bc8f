// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !clusterfs_debug

package cryptcompress

// assertf is a no-op in production.
// Enable with -tags clusterfs_debug for runtime checks.
func assertf(bool, string, ...any) {}
