// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build clusterfs_debug

package cryptcompress

import "fmt"

// assertf panics when cond is false.
// Only enabled with -tags clusterfs_debug.
func assertf(cond bool, format string, args ...any) {
	if !cond {
		panic("cryptcompress: " + fmt.Sprintf(format, args...))
	}
}
