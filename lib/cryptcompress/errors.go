// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cryptcompress

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/clusterfs/lib/pagecache"
	"github.com/bureau-foundation/clusterfs/lib/space"
	"github.com/bureau-foundation/clusterfs/lib/tree"
)

var (
	// ErrOutOfMemory means a page could not be allocated. Partial state
	// has been released; the operation can be retried.
	ErrOutOfMemory = pagecache.ErrOutOfMemory

	// ErrReservationExhausted means the volume has no room for the
	// worst-case cost of the change.
	ErrReservationExhausted = space.ErrExhausted

	// ErrRetry reports a benign race: the cluster had nothing pending
	// by the time the flush reached it.
	ErrRetry = errors.New("cryptcompress: nothing to do, retry later")

	// ErrIncompleteCluster means the item chain of a disk cluster ends
	// before its recorded length.
	ErrIncompleteCluster = errors.New("cryptcompress: incomplete disk cluster")

	// ErrCorruptCluster means a disk cluster failed its checksum,
	// padding, or decompression.
	ErrCorruptCluster = errors.New("cryptcompress: corrupt disk cluster")

	// ErrNotFound is returned by Open and Remove for unknown objects.
	ErrNotFound = errors.New("cryptcompress: object not found")

	// ErrExists is returned by CreateID for an id already in use.
	ErrExists = errors.New("cryptcompress: object already exists")

	// ErrClosed is returned by every operation after Engine.Close.
	ErrClosed = errors.New("cryptcompress: engine closed")
)

// IOError wraps a failure of the storage tree.
type IOError struct {
	Op  string
	Key tree.Key
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("cryptcompress: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func ioError(op string, key tree.Key, err error) error {
	return &IOError{Op: op, Key: key, Err: err}
}

// IsRecoverable reports whether err is transient and the operation can
// be reissued.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrOutOfMemory) || errors.Is(err, ErrRetry)
}
