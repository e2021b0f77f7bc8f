// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fusefs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/bureau-foundation/clusterfs/lib/cryptcompress"
)

// fileNode is one engine object as a regular file. It keeps no handle
// state: reads and writes go straight to the shared *cryptcompress.File,
// whose page cache is the only cache.
type fileNode struct {
	gofuse.Inode
	options *Options
	file    *cryptcompress.File
}

var _ gofuse.InodeEmbedder = (*fileNode)(nil)
var _ gofuse.NodeGetattrer = (*fileNode)(nil)
var _ gofuse.NodeSetattrer = (*fileNode)(nil)
var _ gofuse.NodeOpener = (*fileNode)(nil)
var _ gofuse.NodeReader = (*fileNode)(nil)
var _ gofuse.NodeWriter = (*fileNode)(nil)
var _ gofuse.NodeFlusher = (*fileNode)(nil)
var _ gofuse.NodeFsyncer = (*fileNode)(nil)

func (n *fileNode) fill(out *fuse.Attr) {
	out.Ino = inodeNumber(n.file.ObjectID())
	out.Mode = syscall.S_IFREG | 0o644
	out.Nlink = 1
	out.Size = uint64(n.file.Size())
	out.Blocks = (out.Size + 511) / 512
	out.Blksize = uint32(n.file.Attributes().ClusterSize())
}

func (n *fileNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.fill(&out.Attr)
	return 0
}

// Setattr applies size changes. Mode, owner and time changes are
// accepted and dropped; objects carry no such metadata.
func (n *fileNode) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		if err := n.file.Truncate(ctx, int64(size)); err != nil {
			return n.errno("truncate", err)
		}
	}
	n.fill(&out.Attr)
	return 0
}

func (n *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	// Another handle may have written through the engine; the kernel
	// cache of this inode is not authoritative.
	return nil, fuse.FOPEN_DIRECT_IO, 0
}

func (n *fileNode) Read(ctx context.Context, f gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	count, err := n.file.ReadAt(ctx, dest, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, n.errno("read", err)
	}
	return fuse.ReadResultData(dest[:count]), 0
}

func (n *fileNode) Write(ctx context.Context, f gofuse.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	count, err := n.file.WriteAt(ctx, data, off)
	if err != nil {
		return uint32(count), n.errno("write", err)
	}
	return uint32(count), 0
}

// Flush runs on every close of a descriptor and writes the object's
// dirty clusters back.
func (n *fileNode) Flush(ctx context.Context, f gofuse.FileHandle) syscall.Errno {
	if err := n.file.FlushPageRange(ctx, 0, n.file.Size()); err != nil {
		return n.errno("flush", err)
	}
	return 0
}

func (n *fileNode) Fsync(ctx context.Context, f gofuse.FileHandle, flags uint32) syscall.Errno {
	if err := n.file.Sync(ctx); err != nil {
		return n.errno("fsync", err)
	}
	return 0
}

func (n *fileNode) errno(op string, err error) syscall.Errno {
	return toErrno(n.options.Logger, op, n.file.ObjectID(), err)
}

// toErrno maps engine errors onto the errno the kernel hands back to
// the caller. Unclassified failures are logged and reported as EIO.
func toErrno(logger *slog.Logger, op string, id uint64, err error) syscall.Errno {
	switch {
	case errors.Is(err, cryptcompress.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, cryptcompress.ErrExists):
		return syscall.EEXIST
	case errors.Is(err, cryptcompress.ErrReservationExhausted):
		return syscall.ENOSPC
	case errors.Is(err, cryptcompress.ErrOutOfMemory):
		return syscall.ENOMEM
	case errors.Is(err, cryptcompress.ErrRetry):
		return syscall.EAGAIN
	case errors.Is(err, context.Canceled):
		return syscall.EINTR
	}
	logger.Error("filesystem operation failed",
		"op", op,
		"object_id", id,
		"error", err,
	)
	return syscall.EIO
}
