// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fusefs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/bureau-foundation/clusterfs/lib/cryptcompress"
)

// statfsBlockSize is the block size reported by statfs. Space is
// accounted in tree items, which the volume bounds by max item size.
const statfsBlockSize = 4096

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted.
	Mountpoint string

	// Engine serves every object of the mount.
	Engine *cryptcompress.Engine

	// AllowOther permits other users (including root) to access
	// the mount. Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Logger receives diagnostic messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// Mount mounts the engine at the configured mountpoint. The caller
// must call Unmount on the returned Server when done. The mountpoint
// directory is created if it does not exist.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root := &rootNode{options: &options}

	// Sizes change under writes from other handles; keep attribute
	// caching short.
	entryTimeout := 1 * time.Second
	attrTimeout := 100 * time.Millisecond
	negativeTimeout := 100 * time.Millisecond

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "clusterfs",
			Name:       "clusterfs",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("clusterfs mounted", "mountpoint", options.Mountpoint)
	return server, nil
}

// rootNode is the only directory. Its entries are engine objects named
// by decimal object id.
type rootNode struct {
	gofuse.Inode
	options *Options
}

var _ gofuse.InodeEmbedder = (*rootNode)(nil)
var _ gofuse.NodeLookuper = (*rootNode)(nil)
var _ gofuse.NodeReaddirer = (*rootNode)(nil)
var _ gofuse.NodeCreater = (*rootNode)(nil)
var _ gofuse.NodeStatfser = (*rootNode)(nil)

func (r *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	id, ok := parseObjectName(name)
	if !ok {
		return nil, syscall.ENOENT
	}
	file, err := r.options.Engine.Open(ctx, id)
	if err != nil {
		return nil, r.errno("lookup", id, err)
	}
	return r.fileInode(ctx, file, out), 0
}

func (r *rootNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	objects, err := r.options.Engine.List(ctx)
	if err != nil {
		return nil, r.errno("list", 0, err)
	}
	entries := make([]fuse.DirEntry, 0, len(objects))
	for _, object := range objects {
		entries = append(entries, fuse.DirEntry{
			Name: objectName(object.ID),
			Mode: syscall.S_IFREG,
			Ino:  inodeNumber(object.ID),
		})
	}
	return &sliceDirStream{entries: entries}, 0
}

// Create makes a new object with the engine's default attributes. The
// name must be a decimal id not yet in use.
func (r *rootNode) Create(ctx context.Context, name string, _ uint32, _ uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	id, ok := parseObjectName(name)
	if !ok {
		return nil, nil, 0, syscall.EINVAL
	}
	engine := r.options.Engine
	file, err := engine.CreateID(ctx, id, engine.Defaults())
	if err != nil {
		return nil, nil, 0, r.errno("create", id, err)
	}
	return r.fileInode(ctx, file, out), nil, 0, 0
}

func (r *rootNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	stats := r.options.Engine.Stats().Space
	out.Blocks = stats.Total
	out.Bfree = stats.Free
	out.Bavail = stats.Free
	out.Bsize = statfsBlockSize
	out.Frsize = statfsBlockSize
	out.NameLen = 20
	return 0
}

func (r *rootNode) fileInode(ctx context.Context, file *cryptcompress.File, out *fuse.EntryOut) *gofuse.Inode {
	node := &fileNode{options: r.options, file: file}
	node.fill(&out.Attr)
	return r.NewInode(ctx, node, gofuse.StableAttr{Mode: syscall.S_IFREG, Ino: inodeNumber(file.ObjectID())})
}

func (r *rootNode) errno(op string, id uint64, err error) syscall.Errno {
	return toErrno(r.options.Logger, op, id, err)
}

// objectName is the directory entry of an object id.
func objectName(id uint64) string { return strconv.FormatUint(id, 10) }

// parseObjectName accepts exactly the names objectName produces.
func parseObjectName(name string) (uint64, bool) {
	id, err := strconv.ParseUint(name, 10, 64)
	if err != nil || id == 0 || objectName(id) != name {
		return 0, false
	}
	return id, true
}

// inodeNumber keeps object inodes clear of the root, which is 1.
func inodeNumber(id uint64) uint64 { return id + 1 }

// sliceDirStream implements fs.DirStream from a slice of entries.
type sliceDirStream struct {
	entries []fuse.DirEntry
	index   int
}

func (s *sliceDirStream) HasNext() bool {
	return s.index < len(s.entries)
}

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if s.index >= len(s.entries) {
		return fuse.DirEntry{}, syscall.EINVAL
	}
	entry := s.entries[s.index]
	s.index++
	return entry, 0
}

func (s *sliceDirStream) Close() {}
