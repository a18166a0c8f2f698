// Package fusefs 把 vfs.FS 挂载成只读的 FUSE 文件系统
package fusefs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"syscall"
	"time"

	"cvfs/pkg/manager"
	"cvfs/pkg/vfs"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

type Options struct {
	// Mountpoint 不存在时会被创建
	Mountpoint string
	FS         *vfs.FS

	// FsName 出现在 /proc/mounts 的 source 列，通常是仓库名
	FsName string

	// AllowOther 需要 /etc/fuse.conf 中的 user_allow_other
	AllowOther bool
	Debug      bool

	// 内核缓存时间，零值使用默认值
	EntryTimeout time.Duration
	AttrTimeout  time.Duration

	Logger *slog.Logger
}

// Mount 挂载文件系统，调用方负责 Unmount 返回的 Server
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, errors.New("mountpoint is required")
	}
	if options.FS == nil {
		return nil, errors.New("filesystem is required")
	}
	if options.FsName == "" {
		options.FsName = "cvfs"
	}
	if options.EntryTimeout <= 0 {
		options.EntryTimeout = time.Minute
	}
	if options.AttrTimeout <= 0 {
		options.AttrTimeout = time.Minute
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root := &node{fs: options.FS, handle: manager.RootHandle, logger: options.Logger}
	negativeTimeout := options.EntryTimeout

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &options.EntryTimeout,
		AttrTimeout:     &options.AttrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     options.FsName,
			Name:       "cvfs",
			AllowOther: options.AllowOther,
			Debug:      options.Debug,
			Options:    []string{"ro"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("repository mounted", "mountpoint", options.Mountpoint, "fsname", options.FsName)
	return server, nil
}

// node 是一个文件系统对象，handle 是 vfs 的稳定句柄
type node struct {
	gofuse.Inode
	fs     *vfs.FS
	handle uint64
	logger *slog.Logger
}

var (
	_ gofuse.InodeEmbedder   = (*node)(nil)
	_ gofuse.NodeLookuper    = (*node)(nil)
	_ gofuse.NodeGetattrer   = (*node)(nil)
	_ gofuse.NodeReaddirer   = (*node)(nil)
	_ gofuse.NodeReadlinker  = (*node)(nil)
	_ gofuse.NodeOpener      = (*node)(nil)
	_ gofuse.NodeReader      = (*node)(nil)
	_ gofuse.NodeReleaser    = (*node)(nil)
	_ gofuse.NodeStatfser    = (*node)(nil)
	_ gofuse.NodeOnForgetter = (*node)(nil)
)

func (n *node) errno(op string, err error) syscall.Errno {
	errno := vfs.Errno(err)
	if errno != syscall.ENOENT {
		n.logger.Debug("fuse operation failed", "op", op, "handle", n.handle, "errno", errno, "error", err)
	}
	return errno
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	attr, err := n.fs.Lookup(ctx, n.handle, name)
	if err != nil {
		return nil, n.errno("lookup", err)
	}
	fillAttr(&out.Attr, attr)
	child := &node{fs: n.fs, handle: attr.Ino, logger: n.logger}
	return n.NewInode(ctx, child, gofuse.StableAttr{Mode: attr.Mode & syscall.S_IFMT, Ino: attr.Ino}), 0
}

func (n *node) Getattr(ctx context.Context, _ gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attr, err := n.fs.Getattr(ctx, n.handle)
	if err != nil {
		return n.errno("getattr", err)
	}
	fillAttr(&out.Attr, attr)
	return 0
}

func (n *node) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	entries, err := n.fs.Readdir(ctx, n.handle)
	if err != nil {
		return nil, n.errno("readdir", err)
	}
	list := make([]fuse.DirEntry, len(entries))
	for i, e := range entries {
		list[i] = fuse.DirEntry{Name: e.Name, Mode: e.Mode}
	}
	return gofuse.NewListDirStream(list), 0
}

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.fs.Readlink(ctx, n.handle)
	if err != nil {
		return nil, n.errno("readlink", err)
	}
	return []byte(target), 0
}

// fileHandle 对应 vfs 的一个打开文件
type fileHandle struct {
	id uint64
}

func (n *node) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&syscall.O_ACCMODE != syscall.O_RDONLY {
		return nil, 0, syscall.EROFS
	}
	fh, err := n.fs.Open(ctx, n.handle)
	if err != nil {
		return nil, 0, n.errno("open", err)
	}
	return &fileHandle{id: fh}, openFlags(n.fs, fh), 0
}

func (n *node) Read(ctx context.Context, f gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	fh, ok := f.(*fileHandle)
	if !ok {
		return nil, syscall.EBADF
	}
	read, err := n.fs.Read(ctx, fh.id, dest, off)
	if err != nil {
		return nil, n.errno("read", err)
	}
	return fuse.ReadResultData(dest[:read]), 0
}

func (n *node) Release(_ context.Context, f gofuse.FileHandle) syscall.Errno {
	fh, ok := f.(*fileHandle)
	if !ok {
		return syscall.EBADF
	}
	if err := n.fs.Release(fh.id); err != nil {
		return n.errno("release", err)
	}
	return 0
}

func (n *node) Statfs(_ context.Context, out *fuse.StatfsOut) syscall.Errno {
	out.Bsize = 4096
	out.Frsize = 4096
	out.NameLen = 255
	return 0
}

// OnForget 内核已经忘记这个 inode，释放它的全部查找引用
func (n *node) OnForget() {
	if n.handle != manager.RootHandle {
		n.fs.Forget(n.handle, math.MaxUint64)
	}
}

// openFlags 只在内容没变时让内核保留页缓存
func openFlags(fs *vfs.FS, fh uint64) uint32 {
	if fs.KeepCache(fh) {
		return fuse.FOPEN_KEEP_CACHE
	}
	return 0
}

func fillAttr(out *fuse.Attr, a vfs.Attr) {
	out.Ino = a.Ino
	out.Mode = a.Mode
	out.Size = uint64(a.Size)
	out.Blocks = (uint64(a.Size) + 511) / 512
	out.Nlink = a.Nlink
	out.Owner = fuse.Owner{Uid: a.UID, Gid: a.GID}
	out.SetTimes(&a.Mtime, &a.Mtime, &a.Mtime)
	out.Blksize = 4096
}
