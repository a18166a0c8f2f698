// Package vfs 是挂载层和 catalog manager 之间的适配接口
// 所有方法都以整数句柄工作，错误用 Errno 翻译成 errno。
package vfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"syscall"
	"time"

	"cvfs/pkg/core"
	"cvfs/pkg/exporter"
	"cvfs/pkg/manager"
	"cvfs/pkg/types"
)

var (
	ErrIsDir      = errors.New("is a directory")
	ErrNotSymlink = errors.New("not a symlink")
	ErrBadHandle  = errors.New("bad file handle")
)

// Attr 是 getattr 需要的全部属性
type Attr struct {
	Ino   uint64
	Mode  uint32 // 类型位 + 权限
	Size  int64
	Nlink uint32
	UID   uint32
	GID   uint32
	Mtime time.Time
}

// DirEntry 是 readdir 的一项
type DirEntry struct {
	Name string
	Mode uint32
}

func attrOf(h uint64, e *core.DirectoryEntry) Attr {
	return Attr{
		Ino:   h,
		Mode:  e.TypeBits() | (e.Mode & 0o7777),
		Size:  e.Size,
		Nlink: e.Nlink,
		UID:   e.UID,
		GID:   e.GID,
		Mtime: time.Unix(e.Mtime, 0),
	}
}

// openFile 是一个打开的文件
// 它固定住打开时的那一代，读取不受之后的刷新影响。
type openFile struct {
	view   *manager.View
	reader *exporter.FileReader
	keep   bool
}

// FS 实现句柄式的只读文件系统接口
type FS struct {
	mgr     *manager.Manager
	objects exporter.Opener
	logger  *slog.Logger

	mu     sync.Mutex
	nextFH uint64
	files  map[uint64]*openFile
	// served 记录每个 inode 最后一次交给内核的内容，句柄跨代不变而内容可能变
	served map[uint64]string
}

func New(mgr *manager.Manager, objects exporter.Opener, logger *slog.Logger) *FS {
	if logger == nil {
		logger = slog.Default()
	}
	return &FS{
		mgr:     mgr,
		objects: objects,
		logger:  logger.With("component", "vfs"),
		nextFH:  1,
		files:   make(map[uint64]*openFile),
		served:  make(map[uint64]string),
	}
}

// Lookup 在目录句柄下查找 name，返回子项属性 (Ino 即新句柄)
// 每次成功的 Lookup 都需要对应的 Forget。
func (f *FS) Lookup(ctx context.Context, parent uint64, name string) (Attr, error) {
	h, e, err := f.mgr.Lookup(ctx, parent, name)
	if err != nil {
		return Attr{}, err
	}
	return attrOf(h, e), nil
}

func (f *FS) Getattr(ctx context.Context, h uint64) (Attr, error) {
	e, err := f.mgr.Entry(ctx, h)
	if err != nil {
		return Attr{}, err
	}
	return attrOf(h, e), nil
}

func (f *FS) Readdir(ctx context.Context, h uint64) ([]DirEntry, error) {
	entries, err := f.mgr.ReadDir(ctx, h)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, len(entries))
	for i, e := range entries {
		out[i] = DirEntry{Name: e.Name, Mode: e.TypeBits() | (e.Mode & 0o7777)}
	}
	return out, nil
}

func (f *FS) Readlink(ctx context.Context, h uint64) (string, error) {
	e, err := f.mgr.Entry(ctx, h)
	if err != nil {
		return "", err
	}
	if !e.IsSymlink() {
		return "", fmt.Errorf("%w: %s", ErrNotSymlink, e.Path)
	}
	return e.Symlink, nil
}

// Open 打开一个普通文件，返回文件句柄
func (f *FS) Open(ctx context.Context, h uint64) (uint64, error) {
	p, err := f.mgr.HandlePath(h)
	if err != nil {
		return 0, err
	}
	view, err := f.mgr.Acquire()
	if err != nil {
		return 0, err
	}
	e, err := view.Resolve(ctx, p)
	if err != nil {
		view.Release()
		return 0, err
	}
	if e.IsDir() {
		view.Release()
		return 0, fmt.Errorf("%w: %s", ErrIsDir, p)
	}
	if !e.IsFile() {
		view.Release()
		return 0, fmt.Errorf("%w: %s is a %s", ErrBadHandle, p, e.Kind)
	}

	// 读取发生在 open 请求结束之后，不能继承它的取消
	r, err := exporter.NewFileReader(context.WithoutCancel(ctx), f.objects, e)
	if err != nil {
		view.Release()
		return 0, err
	}

	key := contentKey(e)
	f.mu.Lock()
	fh := f.nextFH
	f.nextFH++
	prev, seen := f.served[h]
	keep := seen && prev == key
	f.served[h] = key
	f.files[fh] = &openFile{view: view, reader: r, keep: keep}
	f.mu.Unlock()
	return fh, nil
}

// KeepCache 报告内核能否保留这个 inode 已缓存的页
// 只有内容和上一次打开时相同才可以，刷新换了内容的文件必须让内核丢弃旧页。
func (f *FS) KeepCache(fh uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	of, ok := f.files[fh]
	return ok && of.keep
}

// contentKey 标识文件内容：整体文件是它的 hash，分块文件是 chunk 列表的摘要
func contentKey(e *core.DirectoryEntry) string {
	if !e.IsChunked() {
		return e.Hash.Key()
	}
	var b strings.Builder
	for _, c := range e.Chunks {
		b.WriteString(c.Hash.Key())
		b.WriteByte('\n')
	}
	return core.CalculateHash(types.SHA1, []byte(b.String())).String()
}

// Read 读取至多 len(dest) 字节，文件末尾返回短读，不返回 io.EOF
func (f *FS) Read(ctx context.Context, fh uint64, dest []byte, off int64) (int, error) {
	f.mu.Lock()
	of, ok := f.files[fh]
	f.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrBadHandle, fh)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := of.reader.ReadAt(dest, off)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	if err != nil {
		return n, fmt.Errorf("%w: %v", manager.ErrIO, err)
	}
	return n, nil
}

// Release 关闭文件句柄，放开它固定的那一代
func (f *FS) Release(fh uint64) error {
	f.mu.Lock()
	of, ok := f.files[fh]
	delete(f.files, fh)
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrBadHandle, fh)
	}
	err := of.reader.Close()
	of.view.Release()
	return err
}

// Forget 释放 n 次 Lookup 的引用
func (f *FS) Forget(h uint64, n uint64) {
	f.mgr.Forget(h, n)
	if _, err := f.mgr.HandlePath(h); err != nil {
		f.mu.Lock()
		delete(f.served, h)
		f.mu.Unlock()
	}
}

// OpenFiles 返回当前打开的文件数
func (f *FS) OpenFiles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.files)
}

// Errno 把错误翻译成内核能理解的 errno
func Errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrIsDir):
		return syscall.EISDIR
	case errors.Is(err, ErrNotSymlink):
		return syscall.EINVAL
	case errors.Is(err, ErrBadHandle):
		return syscall.EBADF
	}
	// 取消和超时都是瞬时 I/O 失败，落到 EIO
	return manager.Errno(err)
}
