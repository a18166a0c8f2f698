package core

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"

	"cvfs/pkg/types"
)

var ErrInvalidEntry = errors.New("invalid directory entry")

// EntryKind 区分目录项的四种形态
type EntryKind uint8

const (
	EntryFile EntryKind = iota
	EntryDir
	EntrySymlink
	EntryMountpoint // 嵌套 catalog 的挂载点
)

func (k EntryKind) String() string {
	switch k {
	case EntryFile:
		return "file"
	case EntryDir:
		return "dir"
	case EntrySymlink:
		return "symlink"
	case EntryMountpoint:
		return "mountpoint"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Chunk 是大文件的一个分块
type Chunk struct {
	Offset int64
	Size   int64
	Hash   types.ContentHash
}

// DirectoryEntry 是 catalog 中的一条记录
// 普通文件: Hash 指向文件内容 (或 Chunks 非空)
// 挂载点:   Hash 指向嵌套 catalog 的根对象 (Kind = catalog)
type DirectoryEntry struct {
	Name    string
	Path    string // 规范化的绝对路径，根目录为 "/"
	Kind    EntryKind
	Mode    uint32 // 包含类型位 (S_IFDIR 等)
	Size    int64
	Mtime   int64 // Unix 秒
	Nlink   uint32
	UID     uint32
	GID     uint32
	Hash    types.ContentHash
	Symlink string
	Chunks  []Chunk

	// NestedRoot 表示该目录是某个嵌套 catalog 的根
	NestedRoot bool
}

func (e *DirectoryEntry) IsDir() bool        { return e.Kind == EntryDir || e.Kind == EntryMountpoint }
func (e *DirectoryEntry) IsFile() bool       { return e.Kind == EntryFile }
func (e *DirectoryEntry) IsSymlink() bool    { return e.Kind == EntrySymlink }
func (e *DirectoryEntry) IsMountpoint() bool { return e.Kind == EntryMountpoint }
func (e *DirectoryEntry) IsChunked() bool    { return len(e.Chunks) > 0 }

// FileMode 转换为 io/fs 的 FileMode (用于打印和导出)
func (e *DirectoryEntry) FileMode() fs.FileMode {
	perm := fs.FileMode(e.Mode & 0o777)
	switch {
	case e.IsDir():
		return perm | fs.ModeDir
	case e.IsSymlink():
		return perm | fs.ModeSymlink
	default:
		return perm
	}
}

// TypeBits 返回 POSIX 类型位
func (e *DirectoryEntry) TypeBits() uint32 {
	switch {
	case e.IsDir():
		return syscall.S_IFDIR
	case e.IsSymlink():
		return syscall.S_IFLNK
	default:
		return syscall.S_IFREG
	}
}

// Validate 检查目录项的结构约束:
// 一个目录项要么是内联的文件元数据，要么是挂载点，不能两者兼有。
func (e *DirectoryEntry) Validate() error {
	switch e.Kind {
	case EntryMountpoint:
		if e.Hash.IsZero() {
			return fmt.Errorf("%w: mountpoint %s has no catalog hash", ErrInvalidEntry, e.Path)
		}
		if e.Hash.Kind != types.KindCatalog {
			return fmt.Errorf("%w: mountpoint %s references %s object", ErrInvalidEntry, e.Path, e.Hash.Kind)
		}
		if len(e.Chunks) > 0 {
			return fmt.Errorf("%w: mountpoint %s carries file chunks", ErrInvalidEntry, e.Path)
		}
	case EntryFile:
		if e.Hash.Kind == types.KindCatalog {
			return fmt.Errorf("%w: file %s references a catalog", ErrInvalidEntry, e.Path)
		}
		var end int64
		for i, c := range e.Chunks {
			if c.Offset != end {
				return fmt.Errorf("%w: file %s chunk %d starts at %d, want %d", ErrInvalidEntry, e.Path, i, c.Offset, end)
			}
			end += c.Size
		}
		if len(e.Chunks) > 0 && end != e.Size {
			return fmt.Errorf("%w: file %s chunks cover %d of %d bytes", ErrInvalidEntry, e.Path, end, e.Size)
		}
	}
	return nil
}
