package publish

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"cvfs/pkg/catalog"
	"cvfs/pkg/core"
	"cvfs/pkg/types"
)

type fileObject struct {
	hash   types.ContentHash
	chunks []core.Chunk
}

// catalogBuilder 把内存树拆分成 catalog：每个嵌套根一个，自底向上写出
type catalogBuilder struct {
	up       *uploader
	files    map[*node]fileObject
	dir      string
	revision uint64
	ttl      time.Duration
	now      time.Time
	seq      int
}

// build 写出以 n 为根的 catalog 及其下所有嵌套 catalog，返回它的 hash 和大小
func (b *catalogBuilder) build(ctx context.Context, n *node) (types.ContentHash, int64, error) {
	b.seq++
	path := filepath.Join(b.dir, fmt.Sprintf("catalog-%d.db", b.seq))
	w, err := catalog.Create(path, n.path)
	if err != nil {
		return types.ContentHash{}, 0, err
	}

	self := b.entry(n, types.ContentHash{})
	self.NestedRoot = n.path != "/"
	if err := w.AddEntry(self); err != nil {
		w.Abort()
		return types.ContentHash{}, 0, err
	}
	if err := b.addChildren(ctx, w, n); err != nil {
		w.Abort()
		return types.ContentHash{}, 0, err
	}
	if err := w.Finish(catalog.Properties{Revision: b.revision, TTL: b.ttl, LastModified: b.now}); err != nil {
		return types.ContentHash{}, 0, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return types.ContentHash{}, 0, err
	}
	h, err := b.up.put(ctx, types.KindCatalog, data)
	if err != nil {
		return types.ContentHash{}, 0, err
	}
	return h, int64(len(data)), nil
}

func (b *catalogBuilder) addChildren(ctx context.Context, w *catalog.Writer, dir *node) error {
	for _, c := range dir.sortedChildren() {
		switch {
		case c.kind == core.EntryDir && c.nested:
			// 1. 嵌套 catalog 先写出，当前 catalog 里只留挂载点
			h, size, err := b.build(ctx, c)
			if err != nil {
				return err
			}
			mp := b.entry(c, h)
			mp.Kind = core.EntryMountpoint
			if err := w.AddEntry(mp); err != nil {
				return err
			}
			w.AddNested(c.path, h, size)
		case c.kind == core.EntryDir:
			if err := w.AddEntry(b.entry(c, types.ContentHash{})); err != nil {
				return err
			}
			if err := b.addChildren(ctx, w, c); err != nil {
				return err
			}
		default:
			if err := w.AddEntry(b.entry(c, types.ContentHash{})); err != nil {
				return err
			}
		}
	}
	return nil
}

// entry 把树节点转换成目录项
func (b *catalogBuilder) entry(n *node, mountHash types.ContentHash) *core.DirectoryEntry {
	e := &core.DirectoryEntry{
		Name:  n.name,
		Path:  n.path,
		Kind:  n.kind,
		Mtime: n.mtime.Unix(),
		Nlink: 1,
		Hash:  mountHash,
	}
	switch n.kind {
	case core.EntryDir:
		e.Mode = syscall.S_IFDIR | uint32(n.perm.Perm())
		e.Nlink = 2
		e.Size = 4096
	case core.EntrySymlink:
		e.Mode = syscall.S_IFLNK | 0o777
		e.Symlink = n.target
		e.Size = int64(len(n.target))
	case core.EntryFile:
		obj := b.files[n]
		e.Mode = syscall.S_IFREG | uint32(n.perm.Perm())
		e.Size = int64(len(n.data))
		e.Hash = obj.hash
		e.Chunks = obj.chunks
	}
	return e
}
