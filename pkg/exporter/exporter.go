package exporter

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"cvfs/pkg/core"
	"cvfs/pkg/types"
)

// Resolver 解析仓库路径 (由 manager.Manager 和 manager.View 实现)
type Resolver interface {
	Resolve(ctx context.Context, p string) (*core.DirectoryEntry, error)
	List(ctx context.Context, p string) ([]*core.DirectoryEntry, error)
}

// prefetcher 由 fetcher.Fetcher 实现，导出分块文件前并发预热所有 chunk
type prefetcher interface {
	Prefetch(ctx context.Context, hashes ...types.ContentHash) error
}

type Exporter struct {
	fs      Resolver
	objects Opener
}

func NewExporter(fs Resolver, objects Opener) *Exporter {
	return &Exporter{fs: fs, objects: objects}
}

// ExportFile 把仓库中的文件 (整体或分块) 流式写入 writer
func (e *Exporter) ExportFile(ctx context.Context, path string, writer io.Writer) error {
	entry, err := e.fs.Resolve(ctx, path)
	if err != nil {
		return err
	}
	_, err = e.ExportEntry(ctx, entry, writer)
	return err
}

// ExportEntry 写出一个已解析的文件目录项，返回写入的字节数
func (e *Exporter) ExportEntry(ctx context.Context, entry *core.DirectoryEntry, writer io.Writer) (int64, error) {
	r, err := NewFileReader(ctx, e.objects, entry)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	// 顺序读取只有一个句柄，先把剩下的 chunk 并发拉进缓存
	if pf, ok := e.objects.(prefetcher); ok && len(entry.Chunks) > 1 {
		hashes := make([]types.ContentHash, len(entry.Chunks))
		for i, c := range entry.Chunks {
			hashes[i] = c.Hash
		}
		if err := pf.Prefetch(ctx, hashes...); err != nil {
			return 0, fmt.Errorf("failed to prefetch chunks of %s: %w", entry.Path, err)
		}
	}

	n, err := io.Copy(writer, io.NewSectionReader(r, 0, entry.Size))
	if err != nil {
		return n, fmt.Errorf("failed to export %s: %w", entry.Path, err)
	}
	return n, nil
}

type RestoreCallback func(path string, entry *core.DirectoryEntry)

// RestoreTree 把仓库子树还原到本地目录
// 目录递归还原 (跨越嵌套 catalog)，符号链接原样创建。
func (e *Exporter) RestoreTree(ctx context.Context, path string, targetDir string, onRestore RestoreCallback) error {
	entry, err := e.fs.Resolve(ctx, path)
	if err != nil {
		return err
	}
	if !entry.IsDir() {
		return e.restoreOne(ctx, entry, filepath.Join(targetDir, entry.Name), onRestore)
	}
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return fmt.Errorf("failed to create dir %s: %w", targetDir, err)
	}
	return e.restoreDir(ctx, entry, targetDir, onRestore)
}

func (e *Exporter) restoreDir(ctx context.Context, dir *core.DirectoryEntry, targetDir string, onRestore RestoreCallback) error {
	children, err := e.fs.List(ctx, dir.Path)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return err
		}
		fullPath := filepath.Join(targetDir, child.Name)
		if child.IsDir() {
			// A. 目录：创建 -> 递归
			if err := os.MkdirAll(fullPath, 0755); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", fullPath, err)
			}
			if err := e.restoreDir(ctx, child, fullPath, onRestore); err != nil {
				return err
			}
			continue
		}
		// B. 文件或符号链接
		if err := e.restoreOne(ctx, child, fullPath, onRestore); err != nil {
			return err
		}
	}
	// 目录的权限最后设置，避免只读目录阻止写入子项
	return applyMeta(targetDir, dir)
}

func (e *Exporter) restoreOne(ctx context.Context, entry *core.DirectoryEntry, fullPath string, onRestore RestoreCallback) error {
	if entry.IsSymlink() {
		os.Remove(fullPath)
		if err := os.Symlink(entry.Symlink, fullPath); err != nil {
			return fmt.Errorf("failed to create symlink %s: %w", fullPath, err)
		}
	} else {
		file, err := os.Create(fullPath)
		if err != nil {
			return fmt.Errorf("failed to create file %s: %w", fullPath, err)
		}
		if _, err := e.ExportEntry(ctx, entry, file); err != nil {
			file.Close()
			return err
		}
		if err := file.Close(); err != nil {
			return err
		}
		if err := applyMeta(fullPath, entry); err != nil {
			return err
		}
	}
	if onRestore != nil {
		onRestore(fullPath, entry)
	}
	return nil
}

func applyMeta(path string, entry *core.DirectoryEntry) error {
	perm := entry.FileMode().Perm()
	if entry.IsDir() {
		// 目录至少要保证 owner 可读写可进入
		perm |= 0o700
	}
	if err := os.Chmod(path, perm); err != nil {
		return err
	}
	if entry.Mtime > 0 {
		mt := time.Unix(entry.Mtime, 0)
		return os.Chtimes(path, mt, mt)
	}
	return nil
}
