package disk

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cvfs/pkg/storage"
)

// Adapter 把本地目录当作仓库 (file:// 镜像)，同时实现 storage.Store
type Adapter struct {
	rootPath string // 比如: /srv/cvmfs/repo.example.org
}

// NewAdapter 创建一个新的磁盘存储适配器
func NewAdapter(root string) (*Adapter, error) {
	// 确保根目录存在
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root storage dir: %w", err)
	}
	return &Adapter{rootPath: root}, nil
}

// Root 返回仓库根目录
func (s *Adapter) Root() string { return s.rootPath }

// layout 返回仓库路径对应的物理路径
// 仓库路径本身已经分片: "data/aa/bbcc..." -> root/data/aa/bbcc...
func (s *Adapter) layout(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes repository root: %q", path)
	}
	return filepath.Join(s.rootPath, clean), nil
}

func (s *Adapter) Put(ctx context.Context, path string, data []byte) error {
	targetPath, err := s.layout(path)
	if err != nil {
		return err
	}

	// 1. 检查是否存在 (幂等性)
	// 只有内容寻址对象可以跳过，manifest 之类的根文件每次发布都会变
	if storage.IsImmutable(path) {
		if _, err := os.Stat(targetPath); err == nil {
			return nil
		}
	}

	// 2. 准备目录
	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	// 3. 原子写入 (Atomic Write)
	// 先写到一个临时文件，然后 Rename。
	// 这样保证要么文件不存在，要么文件是完整的。
	tempFile, err := os.CreateTemp(dir, "temp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tempFile.Name())

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return err
	}
	if err := tempFile.Close(); err != nil { // 必须先关闭才能 Rename
		return err
	}

	// 4. 移动到最终位置
	return os.Rename(tempFile.Name(), targetPath)
}

func (s *Adapter) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	targetPath, err := s.layout(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(targetPath)
	if os.IsNotExist(err) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Adapter) Has(ctx context.Context, path string) (bool, error) {
	targetPath, err := s.layout(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(targetPath)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
