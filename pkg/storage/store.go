package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	ErrNotFound = errors.New("object not found")
	ErrTimeout  = errors.New("origin timeout")
)

// Source defines a read-only repository backend.
// Implementations can be an HTTP origin, an S3 bucket mirror, or a local directory.
// Paths are repository-relative, e.g. ".cvmfspublished" or "data/ab/cdef...C".
type Source interface {
	// Get 返回对象的原始字节流 (仓库中的对象是 zlib 压缩的)
	// 调用者负责 Close
	Get(ctx context.Context, path string) (io.ReadCloser, error)
}

// Store 是可写的后端，只有发布工具 (pkg/publish) 使用
type Store interface {
	Source

	// Put 写入对象。data/ 下的对象不可变，已存在时直接跳过；
	// 根文件 (manifest, whitelist) 总是覆盖。
	Put(ctx context.Context, path string, data []byte) error

	// Has 检查对象是否存在
	Has(ctx context.Context, path string) (bool, error)
}

// StatusError 表示源站返回了非 2xx 的 HTTP 状态
type StatusError struct {
	Code int
	Path string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("origin returned status %d for %s", e.Code, e.Path)
}

// Transient 5xx 和 429 被视为可重试
func (e *StatusError) Transient() bool {
	return e.Code >= 500 || e.Code == 429
}

// IsImmutable 判断路径是否是内容寻址的对象 (可以无限期缓存)
func IsImmutable(path string) bool {
	return strings.HasPrefix(path, "data/")
}
