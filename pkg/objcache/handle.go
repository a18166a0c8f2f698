package objcache

import (
	"errors"
	"io/fs"
	"os"
	"sync"

	"cvfs/pkg/types"
)

// Handle 是一个被 pin 住的缓存对象 (打开的文件 / 已挂载的 catalog)
// Close 之后才允许淘汰。
type Handle struct {
	c    *Cache
	hash types.ContentHash
	f    *os.File
	size int64
	once sync.Once
}

// Open pin 住对象并打开它
func (c *Cache) Open(h types.ContentHash) (*Handle, error) {
	if err := c.Pin(h); err != nil {
		c.metrics.RecordCacheMiss()
		return nil, err
	}
	hd, err := c.openPinned(h)
	if err != nil {
		c.metrics.RecordCacheMiss()
		return nil, err
	}
	c.metrics.RecordCacheHit()
	return hd, nil
}

// OpenPinned 打开一个调用者已经 pin 住的对象 (例如 CommitPinned 之后)
// 失败时会释放这个 pin。
func (c *Cache) OpenPinned(h types.ContentHash) (*Handle, error) {
	return c.openPinned(h)
}

func (c *Cache) openPinned(h types.ContentHash) (*Handle, error) {
	f, err := os.Open(c.fullPath(h))
	if err != nil {
		c.Unpin(h)
		if errors.Is(err, fs.ErrNotExist) {
			c.forget(h)
			return nil, ErrNotCached
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		c.Unpin(h)
		return nil, err
	}
	c.touch(h)
	return &Handle{c: c, hash: h, f: f, size: info.Size()}, nil
}

func (h *Handle) Hash() types.ContentHash { return h.hash }
func (h *Handle) Size() int64             { return h.size }

// Path 返回对象在磁盘上的路径 (SQLite 需要文件路径来打开 catalog)
func (h *Handle) Path() string { return h.f.Name() }

func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	return h.f.ReadAt(p, off)
}

// Close 关闭文件并 unpin，可以重复调用
func (h *Handle) Close() error {
	var err error
	h.once.Do(func() {
		err = h.f.Close()
		h.c.Unpin(h.hash)
	})
	return err
}
