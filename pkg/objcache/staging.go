package objcache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"cvfs/pkg/index"
	"cvfs/pkg/types"
)

// Staging 是一个写在 txn/ 下的临时对象
// 在 Commit 之前，它对任何读者都不可见。
type Staging struct {
	c    *Cache
	f    *os.File
	n    int64
	done bool
}

// Stage 创建一个新的临时对象
func (c *Cache) Stage() (*Staging, error) {
	f, err := os.CreateTemp(filepath.Join(c.root, txnDir), "obj-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}
	return &Staging{c: c, f: f}, nil
}

func (s *Staging) Write(p []byte) (int, error) {
	n, err := s.f.Write(p)
	s.n += int64(n)
	return n, err
}

// Size 已写入的字节数
func (s *Staging) Size() int64 { return s.n }

// Commit fsync 后 rename 到最终位置，并登记到索引
// 调用者必须已经校验过摘要。
func (s *Staging) Commit(h types.ContentHash) error {
	return s.commit(h, false)
}

// CommitPinned 与 Commit 相同，但在淘汰之前就 pin 住对象
// 调用者负责之后 Unpin。
func (s *Staging) CommitPinned(h types.ContentHash) error {
	return s.commit(h, true)
}

func (s *Staging) commit(h types.ContentHash, pin bool) error {
	if s.done {
		return errors.New("staging already finished")
	}
	s.done = true
	tmp := s.f.Name()

	// 1. 落盘
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync staging file: %w", err)
	}
	if err := s.f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	c := s.c
	final := c.fullPath(h)
	if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
		os.Remove(tmp)
		return err
	}

	// 2. 可见性切换 (和淘汰互斥)
	c.mu.Lock()
	if _, err := os.Stat(final); err == nil {
		// 内容寻址：同一个 hash 的内容相同，已经存在就不覆盖
		if _, ok := c.idx.Get(h.Key()); !ok {
			c.idx.Add(index.Entry{Hash: h, Location: location(h), Size: s.n, LastAccess: c.now().UnixNano()})
		}
		c.touch(h)
		if pin {
			c.pins[h.Key()]++
		}
		c.mu.Unlock()
		os.Remove(tmp)
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		c.mu.Unlock()
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		c.mu.Unlock()
		os.Remove(tmp)
		return fmt.Errorf("failed to commit object: %w", err)
	}
	c.idx.Add(index.Entry{
		Hash:       h,
		Location:   location(h),
		Size:       s.n,
		LastAccess: c.now().UnixNano(),
	})
	if pin {
		c.pins[h.Key()]++
	}

	// 3. 超过配额就淘汰 (新对象是最近访问的，排在最后)
	var evictErr error
	if c.quota > 0 && c.idx.Total() > c.quota {
		_, evictErr = c.evictLocked(c.quota)
	} else {
		c.metrics.SetCacheUsage(c.idx.Len(), c.idx.Total())
	}
	c.mu.Unlock()

	if evictErr != nil {
		c.logger.Warn("cache over quota after commit", "hash", h.Key(), "error", evictErr)
	}
	return nil
}

// Abort 丢弃临时文件
func (s *Staging) Abort() {
	if s.done {
		return
	}
	s.done = true
	s.f.Close()
	os.Remove(s.f.Name())
}
