// pkg/objcache/cache.go
package objcache

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"cvfs/pkg/index"
	"cvfs/pkg/types"
)

var (
	ErrNotCached   = errors.New("object not cached")
	ErrQuotaPinned = errors.New("pinned objects exceed cache quota")
)

const (
	txnDir    = "txn"
	indexFile = "cachedb"
)

// Metrics 由 pkg/metrics 实现；未配置时使用 noop
type Metrics interface {
	RecordCacheHit()
	RecordCacheMiss()
	RecordEviction(bytes int64)
	SetCacheUsage(entries int, bytes int64)
}

type noopMetrics struct{}

func (noopMetrics) RecordCacheHit()                        {}
func (noopMetrics) RecordCacheMiss()                       {}
func (noopMetrics) RecordEviction(bytes int64)             {}
func (noopMetrics) SetCacheUsage(entries int, bytes int64) {}

type Options struct {
	Root    string
	Quota   int64 // 字节；0 表示不限制
	Logger  *slog.Logger
	Metrics Metrics
	Now     func() time.Time
}

// Cache 是本地内容寻址对象缓存
// 布局: <root>/<2 hex>/<full hash><suffix>，临时文件在 <root>/txn/
//
// 锁的约定：mu 保护 pins 以及“文件可见性”的变化 (commit 和 evict)，
// 读取不拿 mu，所以不同 hash 的读写可以并发。
type Cache struct {
	root    string
	quota   int64
	idx     *index.Index
	logger  *slog.Logger
	metrics Metrics
	now     func() time.Time

	mu   sync.Mutex
	pins map[string]int
}

// Stats 缓存使用情况
type Stats struct {
	Entries int
	Bytes   int64
	Pinned  int
	Quota   int64
}

// Open 打开 (或创建) 一个缓存目录
// 1. 清理 txn/ 下的残留文件 (崩溃时没提交的下载)
// 2. 加载访问索引，不可用时扫描分片目录重建
func Open(opts Options) (*Cache, error) {
	if opts.Root == "" {
		return nil, errors.New("cache root is required")
	}
	if opts.Quota < 0 {
		return nil, fmt.Errorf("invalid cache quota %d", opts.Quota)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	txn := filepath.Join(opts.Root, txnDir)
	if err := os.MkdirAll(txn, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	if err := purgeDir(txn); err != nil {
		return nil, fmt.Errorf("failed to clean staging area: %w", err)
	}

	c := &Cache{
		root:    opts.Root,
		quota:   opts.Quota,
		logger:  opts.Logger.With("component", "objcache"),
		metrics: opts.Metrics,
		now:     opts.Now,
		pins:    make(map[string]int),
	}

	idxPath := filepath.Join(opts.Root, indexFile)
	idx, err := index.Load(idxPath)
	if err != nil {
		if !errors.Is(err, index.ErrIndexMissing) {
			c.logger.Warn("cache index unusable, rebuilding", "error", err)
		}
		idx, err = c.rebuild(idxPath)
		if err != nil {
			return nil, err
		}
	}
	c.idx = idx
	c.metrics.SetCacheUsage(idx.Len(), idx.Total())

	// 上次运行可能在配额变小后退出
	if c.quota > 0 && idx.Total() > c.quota {
		if _, err := c.Evict(); err != nil {
			c.logger.Warn("initial eviction incomplete", "error", err)
		}
	}
	return c, nil
}

// rebuild 扫描分片目录，访问时间取文件的 mtime
func (c *Cache) rebuild(idxPath string) (*index.Index, error) {
	idx := index.New(idxPath)
	shards, err := os.ReadDir(c.root)
	if err != nil {
		return nil, fmt.Errorf("failed to scan cache: %w", err)
	}
	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}
		files, err := os.ReadDir(filepath.Join(c.root, shard.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to scan shard %s: %w", shard.Name(), err)
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			h, err := types.ParseFileName(f.Name())
			if err != nil || h.Shard() != shard.Name() {
				c.logger.Debug("ignoring foreign file in cache", "file", f.Name())
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			idx.Add(index.Entry{
				Hash:       h,
				Location:   filepath.Join(shard.Name(), f.Name()),
				Size:       info.Size(),
				LastAccess: info.ModTime().UnixNano(),
			})
		}
	}
	c.logger.Info("cache index rebuilt", "entries", idx.Len(), "bytes", idx.Total())
	return idx, nil
}

// location 返回对象相对缓存根目录的路径
func location(h types.ContentHash) string {
	return filepath.Join(h.Shard(), h.FileName())
}

func (c *Cache) fullPath(h types.ContentHash) string {
	return filepath.Join(c.root, location(h))
}

// Contains 检查对象是否在缓存中 (不更新访问时间)
func (c *Cache) Contains(h types.ContentHash) bool {
	_, ok := c.idx.Get(h.Key())
	return ok
}

// Get 读取整个对象
// 返回的字节没有经过摘要校验，校验是 fetcher 的职责。
func (c *Cache) Get(h types.ContentHash) ([]byte, error) {
	data, err := os.ReadFile(c.fullPath(h))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// 文件被外部删除了，索引跟着修正
			c.forget(h)
			c.metrics.RecordCacheMiss()
			return nil, ErrNotCached
		}
		return nil, fmt.Errorf("failed to read cached object: %w", err)
	}
	c.touch(h)
	c.metrics.RecordCacheHit()
	return data, nil
}

// Put 原子写入一个对象：先写 txn/，fsync，然后 rename
func (c *Cache) Put(h types.ContentHash, data []byte) error {
	st, err := c.Stage()
	if err != nil {
		return err
	}
	if _, err := st.Write(data); err != nil {
		st.Abort()
		return err
	}
	return st.Commit(h)
}

// Remove 删除一个对象 (摘要校验失败时由 fetcher 调用)
// 被 pin 的对象不能删除。
func (c *Cache) Remove(h types.ContentHash) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pins[h.Key()] > 0 {
		return fmt.Errorf("cannot remove pinned object %s", h)
	}
	return c.removeLocked(h)
}

func (c *Cache) removeLocked(h types.ContentHash) error {
	err := os.Remove(c.fullPath(h))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	c.idx.Remove(h.Key())
	return nil
}

func (c *Cache) forget(h types.ContentHash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pins[h.Key()] == 0 {
		c.idx.Remove(h.Key())
	}
}

func (c *Cache) touch(h types.ContentHash) {
	c.idx.Touch(h.Key(), c.now())
}

// Pin 增加引用计数；被 pin 的对象不会被淘汰
// 与淘汰共用一把锁：要么先 pin 成功 (淘汰会跳过它)，要么对象已经被淘汰 (返回 ErrNotCached)。
func (c *Cache) Pin(h types.ContentHash) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.idx.Get(h.Key()); !ok {
		return ErrNotCached
	}
	c.pins[h.Key()]++
	return nil
}

// Unpin 减少引用计数
func (c *Cache) Unpin(h types.ContentHash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := h.Key()
	switch n := c.pins[key]; {
	case n > 1:
		c.pins[key] = n - 1
	case n == 1:
		delete(c.pins, key)
	default:
		c.logger.Warn("unpin of object that is not pinned", "hash", key)
	}
}

// IsPinned 仅用于诊断和测试
func (c *Cache) IsPinned(h types.ContentHash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pins[h.Key()] > 0
}

// Evict 淘汰最久未使用的未 pin 对象，直到总大小不超过配额
func (c *Cache) Evict() (int64, error) {
	if c.quota == 0 {
		return 0, nil
	}
	return c.Cleanup(c.quota)
}

// Cleanup 淘汰到 target 字节以下 (target 为 0 表示清空所有未 pin 的对象)
func (c *Cache) Cleanup(target int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked(target)
}

func (c *Cache) evictLocked(target int64) (int64, error) {
	var freed int64
	if c.idx.Total() <= target {
		return 0, nil
	}
	for _, e := range c.idx.Snapshot() {
		if c.idx.Total() <= target {
			break
		}
		if c.pins[e.Hash.Key()] > 0 {
			continue
		}
		if err := c.removeLocked(e.Hash); err != nil {
			c.logger.Warn("failed to evict object", "hash", e.Hash.Key(), "error", err)
			continue
		}
		freed += e.Size
		c.metrics.RecordEviction(e.Size)
	}
	c.metrics.SetCacheUsage(c.idx.Len(), c.idx.Total())
	if freed > 0 {
		c.logger.Debug("cache eviction pass", "freed", freed, "total", c.idx.Total(), "target", target)
	}
	if c.idx.Total() > target {
		return freed, fmt.Errorf("%w: %d bytes in use, target %d", ErrQuotaPinned, c.idx.Total(), target)
	}
	return freed, nil
}

// Stats 返回当前使用情况
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	pinned := len(c.pins)
	c.mu.Unlock()
	return Stats{
		Entries: c.idx.Len(),
		Bytes:   c.idx.Total(),
		Pinned:  pinned,
		Quota:   c.quota,
	}
}

// Root 缓存根目录
func (c *Cache) Root() string { return c.root }

// Close 持久化访问索引 (标记为干净)
func (c *Cache) Close() error {
	return c.idx.Save()
}

func purgeDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
