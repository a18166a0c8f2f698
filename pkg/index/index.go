// pkg/index/index.go
package index

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"cvfs/pkg/core"
	"cvfs/pkg/types"
)

var (
	ErrIndexMissing = errors.New("cache index not found")
	ErrCorruptIndex = errors.New("corrupted cache index")
	ErrUncleanIndex = errors.New("cache index was not closed cleanly")
)

const snapshotVersion = 1

// Entry 代表本地缓存中的一个对象
type Entry struct {
	Hash       types.ContentHash `cbor:"h"`
	Location   string            `cbor:"l"` // 相对缓存根目录的路径 (如 "ab/abcd...C")
	Size       int64             `cbor:"s"`
	LastAccess int64             `cbor:"t"` // Unix 纳秒
}

type snapshot struct {
	Version int     `cbor:"v"`
	Clean   bool    `cbor:"c"`
	Entries []Entry `cbor:"e"`
}

// Index 是缓存的访问索引 (用于配额统计和 LRU)
// 索引可以随时通过扫描分片目录重建，所以它只是一个加速结构。
type Index struct {
	path    string // 物理文件路径 (<cache>/cachedb)
	entries map[string]*Entry
	total   int64
	mu      sync.RWMutex
}

// New 创建一个空索引
func New(indexPath string) *Index {
	return &Index{
		path:    indexPath,
		entries: make(map[string]*Entry),
	}
}

// Load 加载索引快照
// 加载成功后快照文件会被删除：只有 Save 能写回一个“干净”的快照，
// 进程崩溃时磁盘上就没有索引，下次启动必然重建。
func Load(indexPath string) (*Index, error) {
	data, err := os.ReadFile(indexPath)
	if os.IsNotExist(err) {
		return nil, ErrIndexMissing
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}

	var snap snapshot
	if err := core.DecodeObject(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptIndex, err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: version %d", ErrCorruptIndex, snap.Version)
	}
	if !snap.Clean {
		return nil, ErrUncleanIndex
	}

	idx := New(indexPath)
	for i := range snap.Entries {
		e := snap.Entries[i]
		if e.Size < 0 || e.Location == "" {
			return nil, fmt.Errorf("%w: bad entry for %s", ErrCorruptIndex, e.Hash.Key())
		}
		idx.entries[e.Hash.Key()] = &e
		idx.total += e.Size
	}

	if err := os.Remove(indexPath); err != nil {
		return nil, fmt.Errorf("failed to consume index: %w", err)
	}
	return idx, nil
}

// Add 插入或替换一条记录
func (i *Index) Add(e Entry) {
	key := e.Hash.Key()
	i.mu.Lock()
	defer i.mu.Unlock()

	if old, ok := i.entries[key]; ok {
		i.total -= old.Size
	}
	i.entries[key] = &e
	i.total += e.Size
}

// Touch 更新访问时间，返回记录是否存在
func (i *Index) Touch(key string, at time.Time) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	e, ok := i.entries[key]
	if ok {
		e.LastAccess = at.UnixNano()
	}
	return ok
}

func (i *Index) Get(key string) (Entry, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	e, ok := i.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Remove 删除记录
func (i *Index) Remove(key string) (Entry, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	e, ok := i.entries[key]
	if !ok {
		return Entry{}, false
	}
	delete(i.entries, key)
	i.total -= e.Size
	return *e, true
}

// Total 缓存对象的总字节数
func (i *Index) Total() int64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.total
}

func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.entries)
}

// Snapshot 返回按访问时间升序 (最久未使用在前) 的副本
func (i *Index) Snapshot() []Entry {
	i.mu.RLock()
	out := make([]Entry, 0, len(i.entries))
	for _, e := range i.entries {
		out = append(out, *e)
	}
	i.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].LastAccess == out[b].LastAccess {
			return out[a].Hash.Key() < out[b].Hash.Key()
		}
		return out[a].LastAccess < out[b].LastAccess
	})
	return out
}

// Save 将索引持久化到磁盘并标记为干净
func (i *Index) Save() error {
	snap := snapshot{Version: snapshotVersion, Clean: true, Entries: i.Snapshot()}
	data, err := core.EncodeObject(snap)
	if err != nil {
		return err
	}

	// 原子写入
	tmp, err := os.CreateTemp(filepath.Dir(i.path), "cachedb-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), i.path)
}
