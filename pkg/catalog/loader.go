package catalog

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"cvfs/pkg/core"
	"cvfs/pkg/objcache"
	"cvfs/pkg/types"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrCorruptCatalog = errors.New("corrupt catalog")

// Opener 把对象打开为本地文件 (由 fetcher.Fetcher 实现)
// SQLite 需要一个真实路径，所以这里不使用 []byte 接口。
type Opener interface {
	Open(ctx context.Context, h types.ContentHash, expected types.Kind) (*objcache.Handle, error)
}

// Loader 负责把 catalog 对象加载成内存快照
type Loader struct {
	opener Opener
	logger *slog.Logger
}

func NewLoader(opener Opener, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{opener: opener, logger: logger}
}

// Load 获取并解析 catalog
// 返回的 Catalog 持有缓存对象的 pin，调用方用完后必须 Close。
func (l *Loader) Load(ctx context.Context, h types.ContentHash) (*Catalog, error) {
	start := time.Now()
	h = h.WithKind(types.KindCatalog)

	handle, err := l.opener.Open(ctx, h, types.KindCatalog)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch catalog %s: %w", h, err)
	}
	cat, err := Parse(h, handle.Path())
	if err != nil {
		handle.Close()
		return nil, err
	}
	cat.pin = handle

	l.logger.Debug("catalog loaded",
		"hash", h.String(),
		"root", cat.RootPrefix,
		"revision", cat.Revision,
		"entries", cat.Len(),
		"duration", time.Since(start))
	return cat, nil
}

// Parse 以只读方式打开 SQLite 文件，把全部内容读入内存
func Parse(h types.ContentHash, path string) (*Catalog, error) {
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=ro", path)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptCatalog, h, err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	// 1. 读取所有表
	var (
		props   []PropertyRow
		stats   []StatRow
		nested  []NestedRow
		entries []EntryRow
		chunks  []ChunkRow
	)
	for _, q := range []struct {
		name string
		dest any
	}{
		{"properties", &props},
		{"statistics", &stats},
		{"nested_catalogs", &nested},
		{"catalog", &entries},
		{"chunks", &chunks},
	} {
		if err := db.Find(q.dest).Error; err != nil {
			return nil, fmt.Errorf("%w: %s: reading %s: %v", ErrCorruptCatalog, h, q.name, err)
		}
	}

	// 2. 元数据
	cat, err := newFromProperties(h, props)
	if err != nil {
		return nil, err
	}
	for _, s := range stats {
		cat.Stats[s.Counter] = s.Value
	}

	// 3. 挂载表
	mounts := make(map[string]Nested, len(nested))
	for _, row := range nested {
		if row.Sha1 == "" {
			return nil, fmt.Errorf("%w: %s: mountpoint %s has a null hash", ErrCorruptCatalog, h, row.Path)
		}
		nh, err := types.ParseContentHash(row.Sha1, types.KindCatalog)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: mountpoint %s: %v", ErrCorruptCatalog, h, row.Path, err)
		}
		n := Nested{Path: core.CleanPath(row.Path), Hash: nh, Size: row.Size}
		mounts[n.Path] = n
		cat.nested = append(cat.nested, n)
	}

	// 4. 目录树
	if err := cat.buildTree(entries, groupChunks(chunks), mounts); err != nil {
		return nil, err
	}
	cat.sortChildren()
	return cat, nil
}

func newFromProperties(h types.ContentHash, rows []PropertyRow) (*Catalog, error) {
	props := make(map[string]string, len(rows))
	for _, p := range rows {
		props[p.Key] = p.Value
	}

	cat := &Catalog{
		Hash:       h,
		Schema:     props[propSchema],
		RootPrefix: "/",
		Stats:      make(map[string]int64),
		entries:    make(map[string]*core.DirectoryEntry),
		children:   make(map[string][]*core.DirectoryEntry),
	}

	rev, _ := strconv.ParseUint(props[propRevision], 10, 64)
	if rev == 0 {
		return nil, fmt.Errorf("%w: %s: missing revision", ErrCorruptCatalog, h)
	}
	cat.Revision = rev

	if schema, _ := strconv.ParseFloat(cat.Schema, 64); schema == 0 {
		return nil, fmt.Errorf("%w: %s: missing schema", ErrCorruptCatalog, h)
	}
	cat.SchemaRevision, _ = strconv.Atoi(props[propSchemaRevision])

	if v, ok := props[propTTL]; ok {
		secs, err := strconv.ParseInt(v, 10, 64)
		if err != nil || secs < 0 {
			return nil, fmt.Errorf("%w: %s: bad TTL %q", ErrCorruptCatalog, h, v)
		}
		cat.TTL = time.Duration(secs) * time.Second
	}
	if v, ok := props[propLastModified]; ok {
		secs, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: bad last_modified %q", ErrCorruptCatalog, h, v)
		}
		cat.LastModified = time.Unix(secs, 0)
	}
	if v := props[propRootPrefix]; v != "" {
		cat.RootPrefix = core.CleanPath(v)
	}
	return cat, nil
}

func groupChunks(rows []ChunkRow) map[core.PathHash][]ChunkRow {
	out := make(map[core.PathHash][]ChunkRow)
	for _, r := range rows {
		k := core.PathHash{P1: r.Md5path1, P2: r.Md5path2}
		out[k] = append(out[k], r)
	}
	for _, list := range out {
		sort.Slice(list, func(i, j int) bool { return list[i].Offset < list[j].Offset })
	}
	return out
}

// buildTree 从根目录开始按 parent 关系广度优先还原每个目录项的完整路径
// 表中只存 md5(path)，路径本身需要沿 parent 链拼接出来。
func (c *Catalog) buildTree(rows []EntryRow, chunks map[core.PathHash][]ChunkRow, mounts map[string]Nested) error {
	byParent := make(map[core.PathHash][]*EntryRow)
	var root *EntryRow
	rootKey := core.SplitMD5(c.RootPrefix)
	for i := range rows {
		r := &rows[i]
		self := core.PathHash{P1: r.Md5path1, P2: r.Md5path2}
		if self == rootKey {
			root = r
			continue
		}
		parent := core.PathHash{P1: r.Parent1, P2: r.Parent2}
		byParent[parent] = append(byParent[parent], r)
	}
	if root == nil {
		return fmt.Errorf("%w: %s: missing root entry for %s", ErrCorruptCatalog, c.Hash, c.RootPrefix)
	}

	type item struct {
		row  *EntryRow
		path string
	}
	queue := []item{{row: root, path: c.RootPrefix}}
	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]

		e, err := c.toEntry(it.row, it.path, chunks, mounts)
		if err != nil {
			return err
		}
		c.addEntry(e)

		if !e.IsDir() {
			continue
		}
		// 挂载点下面的内容属于嵌套 catalog，不会出现在本表中
		for _, child := range byParent[core.SplitMD5(it.path)] {
			queue = append(queue, item{row: child, path: core.JoinPath(it.path, child.Name)})
		}
	}
	if root.Flags&FlagDir == 0 {
		return fmt.Errorf("%w: %s: root entry is not a directory", ErrCorruptCatalog, c.Hash)
	}
	return nil
}

func (c *Catalog) toEntry(r *EntryRow, p string, chunks map[core.PathHash][]ChunkRow, mounts map[string]Nested) (*core.DirectoryEntry, error) {
	algo, ok := algoFromFlags(r.Flags)
	if !ok {
		return nil, fmt.Errorf("%w: %s: %s has unknown hash algorithm flags %#x", ErrCorruptCatalog, c.Hash, p, r.Flags)
	}

	nlink := uint32(r.Hardlinks & 0xffffffff)
	if nlink == 0 {
		nlink = 1
	}
	e := &core.DirectoryEntry{
		Name:       r.Name,
		Path:       p,
		Mode:       uint32(r.Mode),
		Size:       r.Size,
		Mtime:      r.Mtime,
		Nlink:      nlink,
		UID:        uint32(r.UID),
		GID:        uint32(r.GID),
		Symlink:    r.Symlink,
		NestedRoot: r.Flags&FlagNestedRoot != 0,
	}
	if p == "/" {
		e.Name = ""
	}

	switch {
	case r.Flags&FlagDir != 0 && r.Flags&FlagNestedMountpoint != 0:
		e.Kind = core.EntryMountpoint
		n, ok := mounts[p]
		if !ok {
			return nil, fmt.Errorf("%w: %s: mountpoint %s has no nested catalog row", ErrCorruptCatalog, c.Hash, p)
		}
		e.Hash = n.Hash
	case r.Flags&FlagDir != 0:
		e.Kind = core.EntryDir
	case r.Flags&FlagLink != 0:
		e.Kind = core.EntrySymlink
	default:
		e.Kind = core.EntryFile
		if len(r.Hash) > 0 {
			e.Hash = types.ContentHash{Digest: types.Hash(hex.EncodeToString(r.Hash)), Algo: algo, Kind: types.KindRegular}
		}
		if r.Flags&FlagFileChunk != 0 {
			for _, ch := range chunks[core.PathHash{P1: r.Md5path1, P2: r.Md5path2}] {
				e.Chunks = append(e.Chunks, core.Chunk{
					Offset: ch.Offset,
					Size:   ch.Size,
					Hash:   types.ContentHash{Digest: types.Hash(hex.EncodeToString(ch.Hash)), Algo: algo, Kind: types.KindChunk},
				})
			}
		}
	}

	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptCatalog, c.Hash, err)
	}
	return e, nil
}
