package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cvfs/pkg/objcache"
	"cvfs/pkg/types"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrCorruptHistory = errors.New("corrupt history database")
	ErrTagNotFound    = errors.New("tag not found")
)

const schemaVersion = "1.0"

// Tag 是历史库中一个命名的快照
type Tag struct {
	Name        string
	Root        types.ContentHash // 根 catalog
	Size        int64
	Revision    uint64
	Timestamp   time.Time
	Channel     int
	Description string
}

type tagRow struct {
	Name        string `gorm:"column:name;primaryKey"`
	Hash        string `gorm:"column:hash"`
	Revision    int64  `gorm:"column:revision;index"`
	Timestamp   int64  `gorm:"column:timestamp;index"`
	Channel     int    `gorm:"column:channel"`
	Description string `gorm:"column:description"`
	Size        int64  `gorm:"column:size"`
}

func (tagRow) TableName() string { return "tags" }

type propertyRow struct {
	Key   string `gorm:"column:key;primaryKey"`
	Value string `gorm:"column:value"`
}

func (propertyRow) TableName() string { return "properties" }

// Opener 由 fetcher.Fetcher 实现
type Opener interface {
	Open(ctx context.Context, h types.ContentHash, expected types.Kind) (*objcache.Handle, error)
}

// History 是历史库的内存视图，按时间倒序
type History struct {
	Repository string
	tags       []Tag
	byName     map[string]int
}

// Load 获取历史库对象并读入内存
func Load(ctx context.Context, opener Opener, h types.ContentHash, repo string) (*History, error) {
	handle, err := opener.Open(ctx, h.WithKind(types.KindHistory), types.KindHistory)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history %s: %w", h, err)
	}
	defer handle.Close()
	return Parse(handle.Path(), repo)
}

// Parse 只读打开历史库，校验 schema 和仓库名
func Parse(path, repo string) (*History, error) {
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=ro", path)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptHistory, err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	var props []propertyRow
	if err := db.Find(&props).Error; err != nil {
		return nil, fmt.Errorf("%w: reading properties: %v", ErrCorruptHistory, err)
	}
	kv := make(map[string]string, len(props))
	for _, p := range props {
		kv[p.Key] = p.Value
	}
	if kv["schema"] != schemaVersion {
		return nil, fmt.Errorf("%w: unsupported schema %q", ErrCorruptHistory, kv["schema"])
	}
	if kv["fqrn"] != repo {
		return nil, fmt.Errorf("%w: history belongs to %q, not %q", ErrCorruptHistory, kv["fqrn"], repo)
	}

	var rows []tagRow
	if err := db.Order("timestamp DESC, revision DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: reading tags: %v", ErrCorruptHistory, err)
	}

	hist := &History{Repository: repo, byName: make(map[string]int, len(rows))}
	for _, r := range rows {
		root, err := types.ParseContentHash(r.Hash, types.KindCatalog)
		if err != nil {
			return nil, fmt.Errorf("%w: tag %s: %v", ErrCorruptHistory, r.Name, err)
		}
		hist.byName[r.Name] = len(hist.tags)
		hist.tags = append(hist.tags, Tag{
			Name:        r.Name,
			Root:        root,
			Size:        r.Size,
			Revision:    uint64(r.Revision),
			Timestamp:   time.Unix(r.Timestamp, 0),
			Channel:     r.Channel,
			Description: r.Description,
		})
	}
	return hist, nil
}

// GetTag 按名字查找
func (h *History) GetTag(name string) (Tag, error) {
	i, ok := h.byName[name]
	if !ok {
		return Tag{}, fmt.Errorf("%w: %s", ErrTagNotFound, name)
	}
	return h.tags[i], nil
}

// GetTagByRevision 按版本号查找
func (h *History) GetTagByRevision(rev uint64) (Tag, error) {
	for _, t := range h.tags {
		if t.Revision == rev {
			return t, nil
		}
	}
	return Tag{}, fmt.Errorf("%w: revision %d", ErrTagNotFound, rev)
}

// GetTagByDate 返回 ts 时刻之前 (含) 最新的 tag
func (h *History) GetTagByDate(ts time.Time) (Tag, error) {
	// tags 按时间倒序
	i := sort.Search(len(h.tags), func(i int) bool { return !h.tags[i].Timestamp.After(ts) })
	if i == len(h.tags) {
		return Tag{}, fmt.Errorf("%w: nothing published before %s", ErrTagNotFound, ts.UTC().Format(time.RFC3339))
	}
	return h.tags[i], nil
}

// ListTags 按时间倒序返回全部 tag
func (h *History) ListTags() []Tag {
	out := make([]Tag, len(h.tags))
	copy(out, h.tags)
	return out
}
