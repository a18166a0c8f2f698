package catalog

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"cvfs/pkg/core"
	"cvfs/pkg/types"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Writer 生成一个新的 catalog SQLite 文件 (发布端使用)
type Writer struct {
	db         *gorm.DB
	rootPrefix string

	entries []EntryRow
	chunks  []ChunkRow
	nested  []NestedRow
	stats   map[string]int64
}

// Properties 是写入 properties 表的元数据
type Properties struct {
	Revision     uint64
	TTL          time.Duration
	LastModified time.Time
}

// Create 在 path 创建空 catalog，rootPrefix 是本 catalog 子树的根路径
func Create(path, rootPrefix string) (*Writer, error) {
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s", path)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog: %w", err)
	}
	if err := db.AutoMigrate(&EntryRow{}, &ChunkRow{}, &NestedRow{}, &PropertyRow{}, &StatRow{}); err != nil {
		closeDB(db)
		return nil, fmt.Errorf("failed to create catalog schema: %w", err)
	}
	return &Writer{
		db:         db,
		rootPrefix: core.CleanPath(rootPrefix),
		stats:      make(map[string]int64),
	}, nil
}

// AddEntry 添加一个目录项，e.Path 必须是规范化绝对路径
func (w *Writer) AddEntry(e *core.DirectoryEntry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	self := core.SplitMD5(e.Path)
	parent := core.SplitMD5(core.ParentPath(e.Path))
	row := EntryRow{
		Md5path1:  self.P1,
		Md5path2:  self.P2,
		Parent1:   parent.P1,
		Parent2:   parent.P2,
		Hardlinks: int64(e.Nlink),
		Size:      e.Size,
		Mode:      int64(e.Mode),
		Mtime:     e.Mtime,
		Name:      e.Name,
		Symlink:   e.Symlink,
		UID:       int64(e.UID),
		GID:       int64(e.GID),
		Flags:     algoFlags(e.Hash.Algo),
	}

	switch e.Kind {
	case core.EntryDir:
		row.Flags |= FlagDir
		if e.NestedRoot {
			row.Flags |= FlagNestedRoot
		}
		w.stats["self_dir"]++
	case core.EntryMountpoint:
		// 挂载点自身不带 hash，嵌套 catalog 的 hash 记在 nested_catalogs 表
		row.Flags = FlagDir | FlagNestedMountpoint
		w.stats["self_dir"]++
	case core.EntrySymlink:
		row.Flags |= FlagLink | FlagFile
		w.stats["self_symlink"]++
	case core.EntryFile:
		row.Flags |= FlagFile
		digest, err := decodeDigest(e.Hash)
		if err != nil {
			return fmt.Errorf("entry %s: %w", e.Path, err)
		}
		row.Hash = digest
		w.stats["self_regular"]++
		w.stats["self_file_size"] += e.Size
		if e.IsChunked() {
			row.Flags |= FlagFileChunk
			w.stats["self_chunked"]++
			for _, c := range e.Chunks {
				d, err := decodeDigest(c.Hash)
				if err != nil {
					return fmt.Errorf("entry %s chunk %d: %w", e.Path, c.Offset, err)
				}
				w.chunks = append(w.chunks, ChunkRow{Md5path1: self.P1, Md5path2: self.P2, Offset: c.Offset, Size: c.Size, Hash: d})
			}
		}
	}
	w.entries = append(w.entries, row)
	return nil
}

// AddNested 在挂载表中登记一个嵌套 catalog
func (w *Writer) AddNested(path string, h types.ContentHash, size int64) {
	w.nested = append(w.nested, NestedRow{Path: core.CatalogKey(path), Sha1: h.String(), Size: size})
	w.stats["self_nested"]++
}

// Finish 写入所有行与元数据并关闭数据库
func (w *Writer) Finish(p Properties) error {
	defer closeDB(w.db)

	props := []PropertyRow{
		{Key: propRevision, Value: strconv.FormatUint(p.Revision, 10)},
		{Key: propSchema, Value: SchemaVersion},
		{Key: propSchemaRevision, Value: strconv.Itoa(SchemaRevision)},
		{Key: propTTL, Value: strconv.FormatInt(int64(p.TTL/time.Second), 10)},
		{Key: propLastModified, Value: strconv.FormatInt(p.LastModified.Unix(), 10)},
	}
	if w.rootPrefix != "/" {
		props = append(props, PropertyRow{Key: propRootPrefix, Value: w.rootPrefix})
	}
	stats := make([]StatRow, 0, len(w.stats))
	for k, v := range w.stats {
		stats = append(stats, StatRow{Counter: k, Value: v})
	}

	return w.db.Transaction(func(tx *gorm.DB) error {
		if len(w.entries) > 0 {
			if err := tx.CreateInBatches(w.entries, 500).Error; err != nil {
				return fmt.Errorf("failed to write entries: %w", err)
			}
		}
		if len(w.chunks) > 0 {
			if err := tx.CreateInBatches(w.chunks, 500).Error; err != nil {
				return fmt.Errorf("failed to write chunks: %w", err)
			}
		}
		if len(w.nested) > 0 {
			if err := tx.Create(&w.nested).Error; err != nil {
				return fmt.Errorf("failed to write nested catalogs: %w", err)
			}
		}
		if len(stats) > 0 {
			if err := tx.Create(&stats).Error; err != nil {
				return fmt.Errorf("failed to write statistics: %w", err)
			}
		}
		return tx.Create(&props).Error
	})
}

// Abort 放弃写入
func (w *Writer) Abort() {
	closeDB(w.db)
}

func decodeDigest(h types.ContentHash) ([]byte, error) {
	if h.IsZero() {
		return nil, nil
	}
	d, err := hex.DecodeString(string(h.Digest))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", types.ErrInvalidHash, h)
	}
	return d, nil
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}
