package catalog

import "cvfs/pkg/types"

// catalog 表的 flags 位
const (
	FlagDir              = 1
	FlagNestedMountpoint = 2
	FlagFile             = 4
	FlagLink             = 8
	FlagFileStat         = 16
	FlagNestedRoot       = 32
	FlagFileChunk        = 64

	flagHashMask  = 256 | 512 | 1024
	flagHashShift = 8
)

// algoFromFlags: ((flags & mask) >> 8)，0 = sha1, 1 = rmd160
func algoFromFlags(flags int64) (types.Algorithm, bool) {
	switch (flags & flagHashMask) >> flagHashShift {
	case 0:
		return types.SHA1, true
	case 1:
		return types.RMD160, true
	}
	return 0, false
}

func algoFlags(a types.Algorithm) int64 {
	return int64(a) << flagHashShift
}

// EntryRow 对应 catalog 表的一行
// md5path / parent 是完整路径 MD5 拆出来的两个 int64
type EntryRow struct {
	Md5path1  int64  `gorm:"column:md5path_1;primaryKey;autoIncrement:false"`
	Md5path2  int64  `gorm:"column:md5path_2;primaryKey;autoIncrement:false"`
	Parent1   int64  `gorm:"column:parent_1;index:idx_catalog_parent"`
	Parent2   int64  `gorm:"column:parent_2;index:idx_catalog_parent"`
	Hardlinks int64  `gorm:"column:hardlinks"`
	Hash      []byte `gorm:"column:hash"`
	Size      int64  `gorm:"column:size"`
	Mode      int64  `gorm:"column:mode"`
	Mtime     int64  `gorm:"column:mtime"`
	Flags     int64  `gorm:"column:flags"`
	Name      string `gorm:"column:name"`
	Symlink   string `gorm:"column:symlink"`
	UID       int64  `gorm:"column:uid"`
	GID       int64  `gorm:"column:gid"`
	Xattr     []byte `gorm:"column:xattr"`
}

func (EntryRow) TableName() string { return "catalog" }

// ChunkRow 对应 chunks 表 (FileChunk 标记的文件)
type ChunkRow struct {
	Md5path1 int64  `gorm:"column:md5path_1;primaryKey;autoIncrement:false"`
	Md5path2 int64  `gorm:"column:md5path_2;primaryKey;autoIncrement:false"`
	Offset   int64  `gorm:"column:offset;primaryKey;autoIncrement:false"`
	Size     int64  `gorm:"column:size"`
	Hash     []byte `gorm:"column:hash"`
}

func (ChunkRow) TableName() string { return "chunks" }

// NestedRow 对应 nested_catalogs 表
type NestedRow struct {
	Path string `gorm:"column:path;primaryKey"`
	Sha1 string `gorm:"column:sha1"`
	Size int64  `gorm:"column:size"`
}

func (NestedRow) TableName() string { return "nested_catalogs" }

// PropertyRow 对应 properties 表
type PropertyRow struct {
	Key   string `gorm:"column:key;primaryKey"`
	Value string `gorm:"column:value"`
}

func (PropertyRow) TableName() string { return "properties" }

// StatRow 对应 statistics 表
type StatRow struct {
	Counter string `gorm:"column:counter;primaryKey"`
	Value   int64  `gorm:"column:value"`
}

func (StatRow) TableName() string { return "statistics" }

// properties 表里用到的 key
const (
	propRevision       = "revision"
	propSchema         = "schema"
	propSchemaRevision = "schema_revision"
	propTTL            = "TTL"
	propLastModified   = "last_modified"
	propRootPrefix     = "root_prefix"
)

// 当前写出的 schema 版本
const (
	SchemaVersion  = "2.5"
	SchemaRevision = 7
)
