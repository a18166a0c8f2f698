package meta

import (
	"time"

	"gorm.io/datatypes"
)

// TrustedState 每个仓库一行：最后一次校验通过的 manifest
type TrustedState struct {
	// Repository 是主键，例如 "demo.cvfs.io"
	Repository string `gorm:"primaryKey;type:varchar(255)"`

	Revision  uint64 `gorm:"not null"`
	RootHash  string `gorm:"type:varchar(64);not null"`
	Published int64  // manifest 的发布时间 (Unix 秒)

	// 原始根文件，离线重启时重新校验
	Manifest  []byte
	Whitelist []byte

	// Version 用于乐观锁并发控制 (CAS)
	// 同一台机器上多个挂载进程可能同时刷新同一个仓库
	Version int64 `gorm:"default:1"`

	UpdatedAt time.Time
}

// RevisionLog 记录每一个被信任过的版本 (用于 `cvfs talk revisions` 和排障)
type RevisionLog struct {
	ID         uint   `gorm:"primaryKey"`
	Repository string `gorm:"uniqueIndex:idx_repo_rev;type:varchar(255)"`
	Revision   uint64 `gorm:"uniqueIndex:idx_repo_rev"`
	RootHash   string `gorm:"type:varchar(64)"`
	Published  int64  `gorm:"index"`

	// Meta: 证书、TTL、历史库等附加信息
	Meta datatypes.JSON

	CreatedAt time.Time
}

func (RevisionLog) TableName() string {
	return "revision_log"
}
