package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cvfs/pkg/trust"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrConcurrentUpdate = errors.New("concurrent update detected (CAS failed)")
)

// casRetries: CAS 冲突后重新读取并重试的次数
const casRetries = 3

// Repository 封装所有对 SQL 数据库的操作，实现 trust.StateStore
type Repository struct {
	db *DB
}

var _ trust.StateStore = (*Repository)(nil)

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// -----------------------------------------------------------------------------
// 1. 可信状态 (Trusted State)
// -----------------------------------------------------------------------------

// GetState 读取仓库当前的可信状态行
func (r *Repository) GetState(ctx context.Context, repo string) (*TrustedState, error) {
	var st TrustedState
	err := r.db.GetConn().WithContext(ctx).
		Where("repository = ?", repo).
		First(&st).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, trust.ErrNoState
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Load 实现 trust.StateStore
func (r *Repository) Load(ctx context.Context, repo string) (*trust.Record, error) {
	st, err := r.GetState(ctx, repo)
	if err != nil {
		return nil, err
	}
	return &trust.Record{
		Repository: st.Repository,
		Revision:   st.Revision,
		RootHash:   st.RootHash,
		Timestamp:  time.Unix(st.Published, 0),
		Manifest:   st.Manifest,
		Whitelist:  st.Whitelist,
	}, nil
}

// Save 实现 trust.StateStore
// 版本号只能前进：另一个进程已经记录了更高的 revision 时返回 ErrRevisionRollback
func (r *Repository) Save(ctx context.Context, rec trust.Record) error {
	for range casRetries {
		var oldVersion int64
		cur, err := r.GetState(ctx, rec.Repository)
		switch {
		case errors.Is(err, trust.ErrNoState):
		case err != nil:
			return err
		default:
			if rec.Revision < cur.Revision {
				return fmt.Errorf("%w: got revision %d, database holds %d",
					trust.ErrRevisionRollback, rec.Revision, cur.Revision)
			}
			oldVersion = cur.Version
		}

		err = r.UpdateState(ctx, rec, oldVersion)
		if errors.Is(err, ErrConcurrentUpdate) {
			continue
		}
		if err != nil {
			return err
		}
		return r.appendLog(ctx, rec)
	}
	return ErrConcurrentUpdate
}

// UpdateState 原子更新可信状态 (CAS - Compare And Swap)
// oldVersion: 之前读到的版本号。如果数据库里现在的版本号不等于这个，说明有人抢先改了，更新失败。
func (r *Repository) UpdateState(ctx context.Context, rec trust.Record, oldVersion int64) error {
	return r.db.GetConn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 场景 A: 第一次创建 (Create)
		if oldVersion == 0 {
			st := TrustedState{
				Repository: rec.Repository,
				Revision:   rec.Revision,
				RootHash:   rec.RootHash,
				Published:  rec.Timestamp.Unix(),
				Manifest:   rec.Manifest,
				Whitelist:  rec.Whitelist,
				Version:    1,
			}
			if err := tx.Create(&st).Error; err != nil {
				// 兼容性: 处理不同数据库 (PG 与 SQLite) 的唯一约束错误
				if errors.Is(err, gorm.ErrDuplicatedKey) ||
					strings.Contains(err.Error(), "UNIQUE constraint failed") {
					return ErrConcurrentUpdate
				}
				return fmt.Errorf("failed to create trusted state: %w", err)
			}
			return nil
		}

		// 场景 B: 更新 (Update with CAS)
		// SQL: UPDATE trusted_states SET ..., version = version + 1 WHERE repository = ? AND version = ?
		result := tx.Model(&TrustedState{}).
			Where("repository = ? AND version = ?", rec.Repository, oldVersion).
			Updates(map[string]any{
				"revision":   rec.Revision,
				"root_hash":  rec.RootHash,
				"published":  rec.Timestamp.Unix(),
				"manifest":   rec.Manifest,
				"whitelist":  rec.Whitelist,
				"version":    gorm.Expr("version + 1"),
				"updated_at": time.Now(),
			})
		if result.Error != nil {
			return result.Error
		}
		// 影响行数为 0，说明 version 不匹配（被人抢先改了）
		if result.RowsAffected == 0 {
			return ErrConcurrentUpdate
		}
		return nil
	})
}

// -----------------------------------------------------------------------------
// 2. 版本日志 (Revision Log)
// -----------------------------------------------------------------------------

// revisionMeta 写入 RevisionLog.Meta 的附加字段
type revisionMeta struct {
	Certificate string `json:"certificate,omitempty"`
	History     string `json:"history,omitempty"`
	TTL         int64  `json:"ttl_seconds,omitempty"`
}

// appendLog 幂等写入：同一 (repository, revision) 只记录一次
func (r *Repository) appendLog(ctx context.Context, rec trust.Record) error {
	var meta revisionMeta
	if len(rec.Manifest) > 0 {
		if m, err := trust.ParseManifest(rec.Manifest); err == nil {
			meta.Certificate = m.Certificate.String()
			meta.TTL = int64(m.TTL.Seconds())
			if !m.History.IsZero() {
				meta.History = m.History.String()
			}
		}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal revision meta: %w", err)
	}

	entry := RevisionLog{
		Repository: rec.Repository,
		Revision:   rec.Revision,
		RootHash:   rec.RootHash,
		Published:  rec.Timestamp.Unix(),
		Meta:       datatypes.JSON(metaJSON),
	}
	err = r.db.GetConn().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "repository"}, {Name: "revision"}},
			DoNothing: true,
		}).
		Create(&entry).Error
	if err != nil {
		return fmt.Errorf("failed to log revision: %w", err)
	}
	return nil
}

// Revisions 按 revision 倒序列出最近信任过的版本
func (r *Repository) Revisions(ctx context.Context, repo string, limit int) ([]RevisionLog, error) {
	var logs []RevisionLog
	err := r.db.GetConn().WithContext(ctx).
		Where("repository = ?", repo).
		Order("revision DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}
