package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cvfs/pkg/storage"
)

var (
	ErrRevisionRollback   = fmt.Errorf("%w: revision rollback", ErrTrust)
	ErrRepositoryMismatch = fmt.Errorf("%w: repository name mismatch", ErrTrust)
	ErrNoState            = errors.New("no trusted state recorded")
)

// Record 是持久化的“最后一次可信状态”
// 保存原始的 manifest 和 whitelist，离线重启时可以重新校验。
type Record struct {
	Repository string
	Revision   uint64
	RootHash   string
	Timestamp  time.Time
	Manifest   []byte
	Whitelist  []byte
}

// StateStore 持久化可信状态，用于跨重启的回滚检测
// 实现: pkg/refs (文件), pkg/meta (SQL)
type StateStore interface {
	Load(ctx context.Context, repo string) (*Record, error) // 没有记录时返回 ErrNoState
	Save(ctx context.Context, rec Record) error
}

// Fetcher 是 Session 需要的下载能力 (fetcher.Fetcher 实现了它)
type Fetcher interface {
	ObjectFetcher
	FetchRoot(ctx context.Context, name string) ([]byte, error)
}

// State 是一次成功校验后的不可变快照
type State struct {
	Manifest     *Manifest
	Whitelist    *Whitelist
	VerifiedAt   time.Time
	LastSnapshot time.Time // 复制标记 (.cvmfs_last_snapshot)，可能为零
}

type SessionOptions struct {
	Repository string
	Fetcher    Fetcher
	Verifier   *Verifier
	Store      StateStore // 可选
	Logger     *slog.Logger
}

// Session 维护一个仓库的当前可信状态
// 刷新失败时保留之前的状态。
type Session struct {
	repo     string
	fetcher  Fetcher
	verifier *Verifier
	store    StateStore
	logger   *slog.Logger

	refreshMu sync.Mutex // 刷新串行化
	current   atomic.Pointer[State]
}

func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Repository == "" {
		return nil, errors.New("trust: repository name is required")
	}
	if opts.Fetcher == nil || opts.Verifier == nil {
		return nil, errors.New("trust: fetcher and verifier are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		repo:     opts.Repository,
		fetcher:  opts.Fetcher,
		verifier: opts.Verifier,
		store:    opts.Store,
		logger:   opts.Logger.With("component", "trust", "repo", opts.Repository),
	}, nil
}

// Current 返回当前可信状态；尚未刷新成功时为 nil
func (s *Session) Current() *State { return s.current.Load() }

func (s *Session) Repository() string { return s.repo }

// Refresh 下载并校验最新的 manifest 和 whitelist
// 返回新状态以及根 catalog 是否发生了变化。
func (s *Session) Refresh(ctx context.Context) (*State, bool, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	prev := s.current.Load()

	// 1. 下载根文件
	rawManifest, err := s.fetcher.FetchRoot(ctx, ManifestName)
	if err != nil {
		return prev, false, fmt.Errorf("failed to fetch manifest: %w", err)
	}
	rawWhitelist, err := s.fetcher.FetchRoot(ctx, WhitelistName)
	if err != nil {
		return prev, false, fmt.Errorf("failed to fetch whitelist: %w", err)
	}

	// 2. 校验
	state, err := s.verify(ctx, rawManifest, rawWhitelist)
	if err != nil {
		s.logger.Error("refresh rejected, keeping previous state", "error", err)
		return prev, false, err
	}

	// 3. 回滚检测 (内存中的状态 + 持久化的记录)
	floor, err := s.revisionFloor(ctx, prev)
	if err != nil {
		return prev, false, err
	}
	if state.Manifest.Revision < floor {
		err := fmt.Errorf("%w: got revision %d, already trusted %d", ErrRevisionRollback, state.Manifest.Revision, floor)
		s.logger.Error("refresh rejected, keeping previous state", "error", err)
		return prev, false, err
	}

	// 4. 复制标记 (可选)
	state.LastSnapshot = s.lastSnapshot(ctx)

	// 5. 持久化，然后发布
	if s.store != nil {
		rec := Record{
			Repository: s.repo,
			Revision:   state.Manifest.Revision,
			RootHash:   state.Manifest.RootCatalog.String(),
			Timestamp:  state.Manifest.Timestamp,
			Manifest:   rawManifest,
			Whitelist:  rawWhitelist,
		}
		if err := s.store.Save(ctx, rec); err != nil {
			return prev, false, fmt.Errorf("failed to persist trusted state: %w", err)
		}
	}
	s.current.Store(state)

	changed := prev == nil || prev.Manifest.RootCatalog != state.Manifest.RootCatalog
	if changed {
		s.logger.Info("repository state trusted",
			"revision", state.Manifest.Revision,
			"root", state.Manifest.RootCatalog.String())
	}
	return state, changed, nil
}

// Restore 从持久化记录恢复状态 (离线启动)
// 记录中的 manifest 和 whitelist 会被重新完整校验，证书从本地缓存获取。
func (s *Session) Restore(ctx context.Context) (*State, error) {
	if s.store == nil {
		return nil, ErrNoState
	}
	rec, err := s.store.Load(ctx, s.repo)
	if err != nil {
		return nil, err
	}
	if len(rec.Manifest) == 0 || len(rec.Whitelist) == 0 {
		return nil, fmt.Errorf("%w: record carries no root files", ErrNoState)
	}

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	state, err := s.verify(ctx, rec.Manifest, rec.Whitelist)
	if err != nil {
		return nil, err
	}
	s.current.Store(state)
	s.logger.Info("restored trusted state", "revision", state.Manifest.Revision)
	return state, nil
}

// Verify 校验给定的根文件而不改变 Session 的状态 (用于 `cvfs info`)
func (s *Session) Verify(ctx context.Context, rawManifest, rawWhitelist []byte) (*State, error) {
	return s.verify(ctx, rawManifest, rawWhitelist)
}

func (s *Session) verify(ctx context.Context, rawManifest, rawWhitelist []byte) (*State, error) {
	m, err := ParseManifest(rawManifest)
	if err != nil {
		return nil, err
	}
	if m.Repository != s.repo {
		return nil, fmt.Errorf("%w: manifest is for %q", ErrRepositoryMismatch, m.Repository)
	}
	wl, err := s.verifier.LoadWhitelist(rawWhitelist, s.repo)
	if err != nil {
		return nil, err
	}
	if err := s.verifier.VerifyManifest(ctx, m, wl, s.fetcher); err != nil {
		return nil, err
	}
	return &State{Manifest: m, Whitelist: wl, VerifiedAt: s.verifier.now()}, nil
}

func (s *Session) revisionFloor(ctx context.Context, prev *State) (uint64, error) {
	var floor uint64
	if prev != nil {
		floor = prev.Manifest.Revision
	}
	if s.store == nil {
		return floor, nil
	}
	rec, err := s.store.Load(ctx, s.repo)
	switch {
	case errors.Is(err, ErrNoState):
	case err != nil:
		return 0, fmt.Errorf("failed to load trusted state: %w", err)
	case rec.Revision > floor:
		floor = rec.Revision
	}
	return floor, nil
}

func (s *Session) lastSnapshot(ctx context.Context) time.Time {
	data, err := s.fetcher.FetchRoot(ctx, LastSnapshotName)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Debug("failed to read replication marker", "error", err)
		}
		return time.Time{}
	}
	return parseSnapshotMarker(string(data))
}

// parseSnapshotMarker 接受 Unix 秒或 RFC 1123 格式
func parseSnapshotMarker(s string) time.Time {
	s = strings.TrimSpace(s)
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC()
	}
	for _, layout := range []string{time.RFC1123, time.RFC1123Z, time.UnixDate} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
