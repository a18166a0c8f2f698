package manager

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cvfs/pkg/catalog"
	"cvfs/pkg/core"
	"cvfs/pkg/history"
	"cvfs/pkg/trust"
	"cvfs/pkg/types"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultMaxCatalogs   = 256
	defaultTTL           = 4 * time.Minute
	defaultRetryInterval = 30 * time.Second
	maxRestarts          = 3
)

// Loader 加载一个 catalog (由 catalog.Loader 实现)
type Loader interface {
	Load(ctx context.Context, h types.ContentHash) (*catalog.Catalog, error)
}

// Trust 提供经过校验的仓库状态 (由 trust.Session 实现)
type Trust interface {
	Refresh(ctx context.Context) (*trust.State, bool, error)
	Current() *trust.State
}

// HistoryFunc 加载历史库，用于按 tag 挂载
type HistoryFunc func(ctx context.Context, h types.ContentHash) (*history.History, error)

// Metrics 由 pkg/metrics 实现
type Metrics interface {
	RecordCatalogLoad(err error)
	SetResidentCatalogs(n int)
	RecordRefresh(revision uint64, err error)
}

type noopMetrics struct{}

func (noopMetrics) RecordCatalogLoad(error)     {}
func (noopMetrics) SetResidentCatalogs(int)     {}
func (noopMetrics) RecordRefresh(uint64, error) {}

type Options struct {
	Loader  Loader
	Trust   Trust
	History HistoryFunc // 可选，按 tag 挂载时必需

	Tag             string // 非空时挂载该 tag 而不是最新版本
	MaxCatalogs     int    // 常驻内存的 catalog 上限
	CaseInsensitive bool
	RetryInterval   time.Duration // 刷新失败后的重试间隔

	Logger  *slog.Logger
	Metrics Metrics
	Now     func() time.Time
}

// Manager 管理挂载的 catalog 树，跨嵌套 catalog 解析路径
type Manager struct {
	loader  Loader
	trust   Trust
	history HistoryFunc
	tag     string
	fold    bool
	retry   time.Duration
	logger  *slog.Logger
	metrics Metrics
	now     func() time.Time

	refreshMu sync.Mutex
	current   atomic.Pointer[Generation]
	nextGen   atomic.Uint64

	mu    sync.Mutex
	arena map[uint64]*Generation // 尚未回收的代
	slots map[string]*slot

	resident *lru.Cache[string, *slot]
	handles  *handleTable
}

func New(opts Options) (*Manager, error) {
	if opts.Loader == nil || opts.Trust == nil {
		return nil, errors.New("manager: loader and trust are required")
	}
	if opts.Tag != "" && opts.History == nil {
		return nil, errors.New("manager: mounting a tag requires a history loader")
	}
	if opts.MaxCatalogs <= 0 {
		opts.MaxCatalogs = defaultMaxCatalogs
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
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

	m := &Manager{
		loader:  opts.Loader,
		trust:   opts.Trust,
		history: opts.History,
		tag:     opts.Tag,
		fold:    opts.CaseInsensitive,
		retry:   opts.RetryInterval,
		logger:  opts.Logger.With("component", "manager"),
		metrics: opts.Metrics,
		now:     opts.Now,
		arena:   make(map[uint64]*Generation),
		slots:   make(map[string]*slot),
		handles: newHandleTable(),
	}
	// 被挤出 LRU 的 slot 回到 Unloaded，下次访问重新加载
	cache, err := lru.NewWithEvict[string, *slot](opts.MaxCatalogs, func(_ string, s *slot) {
		s.unload()
	})
	if err != nil {
		return nil, err
	}
	m.resident = cache
	return m, nil
}

// -----------------------------------------------------------------------------
// 1. 代 (Generation) 的安装与回收
// -----------------------------------------------------------------------------

// Mount 建立第一代。源站不可达时退回到已恢复的可信状态 (离线启动)。
func (m *Manager) Mount(ctx context.Context) error {
	_, err := m.Refresh(ctx)
	if err == nil {
		return nil
	}
	st := m.trust.Current()
	if st == nil {
		return err
	}
	m.logger.Warn("refresh failed, mounting last trusted state", "revision", st.Manifest.Revision, "error", err)

	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	if _, ierr := m.install(ctx, st); ierr != nil {
		return fmt.Errorf("%w (offline mount also failed: %v)", err, ierr)
	}
	return nil
}

// Refresh 校验最新 manifest；根 catalog 变化时构建并切换到新的一代
// 任何失败都保留当前这一代继续服务。
func (m *Manager) Refresh(ctx context.Context) (bool, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	st, _, err := m.trust.Refresh(ctx)
	if err != nil {
		m.metrics.RecordRefresh(0, err)
		return false, err
	}
	changed, err := m.install(ctx, st)
	m.metrics.RecordRefresh(st.Manifest.Revision, err)
	return changed, err
}

func (m *Manager) install(ctx context.Context, st *trust.State) (bool, error) {
	root, err := m.rootFor(ctx, st)
	if err != nil {
		return false, err
	}
	cur := m.current.Load()
	if cur != nil && cur.Root == root {
		return false, nil
	}

	g := newGeneration(m.nextGen.Add(1), root, st, m.tag, m.now())

	// 先加载新的根 catalog 再切换，服务不会出现空档
	cat, err := m.catalogFor(ctx, g, root)
	if err != nil {
		return false, err
	}
	if cat.RootPrefix != "/" {
		return false, fmt.Errorf("%w: root catalog %s is rooted at %s", catalog.ErrCorruptCatalog, root, cat.RootPrefix)
	}
	g.Revision = cat.Revision

	m.mu.Lock()
	m.arena[g.ID] = g
	m.mu.Unlock()

	old := m.current.Swap(g)
	if old != nil {
		m.retire(old)
	}
	m.logger.Info("generation installed",
		"generation", g.ID,
		"revision", g.Revision,
		"root", root.String(),
		"tag", g.Tag)
	return true, nil
}

func (m *Manager) rootFor(ctx context.Context, st *trust.State) (types.ContentHash, error) {
	if m.tag == "" {
		return st.Manifest.RootCatalog, nil
	}
	hist, err := m.loadHistory(ctx, st)
	if err != nil {
		return types.ContentHash{}, err
	}
	tag, err := hist.GetTag(m.tag)
	if err != nil {
		return types.ContentHash{}, err
	}
	return tag.Root, nil
}

func (m *Manager) loadHistory(ctx context.Context, st *trust.State) (*history.History, error) {
	if m.history == nil {
		return nil, errors.New("no history loader configured")
	}
	if st.Manifest.History.IsZero() {
		return nil, fmt.Errorf("repository %s has no history database", st.Manifest.Repository)
	}
	return m.history(ctx, st.Manifest.History)
}

// acquire 获取当前代的引用
func (m *Manager) acquire() *Generation {
	for {
		g := m.current.Load()
		if g == nil {
			return nil
		}
		g.refs.Add(1)
		if !g.retired.Load() {
			return g
		}
		m.release(g)
	}
}

func (m *Manager) release(g *Generation) {
	if g.refs.Add(-1) == 0 && g.retired.Load() {
		m.reclaim(g)
	}
}

func (m *Manager) retire(g *Generation) {
	g.retired.Store(true)
	if g.refs.Load() == 0 {
		m.reclaim(g)
	}
}

// reclaim 卸载只被这一代使用过的 catalog
func (m *Manager) reclaim(g *Generation) {
	g.once.Do(func() {
		m.mu.Lock()
		delete(m.arena, g.ID)
		live := make([]*Generation, 0, len(m.arena))
		for _, l := range m.arena {
			live = append(live, l)
		}
		m.mu.Unlock()

		var unloaded int
		for _, key := range g.slotKeys() {
			shared := false
			for _, l := range live {
				if l.uses(key) {
					shared = true
					break
				}
			}
			if shared {
				continue
			}
			m.resident.Remove(key)
			m.dropSlot(key)
			unloaded++
		}
		m.metrics.SetResidentCatalogs(m.resident.Len())
		m.logger.Debug("generation reclaimed", "generation", g.ID, "unloaded", unloaded)
	})
}

// -----------------------------------------------------------------------------
// 2. catalog slot
// -----------------------------------------------------------------------------

func (m *Manager) slotFor(h types.ContentHash) *slot {
	key := h.Key()
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	if !ok {
		s = &slot{hash: h}
		m.slots[key] = s
	}
	return s
}

// dropSlot 删除未加载、且没有人在加载的 slot
func (m *Manager) dropSlot(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	if !ok || !s.mu.TryLock() {
		return
	}
	if s.snap.Load() == nil {
		delete(m.slots, key)
	}
	s.mu.Unlock()
}

// catalogFor 返回 catalog 快照，必要时加载 (每个 slot 同一时刻只有一个加载者)
func (m *Manager) catalogFor(ctx context.Context, g *Generation, h types.ContentHash) (*catalog.Catalog, error) {
	key := h.Key()
	g.track(key)
	s := m.slotFor(h)
	if c := s.snap.Load(); c != nil {
		m.resident.Get(key)
		return c, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.snap.Load(); c != nil {
		m.resident.Get(key)
		return c, nil
	}

	cat, err := m.loader.Load(ctx, h)
	m.metrics.RecordCatalogLoad(err)
	if err != nil {
		m.logger.Error("catalog load failed", "hash", h.String(), "error", err)
		return nil, fmt.Errorf("%w: catalog %s: %w", ErrIO, h, err)
	}
	s.snap.Store(cat)

	// 加载期间 slot 可能已被回收并由别人重建
	m.mu.Lock()
	if cur, ok := m.slots[key]; ok && cur != s {
		m.mu.Unlock()
		s.unload()
		return cat, nil
	}
	m.slots[key] = s
	m.mu.Unlock()

	m.resident.Add(key, s)
	m.metrics.SetResidentCatalogs(m.resident.Len())
	return cat, nil
}

// -----------------------------------------------------------------------------
// 3. 路径解析
// -----------------------------------------------------------------------------

// resolveIn 在指定的一代中解析路径
// 返回目录项以及该目录项所在的 catalog。
func (m *Manager) resolveIn(ctx context.Context, g *Generation, p string) (*core.DirectoryEntry, *catalog.Catalog, error) {
	cat, err := m.catalogFor(ctx, g, g.Root)
	if err != nil {
		return nil, nil, err
	}
	cur := cat.Root()
	if cur == nil {
		return nil, nil, fmt.Errorf("%w: root catalog has no root entry", ErrIO)
	}

	for _, seg := range core.Segments(p) {
		if !cur.IsDir() {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotDir, cur.Path)
		}
		if cur.IsMountpoint() {
			if cat, err = m.enter(ctx, g, cur); err != nil {
				return nil, nil, err
			}
		}
		next, ok := cat.LookupChild(cur.Path, seg, m.fold)
		if !ok {
			return nil, nil, &fs.PathError{Op: "lookup", Path: core.JoinPath(cur.Path, seg), Err: ErrNotFound}
		}
		cur = next
	}
	return cur, cat, nil
}

// enter 切换到挂载点对应的嵌套 catalog
func (m *Manager) enter(ctx context.Context, g *Generation, mp *core.DirectoryEntry) (*catalog.Catalog, error) {
	nested, err := m.catalogFor(ctx, g, mp.Hash)
	if err != nil {
		return nil, err
	}
	if nested.RootPrefix != mp.Path || nested.Root() == nil {
		return nil, fmt.Errorf("%w: %w: nested catalog %s is rooted at %s, mounted at %s",
			ErrIO, catalog.ErrCorruptCatalog, mp.Hash, nested.RootPrefix, mp.Path)
	}
	return nested, nil
}

func (m *Manager) listIn(ctx context.Context, g *Generation, p string) ([]*core.DirectoryEntry, error) {
	e, cat, err := m.resolveIn(ctx, g, p)
	if err != nil {
		return nil, err
	}
	if !e.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDir, e.Path)
	}
	if e.IsMountpoint() {
		if cat, err = m.enter(ctx, g, e); err != nil {
			return nil, err
		}
	}
	return cat.Children(e.Path), nil
}

// withGeneration 在当前代上执行 fn
// 如果失败时已经有了更新的一代 (旧代的对象可能已被源站清理)，换到新一代重试。
func (m *Manager) withGeneration(fn func(g *Generation) error) error {
	for attempt := 0; ; attempt++ {
		g := m.acquire()
		if g == nil {
			return ErrNotMounted
		}
		err := fn(g)
		m.release(g)
		if err == nil || !errors.Is(err, ErrIO) || attempt >= maxRestarts {
			return err
		}
		if m.current.Load() == g {
			return err
		}
		m.logger.Debug("generation changed during resolution, restarting", "generation", g.ID)
	}
}

// Resolve 在当前代中解析路径，符号链接不跟随
func (m *Manager) Resolve(ctx context.Context, p string) (*core.DirectoryEntry, error) {
	var e *core.DirectoryEntry
	err := m.withGeneration(func(g *Generation) error {
		var err error
		e, _, err = m.resolveIn(ctx, g, p)
		return err
	})
	return e, err
}

// Stat 等同于 Resolve
func (m *Manager) Stat(ctx context.Context, p string) (*core.DirectoryEntry, error) {
	return m.Resolve(ctx, p)
}

// List 列出目录 (跨越嵌套挂载点)，按名字排序
func (m *Manager) List(ctx context.Context, p string) ([]*core.DirectoryEntry, error) {
	var out []*core.DirectoryEntry
	err := m.withGeneration(func(g *Generation) error {
		var err error
		out, err = m.listIn(ctx, g, p)
		return err
	})
	return out, err
}

// -----------------------------------------------------------------------------
// 4. 视图：固定在某一代上的一组操作
// -----------------------------------------------------------------------------

// View 持有一代的引用，期间的所有解析都针对同一棵树
type View struct {
	m    *Manager
	g    *Generation
	once sync.Once
}

// Acquire 固定当前代，用完必须 Release
func (m *Manager) Acquire() (*View, error) {
	g := m.acquire()
	if g == nil {
		return nil, ErrNotMounted
	}
	return &View{m: m, g: g}, nil
}

func (v *View) Generation() *Generation { return v.g }

func (v *View) Resolve(ctx context.Context, p string) (*core.DirectoryEntry, error) {
	e, _, err := v.m.resolveIn(ctx, v.g, p)
	return e, err
}

func (v *View) List(ctx context.Context, p string) ([]*core.DirectoryEntry, error) {
	return v.m.listIn(ctx, v.g, p)
}

func (v *View) Release() {
	v.once.Do(func() { v.m.release(v.g) })
}

// -----------------------------------------------------------------------------
// 5. 状态
// -----------------------------------------------------------------------------

// Info 是挂载状态的快照
type Info struct {
	Generation      uint64
	Revision        uint64
	Root            types.ContentHash
	Tag             string
	State           *trust.State
	MountedAt       time.Time
	Resident        int
	LiveGenerations int
	Handles         int
}

func (m *Manager) Info() (Info, error) {
	g := m.current.Load()
	if g == nil {
		return Info{}, ErrNotMounted
	}
	m.mu.Lock()
	live := len(m.arena)
	m.mu.Unlock()
	st := m.trust.Current()
	if st == nil {
		st = g.State
	}
	return Info{
		Generation:      g.ID,
		Revision:        g.Revision,
		Root:            g.Root,
		Tag:             g.Tag,
		State:           st,
		MountedAt:       g.CreatedAt,
		Resident:        m.resident.Len(),
		LiveGenerations: live,
		Handles:         m.handles.len(),
	}, nil
}

// Tags 列出仓库历史库中的 tag
func (m *Manager) Tags(ctx context.Context) ([]history.Tag, error) {
	st := m.trust.Current()
	if st == nil {
		return nil, ErrNotMounted
	}
	hist, err := m.loadHistory(ctx, st)
	if err != nil {
		return nil, err
	}
	return hist.ListTags(), nil
}

// Close 卸载全部 catalog
func (m *Manager) Close() {
	m.resident.Purge()
	m.metrics.SetResidentCatalogs(0)
}
