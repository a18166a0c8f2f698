package manager

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"cvfs/pkg/core"
)

// RootHandle 是仓库根目录的固定句柄
const RootHandle uint64 = 1

// node 把稳定的整数句柄映射到 (代, 路径)
type node struct {
	gen     uint64 // 最后一次解析时所在的代
	path    string
	lookups uint64
}

// handleTable 是句柄的 arena，只有适配层 Forget 之后才回收
type handleTable struct {
	mu     sync.Mutex
	next   uint64
	byID   map[uint64]*node
	byPath map[string]uint64
}

func newHandleTable() *handleTable {
	t := &handleTable{
		next:   RootHandle + 1,
		byID:   make(map[uint64]*node),
		byPath: make(map[string]uint64),
	}
	t.byID[RootHandle] = &node{path: "/", lookups: 1}
	t.byPath["/"] = RootHandle
	return t
}

// ref 返回路径对应的句柄 (同一路径始终是同一个句柄)，并增加查找计数
func (t *handleTable) ref(gen uint64, p string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.byPath[p]; ok {
		n := t.byID[id]
		n.gen = gen
		n.lookups++
		return id
	}
	id := t.next
	t.next++
	t.byID[id] = &node{gen: gen, path: p, lookups: 1}
	t.byPath[p] = id
	return id
}

func (t *handleTable) get(id uint64) (node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.byID[id]
	if !ok {
		return node{}, false
	}
	return *n, true
}

func (t *handleTable) forget(id uint64, n uint64) {
	if id == RootHandle {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	nd, ok := t.byID[id]
	if !ok {
		return
	}
	if n >= nd.lookups {
		delete(t.byID, id)
		delete(t.byPath, nd.path)
		return
	}
	nd.lookups -= n
}

func (t *handleTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// HandlePath 返回句柄对应的路径
func (m *Manager) HandlePath(h uint64) (string, error) {
	n, ok := m.handles.get(h)
	if !ok {
		return "", fmt.Errorf("%w: handle %d", ErrStale, h)
	}
	return n.path, nil
}

// Lookup 在目录句柄 parent 下查找 name，返回子项句柄
func (m *Manager) Lookup(ctx context.Context, parent uint64, name string) (uint64, *core.DirectoryEntry, error) {
	pn, ok := m.handles.get(parent)
	if !ok {
		return 0, nil, fmt.Errorf("%w: handle %d", ErrStale, parent)
	}
	var (
		id uint64
		e  *core.DirectoryEntry
	)
	err := m.withGeneration(func(g *Generation) error {
		var err error
		e, _, err = m.resolveIn(ctx, g, core.JoinPath(pn.path, name))
		if err != nil {
			return m.staleIfMoved(err, pn, g)
		}
		id = m.handles.ref(g.ID, e.Path)
		return nil
	})
	return id, e, err
}

// Entry 返回句柄当前指向的目录项 (总是针对最新的一代)
func (m *Manager) Entry(ctx context.Context, h uint64) (*core.DirectoryEntry, error) {
	n, ok := m.handles.get(h)
	if !ok {
		return nil, fmt.Errorf("%w: handle %d", ErrStale, h)
	}
	var e *core.DirectoryEntry
	err := m.withGeneration(func(g *Generation) error {
		var err error
		e, _, err = m.resolveIn(ctx, g, n.path)
		return m.staleIfMoved(err, n, g)
	})
	return e, err
}

// ReadDir 列出目录句柄的内容
func (m *Manager) ReadDir(ctx context.Context, h uint64) ([]*core.DirectoryEntry, error) {
	n, ok := m.handles.get(h)
	if !ok {
		return nil, fmt.Errorf("%w: handle %d", ErrStale, h)
	}
	var out []*core.DirectoryEntry
	err := m.withGeneration(func(g *Generation) error {
		var err error
		out, err = m.listIn(ctx, g, n.path)
		return m.staleIfMoved(err, n, g)
	})
	return out, err
}

// Forget 释放适配层对句柄的 n 次引用
func (m *Manager) Forget(h uint64, n uint64) {
	m.handles.forget(h, n)
}

// staleIfMoved: 句柄来自旧的一代，而它的路径在新一代中已经不存在
func (m *Manager) staleIfMoved(err error, n node, g *Generation) error {
	if err == nil || n.gen == 0 || n.gen == g.ID {
		return err
	}
	if errors.Is(err, ErrNotFound) && !isChildLookup(err, n.path) {
		return fmt.Errorf("%w: %s no longer exists in revision %d", ErrStale, n.path, g.Revision)
	}
	return err
}

// isChildLookup 判断 NotFound 是否发生在 base 之下 (而不是 base 自身或其祖先)
func isChildLookup(err error, base string) bool {
	var pe *fs.PathError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Path != base && core.HasPathPrefix(pe.Path, base)
}
