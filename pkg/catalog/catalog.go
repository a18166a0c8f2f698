package catalog

import (
	"io"
	"sort"
	"strings"
	"time"

	"cvfs/pkg/core"
	"cvfs/pkg/types"
)

// Nested 是嵌套 catalog 的挂载表项
type Nested struct {
	Path string // 挂载点的绝对路径
	Hash types.ContentHash
	Size int64
}

// Catalog 是一个已加载 catalog 的只读内存快照
// 加载完成后不再修改，可以被任意多个 goroutine 并发读取。
type Catalog struct {
	Hash           types.ContentHash
	Revision       uint64
	Schema         string
	SchemaRevision int
	TTL            time.Duration
	LastModified   time.Time
	RootPrefix     string
	Stats          map[string]int64

	entries  map[string]*core.DirectoryEntry // key: 规范化绝对路径
	children map[string][]*core.DirectoryEntry
	nested   []Nested // 按路径排序

	// 加载期间持有的缓存句柄，保证 catalog 对象在驻留期间不被淘汰
	pin io.Closer
}

// Root 返回 catalog 根目录 (对于嵌套 catalog 是其挂载路径对应的目录)
func (c *Catalog) Root() *core.DirectoryEntry {
	return c.entries[c.RootPrefix]
}

// Lookup 按绝对路径查找目录项
func (c *Catalog) Lookup(p string) (*core.DirectoryEntry, bool) {
	e, ok := c.entries[core.CleanPath(p)]
	return e, ok
}

// LookupChild 在目录 parent 中查找名字为 name 的子项
// fold 为 true 时按大小写不敏感比较
func (c *Catalog) LookupChild(parent, name string, fold bool) (*core.DirectoryEntry, bool) {
	parent = core.CleanPath(parent)
	if !fold {
		e, ok := c.entries[core.JoinPath(parent, name)]
		return e, ok
	}
	for _, e := range c.children[parent] {
		if strings.EqualFold(e.Name, name) {
			return e, true
		}
	}
	return nil, false
}

// Children 按名字排序返回目录的直接子项
func (c *Catalog) Children(p string) []*core.DirectoryEntry {
	return c.children[core.CleanPath(p)]
}

// Nested 返回挂载表 (按路径排序)
func (c *Catalog) Nested() []Nested {
	return c.nested
}

// FindNestedForPath 返回包含 p 的最深的嵌套挂载点
func (c *Catalog) FindNestedForPath(p string) (Nested, bool) {
	var best Nested
	found := false
	for _, n := range c.nested {
		if core.HasPathPrefix(p, n.Path) && (!found || len(n.Path) > len(best.Path)) {
			best, found = n, true
		}
	}
	return best, found
}

// Contains 判断 p 是否属于本 catalog 的子树
func (c *Catalog) Contains(p string) bool {
	return core.HasPathPrefix(p, c.RootPrefix)
}

// Len 返回目录项数量
func (c *Catalog) Len() int { return len(c.entries) }

// Close 释放对缓存对象的 pin
func (c *Catalog) Close() error {
	if c.pin == nil {
		return nil
	}
	return c.pin.Close()
}

func (c *Catalog) addEntry(e *core.DirectoryEntry) {
	c.entries[e.Path] = e
	if e.Path == c.RootPrefix {
		return
	}
	parent := core.ParentPath(e.Path)
	c.children[parent] = append(c.children[parent], e)
}

func (c *Catalog) sortChildren() {
	for _, list := range c.children {
		sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	}
	sort.Slice(c.nested, func(i, j int) bool { return c.nested[i].Path < c.nested[j].Path })
}
