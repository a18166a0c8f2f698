package publish

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"cvfs/pkg/core"
	"cvfs/pkg/ignore"
)

// NestedMarker 出现在源目录中时，该目录成为一个嵌套 catalog 的根
const NestedMarker = ".cvmfscatalog"

var (
	ErrInvalidPath = errors.New("publish: invalid tree path")
	ErrNotDir      = errors.New("publish: parent is not a directory")
)

// node 是内存目录树的一个节点
type node struct {
	name     string
	path     string
	kind     core.EntryKind
	perm     fs.FileMode
	mtime    time.Time
	data     []byte
	target   string
	nested   bool
	children map[string]*node
}

func newDirNode(name, path string, perm fs.FileMode, mtime time.Time) *node {
	return &node{name: name, path: path, kind: core.EntryDir, perm: perm, mtime: mtime, children: make(map[string]*node)}
}

// sortedChildren 按名字排序，保证 catalog 内容确定
func (n *node) sortedChildren() []*node {
	out := make([]*node, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Tree 是待发布的目录树
// 同一个 Tree 可以修改后多次发布，形成连续的版本。
type Tree struct {
	root  *node
	Mtime time.Time // 新建节点的默认修改时间
}

func NewTree() *Tree {
	mtime := time.Unix(1700000000, 0)
	return &Tree{root: newDirNode("", "/", 0o755, mtime), Mtime: mtime}
}

// parentOf 定位 p 的父目录，必要时逐级创建
func (t *Tree) parentOf(p string) (*node, string, error) {
	p = core.CleanPath(p)
	if p == "/" {
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	current := t.root
	segs := core.Segments(p)
	for _, seg := range segs[:len(segs)-1] {
		child, ok := current.children[seg]
		if !ok {
			child = newDirNode(seg, core.JoinPath(current.path, seg), 0o755, t.Mtime)
			current.children[seg] = child
		}
		if child.kind != core.EntryDir {
			return nil, "", fmt.Errorf("%w: %s", ErrNotDir, child.path)
		}
		current = child
	}
	return current, segs[len(segs)-1], nil
}

func (t *Tree) lookup(p string) (*node, bool) {
	current := t.root
	for _, seg := range core.Segments(core.CleanPath(p)) {
		child, ok := current.children[seg]
		if !ok {
			return nil, false
		}
		current = child
	}
	return current, true
}

// AddDir 创建目录 (包括缺失的父目录)，已存在时只更新权限
func (t *Tree) AddDir(p string, perm fs.FileMode) error {
	if core.CleanPath(p) == "/" {
		t.root.perm = perm
		return nil
	}
	parent, name, err := t.parentOf(p)
	if err != nil {
		return err
	}
	if existing, ok := parent.children[name]; ok {
		if existing.kind != core.EntryDir {
			return fmt.Errorf("%w: %s", ErrNotDir, existing.path)
		}
		existing.perm = perm
		return nil
	}
	parent.children[name] = newDirNode(name, core.JoinPath(parent.path, name), perm, t.Mtime)
	return nil
}

// AddFile 添加或替换一个普通文件
func (t *Tree) AddFile(p string, data []byte, perm fs.FileMode) error {
	parent, name, err := t.parentOf(p)
	if err != nil {
		return err
	}
	parent.children[name] = &node{
		name: name, path: core.JoinPath(parent.path, name), kind: core.EntryFile,
		perm: perm, mtime: t.Mtime, data: data,
	}
	return nil
}

// AddSymlink 添加或替换一个符号链接
func (t *Tree) AddSymlink(p, target string) error {
	parent, name, err := t.parentOf(p)
	if err != nil {
		return err
	}
	parent.children[name] = &node{
		name: name, path: core.JoinPath(parent.path, name), kind: core.EntrySymlink,
		perm: 0o777, mtime: t.Mtime, target: target,
	}
	return nil
}

// MarkNested 让目录 p 成为嵌套 catalog 的根
func (t *Tree) MarkNested(p string) error {
	n, ok := t.lookup(p)
	if !ok || n == t.root {
		return fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	if n.kind != core.EntryDir {
		return fmt.Errorf("%w: %s", ErrNotDir, n.path)
	}
	n.nested = true
	return nil
}

// Remove 删除 p 及其子树
func (t *Tree) Remove(p string) error {
	parent, name, err := t.parentOf(p)
	if err != nil {
		return err
	}
	if _, ok := parent.children[name]; !ok {
		return fmt.Errorf("%w: %s does not exist", ErrInvalidPath, p)
	}
	delete(parent.children, name)
	return nil
}

// LoadDir 把本地目录读成 Tree
// 遵守 .cvfsignore，带 .cvmfscatalog 标记的子目录成为嵌套 catalog。
func LoadDir(src string) (*Tree, error) {
	matcher, err := ignore.NewMatcher(src)
	if err != nil {
		return nil, fmt.Errorf("failed to load ignore rules: %w", err)
	}

	t := NewTree()
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if matcher.Matches(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		treePath := "/" + filepath.ToSlash(rel)

		switch {
		case d.IsDir():
			if err := t.AddDir(treePath, info.Mode().Perm()); err != nil {
				return err
			}
		case d.Name() == NestedMarker:
			// 根目录本身就是根 catalog
			if parent := core.ParentPath(treePath); parent != "/" {
				return t.MarkNested(parent)
			}
			return nil
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := t.AddSymlink(treePath, target); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			if err := t.AddFile(treePath, data, info.Mode().Perm()); err != nil {
				return err
			}
		default:
			// 设备文件、socket 等不发布
			return nil
		}
		if n, ok := t.lookup(treePath); ok {
			n.mtime = info.ModTime()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", src, err)
	}
	return t, nil
}
