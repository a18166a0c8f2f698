package manager

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"cvfs/pkg/catalog"
	"cvfs/pkg/core"
	"cvfs/pkg/storage"
	"cvfs/pkg/trust"
	"cvfs/pkg/types"

	"github.com/stretchr/testify/require"
)

func contentHash(s string) types.ContentHash {
	return core.NewBlob(types.KindRegular, []byte(s)).ID()
}

func dirEntry(p string) *core.DirectoryEntry {
	name := filepath.Base(p)
	if p == "/" {
		name = ""
	}
	return &core.DirectoryEntry{Name: name, Path: p, Kind: core.EntryDir, Mode: syscall.S_IFDIR | 0o755}
}

func fileEntry(p, content string) *core.DirectoryEntry {
	return &core.DirectoryEntry{
		Name: filepath.Base(p), Path: p, Kind: core.EntryFile,
		Mode: syscall.S_IFREG | 0o644, Size: int64(len(content)), Hash: contentHash(content),
	}
}

func mountEntry(p string, h types.ContentHash) *core.DirectoryEntry {
	return &core.DirectoryEntry{Name: filepath.Base(p), Path: p, Kind: core.EntryMountpoint, Mode: syscall.S_IFDIR | 0o755, Hash: h}
}

// memLoader 从测试生成的 SQLite 文件加载 catalog，并统计每个 hash 的加载次数
type memLoader struct {
	mu    sync.Mutex
	files map[types.ContentHash]string
	loads map[types.ContentHash]int
	delay time.Duration
}

func newMemLoader() *memLoader {
	return &memLoader{files: make(map[types.ContentHash]string), loads: make(map[types.ContentHash]int)}
}

func (l *memLoader) Load(_ context.Context, h types.ContentHash) (*catalog.Catalog, error) {
	l.mu.Lock()
	path, ok := l.files[h]
	l.loads[h]++
	delay := l.delay
	l.mu.Unlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	time.Sleep(delay)
	return catalog.Parse(h, path)
}

func (l *memLoader) count(h types.ContentHash) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads[h]
}

func (l *memLoader) remove(h types.ContentHash) {
	l.mu.Lock()
	delete(l.files, h)
	l.mu.Unlock()
}

// build 写出一个 catalog，返回其内容 hash
func (l *memLoader) build(t *testing.T, rootPrefix string, revision uint64, entries []*core.DirectoryEntry, nested map[string]types.ContentHash) types.ContentHash {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.db")
	w, err := catalog.Create(path, rootPrefix)
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, w.AddEntry(e))
	}
	for p, h := range nested {
		w.AddNested(p, h, 0)
	}
	require.NoError(t, w.Finish(catalog.Properties{Revision: revision, TTL: time.Minute, LastModified: time.Unix(1700000000, 0)}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	h := core.NewBlob(types.KindCatalog, data).ID()
	l.mu.Lock()
	l.files[h] = path
	l.mu.Unlock()
	return h
}

// fakeTrust 模拟 trust.Session
type fakeTrust struct {
	mu        sync.Mutex
	latest    *trust.State
	current   *trust.State
	err       error
	refreshes int
}

func (f *fakeTrust) publish(revision uint64, root types.ContentHash, ttl time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest = &trust.State{Manifest: &trust.Manifest{
		RootCatalog: root,
		Revision:    revision,
		TTL:         ttl,
		Repository:  "demo.cvfs.io",
	}}
}

func (f *fakeTrust) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeTrust) Refresh(context.Context) (*trust.State, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.err != nil {
		return f.current, false, f.err
	}
	changed := f.current != f.latest
	f.current = f.latest
	return f.current, changed, nil
}

func (f *fakeTrust) Current() *trust.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeTrust) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

// repoFixture: 两个版本的仓库，共享同一个嵌套 catalog
//
//	rev 5: /dir/file.txt = "v5", /old.txt, /nested/inner.txt
//	rev 6: /dir/file.txt = "v6", /dir/new.txt, /nested/inner.txt
type repoFixture struct {
	loader *memLoader
	trust  *fakeTrust
	nested types.ContentHash
	rev5   types.ContentHash
	rev6   types.ContentHash
}

func newRepoFixture(t *testing.T) *repoFixture {
	t.Helper()
	l := newMemLoader()
	nestedRoot := dirEntry("/nested")
	nestedRoot.NestedRoot = true
	nested := l.build(t, "/nested", 5, []*core.DirectoryEntry{
		nestedRoot,
		fileEntry("/nested/inner.txt", "inner"),
	}, nil)

	rev5 := l.build(t, "/", 5, []*core.DirectoryEntry{
		dirEntry("/"),
		dirEntry("/dir"),
		fileEntry("/dir/file.txt", "v5"),
		fileEntry("/dir/README", "readme"),
		fileEntry("/old.txt", "old"),
		mountEntry("/nested", nested),
	}, map[string]types.ContentHash{"/nested": nested})

	rev6 := l.build(t, "/", 6, []*core.DirectoryEntry{
		dirEntry("/"),
		dirEntry("/dir"),
		fileEntry("/dir/file.txt", "v6"),
		fileEntry("/dir/new.txt", "new"),
		mountEntry("/nested", nested),
	}, map[string]types.ContentHash{"/nested": nested})

	ft := &fakeTrust{}
	ft.publish(5, rev5, time.Minute)
	return &repoFixture{loader: l, trust: ft, nested: nested, rev5: rev5, rev6: rev6}
}

func (fx *repoFixture) manager(t *testing.T, mutate ...func(*Options)) *Manager {
	t.Helper()
	opts := Options{Loader: fx.loader, Trust: fx.trust}
	for _, fn := range mutate {
		fn(&opts)
	}
	m, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}
