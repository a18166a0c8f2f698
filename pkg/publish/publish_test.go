package publish

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cvfs/pkg/catalog"
	"cvfs/pkg/chunker"
	"cvfs/pkg/core"
	"cvfs/pkg/fetcher"
	"cvfs/pkg/history"
	"cvfs/pkg/objcache"
	"cvfs/pkg/storage/disk"
	"cvfs/pkg/trust"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRepo = "demo.cvfs.io"

var (
	keysOnce sync.Once
	keys     *Keys
)

// testKeys 生成 RSA 密钥较慢，所有测试共用一份
func testKeys(t *testing.T) *Keys {
	t.Helper()
	keysOnce.Do(func() {
		var err error
		keys, err = GenerateKeys(testRepo, 365*24*time.Hour, time.Now())
		if err != nil {
			panic(err)
		}
	})
	return keys
}

type env struct {
	store   *disk.Adapter
	pub     *Publisher
	fetcher *fetcher.Fetcher
	session *trust.Session
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := disk.NewAdapter(t.TempDir())
	require.NoError(t, err)

	k := testKeys(t)
	pub, err := New(Options{
		Repository:     testRepo,
		Store:          store,
		Keys:           k,
		Chunks:         chunker.Config{Min: 1024, Avg: 2048, Max: 8192},
		ChunkThreshold: 8192,
	})
	require.NoError(t, err)

	cache, err := objcache.Open(objcache.Options{Root: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	f, err := fetcher.New(fetcher.Options{Source: store, Cache: cache})
	require.NoError(t, err)

	session, err := trust.NewSession(trust.SessionOptions{
		Repository: testRepo,
		Fetcher:    f,
		Verifier:   trust.NewVerifier(trust.VerifierOptions{MasterKeys: []*rsa.PublicKey{&k.Master.PublicKey}}),
	})
	require.NoError(t, err)
	return &env{store: store, pub: pub, fetcher: f, session: session}
}

func sampleTree(t *testing.T, big []byte) *Tree {
	t.Helper()
	tr := NewTree()
	require.NoError(t, tr.AddFile("/dir/file.txt", []byte("hello"), 0o644))
	require.NoError(t, tr.AddSymlink("/dir/link", "file.txt"))
	require.NoError(t, tr.AddFile("/big.bin", big, 0o644))
	require.NoError(t, tr.AddFile("/software/v1/bin/tool", []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, tr.MarkNested("/software"))
	return tr
}

func TestCommit_VerifiableRepository(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	big := make([]byte, 64*1024)
	_, err := rand.Read(big)
	require.NoError(t, err)

	// 1. 发布
	res, err := e.pub.Commit(ctx, sampleTree(t, big), CommitOptions{Tag: "v1", Description: "first"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Revision)
	assert.Positive(t, res.Objects)

	// 2. 客户端信任链校验通过
	st, changed, err := e.session.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, res.RootCatalog, st.Manifest.RootCatalog)
	assert.Equal(t, uint64(1), st.Manifest.Revision)

	// 3. 根 catalog
	loader := catalog.NewLoader(e.fetcher, nil)
	root, err := loader.Load(ctx, st.Manifest.RootCatalog)
	require.NoError(t, err)
	defer root.Close()
	assert.Equal(t, "/", root.RootPrefix)

	file, ok := root.Lookup("/dir/file.txt")
	require.True(t, ok)
	assert.Equal(t, core.NewBlob(file.Hash.Kind, []byte("hello")).ID(), file.Hash)

	link, ok := root.Lookup("/dir/link")
	require.True(t, ok)
	assert.Equal(t, "file.txt", link.Symlink)

	bigEntry, ok := root.Lookup("/big.bin")
	require.True(t, ok)
	assert.Greater(t, len(bigEntry.Chunks), 1, "大文件应该被切块")
	assert.Equal(t, int64(len(big)), bigEntry.Size)

	// 4. 嵌套 catalog
	mp, ok := root.Lookup("/software")
	require.True(t, ok)
	require.True(t, mp.IsMountpoint())
	nested, err := loader.Load(ctx, mp.Hash)
	require.NoError(t, err)
	defer nested.Close()
	assert.Equal(t, "/software", nested.RootPrefix)
	assert.True(t, nested.Root().NestedRoot)
	_, ok = nested.Lookup("/software/v1/bin/tool")
	assert.True(t, ok)
	_, ok = root.Lookup("/software/v1")
	assert.False(t, ok, "嵌套子树不应出现在父 catalog 中")

	// 5. 历史库
	hist, err := history.Load(ctx, e.fetcher, st.Manifest.History, testRepo)
	require.NoError(t, err)
	tag, err := hist.GetTag("v1")
	require.NoError(t, err)
	assert.Equal(t, res.RootCatalog, tag.Root)
	trunk, err := hist.GetTag(TrunkTag)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), trunk.Revision)
}

func TestCommit_Incremental(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	tr := sampleTree(t, bytes.Repeat([]byte("abcdefgh"), 4096))
	first, err := e.pub.Commit(ctx, tr, CommitOptions{})
	require.NoError(t, err)

	// 1. 只改一个小文件，其余对象都已存在
	require.NoError(t, tr.AddFile("/dir/file.txt", []byte("changed"), 0o644))
	require.NoError(t, tr.Remove("/dir/link"))
	second, err := e.pub.Commit(ctx, tr, CommitOptions{})
	require.NoError(t, err)

	assert.Equal(t, uint64(2), second.Revision)
	assert.NotEqual(t, first.RootCatalog, second.RootCatalog)
	assert.Less(t, second.Objects, first.Objects)

	// 2. 版本号不能倒退
	_, err = e.pub.Commit(ctx, tr, CommitOptions{Revision: 2})
	assert.ErrorIs(t, err, ErrRevision)
}

func TestPublisher_Reopen(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	// 1. 空仓库
	fresh, err := New(Options{Repository: testRepo, Store: e.store, Keys: testKeys(t)})
	require.NoError(t, err)
	found, err := fresh.Reopen(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	// 2. 发布后，新的发布端从存储恢复 revision 和标签
	_, err = e.pub.Commit(ctx, sampleTree(t, []byte("small")), CommitOptions{Tag: "v1"})
	require.NoError(t, err)

	again, err := New(Options{Repository: testRepo, Store: e.store, Keys: testKeys(t)})
	require.NoError(t, err)
	found, err = again.Reopen(ctx)
	require.NoError(t, err)
	assert.True(t, found)

	res, err := again.Commit(ctx, sampleTree(t, []byte("small")), CommitOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Revision)

	_, _, err = e.session.Refresh(ctx)
	require.NoError(t, err)
	hist, err := history.Load(ctx, e.fetcher, res.History, testRepo)
	require.NoError(t, err)
	_, err = hist.GetTag("v1")
	assert.NoError(t, err, "tags from earlier commits are carried over")

	// 3. 仓库名不符
	other, err := New(Options{Repository: "other.cvfs.io", Store: e.store, Keys: testKeys(t)})
	require.NoError(t, err)
	_, err = other.Reopen(ctx)
	assert.Error(t, err)
}

func TestLoadDir(t *testing.T) {
	src := t.TempDir()
	write := func(rel, content string) {
		p := filepath.Join(src, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	write("data/a.txt", "a")
	write("data/debug.log", "noise")
	write("sw/"+NestedMarker, "")
	write("sw/lib.so", "elf")
	write(".git/HEAD", "ref")
	write(".cvfsignore", "*.log\n")
	require.NoError(t, os.Symlink("data/a.txt", filepath.Join(src, "latest")))

	tr, err := LoadDir(src)
	require.NoError(t, err)

	n, ok := tr.lookup("/data/a.txt")
	require.True(t, ok)
	assert.Equal(t, []byte("a"), n.data)

	_, ok = tr.lookup("/data/debug.log")
	assert.False(t, ok)
	_, ok = tr.lookup("/.git")
	assert.False(t, ok)
	_, ok = tr.lookup("/sw/" + NestedMarker)
	assert.False(t, ok)

	sw, ok := tr.lookup("/sw")
	require.True(t, ok)
	assert.True(t, sw.nested)

	link, ok := tr.lookup("/latest")
	require.True(t, ok)
	assert.Equal(t, core.EntrySymlink, link.kind)
	assert.Equal(t, "data/a.txt", link.target)
}

func TestTree_Errors(t *testing.T) {
	tr := NewTree()
	require.NoError(t, tr.AddFile("/a", []byte("x"), 0o644))

	assert.ErrorIs(t, tr.AddFile("/a/b", nil, 0o644), ErrNotDir)
	assert.ErrorIs(t, tr.MarkNested("/a"), ErrNotDir)
	assert.ErrorIs(t, tr.MarkNested("/"), ErrInvalidPath)
	assert.ErrorIs(t, tr.Remove("/missing"), ErrInvalidPath)
}

func TestKeys_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	k := testKeys(t)
	require.NoError(t, k.Save(dir))

	loaded, err := LoadKeys(dir)
	require.NoError(t, err)
	assert.Equal(t, k.CertPEM, loaded.CertPEM)
	assert.True(t, k.Master.Equal(loaded.Master))

	pubs, err := trust.LoadPublicKeys(MasterPublicKeyPath(dir))
	require.NoError(t, err)
	require.Len(t, pubs, 1)
	assert.True(t, k.Master.PublicKey.Equal(pubs[0]))

	_, err = LoadKeys(t.TempDir())
	assert.ErrorIs(t, err, ErrNoKeys)
}
