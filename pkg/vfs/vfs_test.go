package vfs

import (
	"bytes"
	"context"
	"crypto/rsa"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"cvfs/pkg/catalog"
	"cvfs/pkg/chunker"
	"cvfs/pkg/fetcher"
	"cvfs/pkg/manager"
	"cvfs/pkg/objcache"
	"cvfs/pkg/publish"
	"cvfs/pkg/storage/disk"
	"cvfs/pkg/trust"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRepo = "demo.cvfs.io"

var (
	keysOnce sync.Once
	keys     *publish.Keys
)

func testKeys() *publish.Keys {
	keysOnce.Do(func() {
		var err error
		keys, err = publish.GenerateKeys(testRepo, 24*time.Hour, time.Now())
		if err != nil {
			panic(err)
		}
	})
	return keys
}

type fixture struct {
	tree *publish.Tree
	pub  *publish.Publisher
	mgr  *manager.Manager
	fs   *FS
}

// newFixture 发布 revision 1 并挂载
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := disk.NewAdapter(t.TempDir())
	require.NoError(t, err)

	k := testKeys()
	pub, err := publish.New(publish.Options{
		Repository:     testRepo,
		Store:          store,
		Keys:           k,
		Chunks:         chunker.Config{Min: 512, Avg: 1024, Max: 4096},
		ChunkThreshold: 4096,
	})
	require.NoError(t, err)

	tree := publish.NewTree()
	require.NoError(t, tree.AddFile("/dir/file.txt", []byte("version one"), 0o644))
	require.NoError(t, tree.AddSymlink("/dir/link", "file.txt"))
	require.NoError(t, tree.AddFile("/big.bin", bytes.Repeat([]byte("0123456789"), 2000), 0o644))
	require.NoError(t, tree.AddFile("/nested/inner.txt", []byte("inner"), 0o600))
	require.NoError(t, tree.MarkNested("/nested"))
	_, err = pub.Commit(ctx, tree, publish.CommitOptions{})
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

	mgr, err := manager.New(manager.Options{Loader: catalog.NewLoader(f, nil), Trust: session})
	require.NoError(t, err)
	t.Cleanup(mgr.Close)
	require.NoError(t, mgr.Mount(ctx))

	return &fixture{tree: tree, pub: pub, mgr: mgr, fs: New(mgr, f, nil)}
}

func (fx *fixture) lookup(t *testing.T, path ...string) Attr {
	t.Helper()
	h := manager.RootHandle
	var a Attr
	for _, name := range path {
		var err error
		a, err = fx.fs.Lookup(context.Background(), h, name)
		require.NoError(t, err, name)
		h = a.Ino
	}
	return a
}

func TestFS_LookupGetattrReaddir(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	dir := fx.lookup(t, "dir")
	assert.Equal(t, uint32(syscall.S_IFDIR), dir.Mode&syscall.S_IFMT)

	file := fx.lookup(t, "dir", "file.txt")
	assert.Equal(t, uint32(syscall.S_IFREG|0o644), file.Mode)
	assert.Equal(t, int64(len("version one")), file.Size)

	// 同一路径得到同一个句柄
	again := fx.lookup(t, "dir", "file.txt")
	assert.Equal(t, file.Ino, again.Ino)

	got, err := fx.fs.Getattr(ctx, file.Ino)
	require.NoError(t, err)
	assert.Equal(t, file, got)

	entries, err := fx.fs.Readdir(ctx, manager.RootHandle)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.ElementsMatch(t, []string{"big.bin", "dir", "nested"}, names)

	// 穿过挂载点
	inner := fx.lookup(t, "nested", "inner.txt")
	assert.Equal(t, uint32(syscall.S_IFREG|0o600), inner.Mode)

	_, err = fx.fs.Lookup(ctx, dir.Ino, "missing")
	assert.Equal(t, syscall.ENOENT, Errno(err))
	_, err = fx.fs.Lookup(ctx, file.Ino, "child")
	assert.Equal(t, syscall.ENOTDIR, Errno(err))
}

func TestFS_Readlink(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	link := fx.lookup(t, "dir", "link")
	target, err := fx.fs.Readlink(ctx, link.Ino)
	require.NoError(t, err)
	assert.Equal(t, "file.txt", target)

	file := fx.lookup(t, "dir", "file.txt")
	_, err = fx.fs.Readlink(ctx, file.Ino)
	assert.Equal(t, syscall.EINVAL, Errno(err))
}

func TestFS_OpenRead(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	// 1. 分块文件，跨块读取
	big := fx.lookup(t, "big.bin")
	fh, err := fx.fs.Open(ctx, big.Ino)
	require.NoError(t, err)

	want := bytes.Repeat([]byte("0123456789"), 2000)
	buf := make([]byte, 5000)
	n, err := fx.fs.Read(ctx, fh, buf, 3333)
	require.NoError(t, err)
	assert.Equal(t, want[3333:3333+n], buf[:n])

	// 2. 文件末尾短读
	n, err = fx.fs.Read(ctx, fh, buf, int64(len(want)-10))
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	require.NoError(t, fx.fs.Release(fh))
	assert.Equal(t, 0, fx.fs.OpenFiles())

	// 3. 错误路径
	_, err = fx.fs.Read(ctx, fh, buf, 0)
	assert.Equal(t, syscall.EBADF, Errno(err))
	dir := fx.lookup(t, "dir")
	_, err = fx.fs.Open(ctx, dir.Ino)
	assert.Equal(t, syscall.EISDIR, Errno(err))
}

func TestFS_OpenFileSurvivesRefresh(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	file := fx.lookup(t, "dir", "file.txt")
	fh, err := fx.fs.Open(ctx, file.Ino)
	require.NoError(t, err)

	// 1. 发布 revision 2 并刷新
	require.NoError(t, fx.tree.AddFile("/dir/file.txt", []byte("version two!"), 0o644))
	_, err = fx.pub.Commit(ctx, fx.tree, publish.CommitOptions{})
	require.NoError(t, err)
	changed, err := fx.mgr.Refresh(ctx)
	require.NoError(t, err)
	require.True(t, changed)

	// 2. 已打开的文件继续读旧内容
	buf := make([]byte, 64)
	n, err := fx.fs.Read(ctx, fh, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "version one", string(buf[:n]))

	info, err := fx.mgr.Info()
	require.NoError(t, err)
	assert.Equal(t, 2, info.LiveGenerations, "打开的文件固定住旧的一代")

	// 3. 新的 getattr 和 open 看到新版本
	attr, err := fx.fs.Getattr(ctx, file.Ino)
	require.NoError(t, err)
	assert.Equal(t, int64(len("version two!")), attr.Size)

	fh2, err := fx.fs.Open(ctx, file.Ino)
	require.NoError(t, err)
	n, err = fx.fs.Read(ctx, fh2, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "version two!", string(buf[:n]))

	require.NoError(t, fx.fs.Release(fh))
	require.NoError(t, fx.fs.Release(fh2))
	info, err = fx.mgr.Info()
	require.NoError(t, err)
	assert.Equal(t, 1, info.LiveGenerations)
}

// openOnce 打开再关闭，返回这次打开是否允许保留内核页缓存
func (fx *fixture) openOnce(t *testing.T, ino uint64) bool {
	t.Helper()
	fh, err := fx.fs.Open(context.Background(), ino)
	require.NoError(t, err)
	keep := fx.fs.KeepCache(fh)
	require.NoError(t, fx.fs.Release(fh))
	return keep
}

func TestFS_KeepCacheOnlyForUnchangedContent(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	file := fx.lookup(t, "dir", "file.txt")
	big := fx.lookup(t, "big.bin")

	// 1. 第一次打开内核还没有页，之后内容不变可以保留
	assert.False(t, fx.openOnce(t, file.Ino))
	assert.True(t, fx.openOnce(t, file.Ino))
	assert.False(t, fx.openOnce(t, big.Ino))
	assert.True(t, fx.openOnce(t, big.Ino))

	// 2. revision 2 只改了 file.txt
	require.NoError(t, fx.tree.AddFile("/dir/file.txt", []byte("version two!"), 0o644))
	_, err := fx.pub.Commit(ctx, fx.tree, publish.CommitOptions{})
	require.NoError(t, err)
	changed, err := fx.mgr.Refresh(ctx)
	require.NoError(t, err)
	require.True(t, changed)

	// 3. inode 不变，但内容变了，内核必须丢弃旧页
	again := fx.lookup(t, "dir", "file.txt")
	assert.Equal(t, file.Ino, again.Ino)
	assert.False(t, fx.openOnce(t, file.Ino))
	assert.True(t, fx.openOnce(t, file.Ino))

	// 4. 没变的分块文件跨代保留
	assert.True(t, fx.openOnce(t, big.Ino))

	assert.False(t, fx.fs.KeepCache(12345), "unknown file handle")
}

func TestFS_Forget(t *testing.T) {
	fx := newFixture(t)

	file := fx.lookup(t, "dir", "file.txt")
	before, err := fx.mgr.Info()
	require.NoError(t, err)

	fx.fs.Forget(file.Ino, 1)
	after, err := fx.mgr.Info()
	require.NoError(t, err)
	assert.Equal(t, before.Handles-1, after.Handles)

	_, err = fx.fs.Getattr(context.Background(), file.Ino)
	assert.Equal(t, syscall.ESTALE, Errno(err))
}

func TestErrno(t *testing.T) {
	assert.Equal(t, syscall.Errno(0), Errno(nil))
	assert.Equal(t, syscall.EIO, Errno(context.Canceled))
	assert.Equal(t, syscall.EIO, Errno(fmt.Errorf("read: %w", context.DeadlineExceeded)))
	assert.Equal(t, syscall.ENOENT, Errno(manager.ErrNotFound))
	assert.Equal(t, syscall.EIO, Errno(manager.ErrIO))
}
