package fusefs

import (
	"context"
	"crypto/rsa"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"cvfs/pkg/catalog"
	"cvfs/pkg/fetcher"
	"cvfs/pkg/manager"
	"cvfs/pkg/objcache"
	"cvfs/pkg/publish"
	"cvfs/pkg/storage/disk"
	"cvfs/pkg/trust"
	"cvfs/pkg/vfs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRepo = "demo.cvfs.io"

// fuseAvailable 没有 /dev/fuse 的环境跳过挂载测试
func fuseAvailable(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("skipping: /dev/fuse not available")
	}
}

// testMount 发布一个小仓库并挂载，测试结束时卸载
func testMount(t *testing.T) string {
	t.Helper()
	fuseAvailable(t)
	ctx := context.Background()

	store, err := disk.NewAdapter(t.TempDir())
	require.NoError(t, err)
	keys, err := publish.GenerateKeys(testRepo, time.Hour, time.Now())
	require.NoError(t, err)
	pub, err := publish.New(publish.Options{Repository: testRepo, Store: store, Keys: keys})
	require.NoError(t, err)

	tree := publish.NewTree()
	require.NoError(t, tree.AddFile("/dir/file.txt", []byte("hello fuse"), 0o644))
	require.NoError(t, tree.AddSymlink("/dir/link", "file.txt"))
	require.NoError(t, tree.AddFile("/sw/tool", []byte("bin"), 0o755))
	require.NoError(t, tree.MarkNested("/sw"))
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
		Verifier:   trust.NewVerifier(trust.VerifierOptions{MasterKeys: []*rsa.PublicKey{&keys.Master.PublicKey}}),
	})
	require.NoError(t, err)
	mgr, err := manager.New(manager.Options{Loader: catalog.NewLoader(f, nil), Trust: session})
	require.NoError(t, err)
	t.Cleanup(mgr.Close)
	require.NoError(t, mgr.Mount(ctx))

	mountpoint := filepath.Join(t.TempDir(), "mnt")
	server, err := Mount(Options{Mountpoint: mountpoint, FS: vfs.New(mgr, f, nil), FsName: testRepo})
	if err != nil {
		t.Skipf("skipping: mount failed: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Unmount(); err != nil {
			t.Errorf("Unmount: %v", err)
		}
	})
	return mountpoint
}

func TestMount_ReadTree(t *testing.T) {
	mnt := testMount(t)

	entries, err := os.ReadDir(mnt)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"dir", "sw"}, names)

	data, err := os.ReadFile(filepath.Join(mnt, "dir", "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello fuse", string(data))

	target, err := os.Readlink(filepath.Join(mnt, "dir", "link"))
	require.NoError(t, err)
	assert.Equal(t, "file.txt", target)

	st, err := os.Stat(filepath.Join(mnt, "sw", "tool"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), st.Mode().Perm())
}

func TestMount_ReadOnly(t *testing.T) {
	mnt := testMount(t)

	_, err := os.OpenFile(filepath.Join(mnt, "dir", "file.txt"), os.O_RDWR, 0)
	assert.ErrorIs(t, err, syscall.EROFS)

	_, err = os.Stat(filepath.Join(mnt, "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMount_RequiresOptions(t *testing.T) {
	_, err := Mount(Options{})
	assert.Error(t, err)
	_, err = Mount(Options{Mountpoint: t.TempDir()})
	assert.Error(t, err)
}
