package catalog

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"cvfs/pkg/core"
	"cvfs/pkg/objcache"
	"cvfs/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func fileHash(content string) types.ContentHash {
	return core.NewBlob(types.KindRegular, []byte(content)).ID()
}

func dir(p string) *core.DirectoryEntry {
	return &core.DirectoryEntry{Name: filepath.Base(p), Path: p, Kind: core.EntryDir, Mode: syscall.S_IFDIR | 0o755, Size: 4096}
}

func file(p, content string) *core.DirectoryEntry {
	return &core.DirectoryEntry{
		Name: filepath.Base(p), Path: p, Kind: core.EntryFile,
		Mode: syscall.S_IFREG | 0o644, Size: int64(len(content)), Mtime: 1700000000,
		Hash: fileHash(content),
	}
}

// writeCatalog 写出一个 catalog 文件并返回路径
func writeCatalog(t *testing.T, rootPrefix string, build func(w *Writer)) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.db")
	w, err := Create(path, rootPrefix)
	require.NoError(t, err)
	build(w)
	require.NoError(t, w.Finish(Properties{Revision: 5, TTL: 4 * time.Minute, LastModified: time.Unix(1700000000, 0)}))
	return path
}

var nestedHash = core.NewBlob(types.KindCatalog, []byte("nested")).ID()

func rootCatalog(t *testing.T) string {
	return writeCatalog(t, "/", func(w *Writer) {
		root := dir("/")
		root.Name = ""
		require.NoError(t, w.AddEntry(root))
		require.NoError(t, w.AddEntry(dir("/dir")))
		require.NoError(t, w.AddEntry(file("/dir/file.txt", "hello")))
		require.NoError(t, w.AddEntry(file("/dir/B.txt", "b")))
		require.NoError(t, w.AddEntry(&core.DirectoryEntry{
			Name: "link", Path: "/dir/link", Kind: core.EntrySymlink, Mode: syscall.S_IFLNK | 0o777, Symlink: "file.txt",
		}))
		require.NoError(t, w.AddEntry(&core.DirectoryEntry{
			Name: "sub", Path: "/sub", Kind: core.EntryMountpoint, Mode: syscall.S_IFDIR | 0o755, Hash: nestedHash,
		}))
		w.AddNested("/sub", nestedHash, 8192)

		big := file("/big.bin", "0123456789")
		big.Chunks = []core.Chunk{
			{Offset: 0, Size: 6, Hash: core.NewBlob(types.KindChunk, []byte("012345")).ID()},
			{Offset: 6, Size: 4, Hash: core.NewBlob(types.KindChunk, []byte("6789")).ID()},
		}
		require.NoError(t, w.AddEntry(big))
	})
}

func TestParse_RootCatalog(t *testing.T) {
	path := rootCatalog(t)
	h := core.NewBlob(types.KindCatalog, []byte("root")).ID()

	cat, err := Parse(h, path)
	require.NoError(t, err)

	// 1. 元数据
	assert.Equal(t, uint64(5), cat.Revision)
	assert.Equal(t, SchemaVersion, cat.Schema)
	assert.Equal(t, 4*time.Minute, cat.TTL)
	assert.Equal(t, int64(1700000000), cat.LastModified.Unix())
	assert.Equal(t, "/", cat.RootPrefix)
	assert.Equal(t, int64(3), cat.Stats["self_regular"])
	assert.Equal(t, 7, cat.Len())

	// 2. 目录项
	root := cat.Root()
	require.NotNil(t, root)
	assert.True(t, root.IsDir())

	e, ok := cat.Lookup("/dir/file.txt")
	require.True(t, ok)
	assert.Equal(t, fileHash("hello"), e.Hash)
	assert.Equal(t, int64(5), e.Size)
	assert.Equal(t, uint32(1), e.Nlink, "zero hardlinks reads as one link")

	link, ok := cat.Lookup("/dir/link")
	require.True(t, ok)
	assert.True(t, link.IsSymlink())
	assert.Equal(t, "file.txt", link.Symlink)

	// 3. 子项按名字排序
	var names []string
	for _, c := range cat.Children("/dir") {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"B.txt", "file.txt", "link"}, names)

	// 4. 分块文件
	big, ok := cat.Lookup("/big.bin")
	require.True(t, ok)
	require.Len(t, big.Chunks, 2)
	assert.Equal(t, int64(6), big.Chunks[1].Offset)
	assert.Equal(t, types.KindChunk, big.Chunks[1].Hash.Kind)

	// 5. 挂载点
	mp, ok := cat.Lookup("/sub")
	require.True(t, ok)
	assert.True(t, mp.IsMountpoint())
	assert.Equal(t, nestedHash, mp.Hash)
}

func TestCatalog_LookupChildFold(t *testing.T) {
	cat, err := Parse(types.ContentHash{}, rootCatalog(t))
	require.NoError(t, err)

	_, ok := cat.LookupChild("/dir", "b.txt", false)
	assert.False(t, ok)

	e, ok := cat.LookupChild("/dir", "b.txt", true)
	require.True(t, ok)
	assert.Equal(t, "/dir/B.txt", e.Path)
}

func TestCatalog_FindNestedForPath(t *testing.T) {
	cat := &Catalog{nested: []Nested{
		{Path: "/a"},
		{Path: "/a/b"},
		{Path: "/c"},
	}}

	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{"/a/b/c/d", "/a/b", true},
		{"/a/b", "/a/b", true},
		{"/a/bc", "/a", true},
		{"/c", "/c", true},
		{"/cx", "", false},
		{"/", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			n, ok := cat.FindNestedForPath(tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, n.Path)
		})
	}
}

func TestParse_NestedCatalog(t *testing.T) {
	path := writeCatalog(t, "/sub", func(w *Writer) {
		root := dir("/sub")
		root.NestedRoot = true
		require.NoError(t, w.AddEntry(root))
		require.NoError(t, w.AddEntry(file("/sub/inner.txt", "inner")))
	})

	cat, err := Parse(nestedHash, path)
	require.NoError(t, err)
	assert.Equal(t, "/sub", cat.RootPrefix)
	assert.True(t, cat.Root().NestedRoot)
	assert.True(t, cat.Contains("/sub/inner.txt"))
	assert.False(t, cat.Contains("/subway"))

	_, ok := cat.LookupChild("/sub", "inner.txt", false)
	assert.True(t, ok)
}

// corrupt 在一个合法 catalog 上执行 SQL 破坏它
func corrupt(t *testing.T, path string, stmt string) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.Exec(stmt).Error)
	sqlDB, _ := db.DB()
	sqlDB.Close()
}

func TestParse_Corrupt(t *testing.T) {
	tests := []struct {
		name string
		stmt string
	}{
		{"missing root", "DELETE FROM catalog WHERE name = ''"},
		{"mountpoint without row", "DELETE FROM nested_catalogs"},
		{"mountpoint with null hash", "UPDATE nested_catalogs SET sha1 = ''"},
		{"zero revision", "UPDATE properties SET value = '0' WHERE key = 'revision'"},
		{"missing schema", "DELETE FROM properties WHERE key = 'schema'"},
		{"unknown hash algorithm", "UPDATE catalog SET flags = flags | 1024 WHERE name = 'file.txt'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := rootCatalog(t)
			corrupt(t, path, tt.stmt)
			_, err := Parse(types.ContentHash{}, path)
			assert.ErrorIs(t, err, ErrCorruptCatalog)
		})
	}
}

func TestParse_NotSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage")
	require.NoError(t, os.WriteFile(path, []byte("this is not a database file, not even close"), 0644))
	_, err := Parse(types.ContentHash{}, path)
	assert.ErrorIs(t, err, ErrCorruptCatalog)
}

// cacheOpener 直接从本地缓存打开对象
type cacheOpener struct{ cache *objcache.Cache }

func (o cacheOpener) Open(_ context.Context, h types.ContentHash, _ types.Kind) (*objcache.Handle, error) {
	return o.cache.Open(h)
}

func TestLoader_PinsWhileResident(t *testing.T) {
	data, err := os.ReadFile(rootCatalog(t))
	require.NoError(t, err)
	h := core.NewBlob(types.KindCatalog, data).ID()

	cache, err := objcache.Open(objcache.Options{Root: t.TempDir(), Quota: 1 << 30})
	require.NoError(t, err)
	require.NoError(t, cache.Put(h, data))

	cat, err := NewLoader(cacheOpener{cache}, nil).Load(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, h, cat.Hash)
	assert.True(t, cache.IsPinned(h))

	require.NoError(t, cat.Close())
	assert.False(t, cache.IsPinned(h))
}
