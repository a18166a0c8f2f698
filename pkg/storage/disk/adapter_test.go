package disk

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"cvfs/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskAdapter(t *testing.T) {
	// 1. 创建临时测试目录
	tmpDir := t.TempDir()
	store, err := NewAdapter(tmpDir)
	require.NoError(t, err)

	ctx := context.Background()
	path := "data/2c/f24dba5fb0a30e26e83b2ac5b9e29e1b161e5c"

	// 2. 测试 Put
	err = store.Put(ctx, path, []byte("hello world"))
	assert.NoError(t, err)

	// 验证文件是否真的存在于物理磁盘
	_, err = os.Stat(filepath.Join(tmpDir, "data", "2c", "f24dba5fb0a30e26e83b2ac5b9e29e1b161e5c"))
	assert.NoError(t, err, "文件应该存在于 Sharding 目录中")

	// 3. 测试 Has
	exists, err := store.Has(ctx, path)
	assert.NoError(t, err)
	assert.True(t, exists)

	exists, err = store.Has(ctx, "data/ff/ffffff") // 不存在的
	assert.NoError(t, err)
	assert.False(t, exists)

	// 4. 测试 Get
	reader, err := store.Get(ctx, path)
	require.NoError(t, err)
	defer reader.Close()

	content, err := io.ReadAll(reader)
	assert.NoError(t, err)
	assert.Equal(t, []byte("hello world"), content)

	// 5. 不存在的对象映射为 ErrNotFound
	_, err = store.Get(ctx, "data/00/missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDiskAdapter_ImmutableVsRootFiles(t *testing.T) {
	store, err := NewAdapter(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	read := func(p string) string {
		r, err := store.Get(ctx, p)
		require.NoError(t, err)
		defer r.Close()
		b, err := io.ReadAll(r)
		require.NoError(t, err)
		return string(b)
	}

	// data/ 下的对象写一次就不再改变
	require.NoError(t, store.Put(ctx, "data/aa/object", []byte("v1")))
	require.NoError(t, store.Put(ctx, "data/aa/object", []byte("v2")))
	assert.Equal(t, "v1", read("data/aa/object"))

	// 根文件每次发布都会覆盖
	require.NoError(t, store.Put(ctx, ".cvmfspublished", []byte("rev1")))
	require.NoError(t, store.Put(ctx, ".cvmfspublished", []byte("rev2")))
	assert.Equal(t, "rev2", read(".cvmfspublished"))
}

func TestDiskAdapter_RejectsEscapingPaths(t *testing.T) {
	store, err := NewAdapter(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "../etc/passwd")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")
}
