package index

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cvfs/pkg/core"
	"cvfs/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entryFor(data string, at int64) Entry {
	h := core.NewBlob(types.KindRegular, []byte(data)).ID()
	return Entry{
		Hash:       h,
		Location:   filepath.Join(h.Shard(), h.FileName()),
		Size:       int64(len(data)),
		LastAccess: at,
	}
}

func TestIndex_Persistence_RoundTrip(t *testing.T) {
	// 1. Setup
	indexPath := filepath.Join(t.TempDir(), "cachedb")

	// 2. 创建并写入数据
	idx1 := New(indexPath)
	a := entryFor("model weights", 10)
	b := entryFor("readme", 20)
	idx1.Add(a)
	idx1.Add(b)
	require.NoError(t, idx1.Save())

	// 3. 重新加载 (模拟第二次运行程序)
	idx2, err := Load(indexPath)
	require.NoError(t, err)

	// 4. 验证数据一致性
	assert.Equal(t, 2, idx2.Len())
	assert.Equal(t, a.Size+b.Size, idx2.Total())

	got, ok := idx2.Get(a.Hash.Key())
	require.True(t, ok)
	assert.Equal(t, a, got)

	// 5. 加载会“消费”快照，崩溃后不会读到过期的索引
	_, err = os.Stat(indexPath)
	assert.True(t, os.IsNotExist(err))
	_, err = Load(indexPath)
	assert.ErrorIs(t, err, ErrIndexMissing)
}

func TestIndex_LoadRejectsGarbage(t *testing.T) {
	indexPath := filepath.Join(t.TempDir(), "cachedb")
	require.NoError(t, os.WriteFile(indexPath, []byte("not cbor at all"), 0644))

	_, err := Load(indexPath)
	assert.ErrorIs(t, err, ErrCorruptIndex)
}

func TestIndex_LoadRejectsUnclean(t *testing.T) {
	indexPath := filepath.Join(t.TempDir(), "cachedb")
	data, err := core.EncodeObject(snapshot{Version: snapshotVersion, Clean: false})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(indexPath, data, 0644))

	_, err = Load(indexPath)
	assert.ErrorIs(t, err, ErrUncleanIndex)
}

func TestIndex_LRUOrderAndAccounting(t *testing.T) {
	idx := New(filepath.Join(t.TempDir(), "cachedb"))
	old := entryFor("old", 1)
	mid := entryFor("middle", 2)
	recent := entryFor("recent", 3)
	idx.Add(recent)
	idx.Add(old)
	idx.Add(mid)

	snap := idx.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []types.ContentHash{old.Hash, mid.Hash, recent.Hash},
		[]types.ContentHash{snap[0].Hash, snap[1].Hash, snap[2].Hash})

	// Touch 把 old 变成最近访问
	assert.True(t, idx.Touch(old.Hash.Key(), time.Unix(0, 100)))
	assert.Equal(t, mid.Hash, idx.Snapshot()[0].Hash)

	// 重复 Add 不重复计数
	idx.Add(mid)
	assert.Equal(t, old.Size+mid.Size+recent.Size, idx.Total())

	removed, ok := idx.Remove(mid.Hash.Key())
	assert.True(t, ok)
	assert.Equal(t, mid.Size, removed.Size)
	assert.Equal(t, old.Size+recent.Size, idx.Total())

	_, ok = idx.Remove(mid.Hash.Key())
	assert.False(t, ok)
}

func TestIndex_Concurrency(t *testing.T) {
	idx := New(filepath.Join(t.TempDir(), "cachedb"))

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := entryFor("same", int64(i))
			idx.Add(e) // 反复写同一个 key
			idx.Touch(e.Hash.Key(), time.Now())
			_ = idx.Snapshot()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, idx.Len())
	assert.Equal(t, int64(len("same")), idx.Total())
}
