package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cvfs/pkg/core"
	"cvfs/pkg/objcache"
	"cvfs/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRepo = "demo.cvfs.io"

func rootOf(s string) types.ContentHash {
	return core.NewBlob(types.KindCatalog, []byte(s)).ID()
}

func writeHistory(t *testing.T, repo string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	require.NoError(t, Write(path, repo, []Tag{
		{Name: "v1", Root: rootOf("r1"), Revision: 1, Timestamp: time.Unix(1000, 0), Description: "first"},
		{Name: "v2", Root: rootOf("r2"), Revision: 2, Timestamp: time.Unix(2000, 0)},
		{Name: "trunk", Root: rootOf("r3"), Revision: 3, Timestamp: time.Unix(3000, 0)},
	}))
	return path
}

func TestHistory_Lookups(t *testing.T) {
	h, err := Parse(writeHistory(t, testRepo), testRepo)
	require.NoError(t, err)

	// 1. 按名字
	tag, err := h.GetTag("v1")
	require.NoError(t, err)
	assert.Equal(t, rootOf("r1"), tag.Root)
	assert.Equal(t, "first", tag.Description)

	_, err = h.GetTag("missing")
	assert.ErrorIs(t, err, ErrTagNotFound)

	// 2. 按版本
	tag, err = h.GetTagByRevision(2)
	require.NoError(t, err)
	assert.Equal(t, "v2", tag.Name)

	// 3. 按时间
	tests := []struct {
		at   int64
		want string
	}{
		{3500, "trunk"},
		{3000, "trunk"},
		{2999, "v2"},
		{1000, "v1"},
	}
	for _, tt := range tests {
		tag, err := h.GetTagByDate(time.Unix(tt.at, 0))
		require.NoError(t, err)
		assert.Equal(t, tt.want, tag.Name, "at %d", tt.at)
	}
	_, err = h.GetTagByDate(time.Unix(999, 0))
	assert.ErrorIs(t, err, ErrTagNotFound)

	// 4. 列表按时间倒序
	tags := h.ListTags()
	require.Len(t, tags, 3)
	assert.Equal(t, "trunk", tags[0].Name)
	assert.Equal(t, "v1", tags[2].Name)
}

func TestHistory_WrongRepository(t *testing.T) {
	_, err := Parse(writeHistory(t, "other.cvfs.io"), testRepo)
	assert.ErrorIs(t, err, ErrCorruptHistory)
}

type cacheOpener struct{ cache *objcache.Cache }

func (o cacheOpener) Open(_ context.Context, h types.ContentHash, _ types.Kind) (*objcache.Handle, error) {
	return o.cache.Open(h)
}

func TestHistory_LoadReleasesPin(t *testing.T) {
	data, err := os.ReadFile(writeHistory(t, testRepo))
	require.NoError(t, err)
	id := core.NewBlob(types.KindHistory, data).ID()

	cache, err := objcache.Open(objcache.Options{Root: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, cache.Put(id, data))

	h, err := Load(context.Background(), cacheOpener{cache}, id, testRepo)
	require.NoError(t, err)
	assert.Len(t, h.ListTags(), 3)
	assert.False(t, cache.IsPinned(id))
}
