package chunker

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var small = Config{Min: 4 * 1024, Avg: 8 * 1024, Max: 64 * 1024}

func TestChunker_Deterministic(t *testing.T) {
	// 1. 100KB 随机数据，按 8KB 平均大约 12 块
	data := make([]byte, 100*1024)
	rand.Read(data)

	c, err := New(small)
	require.NoError(t, err)

	cuts1 := c.Cut(data)
	assert.NotEmpty(t, cuts1)
	assert.Equal(t, len(data), cuts1[len(cuts1)-1], "最后一块必须结束于文件末尾")

	// 2. 相同数据，切分点必须完全一致
	cuts2 := c.Cut(data)
	assert.Equal(t, cuts1, cuts2)
}

func TestChunker_MinMaxConstraints(t *testing.T) {
	// 全 0 数据容易触发 worst-case
	data := make([]byte, 200*1024)
	c, err := New(small)
	require.NoError(t, err)
	cuts := c.Cut(data)

	start := 0
	for i, end := range cuts {
		size := end - start
		// 最后一块可以小于 Min
		if i < len(cuts)-1 {
			assert.GreaterOrEqual(t, size, small.Min, "Chunk %d size %d too small", i, size)
		}
		assert.LessOrEqual(t, size, small.Max, "Chunk %d size %d too large", i, size)
		start = end
	}
	assert.Equal(t, len(data), start)
}

func TestChunker_SmallInput(t *testing.T) {
	c, err := New(small)
	require.NoError(t, err)

	assert.Nil(t, c.Cut(nil))
	assert.Equal(t, []int{100}, c.Cut(make([]byte, 100)))
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{Min: 8, Avg: 4, Max: 16})
	assert.Error(t, err)
	_, err = New(Config{})
	assert.Error(t, err)
}
