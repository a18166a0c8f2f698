package core

import (
	"bytes"
	"testing"

	"cvfs/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// 1. 摘要
// -----------------------------------------------------------------------------

func TestCalculateHash_KnownVector(t *testing.T) {
	// sha1("hello")
	assert.Equal(t, types.Hash("aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d"), CalculateHash(types.SHA1, []byte("hello")))

	rmd := CalculateHash(types.RMD160, []byte("hello"))
	assert.True(t, rmd.IsValid(), "RIPEMD-160 同样是 20 字节")
	assert.NotEqual(t, CalculateHash(types.SHA1, []byte("hello")), rmd)
}

func TestVerifyBytes(t *testing.T) {
	blob := NewBlob(types.KindRegular, []byte("payload"))
	require.NoError(t, VerifyBytes(blob.ID(), []byte("payload")))

	err := VerifyBytes(blob.ID(), []byte("tampered"))
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

func TestVerifyingWriter_Streaming(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 10000)
	blob := NewBlobWithAlgo(types.RMD160, types.KindChunk, data)

	vw := NewVerifyingWriter(blob.ID())
	// 分多次写入，模拟流式下载
	for i := 0; i < len(data); i += 4096 {
		end := min(i+4096, len(data))
		_, err := vw.Write(data[i:end])
		require.NoError(t, err)
	}
	assert.Equal(t, int64(len(data)), vw.Size())
	assert.NoError(t, vw.Check())

	assert.ErrorIs(t, VerifyReader(blob.ID(), bytes.NewReader(data[1:])), ErrDigestMismatch)
}

// -----------------------------------------------------------------------------
// 2. CBOR 编解码
// -----------------------------------------------------------------------------

func TestCBOR_Deterministic(t *testing.T) {
	v := map[string]int{"b": 2, "a": 1, "c": 3}
	d1, err := EncodeObject(v)
	require.NoError(t, err)
	d2, err := EncodeObject(map[string]int{"c": 3, "a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, d1, d2, "Map Key 必须排序，编码结果唯一")

	var back map[string]int
	require.NoError(t, DecodeObject(d1, &back))
	assert.Equal(t, v, back)
}

// -----------------------------------------------------------------------------
// 3. 路径
// -----------------------------------------------------------------------------

func TestPaths(t *testing.T) {
	assert.Equal(t, "/", CleanPath(""))
	assert.Equal(t, "/a/b", CleanPath("a//b/"))
	assert.Equal(t, "", CatalogKey("/"))
	assert.Equal(t, "/a/b", CatalogKey("/a/b/."))

	assert.Nil(t, Segments("/"))
	assert.Equal(t, []string{"dir", "file.txt"}, Segments("/dir/file.txt"))

	assert.Equal(t, "/x", JoinPath("/", "x"))
	assert.Equal(t, "/a/x", JoinPath("/a", "x"))
	assert.Equal(t, "/a", ParentPath("/a/x"))

	assert.True(t, HasPathPrefix("/a/b/c", "/a/b"))
	assert.True(t, HasPathPrefix("/a/b", "/a/b"))
	assert.False(t, HasPathPrefix("/a/bc", "/a/b"))
	assert.True(t, HasPathPrefix("/anything", "/"))
}

func TestSplitMD5(t *testing.T) {
	assert.Equal(t, SplitMD5(""), SplitMD5("/"), "根目录的两种写法等价")
	assert.NotEqual(t, SplitMD5("/a"), SplitMD5("/b"))
	assert.Equal(t, SplitMD5("/a/b"), SplitMD5("a/b/"))
}

// -----------------------------------------------------------------------------
// 4. 目录项约束
// -----------------------------------------------------------------------------

func TestDirectoryEntry_Validate(t *testing.T) {
	catalogHash := NewBlob(types.KindCatalog, []byte("catalog")).ID()
	fileHash := NewBlob(types.KindRegular, []byte("file")).ID()
	chunkHash := NewBlob(types.KindChunk, []byte("chunk")).ID()

	tests := []struct {
		name    string
		entry   DirectoryEntry
		wantErr bool
	}{
		{"plain file", DirectoryEntry{Kind: EntryFile, Path: "/f", Hash: fileHash, Size: 4}, false},
		{"mountpoint", DirectoryEntry{Kind: EntryMountpoint, Path: "/m", Hash: catalogHash}, false},
		{"mountpoint without hash", DirectoryEntry{Kind: EntryMountpoint, Path: "/m"}, true},
		{"mountpoint pointing to file", DirectoryEntry{Kind: EntryMountpoint, Path: "/m", Hash: fileHash}, true},
		{"mountpoint with chunks", DirectoryEntry{Kind: EntryMountpoint, Path: "/m", Hash: catalogHash,
			Chunks: []Chunk{{Offset: 0, Size: 1, Hash: chunkHash}}}, true},
		{"file pointing to catalog", DirectoryEntry{Kind: EntryFile, Path: "/f", Hash: catalogHash}, true},
		{"chunked file", DirectoryEntry{Kind: EntryFile, Path: "/big", Size: 10, Chunks: []Chunk{
			{Offset: 0, Size: 6, Hash: chunkHash}, {Offset: 6, Size: 4, Hash: chunkHash},
		}}, false},
		{"chunk gap", DirectoryEntry{Kind: EntryFile, Path: "/big", Size: 10, Chunks: []Chunk{
			{Offset: 0, Size: 6, Hash: chunkHash}, {Offset: 7, Size: 3, Hash: chunkHash},
		}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entry.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEntry)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
