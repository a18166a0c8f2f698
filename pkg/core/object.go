package core

import "cvfs/pkg/types"

// Object 是仓库中一个内容寻址对象 (未压缩的原始字节)
type Object interface {
	// ID 返回对象的 ContentHash (包含类型标签)
	ID() types.ContentHash

	// Bytes 返回对象的原始数据
	Bytes() []byte
}

// Blob 是 Object 最简单的实现
type Blob struct {
	id   types.ContentHash
	data []byte
}

// NewBlob 计算 SHA-1 摘要并打上类型标签
func NewBlob(kind types.Kind, data []byte) *Blob {
	return NewBlobWithAlgo(types.SHA1, kind, data)
}

func NewBlobWithAlgo(algo types.Algorithm, kind types.Kind, data []byte) *Blob {
	h := CalculateHash(algo, data)
	return &Blob{
		id:   types.ContentHash{Digest: h, Algo: algo, Kind: kind},
		data: data,
	}
}

func (b *Blob) ID() types.ContentHash { return b.id }
func (b *Blob) Bytes() []byte         { return b.data }
func (b *Blob) Size() int64           { return int64(len(b.data)) }
