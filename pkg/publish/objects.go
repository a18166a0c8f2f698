package publish

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"

	"cvfs/pkg/chunker"
	"cvfs/pkg/core"
	"cvfs/pkg/storage"
	"cvfs/pkg/types"

	"github.com/klauspost/compress/zlib"
)

// uploader 把对象压缩后写入 data/ 下
type uploader struct {
	store storage.Store
	algo  types.Algorithm
	count atomic.Int64
	bytes atomic.Int64
}

// put 计算 hash (针对未压缩内容)，zlib 压缩后上传
// 已存在的对象直接跳过，所以重复发布只上传新内容。
func (u *uploader) put(ctx context.Context, kind types.Kind, data []byte) (types.ContentHash, error) {
	h := core.NewBlobWithAlgo(u.algo, kind, data).ID()
	path := h.ObjectPath()

	exists, err := u.store.Has(ctx, path)
	if err != nil {
		return types.ContentHash{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if exists {
		return h, nil
	}

	compressed, err := compress(data)
	if err != nil {
		return types.ContentHash{}, err
	}
	if err := u.store.Put(ctx, path, compressed); err != nil {
		return types.ContentHash{}, fmt.Errorf("failed to store %s: %w", path, err)
	}
	u.count.Add(1)
	u.bytes.Add(int64(len(compressed)))
	return h, nil
}

// putFile 上传普通文件。超过阈值的文件按 CDC 切块，每块是一个 P 对象。
func (u *uploader) putFile(ctx context.Context, c *chunker.Chunker, threshold int64, data []byte) (types.ContentHash, []core.Chunk, error) {
	// 整个文件的 hash 总是记录在目录项里
	whole := core.NewBlobWithAlgo(u.algo, types.KindRegular, data).ID()

	if threshold < 0 || int64(len(data)) <= threshold {
		h, err := u.put(ctx, types.KindRegular, data)
		return h, nil, err
	}

	var (
		chunks []core.Chunk
		start  int
	)
	for _, end := range c.Cut(data) {
		h, err := u.put(ctx, types.KindChunk, data[start:end])
		if err != nil {
			return types.ContentHash{}, nil, err
		}
		chunks = append(chunks, core.Chunk{Offset: int64(start), Size: int64(end - start), Hash: h})
		start = end
	}
	return whole, chunks, nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
