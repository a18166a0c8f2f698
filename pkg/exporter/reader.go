package exporter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"cvfs/pkg/core"
	"cvfs/pkg/objcache"
	"cvfs/pkg/types"
)

// Opener 打开一个已校验的对象 (由 fetcher.Fetcher 实现)
type Opener interface {
	Open(ctx context.Context, h types.ContentHash, expected types.Kind) (*objcache.Handle, error)
}

// FileReader 按偏移读取一个文件，分块文件跨越多个 chunk 对象
// 同一时刻最多持有一个对象句柄 (pin)，Close 时释放。
type FileReader struct {
	ctx    context.Context
	opener Opener
	entry  *core.DirectoryEntry

	mu     sync.Mutex
	cur    *objcache.Handle
	curIdx int
}

func NewFileReader(ctx context.Context, opener Opener, e *core.DirectoryEntry) (*FileReader, error) {
	if !e.IsFile() {
		return nil, fmt.Errorf("%s is a %s, not a regular file", e.Path, e.Kind)
	}
	return &FileReader{ctx: ctx, opener: opener, entry: e, curIdx: -1}, nil
}

func (r *FileReader) Size() int64 { return r.entry.Size }

// ReadAt 实现 io.ReaderAt
func (r *FileReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int
	for n < len(p) {
		pos := off + int64(n)
		if pos >= r.entry.Size {
			return n, io.EOF
		}
		h, base, err := r.objectAt(pos)
		if err != nil {
			return n, err
		}
		m, err := h.ReadAt(p[n:], pos-base)
		n += m
		if err != nil && !errors.Is(err, io.EOF) {
			return n, err
		}
		if m == 0 {
			// 对象比目录项声明的短
			return n, io.ErrUnexpectedEOF
		}
	}
	return n, nil
}

// objectAt 返回覆盖 pos 的对象句柄以及该对象在文件中的起始偏移
func (r *FileReader) objectAt(pos int64) (*objcache.Handle, int64, error) {
	if !r.entry.IsChunked() {
		if r.cur == nil {
			h, err := r.opener.Open(r.ctx, r.entry.Hash, types.KindRegular)
			if err != nil {
				return nil, 0, fmt.Errorf("failed to open %s: %w", r.entry.Path, err)
			}
			r.cur, r.curIdx = h, 0
		}
		return r.cur, 0, nil
	}

	chunks := r.entry.Chunks
	i := sort.Search(len(chunks), func(i int) bool { return chunks[i].Offset+chunks[i].Size > pos })
	if i == len(chunks) {
		return nil, 0, io.ErrUnexpectedEOF
	}
	if r.curIdx != i {
		h, err := r.opener.Open(r.ctx, chunks[i].Hash, types.KindChunk)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to open chunk %d of %s: %w", i, r.entry.Path, err)
		}
		if r.cur != nil {
			r.cur.Close()
		}
		r.cur, r.curIdx = h, i
	}
	return r.cur, chunks[i].Offset, nil
}

func (r *FileReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return nil
	}
	err := r.cur.Close()
	r.cur, r.curIdx = nil, -1
	return err
}
