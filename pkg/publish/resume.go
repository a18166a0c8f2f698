package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"cvfs/pkg/history"
	"cvfs/pkg/storage"
	"cvfs/pkg/trust"

	"github.com/klauspost/compress/zlib"
)

// Reopen 从 Store 里已发布的 manifest 恢复 revision 和历史标签
// 仓库还没有发布过时返回 false。发布端信任自己的存储，这里不校验签名。
func (p *Publisher) Reopen(ctx context.Context) (bool, error) {
	raw, err := readAll(ctx, p.opts.Store, trust.ManifestName)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	m, err := trust.ParseManifest(raw)
	if err != nil {
		return false, err
	}
	if m.Repository != p.opts.Repository {
		return false, fmt.Errorf("publish: store holds repository %q, not %q", m.Repository, p.opts.Repository)
	}

	var tags []history.Tag
	if !m.History.IsZero() {
		if tags, err = p.readTags(ctx, m); err != nil {
			return false, err
		}
	}
	p.Resume(m.Revision, tags)
	p.logger.Info("resumed repository", "revision", m.Revision, "tags", len(tags))
	return true, nil
}

func (p *Publisher) readTags(ctx context.Context, m *trust.Manifest) ([]history.Tag, error) {
	compressed, err := readAll(ctx, p.opts.Store, m.History.ObjectPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	// SQLite 需要一个真实文件
	f, err := os.CreateTemp("", "cvfs-history-*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(f.Name())
	if _, err := io.Copy(f, zr); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	hist, err := history.Parse(f.Name(), p.opts.Repository)
	if err != nil {
		return nil, err
	}
	return hist.ListTags(), nil
}

func readAll(ctx context.Context, src storage.Source, path string) ([]byte, error) {
	rc, err := src.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
