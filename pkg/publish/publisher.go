package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"cvfs/pkg/chunker"
	"cvfs/pkg/core"
	"cvfs/pkg/history"
	"cvfs/pkg/storage"
	"cvfs/pkg/trust"
	"cvfs/pkg/types"

	"golang.org/x/sync/errgroup"
)

// TrunkTag 每次发布都会指向最新的根 catalog
const TrunkTag = "trunk"

var ErrRevision = errors.New("publish: revision must increase")

const (
	defaultTTL          = 4 * time.Minute
	defaultWhitelistTTL = 30 * 24 * time.Hour
	defaultConcurrency  = 8
)

type Options struct {
	Repository string
	Store      storage.Store
	Keys       *Keys

	TTL          time.Duration
	WhitelistTTL time.Duration
	Algorithm    types.Algorithm

	// Chunks 为零值时使用默认大小；大于 ChunkThreshold 的文件被切块。
	// ChunkThreshold 为 0 时取 Chunks.Max，小于 0 时不切块。
	Chunks         chunker.Config
	ChunkThreshold int64
	Concurrency    int

	Logger *slog.Logger
	Now    func() time.Time
}

// Publisher 从 Tree 生成一个完整的仓库版本
// 这是给测试和本地演示用的发布端，不是挂载的写入支持。
type Publisher struct {
	opts     Options
	chunker  *chunker.Chunker
	logger   *slog.Logger
	revision uint64
	tags     []history.Tag
}

func New(opts Options) (*Publisher, error) {
	if opts.Repository == "" {
		return nil, errors.New("publish: repository name is required")
	}
	if opts.Store == nil {
		return nil, errors.New("publish: store is required")
	}
	if opts.Keys == nil {
		return nil, ErrNoKeys
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.WhitelistTTL <= 0 {
		opts.WhitelistTTL = defaultWhitelistTTL
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Chunks == (chunker.Config{}) {
		opts.Chunks = chunker.DefaultConfig()
	}
	c, err := chunker.New(opts.Chunks)
	if err != nil {
		return nil, err
	}
	if opts.ChunkThreshold == 0 {
		opts.ChunkThreshold = int64(opts.Chunks.Max)
	}
	return &Publisher{opts: opts, chunker: c, logger: opts.Logger}, nil
}

// Resume 从已有的仓库继续发布 (读取当前 revision 和历史标签)
func (p *Publisher) Resume(revision uint64, tags []history.Tag) {
	p.revision = revision
	p.tags = append([]history.Tag(nil), tags...)
}

type CommitOptions struct {
	Revision    uint64 // 0 表示上一个版本 + 1
	Tag         string
	Description string
}

// Result 是一次发布的产物
type Result struct {
	Revision    uint64
	RootCatalog types.ContentHash
	Certificate types.ContentHash
	History     types.ContentHash
	Manifest    *trust.Manifest
	Objects     int64
	Bytes       int64
}

// Commit 上传 Tree 的所有对象，写出 catalog、历史库、证书，最后签名发布 manifest 和白名单
// manifest 最后写入，读者在它出现之前看不到新版本。
func (p *Publisher) Commit(ctx context.Context, t *Tree, co CommitOptions) (*Result, error) {
	revision := co.Revision
	if revision == 0 {
		revision = p.revision + 1
	}
	if revision <= p.revision {
		return nil, fmt.Errorf("%w: %d after %d", ErrRevision, revision, p.revision)
	}
	now := p.opts.Now()
	up := &uploader{store: p.opts.Store, algo: p.opts.Algorithm}

	work, err := os.MkdirTemp("", "cvfs-publish-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(work)

	// 1. 文件内容
	files, err := p.uploadFiles(ctx, up, t)
	if err != nil {
		return nil, err
	}

	// 2. catalog，嵌套的先写
	cb := &catalogBuilder{
		up: up, files: files, dir: work, revision: revision, ttl: p.opts.TTL, now: now,
	}
	root, rootSize, err := cb.build(ctx, t.root)
	if err != nil {
		return nil, err
	}

	// 3. 证书
	cert, err := up.put(ctx, types.KindCertificate, p.opts.Keys.CertPEM)
	if err != nil {
		return nil, err
	}

	// 4. 历史库
	tags := p.nextTags(root, rootSize, revision, now, co)
	histPath := filepath.Join(work, "history.db")
	if err := history.Write(histPath, p.opts.Repository, tags); err != nil {
		return nil, err
	}
	histData, err := os.ReadFile(histPath)
	if err != nil {
		return nil, err
	}
	hist, err := up.put(ctx, types.KindHistory, histData)
	if err != nil {
		return nil, err
	}

	// 5. 白名单和 manifest
	m := &trust.Manifest{
		RootCatalog:     root,
		RootCatalogSize: rootSize,
		Certificate:     cert,
		History:         hist,
		Timestamp:       now,
		TTL:             p.opts.TTL,
		Revision:        revision,
		Repository:      p.opts.Repository,
	}
	if err := p.publishRoots(ctx, m, now); err != nil {
		return nil, err
	}

	p.revision = revision
	p.tags = tags
	p.logger.Info("revision published",
		"repository", p.opts.Repository, "revision", revision, "root", root.String(),
		"objects", up.count.Load(), "bytes", up.bytes.Load())

	return &Result{
		Revision:    revision,
		RootCatalog: root,
		Certificate: cert,
		History:     hist,
		Manifest:    m,
		Objects:     up.count.Load(),
		Bytes:       up.bytes.Load(),
	}, nil
}

// uploadFiles 并发上传所有普通文件，返回节点到其 hash / 分块的映射
func (p *Publisher) uploadFiles(ctx context.Context, up *uploader, t *Tree) (map[*node]fileObject, error) {
	var nodes []*node
	var walk func(n *node)
	walk = func(n *node) {
		for _, c := range n.sortedChildren() {
			switch c.kind {
			case core.EntryFile:
				nodes = append(nodes, c)
			case core.EntryDir:
				walk(c)
			}
		}
	}
	walk(t.root)

	results := make([]fileObject, len(nodes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for i, n := range nodes {
		g.Go(func() error {
			h, chunks, err := up.putFile(gctx, p.chunker, p.opts.ChunkThreshold, n.data)
			if err != nil {
				return fmt.Errorf("%s: %w", n.path, err)
			}
			results[i] = fileObject{hash: h, chunks: chunks}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[*node]fileObject, len(nodes))
	for i, n := range nodes {
		out[n] = results[i]
	}
	return out, nil
}

// nextTags 更新 trunk，并在需要时添加命名标签
func (p *Publisher) nextTags(root types.ContentHash, size int64, revision uint64, now time.Time, co CommitOptions) []history.Tag {
	tags := make([]history.Tag, 0, len(p.tags)+2)
	for _, tg := range p.tags {
		if tg.Name == TrunkTag || tg.Name == co.Tag {
			continue
		}
		tags = append(tags, tg)
	}
	mk := func(name, desc string) history.Tag {
		return history.Tag{Name: name, Root: root, Size: size, Revision: revision, Timestamp: now, Description: desc}
	}
	tags = append(tags, mk(TrunkTag, "current head"))
	if co.Tag != "" && co.Tag != TrunkTag {
		tags = append(tags, mk(co.Tag, co.Description))
	}
	return tags
}

func (p *Publisher) publishRoots(ctx context.Context, m *trust.Manifest, now time.Time) error {
	keys := p.opts.Keys
	fp, err := keys.Fingerprint()
	if err != nil {
		return fmt.Errorf("invalid signing certificate: %w", err)
	}

	wlBody := trust.WhitelistBody(now, now.Add(p.opts.WhitelistTTL), p.opts.Repository, []trust.Fingerprint{fp})
	wlSig, err := trust.SignChecksum(keys.Master, wlBody)
	if err != nil {
		return fmt.Errorf("failed to sign whitelist: %w", err)
	}
	if err := p.opts.Store.Put(ctx, trust.WhitelistName, trust.Encode(wlBody, wlSig)); err != nil {
		return fmt.Errorf("failed to store whitelist: %w", err)
	}

	body := m.Body()
	sig, err := trust.SignChecksum(keys.Signing, body)
	if err != nil {
		return fmt.Errorf("failed to sign manifest: %w", err)
	}
	if err := p.opts.Store.Put(ctx, trust.ManifestName, trust.Encode(body, sig)); err != nil {
		return fmt.Errorf("failed to store manifest: %w", err)
	}
	return nil
}
