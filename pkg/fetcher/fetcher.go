// pkg/fetcher/fetcher.go
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"cvfs/pkg/core"
	"cvfs/pkg/objcache"
	"cvfs/pkg/storage"
	"cvfs/pkg/types"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/zlib"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	ErrUnavailable    = errors.New("object unavailable")
	ErrTimeout        = errors.New("object fetch timed out")
	ErrDigestMismatch = core.ErrDigestMismatch
	ErrNotFound       = storage.ErrNotFound
	ErrTypeMismatch   = errors.New("object type mismatch")
)

// maxRootFileSize manifest / whitelist 不应该很大
const maxRootFileSize = 16 << 20

// Metrics 由 pkg/metrics 实现
type Metrics interface {
	RecordDownload(kind string, bytes int64, d time.Duration)
	RecordRetry()
	RecordDigestMismatch()
	RecordSharedFetch()
	RecordFetchError(reason string)
}

type noopMetrics struct{}

func (noopMetrics) RecordDownload(string, int64, time.Duration) {}
func (noopMetrics) RecordRetry()                                {}
func (noopMetrics) RecordDigestMismatch()                       {}
func (noopMetrics) RecordSharedFetch()                          {}
func (noopMetrics) RecordFetchError(string)                     {}

// invalidator 由共享缓存层 (storage/cache) 实现
// 摘要校验失败时，需要把坏对象从共享层里删掉，否则重试会拿到同一份坏数据。
type invalidator interface {
	Invalidate(ctx context.Context, path string) error
}

type Options struct {
	Source storage.Source
	Cache  *objcache.Cache

	MaxRetries     uint64        // 瞬时错误的重试次数 (默认 3)
	InitialBackoff time.Duration // 默认 250ms
	MaxBackoff     time.Duration // 默认 10s
	AttemptTimeout time.Duration // 单次下载的总时限 (默认 60s)
	// Parallelism 限制 Prefetch 的并发数 (默认 8)
	Parallelism int

	Logger  *slog.Logger
	Metrics Metrics
}

// Fetcher 把 ContentHash 解析为经过校验的字节
// 顺序：本地缓存 (复核摘要) → 源站下载 (重试 + 解压 + 校验) → 提交到缓存
type Fetcher struct {
	src     storage.Source
	cache   *objcache.Cache
	opts    Options
	logger  *slog.Logger
	metrics Metrics

	// 同一个 hash 同时只有一个下载，其他调用者共享结果
	flight singleflight.Group
}

func New(opts Options) (*Fetcher, error) {
	if opts.Source == nil {
		return nil, errors.New("fetcher: source is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("fetcher: cache is required")
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 250 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Second
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 60 * time.Second
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 8
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	return &Fetcher{
		src:     opts.Source,
		cache:   opts.Cache,
		opts:    opts,
		logger:  opts.Logger.With("component", "fetcher"),
		metrics: opts.Metrics,
	}, nil
}

// Cache 返回 fetcher 使用的本地缓存
func (f *Fetcher) Cache() *objcache.Cache { return f.cache }

// Fetch 返回对象的完整字节 (已校验)
func (f *Fetcher) Fetch(ctx context.Context, h types.ContentHash, expected types.Kind) ([]byte, error) {
	if err := checkKind(h, expected); err != nil {
		return nil, err
	}

	for range 2 {
		// 1. 本地缓存命中：复核摘要，防止磁盘上的数据损坏
		data, err := f.cache.Get(h)
		if err == nil {
			verr := core.VerifyBytes(h, data)
			if verr == nil {
				return data, nil
			}
			f.discardCorrupt(h, verr)
		} else if !errors.Is(err, objcache.ErrNotCached) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		// 2. 下载到缓存
		res, err := f.download(ctx, h, false)
		if err != nil {
			return nil, err
		}

		// 3. 本次下载的对象已经校验过；别人提交的要复核
		data, err = f.cache.Get(h)
		if err == nil {
			if res.downloaded {
				return data, nil
			}
			if verr := core.VerifyBytes(h, data); verr != nil {
				return nil, fmt.Errorf("%s: %w", h.Key(), verr)
			}
			return data, nil
		}
		if !errors.Is(err, objcache.ErrNotCached) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		// 下载完成到读取之间被淘汰了，再来一次
	}
	return nil, fmt.Errorf("%w: %s was evicted before it could be read", ErrUnavailable, h.Key())
}

// Open 返回一个被 pin 住的缓存句柄 (打开的文件、已挂载的 catalog)
// 调用者必须 Close。
func (f *Fetcher) Open(ctx context.Context, h types.ContentHash, expected types.Kind) (*objcache.Handle, error) {
	if err := checkKind(h, expected); err != nil {
		return nil, err
	}

	for range 2 {
		hd, err := f.cache.Open(h)
		if err == nil {
			verr := core.VerifyReader(h, io.NewSectionReader(hd, 0, hd.Size()))
			if verr == nil {
				return hd, nil
			}
			hd.Close()
			f.discardCorrupt(h, verr)
		} else if !errors.Is(err, objcache.ErrNotCached) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		res, err := f.download(ctx, h, true)
		if err != nil {
			return nil, err
		}

		// 自己执行的下载在提交时已经 pin 住，淘汰不会插进来
		if res.pinned {
			hd, err = f.cache.OpenPinned(h)
		} else {
			hd, err = f.cache.Open(h)
		}
		if err == nil {
			if res.downloaded {
				return hd, nil
			}
			if verr := core.VerifyReader(h, io.NewSectionReader(hd, 0, hd.Size())); verr != nil {
				hd.Close()
				return nil, fmt.Errorf("%s: %w", h.Key(), verr)
			}
			return hd, nil
		}
		if !errors.Is(err, objcache.ErrNotCached) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return nil, fmt.Errorf("%w: %s was evicted before it could be opened", ErrUnavailable, h.Key())
}

// Prefetch 并发地把对象拉进缓存，不返回内容
func (f *Fetcher) Prefetch(ctx context.Context, hashes ...types.ContentHash) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.opts.Parallelism)
	for _, h := range hashes {
		if f.cache.Contains(h) {
			continue
		}
		g.Go(func() error {
			_, err := f.download(ctx, h, false)
			return err
		})
	}
	return g.Wait()
}

// FetchRoot 下载仓库根目录下的未压缩文件 (.cvmfspublished / .cvmfswhitelist)
// 根文件是可变的，不进本地缓存。
func (f *Fetcher) FetchRoot(ctx context.Context, name string) ([]byte, error) {
	ch := f.flight.DoChan("root:"+name, func() (any, error) {
		dctx, cancel := f.detach(ctx)
		defer cancel()

		var data []byte
		err := f.retry(dctx, name, func(actx context.Context) error {
			body, err := f.src.Get(actx, name)
			if err != nil {
				return err
			}
			defer body.Close()
			buf, err := io.ReadAll(io.LimitReader(body, maxRootFileSize+1))
			if err != nil {
				return err
			}
			if len(buf) > maxRootFileSize {
				return backoff.Permanent(fmt.Errorf("%s exceeds %d bytes", name, maxRootFileSize))
			}
			data = buf
			return nil
		})
		return data, err
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", ErrTimeout, name, ctx.Err())
	}
}

// downloadResult 是调用者视角下的一次 download 结果
type downloadResult struct {
	downloaded bool // 本次调用执行了网络下载 (字节已校验)
	pinned     bool // 调用者持有一个 pin，必须释放
}

// download 把对象下载、解压、校验后提交到缓存
// pin 为 true 时，由这次调用执行的下载在提交时就 pin 住对象，pin 归调用者所有。
// 共享别人结果的调用者拿不到 pin，需要自己 Open。
func (f *Fetcher) download(ctx context.Context, h types.ContentHash, pin bool) (downloadResult, error) {
	// 只有发起者的闭包会执行，ran 在收到结果之后读取
	var ran bool
	ch := f.flight.DoChan(h.Key(), func() (any, error) {
		ran = true
		// 上一个下载可能在我们查缓存之后、进入 flight 之前刚刚提交
		if f.cache.Contains(h) {
			if !pin {
				return downloadResult{}, nil
			}
			if err := f.cache.Pin(h); err == nil {
				return downloadResult{pinned: true}, nil
			}
		}

		// 下载属于所有等待者，不能因为第一个调用者取消而中断
		dctx, cancel := f.detach(ctx)
		defer cancel()
		if err := f.downloadOnce(dctx, h, pin); err != nil {
			return downloadResult{}, err
		}
		return downloadResult{downloaded: true, pinned: pin}, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			f.metrics.RecordSharedFetch()
		}
		if res.Err != nil {
			return downloadResult{}, res.Err
		}
		out := res.Val.(downloadResult)
		if !ran {
			// 别人的 pin 不是我们的
			out.pinned = false
		}
		return out, nil
	case <-ctx.Done():
		if pin {
			// 调用者已经走了，下载完成后把它的 pin 还回去
			go func() {
				res := <-ch
				if ran && res.Err == nil && res.Val.(downloadResult).pinned {
					f.cache.Unpin(h)
				}
			}()
		}
		return downloadResult{}, fmt.Errorf("%w: %s: %v", ErrTimeout, h.Key(), ctx.Err())
	}
}

func (f *Fetcher) downloadOnce(ctx context.Context, h types.ContentHash, pin bool) error {
	path := h.ObjectPath()
	start := time.Now()
	mismatches := 0
	var size int64

	err := f.retry(ctx, path, func(actx context.Context) error {
		n, err := f.transfer(actx, h, path, pin)
		if errors.Is(err, ErrDigestMismatch) {
			mismatches++
			f.metrics.RecordDigestMismatch()
			f.logger.Warn("digest mismatch", "path", path, "attempt", mismatches, "error", err)
			if inv, ok := f.src.(invalidator); ok {
				if ierr := inv.Invalidate(actx, path); ierr != nil {
					f.logger.Debug("failed to invalidate shared cache", "path", path, "error", ierr)
				}
			}
			// 数据损坏只重试一次
			if mismatches > 1 {
				return backoff.Permanent(err)
			}
			return err
		}
		size = n
		return err
	})
	if err != nil {
		f.metrics.RecordFetchError(reason(err))
		return err
	}

	f.metrics.RecordDownload(h.Kind.String(), size, time.Since(start))
	f.logger.Debug("object downloaded", "path", path, "bytes", size, "duration", time.Since(start))
	return nil
}

// transfer 是一次下载尝试
// 字节先写入 txn/ 的临时文件，校验通过才提交，失败的尝试不会留下任何可见文件。
func (f *Fetcher) transfer(ctx context.Context, h types.ContentHash, path string, pin bool) (int64, error) {
	body, err := f.src.Get(ctx, path)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	st, err := f.cache.Stage()
	if err != nil {
		return 0, backoff.Permanent(err)
	}

	zr, err := zlib.NewReader(body)
	if err != nil {
		st.Abort()
		return 0, decompressError(path, err)
	}
	defer zr.Close()

	vw := core.NewVerifyingWriter(h)
	if _, err := io.Copy(io.MultiWriter(st, vw), zr); err != nil {
		st.Abort()
		return 0, decompressError(path, err)
	}
	if err := vw.Check(); err != nil {
		st.Abort()
		return 0, fmt.Errorf("%s: %w", path, err)
	}

	commit := st.Commit
	if pin {
		commit = st.CommitPinned
	}
	if err := commit(h); err != nil {
		return 0, backoff.Permanent(err)
	}
	return vw.Size(), nil
}

// decompressError 区分传输超时 (可重试) 和数据损坏
func decompressError(path string, err error) error {
	if isTimeout(err) {
		return err
	}
	return fmt.Errorf("%s: %w: decompression failed: %v", path, ErrDigestMismatch, err)
}

// retry 用指数退避执行 op；每次尝试都有自己的时限
func (f *Fetcher) retry(ctx context.Context, path string, op func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.opts.InitialBackoff
	b.MaxInterval = f.opts.MaxBackoff
	b.MaxElapsedTime = 0 // 由重试次数和 ctx 控制

	var lastErr error
	operation := func() error {
		actx, cancel := context.WithTimeout(ctx, f.opts.AttemptTimeout)
		defer cancel()

		err := op(actx)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return classify(err)
	}
	notify := func(err error, wait time.Duration) {
		f.metrics.RecordRetry()
		f.logger.Info("retrying fetch", "path", path, "in", wait, "error", err)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(b, f.opts.MaxRetries), ctx), notify)
	if err == nil {
		return nil
	}
	if lastErr == nil {
		lastErr = err
	}

	switch {
	case errors.Is(lastErr, ErrDigestMismatch), errors.Is(lastErr, ErrNotFound):
		return lastErr
	case isTimeout(lastErr) || ctx.Err() != nil:
		return fmt.Errorf("%w: %s: %v", ErrTimeout, path, lastErr)
	default:
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, path, lastErr)
	}
}

// classify 决定一个错误是否值得重试
func classify(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return err
	}
	if errors.Is(err, storage.ErrNotFound) {
		return backoff.Permanent(err)
	}
	var se *storage.StatusError
	if errors.As(err, &se) && !se.Transient() {
		return backoff.Permanent(err)
	}
	// 超时、5xx、连接错误、损坏 (第一次) 都可以重试
	return err
}

func isTimeout(err error) bool {
	if errors.Is(err, storage.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrDigestMismatch):
		return "digest_mismatch"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "unavailable"
	}
}

// detach 生成一个不随调用者取消、但有总时限的 ctx
func (f *Fetcher) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	total := f.opts.AttemptTimeout*time.Duration(f.opts.MaxRetries+1) + f.opts.MaxBackoff*time.Duration(f.opts.MaxRetries)
	return context.WithTimeout(context.WithoutCancel(ctx), total)
}

// discardCorrupt 删除缓存里摘要不对的对象
func (f *Fetcher) discardCorrupt(h types.ContentHash, verr error) {
	f.metrics.RecordDigestMismatch()
	f.logger.Error("cached object is corrupt, discarding", "hash", h.Key(), "error", verr)
	if err := f.cache.Remove(h); err != nil {
		f.logger.Warn("failed to discard corrupt object", "hash", h.Key(), "error", err)
	}
}

func checkKind(h types.ContentHash, expected types.Kind) error {
	if h.Kind != expected {
		return fmt.Errorf("%w: %s is a %s object, want %s", ErrTypeMismatch, h.Key(), h.Kind, expected)
	}
	return nil
}
