package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"cvfs/pkg/storage"

	"github.com/redis/go-redis/v9"
)

// CachedSource 是一个装饰器，它为底层的 storage.Source 添加 Redis 共享缓存层
// 同一机房的多个客户端共享一份小对象 (catalog、证书) 缓存，减少回源。
type CachedSource struct {
	backend storage.Source // 被装饰的底层源站 (如 HTTP / S3)
	client  *redis.Client
	ttl     time.Duration
	maxSize int64
	logger  *slog.Logger
}

type Config struct {
	RedisURL string        // 标准连接字符串: redis://<user>:<password>@<host>:<port>/<db>
	TTL      time.Duration // 过期时间
	// MaxObjectSize 超过这个大小的对象不进 Redis (大文件直接穿透)
	MaxObjectSize int64
	Logger        *slog.Logger
}

const defaultMaxObjectSize = 4 << 20

func NewCachedSource(backend storage.Source, cfg Config) (*CachedSource, error) {
	// 解析 URL
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Fail-fast 连接检查
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if cfg.MaxObjectSize <= 0 {
		cfg.MaxObjectSize = defaultMaxObjectSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &CachedSource{
		backend: backend,
		client:  client,
		ttl:     cfg.TTL,
		maxSize: cfg.MaxObjectSize,
		logger:  cfg.Logger,
	}, nil
}

// cacheKey 生成 Redis Key，添加前缀防止冲突
func (s *CachedSource) cacheKey(path string) string {
	return "cvfs:obj:" + path
}

// Get 优先查 Redis
// 只缓存 data/ 下的内容寻址对象；manifest 等根文件是可变的，必须回源。
func (s *CachedSource) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	if !storage.IsImmutable(path) {
		return s.backend.Get(ctx, path)
	}
	key := s.cacheKey(path)

	// 1. 查 Redis
	data, err := s.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		// Cache Hit! 无需回源
		return io.NopCloser(bytes.NewReader(data)), nil
	case errors.Is(err, redis.Nil):
		// Cache Miss
	default:
		// 缓存故障降级：Redis 挂了就退化为无缓存模式，直接回源
		s.logger.Warn("redis get failed, falling back to origin", "path", path, "error", err)
	}

	// 2. 回源
	body, err := s.backend.Get(ctx, path)
	if err != nil {
		return nil, err
	}

	// 3. 读取前 maxSize+1 字节，判断是否可以进缓存
	head, err := io.ReadAll(io.LimitReader(body, s.maxSize+1))
	if err != nil {
		body.Close()
		return nil, err
	}
	if int64(len(head)) > s.maxSize {
		// 大对象：把已读部分和剩余部分拼回去，直接透传
		return &joinedReader{Reader: io.MultiReader(bytes.NewReader(head), body), closer: body}, nil
	}
	body.Close()

	// 4. 缓存回填 (Cache Fill)
	// 异步写入 Redis，不阻塞主流程。
	// 注意：写入的是源站原样的字节，完整性仍由 fetcher 的摘要校验保证。
	go func() {
		fillCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.client.Set(fillCtx, key, head, s.ttl).Err(); err != nil {
			s.logger.Debug("redis backfill failed", "path", path, "error", err)
		}
	}()

	return io.NopCloser(bytes.NewReader(head)), nil
}

// Invalidate 删除一个缓存对象 (摘要校验失败时由 fetcher 调用)
func (s *CachedSource) Invalidate(ctx context.Context, path string) error {
	return s.client.Del(ctx, s.cacheKey(path)).Err()
}

func (s *CachedSource) Close() error {
	return s.client.Close()
}

type joinedReader struct {
	io.Reader
	closer io.Closer
}

func (j *joinedReader) Close() error { return j.closer.Close() }
