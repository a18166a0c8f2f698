package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cvfs/pkg/catalog"
	"cvfs/pkg/config"
	"cvfs/pkg/exporter"
	"cvfs/pkg/fetcher"
	"cvfs/pkg/history"
	"cvfs/pkg/manager"
	"cvfs/pkg/meta"
	"cvfs/pkg/metrics"
	"cvfs/pkg/objcache"
	"cvfs/pkg/refs"
	"cvfs/pkg/storage"
	"cvfs/pkg/storage/cache"
	"cvfs/pkg/storage/disk"
	"cvfs/pkg/storage/origin"
	"cvfs/pkg/storage/s3"
	"cvfs/pkg/trust"
	"cvfs/pkg/types"
	"cvfs/pkg/vfs"

	"github.com/prometheus/client_golang/prometheus"
)

// App 是一个挂载会话的依赖容器
// 缓存、fetcher、信任会话和 catalog manager 都归它所有，进程里没有隐式的全局状态。
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Collector

	Source   storage.Source
	Cache    *objcache.Cache
	Fetcher  *fetcher.Fetcher
	Session  *trust.Session
	State    trust.StateStore
	Manager  *manager.Manager
	Exporter *exporter.Exporter
	FS       *vfs.FS

	closers []func() error
}

// New 按配置组装整个客户端，不做任何网络访问
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a = &App{Config: cfg, Logger: logger, Registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	a.Metrics = metrics.New(a.Registry)

	// 1. 源站
	if a.Source, err = a.initSource(ctx); err != nil {
		return nil, err
	}

	// 2. 本地缓存和 fetcher
	a.Cache, err = objcache.Open(objcache.Options{
		Root:    cfg.Cache.Dir,
		Quota:   cfg.Cache.Quota,
		Logger:  logger,
		Metrics: a.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	a.closers = append(a.closers, a.Cache.Close)

	a.Fetcher, err = fetcher.New(fetcher.Options{
		Source:         a.Source,
		Cache:          a.Cache,
		MaxRetries:     cfg.Fetch.Retries,
		AttemptTimeout: cfg.Fetch.AttemptTimeout,
		Parallelism:    cfg.Fetch.Parallelism,
		Logger:         logger,
		Metrics:        a.Metrics,
	})
	if err != nil {
		return nil, err
	}

	// 3. 信任链
	verifier, err := newVerifier(cfg.Trust)
	if err != nil {
		return nil, err
	}
	if a.State, err = a.initStateStore(ctx); err != nil {
		return nil, err
	}
	a.Session, err = trust.NewSession(trust.SessionOptions{
		Repository: cfg.Repository.Name,
		Fetcher:    a.Fetcher,
		Verifier:   verifier,
		Store:      a.State,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	// 4. catalog manager 和上层接口
	repo := cfg.Repository.Name
	a.Manager, err = manager.New(manager.Options{
		Loader: catalog.NewLoader(a.Fetcher, logger),
		Trust:  a.Session,
		History: func(ctx context.Context, h types.ContentHash) (*history.History, error) {
			return history.Load(ctx, a.Fetcher, h, repo)
		},
		Tag:             cfg.Repository.Tag,
		MaxCatalogs:     cfg.Cache.MaxCatalogs,
		CaseInsensitive: cfg.Repository.CaseInsensitive,
		RetryInterval:   cfg.Fetch.RetryInterval,
		Logger:          logger,
		Metrics:         a.Metrics,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { a.Manager.Close(); return nil })

	a.Exporter = exporter.NewExporter(a.Manager, a.Fetcher)
	a.FS = vfs.New(a.Manager, a.Fetcher, logger)
	return a, nil
}

// Mount 恢复持久化的可信状态 (离线启动需要)，然后挂载最新版本
func (a *App) Mount(ctx context.Context) error {
	if _, err := a.Session.Restore(ctx); err != nil && !errors.Is(err, trust.ErrNoState) {
		a.Logger.Warn("persisted trusted state rejected, ignoring", "error", err)
	}
	return a.Manager.Mount(ctx)
}

// Close 逆序释放资源
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// initSource 选择源站实现，配置了 Redis 时在外面包一层共享缓存
func (a *App) initSource(ctx context.Context) (storage.Source, error) {
	cfg := a.Config
	var src storage.Source
	switch cfg.Repository.Source {
	case "http", "":
		o, err := origin.NewAdapter(origin.Config{
			BaseURL:        cfg.Repository.URL,
			ConnectTimeout: cfg.Fetch.ConnectTimeout,
			ReadTimeout:    cfg.Fetch.ReadTimeout,
		})
		if err != nil {
			return nil, err
		}
		src = o
	default:
		st, err := initStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		src = st
	}

	if cfg.Redis.URL == "" {
		return src, nil
	}
	cached, err := cache.NewCachedSource(src, cache.Config{
		RedisURL:      cfg.Redis.URL,
		TTL:           cfg.Redis.TTL,
		MaxObjectSize: cfg.Redis.MaxObjectSize,
		Logger:        a.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init redis tier: %w", err)
	}
	a.closers = append(a.closers, cached.Close)
	return cached, nil
}

// initStore 返回可写的仓库存储 (本地目录或 S3)，发布端和 disk/s3 源共用
func initStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Repository.Source {
	case "disk":
		if cfg.Repository.Path == "" {
			return nil, errors.New("repository path is required for the disk source")
		}
		return disk.NewAdapter(cfg.Repository.Path)
	case "s3":
		return s3.NewAdapter(ctx, s3.Config{
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			AccessKeyID:     cfg.S3.AccessKey,
			SecretAccessKey: cfg.S3.SecretKey,
		})
	default:
		return nil, fmt.Errorf("unsupported storage type: %q", cfg.Repository.Source)
	}
}

// OpenStore 供发布命令使用，S3 上缺少 bucket 时自动创建
func OpenStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.Repository.Source == "s3" {
		return s3.NewAdapter(ctx, s3.Config{
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			AccessKeyID:     cfg.S3.AccessKey,
			SecretAccessKey: cfg.S3.SecretKey,
			CreateBucket:    true,
		})
	}
	return initStore(ctx, cfg)
}

// initStateStore 可信状态存在本地文件或数据库里
func (a *App) initStateStore(ctx context.Context) (trust.StateStore, error) {
	st := a.Config.State
	switch st.Backend {
	case "file", "":
		return refs.NewManager(st.Dir), nil
	case "sqlite", "postgres":
		db, err := meta.NewDB(ctx, meta.Config{
			Driver:   st.Backend,
			Host:     st.Database.Host,
			Port:     st.Database.Port,
			User:     st.Database.User,
			Password: st.Database.Password,
			DBName:   st.Database.DBName,
			SSLMode:  st.Database.SSLMode,
			Path:     st.Database.Path,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		return meta.NewRepository(db), nil
	default:
		return nil, fmt.Errorf("unsupported state backend: %q", st.Backend)
	}
}

func newVerifier(cfg config.TrustConfig) (*trust.Verifier, error) {
	keys, err := trust.LoadPublicKeys(cfg.Keys...)
	if err != nil {
		return nil, fmt.Errorf("failed to load repository keys: %w", err)
	}
	var bl *trust.Blacklist
	if cfg.Blacklist != "" {
		if bl, err = trust.LoadBlacklist(cfg.Blacklist); err != nil {
			return nil, err
		}
	}
	return trust.NewVerifier(trust.VerifierOptions{MasterKeys: keys, Blacklist: bl}), nil
}
