package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"cvfs/pkg/storage"
)

// Config 用于初始化 HTTP 源站适配器
type Config struct {
	BaseURL string // http://stratum1.example.org/cvmfs/repo.example.org

	// ConnectTimeout 建立 TCP/TLS 连接的超时
	ConnectTimeout time.Duration
	// ReadTimeout 等待响应头以及两次 Read 之间的最大空闲时间
	ReadTimeout time.Duration

	UserAgent string
}

// Adapter 通过普通 HTTP GET 读取仓库对象，实现 storage.Source
type Adapter struct {
	client      *http.Client
	baseURL     string
	readTimeout time.Duration
	userAgent   string
}

func NewAdapter(cfg Config) (*Adapter, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("origin base url is required")
	}
	if !strings.HasPrefix(cfg.BaseURL, "http://") && !strings.HasPrefix(cfg.BaseURL, "https://") {
		return nil, fmt.Errorf("unsupported origin url %q", cfg.BaseURL)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 20 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "cvfs"
	}

	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		// 对象本身已经是 zlib 压缩的，不需要传输层再压一次
		DisableCompression: true,
	}

	return &Adapter{
		client:      &http.Client{Transport: transport},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		readTimeout: cfg.ReadTimeout,
		userAgent:   cfg.UserAgent,
	}, nil
}

func (a *Adapter) url(path string) string {
	return a.baseURL + "/" + strings.TrimLeft(path, "/")
}

// Get 执行一次 GET (不重试，重试策略属于 fetcher)
func (a *Adapter) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url(path), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("User-Agent", a.userAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		cancel()
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: %v", storage.ErrTimeout, err)
		}
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		drain(resp.Body)
		cancel()
		return nil, storage.ErrNotFound
	default:
		drain(resp.Body)
		cancel()
		return nil, &storage.StatusError{Code: resp.StatusCode, Path: path}
	}

	return newIdleReader(resp.Body, cancel, a.readTimeout), nil
}

func drain(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, 4096))
	body.Close()
}

// idleReader 在两次 Read 之间施加空闲超时
// 超时后取消请求的 context，Read 返回 storage.ErrTimeout
type idleReader struct {
	body     io.ReadCloser
	cancel   context.CancelFunc
	timer    *time.Timer
	timeout  time.Duration
	timedOut atomic.Bool
}

func newIdleReader(body io.ReadCloser, cancel context.CancelFunc, timeout time.Duration) *idleReader {
	r := &idleReader{body: body, cancel: cancel, timeout: timeout}
	r.timer = time.AfterFunc(timeout, func() {
		r.timedOut.Store(true)
		cancel()
	})
	return r
}

func (r *idleReader) Read(p []byte) (int, error) {
	r.timer.Reset(r.timeout)
	n, err := r.body.Read(p)
	if err != nil && err != io.EOF && r.timedOut.Load() {
		return n, fmt.Errorf("%w: read idle for %s", storage.ErrTimeout, r.timeout)
	}
	return n, err
}

func (r *idleReader) Close() error {
	r.timer.Stop()
	err := r.body.Close()
	r.cancel()
	return err
}
