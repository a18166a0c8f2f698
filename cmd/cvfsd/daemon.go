package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"cvfs/pkg/app"
	"cvfs/pkg/config"
	"cvfs/pkg/metrics"
	"cvfs/pkg/server"
	"cvfs/pkg/service"
	"cvfs/pkg/vfs/fusefs"

	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const shutdownTimeout = 10 * time.Second

// daemon 持有一次挂载会话的全部服务
type daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	app    *app.App

	control    *grpc.Server
	controlLis net.Listener
	metricsSrv *http.Server
	metricsLis net.Listener
	fuse       *fuse.Server

	stopping atomic.Bool
}

// newDaemon 挂载仓库并打开所有监听
// 1. 组装 App，挂载最新 (或离线恢复的) 版本
// 2. 控制 socket
// 3. 指标端口 (可选)
// 4. FUSE 挂载 (配置了挂载点时)
func newDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) (d *daemon, err error) {
	d = &daemon{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	if d.app, err = app.New(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if err = d.app.Mount(ctx); err != nil {
		return nil, fmt.Errorf("failed to mount %s: %w", cfg.Repository.Name, err)
	}
	info, _ := d.app.Manager.Info()
	logger.Info("repository ready", "repository", cfg.Repository.Name, "revision", info.Revision)

	d.control = server.New(logger)
	service.RegisterControlServer(d.control, service.NewControlService(d.app))
	if d.controlLis, err = server.ListenUnix(cfg.Control.Socket); err != nil {
		return nil, err
	}

	if cfg.Metrics.Listen != "" {
		if d.metricsLis, err = net.Listen("tcp", cfg.Metrics.Listen); err != nil {
			return nil, fmt.Errorf("failed to listen for metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(d.app.Registry))
		d.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	if cfg.Mount.Mountpoint != "" {
		d.fuse, err = fusefs.Mount(fusefs.Options{
			Mountpoint: cfg.Mount.Mountpoint,
			FS:         d.app.FS,
			FsName:     cfg.Repository.Name,
			AllowOther: cfg.Mount.AllowOther,
			Debug:      cfg.Mount.Debug,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
	}
	return d, nil
}

// serve 运行到 ctx 取消或任一服务失败
func (d *daemon) serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.logger.Info("control socket listening", "socket", d.cfg.Control.Socket)
		return d.control.Serve(d.controlLis)
	})
	if d.metricsSrv != nil {
		g.Go(func() error {
			d.logger.Info("metrics listening", "addr", d.metricsLis.Addr().String())
			if err := d.metricsSrv.Serve(d.metricsLis); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	if d.fuse != nil {
		g.Go(func() error {
			// 外部 umount 时 Wait 返回
			d.fuse.Wait()
			if d.stopping.Load() {
				return nil
			}
			return errors.New("filesystem was unmounted externally")
		})
	}
	g.Go(func() error {
		if err := d.app.Manager.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	// 关闭顺序: 先卸载文件系统，再停控制和指标服务
	g.Go(func() error {
		<-ctx.Done()
		d.logger.Info("shutting down")
		d.shutdown()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, grpc.ErrServerStopped) {
		err = nil
	}
	return err
}

func (d *daemon) shutdown() {
	d.stopping.Store(true)
	if d.fuse != nil {
		if err := d.fuse.Unmount(); err != nil {
			d.logger.Warn("unmount failed", "error", err)
		}
	}
	if d.control != nil {
		d.control.GracefulStop()
	}
	if d.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		d.metricsSrv.Shutdown(ctx)
	}
}

// close 释放监听和 App (缓存索引落盘、关闭状态库)
// serve 之后再调用是安全的，重复关闭的错误被忽略。
func (d *daemon) close() {
	if d.fuse != nil && !d.stopping.Load() {
		d.fuse.Unmount()
	}
	if d.controlLis != nil {
		d.controlLis.Close()
	}
	if d.metricsLis != nil {
		d.metricsLis.Close()
	}
	if d.app != nil {
		if err := d.app.Close(); err != nil {
			d.logger.Warn("close failed", "error", err)
		}
	}
}
