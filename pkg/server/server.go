package server

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
)

// New 创建带日志和 recovery 拦截器的 gRPC 服务器
func New(logger *slog.Logger) *grpc.Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "control")
	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			UnaryRecoveryInterceptor(logger),
			UnaryLoggingInterceptor(logger),
		),
	)
	// grpcurl 调试用
	reflection.Register(s)
	return s
}

// ListenUnix 在控制 socket 上监听
// 1. 创建父目录
// 2. 删除上次运行残留的 socket 文件 (只删 socket，不碰普通文件)
// 3. 权限收紧到当前用户
func ListenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create socket dir: %w", err)
	}
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&fs.ModeSocket == 0 {
			return nil, fmt.Errorf("control socket path %s exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		lis.Close()
		return nil, err
	}
	return lis, nil
}
