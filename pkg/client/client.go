package client

import (
	"fmt"

	"cvfs/pkg/service"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ControlClient 封装了与 cvfsd 控制 socket 的连接
type ControlClient struct {
	conn *grpc.ClientConn

	*service.ControlClient
}

// NewControlClient 创建客户端
// 不等待连接就绪，socket 不存在时在第一次调用时报错
func NewControlClient(socketPath string, extra ...grpc.DialOption) (*ControlClient, error) {
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, extra...)

	conn, err := grpc.NewClient("unix://"+socketPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", socketPath, err)
	}
	return &ControlClient{
		conn:          conn,
		ControlClient: service.NewControlClient(conn),
	}, nil
}

// Close 关闭底层连接
func (c *ControlClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
