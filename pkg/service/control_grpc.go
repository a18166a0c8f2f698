package service

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// 控制接口只用 protobuf 的 well-known types 作为消息，
// 所以这里直接手写 ServiceDesc，不需要 protoc 生成代码。
const ControlServiceName = "cvfs.control.v1.Control"

const (
	methodStatus     = "Status"
	methodRefresh    = "Refresh"
	methodResolve    = "Resolve"
	methodCacheStats = "CacheStats"
	methodCleanup    = "Cleanup"
	methodRevision   = "Revision"
)

// ControlServer 是守护进程一侧的控制接口
type ControlServer interface {
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Refresh(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Resolve(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	CacheStats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Cleanup(context.Context, *wrapperspb.Int64Value) (*structpb.Struct, error)
	Revision(context.Context, *emptypb.Empty) (*wrapperspb.UInt64Value, error)
}

// unaryMethod 把一个类型化的方法适配成 grpc.MethodDesc
func unaryMethod[Req proto.Message, Resp any](name string, newReq func() Req, call func(ControlServer, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ControlServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func newEmpty() *emptypb.Empty { return &emptypb.Empty{} }

// ControlServiceDesc 描述 cvfs.control.v1.Control
var ControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ControlServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(methodStatus, newEmpty, ControlServer.Status),
		unaryMethod(methodRefresh, newEmpty, ControlServer.Refresh),
		unaryMethod(methodResolve, func() *wrapperspb.StringValue { return &wrapperspb.StringValue{} }, ControlServer.Resolve),
		unaryMethod(methodCacheStats, newEmpty, ControlServer.CacheStats),
		unaryMethod(methodCleanup, func() *wrapperspb.Int64Value { return &wrapperspb.Int64Value{} }, ControlServer.Cleanup),
		unaryMethod(methodRevision, newEmpty, ControlServer.Revision),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cvfs/control/v1/control.proto",
}

// RegisterControlServer 注册控制服务
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ControlServiceDesc, srv)
}

// ControlClient 是控制接口的客户端存根
type ControlClient struct {
	cc grpc.ClientConnInterface
}

func NewControlClient(cc grpc.ClientConnInterface) *ControlClient {
	return &ControlClient{cc: cc}
}

func invoke[Resp any, PResp interface {
	*Resp
	proto.Message
}](ctx context.Context, cc grpc.ClientConnInterface, method string, in proto.Message, opts ...grpc.CallOption) (PResp, error) {
	out := PResp(new(Resp))
	if err := cc.Invoke(ctx, "/"+ControlServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ControlClient) Status(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, methodStatus, &emptypb.Empty{}, opts...)
}

func (c *ControlClient) Refresh(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, methodRefresh, &emptypb.Empty{}, opts...)
}

func (c *ControlClient) Resolve(ctx context.Context, path string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, methodResolve, wrapperspb.String(path), opts...)
}

func (c *ControlClient) CacheStats(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, methodCacheStats, &emptypb.Empty{}, opts...)
}

func (c *ControlClient) Cleanup(ctx context.Context, target int64, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, methodCleanup, wrapperspb.Int64(target), opts...)
}

func (c *ControlClient) Revision(ctx context.Context, opts ...grpc.CallOption) (uint64, error) {
	out, err := invoke[wrapperspb.UInt64Value](ctx, c.cc, methodRevision, &emptypb.Empty{}, opts...)
	if err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}
