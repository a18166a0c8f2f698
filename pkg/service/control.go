package service

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"buf.build/go/protovalidate"

	"cvfs/pkg/app"
	"cvfs/pkg/core"
	"cvfs/pkg/fetcher"
	"cvfs/pkg/manager"
	"cvfs/pkg/objcache"
	"cvfs/pkg/trust"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ControlService 实现守护进程的控制接口 (状态查询、强制刷新、缓存维护)
type ControlService struct {
	app       *app.App
	validator protovalidate.Validator
}

func NewControlService(application *app.App) *ControlService {
	v, err := protovalidate.New()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize validator: %v", err))
	}
	return &ControlService{app: application, validator: v}
}

var _ ControlServer = (*ControlService)(nil)

func (s *ControlService) validate(req proto.Message) error {
	if err := s.validator.Validate(req); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}

// Status 返回挂载状态
func (s *ControlService) Status(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	info, err := s.app.Manager.Info()
	if err != nil {
		return nil, toStatus(err)
	}

	fields := map[string]any{
		"repository":       s.app.Session.Repository(),
		"revision":         info.Revision,
		"generation":       info.Generation,
		"root_catalog":     info.Root.String(),
		"tag":              info.Tag,
		"mounted_at":       info.MountedAt.UTC().Format(time.RFC3339),
		"resident":         info.Resident,
		"live_generations": info.LiveGenerations,
		"handles":          info.Handles,
		"open_files":       s.app.FS.OpenFiles(),
	}
	if st := info.State; st != nil {
		fields["manifest_revision"] = st.Manifest.Revision
		fields["ttl_seconds"] = int64(st.Manifest.TTL / time.Second)
		fields["verified_at"] = st.VerifiedAt.UTC().Format(time.RFC3339)
		fields["whitelist_expires"] = st.Whitelist.Expires.UTC().Format(time.RFC3339)
		if !st.LastSnapshot.IsZero() {
			fields["last_snapshot"] = st.LastSnapshot.UTC().Format(time.RFC3339)
		}
	}
	return newStruct(fields)
}

// Refresh 立即检查新版本
func (s *ControlService) Refresh(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	changed, err := s.app.Manager.Refresh(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	info, err := s.app.Manager.Info()
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{
		"changed":  changed,
		"revision": info.Revision,
	})
}

// Resolve 解析一个路径，返回目录项
func (s *ControlService) Resolve(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	p := req.GetValue()
	if !path.IsAbs(p) {
		return nil, status.Errorf(codes.InvalidArgument, "path must be absolute: %q", p)
	}

	e, err := s.app.Manager.Resolve(ctx, p)
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(entryFields(e))
}

// CacheStats 返回本地缓存使用情况
func (s *ControlService) CacheStats(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	return newStruct(statsFields(s.app.Cache.Stats()))
}

// Cleanup 把缓存收缩到 target 字节以下 (target <= 0 表示清空未固定的对象)
func (s *ControlService) Cleanup(ctx context.Context, req *wrapperspb.Int64Value) (*structpb.Struct, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	target := req.GetValue()
	if target < 0 {
		target = 0
	}
	freed, err := s.app.Cache.Cleanup(target)
	if err != nil && !errors.Is(err, objcache.ErrQuotaPinned) {
		return nil, toStatus(err)
	}
	fields := statsFields(s.app.Cache.Stats())
	fields["freed"] = freed
	fields["complete"] = err == nil
	return newStruct(fields)
}

// Revision 返回当前挂载的版本号
func (s *ControlService) Revision(ctx context.Context, req *emptypb.Empty) (*wrapperspb.UInt64Value, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	info, err := s.app.Manager.Info()
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.UInt64(info.Revision), nil
}

func entryFields(e *core.DirectoryEntry) map[string]any {
	fields := map[string]any{
		"path":  e.Path,
		"kind":  e.Kind.String(),
		"mode":  e.FileMode().String(),
		"size":  e.Size,
		"mtime": time.Unix(e.Mtime, 0).UTC().Format(time.RFC3339),
		"uid":   e.UID,
		"gid":   e.GID,
	}
	if !e.Hash.IsZero() {
		fields["hash"] = e.Hash.String()
	}
	if e.IsSymlink() {
		fields["symlink"] = e.Symlink
	}
	if e.IsChunked() {
		fields["chunks"] = len(e.Chunks)
	}
	return fields
}

func statsFields(st objcache.Stats) map[string]any {
	return map[string]any{
		"entries": st.Entries,
		"bytes":   st.Bytes,
		"pinned":  st.Pinned,
		"quota":   st.Quota,
	}
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

// toStatus 把领域错误映射为 gRPC 状态码
func toStatus(err error) error {
	switch {
	case errors.Is(err, manager.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, manager.ErrNotDir):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, manager.ErrNotMounted):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, manager.ErrStale):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, trust.ErrTrust):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, fetcher.ErrUnavailable), errors.Is(err, fetcher.ErrTimeout):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Errorf(codes.Internal, "%v", err)
	}
}
