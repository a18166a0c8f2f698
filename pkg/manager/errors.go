package manager

import (
	"errors"
	"syscall"
)

var (
	ErrNotFound   = errors.New("no such file or directory")
	ErrNotDir     = errors.New("not a directory")
	ErrStale      = errors.New("stale handle")
	ErrIO         = errors.New("input/output error")
	ErrNotMounted = errors.New("repository not mounted")
)

// Errno 把内部错误映射为文件系统适配层使用的错误码
// 内部错误类型不会越过这一层。
func Errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, ErrNotDir):
		return syscall.ENOTDIR
	case errors.Is(err, ErrStale):
		return syscall.ESTALE
	default:
		return syscall.EIO
	}
}
