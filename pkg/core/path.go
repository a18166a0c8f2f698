package core

import (
	"crypto/md5"
	"encoding/binary"
	"path"
	"strings"
)

// PathHash 是路径 MD5 拆成的两个小端 int64 (catalog 表的主键)
type PathHash struct {
	P1 int64
	P2 int64
}

// CleanPath 规范化为以 "/" 开头的绝对路径，根目录为 "/"
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}

// CatalogKey 返回 catalog 内部使用的路径形式：根目录是空字符串
func CatalogKey(p string) string {
	p = CleanPath(p)
	if p == "/" {
		return ""
	}
	return p
}

// SplitMD5 计算路径的 MD5 并拆分
func SplitMD5(p string) PathHash {
	sum := md5.Sum([]byte(CatalogKey(p)))
	return PathHash{
		P1: int64(binary.LittleEndian.Uint64(sum[0:8])),
		P2: int64(binary.LittleEndian.Uint64(sum[8:16])),
	}
}

// Segments 拆分路径，根目录返回空切片
func Segments(p string) []string {
	key := CatalogKey(p)
	if key == "" {
		return nil
	}
	return strings.Split(key[1:], "/")
}

// JoinPath 拼接父目录与名字
func JoinPath(parent, name string) string {
	if parent == "" || parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// ParentPath 返回父目录，根目录的父目录仍是根
func ParentPath(p string) string {
	return path.Dir(CleanPath(p))
}

// HasPathPrefix 判断 p 是否位于 prefix 之下 (按路径分量，而不是字符串前缀)
// "/a/bc" 不在 "/a/b" 之下
func HasPathPrefix(p, prefix string) bool {
	p, prefix = CatalogKey(p), CatalogKey(prefix)
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(p, prefix) {
		return false
	}
	return len(p) == len(prefix) || p[len(prefix)] == '/'
}
