// pkg/types/common.go
package types

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidHash = errors.New("invalid content hash")

// Hash 代表对象摘要的十六进制字符串 (SHA-1 / RIPEMD-160 都是 20 字节 = 40 个字符)
// 这是一个“值对象”，应当是不可变的。
type Hash string

const HexLen = 40

func (h Hash) String() string { return string(h) }

// 验证 Hash 合法性
func (h Hash) IsZero() bool { return h == "" }
func (h Hash) IsValid() bool {
	if len(h) != HexLen {
		return false
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// Algorithm 摘要算法
type Algorithm uint8

const (
	SHA1 Algorithm = iota
	RMD160
)

func (a Algorithm) String() string {
	switch a {
	case SHA1:
		return "sha1"
	case RMD160:
		return "rmd160"
	default:
		return fmt.Sprintf("algo(%d)", uint8(a))
	}
}

// Suffix 是算法在 hash 字符串中的后缀，SHA-1 作为默认算法没有后缀
func (a Algorithm) Suffix() string {
	if a == RMD160 {
		return "-rmd160"
	}
	return ""
}

// Kind 是对象的类型标签，决定了对象路径上的后缀字母
type Kind uint8

const (
	KindRegular Kind = iota
	KindCatalog
	KindChunk
	KindCertificate
	KindHistory
)

func (k Kind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindCatalog:
		return "catalog"
	case KindChunk:
		return "chunk"
	case KindCertificate:
		return "certificate"
	case KindHistory:
		return "history"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Suffix 对象路径后缀: data/ab/cdef...C
func (k Kind) Suffix() string {
	switch k {
	case KindCatalog:
		return "C"
	case KindChunk:
		return "P"
	case KindCertificate:
		return "X"
	case KindHistory:
		return "H"
	default:
		return ""
	}
}

func kindFromSuffix(s string) (Kind, bool) {
	switch s {
	case "":
		return KindRegular, true
	case "C":
		return KindCatalog, true
	case "P":
		return KindChunk, true
	case "X":
		return KindCertificate, true
	case "H":
		return KindHistory, true
	}
	return 0, false
}

// ContentHash = 摘要 + 算法 + 类型标签
// 同一个 ContentHash 永远指向同一份字节 (不可变)。
type ContentHash struct {
	Digest Hash      `cbor:"d"`
	Algo   Algorithm `cbor:"a"`
	Kind   Kind      `cbor:"k"`
}

// NewContentHash 使用默认算法 (SHA-1) 构造
func NewContentHash(digest Hash, kind Kind) ContentHash {
	return ContentHash{Digest: digest, Algo: SHA1, Kind: kind}
}

// ParseContentHash 解析 manifest/catalog 中出现的 hash 字符串
// 形如 "3f786850e387550fdab836ed7e6dc881de23001b" 或 "...-rmd160"
func ParseContentHash(s string, kind Kind) (ContentHash, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	algo := SHA1
	if strings.HasSuffix(s, RMD160.Suffix()) {
		algo = RMD160
		s = strings.TrimSuffix(s, RMD160.Suffix())
	}
	h := Hash(s)
	if !h.IsValid() {
		return ContentHash{}, fmt.Errorf("%w: %q", ErrInvalidHash, s)
	}
	return ContentHash{Digest: h, Algo: algo, Kind: kind}, nil
}

// ParseFileName 是 FileName 的逆操作，用于扫描缓存目录重建索引
func ParseFileName(name string) (ContentHash, error) {
	if len(name) < HexLen {
		return ContentHash{}, fmt.Errorf("%w: %q", ErrInvalidHash, name)
	}
	h := Hash(name[:HexLen])
	if !h.IsValid() {
		return ContentHash{}, fmt.Errorf("%w: %q", ErrInvalidHash, name)
	}
	rest := name[HexLen:]
	algo := SHA1
	if strings.HasPrefix(rest, RMD160.Suffix()) {
		algo = RMD160
		rest = rest[len(RMD160.Suffix()):]
	}
	kind, ok := kindFromSuffix(rest)
	if !ok {
		return ContentHash{}, fmt.Errorf("%w: unknown suffix in %q", ErrInvalidHash, name)
	}
	return ContentHash{Digest: h, Algo: algo, Kind: kind}, nil
}

func (c ContentHash) IsZero() bool { return c.Digest.IsZero() }

// String 返回带算法后缀的 hash (不含类型后缀)
func (c ContentHash) String() string { return string(c.Digest) + c.Algo.Suffix() }

// FileName 是对象在缓存中的文件名: 完整 hash + 算法后缀 + 类型后缀
func (c ContentHash) FileName() string { return c.String() + c.Kind.Suffix() }

// Key 用作 map / singleflight 的键
func (c ContentHash) Key() string { return c.FileName() }

// ObjectPath 返回仓库内的请求路径
// Example: "aabbcc...", catalog -> "data/aa/bbcc...C"
func (c ContentHash) ObjectPath() string {
	d := string(c.Digest)
	if len(d) < 2 {
		return "data/" + d
	}
	return "data/" + d[:2] + "/" + d[2:] + c.Algo.Suffix() + c.Kind.Suffix()
}

// WithKind 返回同一摘要的另一种类型标签
func (c ContentHash) WithKind(k Kind) ContentHash {
	c.Kind = k
	return c
}

// Shard 返回前两位十六进制字符，用于缓存目录分片
func (c ContentHash) Shard() string {
	if len(c.Digest) < 2 {
		return "00"
	}
	return string(c.Digest[:2])
}
