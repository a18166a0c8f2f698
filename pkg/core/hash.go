package core

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"

	"cvfs/pkg/types"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/ripemd160"
)

var ErrDigestMismatch = errors.New("digest mismatch")

// 本地持久化结构 (缓存索引等) 统一使用确定性的 CBOR 编码
var encOptions = cbor.EncOptions{
	// 1. 强制 Map Key 排序 (Canonical)
	Sort: cbor.SortCanonical,

	// 2. 浮点数必须使用64位表示
	ShortestFloat: cbor.ShortestFloatNone,

	// 3. 时间格式化为 Unix 整数
	Time:    cbor.TimeUnix,
	TimeTag: cbor.EncTagNone,

	// 4. 禁止不定长编码
	IndefLength: cbor.IndefLengthForbidden,

	BigIntConvert: cbor.BigIntConvertShortest,
}

// 全局复用的编码模式
var em, _ = encOptions.EncMode()

var decOptions = cbor.DecOptions{
	// --- 安全性配置 (防 DoS 攻击) ---
	// 缓存索引可能有几十万条记录，数组上限要放宽
	MaxArrayElements: 4 * 1024 * 1024,
	MaxMapPairs:      4 * 1024 * 1024,
	MaxNestedLevels:  16,

	IndefLength: cbor.IndefLengthForbidden,
	DupMapKey:   cbor.DupMapKeyEnforcedAPF,
	BignumTag:   cbor.BignumTagForbidden,
	TimeTag:     cbor.DecTagIgnored,
}

var dm, _ = decOptions.DecMode()

// EncodeObject 使用确定性 CBOR 编码
func EncodeObject(v any) ([]byte, error) {
	data, err := em.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal object: %w", err)
	}
	return data, nil
}

// DecodeObject 通用的解码函数 (供外部使用)
func DecodeObject(data []byte, v any) error {
	return dm.Unmarshal(data, v)
}

// NewHasher 返回算法对应的 hash.Hash
func NewHasher(algo types.Algorithm) hash.Hash {
	if algo == types.RMD160 {
		return ripemd160.New()
	}
	return sha1.New()
}

// CalculateHash 计算原始数据的摘要
func CalculateHash(algo types.Algorithm, data []byte) types.Hash {
	h := NewHasher(algo)
	h.Write(data)
	return types.Hash(hex.EncodeToString(h.Sum(nil)))
}

// VerifyBytes 校验 data 的摘要是否与 expected 一致
func VerifyBytes(expected types.ContentHash, data []byte) error {
	got := CalculateHash(expected.Algo, data)
	if got != expected.Digest {
		return fmt.Errorf("%w: want %s, got %s", ErrDigestMismatch, expected.Digest, got)
	}
	return nil
}

// VerifyingWriter 在流式写入的同时计算摘要
// 典型用法: io.Copy(io.MultiWriter(staging, vw), body); vw.Check()
type VerifyingWriter struct {
	expected types.ContentHash
	h        hash.Hash
	n        int64
}

func NewVerifyingWriter(expected types.ContentHash) *VerifyingWriter {
	return &VerifyingWriter{expected: expected, h: NewHasher(expected.Algo)}
}

func (v *VerifyingWriter) Write(p []byte) (int, error) {
	n, _ := v.h.Write(p)
	v.n += int64(n)
	return n, nil
}

// Size 已写入的字节数
func (v *VerifyingWriter) Size() int64 { return v.n }

// Check 比对最终摘要
func (v *VerifyingWriter) Check() error {
	got := types.Hash(hex.EncodeToString(v.h.Sum(nil)))
	if got != v.expected.Digest {
		return fmt.Errorf("%w: want %s, got %s", ErrDigestMismatch, v.expected.Digest, got)
	}
	return nil
}

// VerifyReader 读完 r 并校验摘要
func VerifyReader(expected types.ContentHash, r io.Reader) error {
	vw := NewVerifyingWriter(expected)
	if _, err := io.Copy(vw, r); err != nil {
		return err
	}
	return vw.Check()
}
