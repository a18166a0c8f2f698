package chunker

import (
	"fmt"
	"math"
	"math/bits"
)

// 默认分块参数 (单位: 字节)，与仓库常用的 4/8/16 MiB 一致
const (
	MinSize   = 4 << 20
	AvgSize   = 8 << 20
	MaxSize   = 16 << 20
	NormLevel = 2
)

// Config 分块大小
type Config struct {
	Min int
	Avg int
	Max int
}

// DefaultConfig 返回默认的分块大小
func DefaultConfig() Config {
	return Config{Min: MinSize, Avg: AvgSize, Max: MaxSize}
}

func (c Config) validate() error {
	if c.Min <= 0 || c.Avg < c.Min || c.Max < c.Avg {
		return fmt.Errorf("invalid chunk sizes min=%d avg=%d max=%d", c.Min, c.Avg, c.Max)
	}
	return nil
}

// Chunker 是无状态的 FastCDC 切分器
type Chunker struct {
	cfg   Config
	maskS uint64
	maskL uint64
}

// NewChunker 使用默认大小
func NewChunker() *Chunker {
	c, _ := New(DefaultConfig())
	return c
}

// New 按给定大小创建切分器
func New(cfg Config) (*Chunker, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	b := int(math.Round(math.Log2(float64(cfg.Avg))))
	return &Chunker{
		cfg:   cfg,
		maskS: uint64(1<<(b+NormLevel)) - 1,
		maskL: uint64(1<<max(b-NormLevel, 1)) - 1,
	}, nil
}

// Config 返回切分器使用的大小
func (c *Chunker) Config() Config { return c.cfg }

// Cut 返回每个块的结束 offset，最后一个总是 len(data)
// 空数据返回 nil。
func (c *Chunker) Cut(data []byte) []int {
	var cutPoints []int
	offset := 0
	n := len(data)

	for offset < n {
		// 1. 剩余不足最小块，作为尾块
		if n-offset <= c.cfg.Min {
			return append(cutPoints, n)
		}

		fp := uint64(0)
		idx := offset + c.cfg.Min
		normLimit := min(offset+c.cfg.Avg, n)
		maxLimit := min(offset+c.cfg.Max, n)

		scan := func(limit int, mask uint64) bool {
			for ; idx < limit; idx++ {
				fp = (fp << 1) + gearTable[data[idx]]
				if (fp & mask) == 0 {
					cutPoints = append(cutPoints, idx+1)
					offset = idx + 1
					return true
				}
			}
			return false
		}

		// 2. 归一化区域 (严掩码)
		if scan(normLimit, c.maskS) {
			continue
		}
		// 3. 普通区域 (宽掩码)
		if scan(maxLimit, c.maskL) {
			continue
		}
		// 4. 强制切分
		cutPoints = append(cutPoints, maxLimit)
		offset = maxLimit
	}

	return cutPoints
}

// gearTable 由固定种子的 splitmix64 生成，保证不同进程切分结果一致
var gearTable = func() [256]uint64 {
	var t [256]uint64
	state := uint64(0x6376667367656172)
	for i := range t {
		state += 0x9e3779b97f4a7c15
		z := state
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		t[i] = bits.RotateLeft64(z^(z>>31), i%64)
	}
	return t
}()
