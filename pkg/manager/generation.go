package manager

import (
	"sync"
	"sync/atomic"
	"time"

	"cvfs/pkg/catalog"
	"cvfs/pkg/trust"
	"cvfs/pkg/types"
)

// Generation 是某个根 catalog 对应的不可变目录树
// 正在进行的解析持有引用；被替换且引用归零后回收。
type Generation struct {
	ID        uint64
	Root      types.ContentHash
	Revision  uint64
	Tag       string
	State     *trust.State
	CreatedAt time.Time

	refs    atomic.Int64
	retired atomic.Bool
	once    sync.Once

	mu      sync.Mutex
	touched map[string]struct{} // 本代访问过的 catalog slot
}

func newGeneration(id uint64, root types.ContentHash, st *trust.State, tag string, now time.Time) *Generation {
	return &Generation{
		ID:        id,
		Root:      root,
		State:     st,
		Tag:       tag,
		CreatedAt: now,
		touched:   make(map[string]struct{}),
	}
}

func (g *Generation) track(key string) {
	g.mu.Lock()
	g.touched[key] = struct{}{}
	g.mu.Unlock()
}

func (g *Generation) slotKeys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := make([]string, 0, len(g.touched))
	for k := range g.touched {
		keys = append(keys, k)
	}
	return keys
}

func (g *Generation) uses(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.touched[key]
	return ok
}

// slot 是一个 catalog 在内存中的位置
// Unloaded: snap 为 nil；Loading: 持有 mu；Loaded: snap 非 nil。
// 同一个 hash 的 slot 在多代之间共享 (内容寻址，内容相同)。
type slot struct {
	hash types.ContentHash
	mu   sync.Mutex
	snap atomic.Pointer[catalog.Catalog]
}

// unload 回到 Unloaded，释放缓存 pin
// 已经拿到快照的读者仍可以安全使用它 (快照是纯内存结构)。
func (s *slot) unload() {
	if old := s.snap.Swap(nil); old != nil {
		old.Close()
	}
}
