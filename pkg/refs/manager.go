package refs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cvfs/pkg/core"
	"cvfs/pkg/trust"
)

// ErrNoHead 仓库从未挂载成功过
var ErrNoHead = trust.ErrNoState

// Manager 把每个仓库最后一次被信任的状态保存在本地目录中
// 布局: <root>/<repo>.head (CBOR)
type Manager struct {
	rootPath string
	mu       sync.Mutex
}

var _ trust.StateStore = (*Manager)(nil)

func NewManager(rootPath string) *Manager {
	return &Manager{rootPath: rootPath}
}

// head 是落盘格式，字段名保持短小
type head struct {
	Repository string `cbor:"r"`
	Revision   uint64 `cbor:"v"`
	RootHash   string `cbor:"h"`
	Timestamp  int64  `cbor:"t"`
	Manifest   []byte `cbor:"m"`
	Whitelist  []byte `cbor:"w"`
}

func (m *Manager) headPath(repo string) (string, error) {
	if repo == "" || strings.ContainsAny(repo, `/\`) || repo == "." || repo == ".." {
		return "", fmt.Errorf("invalid repository name %q", repo)
	}
	return filepath.Join(m.rootPath, repo+".head"), nil
}

// Load 读取仓库的可信状态，如果从未保存过，返回 ErrNoHead
func (m *Manager) Load(_ context.Context, repo string) (*trust.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, err := m.read(repo)
	if err != nil {
		return nil, err
	}
	return &trust.Record{
		Repository: h.Repository,
		Revision:   h.Revision,
		RootHash:   h.RootHash,
		Timestamp:  time.Unix(h.Timestamp, 0),
		Manifest:   h.Manifest,
		Whitelist:  h.Whitelist,
	}, nil
}

// Save 原子地替换仓库状态；revision 不允许倒退
func (m *Manager) Save(_ context.Context, rec trust.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.read(rec.Repository)
	switch {
	case errors.Is(err, ErrNoHead):
	case err != nil:
		return err
	case rec.Revision < cur.Revision:
		return fmt.Errorf("%w: got revision %d, local state holds %d",
			trust.ErrRevisionRollback, rec.Revision, cur.Revision)
	}

	data, err := core.EncodeObject(head{
		Repository: rec.Repository,
		Revision:   rec.Revision,
		RootHash:   rec.RootHash,
		Timestamp:  rec.Timestamp.Unix(),
		Manifest:   rec.Manifest,
		Whitelist:  rec.Whitelist,
	})
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	path, err := m.headPath(rec.Repository)
	if err != nil {
		return err
	}
	return writeAtomic(path, data)
}

// GetHead 返回仓库当前被信任的 revision (供 CLI 查询)
func (m *Manager) GetHead(repo string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, err := m.read(repo)
	if err != nil {
		return 0, err
	}
	return h.Revision, nil
}

func (m *Manager) read(repo string) (*head, error) {
	path, err := m.headPath(repo)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNoHead
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	var h head
	if err := core.DecodeObject(data, &h); err != nil {
		return nil, fmt.Errorf("corrupt state file %s: %w", path, err)
	}
	if h.Repository != repo {
		return nil, fmt.Errorf("state file %s belongs to %q", path, h.Repository)
	}
	return &h, nil
}

// writeAtomic: 临时文件 + fsync + rename，崩溃后不会留下半个文件
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".head-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
