package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"cvfs/pkg/app"
	"cvfs/pkg/config"
	"cvfs/pkg/publish"
	"cvfs/pkg/storage/disk"

	"github.com/stretchr/testify/require"
)

const testRepo = "demo.cvfs.io"

type fixture struct {
	app *app.App
	pub *publish.Publisher
}

// setupTestApp 是所有 Service 测试共享的基础设施
// 发布版本 1 (含 /etc/motd)，然后用 sqlite 状态库挂载
func setupTestApp(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	tmpDir := t.TempDir()
	repoDir := filepath.Join(tmpDir, "repo")

	// 1. 发布端
	keys, err := publish.GenerateKeys(testRepo, 24*time.Hour, time.Now())
	require.NoError(t, err)
	keyDir := filepath.Join(tmpDir, "keys")
	require.NoError(t, keys.Save(keyDir))

	store, err := disk.NewAdapter(repoDir)
	require.NoError(t, err)
	pub, err := publish.New(publish.Options{Repository: testRepo, Store: store, Keys: keys})
	require.NoError(t, err)
	commit(t, pub, map[string]string{"/etc/motd": "hello"})

	// 2. 客户端
	cfg := &config.Config{
		Repository: config.RepositoryConfig{Name: testRepo, Source: "disk", Path: repoDir},
		Cache:      config.CacheConfig{Dir: filepath.Join(tmpDir, "cache"), MaxCatalogs: 16},
		Fetch:      config.FetchConfig{Retries: 1, Parallelism: 2, AttemptTimeout: 10 * time.Second},
		Trust:      config.TrustConfig{Keys: []string{publish.MasterPublicKeyPath(keyDir)}},
		State: config.StateConfig{
			Backend:  "sqlite",
			Database: config.DatabaseConfig{Path: filepath.Join(tmpDir, "state.db")},
		},
	}
	a, err := app.New(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	require.NoError(t, a.Mount(ctx))

	return &fixture{app: a, pub: pub}
}

func commit(t *testing.T, pub *publish.Publisher, files map[string]string) {
	t.Helper()
	tree := publish.NewTree()
	for p, content := range files {
		require.NoError(t, tree.AddFile(p, []byte(content), 0o644))
	}
	_, err := pub.Commit(context.Background(), tree, publish.CommitOptions{})
	require.NoError(t, err)
}
