package trust

import (
	"context"
	"crypto/rsa"
	"testing"
	"time"

	"cvfs/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sessionFixture struct {
	fetcher *memFetcher
	store   *memStore
	session *Session
	publish func(revision uint64, root string)
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	master := testKey(t, 0)
	certKey := testKey(t, 1)
	cert := makeCert(t, certKey, fixedNow.Add(-time.Hour), fixedNow.Add(365*24*time.Hour))

	f := newMemFetcher()
	certID := f.addObject(types.KindCertificate, cert)
	f.setRoot(WhitelistName, makeWhitelist(t, master, fixedNow.Add(30*24*time.Hour), fingerprintOf(t, cert)))

	store := &memStore{}
	s, err := NewSession(SessionOptions{
		Repository: testRepo,
		Fetcher:    f,
		Verifier: NewVerifier(VerifierOptions{
			MasterKeys: []*rsa.PublicKey{&master.PublicKey},
			Now:        func() time.Time { return fixedNow },
		}),
		Store: store,
	})
	require.NoError(t, err)

	return &sessionFixture{
		fetcher: f,
		store:   store,
		session: s,
		publish: func(revision uint64, root string) {
			f.setRoot(ManifestName, makeManifest(t, certKey, certID, revision, root))
		},
	}
}

func TestSession_RefreshAndAdvance(t *testing.T) {
	fx := newSessionFixture(t)
	ctx := context.Background()
	assert.Nil(t, fx.session.Current())

	// 1. 初始挂载
	fx.publish(5, "H1")
	st, changed, err := fx.session.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, uint64(5), st.Manifest.Revision)
	assert.Same(t, st, fx.session.Current())

	// 2. 没有变化
	_, changed, err = fx.session.Refresh(ctx)
	require.NoError(t, err)
	assert.False(t, changed)

	// 3. 新版本
	fx.publish(6, "H3")
	st, changed, err = fx.session.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, uint64(6), st.Manifest.Revision)

	rec, err := fx.store.Load(ctx, testRepo)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), rec.Revision)
	assert.Equal(t, st.Manifest.RootCatalog.String(), rec.RootHash)
}

func TestSession_RollbackKeepsPreviousState(t *testing.T) {
	fx := newSessionFixture(t)
	ctx := context.Background()

	fx.publish(7, "new")
	good, _, err := fx.session.Refresh(ctx)
	require.NoError(t, err)

	// 源站 (或中间人) 回放了一个旧的、签名正确的 manifest
	fx.publish(6, "old")
	st, changed, err := fx.session.Refresh(ctx)
	assert.ErrorIs(t, err, ErrRevisionRollback)
	assert.False(t, changed)
	assert.Same(t, good, st)
	assert.Same(t, good, fx.session.Current())
}

func TestSession_RollbackAcrossRestart(t *testing.T) {
	fx := newSessionFixture(t)
	ctx := context.Background()
	fx.publish(9, "latest")
	_, _, err := fx.session.Refresh(ctx)
	require.NoError(t, err)

	// 新的 Session 共享同一个持久化存储 (模拟重启)
	s2, err := NewSession(SessionOptions{
		Repository: testRepo,
		Fetcher:    fx.fetcher,
		Verifier:   fx.session.verifier,
		Store:      fx.store,
	})
	require.NoError(t, err)

	fx.publish(8, "older")
	_, _, err = s2.Refresh(ctx)
	assert.ErrorIs(t, err, ErrRevisionRollback)
	assert.Nil(t, s2.Current())
}

func TestSession_TrustFailureKeepsPreviousState(t *testing.T) {
	fx := newSessionFixture(t)
	ctx := context.Background()
	fx.publish(5, "H1")
	good, _, err := fx.session.Refresh(ctx)
	require.NoError(t, err)

	// 白名单被篡改
	fx.fetcher.setRoot(WhitelistName, []byte("garbage\n--\n"))
	fx.publish(6, "H3")
	_, _, err = fx.session.Refresh(ctx)
	assert.ErrorIs(t, err, ErrTrust)
	assert.Same(t, good, fx.session.Current())
}

func TestSession_RepositoryMismatch(t *testing.T) {
	fx := newSessionFixture(t)
	s, err := NewSession(SessionOptions{
		Repository: "other.cvfs.io",
		Fetcher:    fx.fetcher,
		Verifier:   fx.session.verifier,
	})
	require.NoError(t, err)
	fx.publish(1, "x")

	_, _, err = s.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrRepositoryMismatch)
}

func TestSession_RestoreOffline(t *testing.T) {
	fx := newSessionFixture(t)
	ctx := context.Background()
	fx.publish(11, "persisted")
	_, _, err := fx.session.Refresh(ctx)
	require.NoError(t, err)

	s2, err := NewSession(SessionOptions{
		Repository: testRepo,
		Fetcher:    fx.fetcher,
		Verifier:   fx.session.verifier,
		Store:      fx.store,
	})
	require.NoError(t, err)

	st, err := s2.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), st.Manifest.Revision)
	assert.Same(t, st, s2.Current())
}

func TestSession_ReplicationMarker(t *testing.T) {
	fx := newSessionFixture(t)
	fx.publish(1, "x")
	fx.fetcher.setRoot(LastSnapshotName, []byte("1700000123\n"))

	st, _, err := fx.session.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1700000123), st.LastSnapshot.Unix())
}
