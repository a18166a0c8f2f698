package trust

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"sync"
	"testing"
	"time"

	"cvfs/pkg/core"
	"cvfs/pkg/storage"
	"cvfs/pkg/types"

	"github.com/stretchr/testify/require"
)

const testRepo = "demo.cvfs.io"

var (
	keyOnce sync.Once
	keys    []*rsa.PrivateKey
)

// testKey 返回第 i 把测试密钥 (2048 位生成较慢，所以复用)
func testKey(t *testing.T, i int) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		for range 3 {
			k, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				panic(err)
			}
			keys = append(keys, k)
		}
	})
	return keys[i]
}

// makeCert 生成自签名证书，返回 PEM
func makeCert(t *testing.T, key *rsa.PrivateKey, notBefore, notAfter time.Time) []byte {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: testRepo},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func fingerprintOf(t *testing.T, certPEM []byte) Fingerprint {
	t.Helper()
	cert, err := ParseCertificate(certPEM)
	require.NoError(t, err)
	return CertFingerprint(cert.Raw)
}

func sign(t *testing.T, key *rsa.PrivateKey, body []byte) []byte {
	t.Helper()
	sig, err := SignChecksum(key, body)
	require.NoError(t, err)
	return Encode(body, sig)
}

func makeWhitelist(t *testing.T, master *rsa.PrivateKey, expires time.Time, fps ...Fingerprint) []byte {
	t.Helper()
	body := WhitelistBody(expires.Add(-30*24*time.Hour), expires, testRepo, fps)
	return sign(t, master, body)
}

func makeManifest(t *testing.T, certKey *rsa.PrivateKey, cert types.ContentHash, revision uint64, root string) []byte {
	t.Helper()
	m := &Manifest{
		RootCatalog:     types.NewContentHash(core.CalculateHash(types.SHA1, []byte(root)), types.KindCatalog),
		RootCatalogSize: 4096,
		Certificate:     cert,
		Timestamp:       time.Unix(1700000000, 0),
		TTL:             4 * time.Minute,
		Revision:        revision,
		Repository:      testRepo,
	}
	return sign(t, certKey, m.Body())
}

// memFetcher 同时扮演源站根文件和对象的角色
type memFetcher struct {
	mu      sync.Mutex
	roots   map[string][]byte
	objects map[types.ContentHash][]byte
}

func newMemFetcher() *memFetcher {
	return &memFetcher{roots: make(map[string][]byte), objects: make(map[types.ContentHash][]byte)}
}

func (m *memFetcher) addObject(kind types.Kind, data []byte) types.ContentHash {
	h := core.NewBlob(kind, data).ID()
	m.mu.Lock()
	m.objects[h] = data
	m.mu.Unlock()
	return h
}

func (m *memFetcher) setRoot(name string, data []byte) {
	m.mu.Lock()
	m.roots[name] = data
	m.mu.Unlock()
}

func (m *memFetcher) Fetch(_ context.Context, h types.ContentHash, _ types.Kind) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[h]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return data, nil
}

func (m *memFetcher) FetchRoot(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.roots[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return data, nil
}

// memStore 是内存中的 StateStore
type memStore struct {
	mu   sync.Mutex
	recs map[string]Record
}

func (s *memStore) Load(_ context.Context, repo string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[repo]
	if !ok {
		return nil, ErrNoState
	}
	return &rec, nil
}

func (s *memStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recs == nil {
		s.recs = make(map[string]Record)
	}
	s.recs[rec.Repository] = rec
	return nil
}
