package publish

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"cvfs/pkg/trust"
)

// 密钥目录中的文件名
const (
	masterKeyFile = "master.key"
	masterPubFile = "master.pub"
	signKeyFile   = "signing.key"
	certFile      = "signing.crt"
)

var ErrNoKeys = errors.New("publish: signing keys not found")

// Keys 是发布一个仓库需要的全部密钥材料
//   - Master 签名白名单，公钥分发给客户端
//   - Signing 签名 manifest，其证书作为 X 对象发布并写入白名单
type Keys struct {
	Master  *rsa.PrivateKey
	Signing *rsa.PrivateKey
	CertPEM []byte
}

// GenerateKeys 生成新的主密钥和一张有效期为 validity 的自签名证书
func GenerateKeys(repo string, validity time.Duration, now time.Time) (*Keys, error) {
	master, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	signing, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	certPEM, err := SelfSignedCert(signing, repo, now.Add(-time.Hour), now.Add(validity))
	if err != nil {
		return nil, err
	}
	return &Keys{Master: master, Signing: signing, CertPEM: certPEM}, nil
}

// SelfSignedCert 为签名密钥生成 PEM 证书
func SelfSignedCert(key *rsa.PrivateKey, repo string, notBefore, notAfter time.Time) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: repo},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

// Fingerprint 返回签名证书的白名单指纹
func (k *Keys) Fingerprint() (trust.Fingerprint, error) {
	cert, err := trust.ParseCertificate(k.CertPEM)
	if err != nil {
		return "", err
	}
	return trust.CertFingerprint(cert.Raw), nil
}

// MasterPublicPEM 返回客户端配置 trust.keys 所需的主公钥
func (k *Keys) MasterPublicPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&k.Master.PublicKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// Save 把密钥写入 dir (私钥 0600)
func (k *Keys) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	pub, err := k.MasterPublicPEM()
	if err != nil {
		return err
	}
	files := []struct {
		name string
		data []byte
		perm os.FileMode
	}{
		{masterKeyFile, encodeKey(k.Master), 0o600},
		{signKeyFile, encodeKey(k.Signing), 0o600},
		{masterPubFile, pub, 0o644},
		{certFile, k.CertPEM, 0o644},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.data, f.perm); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.name, err)
		}
	}
	return nil
}

// LoadKeys 读取 Save 写出的密钥目录
func LoadKeys(dir string) (*Keys, error) {
	master, err := readKey(filepath.Join(dir, masterKeyFile))
	if err != nil {
		return nil, err
	}
	signing, err := readKey(filepath.Join(dir, signKeyFile))
	if err != nil {
		return nil, err
	}
	cert, err := os.ReadFile(filepath.Join(dir, certFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoKeys, err)
	}
	return &Keys{Master: master, Signing: signing, CertPEM: cert}, nil
}

// MasterPublicKeyPath 返回密钥目录中主公钥的路径
func MasterPublicKeyPath(dir string) string {
	return filepath.Join(dir, masterPubFile)
}

func encodeKey(k *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(k)})
}

func readKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoKeys, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block", path)
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}
