package trust

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"cvfs/pkg/types"
)

var (
	ErrCertificateUntrusted = fmt.Errorf("%w: certificate not trusted", ErrTrust)
	ErrCertificateExpired   = fmt.Errorf("%w: certificate expired", ErrTrust)
	ErrCertificateRevoked   = errors.New("certificate revoked")
)

// ObjectFetcher 用于获取 manifest 引用的证书对象 (fetcher.Fetcher 实现了它)
type ObjectFetcher interface {
	Fetch(ctx context.Context, h types.ContentHash, expected types.Kind) ([]byte, error)
}

// Verifier 校验白名单和 manifest 的签名链
// 它本身没有副作用：不缓存、不记录状态。
type Verifier struct {
	masterKeys []*rsa.PublicKey
	blacklist  *Blacklist
	now        func() time.Time
}

type VerifierOptions struct {
	MasterKeys []*rsa.PublicKey
	Blacklist  *Blacklist
	Now        func() time.Time
}

func NewVerifier(opts VerifierOptions) *Verifier {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Verifier{masterKeys: opts.MasterKeys, blacklist: opts.Blacklist, now: opts.Now}
}

// LoadWhitelist 解析白名单并用主密钥校验签名
// 要么整体成功，要么返回错误；不会产生部分可信的证书集合。
// repo 非空时还要求白名单属于该仓库。
func (v *Verifier) LoadWhitelist(data []byte, repo string) (*Whitelist, error) {
	wl, err := ParseWhitelist(data)
	if err != nil {
		return nil, err
	}
	if repo != "" && wl.Repository != repo {
		return nil, fmt.Errorf("%w: whitelist is for %q, not %q", ErrMalformedWhitelist, wl.Repository, repo)
	}
	if err := v.VerifyWhitelistSignature(wl); err != nil {
		return nil, err
	}
	return wl, nil
}

// VerifyWhitelistSignature 检查白名单是否由任一主密钥签名
func (v *Verifier) VerifyWhitelistSignature(wl *Whitelist) error {
	if len(v.masterKeys) == 0 {
		return fmt.Errorf("%w: no repository master keys configured", ErrSignatureInvalid)
	}
	for _, key := range v.masterKeys {
		if verifyChecksum(key, wl.Signed) == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: whitelist not signed by any master key", ErrSignatureInvalid)
}

// VerifyManifest 完整的信任链校验:
//  1. 获取 manifest 引用的证书
//  2. 证书指纹必须在未过期的白名单中，且不在黑名单里
//  3. 证书本身没有过期
//  4. manifest 的签名由证书公钥验证通过
func (v *Verifier) VerifyManifest(ctx context.Context, m *Manifest, wl *Whitelist, certs ObjectFetcher) error {
	if m.Certificate.IsZero() {
		return fmt.Errorf("%w: manifest names no certificate", ErrMalformedManifest)
	}
	raw, err := certs.Fetch(ctx, m.Certificate, types.KindCertificate)
	if err != nil {
		return fmt.Errorf("failed to fetch certificate %s: %w", m.Certificate, err)
	}
	return v.VerifyManifestWithCert(m, wl, raw)
}

// VerifyManifestWithCert 与 VerifyManifest 相同，但证书由调用者提供 (PEM 或 DER)
func (v *Verifier) VerifyManifestWithCert(m *Manifest, wl *Whitelist, rawCert []byte) error {
	if m.Signed == nil || !m.Signed.Signed() {
		return fmt.Errorf("%w: manifest is not signed", ErrSignatureInvalid)
	}
	if wl == nil {
		return fmt.Errorf("%w: no whitelist", ErrCertificateUntrusted)
	}
	now := v.now()
	if wl.ExpiredAt(now) {
		return fmt.Errorf("%w: whitelist expired at %s", ErrCertificateExpired, wl.Expires.Format(time.RFC3339))
	}

	cert, err := ParseCertificate(rawCert)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCertificateUntrusted, err)
	}

	fp := CertFingerprint(cert.Raw)
	if v.blacklist.Contains(fp) {
		return fmt.Errorf("%w: %w: %s", ErrCertificateUntrusted, ErrCertificateRevoked, fp)
	}
	if !wl.Contains(fp) {
		return fmt.Errorf("%w: %s is not whitelisted", ErrCertificateUntrusted, fp)
	}
	if now.After(cert.NotAfter) || now.Before(cert.NotBefore) {
		return fmt.Errorf("%w: %s valid %s to %s", ErrCertificateExpired, fp,
			cert.NotBefore.Format(time.RFC3339), cert.NotAfter.Format(time.RFC3339))
	}

	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: certificate key is not RSA", ErrCertificateUntrusted)
	}
	if err := verifyChecksum(pub, m.Signed); err != nil {
		return fmt.Errorf("%w: manifest: %v", ErrSignatureInvalid, err)
	}
	return nil
}

// verifyChecksum 签名对象是 40 字节的十六进制摘要本身 (不带 DigestInfo)
func verifyChecksum(pub *rsa.PublicKey, sf *SignedFile) error {
	if sf == nil || len(sf.Signature) == 0 {
		return errors.New("empty signature")
	}
	return rsa.VerifyPKCS1v15(pub, crypto.Hash(0), []byte(sf.Checksum), sf.Signature)
}

// SignChecksum 发布端使用的签名函数
func SignChecksum(key *rsa.PrivateKey, body []byte) ([]byte, error) {
	return rsa.SignPKCS1v15(nil, key, crypto.Hash(0), []byte(BodyChecksum(body)))
}

// ParseCertificate 支持 PEM 和 DER 两种编码
func ParseCertificate(raw []byte) (*x509.Certificate, error) {
	if block, _ := pem.Decode(raw); block != nil {
		raw = block.Bytes
	}
	return x509.ParseCertificate(raw)
}

// ParsePublicKeys 解析 PEM 中的所有 RSA 公钥 (PKIX 或 PKCS#1)
func ParsePublicKeys(data []byte) ([]*rsa.PublicKey, error) {
	var keys []*rsa.PublicKey
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		switch block.Type {
		case "PUBLIC KEY":
			k, err := x509.ParsePKIXPublicKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			rk, ok := k.(*rsa.PublicKey)
			if !ok {
				return nil, fmt.Errorf("public key is %T, want RSA", k)
			}
			keys = append(keys, rk)
		case "RSA PUBLIC KEY":
			k, err := x509.ParsePKCS1PublicKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil, errors.New("no RSA public key found")
	}
	return keys, nil
}

// LoadPublicKeys 读取多个 PEM 公钥文件
func LoadPublicKeys(paths ...string) ([]*rsa.PublicKey, error) {
	var all []*rsa.PublicKey
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read master key: %w", err)
		}
		keys, err := ParsePublicKeys(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		all = append(all, keys...)
	}
	return all, nil
}
