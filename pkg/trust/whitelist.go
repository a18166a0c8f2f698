package trust

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"
)

const timeLayout = "20060102150405"

// Fingerprint 证书指纹: SHA-1(DER)，冒号分隔的大写十六进制 "AB:CD:..."
type Fingerprint string

// CertFingerprint 计算证书 (DER) 的指纹
func CertFingerprint(der []byte) Fingerprint {
	sum := sha1.Sum(der)
	hexs := strings.ToUpper(hex.EncodeToString(sum[:]))
	parts := make([]string, 0, len(sum))
	for i := 0; i < len(hexs); i += 2 {
		parts = append(parts, hexs[i:i+2])
	}
	return Fingerprint(strings.Join(parts, ":"))
}

// ParseFingerprint 校验格式并规范化为大写
func ParseFingerprint(s string) (Fingerprint, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	parts := strings.Split(s, ":")
	if len(parts) != sha1.Size {
		return "", fmt.Errorf("fingerprint %q has %d bytes, want %d", s, len(parts), sha1.Size)
	}
	for _, p := range parts {
		if len(p) != 2 {
			return "", fmt.Errorf("fingerprint %q has a malformed byte %q", s, p)
		}
		if _, err := hex.DecodeString(p); err != nil {
			return "", fmt.Errorf("fingerprint %q is not hex", s)
		}
	}
	return Fingerprint(s), nil
}

// Whitelist 是被仓库主密钥签名的可信证书列表
type Whitelist struct {
	Created      time.Time
	Expires      time.Time
	Repository   string
	Fingerprints []Fingerprint

	Signed *SignedFile
}

// ParseWhitelist 只做结构解析，不校验签名 (见 Verifier.LoadWhitelist)
// 任何格式错误都会让整个解析失败，不会返回部分结果。
func ParseWhitelist(data []byte) (*Whitelist, error) {
	sf, err := ParseSignedFile(data)
	if err != nil {
		return nil, err
	}
	if !sf.Signed() {
		return nil, fmt.Errorf("%w: missing signature block", ErrMalformedWhitelist)
	}

	lines := strings.Split(strings.TrimRight(string(sf.Body), "\n"), "\n")
	if len(lines) < 4 {
		return nil, fmt.Errorf("%w: expected header and at least one fingerprint", ErrMalformedWhitelist)
	}

	wl := &Whitelist{Signed: sf}

	// 1. 创建时间
	if wl.Created, err = time.Parse(timeLayout, lines[0]); err != nil {
		return nil, fmt.Errorf("%w: bad timestamp %q", ErrMalformedWhitelist, lines[0])
	}

	// 2. 过期时间
	if !strings.HasPrefix(lines[1], "E") {
		return nil, fmt.Errorf("%w: missing expiry line", ErrMalformedWhitelist)
	}
	if wl.Expires, err = time.Parse(timeLayout, lines[1][1:]); err != nil {
		return nil, fmt.Errorf("%w: bad expiry %q", ErrMalformedWhitelist, lines[1])
	}

	// 3. 仓库名
	if !strings.HasPrefix(lines[2], "N") || len(lines[2]) < 2 {
		return nil, fmt.Errorf("%w: missing repository name", ErrMalformedWhitelist)
	}
	wl.Repository = lines[2][1:]

	// 4. 指纹，可以带 " # 注释"
	for _, line := range lines[3:] {
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		fp, err := ParseFingerprint(line)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedWhitelist, err)
		}
		wl.Fingerprints = append(wl.Fingerprints, fp)
	}
	return wl, nil
}

// Contains 指纹是否在白名单中
func (w *Whitelist) Contains(fp Fingerprint) bool {
	for _, f := range w.Fingerprints {
		if f == fp {
			return true
		}
	}
	return false
}

// ExpiredAt 白名单在 t 时刻是否已过期
func (w *Whitelist) ExpiredAt(t time.Time) bool {
	return !t.Before(w.Expires)
}

// WhitelistBody 生成白名单正文 (供发布端签名)
func WhitelistBody(created, expires time.Time, repo string, fps []Fingerprint) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s\n", created.UTC().Format(timeLayout))
	fmt.Fprintf(&b, "E%s\n", expires.UTC().Format(timeLayout))
	fmt.Fprintf(&b, "N%s\n", repo)
	for _, fp := range fps {
		fmt.Fprintf(&b, "%s\n", fp)
	}
	return b.Bytes()
}

// Blacklist 是本地配置的吊销证书列表
type Blacklist struct {
	fps map[Fingerprint]bool
}

// ParseBlacklist 每行一个指纹，"#" 开头为注释
func ParseBlacklist(data []byte) (*Blacklist, error) {
	bl := &Blacklist{fps: make(map[Fingerprint]bool)}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for n := 1; sc.Scan(); n++ {
		line := sc.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		fp, err := ParseFingerprint(line)
		if err != nil {
			return nil, fmt.Errorf("blacklist line %d: %w", n, err)
		}
		bl.fps[fp] = true
	}
	return bl, sc.Err()
}

// LoadBlacklist 读取黑名单文件；文件不存在时返回空黑名单
func LoadBlacklist(path string) (*Blacklist, error) {
	if path == "" {
		return &Blacklist{}, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Blacklist{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blacklist: %w", err)
	}
	return ParseBlacklist(data)
}

func (b *Blacklist) Contains(fp Fingerprint) bool {
	if b == nil {
		return false
	}
	return b.fps[fp]
}

func (b *Blacklist) Len() int {
	if b == nil {
		return 0
	}
	return len(b.fps)
}
