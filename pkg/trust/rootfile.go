// pkg/trust/rootfile.go
package trust

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	ErrTrust              = errors.New("trust error")
	ErrSignatureInvalid   = fmt.Errorf("%w: signature invalid", ErrTrust)
	ErrMalformedManifest  = fmt.Errorf("%w: malformed manifest", ErrTrust)
	ErrMalformedWhitelist = fmt.Errorf("%w: malformed whitelist", ErrTrust)
)

const terminator = "--"

// SignedFile 是 manifest 和 whitelist 共用的“签名根文件”格式:
//
//	<key/value 行>...
//	--
//	<40 位十六进制 SHA-1 (正文的摘要)>\n
//	<二进制签名>
type SignedFile struct {
	Body      []byte // "--" 之前的所有字节
	Checksum  string // 正文的 SHA-1 (小写十六进制)
	Signature []byte
}

// Signed 文件是否带有签名块
func (s *SignedFile) Signed() bool { return s.Checksum != "" }

// Lines 返回正文中的非空行
func (s *SignedFile) Lines() []string {
	var out []string
	for _, l := range bytes.Split(s.Body, []byte("\n")) {
		if len(l) > 0 {
			out = append(out, string(l))
		}
	}
	return out
}

// ParseSignedFile 拆分正文和签名块，并核对正文摘要
// 没有 "--" 的文件被视为未签名 (Checksum 为空)。
func ParseSignedFile(data []byte) (*SignedFile, error) {
	var body []byte
	rest := data
	for len(rest) > 0 {
		line := rest
		next := []byte(nil)
		if i := bytes.IndexByte(rest, '\n'); i >= 0 {
			line, next = rest[:i], rest[i+1:]
		}
		if string(line) == terminator {
			return parseSignatureBlock(body, next)
		}
		if next == nil {
			// 最后一行没有换行符
			body = data
			break
		}
		body = data[:len(data)-len(next)]
		rest = next
	}
	return &SignedFile{Body: body}, nil
}

func parseSignatureBlock(body, rest []byte) (*SignedFile, error) {
	// 摘要行必须正好 41 字节 (40 个十六进制字符 + '\n')
	if len(rest) < 41 || rest[40] != '\n' {
		return nil, fmt.Errorf("%w: checksum line is not 40 hex characters", ErrSignatureInvalid)
	}
	checksum := string(rest[:40])
	if _, err := hex.DecodeString(checksum); err != nil {
		return nil, fmt.Errorf("%w: checksum line is not hex", ErrSignatureInvalid)
	}

	sum := sha1.Sum(body)
	if hex.EncodeToString(sum[:]) != checksum {
		return nil, fmt.Errorf("%w: body checksum mismatch", ErrSignatureInvalid)
	}
	return &SignedFile{
		Body:      body,
		Checksum:  checksum,
		Signature: rest[41:],
	}, nil
}

// Encode 生成签名根文件的字节 (供发布端使用)
func Encode(body []byte, signature []byte) []byte {
	sum := sha1.Sum(body)
	var buf bytes.Buffer
	buf.Write(body)
	buf.WriteString(terminator + "\n")
	buf.WriteString(hex.EncodeToString(sum[:]))
	buf.WriteByte('\n')
	buf.Write(signature)
	return buf.Bytes()
}

// BodyChecksum 返回正文的 SHA-1 十六进制字符串，也就是签名的对象
func BodyChecksum(body []byte) string {
	sum := sha1.Sum(body)
	return hex.EncodeToString(sum[:])
}
