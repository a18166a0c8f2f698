package trust

import (
	"fmt"
	"strconv"
	"time"

	"cvfs/pkg/types"
)

// 仓库根目录下的固定文件
const (
	ManifestName     = ".cvmfspublished"
	WhitelistName    = ".cvmfswhitelist"
	LastSnapshotName = ".cvmfs_last_snapshot"
)

// Manifest 描述仓库当前的状态 (.cvmfspublished)
type Manifest struct {
	RootCatalog     types.ContentHash // C
	RootCatalogSize int64             // B
	RootPathHash    string            // R
	Certificate     types.ContentHash // X
	History         types.ContentHash // H (可选)
	Timestamp       time.Time         // T
	TTL             time.Duration     // D
	Revision        uint64            // S
	Repository      string            // N
	MicroCatalog    types.ContentHash // L (可选)
	GarbageCollect  bool              // G
	AlternativeName bool              // A
	MetaInfo        types.ContentHash // M (可选)
	Reflog          string            // Y (可选)

	Signed *SignedFile
}

// ParseManifest 解析 manifest
// 未知的 key 被忽略 (向前兼容)，解析在 "--" 处停止。
func ParseManifest(data []byte) (*Manifest, error) {
	sf, err := ParseSignedFile(data)
	if err != nil {
		return nil, err
	}

	m := &Manifest{Signed: sf}
	seen := make(map[byte]bool)
	for _, line := range sf.Lines() {
		key, value := line[0], line[1:]
		seen[key] = true
		if err := m.set(key, value); err != nil {
			return nil, fmt.Errorf("%w: field %c: %v", ErrMalformedManifest, key, err)
		}
	}

	for _, k := range []byte{'C', 'X', 'S', 'N'} {
		if !seen[k] {
			return nil, fmt.Errorf("%w: missing field %c", ErrMalformedManifest, k)
		}
	}
	return m, nil
}

func (m *Manifest) set(key byte, value string) error {
	var err error
	switch key {
	case 'C':
		m.RootCatalog, err = types.ParseContentHash(value, types.KindCatalog)
	case 'B':
		m.RootCatalogSize, err = strconv.ParseInt(value, 10, 64)
	case 'R':
		m.RootPathHash = value
	case 'X':
		m.Certificate, err = types.ParseContentHash(value, types.KindCertificate)
	case 'H':
		m.History, err = types.ParseContentHash(value, types.KindHistory)
	case 'T':
		var sec int64
		sec, err = strconv.ParseInt(value, 10, 64)
		m.Timestamp = time.Unix(sec, 0).UTC()
	case 'D':
		var sec int64
		sec, err = strconv.ParseInt(value, 10, 64)
		m.TTL = time.Duration(sec) * time.Second
	case 'S':
		m.Revision, err = strconv.ParseUint(value, 10, 64)
	case 'N':
		if value == "" {
			err = fmt.Errorf("empty repository name")
		}
		m.Repository = value
	case 'L':
		m.MicroCatalog, err = types.ParseContentHash(value, types.KindCatalog)
	case 'G':
		m.GarbageCollect, err = parseYesNo(value)
	case 'A':
		m.AlternativeName, err = parseYesNo(value)
	case 'M':
		m.MetaInfo, err = types.ParseContentHash(value, types.KindRegular)
	case 'Y':
		m.Reflog = value
	}
	return err
}

func parseYesNo(v string) (bool, error) {
	switch v {
	case "yes":
		return true, nil
	case "no":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", v)
}

// Body 按规范顺序生成 manifest 正文 (供发布端签名)
func (m *Manifest) Body() []byte {
	var b []byte
	add := func(key byte, value string) {
		b = append(b, key)
		b = append(b, value...)
		b = append(b, '\n')
	}
	add('C', m.RootCatalog.String())
	add('B', strconv.FormatInt(m.RootCatalogSize, 10))
	if m.RootPathHash != "" {
		add('R', m.RootPathHash)
	}
	add('D', strconv.FormatInt(int64(m.TTL/time.Second), 10))
	add('S', strconv.FormatUint(m.Revision, 10))
	add('G', yesNo(m.GarbageCollect))
	add('A', yesNo(m.AlternativeName))
	add('N', m.Repository)
	add('X', m.Certificate.String())
	if !m.History.IsZero() {
		add('H', m.History.String())
	}
	if !m.MetaInfo.IsZero() {
		add('M', m.MetaInfo.String())
	}
	if !m.MicroCatalog.IsZero() {
		add('L', m.MicroCatalog.String())
	}
	if m.Reflog != "" {
		add('Y', m.Reflog)
	}
	add('T', strconv.FormatInt(m.Timestamp.Unix(), 10))
	return b
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
