package ignore

import (
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// FileName 是发布源目录下的用户忽略规则文件
const FileName = ".cvfsignore"

// Matcher 判断发布源目录中的路径是否应被跳过
type Matcher struct {
	ignorer *gitignore.GitIgnore
}

// NewMatcher 编译默认规则和 rootPath 下的 .cvfsignore (如果存在)
func NewMatcher(rootPath string) (*Matcher, error) {
	// 1. 强制生效的默认规则
	defaultRules := []string{
		// 客户端元数据目录，发布进去会在挂载后出现自引用
		".cvfs",
		".git",

		// 配置和密钥不能进入公开仓库
		"config.yaml",
		".env",
		"*.key",
		FileName,

		".DS_Store",
		"Thumbs.db",
	}

	ignoreFilePath := filepath.Join(rootPath, FileName)
	if _, errStat := os.Stat(ignoreFilePath); errStat != nil {
		return &Matcher{ignorer: gitignore.CompileIgnoreLines(defaultRules...)}, nil
	}

	// 2. 用户规则和默认规则合并编译
	ignorer, err := gitignore.CompileIgnoreFileAndLines(ignoreFilePath, defaultRules...)
	if err != nil {
		return nil, err
	}
	return &Matcher{ignorer: ignorer}, nil
}

// Matches 检查相对于源目录的路径 (例如 "data/model.bin") 是否应忽略
// 目录可以带或不带尾部斜杠。
func (m *Matcher) Matches(path string) bool {
	if m == nil || m.ignorer == nil {
		return false
	}
	path = strings.TrimSuffix(filepath.ToSlash(path), "/")
	return m.ignorer.MatchesPath(path)
}
