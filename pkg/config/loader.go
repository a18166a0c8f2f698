package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load 初始化 Viper 配置
// cfgFile: 可选，用户显式指定的配置文件路径
func Load(cfgFile string) error {
	// 1. 默认值
	setDefaults()

	// 2. 配置搜索路径
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		// 当前目录 → ./.cvfs → ~/.cvfs
		viper.AddConfigPath(".")
		viper.AddConfigPath(".cvfs")
		viper.AddConfigPath(filepath.Join(home, ".cvfs"))

		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// 3. 环境变量 (CVFS_REPOSITORY_URL 对应 repository.url)
	viper.SetEnvPrefix("CVFS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// 4. 读取配置文件，找不到文件不算错
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			fmt.Fprintln(os.Stderr, "⚠️  No config file found, using defaults/env vars")
			return nil
		}
		return fmt.Errorf("fatal error config file: %w", err)
	}
	fmt.Fprintln(os.Stderr, "🔧 Using config file:", viper.ConfigFileUsed())
	return nil
}

func setDefaults() {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".cvfs")

	// 仓库
	viper.SetDefault("repository.name", "")
	viper.SetDefault("repository.url", "")
	viper.SetDefault("repository.source", "http")
	viper.SetDefault("repository.path", "")
	viper.SetDefault("repository.tag", "")
	viper.SetDefault("repository.case_insensitive", false)

	// 本地缓存
	viper.SetDefault("cache.dir", filepath.Join(base, "cache"))
	viper.SetDefault("cache.quota", int64(4)<<30)
	viper.SetDefault("cache.max_catalogs", 256)

	// 下载
	viper.SetDefault("fetch.connect_timeout", "5s")
	viper.SetDefault("fetch.read_timeout", "30s")
	viper.SetDefault("fetch.attempt_timeout", "2m")
	viper.SetDefault("fetch.retries", 3)
	viper.SetDefault("fetch.parallelism", 8)
	viper.SetDefault("fetch.retry_interval", "30s")

	// 信任
	viper.SetDefault("trust.keys", []string{})
	viper.SetDefault("trust.blacklist", "")

	// 可信状态持久化
	viper.SetDefault("state.backend", "file")
	viper.SetDefault("state.dir", filepath.Join(base, "state"))
	viper.SetDefault("state.database.host", "localhost")
	viper.SetDefault("state.database.port", 5432)
	viper.SetDefault("state.database.user", "")
	viper.SetDefault("state.database.password", "")
	viper.SetDefault("state.database.dbname", "cvfs")
	viper.SetDefault("state.database.sslmode", "disable")
	viper.SetDefault("state.database.path", filepath.Join(base, "state.db"))

	// 共享缓存层 (可选)
	viper.SetDefault("redis.url", "")
	viper.SetDefault("redis.ttl", "1h")
	viper.SetDefault("redis.max_object_size", 4<<20)

	// S3 (source=s3 或 publish 到 s3)
	viper.SetDefault("s3.endpoint", "")
	viper.SetDefault("s3.region", "us-east-1")
	viper.SetDefault("s3.bucket", "")
	viper.SetDefault("s3.prefix", "")
	viper.SetDefault("s3.access_key", "")
	viper.SetDefault("s3.secret_key", "")

	// 挂载
	viper.SetDefault("mount.mountpoint", "")
	viper.SetDefault("mount.allow_other", false)
	viper.SetDefault("mount.debug", false)

	// 守护进程
	viper.SetDefault("control.socket", filepath.Join(base, "control.sock"))
	viper.SetDefault("metrics.listen", "")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	// 发布端
	viper.SetDefault("publish.keys_dir", filepath.Join(base, "keys"))
	viper.SetDefault("publish.ttl", "4m")
}
