package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 是客户端和守护进程的完整配置
type Config struct {
	Repository RepositoryConfig `mapstructure:"repository"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Trust      TrustConfig      `mapstructure:"trust"`
	State      StateConfig      `mapstructure:"state"`
	Redis      RedisConfig      `mapstructure:"redis"`
	S3         S3Config         `mapstructure:"s3"`
	Mount      MountConfig      `mapstructure:"mount"`
	Control    ControlConfig    `mapstructure:"control"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Log        LogConfig        `mapstructure:"log"`
	Publish    PublishConfig    `mapstructure:"publish"`
}

type RepositoryConfig struct {
	Name            string `mapstructure:"name" validate:"required,hostname_rfc1123"`
	URL             string `mapstructure:"url" validate:"required_if=Source http,omitempty,url"`
	Source          string `mapstructure:"source" validate:"required,oneof=http disk s3"`
	Path            string `mapstructure:"path" validate:"required_if=Source disk"`
	Tag             string `mapstructure:"tag"`
	CaseInsensitive bool   `mapstructure:"case_insensitive"`
}

type CacheConfig struct {
	Dir         string `mapstructure:"dir" validate:"required"`
	Quota       int64  `mapstructure:"quota" validate:"gte=0"`
	MaxCatalogs int    `mapstructure:"max_catalogs" validate:"gte=1"`
}

type FetchConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" validate:"gt=0"`
	Retries        uint64        `mapstructure:"retries" validate:"lte=20"`
	Parallelism    int           `mapstructure:"parallelism" validate:"gte=1,lte=256"`
	RetryInterval  time.Duration `mapstructure:"retry_interval" validate:"gt=0"`
}

type TrustConfig struct {
	Keys      []string `mapstructure:"keys" validate:"min=1,dive,required"`
	Blacklist string   `mapstructure:"blacklist"`
}

type StateConfig struct {
	Backend  string         `mapstructure:"backend" validate:"required,oneof=file sqlite postgres"`
	Dir      string         `mapstructure:"dir" validate:"required_if=Backend file"`
	Database DatabaseConfig `mapstructure:"database"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port" validate:"gte=0,lte=65535"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	Path     string `mapstructure:"path"`
}

type RedisConfig struct {
	URL           string        `mapstructure:"url" validate:"omitempty,url"`
	TTL           time.Duration `mapstructure:"ttl"`
	MaxObjectSize int64         `mapstructure:"max_object_size" validate:"gte=0"`
}

type S3Config struct {
	Endpoint  string `mapstructure:"endpoint" validate:"omitempty,url"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

type MountConfig struct {
	Mountpoint string `mapstructure:"mountpoint"`
	AllowOther bool   `mapstructure:"allow_other"`
	Debug      bool   `mapstructure:"debug"`
}

type ControlConfig struct {
	Socket string `mapstructure:"socket" validate:"required"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen" validate:"omitempty,hostname_port"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Format string `mapstructure:"format" validate:"required,oneof=text json"`
}

type PublishConfig struct {
	KeysDir string        `mapstructure:"keys_dir"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// Get 把当前 viper 状态解码成 Config 并校验
func Get() (*Config, error) {
	cfg, err := Decode()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode 只解码不校验 (发布端不需要客户端的信任配置)
func Decode() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Cache.Dir = expandHome(cfg.Cache.Dir)
	cfg.State.Dir = expandHome(cfg.State.Dir)
	cfg.Control.Socket = expandHome(cfg.Control.Socket)
	cfg.Publish.KeysDir = expandHome(cfg.Publish.KeysDir)
	for i, k := range cfg.Trust.Keys {
		cfg.Trust.Keys[i] = expandHome(k)
	}
	return &cfg, nil
}

// SlogLevel 把 log.level 转换为 slog.Level
func (c LogConfig) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.Level))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// NewLogger 按配置构建日志器，输出到 stderr
func (c LogConfig) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return home + p[1:]
}
