package commands

import (
	"context"
	"fmt"
	"os"

	"cvfs/pkg/app"
	"cvfs/pkg/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// standalone 标记的命令不挂载仓库 (talk, publish, keygen)
const annotationStandalone = "standalone"

var (
	cfgFile string
	// 全局应用实例，供子命令使用
	CV *app.App
)

var rootCmd = &cobra.Command{
	Use:           "cvfs",
	Short:         "cvfs: read-only content-addressed filesystem client",
	SilenceUsage:  true,
	SilenceErrors: false,
	// PersistentPreRunE 会在所有子命令执行前运行：加载配置，挂载仓库
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Load(cfgFile); err != nil {
			return err
		}
		if isStandalone(cmd) {
			return nil
		}

		cfg, err := config.Get()
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		ctx := cmd.Context()
		a, err := app.New(ctx, cfg, cfg.Log.NewLogger())
		if err != nil {
			return fmt.Errorf("failed to initialize cvfs: %w", err)
		}
		if err := a.Mount(ctx); err != nil {
			a.Close()
			return fmt.Errorf("failed to mount %s: %w", cfg.Repository.Name, err)
		}
		CV = a
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if CV == nil {
			return nil
		}
		err := CV.Close()
		CV = nil
		return err
	},
}

// isStandalone 子命令继承父命令的标记
func isStandalone(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations[annotationStandalone] != "" {
			return true
		}
	}
	return false
}

// Execute 是入口
func Execute() error {
	return ExecuteContext(context.Background())
}

func ExecuteContext(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	// RunE 失败时 PersistentPostRunE 不会执行
	if CV != nil {
		CV.Close()
		CV = nil
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.cvfs/config.yaml)")

	// 常用配置项可以用参数覆盖，优先级高于配置文件和环境变量
	flags := []struct{ name, key, usage string }{
		{"repo", "repository.name", "repository name, e.g. demo.cvfs.io"},
		{"repo-url", "repository.url", "origin base URL"},
		{"repo-path", "repository.path", "local repository directory (source=disk)"},
		{"source", "repository.source", "object source: http, disk or s3"},
		{"tag", "repository.tag", "mount a named tag instead of the latest revision"},
		{"cache-dir", "cache.dir", "local object cache directory"},
		{"log-level", "log.level", "debug, info, warn or error"},
		{"keys-dir", "publish.keys_dir", "signing keys directory (publish, keygen)"},
		{"socket", "control.socket", "cvfsd control socket (talk)"},
	}
	for _, f := range flags {
		rootCmd.PersistentFlags().String(f.name, "", f.usage)
		if err := viper.BindPFlag(f.key, rootCmd.PersistentFlags().Lookup(f.name)); err != nil {
			fmt.Fprintln(os.Stderr, "Failed to bind flag:", err)
			os.Exit(1)
		}
	}
}
