package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"cvfs/pkg/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "cvfsd [mountpoint]",
	Short:        "Mount a cvfs repository and serve the control socket",
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1. 配置
		if err := config.Load(cfgFile); err != nil {
			return err
		}
		if len(args) == 1 {
			viper.Set("mount.mountpoint", args[0])
		}
		cfg, err := config.Get()
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		logger := cfg.Log.NewLogger()
		slog.SetDefault(logger)

		// 2. SIGINT/SIGTERM 触发优雅退出
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		d, err := newDaemon(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer d.close()
		return d.serve(ctx)
	},
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.cvfs/config.yaml)")
	rootCmd.Flags().Bool("allow-other", false, "allow other users to access the mount")
	rootCmd.Flags().Bool("debug-fuse", false, "log every FUSE request")
	rootCmd.Flags().String("metrics", "", "serve Prometheus metrics on this address")
	_ = viper.BindPFlag("mount.allow_other", rootCmd.Flags().Lookup("allow-other"))
	_ = viper.BindPFlag("mount.debug", rootCmd.Flags().Lookup("debug-fuse"))
	_ = viper.BindPFlag("metrics.listen", rootCmd.Flags().Lookup("metrics"))
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		os.Exit(1)
	}
}
