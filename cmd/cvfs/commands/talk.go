package commands

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"cvfs/pkg/client"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/protobuf/types/known/structpb"
)

const talkTimeout = 30 * time.Second

// talk 通过控制 socket 和运行中的 cvfsd 通信
var talkCmd = &cobra.Command{
	Use:         "talk",
	Short:       "Query or control a running cvfsd",
	Annotations: map[string]string{annotationStandalone: "true"},
}

// talkCall 建立连接并执行一次调用
func talkCall(cmd *cobra.Command, fn func(ctx context.Context, c *client.ControlClient) error) error {
	socket := viper.GetString("control.socket")
	c, err := client.NewControlClient(socket)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), talkTimeout)
	defer cancel()
	if err := fn(ctx, c); err != nil {
		return fmt.Errorf("talk via %s: %w", socket, err)
	}
	return nil
}

// printStruct 按 key 排序输出
func printStruct(w io.Writer, s *structpb.Struct) {
	m := s.AsMap()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := m[k]
		// JSON 数字统一是 float64，整数不打印小数点
		if f, ok := v.(float64); ok && f == float64(int64(f)) {
			v = int64(f)
		}
		fmt.Fprintf(w, "%-18s %v\n", k+":", v)
	}
}

func structCommand(use, short string, call func(ctx context.Context, c *client.ControlClient) (*structpb.Struct, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return talkCall(cmd, func(ctx context.Context, c *client.ControlClient) error {
				s, err := call(ctx, c)
				if err != nil {
					return err
				}
				printStruct(cmd.OutOrStdout(), s)
				return nil
			})
		},
	}
}

func init() {
	talkCmd.AddCommand(
		structCommand("status", "Show mount status", func(ctx context.Context, c *client.ControlClient) (*structpb.Struct, error) {
			return c.Status(ctx)
		}),
		structCommand("refresh", "Check for a new revision now", func(ctx context.Context, c *client.ControlClient) (*structpb.Struct, error) {
			return c.Refresh(ctx)
		}),
		structCommand("cache", "Show local cache usage", func(ctx context.Context, c *client.ControlClient) (*structpb.Struct, error) {
			return c.CacheStats(ctx)
		}),
		&cobra.Command{
			Use:   "resolve [path]",
			Short: "Resolve a path in the mounted revision",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return talkCall(cmd, func(ctx context.Context, c *client.ControlClient) error {
					s, err := c.Resolve(ctx, args[0])
					if err != nil {
						return err
					}
					printStruct(cmd.OutOrStdout(), s)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "cleanup [target-bytes]",
			Short: "Shrink the local cache below the target size (default: empty it)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var target int64
				if len(args) == 1 {
					var err error
					if target, err = strconv.ParseInt(args[0], 10, 64); err != nil {
						return fmt.Errorf("invalid target size %q: %w", args[0], err)
					}
				}
				return talkCall(cmd, func(ctx context.Context, c *client.ControlClient) error {
					s, err := c.Cleanup(ctx, target)
					if err != nil {
						return err
					}
					printStruct(cmd.OutOrStdout(), s)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "revision",
			Short: "Print the mounted revision",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return talkCall(cmd, func(ctx context.Context, c *client.ControlClient) error {
					rev, err := c.Revision(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), rev)
					return nil
				})
			},
		},
	)
	rootCmd.AddCommand(talkCmd)
}
