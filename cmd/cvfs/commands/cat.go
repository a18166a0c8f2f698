package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var catCmd = &cobra.Command{
	Use:   "cat [path]",
	Short: "Print file content",
	Long:  `Resolve a path in the mounted revision, fetch and verify its objects, and write the content to stdout.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// 二进制文件可以通过 > file.bin 重定向
		if err := CV.Exporter.ExportFile(cmd.Context(), args[0], cmd.OutOrStdout()); err != nil {
			return fmt.Errorf("cat failed: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(catCmd)
}
