package commands

import (
	"fmt"
	"time"

	"cvfs/pkg/core"

	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export [path] [target-dir]",
	Short: "Copy a subtree of the repository to a local directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, target := args[0], args[1]
		out := cmd.OutOrStdout()
		start := time.Now()

		var files, bytes int64
		err := CV.Exporter.RestoreTree(cmd.Context(), src, target, func(path string, e *core.DirectoryEntry) {
			if e.IsFile() {
				files++
				bytes += e.Size
			}
		})
		if err != nil {
			return fmt.Errorf("export failed: %w", err)
		}
		fmt.Fprintf(out, "📦 Exported %d files (%d bytes) from %s to %s in %s\n",
			files, bytes, src, target, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
}
