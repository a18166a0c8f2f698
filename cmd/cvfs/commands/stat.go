package commands

import (
	"fmt"

	"cvfs/pkg/exporter"

	"github.com/spf13/cobra"
)

var statCmd = &cobra.Command{
	Use:   "stat [path]",
	Short: "Show metadata of a path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := CV.Manager.Stat(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("stat %s: %w", args[0], err)
		}
		exporter.PrintEntry(e, cmd.OutOrStdout())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statCmd)
}
