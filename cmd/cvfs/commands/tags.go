package commands

import (
	"cvfs/pkg/exporter"

	"github.com/spf13/cobra"
)

var tagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "List named snapshots from the repository history",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tags, err := CV.Manager.Tags(cmd.Context())
		if err != nil {
			return err
		}
		return exporter.PrintTags(tags, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(tagsCmd)
}
