package commands

import (
	"fmt"

	"cvfs/pkg/exporter"

	"github.com/spf13/cobra"
)

var lsLong bool

var lsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List a directory of the mounted repository",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := "/"
		if len(args) == 1 {
			p = args[0]
		}
		entries, err := CV.Manager.List(cmd.Context(), p)
		if err != nil {
			return fmt.Errorf("ls %s: %w", p, err)
		}

		out := cmd.OutOrStdout()
		if lsLong {
			return exporter.PrintListing(entries, out)
		}
		for _, e := range entries {
			name := e.Name
			if e.IsDir() {
				name += "/"
			}
			fmt.Fprintln(out, name)
		}
		return nil
	},
}

func init() {
	lsCmd.Flags().BoolVarP(&lsLong, "long", "l", false, "use a long listing format")
	rootCmd.AddCommand(lsCmd)
}
