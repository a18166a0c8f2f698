package commands

import (
	"fmt"
	"time"

	"cvfs/pkg/exporter"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the verified manifest and mount state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := CV.Manager.Info()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		exporter.PrintManifest(info.State, out)
		fmt.Fprintln(out)
		if info.Tag != "" {
			fmt.Fprintf(out, "Mounted tag:  %s\n", info.Tag)
		}
		fmt.Fprintf(out, "Mounted:      revision %d (generation %d) at %s\n",
			info.Revision, info.Generation, info.MountedAt.UTC().Format(time.RFC3339))

		st := CV.Cache.Stats()
		fmt.Fprintf(out, "Cache:        %d objects, %d bytes (quota %d)\n", st.Entries, st.Bytes, st.Quota)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
