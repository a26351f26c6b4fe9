package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if versionJSON {
			return json.NewEncoder(out).Encode(map[string]string{
				"version":    versionInfo.Version,
				"commit":     versionInfo.Commit,
				"build_date": versionInfo.BuildDate,
				"go_version": runtime.Version(),
			})
		}
		_, _ = fmt.Fprintf(out, "lakeflow %s (commit %s, built %s, %s)\n",
			versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate, runtime.Version())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Print as JSON")
}
