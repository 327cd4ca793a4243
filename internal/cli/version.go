package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/allyourbase/jobq/internal/cli/ui"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print jobq version",
	RunE: func(cmd *cobra.Command, args []string) error {
		if outputFormat(cmd) == "json" {
			return json.NewEncoder(os.Stdout).Encode(map[string]any{
				"version": buildVersion,
				"commit":  buildCommit,
				"date":    buildDate,
			})
		}
		fmt.Printf("%s jobq %s (commit: %s, built: %s)\n", ui.BrandMark, buildVersion, buildCommit, buildDate)
		return nil
	},
}
