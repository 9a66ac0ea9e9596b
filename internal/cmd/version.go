package cmd

import (
	"github.com/gatherly/feedkit/pkg/client"
	"github.com/gatherly/feedkit/pkg/output"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		output.PrintInfo(client.UserAgent)
	},
}
