package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wxagent/wxagent/internal/buildinfo"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "打印版本信息",
	Args:  cobra.NoArgs,
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("wxagent %s (commit %s, built %s)\n",
			buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
