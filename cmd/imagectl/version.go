package main

import (
	"github.com/gridctl/imagectl/pkg/output"
	"github.com/spf13/cobra"
)

// Set by GoReleaser via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printer := output.NewWithWriter(cmd.OutOrStdout())
		printer.Banner(version)
		printer.Print("  commit: %s\n", commit)
		printer.Print("  built:  %s\n", date)
	},
}
