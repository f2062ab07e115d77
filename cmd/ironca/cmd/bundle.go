package cmd

import "github.com/spf13/cobra"

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Certificate bundle tools",
	Long:  `Commands for inspecting exported PEM certificate chains offline.`,
}

func init() {
	rootCmd.AddCommand(bundleCmd)
}
