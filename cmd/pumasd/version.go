package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Version is the current version of pumasd (overridden by ldflags at build time).
var Version = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		commit := ""
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, setting := range info.Settings {
				if setting.Key == "vcs.revision" {
					commit = setting.Value
				}
			}
		}
		if jsonOutput {
			fmt.Printf("{\"version\":%q,\"commit\":%q}\n", Version, commit)
			return
		}
		if commit != "" {
			if len(commit) > 12 {
				commit = commit[:12]
			}
			fmt.Printf("pumasd version %s (%s)\n", Version, commit)
			return
		}
		fmt.Printf("pumasd version %s\n", Version)
	},
}
