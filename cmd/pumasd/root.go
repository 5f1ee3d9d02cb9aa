package main

import (
	"github.com/spf13/cobra"

	"github.com/pumas-run/pumas/internal/applog"
)

var (
	libraryRoot string
	configPath  string
	noDaemon    bool
	jsonOutput  bool
	verboseFlag bool
	quietFlag   bool
)

var rootCmd = &cobra.Command{
	Use:           "pumasd",
	Short:         "Pumas model library daemon and CLI",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		applog.SetVerbose(verboseFlag)
		applog.SetQuiet(quietFlag)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&libraryRoot, "library-root", defaultLibraryRoot(), "Path to the model library root")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to pumas.yaml (default: <library-root>/pumas.yaml)")
	rootCmd.PersistentFlags().BoolVar(&noDaemon, "no-daemon", false, "Operate directly on the library, bypassing any running daemon")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(rebuildIndexCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(versionCmd)
}
