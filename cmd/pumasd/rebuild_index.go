package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pumas-run/pumas/internal/applog"
)

var (
	rebuildDeep         bool
	rebuildVerifyHashes bool
)

var rebuildIndexCmd = &cobra.Command{
	Use:   "rebuild-index",
	Short: "Rebuild the model index from metadata.json files on disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(libraryRoot, configPath)
		if err != nil {
			return err
		}
		defer app.Close()

		if rebuildDeep {
			result, err := app.Library.DeepScanRebuild(rebuildVerifyHashes, func(done, total int) {
				applog.Logf("deep scan: %d/%d", done, total)
			})
			if err != nil {
				return err
			}
			fmt.Printf("indexed %d/%d model(s), %d hash mismatch(es), %d error(s)\n",
				result.Indexed, result.Total, len(result.HashMismatches), len(result.Errors))
			for _, e := range result.Errors {
				fmt.Println(" error:", e)
			}
			return nil
		}

		n, err := app.Library.RebuildIndex()
		if err != nil {
			return err
		}
		fmt.Printf("indexed %d model(s)\n", n)
		return nil
	},
}

func init() {
	rebuildIndexCmd.Flags().BoolVar(&rebuildDeep, "deep", false, "Deep scan: report per-model errors and allow --verify-hashes; metadata is never modified")
	rebuildIndexCmd.Flags().BoolVar(&rebuildVerifyHashes, "verify-hashes", false, "Recompute and verify content hashes during a deep scan")
}
