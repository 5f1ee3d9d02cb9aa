package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pumas-run/pumas/internal/importer"
)

var (
	importFamily               string
	importOfficialName         string
	importRepoID               string
	importModelType            string
	importSubtype              string
	importTags                 string
	importSecurityAcknowledged bool
	importAdoptOrphans         bool
)

var importCmd = &cobra.Command{
	Use:   "import [path]",
	Short: "Import a model directory or file into the library",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(libraryRoot, configPath)
		if err != nil {
			return err
		}
		defer app.Close()

		if importAdoptOrphans {
			adopted, err := app.Importer.AdoptOrphans()
			if err != nil {
				return err
			}
			fmt.Printf("adopted %d orphaned model(s)\n", len(adopted))
			for _, id := range adopted {
				fmt.Println(" ", id)
			}
			return nil
		}

		if len(args) != 1 {
			return fmt.Errorf("import requires a path argument (or --adopt-orphans)")
		}

		var tags []string
		if importTags != "" {
			tags = strings.Split(importTags, ",")
		}

		spec := importer.ModelImportSpec{
			Path:                 args[0],
			Family:               importFamily,
			OfficialName:         importOfficialName,
			RepoID:               importRepoID,
			ModelType:            importModelType,
			Subtype:              importSubtype,
			Tags:                 tags,
			SecurityAcknowledged: importSecurityAcknowledged,
		}

		modelID, err := app.Importer.Import(spec)
		if err != nil {
			return err
		}
		fmt.Println(modelID)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importFamily, "family", "", "Model family (e.g. llama, mistral)")
	importCmd.Flags().StringVar(&importOfficialName, "official-name", "", "Official display name")
	importCmd.Flags().StringVar(&importRepoID, "repo-id", "", "Source repo identifier, e.g. a Hugging Face repo ID")
	importCmd.Flags().StringVar(&importModelType, "model-type", "", "Model type (e.g. llm, diffusion)")
	importCmd.Flags().StringVar(&importSubtype, "subtype", "", "Model subtype")
	importCmd.Flags().StringVar(&importTags, "tags", "", "Comma-separated tags")
	importCmd.Flags().BoolVar(&importSecurityAcknowledged, "security-acknowledged", false, "Acknowledge security warnings for untrusted formats (e.g. pickle)")
	importCmd.Flags().BoolVar(&importAdoptOrphans, "adopt-orphans", false, "Adopt model directories with weight files but no metadata.json")
}
