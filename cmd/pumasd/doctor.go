package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pumas-run/pumas/internal/registry"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Print a health snapshot of the library, link registry, and global registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(libraryRoot, configPath)
		if err != nil {
			return err
		}
		defer app.Close()

		fmt.Println("library root:", app.Root)

		models, err := app.Library.ListModels()
		if err != nil {
			fmt.Println("  models: error:", err)
		} else {
			fmt.Println("  models indexed:", len(models))
		}

		links := app.Links.GetAll()
		fmt.Println("  links registered:", len(links))
		broken, err := app.Links.CleanupBroken()
		if err != nil {
			fmt.Println("  link health: error:", err)
		} else if len(broken) > 0 {
			fmt.Printf("  link health: removed %d broken entr(ies)\n", len(broken))
		} else {
			fmt.Println("  link health: ok")
		}

		regPath, err := registry.DefaultPath()
		if err != nil {
			fmt.Println("  global registry: error resolving path:", err)
			return nil
		}
		fmt.Println("  global registry path:", regPath)

		reg, err := registry.Open(regPath, app.Cfg.RegistryBusyTimeoutMs())
		if err != nil {
			fmt.Println("  global registry: error:", err)
			return nil
		}
		defer reg.Close()

		cleanup, err := reg.CleanupStale()
		if err != nil {
			fmt.Println("  global registry cleanup: error:", err)
		} else {
			fmt.Printf("  global registry cleanup: removed %d stale instance(s), %d vanished librar(ies)\n",
				cleanup.StaleInstances, cleanup.VanishedLibraries)
		}

		libs, err := reg.List()
		if err != nil {
			fmt.Println("  registered libraries: error:", err)
		} else {
			fmt.Println("  registered libraries:", len(libs))
			for _, l := range libs {
				fmt.Printf("    %s (%s)\n", l.Name, l.Path)
			}
		}

		if inst, err := reg.GetInstance(app.Root); err == nil {
			fmt.Printf("  running daemon: pid=%d port=%d version=%s\n", inst.PID, inst.Port, inst.Version)
		} else {
			fmt.Println("  running daemon: none")
		}

		return nil
	},
}
