package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pumas-run/pumas/internal/applog"
	"github.com/pumas-run/pumas/internal/registry"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the library daemon, holding the library root lock until signaled",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(libraryRoot, configPath)
		if err != nil {
			return err
		}
		defer app.Close()

		lock, err := registry.AcquireLibraryLock(libraryRoot)
		if err != nil {
			return err
		}
		defer lock.Release()

		regPath, err := registry.DefaultPath()
		if err != nil {
			return err
		}
		reg, err := registry.Open(regPath, app.Cfg.RegistryBusyTimeoutMs())
		if err != nil {
			return err
		}
		defer reg.Close()

		if _, err := reg.Register(libraryRoot, filepath.Base(libraryRoot)); err != nil {
			applog.Logf("serve: failed to register library: %v", err)
		}
		if err := reg.RegisterInstance(libraryRoot, os.Getpid(), servePort, Version); err != nil {
			applog.Logf("serve: failed to register instance: %v", err)
		}
		defer func() {
			if err := reg.UnregisterInstance(libraryRoot); err != nil {
				applog.Logf("serve: failed to unregister instance: %v", err)
			}
		}()

		applog.PrintlnNormal("pumasd serving library at", libraryRoot)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		applog.PrintlnNormal("pumasd shutting down")
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "RPC port to advertise in the global registry (0 if not listening on a network port)")
}
