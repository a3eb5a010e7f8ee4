// Package main provides the CLI entry point for the meshpanel control panel.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/common/version"
	"github.com/spf13/cobra"

	"github.com/meshled/meshpanel/internal/app"
	"github.com/meshled/meshpanel/internal/config"
	"github.com/meshled/meshpanel/internal/logging"
	"github.com/meshled/meshpanel/internal/wizard"
)

// Version is set at build time.
var Version = "dev"

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	verbose    bool
}

func main() {
	version.Version = Version

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, wizard.Failure(err.Error()))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "meshpanel",
		Short: "meshpanel - LED mesh control panel",
		Long: `meshpanel discovers LED controllers on the local network, shows each
device's pixel topology and links external ports of one device to
internal ports of another.

Commands talk to the selected device directly; "serve" exposes the
same operations as a JSON HTTP API.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "./meshpanel.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Log at the configured level instead of warnings only")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd(g))
	rootCmd.AddCommand(devicesCmd(g))
	rootCmd.AddCommand(discoverCmd(g))
	rootCmd.AddCommand(remoteCmd(g))
	rootCmd.AddCommand(modelCmd(g))
	rootCmd.AddCommand(infoCmd(g))
	rootCmd.AddCommand(linkCmd(g))
	rootCmd.AddCommand(intersectionCmd(g))
	rootCmd.AddCommand(tokenCmd(g))
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

// loadApp loads the config and wires the components. One-shot commands log
// warnings only unless --verbose is set.
func loadApp(g *globalFlags, quiet bool) (*app.App, error) {
	cfg, err := config.LoadOrDefault(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	opts := app.Options{}
	if quiet && !g.verbose {
		opts.Logger = logging.NewLogger("warn", cfg.Panel.LogFormat)
	}
	return app.NewWithOptions(cfg, opts)
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file interactively",
		Long:  "Run the setup wizard and write a configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			return err
		},
	}
}

func serveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the panel HTTP API",
		Long:  "Start the panel HTTP API with health, readiness and metrics endpoints.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g, false)
			if err != nil {
				return err
			}

			if err := a.Start(); err != nil {
				return err
			}
			fmt.Printf("Panel API listening on http://%s\n", a.Address())
			if sel := a.Session().Selected(); sel != "" {
				fmt.Printf("Selected device: %s\n", sel)
			}

			<-cmd.Context().Done()
			fmt.Println("\nShutting down...")

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := a.StopWithContext(ctx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			fmt.Println("Panel stopped.")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Print("meshpanel"))
		},
	}
}
