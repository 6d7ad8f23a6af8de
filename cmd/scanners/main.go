package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"surface.scanners/internal/config"
	"surface.scanners/internal/core/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		configPath string
		a          *app
	)

	root := &cobra.Command{
		Use:           "scanners",
		Short:         "Dispatch scanners to rootboxes and collect what they produce",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger.Init(cfg.LogLevel, cfg.LogFormat)

			a, err = newApp(cfg)
			if err != nil {
				return err
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a != nil {
				a.Close()
			}
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("SCANNERS_CONFIG"), "Path to a YAML configuration file")

	// commands read the app lazily, it only exists once PersistentPreRunE ran
	get := func() *app { return a }
	root.AddCommand(
		resyncCommand(get),
		runScannerCommand(get),
		runContinuouslyCommand(get),
		checkScannersCommand(get),
		parseResultsCommand(get),
		runProxyCommand(get),
		watchCommand(get),
	)

	err := root.ExecuteContext(ctx)
	if err != nil && a != nil {
		// PersistentPostRun is skipped when RunE fails
		a.Close()
		a = nil
	}
	return err
}
