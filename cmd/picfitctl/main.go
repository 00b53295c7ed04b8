package main

import (
	"context"
	"fmt"
	"os"

	"picfit/internal/app"
	"picfit/internal/config"
	"picfit/pkg/logger"

	"github.com/spf13/cobra"
)

var Version = "dev"

var (
	configPath string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "picfitctl",
		Short:         "Operator tools for the PicFit credit ledger and generation jobs",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", envOr("PICFIT_CONFIG", "config/config.yaml"), "config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(failuresCmd())
	rootCmd.AddCommand(processingCmd())
	rootCmd.AddCommand(grantCmd())
	rootCmd.AddCommand(processCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// open loads config and wires the app with a console logger.
func open(ctx context.Context) (*app.App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	level := "warn"
	if verbose {
		level = "debug"
	}
	log, err := logger.New(level, "console")
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, log)
}

// withApp runs fn against a freshly opened app and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return fn(ctx, a)
}
