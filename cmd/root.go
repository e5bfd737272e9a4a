// Package cmd defines and implements the CLI commands for the pagesnap executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagesnap/internal/api"
	"github.com/JakeFAU/pagesnap/internal/app"
	"github.com/JakeFAU/pagesnap/internal/capture"
	"github.com/JakeFAU/pagesnap/internal/config"
	"github.com/JakeFAU/pagesnap/internal/logging"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const (
	appKey    appKeyType = "app"
	configKey appKeyType = "config"
)

// App defines the application interface that commands will use.
type App interface {
	Close()
	Logger() *zap.Logger
	Service() *capture.Service
	ReadinessChecks() []api.ReadinessCheck
	RunMaintenance(ctx context.Context, interval time.Duration)
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pagesnap",
		Short: "Render web pages in a headless browser and serve them as images.",
		Long: `pagesnap drives a Chrome DevTools endpoint to capture a full page or a
single region of it, with selector fallback, retry on transient browser faults
and a response cache in front of the browser.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				File:        cfg.Logging.File,
				MaxSizeMB:   cfg.Logging.MaxSizeMB,
				MaxBackups:  cfg.Logging.MaxBackups,
				MaxAgeDays:  cfg.Logging.MaxAgeDays,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}

			ctx := context.WithValue(cmd.Context(), appKey, appInstance)
			ctx = context.WithValue(ctx, configKey, cfg)
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
				_ = appInstance.Logger().Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); environment variables use the PAGESNAP_ prefix")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newShotCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "pagesnap: %v\n", err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, config.Config, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, config.Config{}, errors.New("application services not initialized")
	}
	cfg, _ := ctx.Value(configKey).(config.Config)
	return appInstance, cfg, nil
}
