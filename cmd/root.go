// Package cmd defines and implements the CLI commands for the listings executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-listings-ingest/internal/config"
	"github.com/JakeFAU/realtime-listings-ingest/internal/listing"
	"github.com/JakeFAU/realtime-listings-ingest/internal/server"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what subcommands need from the application. Tests inject a fake.
type App interface {
	Run(ctx context.Context) error
	ScrapeAndIngest(ctx context.Context, params listing.ScrapeParams) (listing.IngestSummary, error)
	ReprocessAll(ctx context.Context) (listing.ReprocessSummary, error)
	Close(ctx context.Context) error
}

type serverApp struct {
	*server.App
}

func (a serverApp) ScrapeAndIngest(ctx context.Context, params listing.ScrapeParams) (listing.IngestSummary, error) {
	return a.Pipeline().ScrapeAndIngest(ctx, params) //nolint:wrapcheck // pipeline errors are already wrapped
}

func (a serverApp) ReprocessAll(ctx context.Context) (listing.ReprocessSummary, error) {
	return a.Pipeline().ReprocessAll(ctx) //nolint:wrapcheck // pipeline errors are already wrapped
}

// newApp is the application factory, replaced in tests.
var newApp = func(ctx context.Context, cfg *config.Config) (App, error) {
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, err //nolint:wrapcheck // wrapped by caller
	}
	return serverApp{App: app}, nil
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listings",
		Short: "Scrapes Facebook group listings and stores them as deduplicated posts.",
		Long: `listings runs scrape jobs on the Apify platform, normalizes the scraped
posts and stores them idempotently. It serves the HTTP API or runs one-shot
scrape and reprocess commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newScrapeCmd())
	cmd.AddCommand(newReprocessCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// closeApp closes the app once a one-shot command finishes. serve closes the
// app itself during shutdown.
func closeApp(ctx context.Context, app App) {
	if err := app.Close(context.WithoutCancel(ctx)); err != nil {
		fmt.Fprintf(os.Stderr, "close application: %v\n", err)
	}
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "listings: %v\n", err)
		os.Exit(1)
	}
}
