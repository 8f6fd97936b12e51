package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-listings-ingest/internal/listing"
)

type scrapeOptions struct {
	urls           []string
	resultsLimit   int
	commentsLimit  int
	reactionsLimit int
	useProxy       bool
}

func newScrapeCmd() *cobra.Command {
	opts := &scrapeOptions{}
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Runs one scrape job and ingests its results",
		Long: `Starts a scrape job for the given group URLs, waits for it to finish,
ingests the dataset and prints the created, skipped and rejected counts as JSON.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(cmd.Context(), app)

			params, err := opts.params(cmd)
			if err != nil {
				return err
			}

			summary, err := app.ScrapeAndIngest(cmd.Context(), params)
			if printErr := printJSON(cmd, summary); printErr != nil {
				return printErr
			}
			if err != nil {
				return fmt.Errorf("scrape: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&opts.urls, "url", nil, "group URL to scrape (repeatable)")
	cmd.Flags().IntVar(&opts.resultsLimit, "results-limit", 0, "maximum number of posts to fetch")
	cmd.Flags().IntVar(&opts.commentsLimit, "comments-limit", 0, "maximum number of comments per post")
	cmd.Flags().IntVar(&opts.reactionsLimit, "reactions-limit", 0, "maximum number of reactions per post")
	cmd.Flags().BoolVar(&opts.useProxy, "proxy", false, "route the scrape through the provider proxy")
	return cmd
}

func (o *scrapeOptions) params(cmd *cobra.Command) (listing.ScrapeParams, error) {
	if len(o.urls) == 0 {
		return listing.ScrapeParams{}, errors.New("at least one --url is required")
	}
	params := listing.ScrapeParams{}
	for _, u := range o.urls {
		params.StartURLs = append(params.StartURLs, listing.StartURL{URL: u})
	}
	for _, limit := range []struct {
		flag string
		val  int
		dst  **int
	}{
		{"results-limit", o.resultsLimit, &params.ResultsLimit},
		{"comments-limit", o.commentsLimit, &params.CommentsLimit},
		{"reactions-limit", o.reactionsLimit, &params.ReactionsLimit},
	} {
		if !cmd.Flags().Changed(limit.flag) {
			continue
		}
		if limit.val < 0 {
			return listing.ScrapeParams{}, fmt.Errorf("--%s must be >= 0", limit.flag)
		}
		v := limit.val
		*limit.dst = &v
	}
	if o.useProxy {
		params.ProxyConfiguration = &listing.ProxyConfig{UseApifyProxy: true}
	}
	return params, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
